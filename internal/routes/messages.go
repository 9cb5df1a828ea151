package routes

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterMessageRoutes(router *mux.Router, deps *Deps) {
	h := deps.API

	msgs := protected(router, "/messages", deps)
	msgs.HandleFunc("", h.GetMessages).Methods(http.MethodGet)
	msgs.HandleFunc("/{id}", h.UpdateMessage).Methods(http.MethodPut)
	msgs.HandleFunc("/{id}", h.DeleteMessage).Methods(http.MethodDelete)

	files := protected(router, "/attachments", deps)
	files.HandleFunc("/presign", h.PresignUpload).Methods(http.MethodPost)
}
