package routes

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterDecorationRoutes(router *mux.Router, deps *Deps) {
	h := deps.API

	receipts := protected(router, "/receipts", deps)
	receipts.HandleFunc("", h.ListReceipts).Methods(http.MethodGet)
	receipts.HandleFunc("", h.InsertReceipts).Methods(http.MethodPost)

	reactions := protected(router, "/reactions", deps)
	reactions.HandleFunc("", h.ListReactions).Methods(http.MethodGet)
	reactions.HandleFunc("", h.InsertReaction).Methods(http.MethodPost)
	reactions.HandleFunc("/find", h.FindReaction).Methods(http.MethodGet)
	reactions.HandleFunc("/{id}", h.DeleteReaction).Methods(http.MethodDelete)

	stars := protected(router, "/stars", deps)
	stars.HandleFunc("", h.ListStarred).Methods(http.MethodGet)
	stars.HandleFunc("/{message}", h.SetStarred).Methods(http.MethodPut, http.MethodDelete)
}
