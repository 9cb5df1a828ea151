package routes

import (
	"net/http"

	"github.com/gorilla/mux"
)

func RegisterChannelRoutes(router *mux.Router, deps *Deps) {
	h := deps.API

	orgs := protected(router, "/orgs", deps)
	orgs.HandleFunc("/{org}/default-channels", h.ListDefaultChannels).Methods(http.MethodGet)

	ch := protected(router, "/channels", deps)
	ch.HandleFunc("", h.CreateChannel).Methods(http.MethodPost)
	ch.HandleFunc("/{id}", h.GetChannel).Methods(http.MethodGet)
	ch.HandleFunc("/{id}/members", h.AddMembers).Methods(http.MethodPost)
	ch.HandleFunc("/{id}/members/me", h.Membership).Methods(http.MethodGet)
	ch.HandleFunc("/{id}/kind", h.SetChannelKind).Methods(http.MethodPut)

	ch.HandleFunc("/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	ch.Handle("/{id}/messages", limited(deps, "send_message", h.SendMessage)).Methods(http.MethodPost)

	ch.HandleFunc("/{id}/pins", h.ListPinned).Methods(http.MethodGet)
	ch.HandleFunc("/{id}/pins/{message}", h.SetPinned).Methods(http.MethodPut, http.MethodDelete)

	ch.HandleFunc("/{id}/typing", h.Typing).Methods(http.MethodPut)
	ch.HandleFunc("/{id}/typing", h.StopTyping).Methods(http.MethodDelete)
	ch.HandleFunc("/{id}/typing", h.ListTyping).Methods(http.MethodGet)
}
