package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nikhil/eaven-sync/internal/handlers"
	"github.com/nikhil/eaven-sync/internal/middleware"
)

func RegisterAuthRoutes(router *mux.Router, deps *Deps) {
	authHandler := handlers.NewAuthHandler(deps.Auth, deps.API.Users, deps.Log)
	authHandler.Channels = deps.API.Store
	authHandler.DefaultChannels = deps.DefaultChannels

	// Public routes without auth middleware
	publicRouter := router.PathPrefix("/auth").Subrouter()
	publicRouter.Use(middleware.ResponseWrapperMiddleware)
	publicRouter.HandleFunc("/signup", authHandler.Signup).Methods(http.MethodPost)
	publicRouter.HandleFunc("/login", authHandler.Login).Methods(http.MethodPost)

	me := protected(router, "/me", deps)
	me.HandleFunc("", authHandler.Me).Methods(http.MethodGet)
	me.HandleFunc("/channels", deps.API.ListMyChannels).Methods(http.MethodGet)
	me.HandleFunc("/direct-channels", deps.API.ListMyDirectChannels).Methods(http.MethodGet)
}
