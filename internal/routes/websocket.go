package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nikhil/eaven-sync/internal/handlers"
	"github.com/nikhil/eaven-sync/internal/metrics"
	"github.com/nikhil/eaven-sync/internal/middleware"
)

// RegisterWebSocketRoutes registers the realtime feed endpoint
func RegisterWebSocketRoutes(router *mux.Router, deps *Deps) {
	// WebSocket endpoint with authentication via query parameter
	router.Handle("/ws", middleware.WebSocketAuthMiddleware(deps.Auth)(http.HandlerFunc(deps.API.HandleWebSocket))).Methods(http.MethodGet)
}

func RegisterOpsRoutes(router *mux.Router, deps *Deps) {
	router.HandleFunc("/healthz", handlers.Health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}
