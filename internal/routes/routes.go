// Package routes wires the gateway's HTTP surface onto a mux router.
package routes

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nikhil/eaven-sync/internal/auth"
	"github.com/nikhil/eaven-sync/internal/handlers"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/metrics"
	"github.com/nikhil/eaven-sync/internal/middleware"
	"github.com/nikhil/eaven-sync/internal/ratelimit"
)

// Deps is everything the route modules need.
type Deps struct {
	Auth    *auth.AuthService
	API     *handlers.Handler
	Limiter *ratelimit.Limiter // optional; nil disables send limiting
	Log     *logger.Logger

	// DefaultChannels are created for an organization on signup.
	DefaultChannels []string
}

// List of all route registration functions
var routeModules = []func(*mux.Router, *Deps){
	RegisterAuthRoutes,
	RegisterChannelRoutes,
	RegisterMessageRoutes,
	RegisterDecorationRoutes,
	RegisterWebSocketRoutes,
	RegisterOpsRoutes,
}

// Register all routes dynamically
func RegisterAllRoutes(deps *Deps) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestID, metrics.Middleware)

	for _, register := range routeModules {
		register(router, deps)
	}

	return router
}

// protected returns a subrouter under prefix that requires a bearer token.
func protected(router *mux.Router, prefix string, deps *Deps) *mux.Router {
	sub := router.PathPrefix(prefix).Subrouter()
	sub.Use(middleware.AuthMiddleware(deps.Auth), middleware.ResponseWrapperMiddleware)
	return sub
}

func userKey(r *http.Request) string {
	if claims, ok := middleware.UserFromContext(r.Context()); ok {
		return claims.UserID
	}
	return ""
}

func limited(deps *Deps, route string, h http.HandlerFunc) http.Handler {
	if deps.Limiter == nil {
		return h
	}
	return deps.Limiter.Middleware(route, userKey)(h)
}
