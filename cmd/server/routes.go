package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cpmentor/notification-service/internal/auth"
	"github.com/cpmentor/notification-service/internal/config"
	"github.com/cpmentor/notification-service/internal/httputil"
	"github.com/cpmentor/notification-service/internal/middleware"
	"github.com/cpmentor/notification-service/internal/notifications"
	"github.com/cpmentor/notification-service/internal/realtime"
)

// Roles allowed to flip a contest's notification flag by hand.
var contestAdminRoles = []string{"admin", "mentor"}

type routerDeps struct {
	cfg        *config.Config
	jwtService *auth.JWTService
	api        *notifications.Handlers
	ws         *realtime.WSHandler
	health     http.HandlerFunc
	limiter    *middleware.RateLimiter
}

func newRouter(d routerDeps) http.Handler {
	r := mux.NewRouter()
	r.Use(d.limiter.Middleware())

	// Health check (no auth)
	r.HandleFunc("/healthz", d.health).Methods("GET")

	// WebSocket (auth handled inside handler)
	d.ws.RegisterRoutes(r)

	protected := r.PathPrefix("").Subrouter()
	protected.Use(middleware.Auth(d.jwtService))
	d.api.RegisterRoutes(protected, middleware.RequireRole(contestAdminRoles...))

	// CORS wraps the entire router so preflight requests never hit mux.
	return middleware.CORS(d.cfg.AllowedOrigins, r)
}

type consumerStatus interface {
	State() notifications.State
	Stats() notifications.ConsumerStats
}

type connectionCounter interface {
	Connected() int
}

func healthHandler(consumer consumerStatus, hub connectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := consumer.State()
		status := "ok"
		if state != notifications.StateConsuming {
			status = "degraded"
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status": status,
			"consumer": map[string]interface{}{
				"state": state,
				"stats": consumer.Stats(),
			},
			"websocket_clients": hub.Connected(),
		})
	}
}
