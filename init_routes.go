// Package main: HTTP route registration.
package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akinalp/livecast/middleware"
	"github.com/akinalp/livecast/services"
)

// initRoutes binds every endpoint to mux.
//
// Literal paths are registered next to their {channelName} siblings; Go's
// mux prefers the more specific pattern, so /streams/active and
// /streams/history never match /streams/{channelName}.
func initRoutes(mux *http.ServeMux, h *Handlers, tokenService services.TokenService) {
	hostAuthMw := middleware.NewHostAuthMiddleware(tokenService)

	host := func(handler http.HandlerFunc) http.Handler {
		return hostAuthMw.Require(http.HandlerFunc(handler))
	}

	// ─── Transport ───
	mux.HandleFunc("GET /transport/credentials", h.Transport.Credentials)
	mux.HandleFunc("POST /transport/host-token", h.Transport.HostToken)
	mux.HandleFunc("POST /transport/audience-token", h.Transport.AudienceToken)

	// ─── Streams ───
	mux.HandleFunc("GET /streams/active", h.Stream.Active)
	mux.HandleFunc("GET /streams/history", h.History.List)
	mux.HandleFunc("GET /streams/{channelName}", h.Stream.Get)
	mux.Handle("POST /streams/{channelName}/register", host(h.Stream.Register))
	mux.Handle("POST /streams/{channelName}/heartbeat", host(h.Stream.Heartbeat))
	mux.Handle("POST /streams/{channelName}/end", host(h.Stream.End))

	// ─── WebSocket ───
	// Authentication of the relay happens inside the handler (query token).
	mux.HandleFunc("GET /ws/discovery", h.WS.HandleDiscovery)
	mux.HandleFunc("GET /ws/channels/{channelName}", h.WS.HandleChannel)

	// ─── Ops ───
	mux.HandleFunc("GET /api/health", h.Health.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
}
