// Package main: handler layer setup.
package main

import (
	"github.com/akinalp/livecast/handlers"
	"github.com/akinalp/livecast/ws"
)

// Handlers holds every handler instance.
type Handlers struct {
	Transport *handlers.TransportHandler
	Stream    *handlers.StreamHandler
	History   *handlers.HistoryHandler
	Health    *handlers.HealthHandler
	WS        *ws.Handler
}

func initHandlers(svcs *Services, limiters *RateLimiters, hub *ws.Hub) *Handlers {
	return &Handlers{
		Transport: handlers.NewTransportHandler(svcs.Token, limiters.Token),
		Stream:    handlers.NewStreamHandler(svcs.Registry),
		History:   handlers.NewHistoryHandler(svcs.History),
		Health:    handlers.NewHealthHandler(svcs.Registry),
		WS:        ws.NewHandler(hub, svcs.Token),
	}
}
