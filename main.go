// Package main is the entry point of the livecast server.
//
// Wire-up order:
//  1. config
//  2. database (stream history)
//  3. repositories
//  4. rate limiters
//  5. services (token, registry, monitor, history)
//  6. WebSocket hub + callbacks
//  7. handlers, routes, CORS
//  8. HTTP server
//  9. graceful shutdown
//
// No globals: everything is built here and injected.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/akinalp/livecast/config"
	"github.com/akinalp/livecast/database"
	"github.com/akinalp/livecast/ws"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] livecast server starting...")

	// ─── 1. Config ───
	cfg, err := config.Load()
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Fatalf("[main] fatal configuration error: %v", cfgErr)
		}
		log.Fatalf("[main] failed to load config: %v", err)
	}
	log.Printf("[main] config loaded (port=%d, livekit=%s)", cfg.Server.Port, cfg.LiveKit.URL)

	// ─── 2. Database ───
	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		log.Fatalf("[main] failed to open embedded migrations: %v", err)
	}
	db, err := database.New(cfg.Database.Path, migrations)
	if err != nil {
		log.Fatalf("[main] failed to initialize database: %v", err)
	}
	defer db.Close()

	// ─── 3-5. Repositories, rate limiters, services ───
	repos := initRepositories(db.Conn)
	limiters := initRateLimiters(cfg)
	svcs := initServices(db.Conn, repos, cfg)

	if err := svcs.History.CloseDangling(context.Background()); err != nil {
		log.Printf("[main] failed to close dangling history rows: %v", err)
	}

	// ─── 6. WebSocket hub ───
	hub := ws.NewHub(limiters.Chat)
	registerHubCallbacks(hub, svcs.Registry)
	registerRegistryCallbacks(svcs.Registry, hub, svcs.History)
	go hub.Run()

	svcs.Monitor.Start()

	// ─── 7. Handlers, routes, CORS ───
	h := initHandlers(svcs, limiters, hub)
	mux := http.NewServeMux()
	initRoutes(mux, h, svcs.Token)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	})

	// ─── 8. HTTP server ───
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      corsHandler.Handler(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ─── 9. Graceful shutdown ───
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("[main] server listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[main] server error: %v", err)
		}
	}()

	<-done
	log.Println("[main] shutting down...")

	// Stop accepting requests first, then stop the sweeper, then end every
	// live stream (discovery clients and history see the shutdown), then
	// drop the sockets.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[main] forced shutdown: %v", err)
	}

	svcs.Monitor.Stop()
	svcs.Registry.Close()
	hub.Shutdown()
	svcs.Token.Close()
	limiters.Token.Close()
	limiters.Chat.Close()

	log.Println("[main] server stopped gracefully")
}
