// Package main: service layer setup.
//
// Order matters: the registry must exist before the monitor and before the
// callbacks in init_callbacks.go are attached.
package main

import (
	"database/sql"
	"time"

	"github.com/akinalp/livecast/config"
	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg/ratelimit"
	"github.com/akinalp/livecast/services"
)

// Services holds every service instance.
type Services struct {
	Token    services.TokenService
	Registry services.StreamRegistry
	Monitor  services.HeartbeatMonitor
	History  services.StreamHistoryService
}

// RateLimiters holds every rate limiter instance.
type RateLimiters struct {
	Token *ratelimit.TokenRateLimiter
	Chat  *ratelimit.ChatRateLimiter
}

func initRateLimiters(cfg *config.Config) *RateLimiters {
	return &RateLimiters{
		Token: ratelimit.NewTokenRateLimiter(cfg.RateLimit.TokenWindow, map[string]int{
			string(models.RoleHost):     cfg.RateLimit.HostTokenRequests,
			string(models.RoleAudience): cfg.RateLimit.TokenRequests,
		}),
		// 5 messages per 5 seconds, then 15 seconds of silence.
		Chat: ratelimit.NewChatRateLimiter(5, 5*time.Second, 15*time.Second),
	}
}

func initServices(db *sql.DB, repos *Repositories, cfg *config.Config) *Services {
	registry := services.NewStreamRegistry(cfg.Registry.EndGracePeriod)

	return &Services{
		Token:    services.NewTokenService(cfg.LiveKit),
		Registry: registry,
		Monitor:  services.NewHeartbeatMonitor(registry, cfg.Registry.SweepInterval, cfg.Registry.HeartbeatTimeout),
		History:  services.NewStreamHistoryService(db, repos.StreamHistory),
	}
}
