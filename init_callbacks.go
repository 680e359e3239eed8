// Package main: callback wire-up.
//
// The registry lives in services and the hub in ws; neither imports the
// other. main connects them:
//
//	registry ──streamStarted/streamEnded/viewerCountChanged──▶ hub (discovery) + history
//	hub ──audience changed──▶ registry.UpdateViewerCount
package main

import (
	"context"
	"log"
	"time"

	"github.com/akinalp/livecast/handlers"
	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/services"
	"github.com/akinalp/livecast/ws"
)

const historyWriteTimeout = 5 * time.Second

// registerRegistryCallbacks fans registry events out to discovery clients
// and the history store.
func registerRegistryCallbacks(registry services.StreamRegistry, publisher ws.DiscoveryPublisher, history services.StreamHistoryService) {
	registry.OnStreamStarted(func(s models.StreamSession) {
		publisher.BroadcastDiscovery(ws.NewStreamStarted(s))

		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		defer cancel()
		if err := history.RecordStart(ctx, s); err != nil {
			log.Printf("[history] failed to record start channel=%s: %v", s.ChannelName, err)
		}
	})

	registry.OnViewerCountChanged(func(s models.StreamSession) {
		publisher.BroadcastDiscovery(ws.NewViewerCountChanged(s))

		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		defer cancel()
		if err := history.RecordViewerCount(ctx, s); err != nil {
			log.Printf("[history] failed to record viewers channel=%s: %v", s.ChannelName, err)
		}
	})

	registry.OnStreamEnded(func(s models.StreamSession, reason models.EndReason) {
		publisher.BroadcastDiscovery(ws.NewStreamEnded(s, reason))

		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		defer cancel()
		if err := history.RecordEnd(ctx, s, reason); err != nil {
			log.Printf("[history] failed to record end channel=%s: %v", s.ChannelName, err)
		}
	})
}

// registerHubCallbacks feeds relay state back into the registry.
func registerHubCallbacks(hub *ws.Hub, registry services.StreamRegistry) {
	hub.SetDiscoverySnapshot(func() []models.StreamSummary {
		return handlers.Summaries(registry.Active())
	})

	// Distinct audience identities on the relay are the server-side viewer
	// count. Unknown or ended channels are ignored by the registry.
	hub.OnAudienceChanged(func(channelName string) {
		registry.UpdateViewerCount(channelName, hub.AudienceCount(channelName))
	})
}
