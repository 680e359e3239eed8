// Package models holds the data types shared by the service, handler and
// client layers.
//
// StreamSession is EPHEMERAL: the registry keeps it in an in-memory map and
// a server restart forgets every live stream. A heartbeat for a stream the
// registry no longer holds is answered with HeaderStreamRegistered: false,
// and the host registers again, so nothing needs to be persisted for
// liveness.
package models

import "time"

// StreamStatus is the liveness state of a registry entry.
type StreamStatus string

const (
	StreamStatusActive   StreamStatus = "active"
	StreamStatusInactive StreamStatus = "inactive"
)

// HeaderStreamRegistered is set to "false" on a heartbeat answer when the
// channel is not active in the registry (expired, ended or forgotten).
const HeaderStreamRegistered = "X-Stream-Registered"

// EndReason explains why a stream left the active set.
type EndReason string

const (
	EndReasonHostEnded EndReason = "host_ended" // explicit POST /streams/{channelName}/end
	EndReasonExpired   EndReason = "expired"    // heartbeat monitor sweep
	EndReasonShutdown  EndReason = "shutdown"   // registry closed
)

// StreamSession describes one live broadcast.
//
// ChannelName is the immutable identity. SessionID changes every time the
// channel goes live again, which keeps history rows apart.
// Timestamps are epoch milliseconds on the wire.
type StreamSession struct {
	SessionID     string       `json:"sessionId"`
	ChannelName   string       `json:"channelName"`
	Title         string       `json:"title"`
	HostName      string       `json:"hostName"`
	HostAvatar    string       `json:"hostAvatar,omitempty"`
	HostIdentity  string       `json:"hostIdentity,omitempty"`
	ViewerCount   int          `json:"viewerCount"`
	Status        StreamStatus `json:"status"`
	StartTime     int64        `json:"startTime"`
	LastHeartbeat int64        `json:"lastHeartbeat"`
	EndedAt       int64        `json:"endedAt,omitempty"`
}

// IsActive reports whether the session still counts as live.
func (s *StreamSession) IsActive() bool {
	return s.Status == StreamStatusActive
}

// HeartbeatAge returns how long ago the last heartbeat arrived.
func (s *StreamSession) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.LastHeartbeat))
}

// StreamMetadata is the mutable, host-supplied part of a session.
// Empty strings leave the current value untouched on update.
// ViewerCount is optional: nil means "not reported".
type StreamMetadata struct {
	Title        string `json:"title"`
	HostName     string `json:"hostName"`
	HostAvatar   string `json:"hostAvatar,omitempty"`
	HostIdentity string `json:"-"`
	ViewerCount  *int   `json:"viewerCount,omitempty"`
}

// StreamSummary is the list view returned by GET /streams/active and carried in
// the discovery snapshot.
type StreamSummary struct {
	ChannelName string       `json:"channelName"`
	Title       string       `json:"title"`
	HostName    string       `json:"hostName"`
	HostAvatar  string       `json:"hostAvatar,omitempty"`
	ViewerCount int          `json:"viewerCount"`
	Status      StreamStatus `json:"status"`
	StartTime   int64        `json:"startTime"`
}

// Summary projects a session to its list view.
func (s *StreamSession) Summary() StreamSummary {
	return StreamSummary{
		ChannelName: s.ChannelName,
		Title:       s.Title,
		HostName:    s.HostName,
		HostAvatar:  s.HostAvatar,
		ViewerCount: s.ViewerCount,
		Status:      s.Status,
		StartTime:   s.StartTime,
	}
}
