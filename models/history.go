package models

import "time"

// StreamHistoryEntry is one finished (or still running) broadcast as stored in
// SQLite. EndedAt and EndReason stay nil while the stream is live.
type StreamHistoryEntry struct {
	ID           string     `json:"id"`
	ChannelName  string     `json:"channelName"`
	Title        string     `json:"title"`
	HostName     string     `json:"hostName"`
	HostIdentity string     `json:"hostIdentity,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	EndReason    *string    `json:"endReason,omitempty"`
	PeakViewers  int        `json:"peakViewers"`
}
