// Package transport is the client-side adapter layer.
//
// The presence controller talks to two narrow interfaces:
//
//   - MediaChannel: publish (host) or subscribe (audience) audio/video.
//   - MessagingChannel: join a named channel, send/receive payloads,
//     enumerate the current members.
//
// Concrete implementations live next to them (livekit_media.go,
// ws_messaging.go) and are the only code that imports the external SDKs.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotJoined is returned by channel operations issued before Join or after
// Leave.
var ErrNotJoined = errors.New("channel not joined")

// ErrPayloadTooLarge is returned by Send when the payload exceeds the relay
// limit. It is decided locally, before anything is written.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrStreamNotRegistered is returned by a heartbeat the server accepted but
// could not honor: the stream expired or the server restarted. The host
// should register the stream again.
var ErrStreamNotRegistered = errors.New("stream not registered")

// ConnectionError reports a failed join/publish/subscribe. It is recoverable:
// the caller may retry the whole join.
type ConnectionError struct {
	Op      string // "token", "media.join", "media.publish", "messaging.join", ...
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s failed for channel %q: %v", e.Op, e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Credentials is what a channel needs to connect: the media server URL and a
// role-scoped token minted by the server.
type Credentials struct {
	URL         string
	Token       string
	ChannelName string
	Identity    string
}

// MediaChannel wraps the audio/video transport.
type MediaChannel interface {
	Join(ctx context.Context, creds Credentials) error
	// Publish starts sending local tracks (host).
	Publish(ctx context.Context) error
	// Subscribe starts receiving the remote tracks (audience).
	Subscribe(ctx context.Context) error
	Unpublish(ctx context.Context) error
	Leave(ctx context.Context) error
	// ReleaseDevices closes local capture sources.
	ReleaseDevices() error
}

// MembershipKind is the kind of a membership event.
type MembershipKind string

const (
	MemberJoined MembershipKind = "joined"
	MemberLeft   MembershipKind = "left"
)

// EventHandler receives inbound messaging events. Calls may arrive on any
// goroutine and in any order.
type EventHandler interface {
	HandleMembership(kind MembershipKind, memberID string)
	HandleMessage(from string, payload []byte)
}

// MessagingChannel wraps the text/presence transport.
type MessagingChannel interface {
	// Join connects to the channel and starts delivering events to handler.
	Join(ctx context.Context, creds Credentials, handler EventHandler) error
	Send(ctx context.Context, payload []byte) error
	// Members returns the identities currently connected, self included.
	Members(ctx context.Context) ([]string, error)
	Leave(ctx context.Context) error
}

// DefaultCallTimeout bounds a single network call of the adapters.
const DefaultCallTimeout = 5 * time.Second

// WithRetry runs fn with a per-attempt timeout and retries it once on
// failure. Cancellation of ctx and client-side rejections (4xx *APIError)
// are not retried.
func WithRetry[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	for attempt := 0; attempt < 2; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err = fn(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !retryable(err) {
			return result, err
		}
	}
	return result, err
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}
