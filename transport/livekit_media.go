package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
)

var (
	opusCapability = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}
	vp8Capability = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

// ErrNoCaptureSource is returned by Publish when neither an audio nor a video
// source was configured.
var ErrNoCaptureSource = errors.New("no capture source configured")

// LiveKitMediaOptions configures the local capture side and the remote sink.
type LiveKitMediaOptions struct {
	// Audio and Video feed published tracks. Either may be nil.
	Audio lksdk.SampleProvider
	Video lksdk.SampleProvider
	// OnTrack receives every subscribed remote track. When nil the RTP
	// stream is drained and discarded.
	OnTrack func(track *webrtc.TrackRemote, participantIdentity string)
}

// LiveKitMedia is the MediaChannel backed by a LiveKit room.
type LiveKitMedia struct {
	opts LiveKitMediaOptions

	mu          sync.Mutex
	room        *lksdk.Room
	subscribing bool
	released    bool
	published   []*lksdk.LocalTrackPublication
}

func NewLiveKitMedia(opts LiveKitMediaOptions) *LiveKitMedia {
	return &LiveKitMedia{opts: opts}
}

// Join connects to the room with auto-subscribe off; audience members opt in
// through Subscribe.
func (m *LiveKitMedia) Join(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	if m.room != nil {
		m.mu.Unlock()
		return fmt.Errorf("already joined %s", creds.ChannelName)
	}
	m.mu.Unlock()

	cb := lksdk.NewRoomCallback()
	cb.OnDisconnected = func() {
		log.Printf("[media] disconnected from channel=%s", creds.ChannelName)
	}
	cb.ParticipantCallback.OnTrackPublished = func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		m.mu.Lock()
		subscribing := m.subscribing
		m.mu.Unlock()
		if subscribing {
			if err := pub.SetSubscribed(true); err != nil {
				log.Printf("[media] subscribe %s from %s failed: %v", pub.SID(), rp.Identity(), err)
			}
		}
	}
	cb.ParticipantCallback.OnTrackSubscribed = func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		if m.opts.OnTrack != nil {
			m.opts.OnTrack(track, rp.Identity())
			return
		}
		go drainTrack(track)
	}

	type result struct {
		room *lksdk.Room
		err  error
	}
	connected := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(creds.URL, creds.Token, cb, lksdk.WithAutoSubscribe(false))
		connected <- result{room: room, err: err}
	}()

	select {
	case res := <-connected:
		if res.err != nil {
			return fmt.Errorf("livekit connect: %w", res.err)
		}
		m.mu.Lock()
		m.room = res.room
		m.mu.Unlock()
		return nil
	case <-ctx.Done():
		// The SDK call has no context; disconnect whatever it returns later.
		go func() {
			if res := <-connected; res.room != nil {
				res.room.Disconnect()
			}
		}()
		return ctx.Err()
	}
}

func (m *LiveKitMedia) Publish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.room == nil {
		return ErrNotJoined
	}

	sources := []struct {
		provider   lksdk.SampleProvider
		capability webrtc.RTPCodecCapability
		name       string
		source     livekit.TrackSource
	}{
		{m.opts.Audio, opusCapability, "microphone", livekit.TrackSource_MICROPHONE},
		{m.opts.Video, vp8Capability, "camera", livekit.TrackSource_CAMERA},
	}

	for _, src := range sources {
		if src.provider == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		track, err := lksdk.NewLocalTrack(src.capability)
		if err != nil {
			return fmt.Errorf("create %s track: %w", src.name, err)
		}
		if err := track.StartWrite(src.provider, nil); err != nil {
			return fmt.Errorf("start %s track: %w", src.name, err)
		}

		pub, err := m.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
			Name:   src.name,
			Source: src.source,
		})
		if err != nil {
			return fmt.Errorf("publish %s track: %w", src.name, err)
		}
		m.published = append(m.published, pub)
	}

	if len(m.published) == 0 {
		return ErrNoCaptureSource
	}
	return nil
}

// Subscribe opts in to every current remote track and to tracks published
// later.
func (m *LiveKitMedia) Subscribe(ctx context.Context) error {
	m.mu.Lock()
	room := m.room
	if room == nil {
		m.mu.Unlock()
		return ErrNotJoined
	}
	m.subscribing = true
	m.mu.Unlock()

	var errs []error
	for _, rp := range room.GetRemoteParticipants() {
		for _, p := range rp.TrackPublications() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if pub, ok := p.(*lksdk.RemoteTrackPublication); ok {
				if err := pub.SetSubscribed(true); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (m *LiveKitMedia) Unpublish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.room == nil || len(m.published) == 0 {
		return nil
	}

	var errs []error
	for _, pub := range m.published {
		if err := m.room.LocalParticipant.UnpublishTrack(pub.SID()); err != nil {
			errs = append(errs, fmt.Errorf("unpublish %s: %w", pub.Name(), err))
		}
	}
	m.published = nil
	return errors.Join(errs...)
}

// Leave disconnects from the room. Safe to call when not joined.
func (m *LiveKitMedia) Leave(ctx context.Context) error {
	m.mu.Lock()
	room := m.room
	m.room = nil
	m.subscribing = false
	m.published = nil
	m.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	return nil
}

// ReleaseDevices closes the capture sources once; later calls are no-ops.
func (m *LiveKitMedia) ReleaseDevices() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	m.mu.Unlock()

	var errs []error
	for _, p := range []lksdk.SampleProvider{m.opts.Audio, m.opts.Video} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
