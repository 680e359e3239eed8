package services

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
	"github.com/akinalp/livecast/pkg/metrics"
)

// StreamRegistry is the single owner of "which channels are live".
//
// Every mutation (register, heartbeat, end, sweep) goes through one mutex,
// so a sweep and a heartbeat on the same channel can never both win: the
// sweep re-checks staleness under the lock it mutates under.
//
// Listener events are queued under the same mutex, so they are delivered in
// mutation order: a stream's start always precedes its viewer counts and
// its end. One goroutine drains the queue at a time, outside the lock; a
// caller that finds the queue already being drained returns and leaves its
// events to that goroutine. Listeners must not block for long.
type StreamRegistry interface {
	// RegisterOrUpdate upserts a channel. A new or previously ended channel
	// becomes active with a fresh SessionID and StartTime. LastHeartbeat is
	// always refreshed.
	RegisterOrUpdate(channelName string, meta models.StreamMetadata) (*models.StreamSession, error)

	// Heartbeat refreshes LastHeartbeat. Unknown or ended channels are a
	// no-op and return false.
	Heartbeat(channelName string) bool

	// MarkEnded turns an active channel inactive. The entry stays readable
	// for the grace period, then disappears. Returns false if the channel was
	// not active (idempotent).
	MarkEnded(channelName string, reason models.EndReason) bool

	// UpdateViewerCount sets the viewer count of an active channel.
	UpdateViewerCount(channelName string, viewerCount int) bool

	// Get returns a copy of the entry or pkg.ErrNotFound.
	Get(channelName string) (*models.StreamSession, error)

	// Active returns copies of every active entry, oldest first.
	Active() []models.StreamSession

	// Sweep expires active entries without a heartbeat for longer than
	// timeout and prunes inactive entries past the grace period.
	// It returns the entries it expired.
	Sweep(timeout time.Duration) []models.StreamSession

	OnStreamStarted(fn func(s models.StreamSession))
	OnStreamEnded(fn func(s models.StreamSession, reason models.EndReason))
	OnViewerCountChanged(fn func(s models.StreamSession))

	// Close ends every active stream with EndReasonShutdown and rejects
	// further registrations.
	Close()
}

type endedEvent struct {
	session models.StreamSession
	reason  models.EndReason
}

// listenerEvent is one queued listener notification.
type listenerEvent func()

type streamRegistry struct {
	mu       sync.Mutex
	sessions map[string]*models.StreamSession
	grace    time.Duration
	closed   bool
	now      func() time.Time

	// Listener slices are written only during wire-up in main, before any
	// traffic, and read afterwards.
	onStarted     []func(models.StreamSession)
	onEnded       []func(models.StreamSession, models.EndReason)
	onViewerCount []func(models.StreamSession)

	// pending and dispatching are guarded by mu.
	pending     []listenerEvent
	dispatching bool
}

// NewStreamRegistry creates an empty registry. grace is how long an ended
// entry stays readable.
func NewStreamRegistry(grace time.Duration) StreamRegistry {
	return newStreamRegistry(grace, time.Now)
}

func newStreamRegistry(grace time.Duration, now func() time.Time) *streamRegistry {
	return &streamRegistry{
		sessions: make(map[string]*models.StreamSession),
		grace:    grace,
		now:      now,
	}
}

func (r *streamRegistry) OnStreamStarted(fn func(models.StreamSession)) {
	r.onStarted = append(r.onStarted, fn)
}

func (r *streamRegistry) OnStreamEnded(fn func(models.StreamSession, models.EndReason)) {
	r.onEnded = append(r.onEnded, fn)
}

func (r *streamRegistry) OnViewerCountChanged(fn func(models.StreamSession)) {
	r.onViewerCount = append(r.onViewerCount, fn)
}

func (r *streamRegistry) RegisterOrUpdate(channelName string, meta models.StreamMetadata) (*models.StreamSession, error) {
	channelName, err := ValidateChannelName(channelName)
	if err != nil {
		return nil, err
	}
	if meta.ViewerCount != nil && *meta.ViewerCount < 0 {
		return nil, fmt.Errorf("%w: viewerCount must not be negative", pkg.ErrBadRequest)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: stream registry is closed", pkg.ErrInternal)
	}

	nowMillis := r.now().UnixMilli()
	s, exists := r.sessions[channelName]
	started := !exists || !s.IsActive()
	countChanged := false

	if started {
		s = &models.StreamSession{
			SessionID:   uuid.New().String(),
			ChannelName: channelName,
			Title:       channelName,
			Status:      models.StreamStatusActive,
			StartTime:   nowMillis,
		}
		r.sessions[channelName] = s
	}

	if meta.Title != "" {
		s.Title = meta.Title
	}
	if meta.HostName != "" {
		s.HostName = meta.HostName
	}
	if meta.HostAvatar != "" {
		s.HostAvatar = meta.HostAvatar
	}
	if meta.HostIdentity != "" {
		s.HostIdentity = meta.HostIdentity
	}
	if meta.ViewerCount != nil && *meta.ViewerCount != s.ViewerCount {
		s.ViewerCount = *meta.ViewerCount
		countChanged = !started
	}
	s.LastHeartbeat = nowMillis

	snapshot := *s
	if started {
		r.queueStartedLocked(snapshot)
	} else if countChanged {
		r.queueViewerCountLocked(snapshot)
	}
	active := r.activeCountLocked()
	r.mu.Unlock()

	metrics.ActiveStreams.Set(float64(active))
	if started {
		metrics.StreamsStarted.Inc()
		log.Printf("[registry] stream started channel=%s session=%s host=%q", snapshot.ChannelName, snapshot.SessionID, snapshot.HostName)
	}
	r.dispatch()

	return &snapshot, nil
}

func (r *streamRegistry) Heartbeat(channelName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[channelName]
	if !ok || !s.IsActive() {
		return false
	}
	s.LastHeartbeat = r.now().UnixMilli()
	return true
}

func (r *streamRegistry) MarkEnded(channelName string, reason models.EndReason) bool {
	r.mu.Lock()
	s, ok := r.sessions[channelName]
	if !ok || !s.IsActive() {
		r.mu.Unlock()
		return false
	}
	r.endLocked(s)
	r.queueEndedLocked(endedEvent{session: *s, reason: reason})
	active := r.activeCountLocked()
	r.mu.Unlock()

	metrics.ActiveStreams.Set(float64(active))
	r.dispatch()
	return true
}

func (r *streamRegistry) UpdateViewerCount(channelName string, viewerCount int) bool {
	if viewerCount < 0 {
		viewerCount = 0
	}

	r.mu.Lock()
	s, ok := r.sessions[channelName]
	if !ok || !s.IsActive() || s.ViewerCount == viewerCount {
		r.mu.Unlock()
		return false
	}
	s.ViewerCount = viewerCount
	r.queueViewerCountLocked(*s)
	r.mu.Unlock()

	r.dispatch()
	return true
}

func (r *streamRegistry) Get(channelName string) (*models.StreamSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[channelName]
	if !ok || r.pastGraceLocked(s) {
		return nil, fmt.Errorf("%w: stream %s", pkg.ErrNotFound, channelName)
	}
	snapshot := *s
	return &snapshot, nil
}

func (r *streamRegistry) Active() []models.StreamSession {
	r.mu.Lock()
	out := make([]models.StreamSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.IsActive() {
			out = append(out, *s)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].ChannelName < out[j].ChannelName
	})
	return out
}

func (r *streamRegistry) Sweep(timeout time.Duration) []models.StreamSession {
	r.mu.Lock()
	now := r.now()
	var (
		expired []endedEvent
		pruned  int
	)
	for name, s := range r.sessions {
		switch {
		case s.IsActive() && s.HeartbeatAge(now) > timeout:
			r.endLocked(s)
			e := endedEvent{session: *s, reason: models.EndReasonExpired}
			r.queueEndedLocked(e)
			expired = append(expired, e)
		case r.pastGraceLocked(s):
			delete(r.sessions, name)
			pruned++
		}
	}
	active := r.activeCountLocked()
	r.mu.Unlock()

	metrics.ActiveStreams.Set(float64(active))
	if pruned > 0 {
		log.Printf("[registry] pruned %d ended streams", pruned)
	}
	r.dispatch()

	out := make([]models.StreamSession, len(expired))
	for i, e := range expired {
		out[i] = e.session
	}
	return out
}

func (r *streamRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	for _, s := range r.sessions {
		if s.IsActive() {
			r.endLocked(s)
			r.queueEndedLocked(endedEvent{session: *s, reason: models.EndReasonShutdown})
		}
	}
	r.sessions = make(map[string]*models.StreamSession)
	r.mu.Unlock()

	metrics.ActiveStreams.Set(0)
	r.dispatch()
}

// endLocked flips s to inactive. Caller holds r.mu.
func (r *streamRegistry) endLocked(s *models.StreamSession) {
	s.Status = models.StreamStatusInactive
	s.EndedAt = r.now().UnixMilli()
}

// pastGraceLocked reports whether an ended entry outlived the grace period.
func (r *streamRegistry) pastGraceLocked(s *models.StreamSession) bool {
	if s.IsActive() {
		return false
	}
	return r.now().Sub(time.UnixMilli(s.EndedAt)) > r.grace
}

func (r *streamRegistry) activeCountLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.IsActive() {
			n++
		}
	}
	return n
}

func (r *streamRegistry) queueStartedLocked(s models.StreamSession) {
	r.pending = append(r.pending, func() {
		for _, fn := range r.onStarted {
			fn(s)
		}
	})
}

func (r *streamRegistry) queueViewerCountLocked(s models.StreamSession) {
	r.pending = append(r.pending, func() {
		for _, fn := range r.onViewerCount {
			fn(s)
		}
	})
}

func (r *streamRegistry) queueEndedLocked(e endedEvent) {
	r.pending = append(r.pending, func() {
		metrics.StreamsEnded.WithLabelValues(string(e.reason)).Inc()
		log.Printf("[registry] stream ended channel=%s session=%s reason=%s", e.session.ChannelName, e.session.SessionID, e.reason)
		for _, fn := range r.onEnded {
			fn(e.session, e.reason)
		}
	})
}

// dispatch delivers queued events in order. If another goroutine is already
// draining, the events are left to it. A listener that mutates the registry
// therefore never deadlocks; its events run after it returns.
func (r *streamRegistry) dispatch() {
	r.mu.Lock()
	if r.dispatching {
		r.mu.Unlock()
		return
	}
	r.dispatching = true
	for len(r.pending) > 0 {
		ev := r.pending[0]
		r.pending[0] = nil
		r.pending = r.pending[1:]
		r.mu.Unlock()
		runListener(ev)
		r.mu.Lock()
	}
	r.pending = nil
	r.dispatching = false
	r.mu.Unlock()
}

// runListener keeps a panicking listener from wedging the queue.
func runListener(ev listenerEvent) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[registry] listener panic: %v", p)
		}
	}()
	ev()
}
