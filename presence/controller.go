// Package presence is the client side of a live session.
//
// A Controller joins the media and messaging channels of one stream, keeps a
// roster and viewer count fed by membership events, and repairs that state
// with a periodic member-list poll (host only). Events give fast feedback;
// the poll is authoritative for the count.
//
// Lifecycle:
//
//	Disconnected → Joining → Joined → Leaving → Disconnected
//
// Reconciliation runs while Joined and never blocks Join, Leave or
// SendMessage.
package presence

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/transport"
)

// State is the session state of a Controller.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

const (
	DefaultReconcileInterval = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// TokenSource mints role-scoped credentials (transport.APIClient in
// production).
type TokenSource interface {
	FetchToken(ctx context.Context, role models.Role, channelName string, identity *uint32) (*models.TokenResponse, error)
}

// StreamReporter keeps the server registry informed about a host's stream.
type StreamReporter interface {
	RegisterStream(ctx context.Context, credential, channelName string, meta models.StreamMetadata) (*models.StreamSession, error)
	Heartbeat(ctx context.Context, credential, channelName string) error
	EndStream(ctx context.Context, credential, channelName string) error
}

// StreamDirectory looks up a live stream; audience members use it to learn
// the host identity.
type StreamDirectory interface {
	Stream(ctx context.Context, channelName string) (*models.StreamSession, error)
}

// Config wires a Controller. Media, Messaging and Tokens are required.
type Config struct {
	Media     transport.MediaChannel
	Messaging transport.MessagingChannel
	Tokens    TokenSource

	// Reporter registers and heartbeats the stream when joining as host.
	Reporter StreamReporter
	// Directory resolves the host identity when joining as audience.
	Directory StreamDirectory
	// Stream is the metadata registered for a host session.
	Stream models.StreamMetadata
	// DisplayName is how the local user appears in chat.
	DisplayName string

	ReconcileInterval time.Duration
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration

	OnDriftCorrected func(DriftCorrected)
	OnRelayFailure   func(*RelayFailure)
	OnMessage        func(ChatMessage)

	Now func() time.Time
}

// Participant is a remote member as seen by this client.
type Participant struct {
	ID          string
	DisplayName string
	Color       string
	Role        models.Role
}

// JoinResult describes a successful join. Degraded means media works but
// chat and presence do not.
type JoinResult struct {
	ChannelName string
	Identity    string
	Role        models.Role
	Degraded    bool
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg        Config
	strategies []sendStrategy

	// opMu serializes Join and Leave; mu guards the session state below.
	opMu sync.Mutex
	mu   sync.Mutex

	state       State
	generation  uint64
	channelName string
	role        models.Role
	selfID      string
	hostID      string
	credential  string
	degraded    bool
	registered  bool
	messaging   transport.MessagingChannel

	roster      map[string]Participant
	viewerCount int
	history     chatHistory

	reconcileTask *scheduledTask
	heartbeatTask *scheduledTask
}

// New returns a disconnected Controller.
func New(cfg Config) *Controller {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = transport.DefaultCallTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Controller{
		cfg:        cfg,
		strategies: defaultStrategies,
		roster:     make(map[string]Participant),
	}
	c.reconcileTask = newScheduledTask("reconcile", cfg.ReconcileInterval, func(ctx context.Context) {
		// Failures are logged inside and the cycle is skipped.
		_ = c.Reconcile(ctx)
	})
	c.heartbeatTask = newScheduledTask("heartbeat", cfg.HeartbeatInterval, c.reportLiveness)
	return c
}

func (c *Controller) now() time.Time {
	return c.cfg.Now()
}

// sessionHandler receives messaging events for one session generation.
// Events from an older session are dropped.
type sessionHandler struct {
	c          *Controller
	generation uint64
}

// ─── Join ───

// Join connects to channelName as role. selfID is the numeric identity to
// request; empty lets the server pick one.
//
// A media failure is returned as *transport.ConnectionError after full
// cleanup. A messaging failure after media success is not an error: the
// session continues degraded.
func (c *Controller) Join(ctx context.Context, channelName string, role models.Role, selfID string) (*JoinResult, error) {
	identity, err := parseIdentity(selfID)
	if err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	c.generation++
	gen := c.generation
	c.state = StateJoining
	c.channelName = channelName
	c.role = role
	c.selfID = selfID
	c.hostID = ""
	c.credential = ""
	c.degraded = false
	c.registered = false
	c.messaging = nil
	c.roster = make(map[string]Participant)
	c.viewerCount = 0
	c.history.reset()
	c.mu.Unlock()

	token, err := transport.WithRetry(ctx, c.cfg.CallTimeout, func(ctx context.Context) (*models.TokenResponse, error) {
		return c.cfg.Tokens.FetchToken(ctx, role, channelName, identity)
	})
	if err != nil {
		c.abortJoin(ctx)
		return nil, &transport.ConnectionError{Op: "token", Channel: channelName, Err: err}
	}

	self := strconv.FormatUint(uint64(token.Identity), 10)
	creds := transport.Credentials{
		URL:         token.URL,
		Token:       token.Credential,
		ChannelName: channelName,
		Identity:    self,
	}

	c.mu.Lock()
	c.selfID = self
	c.credential = token.Credential
	if role == models.RoleHost {
		c.hostID = self
	}
	c.mu.Unlock()

	// ─── Media: hard dependency ───
	if err := c.cfg.Media.Join(ctx, creds); err != nil {
		c.abortJoin(ctx)
		return nil, &transport.ConnectionError{Op: "media.join", Channel: channelName, Err: err}
	}
	if role == models.RoleHost {
		err = c.cfg.Media.Publish(ctx)
		if err != nil {
			c.abortJoin(ctx)
			return nil, &transport.ConnectionError{Op: "media.publish", Channel: channelName, Err: err}
		}
	} else {
		err = c.cfg.Media.Subscribe(ctx)
		if err != nil {
			c.abortJoin(ctx)
			return nil, &transport.ConnectionError{Op: "media.subscribe", Channel: channelName, Err: err}
		}
	}

	// ─── Messaging: soft dependency ───
	degraded := false
	handler := &sessionHandler{c: c, generation: gen}
	if err := c.cfg.Messaging.Join(ctx, creds, handler); err != nil {
		degraded = true
		log.Printf("[presence] messaging unavailable channel=%s, continuing media-only: %v", channelName, err)
	}

	c.mu.Lock()
	c.degraded = degraded
	if !degraded {
		c.messaging = c.cfg.Messaging
	}
	c.mu.Unlock()

	if role == models.RoleHost {
		if c.cfg.Reporter != nil {
			c.registerStream(ctx)
		}
	} else if c.cfg.Directory != nil {
		c.resolveHost(ctx, channelName)
	}

	c.mu.Lock()
	c.state = StateJoined
	c.mu.Unlock()

	if role == models.RoleHost {
		if !degraded {
			c.reconcileTask.start()
		}
		if c.cfg.Reporter != nil {
			c.heartbeatTask.start()
		}
	}

	log.Printf("[presence] joined channel=%s as %s identity=%s degraded=%t", channelName, role, self, degraded)
	return &JoinResult{
		ChannelName: channelName,
		Identity:    self,
		Role:        role,
		Degraded:    degraded,
	}, nil
}

func parseIdentity(selfID string) (*uint32, error) {
	if selfID == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(selfID, 10, 32)
	if err != nil {
		return nil, ErrInvalidIdentity
	}
	id := uint32(n)
	return &id, nil
}

// abortJoin undoes a partial join. Caller holds opMu.
func (c *Controller) abortJoin(ctx context.Context) {
	c.mu.Lock()
	c.state = StateLeaving
	c.mu.Unlock()

	c.teardown(ctx)
}

func (c *Controller) registerStream(ctx context.Context) {
	c.mu.Lock()
	credential, channelName := c.credential, c.channelName
	meta := c.cfg.Stream
	meta.ViewerCount = nil
	c.mu.Unlock()

	_, err := transport.WithRetry(ctx, c.cfg.CallTimeout, func(ctx context.Context) (*models.StreamSession, error) {
		return c.cfg.Reporter.RegisterStream(ctx, credential, channelName, meta)
	})
	if err != nil {
		// The heartbeat task retries the registration.
		log.Printf("[presence] stream registration failed channel=%s: %v", channelName, err)
		return
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

func (c *Controller) resolveHost(ctx context.Context, channelName string) {
	session, err := transport.WithRetry(ctx, c.cfg.CallTimeout, func(ctx context.Context) (*models.StreamSession, error) {
		return c.cfg.Directory.Stream(ctx, channelName)
	})
	if err != nil {
		log.Printf("[presence] host lookup failed channel=%s: %v", channelName, err)
		return
	}

	c.mu.Lock()
	c.hostID = session.HostIdentity
	c.mu.Unlock()
}

// reportLiveness is the heartbeat task body: register if that has not
// succeeded yet, otherwise heartbeat. A heartbeat the server no longer
// honors (the stream expired or the server restarted) registers again
// right away.
func (c *Controller) reportLiveness(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return
	}
	registered := c.registered
	credential, channelName := c.credential, c.channelName
	c.mu.Unlock()

	if !registered {
		c.registerStream(ctx)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	err := c.cfg.Reporter.Heartbeat(callCtx, credential, channelName)
	cancel()
	switch {
	case errors.Is(err, transport.ErrStreamNotRegistered):
		log.Printf("[presence] stream %s no longer registered, registering again", channelName)
		c.mu.Lock()
		c.registered = false
		c.mu.Unlock()
		c.registerStream(ctx)
	case err != nil:
		log.Printf("[presence] heartbeat failed channel=%s: %v", channelName, err)
	}
}

// ─── Leave ───

// Leave ends the session. It is idempotent and safe after a partial join;
// every teardown step logs its own failure and the rest still run.
func (c *Controller) Leave(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLeaving
	channelName := c.channelName
	c.mu.Unlock()

	c.teardown(ctx)
	log.Printf("[presence] left channel=%s", channelName)
	return nil
}

// Teardown is Leave under the name used by shutdown paths.
func (c *Controller) Teardown(ctx context.Context) error {
	return c.Leave(ctx)
}

// teardown runs every cleanup step and returns the Controller to
// Disconnected. Caller holds opMu and has set StateLeaving.
func (c *Controller) teardown(ctx context.Context) {
	c.reconcileTask.stop()
	c.heartbeatTask.stop()

	c.mu.Lock()
	role := c.role
	registered := c.registered
	credential, channelName := c.credential, c.channelName
	// Bump the generation so late relay events of this session are dropped.
	c.generation++
	c.mu.Unlock()

	if role == models.RoleHost && registered && c.cfg.Reporter != nil {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		if err := c.cfg.Reporter.EndStream(callCtx, credential, channelName); err != nil {
			log.Printf("[presence] teardown: end stream failed: %v", err)
		}
		cancel()
	}
	if role == models.RoleHost {
		if err := c.cfg.Media.Unpublish(ctx); err != nil {
			log.Printf("[presence] teardown: unpublish failed: %v", err)
		}
	}
	if err := c.cfg.Messaging.Leave(ctx); err != nil {
		log.Printf("[presence] teardown: messaging leave failed: %v", err)
	}
	if err := c.cfg.Media.Leave(ctx); err != nil {
		log.Printf("[presence] teardown: media leave failed: %v", err)
	}
	if err := c.cfg.Media.ReleaseDevices(); err != nil {
		log.Printf("[presence] teardown: releasing devices failed: %v", err)
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.messaging = nil
	c.degraded = false
	c.registered = false
	c.credential = ""
	c.roster = make(map[string]Participant)
	c.viewerCount = 0
	c.mu.Unlock()
}

// ─── Accessors ───

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewerCount
}

func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// SelfID is the identity of the current (or last) session.
func (c *Controller) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// History returns the chat history, oldest first.
func (c *Controller) History() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.items()
}
