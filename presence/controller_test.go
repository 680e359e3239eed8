package presence

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/transport"
	"github.com/akinalp/livecast/ws"
)

// ─── Fakes ───

type fakeTokens struct {
	identity uint32
	errs     []error // consumed per call
	calls    int
}

func (f *fakeTokens) FetchToken(_ context.Context, role models.Role, channelName string, identity *uint32) (*models.TokenResponse, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	id := f.identity
	if identity != nil {
		id = *identity
	}
	return &models.TokenResponse{
		URL:         "ws://media.test",
		Credential:  "cred-" + channelName,
		ChannelName: channelName,
		Identity:    id,
		Role:        role,
	}, nil
}

type fakeMedia struct {
	mu           sync.Mutex
	joinErr      error
	publishErr   error
	subscribeErr error
	calls        []string
}

func (f *fakeMedia) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeMedia) Join(context.Context, transport.Credentials) error {
	f.record("join")
	return f.joinErr
}

func (f *fakeMedia) Publish(context.Context) error {
	f.record("publish")
	return f.publishErr
}

func (f *fakeMedia) Subscribe(context.Context) error {
	f.record("subscribe")
	return f.subscribeErr
}

func (f *fakeMedia) Unpublish(context.Context) error {
	f.record("unpublish")
	return nil
}

func (f *fakeMedia) Leave(context.Context) error {
	f.record("leave")
	return errors.New("already gone")
}

func (f *fakeMedia) ReleaseDevices() error {
	f.record("release")
	return nil
}

func (f *fakeMedia) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeMessaging struct {
	mu         sync.Mutex
	joinErr    error
	sendFn     func(payload []byte) error
	members    []string
	membersErr error
	handler    transport.EventHandler
	sent       [][]byte
	memberCall int
	leaves     int
}

func (f *fakeMessaging) Join(_ context.Context, _ transport.Credentials, h transport.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.handler = h
	return nil
}

func (f *fakeMessaging) Send(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFn != nil {
		if err := f.sendFn(payload); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeMessaging) Members(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberCall++
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return append([]string(nil), f.members...), nil
}

func (f *fakeMessaging) Leave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	f.handler = nil
	return nil
}

func (f *fakeMessaging) setMembers(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = ids
}

// emit delivers a membership event the way the relay adapter does.
func (f *fakeMessaging) emit(kind transport.MembershipKind, id string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.HandleMembership(kind, id)
}

type fakeReporter struct {
	mu          sync.Mutex
	registerErr  error
	heartbeatErr error
	registered   []string
	heartbeats   int
	ended        []string
}

func (f *fakeReporter) RegisterStream(_ context.Context, _ string, channelName string, meta models.StreamMetadata) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.registered = append(f.registered, channelName+"|"+meta.Title)
	return &models.StreamSession{ChannelName: channelName, Title: meta.Title}, nil
}

func (f *fakeReporter) Heartbeat(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeReporter) EndStream(_ context.Context, _ string, channelName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, channelName)
	return nil
}

type harness struct {
	c         *Controller
	tokens    *fakeTokens
	media     *fakeMedia
	messaging *fakeMessaging
	reporter  *fakeReporter
	drifts    []DriftCorrected
	failures  []*RelayFailure
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tokens:    &fakeTokens{identity: 424242},
		media:     &fakeMedia{},
		messaging: &fakeMessaging{},
		reporter:  &fakeReporter{},
	}
	h.c = New(Config{
		Media:     h.media,
		Messaging: h.messaging,
		Tokens:    h.tokens,
		Reporter:  h.reporter,
		Stream:    models.StreamMetadata{Title: "demo", HostName: "Ada"},
		// Long intervals: tests drive Reconcile directly.
		ReconcileInterval: time.Hour,
		HeartbeatInterval: time.Hour,
		CallTimeout:       time.Second,
		OnDriftCorrected:  func(d DriftCorrected) { h.drifts = append(h.drifts, d) },
		OnRelayFailure:    func(f *RelayFailure) { h.failures = append(h.failures, f) },
	})
	t.Cleanup(func() { _ = h.c.Leave(context.Background()) })
	return h
}

func (h *harness) joinHost(t *testing.T, channel string) {
	t.Helper()
	res, err := h.c.Join(context.Background(), channel, models.RoleHost, "1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Degraded {
		t.Fatal("unexpected degraded join")
	}
}

func rosterIDs(c *Controller) []string {
	ids := []string{}
	for _, p := range c.Roster() {
		ids = append(ids, p.ID)
	}
	return ids
}

func systemMessages(c *Controller) []string {
	var out []string
	for _, m := range c.History() {
		if m.IsSystemMessage {
			out = append(out, m.Text)
		}
	}
	return out
}

// ─── Join ───

func TestJoinHost(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")

	if got := h.c.State(); got != StateJoined {
		t.Fatalf("state = %v, want joined", got)
	}
	if got := h.c.SelfID(); got != "1" {
		t.Errorf("self = %q, want 1", got)
	}
	if h.media.count("publish") != 1 || h.media.count("subscribe") != 0 {
		t.Errorf("media calls = %v, want one publish", h.media.calls)
	}
	if !h.c.reconcileTask.running() {
		t.Error("reconcile task should run for a host")
	}
	if len(h.reporter.registered) != 1 || h.reporter.registered[0] != "demo-1|demo" {
		t.Errorf("registered = %v", h.reporter.registered)
	}
	if _, err := h.c.Join(context.Background(), "demo-1", models.RoleHost, ""); !errors.Is(err, ErrAlreadyJoined) {
		t.Errorf("second Join err = %v, want ErrAlreadyJoined", err)
	}
}

func TestJoinAudienceSubscribesWithoutReconcile(t *testing.T) {
	h := newHarness(t)
	res, err := h.c.Join(context.Background(), "demo-1", models.RoleAudience, "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Identity != "424242" {
		t.Errorf("identity = %q, want server-assigned 424242", res.Identity)
	}
	if h.media.count("subscribe") != 1 || h.media.count("publish") != 0 {
		t.Errorf("media calls = %v, want one subscribe", h.media.calls)
	}
	if h.c.reconcileTask.running() || h.c.heartbeatTask.running() {
		t.Error("audience must not run host tasks")
	}
	if err := h.c.Reconcile(context.Background()); err != nil {
		t.Errorf("Reconcile for audience = %v, want nil no-op", err)
	}
	if h.messaging.memberCall != 0 {
		t.Error("audience reconcile must not poll")
	}
}

func TestJoinRejectsNonNumericIdentity(t *testing.T) {
	h := newHarness(t)
	if _, err := h.c.Join(context.Background(), "demo-1", models.RoleHost, "alice"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("err = %v, want ErrInvalidIdentity", err)
	}
	if h.tokens.calls != 0 {
		t.Error("token must not be requested")
	}
}

func TestJoinTokenRetriedOnce(t *testing.T) {
	h := newHarness(t)
	h.tokens.errs = []error{errors.New("timeout")}

	if _, err := h.c.Join(context.Background(), "demo-1", models.RoleHost, ""); err != nil {
		t.Fatalf("Join after one failure: %v", err)
	}
	if h.tokens.calls != 2 {
		t.Errorf("token calls = %d, want 2", h.tokens.calls)
	}
}

func TestJoinMediaFailureCleansUp(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeMedia)
		role  models.Role
		op    string
	}{
		{"join", func(m *fakeMedia) { m.joinErr = errors.New("rejected") }, models.RoleHost, "media.join"},
		{"publish", func(m *fakeMedia) { m.publishErr = errors.New("no camera") }, models.RoleHost, "media.publish"},
		{"subscribe", func(m *fakeMedia) { m.subscribeErr = errors.New("denied") }, models.RoleAudience, "media.subscribe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h.media)

			_, err := h.c.Join(context.Background(), "demo-1", tt.role, "")
			var connErr *transport.ConnectionError
			if !errors.As(err, &connErr) {
				t.Fatalf("err = %v, want *transport.ConnectionError", err)
			}
			if connErr.Op != tt.op || connErr.Channel != "demo-1" {
				t.Errorf("ConnectionError = %+v", connErr)
			}
			if got := h.c.State(); got != StateDisconnected {
				t.Errorf("state = %v, want disconnected", got)
			}
			if h.media.count("leave") != 1 || h.media.count("release") != 1 {
				t.Errorf("media cleanup calls = %v", h.media.calls)
			}
			if h.messaging.handler != nil {
				t.Error("messaging must not stay joined")
			}
			if len(h.reporter.registered) != 0 {
				t.Error("failed join must not register the stream")
			}

			// The controller is reusable after a failed join.
			h.media.joinErr, h.media.publishErr, h.media.subscribeErr = nil, nil, nil
			if _, err := h.c.Join(context.Background(), "demo-1", tt.role, ""); err != nil {
				t.Fatalf("retry Join: %v", err)
			}
		})
	}
}

func TestJoinMessagingFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.messaging.joinErr = errors.New("relay down")

	res, err := h.c.Join(context.Background(), "demo-1", models.RoleHost, "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !res.Degraded || !h.c.Degraded() {
		t.Fatal("want degraded session")
	}
	if h.c.reconcileTask.running() {
		t.Error("reconcile needs the messaging channel")
	}

	err = h.c.SendMessage(context.Background(), "hello")
	var failure *RelayFailure
	if !errors.As(err, &failure) {
		t.Fatalf("SendMessage err = %v, want *RelayFailure", err)
	}
	if !errors.Is(err, ErrMessagingUnavailable) {
		t.Error("failure should unwrap to ErrMessagingUnavailable")
	}
	if hist := h.c.History(); len(hist) != 1 || hist[0].Text != "hello" {
		t.Errorf("history = %+v, want the local message", hist)
	}
}

// ─── Membership events ───

func TestDuplicateJoinIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")

	h.messaging.emit(transport.MemberJoined, "A")
	h.messaging.emit(transport.MemberJoined, "A")

	if got := h.c.ViewerCount(); got != 1 {
		t.Errorf("viewers = %d, want 1", got)
	}
	if got := rosterIDs(h.c); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("roster = %v", got)
	}
	if got := systemMessages(h.c); len(got) != 1 {
		t.Errorf("system messages = %v, want one", got)
	}
}

func TestLeaveForUnknownMemberKeepsCountNonNegative(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")

	h.messaging.emit(transport.MemberLeft, "ghost")
	h.messaging.emit(transport.MemberJoined, "A")
	h.messaging.emit(transport.MemberLeft, "A")
	h.messaging.emit(transport.MemberLeft, "A")

	if got := h.c.ViewerCount(); got != 0 {
		t.Errorf("viewers = %d, want 0", got)
	}
	if got := systemMessages(h.c); !reflect.DeepEqual(got, []string{"Viewer A joined", "Viewer A left"}) {
		t.Errorf("system messages = %v", got)
	}
}

func TestEventsForSelfAndStaleSessionsIgnored(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")
	stale := h.messaging.handler

	h.messaging.emit(transport.MemberJoined, "1")
	if got := h.c.ViewerCount(); got != 0 {
		t.Fatalf("self join counted: viewers = %d", got)
	}

	if err := h.c.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.joinHost(t, "demo-2")

	stale.HandleMembership(transport.MemberJoined, "A")
	if got := h.c.ViewerCount(); got != 0 {
		t.Errorf("event from previous session counted: viewers = %d", got)
	}
}

// ─── Reconciliation ───

func TestDemoScenario(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")
	ctx := context.Background()

	// A joins, the event is duplicated.
	h.messaging.emit(transport.MemberJoined, "A")
	h.messaging.emit(transport.MemberJoined, "A")
	if got := h.c.ViewerCount(); got != 1 {
		t.Fatalf("after duplicate join: viewers = %d, want 1", got)
	}

	// B joins but its event is lost.
	h.messaging.setMembers("1", "A", "B")
	if err := h.c.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.c.ViewerCount(); got != 2 {
		t.Errorf("after poll [A B]: viewers = %d, want 2", got)
	}
	if got := rosterIDs(h.c); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("roster = %v, want [A B]", got)
	}
	messagesBefore := len(systemMessages(h.c))

	// A drops without a leave event.
	h.messaging.setMembers("1", "B")
	if err := h.c.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.c.ViewerCount(); got != 1 {
		t.Errorf("after poll [B]: viewers = %d, want 1", got)
	}
	if got := rosterIDs(h.c); !reflect.DeepEqual(got, []string{"B"}) {
		t.Errorf("roster = %v, want [B]", got)
	}
	if got := len(systemMessages(h.c)); got != messagesBefore {
		t.Errorf("silent removal emitted %d new system messages", got-messagesBefore)
	}

	if len(h.drifts) != 2 {
		t.Fatalf("drift notifications = %d, want 2", len(h.drifts))
	}
	if d := h.drifts[1]; d.Before != 2 || d.After != 1 || !reflect.DeepEqual(d.Removed, []string{"A"}) {
		t.Errorf("second drift = %+v", d)
	}
}

func TestReconcileConverges(t *testing.T) {
	type event struct {
		kind transport.MembershipKind
		id   string
	}
	tests := []struct {
		name   string
		events []event
		fresh  []string
	}{
		{"no events", nil, []string{"A", "B", "C"}},
		{"missed leaves", []event{{transport.MemberJoined, "A"}, {transport.MemberJoined, "B"}, {transport.MemberJoined, "C"}}, []string{"C"}},
		{"duplicates and reordering", []event{
			{transport.MemberLeft, "B"},
			{transport.MemberJoined, "B"},
			{transport.MemberJoined, "B"},
			{transport.MemberJoined, "D"},
		}, []string{"A", "B"}},
		{"empty room", []event{{transport.MemberJoined, "A"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.joinHost(t, "demo-1")
			for _, e := range tt.events {
				h.messaging.emit(e.kind, e.id)
			}
			h.messaging.setMembers(append([]string{"1"}, tt.fresh...)...)

			if err := h.c.Reconcile(context.Background()); err != nil {
				t.Fatal(err)
			}

			if got := h.c.ViewerCount(); got != len(tt.fresh) {
				t.Errorf("viewers = %d, want %d", got, len(tt.fresh))
			}
			want := append([]string{}, tt.fresh...)
			if got := rosterIDs(h.c); !reflect.DeepEqual(got, want) {
				t.Errorf("roster = %v, want %v", got, want)
			}
		})
	}
}

func TestReconcileNoChangeIsQuiet(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")
	h.messaging.emit(transport.MemberJoined, "A")
	h.messaging.setMembers("1", "A")

	if err := h.c.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.drifts) != 0 {
		t.Errorf("drift reported without a change: %+v", h.drifts)
	}
}

func TestReconcileFetchFailureSkipsCycle(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")
	h.messaging.emit(transport.MemberJoined, "A")
	h.messaging.membersErr = errors.New("relay timeout")

	if err := h.c.Reconcile(context.Background()); err == nil {
		t.Fatal("want fetch error")
	}
	if h.messaging.memberCall != 2 {
		t.Errorf("member list calls = %d, want 2 (one retry)", h.messaging.memberCall)
	}
	if got := h.c.ViewerCount(); got != 1 {
		t.Errorf("viewers = %d, want unchanged 1", got)
	}
}

// ─── Chat ───

func TestHistoryKeepsEightMostRecent(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")

	for i := 1; i <= 11; i++ {
		if err := h.c.SendMessage(context.Background(), fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	hist := h.c.History()
	if len(hist) != HistorySize {
		t.Fatalf("history len = %d, want %d", len(hist), HistorySize)
	}
	for i, m := range hist {
		if want := fmt.Sprintf("msg %d", i+4); m.Text != want {
			t.Errorf("history[%d] = %q, want %q", i, m.Text, want)
		}
	}
}

func TestSendFallsBackToLegacyPayload(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")
	h.messaging.sendFn = func(p []byte) error {
		if strings.HasPrefix(string(p), "{") {
			return transport.ErrPayloadTooLarge
		}
		return nil
	}

	if err := h.c.SendMessage(context.Background(), "hi there"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(h.messaging.sent) != 1 || string(h.messaging.sent[0]) != "hi there" {
		t.Errorf("sent = %q, want the legacy text", h.messaging.sent)
	}
}

func TestSendRelayRejections(t *testing.T) {
	tests := []struct {
		name         string
		code         string
		wantErr      bool
		wantAttempts int
	}{
		{"bad request falls back to legacy", ws.ErrCodeBadRequest, false, 0},
		{"rate limited stops after first strategy", ws.ErrCodeRateLimited, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.joinHost(t, "demo-1")
			h.messaging.sendFn = func(p []byte) error {
				if strings.HasPrefix(string(p), "{") || tt.code == ws.ErrCodeRateLimited {
					return &transport.RelayError{Code: tt.code, Message: "rejected"}
				}
				return nil
			}

			err := h.c.SendMessage(context.Background(), "hi there")
			if (err != nil) != tt.wantErr {
				t.Fatalf("SendMessage err = %v, wantErr %t", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var failure *RelayFailure
			if !errors.As(err, &failure) || len(failure.Attempts) != tt.wantAttempts {
				t.Fatalf("err = %v, want RelayFailure with %d attempts", err, tt.wantAttempts)
			}
			var relayErr *transport.RelayError
			if !errors.As(err, &relayErr) || !relayErr.RateLimited() {
				t.Errorf("err = %v, want wrapped rate_limited RelayError", err)
			}
		})
	}
}

func TestSendStructuredPayloadFirst(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")

	if err := h.c.SendMessage(context.Background(), "  hello  "); err != nil {
		t.Fatal(err)
	}
	if len(h.messaging.sent) != 1 {
		t.Fatalf("sent %d payloads", len(h.messaging.sent))
	}
	msg := decodePayload("1", h.messaging.sent[0], time.Now())
	if msg.Text != "hello" || !msg.IsHost {
		t.Errorf("decoded = %+v", msg)
	}
	if err := h.c.SendMessage(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank message err = %v", err)
	}
}

func TestSendRelayFailureKeepsMessageLocally(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")
	h.messaging.sendFn = func([]byte) error { return errors.New("socket closed") }

	err := h.c.SendMessage(context.Background(), "lost")
	var failure *RelayFailure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *RelayFailure", err)
	}
	if len(failure.Attempts) != 2 || failure.Attempts[0].Strategy != "v2" || failure.Attempts[1].Strategy != "legacy" {
		t.Errorf("attempts = %+v", failure.Attempts)
	}
	if len(h.failures) != 1 {
		t.Error("OnRelayFailure not called")
	}
	if hist := h.c.History(); len(hist) != 1 || hist[0].Text != "lost" {
		t.Errorf("history = %+v", hist)
	}
}

func TestSendBeforeJoin(t *testing.T) {
	h := newHarness(t)
	if err := h.c.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("err = %v, want ErrNotJoined", err)
	}
}

func TestInboundMessagesDecoded(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")
	h.messaging.emit(transport.MemberJoined, "A")

	h.messaging.handler.HandleMessage("A", []byte(`{"v":2,"name":"Ann","text":"hey","sentAt":1700000000000}`))
	h.messaging.handler.HandleMessage("B", []byte("plain words"))

	hist := h.c.History()
	if len(hist) != 3 {
		t.Fatalf("history = %+v", hist)
	}
	if m := hist[1]; m.Name != "Ann" || m.Text != "hey" || m.UserID != "A" || m.IsSystemMessage {
		t.Errorf("v2 message = %+v", m)
	}
	if m := hist[2]; m.Name != "Viewer B" || m.Text != "plain words" || m.Color != colorFor("B") {
		t.Errorf("legacy message = %+v", m)
	}
}

// ─── Leave ───

func TestLeaveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.c.Leave(ctx); err != nil {
		t.Fatalf("Leave before Join: %v", err)
	}

	h.joinHost(t, "demo-1")
	h.messaging.emit(transport.MemberJoined, "A")

	for i := 0; i < 3; i++ {
		if err := h.c.Leave(ctx); err != nil {
			t.Fatalf("Leave #%d: %v", i+1, err)
		}
	}

	if got := h.c.State(); got != StateDisconnected {
		t.Errorf("state = %v", got)
	}
	if h.media.count("unpublish") != 1 || h.media.count("leave") != 1 || h.media.count("release") != 1 {
		t.Errorf("media calls = %v", h.media.calls)
	}
	if h.messaging.leaves != 1 {
		t.Errorf("messaging leaves = %d, want 1", h.messaging.leaves)
	}
	if !reflect.DeepEqual(h.reporter.ended, []string{"demo-1"}) {
		t.Errorf("ended = %v", h.reporter.ended)
	}
	if h.c.reconcileTask.running() || h.c.heartbeatTask.running() {
		t.Error("tasks still running after Leave")
	}
	if got := h.c.ViewerCount(); got != 0 {
		t.Errorf("viewers = %d after Leave", got)
	}
}

func TestHeartbeatRetriesFailedRegistration(t *testing.T) {
	h := newHarness(t)
	h.reporter.registerErr = errors.New("server restarting")
	h.joinHost(t, "demo-1")

	h.reporter.mu.Lock()
	h.reporter.registerErr = nil
	h.reporter.mu.Unlock()

	h.c.reportLiveness(context.Background())
	h.c.reportLiveness(context.Background())

	if len(h.reporter.registered) != 1 || h.reporter.heartbeats != 1 {
		t.Errorf("registered = %v heartbeats = %d", h.reporter.registered, h.reporter.heartbeats)
	}
}

func TestHeartbeatNotHonoredRegistersAgain(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")

	h.reporter.mu.Lock()
	h.reporter.heartbeatErr = transport.ErrStreamNotRegistered
	h.reporter.mu.Unlock()
	h.c.reportLiveness(context.Background())

	h.reporter.mu.Lock()
	h.reporter.heartbeatErr = nil
	h.reporter.mu.Unlock()
	h.c.reportLiveness(context.Background())

	if len(h.reporter.registered) != 2 || h.reporter.heartbeats != 2 {
		t.Errorf("registered = %v heartbeats = %d, want 2 registrations and 2 heartbeats",
			h.reporter.registered, h.reporter.heartbeats)
	}
}

func TestHeartbeatTransientFailureKeepsRegistration(t *testing.T) {
	h := newHarness(t)
	h.joinHost(t, "demo-1")

	h.reporter.mu.Lock()
	h.reporter.heartbeatErr = errors.New("connection reset")
	h.reporter.mu.Unlock()
	h.c.reportLiveness(context.Background())

	if len(h.reporter.registered) != 1 {
		t.Errorf("registered = %v, a failed heartbeat must not re-register", h.reporter.registered)
	}
}

func TestScheduledTaskStartStop(t *testing.T) {
	ticks := make(chan struct{}, 10)
	task := newScheduledTask("test", 5*time.Millisecond, func(context.Context) {
		ticks <- struct{}{}
	})

	task.start()
	task.start()
	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	task.stop()
	task.stop()
	if task.running() {
		t.Fatal("task still running")
	}

	for len(ticks) > 0 {
		<-ticks
	}
	time.Sleep(20 * time.Millisecond)
	if len(ticks) != 0 {
		t.Error("task ran after stop")
	}
}
