package presence

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akinalp/livecast/config"
	"github.com/akinalp/livecast/handlers"
	"github.com/akinalp/livecast/middleware"
	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
	"github.com/akinalp/livecast/services"
	"github.com/akinalp/livecast/transport"
)

// serverStack runs the real token, registry and stream endpoints behind
// httptest so the controller talks to them through transport.APIClient.
type serverStack struct {
	srv      *httptest.Server
	registry services.StreamRegistry
	client   *transport.APIClient
}

func newServerStack(t *testing.T) *serverStack {
	t.Helper()

	tokens := services.NewTokenService(config.LiveKitConfig{
		URL:       "ws://media.test",
		APIKey:    "devkey",
		APISecret: "devsecret-devsecret-devsecret-00",
		TokenTTL:  time.Hour,
	})
	registry := services.NewStreamRegistry(time.Minute)

	th := handlers.NewTransportHandler(tokens, nil)
	streams := handlers.NewStreamHandler(registry)
	hostAuth := middleware.NewHostAuthMiddleware(tokens)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /transport/host-token", th.HostToken)
	mux.HandleFunc("POST /transport/audience-token", th.AudienceToken)
	mux.HandleFunc("GET /streams/{channelName}", streams.Get)
	mux.Handle("POST /streams/{channelName}/register", hostAuth.Require(http.HandlerFunc(streams.Register)))
	mux.Handle("POST /streams/{channelName}/heartbeat", hostAuth.Require(http.HandlerFunc(streams.Heartbeat)))
	mux.Handle("POST /streams/{channelName}/end", hostAuth.Require(http.HandlerFunc(streams.End)))

	s := &serverStack{srv: httptest.NewServer(mux), registry: registry}
	s.client = transport.NewAPIClient(s.srv.URL, nil)
	t.Cleanup(func() {
		s.srv.Close()
		registry.Close()
		tokens.Close()
	})
	return s
}

func newClientController(t *testing.T, api *transport.APIClient) *Controller {
	t.Helper()
	c := New(Config{
		Media:             &fakeMedia{},
		Messaging:         &fakeMessaging{},
		Tokens:            api,
		Reporter:          api,
		Directory:         api,
		Stream:            models.StreamMetadata{Title: "demo", HostName: "Ada"},
		ReconcileInterval: time.Hour,
		HeartbeatInterval: time.Hour,
		CallTimeout:       time.Second,
	})
	t.Cleanup(func() { _ = c.Leave(context.Background()) })
	return c
}

func TestJoinRetriesTokenOnceAgainstServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		pkg.ErrorWithMessage(w, http.StatusBadGateway, "upstream down")
	}))
	defer srv.Close()

	c := newClientController(t, transport.NewAPIClient(srv.URL, nil))
	_, err := c.Join(context.Background(), "demo-1", models.RoleHost, "")

	var connErr *transport.ConnectionError
	if !errors.As(err, &connErr) || connErr.Op != "token" {
		t.Fatalf("err = %v, want token ConnectionError", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("token requests = %d, want 2", got)
	}
}

func TestJoinDoesNotRetryRejectedToken(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		pkg.ErrorWithMessage(w, http.StatusTooManyRequests, "slow down")
	}))
	defer srv.Close()

	c := newClientController(t, transport.NewAPIClient(srv.URL, nil))
	if _, err := c.Join(context.Background(), "demo-1", models.RoleHost, ""); !errors.Is(err, pkg.ErrTooManyRequests) {
		t.Fatalf("err = %v, want ErrTooManyRequests", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("token requests = %d, want 1", got)
	}
}

func TestExpiredStreamComesBackOnNextHeartbeat(t *testing.T) {
	s := newServerStack(t)
	c := newClientController(t, s.client)

	if _, err := c.Join(context.Background(), "demo-1", models.RoleHost, ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	first, err := s.registry.Get("demo-1")
	if err != nil || first.Status != models.StreamStatusActive {
		t.Fatalf("after join: %+v %v", first, err)
	}

	// Let the heartbeat age past the sweep timeout.
	time.Sleep(5 * time.Millisecond)
	if expired := s.registry.Sweep(time.Millisecond); len(expired) != 1 {
		t.Fatalf("sweep expired %d streams, want 1", len(expired))
	}
	if len(s.registry.Active()) != 0 {
		t.Fatal("stream still active after sweep")
	}

	c.reportLiveness(context.Background())

	if c.State() != StateJoined {
		t.Fatalf("state = %s", c.State())
	}
	active := s.registry.Active()
	if len(active) != 1 || active[0].ChannelName != "demo-1" {
		t.Fatalf("active = %+v, want demo-1 back", active)
	}
	if active[0].SessionID == first.SessionID {
		t.Error("re-registration kept the expired session id")
	}
	if active[0].Title != "demo" || active[0].HostName != "Ada" {
		t.Errorf("metadata not re-sent: %+v", active[0])
	}

	// Back to plain heartbeats once the stream is known again.
	c.reportLiveness(context.Background())
	if again := s.registry.Active(); len(again) != 1 || again[0].SessionID != active[0].SessionID {
		t.Errorf("second cycle changed the session: %+v", again)
	}
}
