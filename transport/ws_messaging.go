package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/akinalp/livecast/ws"
)

const (
	relayWriteWait     = 10 * time.Second
	relayHeartbeatTick = 30 * time.Second
)

// RelayError is a frame the relay answered with an error, e.g. rate_limited.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay rejected frame: %s: %s", e.Code, e.Message)
}

// RateLimited reports whether the member is in a chat cooldown; resending in
// another encoding will not help.
func (e *RelayError) RateLimited() bool {
	return e.Code == ws.ErrCodeRateLimited
}

// WSMessaging is the MessagingChannel backed by the server's relay
// (/ws/channels/{channelName}).
type WSMessaging struct {
	baseURL string
	dialer  *websocket.Dialer

	mu      sync.Mutex
	session *relaySession
}

// relaySession is the state of one joined channel. A new one is built per
// Join so a late reader of an old socket can never touch the next session.
type relaySession struct {
	conn    *websocket.Conn
	handler EventHandler
	done    chan struct{}
	wg      sync.WaitGroup

	writeMu sync.Mutex

	// pending holds Members replies, acks holds Send outcomes; both are
	// keyed by request id.
	pendingMu sync.Mutex
	pending   map[string]chan []string
	acks      map[string]chan error
}

// inboundEvent mirrors ws.Event with the payload left raw until the op is
// known.
type inboundEvent struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  int64           `json:"seq"`
}

// NewWSMessaging returns an adapter for the server at baseURL
// (e.g. "http://localhost:9090").
func NewWSMessaging(baseURL string) *WSMessaging {
	return &WSMessaging{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultCallTimeout,
		},
	}
}

func (m *WSMessaging) Join(ctx context.Context, creds Credentials, handler EventHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return fmt.Errorf("already joined %s", creds.ChannelName)
	}

	endpoint, err := m.channelURL(creds)
	if err != nil {
		return err
	}

	conn, resp, err := m.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay handshake rejected (%d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("relay dial: %w", err)
	}

	s := &relaySession{
		conn:    conn,
		handler: handler,
		done:    make(chan struct{}),
		pending: make(map[string]chan []string),
		acks:    make(map[string]chan error),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()

	m.session = s
	return nil
}

func (m *WSMessaging) channelURL(creds Credentials) (string, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/channels/" + creds.ChannelName
	u.RawQuery = url.Values{"token": {creds.Token}}.Encode()
	return u.String(), nil
}

func (m *WSMessaging) current() (*relaySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNotJoined
	}
	return m.session, nil
}

// Send relays payload and waits until the relay accepts or rejects it.
// A rejection is returned as *RelayError. Without a ctx deadline the wait is
// bounded by DefaultCallTimeout.
func (m *WSMessaging) Send(ctx context.Context, payload []byte) error {
	if len(payload) > ws.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	s, err := m.current()
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	outcome := make(chan error, 1)
	s.pendingMu.Lock()
	s.acks[requestID] = outcome
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.acks, requestID)
		s.pendingMu.Unlock()
	}()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	event := ws.Event{Op: ws.OpSend, Data: ws.SendData{RequestID: requestID, Payload: string(payload)}}
	if err := s.write(ctx, event); err != nil {
		return err
	}

	select {
	case err := <-outcome:
		return err
	case <-s.done:
		return ErrNotJoined
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *WSMessaging) Members(ctx context.Context) ([]string, error) {
	s, err := m.current()
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	reply := make(chan []string, 1)
	s.pendingMu.Lock()
	s.pending[requestID] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, requestID)
		s.pendingMu.Unlock()
	}()

	if err := s.write(ctx, ws.Event{Op: ws.OpMembers, Data: ws.MembersRequestData{RequestID: requestID}}); err != nil {
		return nil, err
	}

	select {
	case members := <-reply:
		return members, nil
	case <-s.done:
		return nil, ErrNotJoined
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Leave closes the relay socket. Safe to call when not joined.
func (m *WSMessaging) Leave(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	closeErr := s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	if err := s.conn.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	s.wg.Wait()

	if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
		return fmt.Errorf("relay close: %w", closeErr)
	}
	return nil
}

// ─── Session internals ───

func (s *relaySession) write(ctx context.Context, event ws.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(relayWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.done:
		return ErrNotJoined
	default:
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *relaySession) readLoop() {
	defer s.wg.Done()
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[relay] read error: %v", err)
			}
			return
		}

		var event inboundEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[relay] malformed frame: %v", err)
			continue
		}
		s.dispatch(event)
	}
}

func (s *relaySession) dispatch(event inboundEvent) {
	switch event.Op {
	case ws.OpMemberJoined, ws.OpMemberLeft:
		var d ws.MemberData
		if err := json.Unmarshal(event.Data, &d); err != nil || d.MemberID == "" {
			return
		}
		kind := MemberJoined
		if event.Op == ws.OpMemberLeft {
			kind = MemberLeft
		}
		s.handler.HandleMembership(kind, d.MemberID)

	case ws.OpMessage:
		var d ws.MessageData
		if err := json.Unmarshal(event.Data, &d); err != nil {
			return
		}
		s.handler.HandleMessage(d.From, []byte(d.Payload))

	case ws.OpMembers:
		var d ws.MembersData
		if err := json.Unmarshal(event.Data, &d); err != nil {
			return
		}
		s.pendingMu.Lock()
		reply, ok := s.pending[d.RequestID]
		s.pendingMu.Unlock()
		if ok {
			select {
			case reply <- d.Members:
			default:
			}
		}

	case ws.OpSent:
		var d ws.SentData
		if err := json.Unmarshal(event.Data, &d); err != nil {
			return
		}
		s.resolveSend(d.RequestID, nil)

	case ws.OpError:
		var d ws.ErrorData
		_ = json.Unmarshal(event.Data, &d)
		if d.RequestID != "" && s.resolveSend(d.RequestID, &RelayError{Code: d.Code, Message: d.Message}) {
			return
		}
		log.Printf("[relay] server rejected frame: code=%s message=%s", d.Code, d.Message)

	case ws.OpHeartbeatAck:
	}
}

// resolveSend hands the outcome to a waiting Send. It reports false when
// nobody waits for requestID any more.
func (s *relaySession) resolveSend(requestID string, err error) bool {
	s.pendingMu.Lock()
	outcome, ok := s.acks[requestID]
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case outcome <- err:
	default:
	}
	return true
}

func (s *relaySession) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(relayHeartbeatTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.write(context.Background(), ws.Event{Op: ws.OpHeartbeat}); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
