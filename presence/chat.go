package presence

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log"
	"strings"
	"time"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg/metrics"
	"github.com/akinalp/livecast/transport"
)

// HistorySize is the capacity of the local chat history.
const HistorySize = 8

// ChatMessage is one line of the local history.
type ChatMessage struct {
	UserID          string    `json:"userId"`
	Name            string    `json:"name"`
	Text            string    `json:"text"`
	Color           string    `json:"color"`
	IsHost          bool      `json:"isHost"`
	IsSystemMessage bool      `json:"isSystemMessage"`
	SentAt          time.Time `json:"sentAt"`
}

// chatHistory is a fixed-size ring; the oldest entry is overwritten first.
type chatHistory struct {
	buf   [HistorySize]ChatMessage
	start int
	n     int
}

func (h *chatHistory) push(m ChatMessage) {
	if h.n < HistorySize {
		h.buf[(h.start+h.n)%HistorySize] = m
		h.n++
		return
	}
	h.buf[h.start] = m
	h.start = (h.start + 1) % HistorySize
}

// items returns the messages oldest first.
func (h *chatHistory) items() []ChatMessage {
	out := make([]ChatMessage, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%HistorySize]
	}
	return out
}

func (h *chatHistory) reset() {
	*h = chatHistory{}
}

// ─── Colors ───

var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#bcf60c", "#fabebe", "#008080", "#9a6324",
}

// colorFor is stable for an id across sessions and processes.
func colorFor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return palette[h.Sum32()%uint32(len(palette))]
}

// ─── Wire formats ───
//
// Outbound messages try each strategy in order until one is accepted.
// Inbound payloads are decoded the same way: structured first, plain text
// as the fallback.

type sendStrategy interface {
	name() string
	encode(m ChatMessage) ([]byte, error)
}

// payloadV2 is the structured chat payload.
type payloadV2 struct {
	Version int    `json:"v"`
	Name    string `json:"name"`
	Text    string `json:"text"`
	Color   string `json:"color,omitempty"`
	IsHost  bool   `json:"isHost,omitempty"`
	SentAt  int64  `json:"sentAt"`
}

type structuredV2 struct{}

func (structuredV2) name() string { return "v2" }

func (structuredV2) encode(m ChatMessage) ([]byte, error) {
	return json.Marshal(payloadV2{
		Version: 2,
		Name:    m.Name,
		Text:    m.Text,
		Color:   m.Color,
		IsHost:  m.IsHost,
		SentAt:  m.SentAt.UnixMilli(),
	})
}

// legacyText sends the bare text, as older clients do.
type legacyText struct{}

func (legacyText) name() string { return "legacy" }

func (legacyText) encode(m ChatMessage) ([]byte, error) {
	return []byte(m.Text), nil
}

var defaultStrategies = []sendStrategy{structuredV2{}, legacyText{}}

// decodePayload turns an inbound payload into a message. from is the sender
// identity as vouched for by the relay and always wins over the payload.
func decodePayload(from string, payload []byte, now time.Time) ChatMessage {
	var v2 payloadV2
	if err := json.Unmarshal(payload, &v2); err == nil && v2.Version == 2 && v2.Text != "" {
		sentAt := now
		if v2.SentAt > 0 {
			sentAt = time.UnixMilli(v2.SentAt)
		}
		return ChatMessage{
			UserID: from,
			Name:   v2.Name,
			Text:   v2.Text,
			IsHost: v2.IsHost,
			SentAt: sentAt,
		}
	}
	return ChatMessage{UserID: from, Text: string(payload), SentAt: now}
}

// ─── Sending ───

// SendMessage appends text to the local history, then relays it. The local
// copy is kept whatever the relay outcome; a *RelayFailure is returned when
// every strategy failed.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	msg := ChatMessage{
		UserID: c.selfID,
		Name:   c.displayNameLocked(c.selfID),
		Text:   text,
		Color:  colorFor(c.selfID),
		IsHost: c.role == models.RoleHost,
		SentAt: c.now(),
	}
	c.history.push(msg)
	messaging := c.messaging
	degraded := c.degraded
	c.mu.Unlock()

	c.emitMessage(msg)

	failure := &RelayFailure{}
	for _, s := range c.strategies {
		if degraded {
			failure.Attempts = append(failure.Attempts, StrategyError{Strategy: s.name(), Err: ErrMessagingUnavailable})
			continue
		}
		payload, err := s.encode(msg)
		if err == nil {
			err = messaging.Send(ctx, payload)
		}
		if err == nil {
			return nil
		}
		failure.Attempts = append(failure.Attempts, StrategyError{Strategy: s.name(), Err: err})
		var relayErr *transport.RelayError
		if errors.Is(err, context.Canceled) || (errors.As(err, &relayErr) && relayErr.RateLimited()) {
			break
		}
	}

	metrics.RelayFailures.Inc()
	log.Printf("[presence] %v", failure)
	if c.cfg.OnRelayFailure != nil {
		c.cfg.OnRelayFailure(failure)
	}
	return failure
}

// HandleMessage appends an inbound chat payload to the history.
func (h *sessionHandler) HandleMessage(from string, payload []byte) {
	c := h.c

	c.mu.Lock()
	if c.generation != h.generation || from == c.selfID {
		c.mu.Unlock()
		return
	}
	msg := decodePayload(from, payload, c.now())
	if msg.Name == "" {
		msg.Name = c.displayNameLocked(from)
	}
	msg.Color = colorFor(from)
	msg.IsHost = from == c.hostID
	c.history.push(msg)
	c.mu.Unlock()

	c.emitMessage(msg)
}

func (c *Controller) appendSystemLocked(memberID, text string) ChatMessage {
	msg := ChatMessage{
		UserID:          memberID,
		Name:            c.displayNameLocked(memberID),
		Text:            text,
		Color:           colorFor(memberID),
		IsSystemMessage: true,
		SentAt:          c.now(),
	}
	c.history.push(msg)
	return msg
}

func (c *Controller) emitMessage(m ChatMessage) {
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(m)
	}
}
