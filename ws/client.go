package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akinalp/livecast/models"
)

const (
	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent. Any frame, a
	// heartbeat op or a pong answering our ping, refreshes it.
	pongWait = 90 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds a whole client frame, envelope and escaping included.
	maxMessageSize = 8192

	// MaxPayloadSize bounds the chat payload of a "send".
	MaxPayloadSize = 2048

	// sendBufferSize: a client that falls this many frames behind is dropped.
	sendBufferSize = 256
)

type clientKind string

const (
	kindDiscovery clientKind = "discovery"
	kindRelay     clientKind = "relay"
)

// Client is one WebSocket connection.
//
// Two goroutines per connection: ReadPump reads frames, WritePump drains
// send. gorilla/websocket allows one concurrent reader and one writer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	kind clientKind

	// relay only
	channelName string
	identity    string
	role        models.Role

	send  chan []byte
	ready chan struct{} // closed once the hub has added the client
	mu    sync.Mutex    // guards conn writes
}

func newClient(hub *Hub, conn *websocket.Conn, kind clientKind) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		kind:  kind,
		send:  make(chan []byte, sendBufferSize),
		ready: make(chan struct{}),
	}
}

// ReadPump reads frames until the connection fails, then unregisters the
// client. It blocks; run it on the handler goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("[ws] failed to set read deadline for %s: %v", c.label(), err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] unexpected close for %s: %v", c.label(), err)
			}
			return
		}

		var event Event
		if err := json.Unmarshal(rawMessage, &event); err != nil {
			log.Printf("[ws] invalid frame from %s: %v", c.label(), err)
			c.sendError("", ErrCodeBadRequest, "frame is not valid JSON")
			continue
		}

		c.handleEvent(event, rawMessage)
	}
}

func (c *Client) handleEvent(event Event, raw []byte) {
	if event.Op == OpHeartbeat {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("[ws] failed to set read deadline for %s: %v", c.label(), err)
			return
		}
		c.sendEvent(Event{Op: OpHeartbeatAck})
		return
	}

	if c.kind == kindDiscovery {
		// Discovery is push only.
		return
	}

	switch event.Op {
	case OpSend:
		var frame struct {
			Data SendData `json:"d"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("", ErrCodeBadRequest, "invalid send payload")
			return
		}
		c.handleSend(frame.Data)

	case OpMembers:
		var frame struct {
			Data MembersRequestData `json:"d"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("", ErrCodeBadRequest, "invalid members request")
			return
		}
		c.sendEvent(Event{
			Op: OpMembers,
			Data: MembersData{
				RequestID: frame.Data.RequestID,
				Members:   c.hub.RoomMembers(c.channelName),
			},
		})

	default:
		log.Printf("[relay] unknown op from %s: %s", c.label(), event.Op)
		c.sendError("", ErrCodeBadRequest, "unknown op "+event.Op)
	}
}

func (c *Client) handleSend(data SendData) {
	if data.Payload == "" {
		c.sendError(data.RequestID, ErrCodeBadRequest, "payload is required")
		return
	}
	if len(data.Payload) > MaxPayloadSize {
		c.sendError(data.RequestID, ErrCodePayloadTooLarge, "payload exceeds 2048 bytes")
		return
	}
	if c.hub.chatLimiter != nil && !c.hub.chatLimiter.Allow(chatKey(c.channelName, c.identity)) {
		c.sendError(data.RequestID, ErrCodeRateLimited, "too many messages, slow down")
		return
	}

	c.hub.BroadcastToRoomExcept(c.channelName, c.identity, Event{
		Op:   OpMessage,
		Data: MessageData{From: c.identity, Payload: data.Payload},
	})
	if data.RequestID != "" {
		c.sendEvent(Event{Op: OpSent, Data: SentData{RequestID: data.RequestID}})
	}
}

func (c *Client) sendError(requestID, code, message string) {
	c.sendEvent(Event{Op: OpError, Data: ErrorData{RequestID: requestID, Code: code, Message: message}})
}

// sendEvent queues a frame for this client only.
func (c *Client) sendEvent(event Event) {
	event.Seq = c.hub.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[ws] failed to marshal event for %s: %v", c.label(), err)
		return
	}

	// The hub closes send on removal; hold the read lock so that cannot
	// happen between the membership check and the write.
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.isRegisteredLocked(c) {
		return
	}
	c.hub.deliver(c, data)
}

// WritePump drains send into the socket and pings every pingPeriod.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub removed the client.
				c.writeMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) label() string {
	if c.kind == kindDiscovery {
		return "discovery client"
	}
	return "member " + c.identity + "@" + c.channelName
}
