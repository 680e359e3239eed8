// Package ws serves the two WebSocket surfaces of the server.
//
//   - Discovery channel (/ws/discovery): pushes registry changes to every
//     connected viewer. Frames are {"type": ..., ...}.
//   - Messaging relay (/ws/channels/{channelName}): per-channel chat and
//     membership. Frames use the Event envelope {op, d, seq}.
//
// Flow: registry callback (init_callbacks.go) → Hub.BroadcastDiscovery →
// every client's send buffer → WritePump → socket.
// Both surfaces are best effort: a client whose buffer is full is dropped.
package ws

import "github.com/akinalp/livecast/models"

// Event is one relay frame.
//
// Seq grows by one per outbound frame of the hub; a client that sees 5 then 7
// knows it missed 6.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// Client → Server relay operations
const (
	OpHeartbeat = "heartbeat"
	OpSend      = "send"
	OpMembers   = "members" // also the reply op
)

// Server → Client relay operations
const (
	OpHeartbeatAck = "heartbeat_ack"
	OpMemberJoined = "member_joined"
	OpMemberLeft   = "member_left"
	OpMessage      = "message"
	OpSent         = "sent" // ack of a send carrying a request_id
	OpError        = "error"
)

// Relay error codes carried in ErrorData.Code.
const (
	ErrCodePayloadTooLarge = "payload_too_large"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeBadRequest      = "bad_request"
)

// MemberData is the payload of member_joined / member_left.
type MemberData struct {
	MemberID string `json:"member_id"`
}

// SendData is the payload of a client "send". A non-empty RequestID asks
// for an OpSent ack; a rejection echoes it in ErrorData.
type SendData struct {
	RequestID string `json:"request_id,omitempty"`
	Payload   string `json:"payload"`
}

// SentData acknowledges a relayed send.
type SentData struct {
	RequestID string `json:"request_id"`
}

// MessageData is a relayed chat payload. Payload is opaque to the server.
type MessageData struct {
	From    string `json:"from"`
	Payload string `json:"payload"`
}

// MembersRequestData asks for the member list; RequestID is echoed back.
type MembersRequestData struct {
	RequestID string `json:"request_id"`
}

// MembersData answers a members request.
type MembersData struct {
	RequestID string   `json:"request_id"`
	Members   []string `json:"members"`
}

// ErrorData reports a rejected client frame. RequestID is set when the
// rejected frame carried one.
type ErrorData struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ─── Discovery frames ───

// Discovery frame types
const (
	TypeInitialStreamData  = "initialStreamData"
	TypeStreamStarted      = "streamStarted"
	TypeStreamEnded        = "streamEnded"
	TypeViewerCountChanged = "viewerCountChanged"
)

// InitialStreamData is the first frame every discovery client receives.
type InitialStreamData struct {
	Type    string                 `json:"type"`
	Streams []models.StreamSummary `json:"streams"`
}

type StreamStartedFrame struct {
	Type   string               `json:"type"`
	Stream models.StreamSummary `json:"stream"`
}

type StreamEndedFrame struct {
	Type        string           `json:"type"`
	ChannelName string           `json:"channelName"`
	Reason      models.EndReason `json:"reason"`
}

type ViewerCountChangedFrame struct {
	Type        string `json:"type"`
	ChannelName string `json:"channelName"`
	ViewerCount int    `json:"viewerCount"`
}

// NewInitialStreamData builds the snapshot frame. A nil slice is sent as [].
func NewInitialStreamData(streams []models.StreamSummary) InitialStreamData {
	if streams == nil {
		streams = []models.StreamSummary{}
	}
	return InitialStreamData{Type: TypeInitialStreamData, Streams: streams}
}

func NewStreamStarted(s models.StreamSession) StreamStartedFrame {
	return StreamStartedFrame{Type: TypeStreamStarted, Stream: s.Summary()}
}

func NewStreamEnded(s models.StreamSession, reason models.EndReason) StreamEndedFrame {
	return StreamEndedFrame{Type: TypeStreamEnded, ChannelName: s.ChannelName, Reason: reason}
}

func NewViewerCountChanged(s models.StreamSession) ViewerCountChangedFrame {
	return ViewerCountChangedFrame{Type: TypeViewerCountChanged, ChannelName: s.ChannelName, ViewerCount: s.ViewerCount}
}
