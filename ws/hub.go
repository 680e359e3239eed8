package ws

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg/metrics"
	"github.com/akinalp/livecast/pkg/ratelimit"
)

// DiscoveryPublisher is what the registry callbacks need from the hub.
type DiscoveryPublisher interface {
	BroadcastDiscovery(frame any)
}

// room is the relay state of one channel.
// members: identity → connection set (a member may have several tabs).
type room struct {
	members map[string]map[*Client]bool
	roles   map[string]models.Role
}

// Hub owns every WebSocket connection.
//
// register/unregister are processed by the Run goroutine; broadcasts only
// take the read lock, so they may run from any goroutine.
type Hub struct {
	discovery map[*Client]bool
	rooms     map[string]*room
	mu        sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once

	seq atomic.Int64

	chatLimiter *ratelimit.ChatRateLimiter

	// snapshot produces the initialStreamData content. Called under h.mu so
	// no broadcast can slip between snapshot and registration.
	snapshot func() []models.StreamSummary

	// onAudienceChanged fires (in its own goroutine) whenever the set of
	// audience identities of a room changes. The receiver reads the current
	// value with AudienceCount, so reordered calls still converge.
	onAudienceChanged func(channelName string)
}

// NewHub creates a hub. chatLimiter may be nil to disable chat throttling.
func NewHub(chatLimiter *ratelimit.ChatRateLimiter) *Hub {
	return &Hub{
		discovery:   make(map[*Client]bool),
		rooms:       make(map[string]*room),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		chatLimiter: chatLimiter,
	}
}

// SetDiscoverySnapshot sets the source of the initialStreamData frame.
// Must be called before Run.
func (h *Hub) SetDiscoverySnapshot(fn func() []models.StreamSummary) {
	h.snapshot = fn
}

// OnAudienceChanged sets the audience change callback. Must be called before Run.
func (h *Hub) OnAudienceChanged(fn func(channelName string)) {
	h.onAudienceChanged = fn
}

// Run is the hub's event loop; start it with `go hub.Run()`.
// It returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case <-h.done:
			return
		}
	}
}

// join hands a client to Run and waits until it is added.
// Returns false once the hub is shut down.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
	case <-h.done:
		return false
	}
	select {
	case <-c.ready:
		return true
	case <-h.done:
		return false
	}
}

// leave hands a client back to Run for removal. Never blocks after Shutdown.
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(client *Client) {
	defer close(client.ready)

	if client.kind == kindDiscovery {
		h.addDiscoveryClient(client)
		return
	}
	h.addRoomClient(client)
}

func (h *Hub) addDiscoveryClient(client *Client) {
	h.mu.Lock()
	h.discovery[client] = true
	total := len(h.discovery)

	var streams []models.StreamSummary
	if h.snapshot != nil {
		streams = h.snapshot()
	}
	// The send buffer is empty here, so the snapshot is always first.
	if data, err := json.Marshal(NewInitialStreamData(streams)); err == nil {
		client.send <- data
	} else {
		log.Printf("[ws] failed to marshal discovery snapshot: %v", err)
	}
	h.mu.Unlock()

	metrics.DiscoveryClients.Set(float64(total))
	log.Printf("[ws] discovery client connected (total: %d)", total)
}

func (h *Hub) addRoomClient(client *Client) {
	h.mu.Lock()
	r, ok := h.rooms[client.channelName]
	if !ok {
		r = &room{
			members: make(map[string]map[*Client]bool),
			roles:   make(map[string]models.Role),
		}
		h.rooms[client.channelName] = r
	}

	conns, known := r.members[client.identity]
	if !known {
		conns = make(map[*Client]bool)
		r.members[client.identity] = conns
	}
	conns[client] = true
	r.roles[client.identity] = client.role
	members := h.memberCountLocked()
	h.mu.Unlock()

	metrics.RelayMembers.Set(float64(members))
	log.Printf("[relay] member connected channel=%s member=%s role=%s (connections: %d)",
		client.channelName, client.identity, client.role, len(conns))

	// Only the first connection of an identity is a join.
	if known {
		return
	}
	h.BroadcastToRoomExcept(client.channelName, client.identity, Event{
		Op:   OpMemberJoined,
		Data: MemberData{MemberID: client.identity},
	})
	if client.role == models.RoleAudience {
		h.notifyAudienceChanged(client.channelName)
	}
}

func (h *Hub) removeClient(client *Client) {
	if client.kind == kindDiscovery {
		h.mu.Lock()
		if _, ok := h.discovery[client]; ok {
			delete(h.discovery, client)
			close(client.send)
		}
		total := len(h.discovery)
		h.mu.Unlock()

		metrics.DiscoveryClients.Set(float64(total))
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[client.channelName]
	if !ok {
		h.mu.Unlock()
		return
	}
	conns, ok := r.members[client.identity]
	if !ok || !conns[client] {
		h.mu.Unlock()
		return
	}
	delete(conns, client)
	close(client.send)

	lastConn := len(conns) == 0
	if lastConn {
		delete(r.members, client.identity)
		delete(r.roles, client.identity)
		if len(r.members) == 0 {
			delete(h.rooms, client.channelName)
		}
	}
	members := h.memberCountLocked()
	h.mu.Unlock()

	metrics.RelayMembers.Set(float64(members))

	if !lastConn {
		log.Printf("[relay] connection closed channel=%s member=%s (remaining: %d)",
			client.channelName, client.identity, len(conns))
		return
	}

	log.Printf("[relay] member left channel=%s member=%s", client.channelName, client.identity)
	if h.chatLimiter != nil {
		h.chatLimiter.Forget(chatKey(client.channelName, client.identity))
	}
	h.BroadcastToRoomExcept(client.channelName, client.identity, Event{
		Op:   OpMemberLeft,
		Data: MemberData{MemberID: client.identity},
	})
	if client.role == models.RoleAudience {
		h.notifyAudienceChanged(client.channelName)
	}
}

func (h *Hub) notifyAudienceChanged(channelName string) {
	if h.onAudienceChanged != nil {
		go h.onAudienceChanged(channelName)
	}
}

// BroadcastDiscovery sends frame to every discovery client.
func (h *Hub) BroadcastDiscovery(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[ws] failed to marshal discovery frame: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.discovery {
		h.deliver(client, data)
	}
}

// BroadcastToRoomExcept sends event to every connection in channelName except
// those of excludeIdentity ("" excludes nobody).
func (h *Hub) BroadcastToRoomExcept(channelName, excludeIdentity string, event Event) {
	event.Seq = h.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[relay] failed to marshal room event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[channelName]
	if !ok {
		return
	}
	for identity, conns := range r.members {
		if identity == excludeIdentity {
			continue
		}
		for client := range conns {
			h.deliver(client, data)
		}
	}
}

// deliver enqueues data or drops a slow client. Caller holds h.mu (read).
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		metrics.DroppedFrames.WithLabelValues(string(client.kind)).Inc()
		go h.leave(client)
	}
}

// RoomMembers returns the sorted identities connected to channelName.
func (h *Hub) RoomMembers(channelName string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[channelName]
	if !ok {
		return []string{}
	}
	ids := make([]string, 0, len(r.members))
	for identity := range r.members {
		ids = append(ids, identity)
	}
	sort.Strings(ids)
	return ids
}

// AudienceCount returns the distinct audience identities in channelName.
func (h *Hub) AudienceCount(channelName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[channelName]
	if !ok {
		return 0
	}
	n := 0
	for _, role := range r.roles {
		if role == models.RoleAudience {
			n++
		}
	}
	return n
}

// DiscoveryClientCount returns the number of connected discovery clients.
func (h *Hub) DiscoveryClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.discovery)
}

func (h *Hub) memberCountLocked() int {
	n := 0
	for _, r := range h.rooms {
		n += len(r.members)
	}
	return n
}

// Shutdown closes every connection and stops Run. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()

		for client := range h.discovery {
			close(client.send)
		}
		for _, r := range h.rooms {
			for _, conns := range r.members {
				for client := range conns {
					close(client.send)
				}
			}
		}
		h.discovery = make(map[*Client]bool)
		h.rooms = make(map[string]*room)

		metrics.DiscoveryClients.Set(0)
		metrics.RelayMembers.Set(0)
		log.Println("[ws] hub shut down, all connections closed")
	})
}

func chatKey(channelName, identity string) string {
	return channelName + ":" + identity
}

// isRegisteredLocked reports whether c is still owned by the hub, i.e. its
// send channel is open. Caller holds h.mu.
func (h *Hub) isRegisteredLocked(c *Client) bool {
	if c.kind == kindDiscovery {
		return h.discovery[c]
	}
	r, ok := h.rooms[c.channelName]
	if !ok {
		return false
	}
	return r.members[c.identity][c]
}
