package ws

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
)

// CredentialValidator is the slice of services.TokenService the relay needs.
// Declared here so ws does not import services.
type CredentialValidator interface {
	ValidateCredential(token string) (*models.CredentialClaims, error)
}

// upgrader turns an HTTP request into a WebSocket connection.
// Origins are not checked: discovery is public and the relay is gated by
// the channel credential.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler serves both WebSocket endpoints.
type Handler struct {
	hub       *Hub
	validator CredentialValidator
}

func NewHandler(hub *Hub, validator CredentialValidator) *Handler {
	return &Handler{hub: hub, validator: validator}
}

// HandleDiscovery serves GET /ws/discovery. No credential is needed: the
// stream list is public.
func (h *Handler) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] discovery upgrade failed: %v", err)
		return
	}

	h.serve(newClient(h.hub, conn, kindDiscovery))
}

// HandleChannel serves GET /ws/channels/{channelName}?token=<credential>.
//
// Browsers cannot set headers on a WebSocket handshake, so the credential
// travels in the query string. It must be scoped to the path channel.
func (h *Handler) HandleChannel(w http.ResponseWriter, r *http.Request) {
	channelName := r.PathValue("channelName")
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		pkg.Error(w, fmt.Errorf("%w: missing token", pkg.ErrUnauthorized))
		return
	}

	claims, err := h.validator.ValidateCredential(token)
	if err != nil {
		pkg.Error(w, err)
		return
	}
	if claims.Room() != channelName {
		pkg.ErrorWithMessage(w, http.StatusForbidden, "credential is not valid for this channel")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade failed for member %s: %v", claims.Identity(), err)
		return
	}

	client := newClient(h.hub, conn, kindRelay)
	client.channelName = channelName
	client.identity = claims.Identity()
	client.role = claims.Role()

	h.serve(client)
}

// serve registers the client and runs its pumps. Blocks until the
// connection is gone.
func (h *Handler) serve(client *Client) {
	if !h.hub.join(client) {
		client.conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}
