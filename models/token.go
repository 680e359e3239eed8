package models

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"
)

// Role is a participant's capability in a channel.
// Host publishes media; audience only subscribes. Both may chat.
type Role string

const (
	RoleHost     Role = "host"
	RoleAudience Role = "audience"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleAudience
}

// TokenRequest is the body of POST /transport/host-token and
// POST /transport/audience-token.
//
// Identity is optional. When omitted the server picks a random number.
type TokenRequest struct {
	ChannelName string  `json:"channelName"`
	Identity    *uint32 `json:"identity,omitempty"`
}

// TokenResponse carries the signed credential. The same credential admits the
// holder to the media room and to the messaging relay of that channel only.
type TokenResponse struct {
	AppID       string `json:"appId"`
	URL         string `json:"url"`
	Credential  string `json:"credential"`
	ChannelName string `json:"channelName"`
	Identity    uint32 `json:"identity"`
	Role        Role   `json:"role"`
}

// TransportCredentials is the static connection parameter set returned by
// GET /transport/credentials.
type TransportCredentials struct {
	AppID string `json:"appId"`
	URL   string `json:"url"`
}

// CredentialClaims is the payload of a LiveKit access token as seen by our own
// verifier. LiveKit puts the identity in "sub" and the room grant in "video".
type CredentialClaims struct {
	Name     string          `json:"name,omitempty"`
	Metadata string          `json:"metadata,omitempty"`
	Video    *auth.VideoGrant `json:"video,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the participant identity the token was minted for.
func (c *CredentialClaims) Identity() string {
	return c.Subject
}

// Room returns the channel the token is scoped to ("" if no grant).
func (c *CredentialClaims) Room() string {
	if c.Video == nil {
		return ""
	}
	return c.Video.Room
}

// Role derives host/audience from the publish grant.
func (c *CredentialClaims) Role() Role {
	if c.Video != nil && c.Video.CanPublish != nil && *c.Video.CanPublish {
		return RoleHost
	}
	return RoleAudience
}
