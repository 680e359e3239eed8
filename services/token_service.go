// Package services holds the business logic of the server: token issuance,
// the stream registry, the heartbeat monitor and the stream history.
//
// Every service exposes an interface and hides its struct; constructors
// return the interface so handlers and tests can swap implementations.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"

	"github.com/akinalp/livecast/config"
	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
	"github.com/akinalp/livecast/pkg/cache"
	"github.com/akinalp/livecast/pkg/metrics"
)

const (
	// Generated identities fall in [minGeneratedIdentity, maxGeneratedIdentity].
	minGeneratedIdentity = 100000
	maxGeneratedIdentity = 999999999

	// identityRerolls is how often a generated identity that was recently
	// handed out on the same channel is drawn again.
	identityRerolls = 3

	maxChannelNameLength = 128
)

// TokenService mints and verifies role-scoped channel credentials.
type TokenService interface {
	// Credentials returns the static connection parameters.
	Credentials() models.TransportCredentials

	// IssueToken signs a credential for role on req.ChannelName.
	IssueToken(ctx context.Context, role models.Role, req *models.TokenRequest) (*models.TokenResponse, error)

	// ValidateCredential parses a credential minted by IssueToken.
	// Expired, foreign or tampered tokens yield pkg.ErrUnauthorized.
	ValidateCredential(token string) (*models.CredentialClaims, error)

	// Close releases the recent-identity cache.
	Close()
}

type tokenService struct {
	livekitCfg config.LiveKitConfig

	// recent remembers "channel:identity" pairs handed out within one token
	// lifetime so generated identities rarely collide.
	recent *cache.TTLCache[string, struct{}]

	randIdentity func() uint32
}

// NewTokenService creates the token service. The signing pair is validated
// by config.Load, so an empty key here is a programming error.
func NewTokenService(livekitCfg config.LiveKitConfig) TokenService {
	return &tokenService{
		livekitCfg: livekitCfg,
		recent:     cache.New[string, struct{}](livekitCfg.TokenTTL, 5*time.Minute),
		randIdentity: func() uint32 {
			return uint32(minGeneratedIdentity + rand.IntN(maxGeneratedIdentity-minGeneratedIdentity+1))
		},
	}
}

func (s *tokenService) Credentials() models.TransportCredentials {
	return models.TransportCredentials{
		AppID: s.livekitCfg.APIKey,
		URL:   s.livekitCfg.URL,
	}
}

func (s *tokenService) IssueToken(ctx context.Context, role models.Role, req *models.TokenRequest) (*models.TokenResponse, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", pkg.ErrBadRequest, role)
	}
	channelName, err := ValidateChannelName(req.ChannelName)
	if err != nil {
		return nil, err
	}

	var identity uint32
	if req.Identity != nil {
		identity = *req.Identity
		s.recent.Set(recentKey(channelName, identity), struct{}{})
	} else {
		identity = s.generateIdentity(channelName)
	}

	// Hosts publish, audience only subscribes. Everyone may send data
	// (chat travels on the messaging relay, but LiveKit data packets are
	// allowed for clients that prefer them).
	canPublish := role == models.RoleHost
	canSubscribe := true
	canPublishData := true

	metadata, err := json.Marshal(map[string]string{"role": string(role)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token metadata: %w", err)
	}

	identityStr := strconv.FormatUint(uint64(identity), 10)

	at := auth.NewAccessToken(s.livekitCfg.APIKey, s.livekitCfg.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           channelName,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}
	at.AddGrant(grant).
		SetIdentity(identityStr).
		SetName(identityStr).
		SetMetadata(string(metadata)).
		SetValidFor(s.livekitCfg.TokenTTL)

	credential, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to generate livekit token: %w", err)
	}

	metrics.TokensIssued.WithLabelValues(string(role)).Inc()

	return &models.TokenResponse{
		AppID:       s.livekitCfg.APIKey,
		URL:         s.livekitCfg.URL,
		Credential:  credential,
		ChannelName: channelName,
		Identity:    identity,
		Role:        role,
	}, nil
}

// generateIdentity draws a random identity, re-rolling a few times when the
// pair was handed out recently. After the last roll the identity is used
// anyway: collisions are rare, not impossible.
func (s *tokenService) generateIdentity(channelName string) uint32 {
	var identity uint32
	for i := 0; i < identityRerolls; i++ {
		identity = s.randIdentity()
		if s.recent.SetIfAbsent(recentKey(channelName, identity), struct{}{}) {
			return identity
		}
	}
	return identity
}

func (s *tokenService) ValidateCredential(tokenString string) (*models.CredentialClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.CredentialClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.livekitCfg.APISecret), nil
	}, jwt.WithIssuer(s.livekitCfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid credential", pkg.ErrUnauthorized)
	}

	claims, ok := token.Claims.(*models.CredentialClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid credential claims", pkg.ErrUnauthorized)
	}
	if claims.Identity() == "" || claims.Room() == "" {
		return nil, fmt.Errorf("%w: credential has no identity or room", pkg.ErrUnauthorized)
	}

	return claims, nil
}

func (s *tokenService) Close() {
	s.recent.Close()
}

// ValidateChannelName trims and checks a channel name: non-empty, at most
// 128 characters, no '/'.
func ValidateChannelName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: channelName is required", pkg.ErrBadRequest)
	}
	if len(name) > maxChannelNameLength {
		return "", fmt.Errorf("%w: channelName must be at most %d characters", pkg.ErrBadRequest, maxChannelNameLength)
	}
	if strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("%w: channelName must not contain '/'", pkg.ErrBadRequest)
	}
	return name, nil
}

func recentKey(channelName string, identity uint32) string {
	return channelName + ":" + strconv.FormatUint(uint64(identity), 10)
}
