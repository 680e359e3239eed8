package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/akinalp/livecast/models"
	"github.com/akinalp/livecast/pkg"
)

// APIError is a non-2xx answer of the server. It unwraps to the matching
// pkg sentinel, so callers can test errors.Is(err, pkg.ErrNotFound).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return pkg.ErrNotFound
	case http.StatusUnauthorized:
		return pkg.ErrUnauthorized
	case http.StatusForbidden:
		return pkg.ErrForbidden
	case http.StatusBadRequest:
		return pkg.ErrBadRequest
	case http.StatusTooManyRequests:
		return pkg.ErrTooManyRequests
	default:
		return pkg.ErrInternal
	}
}

// envelope is pkg.APIResponse with a typed payload.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

// APIClient calls the livecast REST API. Every call is a single attempt
// bounded by DefaultCallTimeout; callers that want a retry wrap it in
// WithRetry, which never repeats a 4xx.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient returns a client for baseURL. A nil httpClient means
// http.DefaultClient.
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL is the server root the client was built with.
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

// ─── Transport ───

func (c *APIClient) Credentials(ctx context.Context) (*models.TransportCredentials, error) {
	var out models.TransportCredentials
	if _, err := c.call(ctx, http.MethodGet, "/transport/credentials", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchToken asks for a role-scoped credential. identity may be nil.
func (c *APIClient) FetchToken(ctx context.Context, role models.Role, channelName string, identity *uint32) (*models.TokenResponse, error) {
	path := "/transport/audience-token"
	if role == models.RoleHost {
		path = "/transport/host-token"
	}

	var out models.TokenResponse
	req := models.TokenRequest{ChannelName: channelName, Identity: identity}
	if _, err := c.call(ctx, http.MethodPost, path, "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Streams ───

func (c *APIClient) RegisterStream(ctx context.Context, credential, channelName string, meta models.StreamMetadata) (*models.StreamSession, error) {
	var out models.StreamSession
	if _, err := c.call(ctx, http.MethodPost, streamPath(channelName, "register"), credential, meta, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat refreshes the stream's liveness. It returns
// ErrStreamNotRegistered when the server answered but no longer holds the
// stream as active.
func (c *APIClient) Heartbeat(ctx context.Context, credential, channelName string) error {
	header, err := c.call(ctx, http.MethodPost, streamPath(channelName, "heartbeat"), credential, nil, nil)
	if err != nil {
		return err
	}
	if header.Get(models.HeaderStreamRegistered) == "false" {
		return ErrStreamNotRegistered
	}
	return nil
}

func (c *APIClient) EndStream(ctx context.Context, credential, channelName string) error {
	_, err := c.call(ctx, http.MethodPost, streamPath(channelName, "end"), credential, nil, nil)
	return err
}

func (c *APIClient) ActiveStreams(ctx context.Context) ([]models.StreamSummary, error) {
	var out []models.StreamSummary
	if _, err := c.call(ctx, http.MethodGet, "/streams/active", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Stream(ctx context.Context, channelName string) (*models.StreamSession, error) {
	var out models.StreamSession
	if _, err := c.call(ctx, http.MethodGet, "/streams/"+url.PathEscape(channelName), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func streamPath(channelName, action string) string {
	return "/streams/" + url.PathEscape(channelName) + "/" + action
}

// ─── Plumbing ───

// call performs one request bounded by DefaultCallTimeout and returns the
// response headers.
func (c *APIClient) call(ctx context.Context, method, path, bearer string, body, out any) (http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	return c.do(ctx, method, path, bearer, payload, out)
}

func (c *APIClient) do(ctx context.Context, method, path, bearer string, payload []byte, out any) (http.Header, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.Header, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var env envelope[json.RawMessage]
		msg := http.StatusText(resp.StatusCode)
		if json.Unmarshal(raw, &env) == nil && env.Error != "" {
			msg = env.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return resp.Header, nil
	}
	env := envelope[json.RawMessage]{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(env.Data) == 0 {
		return resp.Header, nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return nil, fmt.Errorf("decode response data: %w", err)
	}
	return resp.Header, nil
}
