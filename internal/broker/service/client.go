package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/twokc/2kc/common/trace"
	"github.com/twokc/2kc/internal/broker/inject"
	"github.com/twokc/2kc/internal/broker/request"
	"github.com/twokc/2kc/internal/broker/secrets"
)

// clientTimeout bounds every server call.  Injection of a long-running
// child happens server-side, so a stuck call means a stuck server.
const clientTimeout = 30 * time.Second

// User-facing transport errors.  The raw dial or HTTP error is wrapped so
// callers can still inspect the cause.
var (
	ErrServerNotRunning = errors.New("Server not running. Start it with: 2kc server start")
	ErrAuthFailed       = errors.New("Authentication failed. Check server.authToken in ~/.2kc/config.json")
	ErrRequestTimedOut  = errors.New("Request timed out after 30s")
)

// errorResponse is the server's error envelope.
type errorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

// Client is the over-the-wire realization of the facade.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the broker server at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListSecrets(ctx context.Context) ([]secrets.Metadata, error) {
	var out []secrets.Metadata
	if err := c.do(ctx, http.MethodGet, "/api/secrets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddSecret(ctx context.Context, ref, value string, tags []string) (string, error) {
	body := map[string]any{"ref": ref, "value": value, "tags": tags}
	var out struct {
		UUID string `json:"uuid"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/secrets", body, &out); err != nil {
		return "", err
	}
	return out.UUID, nil
}

func (c *Client) RemoveSecret(ctx context.Context, uuid string) error {
	return c.do(ctx, http.MethodDelete, "/api/secrets/"+url.PathEscape(uuid), nil, nil)
}

func (c *Client) GetSecretMetadata(ctx context.Context, uuid string) (secrets.Metadata, error) {
	var out secrets.Metadata
	err := c.do(ctx, http.MethodGet, "/api/secrets/"+url.PathEscape(uuid), nil, &out)
	return out, err
}

func (c *Client) ResolveSecret(ctx context.Context, refOrUUID string) (secrets.Metadata, error) {
	var out secrets.Metadata
	err := c.do(ctx, http.MethodGet, "/api/secrets/resolve/"+url.PathEscape(refOrUUID), nil, &out)
	return out, err
}

func (c *Client) CreateRequest(ctx context.Context, secretUUIDs []string, reason, taskRef string, durationSeconds int) (*request.Request, error) {
	body := map[string]any{
		"secretUuids": secretUUIDs,
		"reason":      reason,
		"taskRef":     taskRef,
	}
	if durationSeconds != 0 {
		body["duration"] = durationSeconds
	}
	var out request.Request
	if err := c.do(ctx, http.MethodPost, "/api/requests", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ValidateGrant(ctx context.Context, requestID string) (bool, error) {
	var out bool
	if err := c.do(ctx, http.MethodGet, "/api/grants/"+url.PathEscape(requestID), nil, &out); err != nil {
		return false, err
	}
	return out, nil
}

func (c *Client) Inject(ctx context.Context, requestID, envVarName string, command []string) (*inject.Result, error) {
	body := map[string]any{
		"requestId":  requestID,
		"envVarName": envVarName,
		"command":    command,
	}
	var out inject.Result
	if err := c.do(ctx, http.MethodPost, "/api/inject", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return translateTransportError(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w (%s %s)", ErrAuthFailed, method, path)
	}
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s → %d: %s", method, path, resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("%s %s → %d", method, path, resp.StatusCode)
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// translateTransportError maps dial and deadline failures onto messages an
// operator can act on.
func translateTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrRequestTimedOut, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrRequestTimedOut, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrServerNotRunning, err)
	}
	return err
}
