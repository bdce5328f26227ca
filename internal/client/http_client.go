package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nupi-ai/proxyscope/internal/telemetry"
	"github.com/nupi-ai/proxyscope/internal/version"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 8 << 10
)

// APIError is a non-2xx response from the control API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// HTTPClient wraps REST interactions with the control API.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPClient builds an HTTP client with optional custom transport.
// ws and wss base URLs are mapped back to http and https.
func NewHTTPClient(baseURL, token string, transport http.RoundTripper) *HTTPClient {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(trimmed, "ws://"):
		trimmed = "http://" + strings.TrimPrefix(trimmed, "ws://")
	case strings.HasPrefix(trimmed, "wss://"):
		trimmed = "https://" + strings.TrimPrefix(trimmed, "wss://")
	}
	client := &http.Client{Timeout: defaultHTTPTimeout}
	if transport != nil {
		client.Transport = transport
	}

	return &HTTPClient{
		client:  client,
		baseURL: trimmed,
		token:   strings.TrimSpace(token),
	}
}

// FromSource builds a client for the source's current backend.
func FromSource(ctx context.Context, source telemetry.BackendSource) (*HTTPClient, error) {
	backend, err := telemetry.NewResolver(source).Target(ctx)
	if err != nil {
		return nil, err
	}
	return NewHTTPClient(backend.URL, backend.Secret, nil), nil
}

// BaseURL returns the base HTTP URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) attachToken(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do sends a request with an optional JSON body and decodes a JSON response
// into out when out is non-nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	c.attachToken(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("client: %s %s: %w", method, path, readAPIError(resp))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Message); msg != "" {
				apiErr.Message = msg
				return apiErr
			}
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				apiErr.Message = msg
				return apiErr
			}
		}
	}
	apiErr.Message = trimmed
	return apiErr
}
