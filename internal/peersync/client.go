package peersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prasenjit/omock/internal/models"
)

var (
	// ErrPeerUnreachable covers transport failures and unexpected peer statuses
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrUnauthorized means the peer rejected the shared secret
	ErrUnauthorized = errors.New("peer rejected shared secret")
)

const (
	// DefaultSecretHeader carries the shared secret on internal calls
	DefaultSecretHeader = "X-Internal-Token"

	listPath     = "/_api/mocks"
	internalPath = "/_internal/mocks"
)

// Client talks to one or more peer instances over HTTP
type Client struct {
	httpClient   *http.Client
	secret       string
	secretHeader string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the per-request HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithSecret sets the shared secret and the header carrying it
func WithSecret(secret, header string) ClientOption {
	return func(c *Client) {
		c.secret = secret
		if header != "" {
			c.secretHeader = header
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a peer client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		secretHeader: DefaultSecretHeader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListMocks fetches the full definition set of a peer
func (c *Client) ListMocks(ctx context.Context, peer string) ([]*models.Definition, error) {
	resp, err := c.do(ctx, http.MethodGet, peer, listPath, nil, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(peer, resp); err != nil {
		return nil, err
	}

	var defs []*models.Definition
	if err := json.NewDecoder(resp.Body).Decode(&defs); err != nil {
		return nil, fmt.Errorf("%w: %s: decode mocks: %w", ErrPeerUnreachable, peer, err)
	}
	return defs, nil
}

// PushCreate replicates a newly created definition
func (c *Client) PushCreate(ctx context.Context, peer string, def *models.Definition) error {
	return c.push(ctx, http.MethodPost, peer, internalPath, def)
}

// PushUpdate replicates a replaced definition
func (c *Client) PushUpdate(ctx context.Context, peer string, def *models.Definition) error {
	return c.push(ctx, http.MethodPut, peer, internalPath+"/"+url.PathEscape(def.ID.String()), def)
}

// PushDelete replicates removal of one definition
func (c *Client) PushDelete(ctx context.Context, peer string, id uuid.UUID) error {
	return c.push(ctx, http.MethodDelete, peer, internalPath+"/"+url.PathEscape(id.String()), nil)
}

// PushClear replicates removal of every definition
func (c *Client) PushClear(ctx context.Context, peer string) error {
	return c.push(ctx, http.MethodDelete, peer, internalPath, nil)
}

func (c *Client) push(ctx context.Context, method, peer, path string, body any) error {
	resp, err := c.do(ctx, method, peer, path, body, true)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// a peer that never had the id is already in the desired state
	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkStatus(peer, resp)
}

func (c *Client) do(ctx context.Context, method, peer, path string, body any, internal bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL(peer)+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if internal && c.secret != "" {
		req.Header.Set(c.secretHeader, c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPeerUnreachable, peer, err)
	}
	return resp, nil
}

func checkStatus(peer string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, peer)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: %s: status %d: %s", ErrPeerUnreachable, peer, resp.StatusCode, strings.TrimSpace(string(msg)))
}

func baseURL(peer string) string {
	if strings.HasPrefix(peer, "http://") || strings.HasPrefix(peer, "https://") {
		return strings.TrimSuffix(peer, "/")
	}
	return "http://" + peer
}
