// Package collector talks to the remote collector: batched telemetry
// delivery and the command sync channel.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
	"github.com/wolfeidau/devtools-relay/telemetry"
)

const (
	// DefaultTimeout is the default timeout for collector requests.
	DefaultTimeout = 10 * time.Second

	// CompressionThreshold is the body size above which requests are
	// zstd-compressed.
	CompressionThreshold = 2 << 10

	// ClientHeader identifies the relay to the collector.
	ClientHeader = "X-Devtools-Relay-Client"
)

// Version is reported in ClientHeader. Set at build time.
var Version = "dev"

// StatusError is returned for a non-2xx collector response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector %s returned %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("collector %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client posts telemetry batches to the collector.
type Client struct {
	baseURL   string
	token     string
	threshold int
	client    *http.Client
	encoder   *zstd.Encoder
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Its transport is used as is.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the bearer token sent with every request.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithCompressionThreshold overrides CompressionThreshold. A negative value
// disables compression.
func WithCompressionThreshold(n int) Option {
	return func(c *Client) {
		c.threshold = n
	}
}

// New creates a collector client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		threshold: CompressionThreshold,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport),
		},
		encoder: enc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the encoder.
func (c *Client) Close() error {
	return c.encoder.Close()
}

// Send posts items to the endpoint for kind and returns the number the
// collector accepted. A collector that omits the count is taken to have
// accepted everything.
func (c *Client) Send(ctx context.Context, kind devtoolsrelay.EventKind, items any) (int, error) {
	body, err := json.Marshal(map[string]any{kind.PayloadKey(): items})
	if err != nil {
		return 0, fmt.Errorf("encoding %s batch: %w", kind, err)
	}

	var reply struct {
		Accepted *int `json:"accepted"`
	}
	if err := c.post(ctx, kind.Endpoint(), body, &reply); err != nil {
		return 0, err
	}
	if reply.Accepted != nil {
		return *reply.Accepted, nil
	}
	return -1, nil
}

// post sends body as JSON and decodes a JSON reply into out when the
// response has one.
func (c *Client) post(ctx context.Context, endpoint string, body []byte, out any) error {
	encoding := ""
	if c.threshold >= 0 && len(body) > c.threshold {
		body = c.encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
		encoding = "zstd"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(ClientHeader, "devtools-relay/"+Version)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
