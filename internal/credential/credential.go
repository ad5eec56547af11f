// Package credential fetches the short-lived key that authenticates a
// realtime connection.
//
// The key server answers GET <base>/api/session/ with the realtime session
// object minted upstream; only client_secret.value is used. Fetches run
// behind a circuit breaker so a key server that is down fails fast instead of
// stalling every connect attempt for the full HTTP timeout.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/partyhost/internal/observe"
	"github.com/MrWong99/partyhost/internal/resilience"
)

// DefaultPath is the key endpoint path relative to the base URL.
const DefaultPath = "/api/session/"

var (
	// ErrMissingSecret is returned when the key server answers without a
	// client_secret.value.
	ErrMissingSecret = errors.New("credential: response has no client_secret.value")

	// ErrInsecureEndpoint is returned by [CheckSecure] for endpoints that are
	// neither https nor http on a loopback host.
	ErrInsecureEndpoint = errors.New("credential: endpoint is not a secure context")
)

// Source produces ephemeral keys.
type Source interface {
	// EphemeralKey fetches a fresh key.
	EphemeralKey(ctx context.Context) (string, error)

	// Endpoint returns the URL keys are fetched from.
	Endpoint() string
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Default: a client with a 10 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithPath overrides [DefaultPath].
func WithPath(p string) Option {
	return func(cl *Client) { cl.path = p }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = cb }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// Client fetches keys from a partyhost key server or any endpoint speaking
// the same contract.
type Client struct {
	base    string
	path    string
	http    *http.Client
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

var _ Source = (*Client)(nil)

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		path: DefaultPath,
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "credential",
			MaxFailures:  3,
			ResetTimeout: 15 * time.Second,
		})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Endpoint implements [Source].
func (c *Client) Endpoint() string { return c.base + c.path }

// EphemeralKey implements [Source].
func (c *Client) EphemeralKey(ctx context.Context) (key string, err error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanCredential, observe.Attr("endpoint", c.Endpoint()))
	defer func() { observe.EndSpan(span, err) }()

	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		key, err = c.fetch(ctx)
		return err
	})
	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	c.metrics.RecordCredentialRequest(ctx, status)
	if err != nil {
		return "", err
	}
	return key, nil
}

type sessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func (c *Client) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint(), nil)
	if err != nil {
		return "", fmt.Errorf("credential: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("credential: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("credential: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("credential: fetch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr sessionResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("credential: decode response: %w", err)
	}
	if sr.ClientSecret.Value == "" {
		return "", ErrMissingSecret
	}
	return sr.ClientSecret.Value, nil
}

// CheckSecure reports whether endpoint may carry credentials: https, or
// plain http only on a loopback host.
func CheckSecure(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsecureEndpoint, err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInsecureEndpoint, endpoint)
}

// Static is a Source returning a fixed key. It is meant for local
// development against a directly issued key.
type Static struct {
	Key string
}

// EphemeralKey implements [Source].
func (s Static) EphemeralKey(context.Context) (string, error) {
	if s.Key == "" {
		return "", ErrMissingSecret
	}
	return s.Key, nil
}

// Endpoint implements [Source]. A static key never leaves the process.
func (Static) Endpoint() string { return "https://localhost/static" }
