// Package graph fetches the manifest and selected files from a OneDrive drive
// through the Microsoft Graph API.
package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/wolfeidau/photo-kiosk/credentials"
	"github.com/wolfeidau/photo-kiosk/manifest"
	"github.com/wolfeidau/photo-kiosk/remote"
	"github.com/wolfeidau/photo-kiosk/telemetry"
)

const (
	// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// maxTextSize bounds a fetched text document (1MB).
	maxTextSize = 1 << 20
	// maxErrorBody bounds the response body kept in a StatusError.
	maxErrorBody = 512

	sourceName = "graph"
)

// Client implements remote.Fetcher against Microsoft Graph.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  credentials.TokenSource
	logger  *slog.Logger
}

var _ remote.Fetcher = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the Graph endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Graph client that authenticates with tokens from ts.
// Requests carry no client-wide timeout; callers bound them with contexts.
func New(ts credentials.TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, sourceName),
		},
		tokens: ts,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "graph")
	return c
}

// FetchText fetches a text document by path relative to the drive root.
func (c *Client) FetchText(ctx context.Context, p string) (string, error) {
	u := fmt.Sprintf("%s/me/drive/root:/%s:/content", c.baseURL, escapePath(p))

	body, err := c.fetch(ctx, u)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", p, err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, maxTextSize+1))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", p, err)
	}
	if len(data) > maxTextSize {
		return "", fmt.Errorf("%s exceeds maximum size of %d bytes", p, maxTextSize)
	}

	return string(data), nil
}

// Fetch streams a file by path relative to the manifest's drive item.
func (c *Client) Fetch(ctx context.Context, m *manifest.Manifest, p string) (io.ReadCloser, error) {
	if m == nil {
		return nil, errors.New("manifest required")
	}
	u := fmt.Sprintf("%s/me/drives/%s/items/%s:/%s:/content",
		c.baseURL, url.PathEscape(m.CollectionID), url.PathEscape(m.ItemID), escapePath(p))

	body, err := c.fetch(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", p, err)
	}
	return body, nil
}

// fetch performs an authenticated GET and returns the response body.
func (c *Client) fetch(ctx context.Context, u string) (io.ReadCloser, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &remote.AuthenticationError{Source: sourceName, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = resp.Body.Close()
		return nil, remote.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		statusErr := readStatusError(resp)
		if inv, ok := c.tokens.(credentials.Invalidator); ok {
			inv.Invalidate()
		}
		c.logger.Warn("token rejected", "status", resp.StatusCode)
		return nil, &remote.AuthenticationError{Source: sourceName, Err: statusErr}
	default:
		return nil, readStatusError(resp)
	}
}

func readStatusError(resp *http.Response) *remote.StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	return &remote.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// escapePath escapes each segment of a slash-separated drive path.
func escapePath(p string) string {
	p = strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/")
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
