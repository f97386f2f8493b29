package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned when a token source has nothing to hand out.
var ErrNoToken = errors.New("no token available")

// TokenSource supplies bearer tokens for the remote drive.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to a TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// defaultLifetime applies when a minted token carries no expiry.
const defaultLifetime = 45 * time.Minute

// FetchFunc mints a token and reports when it expires.
type FetchFunc func(ctx context.Context) (token string, expiry time.Time, err error)

// CachedTokenSource caches a minted token until shortly before it expires.
type CachedTokenSource struct {
	fetch  FetchFunc
	margin time.Duration
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// CachedOption configures a CachedTokenSource.
type CachedOption func(*CachedTokenSource)

// WithMargin sets how long before expiry a cached token is considered stale.
func WithMargin(d time.Duration) CachedOption {
	return func(c *CachedTokenSource) {
		c.margin = d
	}
}

// WithNow sets the clock used to judge expiry.
func WithNow(now func() time.Time) CachedOption {
	return func(c *CachedTokenSource) {
		c.now = now
	}
}

// NewCachedTokenSource creates a CachedTokenSource around fetch.
func NewCachedTokenSource(fetch FetchFunc, opts ...CachedOption) *CachedTokenSource {
	c := &CachedTokenSource{
		fetch:  fetch,
		margin: time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached token, minting a new one when it is missing or stale.
func (c *CachedTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(c.margin).Before(c.expiry) {
		return c.token, nil
	}

	token, expiry, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrNoToken
	}

	if expiry.IsZero() {
		expiry = c.now().Add(defaultLifetime)
	}

	c.token = token
	c.expiry = expiry
	return token, nil
}

// Invalidate drops the cached token so the next call mints a fresh one.
// Fetchers call this after the remote rejects a token.
func (c *CachedTokenSource) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiry = time.Time{}
	c.mu.Unlock()
}

// Microsoft identity platform endpoint used when no token URL is configured.
const defaultTokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"

var defaultGraphScopes = []string{"offline_access", "Files.Read"}

// OAuth2TokenSource mints access tokens from a refresh token.
type OAuth2TokenSource struct {
	cached *CachedTokenSource
}

// NewOAuth2TokenSource creates a token source that runs the OAuth2
// refresh-token grant against the Graph credentials' token endpoint.
func NewOAuth2TokenSource(creds *GraphCredentials, opts ...CachedOption) (*OAuth2TokenSource, error) {
	if creds == nil || creds.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token required: %w", ErrNoToken)
	}
	if creds.ClientID == "" {
		return nil, errors.New("client id required for refresh token grant")
	}

	tokenURL := creds.TokenURL
	if tokenURL == "" {
		tenant := creds.TenantID
		if tenant == "" {
			tenant = "consumers"
		}
		tokenURL = fmt.Sprintf(defaultTokenURLFormat, tenant)
	}
	scopes := creds.Scopes
	if len(scopes) == 0 {
		scopes = defaultGraphScopes
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       scopes,
	}
	seed := &oauth2.Token{RefreshToken: creds.RefreshToken}

	var mu sync.Mutex
	fetch := func(ctx context.Context) (string, time.Time, error) {
		mu.Lock()
		defer mu.Unlock()

		tok, err := cfg.TokenSource(ctx, seed).Token()
		if err != nil {
			return "", time.Time{}, fmt.Errorf("refreshing access token: %w", err)
		}
		// Rotated refresh tokens replace the seed for the next grant.
		if tok.RefreshToken != "" {
			seed = &oauth2.Token{RefreshToken: tok.RefreshToken}
		}
		return tok.AccessToken, tok.Expiry, nil
	}

	return &OAuth2TokenSource{cached: NewCachedTokenSource(fetch, opts...)}, nil
}

// Token implements TokenSource.
func (o *OAuth2TokenSource) Token(ctx context.Context) (string, error) {
	return o.cached.Token(ctx)
}

// Invalidate drops the cached access token.
func (o *OAuth2TokenSource) Invalidate() {
	o.cached.Invalidate()
}

// Invalidator is implemented by token sources that can drop a rejected token.
type Invalidator interface {
	Invalidate()
}

// TokenSourceFor picks the token source matching the Graph credentials:
// the refresh-token grant when a refresh token is present, otherwise the
// static access token.
func TokenSourceFor(creds *GraphCredentials) (TokenSource, error) {
	if creds == nil {
		return nil, fmt.Errorf("graph credentials missing: %w", ErrNoToken)
	}
	if creds.RefreshToken != "" {
		return NewOAuth2TokenSource(creds)
	}
	token := strings.TrimSpace(creds.AccessToken)
	if token == "" {
		return nil, fmt.Errorf("graph credentials have neither access nor refresh token: %w", ErrNoToken)
	}
	return StaticToken(token), nil
}
