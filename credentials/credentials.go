// Package credentials resolves the secrets the kiosk needs and supplies
// bearer tokens to remote fetchers.
//
// Secrets are kept out of the main config file. The credentials file is a
// text/template that renders to JSON; templates pull values from the
// environment, from files, or from registered secret providers:
//
//	{
//	  "graph": {
//	    "refresh_token": {{ op "op://kiosk/onedrive/refresh" | json }},
//	    "client_id": {{ env "KIOSK_CLIENT_ID" | json }}
//	  }
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

// templateLimit caps both the template source and its rendered output.
const templateLimit = 1 << 20

// Credentials holds all resolved credential values.
type Credentials struct {
	// AuthToken protects the status server. Empty disables auth.
	AuthToken string            `json:"auth_token,omitempty"`
	Graph     *GraphCredentials `json:"graph,omitempty"`
	S3        *S3Credentials    `json:"s3,omitempty"`
}

// Validate rejects credential sets that can never authenticate.
func (c *Credentials) Validate() error {
	var errs []error
	if g := c.Graph; g != nil && g.RefreshToken != "" && g.ClientID == "" {
		errs = append(errs, errors.New("graph: refresh_token requires client_id"))
	}
	if s := c.S3; s != nil && (s.AccessKeyID == "") != (s.SecretAccessKey == "") {
		errs = append(errs, errors.New("s3: access_key_id and secret_access_key must be set together"))
	}
	return errors.Join(errs...)
}

// GraphCredentials holds access to the Microsoft Graph drive.
//
// Either AccessToken is set (used as-is until it is rejected), or RefreshToken
// plus ClientID are set and access tokens are minted via the OAuth2
// refresh-token grant.
type GraphCredentials struct {
	AccessToken  string   `json:"access_token,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TenantID     string   `json:"tenant_id,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// S3Credentials holds a static key pair for an S3-compatible store.
type S3Credentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

// SecretProvider looks up the secret named by ref.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and decodes the result.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as the function name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver returns a Resolver with the built-in template functions and
// any providers given in opts.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: map[string]SecretProvider{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the credentials template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("credentials resolved", "path", path,
		"graph", creds.Graph != nil, "s3", creds.S3 != nil)
	return creds, nil
}

// ResolveReader renders the credentials template read from src.
func (r *Resolver) ResolveReader(ctx context.Context, src io.Reader) (*Credentials, error) {
	text, err := readCapped(src, templateLimit)
	if err != nil {
		return nil, err
	}

	rendered, err := r.render(ctx, text)
	if err != nil {
		return nil, err
	}

	creds := new(Credentials)
	if err := json.Unmarshal(rendered, creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return creds, nil
}

func (r *Resolver) render(ctx context.Context, text string) ([]byte, error) {
	funcs := template.FuncMap{
		"env":        lookupEnv,
		"envDefault": envDefault,
		"file":       readSecretFile,
		"json":       quoteJSON,
	}
	memo := &providerMemo{ctx: ctx, values: map[string]string{}}
	for name, p := range r.providers {
		funcs[name] = memo.wrap(name, p)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(funcs).
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if out.Len() > templateLimit {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", templateLimit)
	}
	return out.Bytes(), nil
}

func readCapped(src io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return "", fmt.Errorf("reading credentials template: %w", err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("credentials template exceeds maximum size of %d bytes", limit)
	}
	return string(data), nil
}

// providerMemo calls each provider at most once per ref within a single
// render, so a secret referenced twice costs one lookup.
type providerMemo struct {
	ctx    context.Context
	values map[string]string
}

func (m *providerMemo) wrap(name string, p SecretProvider) func(string) (string, error) {
	return func(ref string) (string, error) {
		key := name + "\x00" + ref
		if v, ok := m.values[key]; ok {
			return v, nil
		}
		v, err := p(m.ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}
		m.values[key] = v
		return v, nil
	}
}

func lookupEnv(key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	return "", fmt.Errorf("environment variable %q is not set", key)
}

func envDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// quoteJSON renders v as a JSON string literal, quotes included.
func quoteJSON(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
