// Package s3source reads the manifest and selected files from an
// S3-compatible object store.
package s3source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/wolfeidau/photo-kiosk/credentials"
	"github.com/wolfeidau/photo-kiosk/manifest"
	"github.com/wolfeidau/photo-kiosk/remote"
	"github.com/wolfeidau/photo-kiosk/telemetry"
)

const (
	// maxTextSize bounds a fetched text document (1MB).
	maxTextSize = 1 << 20

	sourceName = "s3"
)

// Config locates the manifest and files in the object store.
type Config struct {
	// Endpoint overrides the AWS endpoint, e.g. for MinIO. Empty uses AWS.
	Endpoint string
	Region   string
	// Bucket holds the manifest document.
	Bucket string
	// PathStyle forces path-style addressing.
	PathStyle bool
}

// ObjectGetter is the subset of the S3 client used by Client.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client implements remote.Fetcher against S3.
//
// The manifest is read from the configured bucket. Files live in the bucket
// named by the manifest's collection id, under keys "{itemId}/{path}".
type Client struct {
	api    ObjectGetter
	bucket string
	logger *slog.Logger
}

var _ remote.Fetcher = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client from an existing S3 API implementation.
func New(api ObjectGetter, bucket string, opts ...Option) *Client {
	c := &Client{
		api:    api,
		bucket: bucket,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "s3source")
	return c
}

// NewFromConfig builds an S3 client from cfg. When creds is nil the default
// AWS credential chain is used.
func NewFromConfig(ctx context.Context, cfg Config, creds *credentials.S3Credentials, opts ...Option) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	// LoadDefaultConfig can only apply AWS_CA_BUNDLE to a buildable client.
	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(awshttp.NewBuildableClient()),
	}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if creds != nil {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.HTTPClient = instrumentHTTPClient(o.HTTPClient)
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle || cfg.Endpoint != ""
	})

	return New(api, cfg.Bucket, opts...), nil
}

// instrumentHTTPClient routes the SDK's configured transport through the
// remote fetch metrics. Clients that are not buildable are left unchanged.
func instrumentHTTPClient(c aws.HTTPClient) aws.HTTPClient {
	bc, ok := c.(*awshttp.BuildableClient)
	if !ok {
		return c
	}
	return &http.Client{
		Transport: telemetry.NewInstrumentedTransport(bc.GetTransport(), sourceName),
		Timeout:   bc.GetTimeout(),
	}
}

// FetchText reads a text object from the manifest bucket.
func (c *Client) FetchText(ctx context.Context, p string) (string, error) {
	body, err := c.get(ctx, c.bucket, cleanKey(p))
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

// Fetch streams a file object for a manifest path.
func (c *Client) Fetch(ctx context.Context, m *manifest.Manifest, p string) (io.ReadCloser, error) {
	if m == nil {
		return nil, errors.New("manifest required")
	}
	key := path.Join(cleanKey(m.ItemID), cleanKey(p))

	body, err := c.get(ctx, m.CollectionID, key)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", p, err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err)
	}
	return out.Body, nil
}

// classify maps S3 API errors onto the remote error taxonomy.
func classify(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return remote.ErrNotFound
	}
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return remote.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound":
			return remote.ErrNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return &remote.AuthenticationError{Source: sourceName, Err: err}
		}
	}
	return err
}

func cleanKey(p string) string {
	return strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/")
}
