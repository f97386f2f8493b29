package s3source

import (
	"context"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/photo-kiosk/credentials"
	"github.com/wolfeidau/photo-kiosk/manifest"
	"github.com/wolfeidau/photo-kiosk/remote"
	"github.com/wolfeidau/photo-kiosk/telemetry"
)

// fakeS3 serves objects from a bucket/key map.
type fakeS3 struct {
	objects map[string]string
	err     error
	calls   []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	ref := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.calls = append(f.calls, ref)
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[ref]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
	}, nil
}

func TestFetchText(t *testing.T) {
	api := &fakeS3{objects: map[string]string{
		"kiosk-config/selective_sync.list.txt": "drive: photos id: family\nbeach.jpg\n",
	}}
	c := New(api, "kiosk-config")

	text, err := c.FetchText(context.Background(), "/selective_sync.list.txt")
	require.NoError(t, err)
	require.Equal(t, "drive: photos id: family\nbeach.jpg\n", text)
	require.Equal(t, []string{"kiosk-config/selective_sync.list.txt"}, api.calls)
}

func TestFetch_KeyLayout(t *testing.T) {
	api := &fakeS3{objects: map[string]string{
		"photos/family/2024/beach.jpg": "jpeg",
	}}
	c := New(api, "kiosk-config")

	m := &manifest.Manifest{CollectionID: "photos", ItemID: "family"}
	body, err := c.Fetch(context.Background(), m, "2024/beach.jpg")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "jpeg", string(data))
}

func TestFetch_NotFound(t *testing.T) {
	c := New(&fakeS3{}, "kiosk-config")

	_, err := c.Fetch(context.Background(), &manifest.Manifest{CollectionID: "b", ItemID: "i"}, "missing.jpg")
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestClassify(t *testing.T) {
	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}
	err := classify(denied)
	var authErr *remote.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "s3", authErr.Source)

	require.ErrorIs(t, classify(&types.NoSuchBucket{}), remote.ErrNotFound)
	require.ErrorIs(t, classify(&smithy.GenericAPIError{Code: "NotFound"}), remote.ErrNotFound)

	other := errors.New("connection reset")
	require.Equal(t, other, classify(other))
}

func TestFetch_AuthenticationFailure(t *testing.T) {
	c := New(&fakeS3{err: &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}}, "kiosk-config")

	_, err := c.FetchText(context.Background(), "selective_sync.list.txt")
	var authErr *remote.AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestNewFromConfig_RequiresBucket(t *testing.T) {
	_, err := NewFromConfig(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestNewFromConfig_CABundle(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/photos/selective_sync.list.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("drive: D1 id: I1\nbeach.jpg\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	bundle := filepath.Join(dir, "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(bundle, block, 0o600))

	t.Setenv("AWS_CA_BUNDLE", bundle)
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))

	c, err := NewFromConfig(context.Background(),
		Config{Endpoint: srv.URL, Region: "us-east-1", Bucket: "photos"},
		&credentials.S3Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"},
	)
	require.NoError(t, err)

	api, ok := c.api.(*s3.Client)
	require.True(t, ok)
	hc, ok := api.Options().HTTPClient.(*http.Client)
	require.True(t, ok)
	require.IsType(t, &telemetry.InstrumentedTransport{}, hc.Transport)

	// The request only succeeds if the bundle's root is trusted.
	text, err := c.FetchText(context.Background(), "selective_sync.list.txt")
	require.NoError(t, err)
	require.Equal(t, "drive: D1 id: I1\nbeach.jpg\n", text)
}
