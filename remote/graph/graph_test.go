package graph

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/photo-kiosk/credentials"
	"github.com/wolfeidau/photo-kiosk/manifest"
	"github.com/wolfeidau/photo-kiosk/remote"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, ts credentials.TokenSource) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if ts == nil {
		ts = credentials.StaticToken("test-token")
	}
	return New(ts, WithBaseURL(srv.URL+"/"))
}

func TestFetchText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/me/drive/root:/selective_sync.list.txt:/content", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("drive: D1 id: I1\na/b.jpg\n"))
	}, nil)

	text, err := c.FetchText(context.Background(), "selective_sync.list.txt")
	require.NoError(t, err)
	require.Equal(t, "drive: D1 id: I1\na/b.jpg\n", text)
}

func TestFetch_ItemRelativePath(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/me/drives/D1/items/I1!42:/Holidays/2024 beach/a b.jpg:/content", r.URL.Path)
		_, _ = w.Write([]byte("jpeg-bytes"))
	}, nil)

	m := &manifest.Manifest{CollectionID: "D1", ItemID: "I1!42"}
	body, err := c.Fetch(context.Background(), m, "Holidays/2024 beach/a b.jpg")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes", string(data))
}

func TestFetch_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}, nil)

	_, err := c.Fetch(context.Background(), &manifest.Manifest{CollectionID: "D", ItemID: "I"}, "gone.jpg")
	require.ErrorIs(t, err, remote.ErrNotFound)
}

func TestFetch_Unauthorized(t *testing.T) {
	var invalidated bool
	ts := &invalidatingToken{onInvalidate: func() { invalidated = true }}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken"}}`))
	}, ts)

	_, err := c.FetchText(context.Background(), "selective_sync.list.txt")
	var authErr *remote.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, "graph", authErr.Source)

	var statusErr *remote.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "InvalidAuthenticationToken")
	require.True(t, invalidated)
}

func TestFetch_TokenFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent without a token")
	}, credentials.StaticToken(""))

	_, err := c.FetchText(context.Background(), "selective_sync.list.txt")
	var authErr *remote.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.ErrorIs(t, err, credentials.ErrNoToken)
}

func TestFetch_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusServiceUnavailable)
	}, nil)

	_, err := c.FetchText(context.Background(), "selective_sync.list.txt")
	var statusErr *remote.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	require.Equal(t, "throttled", statusErr.Body)

	var authErr *remote.AuthenticationError
	require.False(t, errors.As(err, &authErr))
}

func TestFetchText_TooLarge(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, maxTextSize+1))
	}, nil)

	_, err := c.FetchText(context.Background(), "big.txt")
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestEscapePath(t *testing.T) {
	require.Equal(t, "a/b%3Fc/d%23e.jpg", escapePath("/a/b?c/d#e.jpg"))
	require.Equal(t, "dir/file.jpg", escapePath(`dir\file.jpg`))
}

type invalidatingToken struct {
	onInvalidate func()
}

func (i *invalidatingToken) Token(context.Context) (string, error) { return "stale", nil }
func (i *invalidatingToken) Invalidate()                           { i.onInvalidate() }
