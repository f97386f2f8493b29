package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsEndpointEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Empty(t, tags.Endpoint)
}

func TestInjectTags_SetsStatusComponent(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, ComponentStatus, ComponentFromContext(r.Context()))
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "status")
	require.Equal(t, "status", GetTags(r).Endpoint)
}

func TestSetEndpoint_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetEndpoint(r, "status") // should not panic
}

func TestComponentFromContext(t *testing.T) {
	require.Equal(t, "unknown", ComponentFromContext(context.Background()))
	require.Equal(t, ComponentSync, ComponentFromContext(WithComponent(context.Background(), ComponentSync)))
	require.Equal(t, "unknown", ComponentFromContext(WithComponent(context.Background(), "")))
}
