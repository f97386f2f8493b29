// Package telemetry provides metrics and context tagging for the kiosk.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// componentKey is the context key naming the component doing the work.
	componentKey contextKey = "component"
)

// Component names used as metric attributes.
const (
	ComponentSync      = "sync"
	ComponentSlideshow = "slideshow"
	ComponentStatus    = "status"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Endpoint string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
	ctx := context.WithValue(r.Context(), requestTagsKey, tags)
	ctx = WithComponent(ctx, ComponentStatus)
	return r.WithContext(ctx)
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetEndpoint sets the endpoint name for logging and metrics.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// WithComponent returns a context tagged with the component name. Backend and
// transport metrics recorded under this context carry it as an attribute.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// ComponentFromContext returns the component set by WithComponent, or "unknown".
func ComponentFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(componentKey).(string); ok && c != "" {
		return c
	}
	return "unknown"
}
