// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
)

// Route names used to group HTTP metrics.
const (
	RouteIngest   = "ingest"
	RouteQuery    = "query"
	RouteStatus   = "status"
	RouteInternal = "internal"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Route     string
	Kind      string
	QueryType string
	Items     int
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetRoute sets the route tag for metrics and logging.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// SetKind sets the event kind for ingest requests.
func SetKind(r *http.Request, kind string) {
	if tags := GetTags(r); tags != nil {
		tags.Kind = kind
	}
}

// SetQueryType sets the command type for query requests.
func SetQueryType(r *http.Request, queryType string) {
	if tags := GetTags(r); tags != nil {
		tags.QueryType = queryType
	}
}

// SetItems records how many items an ingest request carried.
func SetItems(r *http.Request, n int) {
	if tags := GetTags(r); tags != nil {
		tags.Items = n
	}
}
