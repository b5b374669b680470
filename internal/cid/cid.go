// Package cid carries request correlation ids through contexts and headers.
package cid

import (
	"context"

	"github.com/segmentio/ksuid"
)

type ContextKey struct{}

// HeaderName propagates the correlation id. Incoming values are preserved.
const HeaderName = "X-JS-CID"

// AttributeName is the span attribute key for the correlation id.
const AttributeName = "js.cid"

func New() string { return ksuid.New().String() }

func WithCID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, ContextKey{}, cid)
}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ContextKey{}).(string); ok {
		return v
	}
	return ""
}

// AddHeader sets HeaderName on headers when ctx carries a correlation id.
func AddHeader(headers map[string][]string, ctx context.Context) {
	if headers == nil {
		return
	}
	if id := FromContext(ctx); id != "" {
		headers[HeaderName] = []string{id}
	}
}
