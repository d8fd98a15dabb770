package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// correlationKey is an unexported type for context keys within this package.
type correlationKey struct{}

// ExtractID fetches a correlation ID from the context if present.
func ExtractID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithID sets the correlation ID onto the context.
func ContextWithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureID guarantees a correlation ID on the context, generating one when missing.
func EnsureID(ctx context.Context) (context.Context, string) {
	cid := ExtractID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithID(ctx, cid), cid
}

// NewTag builds a workflow-scoped correlation tag such as "manual-01J...".
func NewTag(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}
