package client

import (
	"context"

	"pkt.systems/middlewared/internal/correlation"
)

const headerCorrelationID = "X-Correlation-Id"

// WithCorrelationID annotates ctx with a correlation identifier sent with
// side channel requests. Invalid identifiers leave ctx untouched.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return correlation.Set(ctx, id)
}

// CorrelationIDFromContext extracts the correlation identifier carried by ctx.
func CorrelationIDFromContext(ctx context.Context) string {
	return correlation.ID(ctx)
}

// GenerateCorrelationID creates a new random correlation identifier.
func GenerateCorrelationID() string {
	return correlation.Generate()
}
