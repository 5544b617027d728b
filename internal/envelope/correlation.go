package envelope

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const correlationKey contextKey = "correlation_id"

// HeaderCorrelationID is the wire header used on inbound requests and
// propagated to every downstream call.
const HeaderCorrelationID = "X-Correlation-Id"

// NewCorrelationID mints the UUID attached to one inbound request.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelation stores a correlation ID in the context.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationFrom returns the request's correlation ID, minting one if the
// context carries none so downstream rows are never unlabeled.
func CorrelationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok && id != "" {
		return id
	}
	return NewCorrelationID()
}
