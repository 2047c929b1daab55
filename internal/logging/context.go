package logging

import (
	"context"

	"go.uber.org/zap"
)

type cycleKey struct{}

// WithCycleID tags ctx with a reconciliation cycle id
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// CycleID returns the cycle id carried by ctx, if any
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey{}).(string)
	return id
}

// FromContext returns the global logger, with a cycle_id field when ctx carries one
func FromContext(ctx context.Context) *zap.Logger {
	if id := CycleID(ctx); id != "" {
		return Logger().With(zap.String("cycle_id", id))
	}
	return Logger()
}
