package logger

import "context"

type contextKey string

const CycleIDKey contextKey = "cycle_id"

// WithCycleID tags a context with the watch-cycle identifier so log
// lines from the reconciler and exporter can be correlated to the
// cycle that produced them.
func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CycleIDKey, id)
}

func GetCycleID(ctx context.Context) string {
	if id, ok := ctx.Value(CycleIDKey).(string); ok {
		return id
	}
	return ""
}
