package logging

import "context"

type requestIDKey struct{}

// WithRequestID tags ctx so that link and wire logs for one tune share
// the request ID recorded in history.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID carried by ctx, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromContext returns the global logger with ctx's request ID attached.
func FromContext(ctx context.Context) *FieldLogger {
	fl := GetGlobalLogger().WithFields(nil)
	if id := RequestID(ctx); id != "" {
		fl = fl.With(Fields{"request_id": id})
	}
	return fl
}
