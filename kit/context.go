package kit

import "context"

type contextKey string

const (
	// AskIDKey correlates every probe, event and dump belonging to one ask.
	AskIDKey contextKey = "kit_ask_id"
	// TransportKey records which surface invoked the endpoint:
	// "cli", "mcp" or "http".
	TransportKey contextKey = "kit_transport"
	// RequestIDKey carries the caller-supplied request identifier, when the
	// transport provides one.
	RequestIDKey contextKey = "kit_request_id"
)

func WithAskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AskIDKey, id)
}

func GetAskID(ctx context.Context) string {
	v, _ := ctx.Value(AskIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport returns the invoking transport, defaulting to "cli".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "cli"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}
