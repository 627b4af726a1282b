package common

import "context"

// sessionContextKey stores the X-Session-Id header value on the request
// context, used by handlers and the orchestration facade instead of passing
// it down every call signature. Sessions are opaque client-supplied
// identifiers (no user/tenant resolution lives here).
type sessionContextKey struct{}

// WithSessionID stores a session ID in the request context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sessionID)
}

// SessionIDFromContext retrieves the session ID from context, or "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(sessionContextKey{}).(string)
	return sid
}
