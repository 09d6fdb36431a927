package goSession

import (
	"context"

	"github.com/MrEthical07/goSession/session"
)

type sessionContextKey struct{}

// WithSession attaches s to ctx. The HTTP middleware stores the request's locked
// session this way.
func WithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext returns the session attached by WithSession.
func FromContext(ctx context.Context) (*session.Session, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	return s, ok && s != nil
}
