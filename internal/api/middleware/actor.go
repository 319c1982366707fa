package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// ActorKey is the context key for the calling user or system.
const ActorKey contextKey = "actor"

// DefaultActor is recorded when a request names no actor.
const DefaultActor = "api"

// Actor extracts the caller identity recorded on approvals, resolutions and
// manual events. It checks the X-Actor-Id header, then the actor query
// parameter.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get("X-Actor-Id"))
		if actor == "" {
			actor = strings.TrimSpace(r.URL.Query().Get("actor"))
		}
		if actor == "" {
			actor = DefaultActor
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// GetActor returns the request actor, or DefaultActor.
func GetActor(ctx context.Context) string {
	if v, ok := ctx.Value(ActorKey).(string); ok && v != "" {
		return v
	}
	return DefaultActor
}
