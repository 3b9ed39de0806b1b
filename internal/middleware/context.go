package middleware

import (
	"context"
	"net/http"

	"signdesk/internal/models"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxOwner     ctxKey = "owner"
	ctxSession   ctxKey = "owner_session"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

func WithOwner(ctx context.Context, o models.Owner) context.Context {
	return context.WithValue(ctx, ctxOwner, o)
}

func Owner(ctx context.Context) (models.Owner, bool) {
	o, ok := ctx.Value(ctxOwner).(models.Owner)
	return o, ok
}

func WithSession(ctx context.Context, s models.OwnerSession) context.Context {
	return context.WithValue(ctx, ctxSession, s)
}

func Session(ctx context.Context) (models.OwnerSession, bool) {
	s, ok := ctx.Value(ctxSession).(models.OwnerSession)
	return s, ok
}

// SecurityHeaders sets headers for a JSON-only API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
