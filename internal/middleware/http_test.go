package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"signdesk/internal/models"
	"signdesk/internal/rate"
)

func TestClientIPTrustProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:12345"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.5")

	if got := ClientIP(r, false); got != "10.0.0.5" {
		t.Fatalf("unexpected direct IP: %s", got)
	}
	if got := ClientIP(r, true); got != "1.2.3.4" {
		t.Fatalf("unexpected proxied IP: %s", got)
	}
}

type stubAuth struct{}

func (stubAuth) AuthenticateOwner(_ context.Context, token string) (models.Owner, models.OwnerSession, error) {
	if token != "good" {
		return models.Owner{}, models.OwnerSession{}, errors.New("bad token")
	}
	return models.Owner{ID: "o1", Email: "owner@example.com"}, models.OwnerSession{ID: "s1"}, nil
}

func TestAuthnBearer(t *testing.T) {
	h := Authn(stubAuth{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o, ok := Owner(r.Context())
		if !ok || o.ID != "o1" {
			t.Fatalf("owner missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := map[string]int{
		"":             http.StatusUnauthorized,
		"Bearer wrong": http.StatusUnauthorized,
		"Basic good":   http.StatusUnauthorized,
		"bearer good":  http.StatusNoContent,
	}
	for header, want := range cases {
		r := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		if rr.Code != want {
			t.Fatalf("Authorization %q: expected %d, got %d", header, want, rr.Code)
		}
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimit(rate.NewMemory(), zap.NewNop(), "session", 1, time.Minute, false)(ok)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		r := httptest.NewRequest("POST", "/", nil)
		r.RemoteAddr = "192.0.2.1:1000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		if rr.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i+1, want, rr.Code)
		}
	}

	core, logs := observer.New(zap.WarnLevel)
	open := RateLimit(failingLimiter{}, zap.New(core), "session", 1, time.Minute, false)(ok)
	rr := httptest.NewRecorder()
	open.ServeHTTP(rr, httptest.NewRequest("POST", "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("limiter errors should fail open, got %d", rr.Code)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected one warning, got %d", logs.Len())
	}
}
