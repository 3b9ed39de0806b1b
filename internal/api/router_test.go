package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signdesk/internal/config"
	"signdesk/internal/db"
	"signdesk/internal/service"
	"signdesk/internal/store"
	"signdesk/internal/util"
	"signdesk/internal/webhook"
)

const (
	ownerEmail    = "owner@example.com"
	ownerPassword = "SecretPass123!"
)

func newTestRouter(t *testing.T, probes ...Probe) (http.Handler, *service.Service) {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), 1, 1, time.Minute)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqdb.Close() })
	if err := db.ApplyMigrations(sqdb); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	cfg := config.Config{
		ListenAddr:            ":8080",
		PublicBaseURL:         "https://sign.example.com",
		OwnerSessionHours:     1,
		SigningSessionMinutes: 30,
		DataEncryptKey:        "this_is_a_valid_long_data_encrypt_key_123456",
		PasswordMinLength:     12,
	}
	st := store.New(sqdb)
	dispatcher := webhook.NewDispatcher(nil, webhook.DefaultRetryPolicy(), st, nil)
	svc := service.New(cfg, st, nil, dispatcher, nil)
	t.Cleanup(svc.Wait)
	if _, err := svc.CreateOwner(context.Background(), ownerEmail, ownerPassword); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	return NewRouter(cfg, svc, Deps{Probes: probes}), svc
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func login(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/login", "", map[string]string{"email": ownerEmail, "password": ownerPassword})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status=%d body=%s", rec.Code, rec.Body.String())
	}
	out := decode[map[string]any](t, rec)
	token, _ := out["token"].(string)
	if token == "" {
		t.Fatalf("login returned no token: %s", rec.Body.String())
	}
	return token
}

// createRequest creates a document and a request with one required
// signature field per signer.
func createRequest(t *testing.T, h http.Handler, token string, sequential bool, emails ...string) service.CreateRequestResult {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/documents", token, map[string]string{"title": "Lease", "content": "Terms of the lease."})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create document status=%d body=%s", rec.Code, rec.Body.String())
	}
	doc := decode[map[string]any](t, rec)

	in := service.CreateRequestInput{DocumentID: doc["id"].(string), Title: "Sign the lease", SigningOrderEnabled: sequential}
	for _, e := range emails {
		in.Recipients = append(in.Recipients, service.RecipientInput{Email: e})
		in.Fields = append(in.Fields, service.FieldInput{Type: "signature", Page: 1, Width: 120, Height: 40, Label: "Signature", RecipientEmail: e})
	}
	rec = do(t, h, http.MethodPost, "/api/v1/requests", token, in)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create request status=%d body=%s", rec.Code, rec.Body.String())
	}
	return decode[service.CreateRequestResult](t, rec)
}

type sessionResponse struct {
	SessionToken string `json:"session_token"`
	Fields       []struct {
		ID string `json:"id"`
	} `json:"fields"`
}

func TestSequentialSigningOverHTTP(t *testing.T) {
	h, _ := newTestRouter(t)
	token := login(t, h)
	created := createRequest(t, h, token, true, "first@example.com", "second@example.com")
	first, second := created.Recipients[0].AccessToken, created.Recipients[1].AccessToken

	rec := do(t, h, http.MethodPost, "/api/v1/signing/session", "", map[string]string{"access_token": second})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rec.Code, rec.Body.String())
	}
	blocked := decode[signingErrorBody](t, rec)
	if !blocked.SequentialSigningBlocked || blocked.YourOrder != 2 || blocked.Code != "sequential_signing_blocked" {
		t.Fatalf("unexpected blocked body: %+v", blocked)
	}
	if blocked.RequestID == "" {
		t.Fatalf("expected request_id on signing error")
	}

	rec = do(t, h, http.MethodPost, "/api/v1/signing/session", "", map[string]string{"access_token": first})
	if rec.Code != http.StatusOK {
		t.Fatalf("session status=%d body=%s", rec.Code, rec.Body.String())
	}
	sess := decode[sessionResponse](t, rec)
	if len(sess.Fields) != 1 || sess.SessionToken == "" {
		t.Fatalf("unexpected session: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/signing/submit", "", map[string]any{
		"access_token":  first,
		"session_token": sess.SessionToken,
		"field_values":  map[string]string{},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rec.Code, rec.Body.String())
	}
	missing := decode[signingErrorBody](t, rec)
	if len(missing.MissingFields) != 1 || missing.MissingFields[0] != "Signature" {
		t.Fatalf("unexpected missing fields: %+v", missing)
	}

	submit := map[string]any{
		"access_token":  first,
		"session_token": sess.SessionToken,
		"field_values":  map[string]string{sess.Fields[0].ID: "First Signer"},
	}
	rec = do(t, h, http.MethodPost, "/api/v1/signing/submit", "", submit)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status=%d body=%s", rec.Code, rec.Body.String())
	}
	result := decode[map[string]bool](t, rec)
	if !result["success"] || result["all_signed"] {
		t.Fatalf("unexpected submit result: %v", result)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/signing/submit", "", submit)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on resubmit, got %d", rec.Code)
	}
	if again := decode[signingErrorBody](t, rec); !again.AlreadySigned {
		t.Fatalf("expected already_signed flag: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/signing/session", "", map[string]string{"access_token": second})
	if rec.Code != http.StatusOK {
		t.Fatalf("second signer should be unblocked, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestSigningRejectsMalformedInput(t *testing.T) {
	h, _ := newTestRouter(t)
	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"invalid json", `{"access_token":`, http.StatusBadRequest, "invalid_input"},
		{"unknown field", `{"access_token":"abc","extra":1}`, http.StatusBadRequest, "invalid_input"},
		{"bad token chars", map[string]string{"access_token": "not a token"}, http.StatusBadRequest, "invalid_input"},
		{"unknown token", map[string]string{"access_token": "unknown-token"}, http.StatusNotFound, "invalid_token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/signing/session", "", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rec.Code, rec.Body.String())
			}
			if body := decode[signingErrorBody](t, rec); body.Code != tc.code || body.Error == "" {
				t.Fatalf("unexpected body: %s", rec.Body.String())
			}
		})
	}
}

func TestCertificateEndpoint(t *testing.T) {
	h, _ := newTestRouter(t)
	token := login(t, h)
	created := createRequest(t, h, token, false, "solo@example.com")
	path := "/api/v1/requests/" + created.RequestID + "/certificate"

	rec := do(t, h, http.MethodGet, path, token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before completion, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["code"] != "not_completed" {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	access := created.Recipients[0].AccessToken
	rec = do(t, h, http.MethodPost, "/api/v1/signing/session", "", map[string]string{"access_token": access})
	sess := decode[sessionResponse](t, rec)
	rec = do(t, h, http.MethodPost, "/api/v1/signing/submit", "", map[string]any{
		"access_token":  access,
		"session_token": sess.SessionToken,
		"field_values":  map[string]string{sess.Fields[0].ID: "Solo"},
	})
	if result := decode[map[string]bool](t, rec); !result["all_signed"] {
		t.Fatalf("expected all_signed: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, path, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("certificate status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "solo@example.com") {
		t.Fatalf("certificate missing signer: %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/requests/"+created.RequestID, token, nil)
	detail := decode[service.RequestDetail](t, rec)
	if detail.Request.Status != "completed" || len(detail.FieldValues) != 1 {
		t.Fatalf("unexpected detail: %s", rec.Body.String())
	}
}

func TestTriggerWithoutWebhookIsNoop(t *testing.T) {
	h, _ := newTestRouter(t)
	token := login(t, h)
	created := createRequest(t, h, token, false, "a@example.com")

	rec := do(t, h, http.MethodPost, "/api/v1/requests/"+created.RequestID+"/webhooks/trigger", token, map[string]any{"event": "completed", "data": map[string]string{"k": "v"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger status=%d body=%s", rec.Code, rec.Body.String())
	}
	res := decode[webhook.Result](t, rec)
	if res.Dispatched || res.Message != webhook.MessageNotConfigured {
		t.Fatalf("unexpected trigger result: %+v", res)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/requests/"+created.RequestID+"/webhooks/trigger", token, map[string]any{"event": "archived"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown event, got %d", rec.Code)
	}
}

func TestOwnerEndpointsRequireBearer(t *testing.T) {
	h, _ := newTestRouter(t)
	for _, path := range []string{"/api/v1/me", "/api/v1/requests", "/api/v1/requests/x/certificate"} {
		rec := do(t, h, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}

	token := login(t, h)
	rec := do(t, h, http.MethodGet, "/api/v1/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status=%d", rec.Code)
	}
	me := decode[map[string]any](t, rec)
	if me["email"] != ownerEmail {
		t.Fatalf("unexpected me body: %v", me)
	}
	expires, _ := me["session_expires_at"].(string)
	if ts, err := time.Parse(time.RFC3339, expires); err != nil || !ts.After(time.Now()) {
		t.Fatalf("expected future session_expires_at, got %q", expires)
	}
	rec = do(t, h, http.MethodPost, "/api/v1/logout", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status=%d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/me", token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/login", "", map[string]string{"email": ownerEmail, "password": "wrong-password"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rec.Code)
	}
}

func TestCreateRequestValidationError(t *testing.T) {
	h, _ := newTestRouter(t)
	token := login(t, h)
	rec := do(t, h, http.MethodPost, "/api/v1/requests", token, service.CreateRequestInput{DocumentID: "missing"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
	if body := decode[map[string]string](t, rec); body["code"] != "invalid_request" {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestHealthReady(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := do(t, h, http.MethodGet, "/health/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status=%d body=%s", rec.Code, rec.Body.String())
	}

	h, _ = newTestRouter(t, Probe{Name: "smtp", Check: func(context.Context) error { return errors.New("connection refused") }})
	rec = do(t, h, http.MethodGet, "/health/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected ready body: %s", rec.Body.String())
	}
	if rid := rec.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("missing X-Request-ID header")
	}
}

func TestOversizedBodiesRejected(t *testing.T) {
	h, _ := newTestRouter(t)

	huge := `{"access_token":"` + strings.Repeat("a", int(util.MaxJSONBytes)) + `"}`
	for _, path := range []string{"/api/v1/signing/session", "/api/v1/signing/submit"} {
		rec := do(t, h, http.MethodPost, path, "", huge)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("%s: expected 413, got %d body=%s", path, rec.Code, rec.Body.String())
		}
		body := decode[signingErrorBody](t, rec)
		if body.Code != string(service.KindInvalidInput) {
			t.Fatalf("%s: unexpected body: %+v", path, body)
		}
	}

	token := login(t, h)
	doc := `{"title":"Huge","content":"` + strings.Repeat("x", int(util.MaxDocumentBytes)) + `"}`
	rec := do(t, h, http.MethodPost, "/api/v1/documents", token, doc)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[util.APIError](t, rec); got.Code != "payload_too_large" {
		t.Fatalf("unexpected error body: %+v", got)
	}
}
