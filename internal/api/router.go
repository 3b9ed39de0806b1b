package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"signdesk/internal/config"
	"signdesk/internal/middleware"
	"signdesk/internal/rate"
	"signdesk/internal/service"
	"signdesk/internal/util"
	"signdesk/internal/version"
	"signdesk/internal/webhook"
)

// Probe is an extra readiness check reported under its name.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type Deps struct {
	Limiter rate.Limiter
	Log     *zap.Logger
	Probes  []Probe
}

type Handlers struct {
	cfg     config.Config
	svc     *service.Service
	limiter rate.Limiter
	log     *zap.Logger
	probes  []Probe
}

func NewRouter(cfg config.Config, svc *service.Service, deps Deps) http.Handler {
	h := &Handlers{
		cfg:     cfg,
		svc:     svc,
		limiter: deps.Limiter,
		log:     deps.Log,
		probes:  deps.Probes,
	}
	if h.limiter == nil {
		h.limiter = rate.NewMemory()
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.RequestLogger(h.log, cfg.TrustProxy))
	r.Use(middleware.SecurityHeaders)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		util.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", h.Ready)

	limit := func(route string, n int) func(http.Handler) http.Handler {
		return middleware.RateLimit(h.limiter, h.log, route, n, time.Minute, cfg.TrustProxy)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", h.Version)
		r.With(limit("login", 20)).Post("/login", h.Login)
		r.Post("/logout", h.Logout)

		r.Route("/signing", func(r chi.Router) {
			r.Use(limit("signing", 60))
			r.Post("/session", h.SigningSession)
			r.Post("/submit", h.SigningSubmit)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authn(h.svc))
			r.Get("/me", h.Me)
			r.Post("/documents", h.CreateDocument)
			r.Get("/documents/{id}", h.GetDocument)
			r.With(limit("create_request", 30)).Post("/requests", h.CreateRequest)
			r.Get("/requests", h.ListRequests)
			r.Get("/requests/{id}", h.GetRequest)
			r.Get("/requests/{id}/audit", h.ListAudit)
			r.Get("/requests/{id}/webhook-deliveries", h.ListWebhookDeliveries)
			r.Post("/requests/{id}/webhooks/trigger", h.TriggerWebhook)
			r.Get("/requests/{id}/certificate", h.Certificate)
		})
	})

	return r
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ready := map[string]any{
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	}
	comps := map[string]any{}
	ok := true
	if err := h.svc.Ping(r.Context()); err != nil {
		ok = false
		comps["db"] = map[string]any{"ok": false, "error": err.Error()}
	} else {
		comps["db"] = map[string]any{"ok": true}
	}
	for _, p := range h.probes {
		if err := p.Check(r.Context()); err != nil {
			ok = false
			comps[p.Name] = map[string]any{"ok": false, "error": err.Error()}
			continue
		}
		comps[p.Name] = map[string]any{"ok": true}
	}
	ready["components"] = comps
	if ok {
		ready["status"] = "ready"
		util.WriteJSON(w, 200, ready)
		return
	}
	ready["status"] = "degraded"
	util.WriteJSON(w, 503, ready)
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	util.WriteJSON(w, 200, version.Current())
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := util.DecodeJSON(w, r, &req, util.MaxJSONBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	ip := middleware.ClientIP(r, h.cfg.TrustProxy)
	token, owner, err := h.svc.Login(r.Context(), req.Email, req.Password, ip, r.UserAgent())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{
		"token":      token,
		"owner_id":   owner.ID,
		"email":      owner.Email,
		"expires_in": int(h.cfg.OwnerSessionDuration().Seconds()),
	})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.BearerToken(r); token != "" {
		if err := h.svc.Logout(r.Context(), token); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	util.WriteJSON(w, 200, map[string]string{"status": "ok"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	out := map[string]any{"id": o.ID, "email": o.Email, "created_at": o.CreatedAt, "last_login_at": o.LastLoginAt}
	if sess, ok := middleware.Session(r.Context()); ok {
		out["session_expires_at"] = sess.ExpiresAt
	}
	util.WriteJSON(w, 200, out)
}

func (h *Handlers) CreateDocument(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	var req struct {
		Title       string `json:"title"`
		ContentType string `json:"content_type"`
		Content     string `json:"content"`
	}
	if err := util.DecodeJSON(w, r, &req, util.MaxDocumentBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	doc, err := h.svc.CreateDocument(r.Context(), o.ID, req.Title, req.ContentType, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	doc.Content = ""
	util.WriteJSON(w, 201, doc)
}

func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	doc, err := h.svc.GetDocument(r.Context(), o.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, doc)
}

func (h *Handlers) CreateRequest(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	var req service.CreateRequestInput
	if err := util.DecodeJSON(w, r, &req, util.MaxJSONBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	out, err := h.svc.CreateRequest(r.Context(), o.ID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, 201, out)
}

func (h *Handlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	limit, offset := parsePagination(r)
	items, err := h.svc.ListRequests(r.Context(), o.ID, r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	detail, err := h.svc.GetRequest(r.Context(), o.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, detail)
}

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	limit, offset := parsePagination(r)
	items, err := h.svc.ListAudit(r.Context(), o.ID, chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": items})
}

func (h *Handlers) ListWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	items, err := h.svc.ListWebhookDeliveries(r.Context(), o.ID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, map[string]any{"items": items})
}

func (h *Handlers) TriggerWebhook(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	var req struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := util.DecodeJSON(w, r, &req, util.MaxJSONBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	res, err := h.svc.TriggerWebhook(r.Context(), o.ID, chi.URLParam(r, "id"), req.Event, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, res)
}

func (h *Handlers) Certificate(w http.ResponseWriter, r *http.Request) {
	o, _ := middleware.Owner(r.Context())
	id := chi.URLParam(r, "id")
	out, err := h.svc.Certificate(r.Context(), o.ID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="certificate-`+id+`.txt"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (h *Handlers) SigningSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessToken string `json:"access_token"`
	}
	if err := util.DecodeJSON(w, r, &req, util.MaxJSONBytes); err != nil {
		h.writeSigningDecodeError(w, r, err)
		return
	}
	out, err := h.svc.IssueSession(r.Context(), req.AccessToken, h.client(r))
	if err != nil {
		h.writeSigningError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, out)
}

func (h *Handlers) SigningSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessToken  string            `json:"access_token"`
		SessionToken string            `json:"session_token"`
		FieldValues  map[string]string `json:"field_values"`
	}
	if err := util.DecodeJSON(w, r, &req, util.MaxJSONBytes); err != nil {
		h.writeSigningDecodeError(w, r, err)
		return
	}
	out, err := h.svc.SubmitFields(r.Context(), service.SubmitInput{
		AccessToken:  req.AccessToken,
		SessionToken: req.SessionToken,
		FieldValues:  req.FieldValues,
	}, h.client(r))
	if err != nil {
		h.writeSigningError(w, r, err)
		return
	}
	util.WriteJSON(w, 200, out)
}

func (h *Handlers) client(r *http.Request) service.Client {
	return service.Client{IP: middleware.ClientIP(r, h.cfg.TrustProxy), UserAgent: r.UserAgent()}
}

// signingErrorBody is the response of a rejected token-gated call. Clients
// branch on the boolean flags.
type signingErrorBody struct {
	Error                    string   `json:"error"`
	Code                     string   `json:"code"`
	RequestID                string   `json:"request_id,omitempty"`
	AlreadySigned            bool     `json:"already_signed,omitempty"`
	Expired                  bool     `json:"expired,omitempty"`
	SequentialSigningBlocked bool     `json:"sequential_signing_blocked,omitempty"`
	YourOrder                int      `json:"your_order,omitempty"`
	MissingFields            []string `json:"missing_fields,omitempty"`
	InvalidFields            []string `json:"invalid_fields,omitempty"`
}

var signingStatus = map[service.SigningKind]int{
	service.KindInvalidInput:      http.StatusBadRequest,
	service.KindInvalidToken:      http.StatusNotFound,
	service.KindAlreadySigned:     http.StatusConflict,
	service.KindExpired:           http.StatusGone,
	service.KindSequentialBlocked: http.StatusForbidden,
	service.KindMissingFields:     http.StatusUnprocessableEntity,
	service.KindInvalidSession:    http.StatusUnauthorized,
	service.KindInvalidFields:     http.StatusUnprocessableEntity,
}

func (h *Handlers) writeSigningError(w http.ResponseWriter, r *http.Request, err error) {
	var se *service.SigningError
	if !errors.As(err, &se) {
		h.writeError(w, r, err)
		return
	}
	status, ok := signingStatus[se.Kind]
	if !ok {
		status = http.StatusBadRequest
	}
	writeSigningBody(w, r, status, se)
}

// writeSigningDecodeError keeps the signing error shape for unreadable bodies.
func (h *Handlers) writeSigningDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if util.BodyTooLarge(err) {
		writeSigningBody(w, r, http.StatusRequestEntityTooLarge, &service.SigningError{Kind: service.KindInvalidInput, Message: "request body too large"})
		return
	}
	writeSigningBody(w, r, http.StatusBadRequest, &service.SigningError{Kind: service.KindInvalidInput, Message: "invalid json"})
}

func writeSigningBody(w http.ResponseWriter, r *http.Request, status int, se *service.SigningError) {
	util.WriteJSON(w, status, signingErrorBody{
		Error:                    se.Message,
		Code:                     string(se.Kind),
		RequestID:                middleware.RequestID(r.Context()),
		AlreadySigned:            se.Kind == service.KindAlreadySigned,
		Expired:                  se.Expired,
		SequentialSigningBlocked: se.Kind == service.KindSequentialBlocked,
		YourOrder:                se.YourOrder,
		MissingFields:            se.MissingFields,
		InvalidFields:            se.InvalidFields,
	})
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	if util.BodyTooLarge(err) {
		util.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large", rid)
		return
	}
	util.WriteError(w, 400, "bad_request", "invalid json", rid)
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rid := middleware.RequestID(r.Context())
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		util.WriteError(w, 400, "invalid_request", ve.Error(), rid)
	case errors.Is(err, service.ErrInvalidCredentials):
		util.WriteError(w, 401, "invalid_credentials", err.Error(), rid)
	case errors.Is(err, service.ErrNotFound):
		util.WriteError(w, 404, "not_found", err.Error(), rid)
	case errors.Is(err, service.ErrNotCompleted):
		util.WriteError(w, 409, "not_completed", err.Error(), rid)
	case errors.Is(err, service.ErrEmailTaken):
		util.WriteError(w, 409, "email_taken", err.Error(), rid)
	case errors.Is(err, webhook.ErrDeliveryFailed):
		util.WriteError(w, 502, "webhook_delivery_failed", err.Error(), rid)
	default:
		h.log.Error("request failed", zap.String("request_id", rid), zap.String("path", r.URL.Path), zap.Error(err))
		util.WriteError(w, 500, "internal_error", "internal error", rid)
	}
}

func parsePagination(r *http.Request) (int, int) {
	limit := 20
	offset := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
