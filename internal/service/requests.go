package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signdesk/internal/auth"
	"signdesk/internal/models"
	"signdesk/internal/notify"
	"signdesk/internal/store"
	"signdesk/internal/util"
	"signdesk/internal/webhook"
)

const (
	maxRecipients    = 50
	maxFields        = 500
	maxExpiresInDays = 365
)

type RecipientInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Order *int   `json:"order,omitempty"`
}

type FieldInput struct {
	Type           string  `json:"field_type"`
	Page           int     `json:"page"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
	Required       *bool   `json:"is_required,omitempty"`
	Label          string  `json:"label"`
	RecipientEmail string  `json:"recipient_email"`
}

type CreateRequestInput struct {
	DocumentID          string           `json:"document_id"`
	Title               string           `json:"title"`
	Message             string           `json:"message"`
	Recipients          []RecipientInput `json:"recipients"`
	Fields              []FieldInput     `json:"fields"`
	ExpiresInDays       int              `json:"expires_in_days"`
	AllowEditing        bool             `json:"allow_editing"`
	SigningOrderEnabled bool             `json:"signing_order_enabled"`
	WebhookURL          string           `json:"webhook_url"`
	WebhookEvents       []string         `json:"webhook_events"`
	WebhookSecret       string           `json:"webhook_secret"`
}

type CreatedRecipient struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	SigningOrder int    `json:"signing_order"`
	AccessToken  string `json:"access_token"`
	SigningURL   string `json:"signing_url"`
}

type CreateRequestResult struct {
	RequestID    string               `json:"request_id"`
	Status       models.RequestStatus `json:"status"`
	ExpiresAt    *time.Time           `json:"expires_at,omitempty"`
	Recipients   []CreatedRecipient   `json:"recipients"`
	EmailsSent   int                  `json:"emails_sent"`
	EmailsFailed int                  `json:"emails_failed"`
}

// CreateRequest validates the input, persists the request with one access
// token per recipient, mails every recipient and marks the request sent.
// Email failures are counted but never abort creation.
func (s *Service) CreateRequest(ctx context.Context, ownerID string, in CreateRequestInput) (CreateRequestResult, error) {
	doc, err := s.repo.GetDocument(ctx, strings.TrimSpace(in.DocumentID))
	if errors.Is(err, store.ErrNotFound) || (err == nil && doc.OwnerID != ownerID) {
		return CreateRequestResult{}, invalid("document_id", "document not found")
	}
	if err != nil {
		return CreateRequestResult{}, err
	}

	now := s.now()
	req := models.SignatureRequest{
		ID:                  uuid.NewString(),
		DocumentID:          doc.ID,
		OwnerID:             ownerID,
		Title:               cleanText(in.Title),
		Message:             cleanMultiline(in.Message),
		Status:              models.RequestDraft,
		AllowEditing:        in.AllowEditing,
		SigningOrderEnabled: in.SigningOrderEnabled,
	}
	if req.Title == "" {
		req.Title = doc.Title
	}
	if in.ExpiresInDays < 0 || in.ExpiresInDays > maxExpiresInDays {
		return CreateRequestResult{}, invalid("expires_in_days", "must be between 0 and %d", maxExpiresInDays)
	}
	if in.ExpiresInDays > 0 {
		exp := now.AddDate(0, 0, in.ExpiresInDays)
		req.ExpiresAt = &exp
	}
	if err := s.applyWebhook(&req, in); err != nil {
		return CreateRequestResult{}, err
	}

	recipients, tokens, err := buildRecipients(in.Recipients)
	if err != nil {
		return CreateRequestResult{}, err
	}
	fields, err := buildFields(in.Fields, recipients)
	if err != nil {
		return CreateRequestResult{}, err
	}

	bundle, err := s.repo.CreateRequest(ctx, models.RequestBundle{Request: req, Recipients: recipients, Fields: fields})
	if err != nil {
		return CreateRequestResult{}, err
	}
	req = bundle.Request
	s.audit(ctx, req.ID, nil, "request.created", "", "", map[string]any{"recipients": len(recipients), "fields": len(fields)})

	out := CreateRequestResult{RequestID: req.ID, ExpiresAt: req.ExpiresAt}
	for i, r := range bundle.Recipients {
		link := s.cfg.SigningURL(tokens[i])
		out.Recipients = append(out.Recipients, CreatedRecipient{
			ID:           r.ID,
			Email:        r.Email,
			Name:         r.Name,
			SigningOrder: r.SigningOrder,
			AccessToken:  tokens[i],
			SigningURL:   link,
		})
		err := s.sender.SendInvitation(ctx, notify.Invitation{
			To:           r.Email,
			Name:         r.Name,
			RequestTitle: req.Title,
			Message:      req.Message,
			SigningURL:   link,
			ExpiresAt:    req.ExpiresAt,
		})
		if err != nil {
			out.EmailsFailed++
			s.log.Warn("invitation email failed", zap.String("request_id", req.ID), zap.String("recipient_email", r.Email), zap.Error(err))
			continue
		}
		out.EmailsSent++
	}

	sentAt := s.now()
	if err := s.repo.MarkRequestSent(ctx, req.ID, sentAt); err != nil {
		return CreateRequestResult{}, err
	}
	req.Status = models.RequestSent
	req.SentAt = &sentAt
	out.Status = req.Status
	s.audit(ctx, req.ID, nil, "request.sent", "", "", map[string]any{"emails_sent": out.EmailsSent, "emails_failed": out.EmailsFailed})
	s.log.Info("signature request sent", zap.String("request_id", req.ID), zap.Int("recipients", len(recipients)), zap.Int("emails_failed", out.EmailsFailed))
	s.emit(req, models.EventSent, map[string]any{"recipients": len(recipients)})
	return out, nil
}

func (s *Service) applyWebhook(req *models.SignatureRequest, in CreateRequestInput) error {
	req.WebhookEvents = []string{}
	seen := map[string]bool{}
	for _, e := range in.WebhookEvents {
		e = strings.ToLower(strings.TrimSpace(e))
		if !models.ValidEvent(e) {
			return invalid("webhook_events", "unknown event %q", e)
		}
		if !seen[e] {
			seen[e] = true
			req.WebhookEvents = append(req.WebhookEvents, e)
		}
	}
	raw := strings.TrimSpace(in.WebhookURL)
	if raw == "" {
		if in.WebhookSecret != "" || len(req.WebhookEvents) > 0 {
			return invalid("webhook_url", "is required when webhook events or a secret are set")
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("webhook_url", "must be an absolute http(s) URL")
	}
	req.WebhookURL = &raw
	if in.WebhookSecret != "" {
		sealed, err := util.SealString(s.encryptKey, in.WebhookSecret, req.ID)
		if err != nil {
			return err
		}
		req.WebhookSecretEnc = &sealed
	}
	return nil
}

func buildRecipients(in []RecipientInput) ([]models.Recipient, []string, error) {
	if len(in) == 0 {
		return nil, nil, invalid("recipients", "at least one recipient is required")
	}
	if len(in) > maxRecipients {
		return nil, nil, invalid("recipients", "at most %d recipients are allowed", maxRecipients)
	}
	seen := map[string]bool{}
	out := make([]models.Recipient, 0, len(in))
	tokens := make([]string, 0, len(in))
	for i, r := range in {
		email, err := normalizeEmail(r.Email)
		if err != nil {
			return nil, nil, invalid("recipients", "invalid email %q", r.Email)
		}
		if seen[email] {
			return nil, nil, invalid("recipients", "duplicate recipient %s", email)
		}
		seen[email] = true

		order := i + 1
		if r.Order != nil {
			if *r.Order < 1 {
				return nil, nil, invalid("recipients", "order for %s must be at least 1", email)
			}
			order = *r.Order
		}
		role := cleanText(r.Role)
		if role == "" {
			role = "signer"
		}
		raw, hash, err := auth.NewOpaqueToken()
		if err != nil {
			return nil, nil, err
		}
		out = append(out, models.Recipient{
			ID:              uuid.NewString(),
			Email:           email,
			Name:            cleanText(r.Name),
			Role:            role,
			SigningOrder:    order,
			AccessTokenHash: hash,
		})
		tokens = append(tokens, raw)
	}
	return out, tokens, nil
}

func buildFields(in []FieldInput, recipients []models.Recipient) ([]models.FieldPosition, error) {
	if len(in) > maxFields {
		return nil, invalid("fields", "at most %d fields are allowed", maxFields)
	}
	byEmail := make(map[string]string, len(recipients))
	for _, r := range recipients {
		byEmail[r.Email] = r.ID
	}
	out := make([]models.FieldPosition, 0, len(in))
	for i, f := range in {
		email := strings.ToLower(strings.TrimSpace(f.RecipientEmail))
		recipientID, ok := byEmail[email]
		if !ok {
			return nil, invalid("fields", "field %d references unknown recipient %q", i+1, f.RecipientEmail)
		}
		ft := models.FieldType(strings.ToLower(strings.TrimSpace(f.Type)))
		if !ft.Valid() {
			return nil, invalid("fields", "field %d has unknown type %q", i+1, f.Type)
		}
		if f.Page < 1 {
			return nil, invalid("fields", "field %d page must be at least 1", i+1)
		}
		if f.X < 0 || f.Y < 0 || f.Width < 0 || f.Height < 0 {
			return nil, invalid("fields", "field %d coordinates must not be negative", i+1)
		}
		required := true
		if f.Required != nil {
			required = *f.Required
		}
		out = append(out, models.FieldPosition{
			ID:          uuid.NewString(),
			RecipientID: recipientID,
			Type:        ft,
			Page:        f.Page,
			X:           f.X,
			Y:           f.Y,
			Width:       f.Width,
			Height:      f.Height,
			Required:    required,
			Label:       cleanText(f.Label),
		})
	}
	return out, nil
}

// ownedRequest loads a request and hides requests of other owners.
func (s *Service) ownedRequest(ctx context.Context, ownerID, id string) (models.SignatureRequest, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && req.OwnerID != ownerID) {
		return models.SignatureRequest{}, ErrNotFound
	}
	return req, err
}

type RequestDetail struct {
	Request     models.SignatureRequest `json:"request"`
	Recipients  []models.Recipient      `json:"recipients"`
	Fields      []models.FieldPosition  `json:"fields"`
	FieldValues []models.FieldValue     `json:"field_values"`
}

func (s *Service) GetRequest(ctx context.Context, ownerID, id string) (RequestDetail, error) {
	req, err := s.ownedRequest(ctx, ownerID, id)
	if err != nil {
		return RequestDetail{}, err
	}
	recipients, err := s.repo.ListRecipients(ctx, req.ID)
	if err != nil {
		return RequestDetail{}, err
	}
	fields, err := s.repo.ListFieldsForRequest(ctx, req.ID)
	if err != nil {
		return RequestDetail{}, err
	}
	values, err := s.repo.ListFieldValues(ctx, req.ID)
	if err != nil {
		return RequestDetail{}, err
	}
	return RequestDetail{Request: req, Recipients: recipients, Fields: fields, FieldValues: values}, nil
}

func (s *Service) ListRequests(ctx context.Context, ownerID, status string, limit, offset int) ([]models.SignatureRequest, error) {
	switch models.RequestStatus(status) {
	case "", models.RequestDraft, models.RequestSent, models.RequestCompleted:
	default:
		return nil, invalid("status", "unknown status %q", status)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListRequestsByOwner(ctx, models.RequestQuery{OwnerID: ownerID, Status: status, Limit: limit, Offset: offset})
}

func (s *Service) ListAudit(ctx context.Context, ownerID, requestID string, limit, offset int) ([]models.AuditEvent, error) {
	if _, err := s.ownedRequest(ctx, ownerID, requestID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListAudit(ctx, requestID, limit, offset)
}

func (s *Service) ListWebhookDeliveries(ctx context.Context, ownerID, requestID string) ([]models.WebhookDelivery, error) {
	if _, err := s.ownedRequest(ctx, ownerID, requestID); err != nil {
		return nil, err
	}
	return s.repo.ListWebhookDeliveries(ctx, requestID)
}

// TriggerWebhook dispatches an event synchronously so exhausted retries
// reach the caller.
func (s *Service) TriggerWebhook(ctx context.Context, ownerID, requestID, event string, data any) (webhook.Result, error) {
	event = strings.ToLower(strings.TrimSpace(event))
	if !models.ValidEvent(event) {
		return webhook.Result{}, invalid("event", "unknown event %q", event)
	}
	req, err := s.ownedRequest(ctx, ownerID, requestID)
	if err != nil {
		return webhook.Result{}, err
	}
	t, err := s.webhookTarget(req)
	if err != nil {
		return webhook.Result{}, err
	}
	res, err := s.hooks.Dispatch(ctx, t, event, data)
	if res.Dispatched || err != nil {
		s.audit(ctx, req.ID, nil, "webhook.triggered", "", "", map[string]any{"event": event, "dispatched": res.Dispatched, "attempts": res.Attempts})
	}
	return res, err
}
