package service

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"signdesk/internal/auth"
	"signdesk/internal/models"
	"signdesk/internal/notify"
	"signdesk/internal/store"
)

const (
	maxAccessTokenLen  = 100
	maxSessionTokenLen = 100
	maxFieldValueLen   = 1 << 20
)

var tokenRx = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validToken(v string, max int) bool {
	return v != "" && len(v) <= max && tokenRx.MatchString(v)
}

// Client identifies the caller of a token-gated endpoint.
type Client struct {
	IP        string
	UserAgent string
}

type SessionRecipient struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	SigningOrder int    `json:"signing_order"`
}

type SessionRequest struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	AllowEditing bool       `json:"allow_editing"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type SessionDocument struct {
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

type SessionResult struct {
	Recipient        SessionRecipient       `json:"recipient"`
	Request          SessionRequest         `json:"request"`
	Document         SessionDocument        `json:"document"`
	Fields           []models.FieldPosition `json:"fields"`
	SessionToken     string                 `json:"session_token"`
	SessionExpiresAt time.Time              `json:"session_expires_at"`
}

// resolveRecipient maps an access token to its recipient and request.
func (s *Service) resolveRecipient(ctx context.Context, accessToken string) (models.Recipient, models.SignatureRequest, error) {
	rec, err := s.repo.GetRecipientByTokenHash(ctx, auth.HashToken(accessToken))
	if errors.Is(err, store.ErrNotFound) {
		return models.Recipient{}, models.SignatureRequest{}, signingErr(KindInvalidToken, "Invalid or unknown access token")
	}
	if err != nil {
		return models.Recipient{}, models.SignatureRequest{}, err
	}
	req, err := s.repo.GetRequest(ctx, rec.RequestID)
	if err != nil {
		return models.Recipient{}, models.SignatureRequest{}, err
	}
	return rec, req, nil
}

func (s *Service) alreadySigned(req models.SignatureRequest) *SigningError {
	e := signingErr(KindAlreadySigned, "You have already signed this document")
	e.Expired = req.Expired(s.now())
	return e
}

// IssueSession validates an access token and opens a fresh signing session.
// Checks run in order: token resolves, recipient unsigned, request not
// expired, earlier recipients signed when ordering is enforced.
func (s *Service) IssueSession(ctx context.Context, accessToken string, client Client) (SessionResult, error) {
	accessToken = strings.TrimSpace(accessToken)
	if !validToken(accessToken, maxAccessTokenLen) {
		return SessionResult{}, signingErr(KindInvalidInput, "A valid access_token is required")
	}
	rec, req, err := s.resolveRecipient(ctx, accessToken)
	if err != nil {
		return SessionResult{}, err
	}
	if rec.Signed() {
		return SessionResult{}, s.alreadySigned(req)
	}
	now := s.now()
	if req.Expired(now) {
		return SessionResult{}, signingErr(KindExpired, "This signature request has expired")
	}
	if req.SigningOrderEnabled {
		pending, err := s.repo.CountUnsignedBefore(ctx, req.ID, rec.SigningOrder)
		if err != nil {
			return SessionResult{}, err
		}
		if pending > 0 {
			e := signingErr(KindSequentialBlocked, "Waiting for previous signers to complete")
			e.YourOrder = rec.SigningOrder
			return SessionResult{}, e
		}
	}

	firstView, err := s.repo.MarkRecipientViewed(ctx, rec.ID, client.IP, client.UserAgent, now)
	if err != nil {
		s.log.Warn("mark recipient viewed", zap.String("recipient_id", rec.ID), zap.Error(err))
	}
	if firstView {
		s.audit(ctx, req.ID, &rec.ID, "recipient.viewed", client.IP, client.UserAgent, nil)
		s.emit(req, models.EventViewed, map[string]any{"recipient_id": rec.ID, "recipient_email": rec.Email})
	}

	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return SessionResult{}, err
	}
	sess, err := s.repo.CreateSigningSession(ctx, models.SigningSession{
		RecipientID: rec.ID,
		TokenHash:   tokenHash,
		IPAddress:   client.IP,
		UserAgent:   client.UserAgent,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.SigningSessionDuration()),
	})
	if err != nil {
		return SessionResult{}, err
	}

	doc, err := s.repo.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return SessionResult{}, err
	}
	fields, err := s.repo.ListFieldsForRecipient(ctx, rec.ID)
	if err != nil {
		return SessionResult{}, err
	}
	return SessionResult{
		Recipient: SessionRecipient{ID: rec.ID, Name: rec.Name, Email: rec.Email, Role: rec.Role, SigningOrder: rec.SigningOrder},
		Request: SessionRequest{
			ID:           req.ID,
			Title:        req.Title,
			Message:      req.Message,
			AllowEditing: req.AllowEditing,
			ExpiresAt:    req.ExpiresAt,
		},
		Document:         SessionDocument{Title: doc.Title, ContentType: doc.ContentType, Content: doc.Content},
		Fields:           fields,
		SessionToken:     raw,
		SessionExpiresAt: sess.ExpiresAt,
	}, nil
}

type SubmitInput struct {
	AccessToken  string
	SessionToken string
	FieldValues  map[string]string
}

type SubmitResult struct {
	Success   bool `json:"success"`
	AllSigned bool `json:"all_signed"`
}

// SubmitFields records a recipient's values and signs them in one
// transaction, then reports whether the whole request is complete.
func (s *Service) SubmitFields(ctx context.Context, in SubmitInput, client Client) (SubmitResult, error) {
	accessToken := strings.TrimSpace(in.AccessToken)
	if !validToken(accessToken, maxAccessTokenLen) {
		return SubmitResult{}, signingErr(KindInvalidInput, "A valid access_token is required")
	}
	sessionToken := strings.TrimSpace(in.SessionToken)
	if !validToken(sessionToken, maxSessionTokenLen) {
		return SubmitResult{}, signingErr(KindInvalidInput, "A valid session_token is required")
	}
	if in.FieldValues == nil {
		return SubmitResult{}, signingErr(KindInvalidInput, "field_values must be an object")
	}

	rec, req, err := s.resolveRecipient(ctx, accessToken)
	if err != nil {
		return SubmitResult{}, err
	}
	if rec.Signed() {
		return SubmitResult{}, s.alreadySigned(req)
	}
	now := s.now()
	sess, err := s.repo.GetSigningSessionByHash(ctx, auth.HashToken(sessionToken))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return SubmitResult{}, err
	}
	if err != nil || sess.RecipientID != rec.ID || sess.CompletedAt != nil || now.After(sess.ExpiresAt) {
		return SubmitResult{}, signingErr(KindInvalidSession, "Signing session is invalid or has expired")
	}
	if req.Expired(now) {
		return SubmitResult{}, signingErr(KindExpired, "This signature request has expired")
	}

	fields, err := s.repo.ListFieldsForRecipient(ctx, rec.ID)
	if err != nil {
		return SubmitResult{}, err
	}
	values, err := checkValues(fields, in.FieldValues)
	if err != nil {
		return SubmitResult{}, err
	}

	allSigned, err := s.repo.SignRecipient(ctx, store.Signing{
		RequestID:   req.ID,
		RecipientID: rec.ID,
		SessionID:   sess.ID,
		Values:      values,
		IPAddress:   client.IP,
		UserAgent:   client.UserAgent,
		At:          now,
	})
	switch {
	case errors.Is(err, store.ErrAlreadySigned):
		return SubmitResult{}, s.alreadySigned(req)
	case errors.Is(err, store.ErrConflict):
		return SubmitResult{}, signingErr(KindInvalidSession, "Signing session is invalid or has expired")
	case err != nil:
		return SubmitResult{}, err
	}

	s.log.Info("recipient signed", zap.String("request_id", req.ID), zap.String("recipient_id", rec.ID), zap.Bool("all_signed", allSigned))
	s.audit(ctx, req.ID, &rec.ID, "recipient.signed", client.IP, client.UserAgent, map[string]any{"fields": len(values)})
	s.emit(req, models.EventSigned, map[string]any{"recipient_id": rec.ID, "recipient_email": rec.Email, "all_signed": allSigned})
	if allSigned {
		s.onCompleted(ctx, req, now)
	}
	return SubmitResult{Success: true, AllSigned: allSigned}, nil
}

// checkValues rejects ids outside the recipient's fields, then lists every
// required field left blank.
func checkValues(fields []models.FieldPosition, submitted map[string]string) (map[string]string, error) {
	own := make(map[string]models.FieldPosition, len(fields))
	for _, f := range fields {
		own[f.ID] = f
	}
	var unknown []string
	values := make(map[string]string, len(submitted))
	for id, v := range submitted {
		if _, ok := own[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		if len(v) > maxFieldValueLen {
			return nil, signingErr(KindInvalidInput, "Field value is too large")
		}
		values[id] = cleanMultiline(v)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		e := signingErr(KindInvalidFields, "Submitted values reference fields not assigned to you: "+strings.Join(unknown, ", "))
		e.InvalidFields = unknown
		return nil, e
	}

	var missing []string
	for _, f := range fields {
		if f.Required && values[f.ID] == "" {
			missing = append(missing, f.DisplayName())
		}
	}
	if len(missing) > 0 {
		return nil, missingFieldsErr(missing)
	}
	for id, v := range values {
		if v == "" {
			delete(values, id)
		}
	}
	return values, nil
}

func (s *Service) onCompleted(ctx context.Context, req models.SignatureRequest, at time.Time) {
	req.Status = models.RequestCompleted
	req.CompletedAt = &at
	s.log.Info("signature request completed", zap.String("request_id", req.ID))
	s.audit(ctx, req.ID, nil, "request.completed", "", "", nil)
	s.emit(req, models.EventCompleted, map[string]any{"completed_at": at})

	s.background("completion email", func(ctx context.Context) error {
		owner, err := s.repo.GetOwnerByID(ctx, req.OwnerID)
		if err != nil {
			return err
		}
		return s.sender.SendCompletion(ctx, notify.Completion{
			To:           owner.Email,
			RequestID:    req.ID,
			RequestTitle: req.Title,
			CompletedAt:  at,
		})
	})
}
