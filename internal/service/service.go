package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"signdesk/internal/auth"
	"signdesk/internal/config"
	"signdesk/internal/models"
	"signdesk/internal/notify"
	"signdesk/internal/store"
	"signdesk/internal/util"
	"signdesk/internal/webhook"
)

// Repository is the persistence the service needs. *store.Store implements it.
type Repository interface {
	CreateOwner(ctx context.Context, email, passwordHash string) (models.Owner, error)
	EnsureOwner(ctx context.Context, email, passwordHash string) error
	GetOwnerByEmail(ctx context.Context, email string) (models.Owner, error)
	GetOwnerByID(ctx context.Context, id string) (models.Owner, error)
	TouchOwnerLogin(ctx context.Context, id string) error
	CreateOwnerSession(ctx context.Context, sess models.OwnerSession) error
	GetOwnerSessionByTokenHash(ctx context.Context, tokenHash string) (models.OwnerSession, error)
	RevokeOwnerSession(ctx context.Context, id string) error

	CreateDocument(ctx context.Context, d models.Document) (models.Document, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)

	CreateRequest(ctx context.Context, b models.RequestBundle) (models.RequestBundle, error)
	GetRequest(ctx context.Context, id string) (models.SignatureRequest, error)
	ListRequestsByOwner(ctx context.Context, q models.RequestQuery) ([]models.SignatureRequest, error)
	MarkRequestSent(ctx context.Context, id string, at time.Time) error

	GetRecipientByTokenHash(ctx context.Context, tokenHash string) (models.Recipient, error)
	ListRecipients(ctx context.Context, requestID string) ([]models.Recipient, error)
	CountUnsignedBefore(ctx context.Context, requestID string, order int) (int, error)
	MarkRecipientViewed(ctx context.Context, id, ip, userAgent string, at time.Time) (bool, error)
	ListFieldsForRecipient(ctx context.Context, recipientID string) ([]models.FieldPosition, error)
	ListFieldsForRequest(ctx context.Context, requestID string) ([]models.FieldPosition, error)
	ListFieldValues(ctx context.Context, requestID string) ([]models.FieldValue, error)

	CreateSigningSession(ctx context.Context, sess models.SigningSession) (models.SigningSession, error)
	GetSigningSessionByHash(ctx context.Context, tokenHash string) (models.SigningSession, error)
	SignRecipient(ctx context.Context, in store.Signing) (bool, error)

	InsertAudit(ctx context.Context, e models.AuditEvent) error
	ListAudit(ctx context.Context, requestID string, limit, offset int) ([]models.AuditEvent, error)
	ListWebhookDeliveries(ctx context.Context, requestID string) ([]models.WebhookDelivery, error)

	Ping(ctx context.Context) error
}

// Hooks dispatches webhook events.
type Hooks interface {
	Dispatch(ctx context.Context, t webhook.Target, event string, data any) (webhook.Result, error)
	Go(t webhook.Target, event string, data any)
}

type Service struct {
	cfg        config.Config
	repo       Repository
	sender     notify.Sender
	hooks      Hooks
	log        *zap.Logger
	encryptKey []byte
	now        func() time.Time

	bg sync.WaitGroup
}

type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg config.Config, repo Repository, sender notify.Sender, hooks Hooks, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if sender == nil {
		sender = notify.NewLogSender(log)
	}
	s := &Service{
		cfg:        cfg,
		repo:       repo,
		sender:     sender,
		hooks:      hooks,
		log:        log,
		encryptKey: util.Derive32ByteKey(cfg.DataEncryptKey),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

// Wait blocks until background notifications have finished.
func (s *Service) Wait() { s.bg.Wait() }

func (s *Service) background(name string, fn func(ctx context.Context) error) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

func hashUA(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

// cleanText trims, NFC-normalises and drops control characters.
func cleanText(v string) string {
	v = norm.NFC.String(strings.TrimSpace(v))
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, v)
}

// cleanMultiline is cleanText that keeps line breaks.
func cleanMultiline(v string) string {
	v = norm.NFC.String(strings.TrimSpace(v))
	return strings.Map(func(r rune) rune {
		if r != '\n' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, v)
}

func normalizeEmail(v string) (string, error) {
	v = strings.TrimSpace(v)
	addr, err := netmail.ParseAddress(v)
	if err != nil || addr.Address != v {
		return "", fmt.Errorf("invalid email %q", v)
	}
	return strings.ToLower(addr.Address), nil
}

func (s *Service) audit(ctx context.Context, requestID string, recipientID *string, action, ip, ua string, meta map[string]any) {
	raw := "{}"
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			raw = string(b)
		}
	}
	err := s.repo.InsertAudit(ctx, models.AuditEvent{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		RecipientID:  recipientID,
		Action:       action,
		IPAddress:    ip,
		UserAgent:    ua,
		MetadataJSON: raw,
		CreatedAt:    s.now(),
	})
	if err != nil {
		s.log.Warn("audit write failed", zap.String("request_id", requestID), zap.String("action", action), zap.Error(err))
	}
}

// CreateOwner registers an owner account.
func (s *Service) CreateOwner(ctx context.Context, email, password string) (models.Owner, error) {
	addr, err := normalizeEmail(email)
	if err != nil {
		return models.Owner{}, invalid("email", "must be a valid address")
	}
	if err := s.ValidatePassword(password); err != nil {
		return models.Owner{}, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return models.Owner{}, err
	}
	o, err := s.repo.CreateOwner(ctx, addr, hash)
	if errors.Is(err, store.ErrConflict) {
		return models.Owner{}, ErrEmailTaken
	}
	return o, err
}

// EnsureBootstrapOwner creates the configured owner or resets its password.
func (s *Service) EnsureBootstrapOwner(ctx context.Context) error {
	email := strings.TrimSpace(s.cfg.BootstrapOwnerEmail)
	if email == "" || s.cfg.BootstrapOwnerPassword == "" {
		return nil
	}
	hash, err := auth.HashPassword(s.cfg.BootstrapOwnerPassword)
	if err != nil {
		return err
	}
	return s.repo.EnsureOwner(ctx, email, hash)
}

func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (string, models.Owner, error) {
	o, err := s.repo.GetOwnerByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return "", models.Owner{}, ErrInvalidCredentials
	}
	if !auth.VerifyPassword(o.PasswordHash, password) {
		return "", models.Owner{}, ErrInvalidCredentials
	}
	if auth.NeedsRehash(o.PasswordHash) {
		if h, err := auth.HashPassword(password); err == nil {
			if err := s.repo.EnsureOwner(ctx, o.Email, h); err != nil {
				s.log.Warn("password rehash failed", zap.String("owner_id", o.ID), zap.Error(err))
			}
		}
	}
	raw, tokenHash, err := auth.NewOpaqueToken()
	if err != nil {
		return "", models.Owner{}, err
	}
	now := s.now()
	sess := models.OwnerSession{
		ID:            uuid.NewString(),
		OwnerID:       o.ID,
		TokenHash:     tokenHash,
		IPHint:        ip,
		UserAgentHash: hashUA(userAgent),
		ExpiresAt:     now.Add(s.cfg.OwnerSessionDuration()),
		CreatedAt:     now,
	}
	if err := s.repo.CreateOwnerSession(ctx, sess); err != nil {
		return "", models.Owner{}, err
	}
	_ = s.repo.TouchOwnerLogin(ctx, o.ID)
	return raw, o, nil
}

func (s *Service) AuthenticateOwner(ctx context.Context, rawToken string) (models.Owner, models.OwnerSession, error) {
	sess, err := s.repo.GetOwnerSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return models.Owner{}, models.OwnerSession{}, ErrInvalidCredentials
	}
	if sess.RevokedAt != nil || s.now().After(sess.ExpiresAt) {
		return models.Owner{}, models.OwnerSession{}, ErrInvalidCredentials
	}
	o, err := s.repo.GetOwnerByID(ctx, sess.OwnerID)
	if err != nil {
		return models.Owner{}, models.OwnerSession{}, ErrInvalidCredentials
	}
	return o, sess, nil
}

func (s *Service) Logout(ctx context.Context, rawToken string) error {
	sess, err := s.repo.GetOwnerSessionByTokenHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return nil
	}
	return s.repo.RevokeOwnerSession(ctx, sess.ID)
}

func (s *Service) ValidatePassword(pw string) error {
	if strings.TrimSpace(pw) == "" {
		return invalid("password", "is required")
	}
	if len(pw) < s.cfg.PasswordMinLength {
		return invalid("password", "must be at least %d characters", s.cfg.PasswordMinLength)
	}
	if len(pw) > 256 {
		return invalid("password", "must be at most 256 characters")
	}
	classes := 0
	for _, in := range []func(rune) bool{unicode.IsLower, unicode.IsUpper, unicode.IsDigit, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) }} {
		if strings.IndexFunc(pw, in) >= 0 {
			classes++
		}
	}
	if classes < 3 {
		return invalid("password", "must include at least 3 character classes (lower/upper/number/symbol)")
	}
	return nil
}

const maxDocumentBytes = 5 << 20

func (s *Service) CreateDocument(ctx context.Context, ownerID, title, contentType, content string) (models.Document, error) {
	title = cleanText(title)
	if title == "" {
		return models.Document{}, invalid("title", "is required")
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "text/plain"
	}
	if content == "" {
		return models.Document{}, invalid("content", "is required")
	}
	if len(content) > maxDocumentBytes {
		return models.Document{}, invalid("content", "must be at most %d bytes", maxDocumentBytes)
	}
	return s.repo.CreateDocument(ctx, models.Document{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Title:       title,
		ContentType: contentType,
		Content:     content,
		CreatedAt:   s.now(),
	})
}

func (s *Service) GetDocument(ctx context.Context, ownerID, id string) (models.Document, error) {
	d, err := s.repo.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && d.OwnerID != ownerID) {
		return models.Document{}, ErrNotFound
	}
	return d, err
}

func (s *Service) webhookTarget(req models.SignatureRequest) (webhook.Target, error) {
	t := webhook.Target{RequestID: req.ID, Events: req.WebhookEvents}
	if req.WebhookURL != nil {
		t.URL = *req.WebhookURL
	}
	if req.WebhookSecretEnc != nil && *req.WebhookSecretEnc != "" {
		secret, err := util.OpenString(s.encryptKey, *req.WebhookSecretEnc, req.ID)
		if err != nil {
			return webhook.Target{}, fmt.Errorf("decrypt webhook secret: %w", err)
		}
		t.Secret = secret
	}
	return t, nil
}

// emit fires a webhook event without waiting for delivery.
func (s *Service) emit(req models.SignatureRequest, event string, data any) {
	if s.hooks == nil {
		return
	}
	t, err := s.webhookTarget(req)
	if err != nil {
		s.log.Error("webhook target", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	s.hooks.Go(t, event, data)
}
