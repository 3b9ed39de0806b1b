package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signdesk/internal/config"
)

// Invitation asks one recipient to sign.
type Invitation struct {
	To           string
	Name         string
	RequestTitle string
	Message      string
	SigningURL   string
	ExpiresAt    *time.Time
}

// Completion tells the owner every recipient has signed.
type Completion struct {
	To           string
	RequestID    string
	RequestTitle string
	CompletedAt  time.Time
}

type Sender interface {
	SendInvitation(ctx context.Context, inv Invitation) error
	SendCompletion(ctx context.Context, c Completion) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) LogSender { return LogSender{log: log} }

func (s LogSender) SendInvitation(ctx context.Context, inv Invitation) error {
	_ = ctx
	s.log.Info("signing invitation",
		zap.String("to", inv.To),
		zap.String("request_title", inv.RequestTitle),
		zap.String("signing_url", inv.SigningURL),
	)
	return nil
}

func (s LogSender) SendCompletion(ctx context.Context, c Completion) error {
	_ = ctx
	s.log.Info("request completed notice",
		zap.String("to", c.To),
		zap.String("request_id", c.RequestID),
		zap.Time("completed_at", c.CompletedAt),
	)
	return nil
}

func NewSender(cfg config.Config, log *zap.Logger) Sender {
	switch cfg.MailSender {
	case "smtp":
		return NewSMTPSender(cfg)
	default:
		return NewLogSender(log)
	}
}
