package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signdesk/internal/models"
)

const requestColumns = `id,document_id,owner_id,title,message,status,allow_editing,signing_order_enabled,expires_at,webhook_url,webhook_events,webhook_secret_enc,created_at,sent_at,completed_at`

const recipientColumns = `id,request_id,email,name,role,signing_order,access_token_hash,status,viewed_at,viewed_ip,viewed_user_agent,signed_at,signed_ip,signed_user_agent,created_at`

const fieldColumns = `id,request_id,recipient_id,field_type,page,x,y,width,height,is_required,label,created_at`

// CreateRequest persists the request with its recipients and fields in one
// transaction. Missing ids and timestamps are filled in and returned.
func (s *Store) CreateRequest(ctx context.Context, draft models.RequestBundle) (models.RequestBundle, error) {
	now := time.Now().UTC()
	req := draft.Request
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = models.RequestDraft
	}
	req.CreatedAt = now
	if req.WebhookEvents == nil {
		req.WebhookEvents = []string{}
	}
	events, err := json.Marshal(req.WebhookEvents)
	if err != nil {
		return models.RequestBundle{}, err
	}
	req.WebhookEventsJSON = string(events)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.RequestBundle{}, err
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO signature_requests(id,document_id,owner_id,title,message,status,allow_editing,signing_order_enabled,expires_at,webhook_url,webhook_events,webhook_secret_enc,created_at)
		 VALUES(:id,:document_id,:owner_id,:title,:message,:status,:allow_editing,:signing_order_enabled,:expires_at,:webhook_url,:webhook_events,:webhook_secret_enc,:created_at)`,
		req); err != nil {
		return models.RequestBundle{}, rollback(tx, fmt.Errorf("insert request: %w", err))
	}

	recipients := make([]models.Recipient, len(draft.Recipients))
	for i, r := range draft.Recipients {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.RequestID = req.ID
		r.Status = models.RecipientPending
		r.CreatedAt = now
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO recipients(id,request_id,email,name,role,signing_order,access_token_hash,status,created_at)
			 VALUES(:id,:request_id,:email,:name,:role,:signing_order,:access_token_hash,:status,:created_at)`,
			r); err != nil {
			return models.RequestBundle{}, rollback(tx, fmt.Errorf("insert recipient %s: %w", r.Email, err))
		}
		recipients[i] = r
	}

	fields := make([]models.FieldPosition, len(draft.Fields))
	for i, f := range draft.Fields {
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.RequestID = req.ID
		f.CreatedAt = now
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO field_positions(`+fieldColumns+`)
			 VALUES(:id,:request_id,:recipient_id,:field_type,:page,:x,:y,:width,:height,:is_required,:label,:created_at)`,
			f); err != nil {
			return models.RequestBundle{}, rollback(tx, fmt.Errorf("insert field: %w", err))
		}
		fields[i] = f
	}

	if err := tx.Commit(); err != nil {
		return models.RequestBundle{}, err
	}
	return models.RequestBundle{Request: req, Recipients: recipients, Fields: fields}, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (models.SignatureRequest, error) {
	var r models.SignatureRequest
	if err := s.get(ctx, &r, `SELECT `+requestColumns+` FROM signature_requests WHERE id=?`, id); err != nil {
		return models.SignatureRequest{}, err
	}
	return r, decodeEvents(&r)
}

func (s *Store) ListRequestsByOwner(ctx context.Context, q models.RequestQuery) ([]models.SignatureRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM signature_requests WHERE owner_id=?`
	args := []any{q.OwnerID}
	if q.Status != "" {
		query += ` AND status=?`
		args = append(args, q.Status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	out := make([]models.SignatureRequest, 0, q.Limit)
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for i := range out {
		if err := decodeEvents(&out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarkRequestSent moves a draft request to sent.
func (s *Store) MarkRequestSent(ctx context.Context, id string, at time.Time) error {
	return execOne(s.exec(ctx, `UPDATE signature_requests SET status='sent', sent_at=? WHERE id=? AND status='draft'`, at, id))
}

func (s *Store) GetRecipient(ctx context.Context, id string) (models.Recipient, error) {
	var r models.Recipient
	err := s.get(ctx, &r, `SELECT `+recipientColumns+` FROM recipients WHERE id=?`, id)
	return r, err
}

func (s *Store) GetRecipientByTokenHash(ctx context.Context, tokenHash string) (models.Recipient, error) {
	var r models.Recipient
	err := s.get(ctx, &r, `SELECT `+recipientColumns+` FROM recipients WHERE access_token_hash=?`, tokenHash)
	return r, err
}

func (s *Store) ListRecipients(ctx context.Context, requestID string) ([]models.Recipient, error) {
	out := []models.Recipient{}
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT `+recipientColumns+` FROM recipients WHERE request_id=? ORDER BY signing_order, email`), requestID)
	return out, err
}

// CountUnsignedBefore counts recipients of the request ranked ahead of order
// that have not signed yet.
func (s *Store) CountUnsignedBefore(ctx context.Context, requestID string, order int) (int, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(1) FROM recipients WHERE request_id=? AND signing_order<? AND signed_at IS NULL`, requestID, order)
	return n, err
}

// MarkRecipientViewed stamps the first view. It reports false when the
// recipient had already been viewed or signed.
func (s *Store) MarkRecipientViewed(ctx context.Context, id, ip, userAgent string, at time.Time) (bool, error) {
	err := execOne(s.exec(ctx,
		`UPDATE recipients SET status='viewed', viewed_at=?, viewed_ip=?, viewed_user_agent=? WHERE id=? AND status='pending'`,
		at, ip, userAgent, id))
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListFieldsForRecipient(ctx context.Context, recipientID string) ([]models.FieldPosition, error) {
	out := []models.FieldPosition{}
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT `+fieldColumns+` FROM field_positions WHERE recipient_id=? ORDER BY page, y, x, id`), recipientID)
	return out, err
}

func (s *Store) ListFieldsForRequest(ctx context.Context, requestID string) ([]models.FieldPosition, error) {
	out := []models.FieldPosition{}
	err := s.db.SelectContext(ctx, &out,
		s.db.Rebind(`SELECT `+fieldColumns+` FROM field_positions WHERE request_id=? ORDER BY page, y, x, id`), requestID)
	return out, err
}

func (s *Store) ListFieldValues(ctx context.Context, requestID string) ([]models.FieldValue, error) {
	out := []models.FieldValue{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT v.id,v.field_id,v.recipient_id,v.value,v.signed_at,v.ip_address,v.user_agent
		 FROM field_values v JOIN recipients r ON r.id=v.recipient_id
		 WHERE r.request_id=? ORDER BY v.signed_at, v.field_id`), requestID)
	return out, err
}

func decodeEvents(r *models.SignatureRequest) error {
	r.WebhookEvents = []string{}
	if r.WebhookEventsJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(r.WebhookEventsJSON), &r.WebhookEvents); err != nil {
		return fmt.Errorf("decode webhook events for %s: %w", r.ID, err)
	}
	return nil
}
