package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"signdesk/internal/models"
)

func (s *Store) InsertAudit(ctx context.Context, e models.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.MetadataJSON == "" {
		e.MetadataJSON = "{}"
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO audit_events(id,request_id,recipient_id,action,ip_address,user_agent,metadata_json,created_at)
		 VALUES(:id,:request_id,:recipient_id,:action,:ip_address,:user_agent,:metadata_json,:created_at)`, e)
	return err
}

func (s *Store) ListAudit(ctx context.Context, requestID string, limit, offset int) ([]models.AuditEvent, error) {
	out := make([]models.AuditEvent, 0, limit)
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT id,request_id,recipient_id,action,ip_address,user_agent,metadata_json,created_at
		 FROM audit_events WHERE request_id=? ORDER BY created_at, id LIMIT ? OFFSET ?`),
		requestID, limit, offset)
	return out, err
}

func (s *Store) InsertWebhookDelivery(ctx context.Context, d models.WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO webhook_deliveries(id,request_id,event_id,event,attempt,max_attempts,status_code,response_body,error,success,created_at)
		 VALUES(:id,:request_id,:event_id,:event,:attempt,:max_attempts,:status_code,:response_body,:error,:success,:created_at)`, d)
	return err
}

func (s *Store) ListWebhookDeliveries(ctx context.Context, requestID string) ([]models.WebhookDelivery, error) {
	out := []models.WebhookDelivery{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT id,request_id,event_id,event,attempt,max_attempts,status_code,response_body,error,success,created_at
		 FROM webhook_deliveries WHERE request_id=? ORDER BY created_at, attempt`), requestID)
	return out, err
}
