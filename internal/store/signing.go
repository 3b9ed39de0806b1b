package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"signdesk/internal/models"
)

func (s *Store) CreateSigningSession(ctx context.Context, sess models.SigningSession) (models.SigningSession, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO signing_sessions(id,recipient_id,token_hash,ip_address,user_agent,created_at,expires_at)
		 VALUES(:id,:recipient_id,:token_hash,:ip_address,:user_agent,:created_at,:expires_at)`, sess)
	return sess, err
}

func (s *Store) GetSigningSessionByHash(ctx context.Context, tokenHash string) (models.SigningSession, error) {
	var sess models.SigningSession
	err := s.get(ctx, &sess,
		`SELECT id,recipient_id,token_hash,ip_address,user_agent,created_at,expires_at,completed_at FROM signing_sessions WHERE token_hash=?`,
		tokenHash)
	return sess, err
}

// Signing is one recipient's submission.
type Signing struct {
	RequestID   string
	RecipientID string
	SessionID   string
	Values      map[string]string
	IPAddress   string
	UserAgent   string
	At          time.Time
}

// SignRecipient records a submission atomically: the recipient is marked
// signed only if it was unsigned, every value is inserted, the session is
// closed, and the request is completed when no unsigned recipient remains.
// It returns whether every recipient of the request has now signed.
func (s *Store) SignRecipient(ctx context.Context, in Signing) (bool, error) {
	at := in.At.UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	if err := lockRequest(ctx, tx, in.RequestID); err != nil {
		return false, rollback(tx, err)
	}

	err = execOne(tx.ExecContext(ctx, tx.Rebind(
		`UPDATE recipients SET status='signed', signed_at=?, signed_ip=?, signed_user_agent=? WHERE id=? AND signed_at IS NULL`),
		at, in.IPAddress, in.UserAgent, in.RecipientID))
	if errors.Is(err, ErrConflict) {
		return false, rollback(tx, ErrAlreadySigned)
	}
	if err != nil {
		return false, rollback(tx, fmt.Errorf("mark signed: %w", err))
	}

	err = execOne(tx.ExecContext(ctx, tx.Rebind(
		`UPDATE signing_sessions SET completed_at=? WHERE id=? AND recipient_id=? AND completed_at IS NULL`),
		at, in.SessionID, in.RecipientID))
	if err != nil {
		return false, rollback(tx, fmt.Errorf("complete session: %w", err))
	}

	for fieldID, value := range in.Values {
		v := models.FieldValue{
			ID:          uuid.NewString(),
			FieldID:     fieldID,
			RecipientID: in.RecipientID,
			Value:       value,
			SignedAt:    at,
			IPAddress:   in.IPAddress,
			UserAgent:   in.UserAgent,
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO field_values(id,field_id,recipient_id,value,signed_at,ip_address,user_agent)
			 VALUES(:id,:field_id,:recipient_id,:value,:signed_at,:ip_address,:user_agent)`, v); err != nil {
			if isUniqueViolation(err) {
				return false, rollback(tx, ErrAlreadySigned)
			}
			return false, rollback(tx, fmt.Errorf("insert field value: %w", err))
		}
	}

	allSigned, err := completeIfAllSigned(ctx, tx, in.RequestID, at)
	if err != nil {
		return false, rollback(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return allSigned, nil
}

// forUpdate returns the row locking clause for the driver. SQLite has none;
// its transactions begin with a write lock (_txlock=immediate).
func forUpdate(driver string) string {
	if driver == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}

// lockRequest serialises concurrent signings of one request so the final
// signer always observes every other committed signature.
func lockRequest(ctx context.Context, tx *sqlx.Tx, requestID string) error {
	clause := forUpdate(tx.DriverName())
	if clause == "" {
		return nil
	}
	var id string
	err := tx.GetContext(ctx, &id, tx.Rebind(`SELECT id FROM signature_requests WHERE id=?`+clause), requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock request: %w", err)
	}
	return nil
}

// completeIfAllSigned is the only writer of the completed status.
func completeIfAllSigned(ctx context.Context, tx *sqlx.Tx, requestID string, at time.Time) (bool, error) {
	var signedAt []sql.NullTime
	q := `SELECT signed_at FROM recipients WHERE request_id=?` + forUpdate(tx.DriverName())
	if err := tx.SelectContext(ctx, &signedAt, tx.Rebind(q), requestID); err != nil {
		return false, fmt.Errorf("load recipients: %w", err)
	}
	if len(signedAt) == 0 {
		return false, nil
	}
	for _, ts := range signedAt {
		if !ts.Valid {
			return false, nil
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE signature_requests SET status='completed', completed_at=? WHERE id=? AND status<>'completed'`),
		at, requestID); err != nil {
		return false, fmt.Errorf("complete request: %w", err)
	}
	return true, nil
}
