package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"signdesk/internal/models"
)

var ErrNotFound = errors.New("not found")
var ErrConflict = errors.New("conflict")
var ErrAlreadySigned = errors.New("recipient already signed")

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) get(ctx context.Context, dst any, query string, args ...any) error {
	err := s.db.GetContext(ctx, dst, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

// execOne runs a conditional update and reports ErrConflict when no row matched.
func execOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

const ownerColumns = `id,email,password_hash,created_at,last_login_at`

func (s *Store) CreateOwner(ctx context.Context, email, passwordHash string) (models.Owner, error) {
	o := models.Owner{ID: uuid.NewString(), Email: normalizeEmail(email), PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO owners(id,email,password_hash,created_at) VALUES(:id,:email,:password_hash,:created_at)`, o)
	if err != nil && isUniqueViolation(err) {
		return models.Owner{}, ErrConflict
	}
	return o, err
}

// EnsureOwner creates the owner or resets the password of an existing one.
func (s *Store) EnsureOwner(ctx context.Context, email, passwordHash string) error {
	email = normalizeEmail(email)
	if email == "" || passwordHash == "" {
		return nil
	}
	o, err := s.GetOwnerByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_, err = s.CreateOwner(ctx, email, passwordHash)
		return err
	}
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `UPDATE owners SET password_hash=? WHERE id=?`, passwordHash, o.ID)
	return err
}

func (s *Store) GetOwnerByEmail(ctx context.Context, email string) (models.Owner, error) {
	var o models.Owner
	err := s.get(ctx, &o, `SELECT `+ownerColumns+` FROM owners WHERE email=?`, normalizeEmail(email))
	return o, err
}

func (s *Store) GetOwnerByID(ctx context.Context, id string) (models.Owner, error) {
	var o models.Owner
	err := s.get(ctx, &o, `SELECT `+ownerColumns+` FROM owners WHERE id=?`, id)
	return o, err
}

func (s *Store) TouchOwnerLogin(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE owners SET last_login_at=? WHERE id=?`, time.Now().UTC(), id)
	return err
}

func (s *Store) CreateOwnerSession(ctx context.Context, sess models.OwnerSession) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO owner_sessions(id,owner_id,token_hash,ip_hint,user_agent_hash,expires_at,created_at)
		 VALUES(:id,:owner_id,:token_hash,:ip_hint,:user_agent_hash,:expires_at,:created_at)`, sess)
	return err
}

func (s *Store) GetOwnerSessionByTokenHash(ctx context.Context, tokenHash string) (models.OwnerSession, error) {
	var sess models.OwnerSession
	err := s.get(ctx, &sess,
		`SELECT id,owner_id,token_hash,ip_hint,user_agent_hash,expires_at,created_at,revoked_at FROM owner_sessions WHERE token_hash=?`,
		tokenHash)
	return sess, err
}

func (s *Store) RevokeOwnerSession(ctx context.Context, id string) error {
	_, err := s.exec(ctx, `UPDATE owner_sessions SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, time.Now().UTC(), id)
	return err
}

func (s *Store) CreateDocument(ctx context.Context, d models.Document) (models.Document, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO documents(id,owner_id,title,content_type,content,created_at) VALUES(:id,:owner_id,:title,:content_type,:content,:created_at)`, d)
	return d, err
}

func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	var d models.Document
	err := s.get(ctx, &d, `SELECT id,owner_id,title,content_type,content,created_at FROM documents WHERE id=?`, id)
	return d, err
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "duplicate key")
}

func rollback(tx *sqlx.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return fmt.Errorf("%w (rollback: %v)", err, rbErr)
	}
	return err
}
