package models

import "time"

type RequestStatus string

const (
	RequestDraft     RequestStatus = "draft"
	RequestSent      RequestStatus = "sent"
	RequestCompleted RequestStatus = "completed"
)

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientViewed  RecipientStatus = "viewed"
	RecipientSigned  RecipientStatus = "signed"
)

type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldInitial   FieldType = "initial"
	FieldDate      FieldType = "date"
	FieldText      FieldType = "text"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldSignature, FieldInitial, FieldDate, FieldText:
		return true
	}
	return false
}

// Webhook event names a request can subscribe to.
const (
	EventSent      = "sent"
	EventViewed    = "viewed"
	EventSigned    = "signed"
	EventCompleted = "completed"
)

func ValidEvent(e string) bool {
	switch e {
	case EventSent, EventViewed, EventSigned, EventCompleted:
		return true
	}
	return false
}

type Owner struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	PasswordHash string     `db:"password_hash"`
	CreatedAt    time.Time  `db:"created_at"`
	LastLoginAt  *time.Time `db:"last_login_at"`
}

type OwnerSession struct {
	ID            string     `db:"id"`
	OwnerID       string     `db:"owner_id"`
	TokenHash     string     `db:"token_hash"`
	IPHint        string     `db:"ip_hint"`
	UserAgentHash string     `db:"user_agent_hash"`
	ExpiresAt     time.Time  `db:"expires_at"`
	CreatedAt     time.Time  `db:"created_at"`
	RevokedAt     *time.Time `db:"revoked_at"`
}

type Document struct {
	ID          string    `db:"id" json:"id"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	Title       string    `db:"title" json:"title"`
	ContentType string    `db:"content_type" json:"content_type"`
	Content     string    `db:"content" json:"content,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

type SignatureRequest struct {
	ID                  string        `db:"id" json:"id"`
	DocumentID          string        `db:"document_id" json:"document_id"`
	OwnerID             string        `db:"owner_id" json:"owner_id"`
	Title               string        `db:"title" json:"title"`
	Message             string        `db:"message" json:"message"`
	Status              RequestStatus `db:"status" json:"status"`
	AllowEditing        bool          `db:"allow_editing" json:"allow_editing"`
	SigningOrderEnabled bool          `db:"signing_order_enabled" json:"signing_order_enabled"`
	ExpiresAt           *time.Time    `db:"expires_at" json:"expires_at,omitempty"`
	WebhookURL          *string       `db:"webhook_url" json:"webhook_url,omitempty"`
	WebhookEventsJSON   string        `db:"webhook_events" json:"-"`
	WebhookSecretEnc    *string       `db:"webhook_secret_enc" json:"-"`
	CreatedAt           time.Time     `db:"created_at" json:"created_at"`
	SentAt              *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	CompletedAt         *time.Time    `db:"completed_at" json:"completed_at,omitempty"`

	WebhookEvents []string `db:"-" json:"webhook_events"`
}

// Expired reports whether the request has an expiry that lies before now.
func (r SignatureRequest) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

type Recipient struct {
	ID              string          `db:"id" json:"id"`
	RequestID       string          `db:"request_id" json:"request_id"`
	Email           string          `db:"email" json:"email"`
	Name            string          `db:"name" json:"name"`
	Role            string          `db:"role" json:"role"`
	SigningOrder    int             `db:"signing_order" json:"signing_order"`
	AccessTokenHash string          `db:"access_token_hash" json:"-"`
	Status          RecipientStatus `db:"status" json:"status"`
	ViewedAt        *time.Time      `db:"viewed_at" json:"viewed_at,omitempty"`
	ViewedIP        *string         `db:"viewed_ip" json:"viewed_ip,omitempty"`
	ViewedUserAgent *string         `db:"viewed_user_agent" json:"viewed_user_agent,omitempty"`
	SignedAt        *time.Time      `db:"signed_at" json:"signed_at,omitempty"`
	SignedIP        *string         `db:"signed_ip" json:"signed_ip,omitempty"`
	SignedUserAgent *string         `db:"signed_user_agent" json:"signed_user_agent,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

func (r Recipient) Signed() bool { return r.SignedAt != nil }

type FieldPosition struct {
	ID          string    `db:"id" json:"id"`
	RequestID   string    `db:"request_id" json:"request_id"`
	RecipientID string    `db:"recipient_id" json:"recipient_id"`
	Type        FieldType `db:"field_type" json:"field_type"`
	Page        int       `db:"page" json:"page"`
	X           float64   `db:"x" json:"x"`
	Y           float64   `db:"y" json:"y"`
	Width       float64   `db:"width" json:"width"`
	Height      float64   `db:"height" json:"height"`
	Required    bool      `db:"is_required" json:"is_required"`
	Label       string    `db:"label" json:"label"`
	CreatedAt   time.Time `db:"created_at" json:"-"`
}

// DisplayName is the label, falling back to the field type.
func (f FieldPosition) DisplayName() string {
	if f.Label != "" {
		return f.Label
	}
	return string(f.Type)
}

type FieldValue struct {
	ID          string    `db:"id" json:"id"`
	FieldID     string    `db:"field_id" json:"field_id"`
	RecipientID string    `db:"recipient_id" json:"recipient_id"`
	Value       string    `db:"value" json:"value"`
	SignedAt    time.Time `db:"signed_at" json:"signed_at"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	UserAgent   string    `db:"user_agent" json:"user_agent"`
}

type SigningSession struct {
	ID          string     `db:"id"`
	RecipientID string     `db:"recipient_id"`
	TokenHash   string     `db:"token_hash"`
	IPAddress   string     `db:"ip_address"`
	UserAgent   string     `db:"user_agent"`
	CreatedAt   time.Time  `db:"created_at"`
	ExpiresAt   time.Time  `db:"expires_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

type AuditEvent struct {
	ID           string    `db:"id" json:"id"`
	RequestID    string    `db:"request_id" json:"request_id"`
	RecipientID  *string   `db:"recipient_id" json:"recipient_id,omitempty"`
	Action       string    `db:"action" json:"action"`
	IPAddress    string    `db:"ip_address" json:"ip_address"`
	UserAgent    string    `db:"user_agent" json:"user_agent"`
	MetadataJSON string    `db:"metadata_json" json:"metadata_json"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

type WebhookDelivery struct {
	ID           string    `db:"id" json:"id"`
	RequestID    string    `db:"request_id" json:"request_id"`
	EventID      string    `db:"event_id" json:"event_id"`
	Event        string    `db:"event" json:"event"`
	Attempt      int       `db:"attempt" json:"attempt"`
	MaxAttempts  int       `db:"max_attempts" json:"max_attempts"`
	StatusCode   int       `db:"status_code" json:"status_code"`
	ResponseBody string    `db:"response_body" json:"response_body"`
	Error        string    `db:"error" json:"error,omitempty"`
	Success      bool      `db:"success" json:"success"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// RetryCount is the number of attempts made before this one.
func (d WebhookDelivery) RetryCount() int { return d.Attempt - 1 }

// RequestBundle is a request together with its recipients and fields.
type RequestBundle struct {
	Request    SignatureRequest
	Recipients []Recipient
	Fields     []FieldPosition
}

type RequestQuery struct {
	OwnerID string
	Status  string
	Limit   int
	Offset  int
}
