package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signdesk/internal/models"
	"signdesk/internal/version"
)

const (
	SignatureHeader = "X-Signature"
	EventIDHeader   = "X-Event-Id"
	EventTypeHeader = "X-Event-Type"

	maxResponseBody = 4 << 10
)

var ErrDeliveryFailed = errors.New("webhook delivery failed")

const (
	MessageNotConfigured = "No webhook configured"
	MessageNotSubscribed = "Event not subscribed"
	MessageDelivered     = "Webhook delivered"
)

// Target is the webhook configuration of one request, secret decrypted.
type Target struct {
	RequestID string
	URL       string
	Secret    string
	Events    []string
}

func (t Target) subscribed(event string) bool {
	for _, e := range t.Events {
		if e == event {
			return true
		}
	}
	return false
}

type Payload struct {
	Event     string    `json:"event"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type Result struct {
	Dispatched bool   `json:"dispatched"`
	Message    string `json:"message"`
	EventID    string `json:"event_id,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Recorder persists every delivery attempt.
type Recorder interface {
	InsertWebhookDelivery(ctx context.Context, d models.WebhookDelivery) error
}

type Dispatcher struct {
	client   *http.Client
	policy   RetryPolicy
	recorder Recorder
	log      *zap.Logger
	now      func() time.Time

	// BackgroundTimeout bounds deliveries started with Go.
	BackgroundTimeout time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(client *http.Client, policy RetryPolicy, recorder Recorder, log *zap.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		client:            client,
		policy:            policy,
		recorder:          recorder,
		log:               log,
		now:               func() time.Time { return time.Now().UTC() },
		BackgroundTimeout: 2 * time.Minute,
	}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Dispatch delivers event to the target, retrying per the policy. Requests
// without a URL or without a subscription to event are reported as not
// dispatched and make no HTTP call. Exhausted retries return an error
// wrapping ErrDeliveryFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, t Target, event string, data any) (Result, error) {
	if strings.TrimSpace(t.URL) == "" {
		return Result{Message: MessageNotConfigured}, nil
	}
	if !t.subscribed(event) {
		return Result{Message: MessageNotSubscribed}, nil
	}

	eventID := uuid.NewString()
	body, err := json.Marshal(Payload{Event: event, RequestID: t.RequestID, Timestamp: d.now(), Data: data})
	if err != nil {
		return Result{}, fmt.Errorf("encode webhook payload: %w", err)
	}

	maxAttempts := d.policy.attempts()
	res := Result{EventID: eventID}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		status, respBody, err := d.post(ctx, t, event, eventID, body)
		res.StatusCode = status
		ok := err == nil && status >= 200 && status < 300
		if err == nil && !ok {
			err = fmt.Errorf("unexpected status %d", status)
		}
		d.record(ctx, t.RequestID, eventID, event, attempt, maxAttempts, status, respBody, err, ok)
		if ok {
			res.Dispatched = true
			res.Message = MessageDelivered
			return res, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		if err := d.policy.sleep(ctx, d.policy.Backoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}
	res.Message = fmt.Sprintf("delivery failed after %d attempts", res.Attempts)
	return res, fmt.Errorf("%w: %s: %v", ErrDeliveryFailed, event, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, t Target, event, eventID string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(EventTypeHeader, event)
	req.Header.Set(EventIDHeader, eventID)
	if t.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(t.Secret, body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(raw), nil
}

func (d *Dispatcher) record(ctx context.Context, requestID, eventID, event string, attempt, maxAttempts, status int, body string, deliveryErr error, ok bool) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("event", event),
		zap.String("event_id", eventID),
		zap.Int("attempt", attempt),
		zap.Int("retry_count", attempt-1),
		zap.Int("status_code", status),
		zap.String("response_body", body),
	}
	errText := ""
	if deliveryErr != nil {
		errText = deliveryErr.Error()
		d.log.Warn("webhook attempt failed", append(fields, zap.Error(deliveryErr))...)
	} else {
		d.log.Info("webhook delivered", fields...)
	}
	if d.recorder == nil {
		return
	}
	// Recording must outlive a cancelled delivery context.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := d.recorder.InsertWebhookDelivery(recCtx, models.WebhookDelivery{
		RequestID:    requestID,
		EventID:      eventID,
		Event:        event,
		Attempt:      attempt,
		MaxAttempts:  maxAttempts,
		StatusCode:   status,
		ResponseBody: body,
		Error:        errText,
		Success:      ok,
		CreatedAt:    d.now(),
	})
	if err != nil {
		d.log.Error("record webhook attempt", zap.String("request_id", requestID), zap.Error(err))
	}
}

// Go delivers in the background. Failures are logged and recorded only.
func (d *Dispatcher) Go(t Target, event string, data any) {
	if strings.TrimSpace(t.URL) == "" || !t.subscribed(event) {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.BackgroundTimeout)
		defer cancel()
		if _, err := d.Dispatch(ctx, t, event, data); err != nil {
			d.log.Error("webhook dispatch exhausted", zap.String("request_id", t.RequestID), zap.String("event", event), zap.Error(err))
		}
	}()
}

// Wait blocks until background deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
