package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signdesk/internal/models"
)

type memRecorder struct {
	mu   sync.Mutex
	rows []models.WebhookDelivery
}

func (m *memRecorder) InsertWebhookDelivery(_ context.Context, d models.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, d)
	return nil
}

type sleepLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

func newTestDispatcher(rec Recorder, sl *sleepLog) *Dispatcher {
	policy := DefaultRetryPolicy()
	policy.Sleep = sl.sleep
	return NewDispatcher(nil, policy, rec, nil)
}

func TestBackoffDoubles(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "try later")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	sl := &sleepLog{}
	d := newTestDispatcher(rec, sl)

	res, err := d.Dispatch(context.Background(), Target{RequestID: "req-1", URL: srv.URL, Events: []string{models.EventSigned}}, models.EventSigned, map[string]string{"recipient_id": "r1"})
	require.NoError(t, err)
	assert.True(t, res.Dispatched)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.waits)

	require.Len(t, rec.rows, 3)
	assert.Equal(t, "try later", rec.rows[0].ResponseBody)
	assert.Equal(t, http.StatusBadGateway, rec.rows[1].StatusCode)
	assert.True(t, rec.rows[2].Success)
	assert.Equal(t, 2, rec.rows[2].RetryCount())
	assert.Equal(t, rec.rows[0].EventID, rec.rows[2].EventID)
}

func TestDispatchReportsExhaustedRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	sl := &sleepLog{}
	d := newTestDispatcher(rec, sl)

	res, err := d.Dispatch(context.Background(), Target{RequestID: "req-1", URL: srv.URL, Events: []string{models.EventCompleted}}, models.EventCompleted, nil)
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.False(t, res.Dispatched)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sl.waits)
	require.Len(t, rec.rows, 3)
	for _, row := range rec.rows {
		assert.False(t, row.Success)
		assert.Equal(t, 3, row.MaxAttempts)
	}
}

func TestDispatchSkipsUnsubscribedEvent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	rec := &memRecorder{}
	d := newTestDispatcher(rec, &sleepLog{})

	res, err := d.Dispatch(context.Background(), Target{RequestID: "req-1", URL: srv.URL, Events: []string{models.EventCompleted}}, models.EventViewed, nil)
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, MessageNotSubscribed, res.Message)
	assert.Zero(t, atomic.LoadInt32(&hits))
	assert.Empty(t, rec.rows)

	res, err = d.Dispatch(context.Background(), Target{RequestID: "req-1"}, models.EventViewed, nil)
	require.NoError(t, err)
	assert.Equal(t, MessageNotConfigured, res.Message)
}

func TestDispatchSignsBody(t *testing.T) {
	type seen struct {
		sig, eventType, eventID string
		body                    []byte
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- seen{r.Header.Get(SignatureHeader), r.Header.Get(EventTypeHeader), r.Header.Get(EventIDHeader), body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher(&memRecorder{}, &sleepLog{})
	res, err := d.Dispatch(context.Background(), Target{RequestID: "req-9", URL: srv.URL, Secret: "whsec", Events: []string{models.EventSent}}, models.EventSent, nil)
	require.NoError(t, err)

	s := <-got
	assert.Equal(t, Sign("whsec", s.body), s.sig)
	assert.Equal(t, models.EventSent, s.eventType)
	assert.Equal(t, res.EventID, s.eventID)

	var p Payload
	require.NoError(t, json.Unmarshal(s.body, &p))
	assert.Equal(t, "req-9", p.RequestID)
	assert.Equal(t, models.EventSent, p.Event)
}

func TestGoIsTrackedByWait(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	d := newTestDispatcher(&memRecorder{}, &sleepLog{})
	target := Target{RequestID: "req-1", URL: srv.URL, Events: []string{models.EventSigned}}
	d.Go(target, models.EventSigned, nil)
	d.Go(target, models.EventViewed, nil)
	d.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
