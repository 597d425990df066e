package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/eventbus"
	"github.com/foremanhq/foreman/pkg/cerr"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*DelegateEvent
	err    error
}

func (s *recordingSink) HandleDelegateEvent(_ context.Context, ev *DelegateEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestHandler(sink DelegateSink) (*Handler, *eventbus.Bus, http.Handler) {
	bus := eventbus.New()
	h := NewHandler(
		newTestVerifier(testSecret, 1024),
		newTestVerifier(testSecret, 1024),
		bus, sink)

	r := chi.NewRouter()
	r.Use(cerr.NewJSONResponseChiMiddleware())
	h.Routes(r)
	return h, bus, r
}

func postSigned(router http.Handler, path string, body []byte, deliveryID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign(testSecret, body))
	if deliveryID != "" {
		req.Header.Set(DeliveryHeader, deliveryID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_IssueEventPublished(t *testing.T) {
	_, bus, router := newTestHandler(&recordingSink{})
	_, events := bus.Subscribe(8)

	body := []byte(`{"type": "issue.created", "data": {"id": "ISSUE-1", "title": "Fix it"}}`)
	rec := postSigned(router, "/webhooks/issues", body, "d-1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "accepted"}`, rec.Body.String())

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.TypeIssueReceived, ev.Type)
		assert.Equal(t, "ISSUE-1", ev.ResourceID)
		payload, ok := ev.Payload.(*IssueEvent)
		require.True(t, ok)
		assert.Equal(t, "Fix it", payload.Data.Title)
	case <-time.After(time.Second):
		t.Fatal("issue event was not published")
	}
}

func TestHandler_IssueEventBadSignature(t *testing.T) {
	_, bus, router := newTestHandler(&recordingSink{})
	_, events := bus.Subscribe(8)

	body := []byte(`{"type": "issue.created", "data": {"id": "ISSUE-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/issues", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign("wrong-secret", body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	select {
	case <-events:
		t.Fatal("unauthenticated event must not be published")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandler_IssueEventBadSchema(t *testing.T) {
	_, _, router := newTestHandler(&recordingSink{})

	body := []byte(`{"type": "issue.created", "data": {}}`)
	rec := postSigned(router, "/webhooks/issues", body, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_DuplicateDelivery(t *testing.T) {
	_, bus, router := newTestHandler(&recordingSink{})
	_, events := bus.Subscribe(8)

	body := []byte(`{"type": "issue.created", "data": {"id": "ISSUE-1"}}`)

	first := postSigned(router, "/webhooks/issues", body, "d-1")
	second := postSigned(router, "/webhooks/issues", body, "d-1")

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"status": "accepted"}`, first.Body.String())
	assert.JSONEq(t, `{"status": "duplicate"}`, second.Body.String())

	published := 0
	for {
		select {
		case <-events:
			published++
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, 1, published)
}

func TestHandler_ConcurrentDuplicateDelivery(t *testing.T) {
	_, bus, router := newTestHandler(&recordingSink{})
	_, events := bus.Subscribe(64)

	body := []byte(`{"type": "issue.created", "data": {"id": "ISSUE-1"}}`)

	const n = 8
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- postSigned(router, "/webhooks/issues", body, "d-race").Code
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}

	published := 0
	for {
		select {
		case <-events:
			published++
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	// Exactly one delivery produces a side effect.
	assert.Equal(t, 1, published)
}

func TestHandler_DelegateEventRoutedToSink(t *testing.T) {
	sink := &recordingSink{}
	_, _, router := newTestHandler(sink)

	body := []byte(`{"type": "task.progress", "taskId": "task-1", "progress": 50}`)
	rec := postSigned(router, "/webhooks/delegate", body, "d-1")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, DelegateTaskProgress, sink.events[0].Type)
	assert.Equal(t, 50, *sink.events[0].Progress)
}

func TestHandler_DelegateDuplicateSkipsSink(t *testing.T) {
	sink := &recordingSink{}
	_, _, router := newTestHandler(sink)

	body := []byte(`{"type": "task.started", "taskId": "task-1"}`)
	first := postSigned(router, "/webhooks/delegate", body, "d-1")
	second := postSigned(router, "/webhooks/delegate", body, "d-1")

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, 1, sink.count())
}

func TestHandler_DelegateSinkErrorSurfaced(t *testing.T) {
	sink := &recordingSink{err: cerr.NewError(cerr.NotFound, "no session for delegate task task-1", nil)}
	_, _, router := newTestHandler(sink)

	body := []byte(`{"type": "task.started", "taskId": "task-1"}`)
	rec := postSigned(router, "/webhooks/delegate", body, "d-1")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
