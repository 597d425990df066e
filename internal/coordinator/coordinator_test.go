package coordinator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/delegate"
	"github.com/foremanhq/foreman/internal/eventbus"
	"github.com/foremanhq/foreman/internal/policy"
	"github.com/foremanhq/foreman/internal/relay"
	"github.com/foremanhq/foreman/internal/session"
	"github.com/foremanhq/foreman/internal/tracker"
	"github.com/foremanhq/foreman/internal/webhook"
)

type fakeDelegate struct {
	mu        sync.Mutex
	created   []delegate.TaskSpec
	cancelled []string
	err       error
}

func (f *fakeDelegate) CreateTask(_ context.Context, spec delegate.TaskSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, spec)
	return "task-" + spec.IssueID, nil
}

func (f *fakeDelegate) CancelTask(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

type fakeTracker struct {
	mu       sync.Mutex
	comments []string
}

func (f *fakeTracker) GetIssue(context.Context, string) (*tracker.Issue, error) { return nil, nil }
func (f *fakeTracker) TransitionStatus(context.Context, string, string) error  { return nil }

func (f *fakeTracker) PostComment(_ context.Context, _ string, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeTracker) waitForComment(t *testing.T, substr string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, c := range f.comments {
			if strings.Contains(c, substr) {
				f.mu.Unlock()
				return c
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no tracker comment containing %q", substr)
	return ""
}

type fixture struct {
	bus      *eventbus.Bus
	store    *session.Store
	delegate *fakeDelegate
	tracker  *fakeTracker
	coord    *Coordinator
	relay    *relay.Relay
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, pol policy.Policy) *fixture {
	t.Helper()
	bus := eventbus.New()
	store := session.NewStore(nil)
	fd := &fakeDelegate{}
	ft := &fakeTracker{}
	r := relay.New(store, ft, bus, 1)
	coord := New(bus, store, policy.NewStore(pol), fd, r)

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Start(ctx)
	// Let the consumer subscribe before events are published.
	time.Sleep(10 * time.Millisecond)

	t.Cleanup(func() {
		cancel()
		r.Wait()
	})
	return &fixture{bus: bus, store: store, delegate: fd, tracker: ft, coord: coord, relay: r, cancel: cancel}
}

func testPolicy() policy.Policy {
	return policy.Policy{
		DelegationThreshold: 6,
		MaxConcurrency:      8,
		SimpleMax:           4,
		MediumMax:           7,
	}
}

func publishIssue(f *fixture, id, title, desc, priority string) {
	f.bus.PublishNew(eventbus.TypeIssueReceived, id, &webhook.IssueEvent{
		Type: "issue.created",
		Data: webhook.IssueData{ID: id, Title: title, Description: desc, Priority: priority},
	}, nil)
}

func TestCoordinator_DelegatesComplexIssue(t *testing.T) {
	f := newFixture(t, testPolicy())

	publishIssue(f, "ISSUE-1", "Implement real-time chat",
		"Add real-time chat with message persistence and a schema migration for history.",
		"high")

	comment := f.tracker.waitForComment(t, "Delegated with strategy")
	assert.Contains(t, comment, "REVIEW_FIRST")

	sess, err := f.store.ByIssue(context.Background(), "ISSUE-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCreated, sess.Status)
	assert.Equal(t, "task-ISSUE-1", sess.DelegateTaskID)

	f.delegate.mu.Lock()
	defer f.delegate.mu.Unlock()
	require.Len(t, f.delegate.created, 1)
	spec := f.delegate.created[0]
	assert.Equal(t, "ISSUE-1", spec.IssueID)
	assert.True(t, spec.RequireReview)
	assert.Equal(t, sess.ID, spec.Metadata["session_id"])
}

func TestCoordinator_DeclinesTrivialIssue(t *testing.T) {
	f := newFixture(t, testPolicy())

	publishIssue(f, "ISSUE-2", "Fix typo in error message", "One-liner, says 'sucessful'.", "")

	comment := f.tracker.waitForComment(t, "Not delegated")
	assert.Contains(t, comment, "below threshold")

	_, err := f.store.ByIssue(context.Background(), "ISSUE-2")
	require.Error(t, err)

	f.delegate.mu.Lock()
	defer f.delegate.mu.Unlock()
	assert.Empty(t, f.delegate.created)
}

func TestCoordinator_DeclinesAtCapacity(t *testing.T) {
	pol := testPolicy()
	pol.MaxConcurrency = 0
	f := newFixture(t, pol)

	publishIssue(f, "ISSUE-3", "Implement audit log",
		"Add an append-only audit log with persistence and a schema migration.", "high")

	comment := f.tracker.waitForComment(t, "Not delegated")
	assert.Contains(t, comment, "at capacity")
}

func TestCoordinator_SecondEventForActiveIssueDeclined(t *testing.T) {
	f := newFixture(t, testPolicy())

	desc := "Add real-time chat with message persistence and a schema migration for history."
	publishIssue(f, "ISSUE-4", "Implement real-time chat", desc, "high")
	f.tracker.waitForComment(t, "Delegated with strategy")

	publishIssue(f, "ISSUE-4", "Implement real-time chat", desc, "high")
	comment := f.tracker.waitForComment(t, "active session already exists")
	assert.Contains(t, comment, "Not delegated")

	f.delegate.mu.Lock()
	defer f.delegate.mu.Unlock()
	assert.Len(t, f.delegate.created, 1)
}

func TestCoordinator_DispatchFailureFailsSession(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.delegate.mu.Lock()
	f.delegate.err = &delegate.APIError{StatusCode: 503, Body: "no capacity"}
	f.delegate.mu.Unlock()

	publishIssue(f, "ISSUE-5", "Implement audit log",
		"Add an append-only audit log with persistence and a schema migration.", "high")

	f.tracker.waitForComment(t, "Delegation failed")

	sess, err := f.store.ByIssue(context.Background(), "ISSUE-5")
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, sess.Status)
	require.NotNil(t, sess.Failure)
	assert.Equal(t, "dispatch_error", sess.Failure.Class)
}

func TestCoordinator_OnSessionCancelled(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	sess, err := f.store.Create(ctx, "ISSUE-6", "DIRECT", nil)
	require.NoError(t, err)
	sess, err = f.store.AttachDelegateID(ctx, sess.ID, "task-6")
	require.NoError(t, err)
	sess, err = f.store.Cancel(ctx, sess.ID)
	require.NoError(t, err)

	f.coord.OnSessionCancelled(ctx, sess)
	f.tracker.waitForComment(t, "cancelled")

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.delegate.mu.Lock()
		n := len(f.delegate.cancelled)
		f.delegate.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("downstream cancel was not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
