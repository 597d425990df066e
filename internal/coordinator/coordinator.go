package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/foremanhq/foreman/internal/classify"
	"github.com/foremanhq/foreman/internal/decision"
	"github.com/foremanhq/foreman/internal/delegate"
	"github.com/foremanhq/foreman/internal/eventbus"
	"github.com/foremanhq/foreman/internal/policy"
	"github.com/foremanhq/foreman/internal/relay"
	"github.com/foremanhq/foreman/internal/session"
	"github.com/foremanhq/foreman/internal/webhook"
	"github.com/foremanhq/foreman/pkg/cerr"
)

// Coordinator consumes authenticated issue events from the bus, runs the
// classification and delegation policy, and on a delegate verdict opens a
// session and dispatches the task to the execution delegate. It never
// executes work itself.
type Coordinator struct {
	bus      *eventbus.Bus
	store    *session.Store
	policies *policy.Store
	delegate delegate.Client
	relay    *relay.Relay
	wg       *conc.WaitGroup
}

func New(bus *eventbus.Bus, store *session.Store, policies *policy.Store, delegateClient delegate.Client, r *relay.Relay) *Coordinator {
	return &Coordinator{
		bus:      bus,
		store:    store,
		policies: policies,
		delegate: delegateClient,
		relay:    r,
		wg:       conc.NewWaitGroup(),
	}
}

// Start subscribes to the event bus and processes issue events until ctx
// is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	subID, ch := c.bus.Subscribe(256)
	defer c.bus.Unsubscribe(subID)

	slog.Info("coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			slog.Info("coordinator stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type == eventbus.TypeIssueReceived {
				c.handleIssueEvent(ctx, event)
			}
		}
	}
}

func (c *Coordinator) handleIssueEvent(ctx context.Context, event *eventbus.Event) {
	ev, ok := event.Payload.(*webhook.IssueEvent)
	if !ok {
		slog.Error("coordinator: unexpected payload type for issue event", "event_id", event.ID)
		return
	}

	item := classify.WorkItem{
		IssueID:      ev.Data.ID,
		Title:        ev.Data.Title,
		Description:  ev.Data.Description,
		Labels:       ev.Data.Labels,
		PriorityHint: ev.Data.Priority,
		ReceivedAt:   event.CreatedAt,
	}

	pol := c.policies.Current()
	cls := classify.Classify(item, pol)
	dec := decision.Decide(cls, c.store.ActiveCount(), pol)

	slog.Info("delegation decision",
		"issue_id", item.IssueID,
		"task_type", cls.Type,
		"complexity", cls.Complexity,
		"score", cls.Score,
		"confidence", cls.Confidence,
		"delegate", dec.ShouldDelegate,
		"strategy", dec.Strategy,
	)

	if !dec.ShouldDelegate {
		c.relay.NotifyDecision(item.IssueID, "Not delegated: "+dec.Reason)
		return
	}

	sess, err := c.store.Create(ctx, item.IssueID, string(dec.Strategy), map[string]string{
		"task_type":  string(cls.Type),
		"complexity": string(cls.Complexity),
		"priority":   string(cls.Priority),
	})
	if err != nil {
		if cerr.IsCode(err, cerr.AlreadyExists) {
			slog.Info("not delegated, session already active", "issue_id", item.IssueID)
			c.relay.NotifyDecision(item.IssueID, "Not delegated: an active session already exists for this issue.")
			return
		}
		slog.Error("coordinator: failed to create session", "issue_id", item.IssueID, "error", err)
		return
	}
	c.bus.PublishNew(eventbus.TypeSessionCreated, sess.ID, nil, map[string]string{"issue_id": item.IssueID})

	c.dispatch(ctx, sess, item, dec)
}

// dispatch sends the task to the execution delegate and binds the returned
// task id to the session. A dispatch failure fails the session: the issue
// is never left with a silently dead session.
func (c *Coordinator) dispatch(ctx context.Context, sess *session.Session, item classify.WorkItem, dec decision.Decision) {
	spec := delegate.TaskSpec{
		IssueID:       item.IssueID,
		Title:         item.Title,
		Description:   item.Description,
		Strategy:      string(dec.Strategy),
		RequireReview: dec.Strategy == decision.StrategyReviewFirst,
		Metadata:      map[string]string{"session_id": sess.ID},
	}

	taskID, err := c.delegate.CreateTask(ctx, spec)
	if err != nil {
		slog.Error("coordinator: dispatch failed", "session_id", sess.ID, "issue_id", item.IssueID, "error", err)
		if _, ferr := c.store.Fail(ctx, sess.ID, session.Failure{
			Message: err.Error(),
			Class:   "dispatch_error",
		}); ferr != nil {
			slog.Error("coordinator: failed to record dispatch failure", "session_id", sess.ID, "error", ferr)
		}
		c.relay.NotifyDecision(item.IssueID, "Delegation failed: could not dispatch task to the execution delegate.")
		return
	}

	if _, err := c.store.AttachDelegateID(ctx, sess.ID, taskID); err != nil {
		// A duplicate dispatch on the delegate side; the first binding wins.
		slog.Error("coordinator: delegate id binding conflict", "session_id", sess.ID, "task_id", taskID, "error", err)
		return
	}

	c.relay.NotifyDecision(item.IssueID, fmt.Sprintf(
		"Delegated with strategy %s (session %s, estimated %s). %s",
		dec.Strategy, sess.ID, dec.EstimatedDuration, dec.Reason))
}

// OnSessionCancelled sends the best-effort downstream cancel and the
// tracker notification after a session was cancelled in the store.
func (c *Coordinator) OnSessionCancelled(_ context.Context, sess *session.Session) {
	snapshot := *sess
	c.wg.Go(func() {
		if snapshot.DelegateTaskID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.delegate.CancelTask(ctx, snapshot.DelegateTaskID); err != nil {
				slog.Warn("downstream cancel failed", "session_id", snapshot.ID,
					"task_id", snapshot.DelegateTaskID, "error", err)
			}
		}
		c.relay.NotifyCancelled(&snapshot)
	})
}
