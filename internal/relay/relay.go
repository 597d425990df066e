package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/foremanhq/foreman/internal/eventbus"
	"github.com/foremanhq/foreman/internal/session"
	"github.com/foremanhq/foreman/internal/tracker"
	"github.com/foremanhq/foreman/internal/webhook"
)

// milestones are the progress percentages worth a tracker update.
var milestones = []int{25, 50, 75, 100}

// notifyTimeout bounds one outbound notification including all retries.
const notifyTimeout = 2 * time.Minute

// Relay maps verified delegate callbacks onto session store mutations and
// forwards externally meaningful transitions to the issue tracker. The
// store mutation always lands first; notification is best-effort and never
// rolls the local state back.
type Relay struct {
	store       *session.Store
	tracker     tracker.Client
	bus         *eventbus.Bus
	maxAttempts int
	baseBackoff time.Duration
	wg          *conc.WaitGroup
}

func New(store *session.Store, trackerClient tracker.Client, bus *eventbus.Bus, maxAttempts int) *Relay {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Relay{
		store:       store,
		tracker:     trackerClient,
		bus:         bus,
		maxAttempts: maxAttempts,
		baseBackoff: time.Second,
		wg:          conc.NewWaitGroup(),
	}
}

// Wait blocks until all in-flight notifications have drained.
func (r *Relay) Wait() {
	r.wg.Wait()
}

// HandleDelegateEvent applies one delegate callback. The returned error is
// what the webhook handler surfaces to the delegate (404 unknown task,
// 409 contradictory outcome).
func (r *Relay) HandleDelegateEvent(ctx context.Context, ev *webhook.DelegateEvent) error {
	sess, err := r.store.ByDelegateID(ctx, ev.TaskID)
	if err != nil {
		slog.Warn("delegate callback for unknown task", "task_id", ev.TaskID, "type", ev.Type)
		return err
	}

	switch ev.Type {
	case webhook.DelegateTaskStarted:
		cur, prev, err := r.store.Advance(ctx, sess.ID, 0, "accepted")
		if err != nil {
			return err
		}
		if prev.Status == session.StatusCreated && cur.Status == session.StatusRunning {
			r.bus.PublishNew(eventbus.TypeSessionStarted, cur.ID, nil, nil)
			r.notify(cur.IssueID, fmt.Sprintf("Delegate accepted task %s; session %s is running.", cur.DelegateTaskID, cur.ID))
		}

	case webhook.DelegateTaskProgress:
		cur, prev, err := r.store.Advance(ctx, sess.ID, *ev.Progress, ev.Step)
		if err != nil {
			return err
		}
		if prev.Status == session.StatusCreated && cur.Status == session.StatusRunning {
			r.bus.PublishNew(eventbus.TypeSessionStarted, cur.ID, nil, nil)
			r.notify(cur.IssueID, fmt.Sprintf("Delegate accepted task %s; session %s is running.", cur.DelegateTaskID, cur.ID))
		}
		if m := crossedMilestone(prev.Progress, cur.Progress); m > 0 {
			body := fmt.Sprintf("Progress: %d%% (%d%% milestone)", cur.Progress, m)
			if cur.Step != "" {
				body += fmt.Sprintf(" — current step: %s", cur.Step)
			}
			r.notify(cur.IssueID, body)
		}

	case webhook.DelegateTaskCompleted:
		cur, err := r.store.Complete(ctx, sess.ID, session.Result{
			ArtifactURL:  ev.Result.ArtifactURL,
			ChangedFiles: ev.Result.ChangedFiles,
		})
		if err != nil {
			return err
		}
		r.bus.PublishNew(eventbus.TypeSessionCompleted, cur.ID, nil, nil)
		r.notify(cur.IssueID, fmt.Sprintf("Task completed: %s (%d files changed).",
			cur.Result.ArtifactURL, cur.Result.ChangedFiles))

	case webhook.DelegateTaskFailed:
		cur, err := r.store.Fail(ctx, sess.ID, session.Failure{
			Message: ev.Error.Message,
			Class:   ev.Error.Class,
		})
		if err != nil {
			return err
		}
		r.bus.PublishNew(eventbus.TypeSessionFailed, cur.ID, nil, nil)
		r.notify(cur.IssueID, fmt.Sprintf("Task failed (%s): %s",
			cur.Failure.Class, cur.Failure.Message))
	}
	return nil
}

// NotifyDecision posts the delegation verdict to the issue. Called for
// every decision so a no-delegate verdict never disappears silently.
func (r *Relay) NotifyDecision(issueID, body string) {
	r.notify(issueID, body)
}

// NotifyCancelled posts the cancellation outcome to the issue.
func (r *Relay) NotifyCancelled(sess *session.Session) {
	r.bus.PublishNew(eventbus.TypeSessionCancelled, sess.ID, nil, nil)
	r.notify(sess.IssueID, fmt.Sprintf("Session %s cancelled.", sess.ID))
}

// notify delivers one tracker comment asynchronously with bounded retry.
// Detached from the request context: the webhook response must not wait
// on the tracker.
func (r *Relay) notify(issueID, body string) {
	r.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		r.sendWithRetry(ctx, issueID, body)
	})
}

// sendWithRetry posts a comment with exponential backoff on transient
// failures (network errors, 429, 5xx). Permanent failures are logged and
// abandoned; the session transition already recorded is never rolled back.
func (r *Relay) sendWithRetry(ctx context.Context, issueID, body string) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * r.baseBackoff
			select {
			case <-ctx.Done():
				slog.Warn("notification abandoned", "issue_id", issueID, "error", ctx.Err())
				return
			case <-time.After(backoff):
			}
		}

		err := r.tracker.PostComment(ctx, issueID, body)
		if err == nil {
			return
		}
		lastErr = err

		if !isTransient(err) {
			slog.Error("permanent notification failure", "issue_id", issueID, "error", err)
			return
		}
		slog.Warn("transient notification failure, retrying",
			"issue_id", issueID, "attempt", attempt+1, "error", err)
	}
	slog.Error("notification retries exhausted", "issue_id", issueID,
		"attempts", r.maxAttempts, "error", lastErr)
}

func isTransient(err error) bool {
	var apiErr *tracker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Anything that is not a tracker status error is a transport-level
	// failure and worth retrying.
	return true
}

func crossedMilestone(prev, cur int) int {
	crossed := 0
	for _, m := range milestones {
		if prev < m && m <= cur {
			crossed = m
		}
	}
	return crossed
}
