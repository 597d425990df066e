package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/foremanhq/foreman/pkg/cerr"
)

// Store is the authoritative bidirectional mapping between issues,
// delegate task ids and sessions. All session mutation goes through it;
// every returned *Session is a detached copy.
//
// Locking: mu guards the index maps, each entry carries its own mutex for
// field mutation. Lock order is always mu before entry.mu.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*entry
	byIssue    map[string]string // issue id -> session id of the most recent session
	byDelegate map[string]string // delegate task id -> session id
	repo       Repository
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

func NewStore(repo Repository) *Store {
	return &Store{
		byID:       make(map[string]*entry),
		byIssue:    make(map[string]string),
		byDelegate: make(map[string]string),
		repo:       repo,
	}
}

// Load rehydrates the store from the repository. Call once at boot,
// before the store is shared.
func (st *Store) Load(ctx context.Context) error {
	if st.repo == nil {
		return nil
	}
	all, err := st.repo.LoadAll(ctx)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range all {
		st.byID[s.ID] = &entry{s: s}
		if prev, ok := st.byIssue[s.IssueID]; !ok || st.byID[prev].s.CreatedAt.Before(s.CreatedAt) {
			st.byIssue[s.IssueID] = s.ID
		}
		if s.DelegateTaskID != "" {
			st.byDelegate[s.DelegateTaskID] = s.ID
		}
	}
	slog.Info("session store rehydrated", "sessions", len(all))
	return nil
}

// Create opens a session for issueID. Fails with AlreadyExists if an
// active session already occupies the issue.
func (st *Store) Create(ctx context.Context, issueID, strategy string, metadata map[string]string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if prevID, ok := st.byIssue[issueID]; ok {
		prev := st.byID[prevID]
		prev.mu.Lock()
		active := prev.s.Status.Active()
		prev.mu.Unlock()
		if active {
			return nil, cerr.NewError(cerr.AlreadyExists,
				fmt.Sprintf("issue %s already has active session %s", issueID, prevID), nil)
		}
	}

	s := &Session{
		ID:        ulid.Make().String(),
		IssueID:   issueID,
		Strategy:  strategy,
		Status:    StatusCreated,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	st.byID[s.ID] = &entry{s: s}
	st.byIssue[issueID] = s.ID

	snap := s.clone()
	st.persist(ctx, snap)
	return snap, nil
}

// AttachDelegateID binds the delegate's task id to the session. First call
// wins; a second call with a different id is a conflict (duplicate
// delegate-side dispatch).
func (st *Store) AttachDelegateID(ctx context.Context, sessionID, delegateTaskID string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.byID[sessionID]
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("session %s not found", sessionID), nil)
	}
	if otherID, ok := st.byDelegate[delegateTaskID]; ok && otherID != sessionID {
		return nil, cerr.NewError(cerr.Aborted,
			fmt.Sprintf("delegate task %s already bound to session %s", delegateTaskID, otherID), nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.DelegateTaskID == delegateTaskID {
		return e.s.clone(), nil
	}
	if e.s.DelegateTaskID != "" {
		return nil, cerr.NewError(cerr.Aborted,
			fmt.Sprintf("session %s already bound to delegate task %s", sessionID, e.s.DelegateTaskID), nil)
	}
	e.s.DelegateTaskID = delegateTaskID
	st.byDelegate[delegateTaskID] = sessionID

	snap := e.s.clone()
	st.persist(ctx, snap)
	return snap, nil
}

// Advance records a progress callback. Terminal sessions swallow the call
// (stale delivery) with a log line; otherwise progress is monotonic and a
// CREATED session moves to RUNNING. Returns the updated snapshot together
// with the pre-mutation snapshot so callers can detect acceptance and
// milestone crossings; on a swallowed call both snapshots are identical.
func (st *Store) Advance(ctx context.Context, sessionID string, progress int, step string) (cur, prev *Session, err error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	if e.s.Status.Terminal() {
		snap := e.s.clone()
		e.mu.Unlock()
		slog.Info("dropping stale progress callback",
			"session_id", sessionID, "status", snap.Status, "progress", progress)
		return snap, snap, nil
	}
	prev = e.s.clone()
	if e.s.Status == StatusCreated {
		now := time.Now()
		e.s.Status = StatusRunning
		e.s.StartedAt = &now
	}
	if progress > e.s.Progress && progress <= 100 {
		e.s.Progress = progress
	}
	if step != "" {
		e.s.Step = step
	}
	cur = e.s.clone()
	e.mu.Unlock()

	st.persist(ctx, cur)
	return cur, prev, nil
}

// Complete transitions to COMPLETED. Idempotent on repeat; a completion
// after FAILED or CANCELLED is rejected as a contradictory outcome.
func (st *Store) Complete(ctx context.Context, sessionID string, result Result) (*Session, error) {
	return st.finish(ctx, sessionID, StatusCompleted, &result, nil)
}

// Fail transitions to FAILED. Idempotent on repeat; a failure after
// COMPLETED or CANCELLED is rejected as a contradictory outcome.
func (st *Store) Fail(ctx context.Context, sessionID string, failure Failure) (*Session, error) {
	return st.finish(ctx, sessionID, StatusFailed, nil, &failure)
}

func (st *Store) finish(ctx context.Context, sessionID string, target Status, result *Result, failure *Failure) (*Session, error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.s.Status == target {
		// Repeat delivery of the same outcome: return the original.
		snap := e.s.clone()
		e.mu.Unlock()
		return snap, nil
	}
	if e.s.Status.Terminal() {
		current := e.s.Status
		e.mu.Unlock()
		slog.Warn("contradictory terminal transition rejected",
			"session_id", sessionID, "status", current, "requested", target)
		return nil, cerr.NewError(cerr.Aborted,
			fmt.Sprintf("session %s is already %s", sessionID, current), nil)
	}
	now := time.Now()
	e.s.Status = target
	e.s.CompletedAt = &now
	if target == StatusCompleted {
		e.s.Progress = 100
		e.s.Result = result
	} else {
		// Progress stays at its last observed value on failure.
		e.s.Failure = failure
	}
	snap := e.s.clone()
	e.mu.Unlock()

	st.persist(ctx, snap)
	return snap, nil
}

// Cancel transitions to CANCELLED. Allowed only from CREATED or RUNNING.
func (st *Store) Cancel(ctx context.Context, sessionID string) (*Session, error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if !e.s.Status.Active() {
		current := e.s.Status
		e.mu.Unlock()
		return nil, cerr.NewError(cerr.Aborted,
			fmt.Sprintf("session %s is %s, not cancellable", sessionID, current), nil)
	}
	now := time.Now()
	e.s.Status = StatusCancelled
	e.s.CompletedAt = &now
	snap := e.s.clone()
	e.mu.Unlock()

	st.persist(ctx, snap)
	return snap, nil
}

func (st *Store) Get(_ context.Context, sessionID string) (*Session, error) {
	e, err := st.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

func (st *Store) ByIssue(_ context.Context, issueID string) (*Session, error) {
	st.mu.RLock()
	id, ok := st.byIssue[issueID]
	var e *entry
	if ok {
		e = st.byID[id]
	}
	st.mu.RUnlock()
	if e == nil {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("no session for issue %s", issueID), nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

func (st *Store) ByDelegateID(_ context.Context, delegateTaskID string) (*Session, error) {
	st.mu.RLock()
	id, ok := st.byDelegate[delegateTaskID]
	var e *entry
	if ok {
		e = st.byID[id]
	}
	st.mu.RUnlock()
	if e == nil {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("no session for delegate task %s", delegateTaskID), nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.clone(), nil
}

// List returns snapshots of every session, newest first.
func (st *Store) List(_ context.Context) []*Session {
	return st.snapshot(func(*Session) bool { return true })
}

// Active returns snapshots of CREATED and RUNNING sessions, newest first.
func (st *Store) Active(_ context.Context) []*Session {
	return st.snapshot(func(s *Session) bool { return s.Status.Active() })
}

// ActiveCount is the in-flight session count consumed by the decision
// engine. Approximate under concurrent mutation, which the concurrency
// policy tolerates.
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := 0
	for _, e := range st.byID {
		e.mu.Lock()
		if e.s.Status.Active() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// CountByStatus returns the session count per lifecycle status.
func (st *Store) CountByStatus() map[Status]int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	counts := make(map[Status]int)
	for _, e := range st.byID {
		e.mu.Lock()
		counts[e.s.Status]++
		e.mu.Unlock()
	}
	return counts
}

// Sweep removes terminal sessions whose completion is older than
// retention. Runs from the sweeper goroutine, never inline with requests.
func (st *Store) Sweep(ctx context.Context, retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	st.mu.Lock()
	var victims []*Session
	for _, e := range st.byID {
		e.mu.Lock()
		s := e.s
		if s.Status.Terminal() && s.CompletedAt != nil && s.CompletedAt.Before(cutoff) {
			victims = append(victims, s)
		}
		e.mu.Unlock()
	}
	for _, s := range victims {
		delete(st.byID, s.ID)
		if st.byIssue[s.IssueID] == s.ID {
			delete(st.byIssue, s.IssueID)
		}
		if s.DelegateTaskID != "" {
			delete(st.byDelegate, s.DelegateTaskID)
		}
	}
	st.mu.Unlock()

	for _, s := range victims {
		if st.repo != nil {
			if err := st.repo.Delete(ctx, s.ID); err != nil {
				slog.Warn("failed to delete swept session from repository",
					"session_id", s.ID, "error", err)
			}
		}
	}
	if len(victims) > 0 {
		slog.Info("swept terminal sessions", "count", len(victims))
	}
	return len(victims)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (st *Store) StartSweeper(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.Sweep(ctx, retention)
		}
	}
}

func (st *Store) lookup(sessionID string) (*entry, error) {
	st.mu.RLock()
	e, ok := st.byID[sessionID]
	st.mu.RUnlock()
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("session %s not found", sessionID), nil)
	}
	return e, nil
}

func (st *Store) snapshot(keep func(*Session) bool) []*Session {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.byID))
	for _, e := range st.byID {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	var out []*Session
	for _, e := range entries {
		e.mu.Lock()
		if keep(e.s) {
			out = append(out, e.s.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// persist writes through to the repository. Local state is the source of
// truth: failures are logged, never surfaced to the caller.
func (st *Store) persist(ctx context.Context, snap *Session) {
	if st.repo == nil {
		return
	}
	if err := st.repo.Save(ctx, snap); err != nil {
		slog.Error("failed to persist session", "session_id", snap.ID, "error", err)
	}
}
