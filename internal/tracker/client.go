package tracker

import (
	"context"
	"fmt"
)

// Issue is the tracker's view of a work item.
type Issue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	Assignee    string   `json:"assignee"`
	Priority    string   `json:"priority"`
}

// Client is the narrow slice of the issue tracker this system consumes.
type Client interface {
	GetIssue(ctx context.Context, id string) (*Issue, error)
	PostComment(ctx context.Context, issueID, body string) error
	TransitionStatus(ctx context.Context, issueID, stateID string) error
}

// APIError carries the HTTP status of a failed tracker call so callers can
// distinguish transient failures (429, 5xx) from permanent ones.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker API error: status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether retrying the call may succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
