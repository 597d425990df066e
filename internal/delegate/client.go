package delegate

import (
	"context"
	"fmt"
)

// TaskSpec describes one delegated task for the execution agent.
type TaskSpec struct {
	IssueID     string `json:"issue_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Strategy    string `json:"strategy"`
	// RequireReview marks the resulting artifact as needing human review
	// before any auto-merge (REVIEW_FIRST).
	RequireReview bool              `json:"require_review"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Client is the narrow slice of the execution delegate this system
// consumes. The delegate's internal behavior is out of scope; it reports
// back through the delegate webhook.
type Client interface {
	CreateTask(ctx context.Context, spec TaskSpec) (string, error)
	CancelTask(ctx context.Context, delegateTaskID string) error
}

// APIError carries the HTTP status of a failed delegate call.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("delegate API error: status %d: %s", e.StatusCode, e.Body)
}
