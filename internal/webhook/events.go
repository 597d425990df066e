package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/foremanhq/foreman/pkg/cerr"
)

// Wire payloads are validated and narrowed to these closed types before
// any business logic sees them; nothing downstream branches on raw JSON.

// IssueEvent is the tracker-originated envelope.
type IssueEvent struct {
	Type string    `json:"type"`
	Data IssueData `json:"data"`
}

type IssueData struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	Assignee    string   `json:"assignee"`
	Priority    string   `json:"priority"`
}

// ParseIssueEvent validates an issue webhook body against the expected
// envelope shape.
func ParseIssueEvent(body []byte) (*IssueEvent, error) {
	var ev IssueEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "malformed issue event", err)
	}
	if !strings.HasPrefix(ev.Type, "issue.") {
		return nil, cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("unexpected issue event type %q", ev.Type), nil)
	}
	if ev.Data.ID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "issue event missing data.id", nil)
	}
	return &ev, nil
}

type DelegateEventType string

const (
	DelegateTaskStarted   DelegateEventType = "task.started"
	DelegateTaskProgress  DelegateEventType = "task.progress"
	DelegateTaskCompleted DelegateEventType = "task.completed"
	DelegateTaskFailed    DelegateEventType = "task.failed"
)

// DelegateEvent is a delegate-originated progress callback.
type DelegateEvent struct {
	Type     DelegateEventType `json:"type"`
	TaskID   string            `json:"taskId"`
	Progress *int              `json:"progress,omitempty"`
	Step     string            `json:"step,omitempty"`
	Result   *DelegateResult   `json:"result,omitempty"`
	Error    *DelegateError    `json:"error,omitempty"`
}

type DelegateResult struct {
	ArtifactURL  string `json:"artifact_url"`
	ChangedFiles int    `json:"changed_files"`
}

type DelegateError struct {
	Message string `json:"message"`
	Class   string `json:"class"`
}

// ParseDelegateEvent validates a delegate callback body against the shape
// its declared type requires.
func ParseDelegateEvent(body []byte) (*DelegateEvent, error) {
	var ev DelegateEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, "malformed delegate event", err)
	}
	if ev.TaskID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "delegate event missing taskId", nil)
	}
	switch ev.Type {
	case DelegateTaskStarted:
	case DelegateTaskProgress:
		if ev.Progress == nil || *ev.Progress < 0 || *ev.Progress > 100 {
			return nil, cerr.NewError(cerr.InvalidArgument, "task.progress requires progress in [0,100]", nil)
		}
	case DelegateTaskCompleted:
		if ev.Result == nil {
			return nil, cerr.NewError(cerr.InvalidArgument, "task.completed requires result", nil)
		}
	case DelegateTaskFailed:
		if ev.Error == nil {
			return nil, cerr.NewError(cerr.InvalidArgument, "task.failed requires error", nil)
		}
	default:
		return nil, cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("unexpected delegate event type %q", ev.Type), nil)
	}
	return &ev, nil
}
