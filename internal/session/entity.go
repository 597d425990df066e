package session

import "time"

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Active reports whether the session still occupies its issue's slot.
func (s Status) Active() bool {
	return s == StatusCreated || s == StatusRunning
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the delegate's completion payload. Present only on COMPLETED.
type Result struct {
	ArtifactURL  string `yaml:"artifact_url" json:"artifact_url"`
	ChangedFiles int    `yaml:"changed_files" json:"changed_files"`
}

// Failure is the delegate's error payload. Present only on FAILED.
type Failure struct {
	Message string `yaml:"message" json:"message"`
	Class   string `yaml:"class" json:"class"`
}

// Session correlates one issue with one delegated task and tracks its
// lifecycle. The Store owns every Session; other components only ever see
// detached copies.
type Session struct {
	ID             string            `yaml:"id" json:"id"`
	IssueID        string            `yaml:"issue_id" json:"issue_id"`
	DelegateTaskID string            `yaml:"delegate_task_id,omitempty" json:"delegate_task_id,omitempty"`
	Strategy       string            `yaml:"strategy" json:"strategy"`
	Status         Status            `yaml:"status" json:"status"`
	Progress       int               `yaml:"progress" json:"progress"`
	Step           string            `yaml:"step,omitempty" json:"step,omitempty"`
	Result         *Result           `yaml:"result,omitempty" json:"result,omitempty"`
	Failure        *Failure          `yaml:"failure,omitempty" json:"failure,omitempty"`
	Metadata       map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt      time.Time         `yaml:"created_at" json:"created_at"`
	StartedAt      *time.Time        `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt    *time.Time        `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

func (s *Session) clone() *Session {
	c := *s
	if s.Result != nil {
		r := *s.Result
		c.Result = &r
	}
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
