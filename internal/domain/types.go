package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind is the engagement action a member performs against a post.
type ActionKind string

const (
	ActionLike    ActionKind = "like"
	ActionComment ActionKind = "comment"
	ActionRepost  ActionKind = "repost"
)

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionLike, ActionComment, ActionRepost:
		return true
	}
	return false
}

// IntentStatus tracks an intent through its lifecycle. Transitions are
// monotonic: pending -> scheduled -> executed|failed. The only backward step
// is scheduled -> pending, compensating a failed enqueue.
type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusScheduled IntentStatus = "scheduled"
	StatusExecuted  IntentStatus = "executed"
	StatusFailed    IntentStatus = "failed"
)

// Intent records that a specific member should perform a specific engagement
// action on a specific post. Created by an external detector, scheduled by
// the scheduler, finished by the worker pool.
type Intent struct {
	ID           string
	PodID        string
	PostID       string
	MemberID     string
	Kind         ActionKind
	Status       IntentStatus
	Reason       string
	ScheduledFor *time.Time
	ExecutedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Job is the queue-facing projection of an intent once timed. The ID is
// deterministic per intent so re-enqueuing from a repeated scheduling pass
// is a no-op.
type Job struct {
	ID       string
	IntentID string
	PodID    string
	PostID   string
	MemberID string
	Kind     ActionKind
	DueAt    time.Time
	Delay    time.Duration
	Attempts int
}

// JobID derives the stable queue id for an intent's execution.
func JobID(kind ActionKind, intentID string) string {
	return fmt.Sprintf("%s-%s", kind, intentID)
}

// ErrorClass categorizes an execution failure and drives retry policy.
type ErrorClass string

const (
	ClassNone      ErrorClass = ""
	ClassRateLimit ErrorClass = "rate_limit"
	ClassAuth      ErrorClass = "auth_error"
	ClassNetwork   ErrorClass = "network_error"
	ClassNotFound  ErrorClass = "not_found"
	ClassUnknown   ErrorClass = "unknown"
)

// Retryable reports whether a failure of this class may be retried.
// Auth and not-found failures need human intervention or a target that no
// longer exists; retrying cannot help.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimit, ClassNetwork, ClassUnknown:
		return true
	}
	return false
}

// ClassifiedError carries an execution failure with its classification as a
// first-class field.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classified wraps err with class.
func Classified(class ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

// Outcome is the result of one execution attempt. It is folded into the
// owning intent's terminal state and logged, never stored on its own.
type Outcome struct {
	Success  bool
	Duration time.Duration
	Class    ErrorClass
	Message  string
}

// QueueSnapshot is the read-only aggregate served by the status endpoint.
// Recomputed on demand, never stored.
type QueueSnapshot struct {
	Waiting       int           `json:"waiting"`
	Active        int           `json:"active"`
	Delayed       int           `json:"delayed"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	AvgProcessing time.Duration `json:"avg_processing_ms"`
	Running       bool          `json:"running"`
	Paused        bool          `json:"paused"`
	Healthy       bool          `json:"healthy"`
}

// MarshalJSON reports the average processing time in the milliseconds its
// field name advertises, not time.Duration's native nanoseconds.
func (s QueueSnapshot) MarshalJSON() ([]byte, error) {
	type alias QueueSnapshot
	return json.Marshal(struct {
		alias
		AvgProcessing int64 `json:"avg_processing_ms"`
	}{alias: alias(s), AvgProcessing: s.AvgProcessing.Milliseconds()})
}

// PodStats aggregates per-pod intent counts for the status endpoint.
type PodStats struct {
	Pending   int `json:"pending"`
	Scheduled int `json:"scheduled"`
	Executed  int `json:"executed"`
	Failed    int `json:"failed"`
}
