package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus        TaskStatus = "PENDING"
	RunningTaskStatus        TaskStatus = "RUNNING"
	RetryingTaskStatus       TaskStatus = "UP_FOR_RETRY"
	FailedTaskStatus         TaskStatus = "FAILED"
	UpstreamFailedTaskStatus TaskStatus = "UPSTREAM_FAILED"
	CompletedTaskStatus      TaskStatus = "COMPLETED"
)

// Finished reports whether no further attempt will be made.
func (s TaskStatus) Finished() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus || s == UpstreamFailedTaskStatus
}

// TaskRun is the state of one task within a run
type TaskRun struct {
	ID           string     `json:"id" db:"id"`                             // Task name, unique within the graph
	RunID        int64      `json:"run_id" db:"run_id"`                     // Foreign key to Run
	Status       TaskStatus `json:"status" db:"status"`                     // see TaskStatus
	Retries      int        `json:"retries" db:"retries"`                   // Max retry attempts
	Attempts     int        `json:"attempts" db:"attempts"`                 // Current attempt count
	ErrorMsg     string     `json:"error,omitempty" db:"error_msg"`         // Last error message (optional)
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`   // Nullable start time
	FinishedAt   *time.Time `json:"finished_at,omitempty" db:"finished_at"` // Nullable end time
	Dependencies []string   `json:"dependencies,omitempty" db:"-"`          // Upstream task names
}
