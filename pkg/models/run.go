package models

import "time"

type RunStatus string

const (
	PendingRunStatus   RunStatus = "PENDING"
	RunningRunStatus   RunStatus = "RUNNING"
	CompletedRunStatus RunStatus = "COMPLETED"
	FailedRunStatus    RunStatus = "FAILED"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case PendingRunStatus, RunningRunStatus, CompletedRunStatus, FailedRunStatus:
		return true
	}
	return false
}

// Run is one execution of a graph for a logical date.
type Run struct {
	ID          int64     `json:"id" db:"id"`                     // PostgreSQL auto-increment
	GraphName   string    `json:"graph" db:"graph_name"`          // Graph this run executes (e.g. "final_project")
	RunKey      string    `json:"run_key" db:"run_key"`           // UUID handed to tasks as run_id
	LogicalDate time.Time `json:"logical_date" db:"logical_date"` // Start of the scheduled interval
	Status      RunStatus `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
	Tasks       []TaskRun `json:"tasks,omitempty" db:"-"` // populated by GetRun
}
