package models

import "time"

// ExecutionLog tracks the history of task executions for auditing.
type ExecutionLog struct {
	ID       int64      `json:"id" db:"id"`                     // Auto-incremented log ID
	TaskID   string     `json:"task_id" db:"task_id"`           // Task being logged
	RunID    int64      `json:"run_id" db:"run_id"`             // Parent run
	Attempt  int        `json:"attempt" db:"attempt"`           // 1-based attempt number
	Status   TaskStatus `json:"status" db:"status"`             // Status at this point
	Message  string     `json:"message,omitempty" db:"message"` // Details (e.g., error or success note)
	LoggedAt time.Time  `json:"logged_at" db:"logged_at"`       // Timestamp of log entry
}
