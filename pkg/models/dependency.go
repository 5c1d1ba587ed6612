package models

// Dependency records one graph edge for a run.
type Dependency struct {
	TaskID    string `json:"task_id" db:"task_id"`       // Task that depends on another
	DependsOn string `json:"depends_on" db:"depends_on"` // Prerequisite task
	RunID     int64  `json:"run_id" db:"run_id"`         // Foreign key to Run
}
