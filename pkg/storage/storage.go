package storage

import (
	"time"

	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// Store defines the run-state persistence used by the runner.
type Store interface {
	// Transaction operations
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Run operations
	SaveRun(r models.Run) (int64, error)
	GetRun(id int64) (models.Run, error)
	FindRun(graphName string, logicalDate time.Time) (models.Run, error)
	ListRuns() ([]models.Run, error)
	UpdateRunStatus(id int64, status models.RunStatus) error

	// Task operations
	SaveTaskRun(t models.TaskRun) error
	GetTaskRun(id string, runID int64) (models.TaskRun, error)
	UpdateTaskStatus(id string, runID int64, status models.TaskStatus, errorMsg string) error
	UpdateTaskAttempts(id string, runID int64, attempts int) error

	// Dependency operations
	SaveDependency(d models.Dependency) error
	GetDependencies(runID int64) ([]models.Dependency, error)

	// Audit operations
	SaveExecutionLog(l models.ExecutionLog) error
	GetExecutionLogs(runID int64) ([]models.ExecutionLog, error)
}
