package service

import (
	"time"

	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/faqeel/sparkify-pipeline/pkg/storage"
	"github.com/pkg/errors"
)

// TaskService persists task-run state for the executor.
type TaskService struct {
	store  storage.Store
	logger Logger
}

func NewTaskService(store storage.Store, logger Logger) *TaskService {
	return &TaskService{
		store:  store,
		logger: logger,
	}
}

// CanRunTask reports whether every upstream task of taskID completed.
func (ts *TaskService) CanRunTask(runID int64, taskID string, upstream []string) (bool, error) {
	for _, dep := range upstream {
		d, err := ts.store.GetTaskRun(dep, runID)
		if err != nil {
			ts.logger.Errorf("Error retrieving dependency %s: %v", dep, err)
			return false, errors.Wrapf(err, "failed to retrieve dependency %s", dep)
		}
		if d.Status != models.CompletedTaskStatus {
			ts.logger.Infof("Cannot run task %s as dependency %s is in status %s", taskID, dep, d.Status)
			return false, nil
		}
	}
	return true, nil
}

func (ts *TaskService) SaveTask(task models.TaskRun) error {
	return inTx(ts.store, ts.logger, func(tx storage.Store) error {
		if err := tx.SaveTaskRun(task); err != nil {
			ts.logger.Errorf("Failed to save task %s: %v", task.ID, err)
			return errors.Wrapf(err, "failed to save task %s", task.ID)
		}
		return nil
	})
}

func (ts *TaskService) UpdateTaskStatus(taskID string, runID int64, status models.TaskStatus, errMsg string) error {
	return inTx(ts.store, ts.logger, func(tx storage.Store) error {
		if err := tx.UpdateTaskStatus(taskID, runID, status, errMsg); err != nil {
			ts.logger.Errorf("Failed to update task %s status to %s: %v", taskID, status, err)
			return errors.Wrapf(err, "failed to update task %s status", taskID)
		}
		return nil
	})
}

func (ts *TaskService) UpdateTaskAttempts(taskID string, runID int64, attempts int) error {
	return inTx(ts.store, ts.logger, func(tx storage.Store) error {
		if err := tx.UpdateTaskAttempts(taskID, runID, attempts); err != nil {
			return errors.Wrapf(err, "failed to update task %s attempts", taskID)
		}
		return nil
	})
}

// Record appends an audit entry. Failures are logged, not returned: the
// audit trail must not fail a task.
func (ts *TaskService) Record(runID int64, taskID string, attempt int, status models.TaskStatus, msg string) {
	err := ts.store.SaveExecutionLog(models.ExecutionLog{
		TaskID:   taskID,
		RunID:    runID,
		Attempt:  attempt,
		Status:   status,
		Message:  msg,
		LoggedAt: time.Now(),
	})
	if err != nil {
		ts.logger.Errorf("Failed to record execution log for task %s: %v", taskID, err)
	}
}

// inTx runs fn in a transaction, committing on success.
func inTx(store storage.Store, logger Logger, fn func(storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		logger.Errorf("Failed to begin transaction: %v", err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}
