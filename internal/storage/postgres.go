package storage

import (
	"database/sql"
	"time"

	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/faqeel/sparkify-pipeline/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an open connection pool.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

const runColumns = "id, graph_name, run_key, logical_date, status, created_at, updated_at"

const taskColumns = "id, run_id, status, retries, attempts, error_msg, started_at, finished_at"

// SaveRun creates a new run and returns its ID (no tasks/deps)
func (s *PostgresStore) SaveRun(r models.Run) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO runs (graph_name, run_key, logical_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		r.GraphName, r.RunKey, r.LogicalDate.UTC(), r.Status, r.CreatedAt, r.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "save run")
	}
	return id, nil
}

// GetRun retrieves a run by ID, including its tasks and their dependencies
func (s *PostgresStore) GetRun(id int64) (models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, "SELECT "+runColumns+" FROM runs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, err
	}
	return s.withTasks(run)
}

// FindRun retrieves the run of a graph for a logical date
func (s *PostgresStore) FindRun(graphName string, logicalDate time.Time) (models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, "SELECT "+runColumns+" FROM runs WHERE graph_name = $1 AND logical_date = $2",
		graphName, logicalDate.UTC())
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, err
	}
	return s.withTasks(run)
}

func (s *PostgresStore) withTasks(run models.Run) (models.Run, error) {
	// Fetch tasks
	err := s.db.Select(&run.Tasks, "SELECT "+taskColumns+" FROM task_runs WHERE run_id = $1 ORDER BY started_at NULLS LAST, id", run.ID)
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "get run %d", run.ID)
	}

	// Fetch dependencies
	deps, err := s.GetDependencies(run.ID)
	if err != nil {
		return models.Run{}, err
	}
	byTask := make(map[string][]string)
	for _, dep := range deps {
		byTask[dep.TaskID] = append(byTask[dep.TaskID], dep.DependsOn)
	}
	for i := range run.Tasks {
		run.Tasks[i].Dependencies = byTask[run.Tasks[i].ID]
	}
	return run, nil
}

func (s *PostgresStore) ListRuns() ([]models.Run, error) {
	runs := []models.Run{}
	err := s.db.Select(&runs, "SELECT "+runColumns+" FROM runs ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRunStatus updates the status of a run
func (s *PostgresStore) UpdateRunStatus(id int64, status models.RunStatus) error {
	res, err := s.db.Exec("UPDATE runs SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// SaveTaskRun creates or replaces the state of a task within a run
func (s *PostgresStore) SaveTaskRun(t models.TaskRun) error {
	_, err := s.db.Exec(`
		INSERT INTO task_runs (id, run_id, status, retries, attempts, error_msg, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id, run_id) DO UPDATE SET
			status = EXCLUDED.status,
			retries = EXCLUDED.retries,
			attempts = EXCLUDED.attempts,
			error_msg = EXCLUDED.error_msg,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`,
		t.ID, t.RunID, t.Status, t.Retries, t.Attempts, t.ErrorMsg, t.StartedAt, t.FinishedAt)
	return err
}

// GetTaskRun retrieves a task by ID and run ID
func (s *PostgresStore) GetTaskRun(id string, runID int64) (models.TaskRun, error) {
	var task models.TaskRun
	err := s.db.Get(&task, "SELECT "+taskColumns+" FROM task_runs WHERE id = $1 AND run_id = $2", id, runID)
	if err == sql.ErrNoRows {
		return models.TaskRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskRun{}, err
	}
	return task, nil
}

// UpdateTaskStatus updates the status and error message of a task
func (s *PostgresStore) UpdateTaskStatus(id string, runID int64, status models.TaskStatus, errorMsg string) error {
	res, err := s.db.Exec(`
		UPDATE task_runs
		SET status = $1,
		error_msg = $2,
		started_at = CASE WHEN $3 = 'RUNNING' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
		finished_at = CASE WHEN $4 IN ('COMPLETED', 'FAILED', 'UPSTREAM_FAILED') THEN CURRENT_TIMESTAMP ELSE finished_at END
		WHERE id = $5 AND run_id = $6`,
		// PostgreSQL interprets the parameters in the CASE clauses as separate so the status is passed three times
		status, errorMsg, string(status), string(status), id, runID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (s *PostgresStore) UpdateTaskAttempts(id string, runID int64, attempts int) error {
	res, err := s.db.Exec("UPDATE task_runs SET attempts = $1 WHERE id = $2 AND run_id = $3", attempts, id, runID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// SaveDependency creates a new dependency between tasks
func (s *PostgresStore) SaveDependency(d models.Dependency) error {
	_, err := s.db.Exec(`
		INSERT INTO dependencies (task_id, depends_on, run_id) VALUES ($1, $2, $3)
		`,
		d.TaskID, d.DependsOn, d.RunID)
	return err
}

// GetDependencies retrieves all dependencies for a run
func (s *PostgresStore) GetDependencies(runID int64) ([]models.Dependency, error) {
	var deps []models.Dependency
	err := s.db.Select(&deps, "SELECT task_id, depends_on, run_id FROM dependencies WHERE run_id = $1", runID)
	if err != nil {
		return nil, err
	}
	return deps, nil
}

func (s *PostgresStore) SaveExecutionLog(l models.ExecutionLog) error {
	_, err := s.db.Exec(`
		INSERT INTO execution_logs (task_id, run_id, attempt, status, message, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.TaskID, l.RunID, l.Attempt, l.Status, l.Message, l.LoggedAt)
	return err
}

func (s *PostgresStore) GetExecutionLogs(runID int64) ([]models.ExecutionLog, error) {
	logs := []models.ExecutionLog{}
	err := s.db.Select(&logs, `
		SELECT id, task_id, run_id, attempt, status, message, logged_at
		FROM execution_logs WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
