package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/faqeel/sparkify-pipeline/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/faqeel/sparkify-pipeline/pkg/service"

// ErrInvalidStatus is returned for a run status name that is not one of the
// known statuses.
var ErrInvalidStatus = errors.New("invalid run status")

// Logger defines the logging interface for RunService
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Notifier is told about every retry when the graph has EmailOnRetry set.
type Notifier interface {
	NotifyRetry(ctx context.Context, run models.Run, task string, attempt int, err error)
}

// RunService creates graph runs, persists their state and executes them.
// Runs of the same graph execute one at a time within a process.
type RunService struct {
	store       storage.Store
	logger      Logger
	taskService *TaskService
	workers     int
	vars        map[string]string
	notifier    Notifier
	now         func() time.Time
	tracer      trace.Tracer

	mu    sync.Mutex
	locks map[string]chan struct{}
}

type Option func(*RunService)

// WithWorkers bounds the number of tasks running at once.
func WithWorkers(n int) Option {
	return func(s *RunService) { s.workers = n }
}

// WithVars sets the variables handed to tasks in every RunContext.
func WithVars(vars map[string]string) Option {
	return func(s *RunService) {
		s.vars = make(map[string]string, len(vars))
		for k, v := range vars {
			s.vars[k] = v
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *RunService) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *RunService) { s.now = now }
}

func NewRunService(store storage.Store, logger Logger, opts ...Option) *RunService {
	s := &RunService{
		store:       store,
		logger:      logger,
		taskService: NewTaskService(store, logger),
		vars:        map[string]string{},
		now:         time.Now,
		tracer:      otel.Tracer(tracerName),
		locks:       map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRun persists a PENDING run for g with one task run per task and one
// dependency row per edge.
func (s *RunService) CreateRun(g *graph.Graph, logicalDate time.Time) (run models.Run, err error) {
	if g == nil {
		return models.Run{}, errors.New("nil graph")
	}
	logicalDate = logicalDate.UTC()
	now := s.now()
	run = models.Run{
		GraphName:   g.Name(),
		RunKey:      uuid.NewString(),
		LogicalDate: logicalDate,
		Status:      models.PendingRunStatus,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = inTx(s.store, s.logger, func(tx storage.Store) error {
		id, err := tx.SaveRun(run)
		if err != nil {
			return errors.Wrapf(err, "failed to save run of %s for %s", g.Name(), logicalDate.Format(time.RFC3339))
		}
		run.ID = id
		for _, name := range g.TopologicalOrder() {
			tr := models.TaskRun{
				ID:      name,
				RunID:   id,
				Status:  models.PendingTaskStatus,
				Retries: g.Retries(name),
			}
			if err := tx.SaveTaskRun(tr); err != nil {
				return errors.Wrapf(err, "failed to save task %s", name)
			}
		}
		for _, e := range g.Edges() {
			dep := models.Dependency{TaskID: e.Downstream, DependsOn: e.Upstream, RunID: id}
			if err := tx.SaveDependency(dep); err != nil {
				return errors.Wrapf(err, "failed to save dependency %s -> %s", e.Upstream, e.Downstream)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Errorf("Failed to create run: %v", err)
		return models.Run{}, err
	}
	s.logger.Infof("Created run %d (%s) of %s for %s", run.ID, run.RunKey, run.GraphName, logicalDate.Format(time.RFC3339))
	return run, nil
}

// ExecuteRun executes a previously created run and returns its final state.
// The returned error names every failed task. It waits while another run of
// the same graph is executing.
func (s *RunService) ExecuteRun(ctx context.Context, g *graph.Graph, runID int64) (models.Run, error) {
	if g == nil {
		return models.Run{}, errors.New("nil graph")
	}
	release, err := s.lock(ctx, g.Name())
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "waiting to execute run %d", runID)
	}
	defer release()

	run, err := s.store.GetRun(runID)
	if err != nil {
		return models.Run{}, errors.Wrapf(err, "failed to get run %d", runID)
	}
	if run.GraphName != g.Name() {
		return run, errors.Errorf("run %d belongs to graph %s, not %s", runID, run.GraphName, g.Name())
	}
	if run.Status != models.PendingRunStatus {
		return run, errors.Errorf("run %d is %s, only PENDING runs can be executed", runID, run.Status)
	}

	ctx, span := s.tracer.Start(ctx, "run "+g.Name(), trace.WithAttributes(
		attribute.Int64("run.id", run.ID),
		attribute.String("run.key", run.RunKey),
		attribute.String("logical_date", run.LogicalDate.Format(time.RFC3339)),
	))
	defer span.End()

	if err := s.setRunStatus(run.ID, models.RunningRunStatus); err != nil {
		return run, err
	}
	s.logger.Infof("Executing run %d of %s", run.ID, g.Name())

	rc := graph.RunContext{
		RunID:       run.RunKey,
		LogicalDate: run.LogicalDate,
		Vars:        s.vars,
	}
	executor := NewExecutor(g, s.taskService, s.logger, s.workers, s.notifier, s.tracer)
	failures := executor.Execute(ctx, run, rc)

	status := models.CompletedRunStatus
	var runErr error
	if len(failures) > 0 {
		status = models.FailedRunStatus
		runErr = failureError(g, failures)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	if err := s.setRunStatus(run.ID, status); err != nil {
		return run, err
	}

	final, err := s.store.GetRun(run.ID)
	if err != nil {
		return run, errors.Wrapf(err, "failed to reload run %d", run.ID)
	}
	if runErr != nil {
		s.logger.Errorf("Run %d of %s failed: %v", run.ID, g.Name(), runErr)
	} else {
		s.logger.Infof("Run %d of %s completed", run.ID, g.Name())
	}
	return final, runErr
}

// Trigger creates and immediately executes a run.
func (s *RunService) Trigger(ctx context.Context, g *graph.Graph, logicalDate time.Time) (models.Run, error) {
	run, err := s.CreateRun(g, logicalDate)
	if err != nil {
		return models.Run{}, err
	}
	return s.ExecuteRun(ctx, g, run.ID)
}

func (s *RunService) GetRun(id int64) (models.Run, error) {
	return s.store.GetRun(id)
}

func (s *RunService) ListRuns() ([]models.Run, error) {
	return s.store.ListRuns()
}

func (s *RunService) ExecutionLogs(id int64) ([]models.ExecutionLog, error) {
	return s.store.GetExecutionLogs(id)
}

// UpdateRunStatus sets the status of a run by name; unknown names are rejected.
func (s *RunService) UpdateRunStatus(id int64, status string) error {
	st := models.RunStatus(strings.ToUpper(strings.TrimSpace(status)))
	if !st.Valid() {
		return errors.Wrapf(ErrInvalidStatus, "%q", status)
	}
	return s.setRunStatus(id, st)
}

// lock blocks until no other run of the named graph is executing or ctx is done.
func (s *RunService) lock(ctx context.Context, name string) (func(), error) {
	s.mu.Lock()
	sem, ok := s.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[name] = sem
	}
	s.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *RunService) setRunStatus(id int64, status models.RunStatus) error {
	return inTx(s.store, s.logger, func(tx storage.Store) error {
		if err := tx.UpdateRunStatus(id, status); err != nil {
			s.logger.Errorf("Failed to update run %d status to %s: %v", id, status, err)
			return errors.Wrapf(err, "failed to update run %d status", id)
		}
		return nil
	})
}

func failureError(g *graph.Graph, failures map[string]error) error {
	var parts []string
	for _, name := range g.TopologicalOrder() {
		if err, ok := failures[name]; ok {
			parts = append(parts, fmt.Sprintf("%s: %v", name, err))
		}
	}
	return errors.Errorf("run of %s failed: %s", g.Name(), strings.Join(parts, "; "))
}
