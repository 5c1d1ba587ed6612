package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Executor runs the tasks of one graph run on a bounded pool of workers. A
// task is dispatched only when all its upstream tasks completed; a failure
// marks every descendant UPSTREAM_FAILED and none of them start.
type Executor struct {
	graph       *graph.Graph
	taskService *TaskService
	logger      Logger
	workers     int
	notifier    Notifier
	tracer      trace.Tracer
}

type taskResult struct {
	name string
	err  error
}

func NewExecutor(g *graph.Graph, taskService *TaskService, logger Logger, workers int, notifier Notifier, tracer trace.Tracer) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Executor{
		graph:       g,
		taskService: taskService,
		logger:      logger,
		workers:     workers,
		notifier:    notifier,
		tracer:      tracer,
	}
}

// Execute runs the whole graph for run and returns the errors of the tasks
// that failed, keyed by task name.
func (e *Executor) Execute(ctx context.Context, run models.Run, rc graph.RunContext) map[string]error {
	jobs := make(chan string, e.graph.Len())
	results := make(chan taskResult, e.graph.Len())

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				results <- taskResult{name: name, err: e.runTask(ctx, run, rc, name)}
			}
		}()
	}

	order := e.graph.TopologicalOrder()
	waiting := make(map[string]int, len(order))
	status := make(map[string]models.TaskStatus, len(order))
	inflight := 0
	for _, name := range order {
		status[name] = models.PendingTaskStatus
		waiting[name] = len(e.graph.Upstream(name))
		if waiting[name] == 0 {
			jobs <- name
			inflight++
		}
	}

	errs := make(map[string]error)
	for inflight > 0 {
		r := <-results
		inflight--
		if r.err != nil {
			status[r.name] = models.FailedTaskStatus
			errs[r.name] = r.err
			e.blockDescendants(run, r.name, status)
			continue
		}
		status[r.name] = models.CompletedTaskStatus
		for _, next := range e.graph.Downstream(r.name) {
			waiting[next]--
			if waiting[next] == 0 && status[next] == models.PendingTaskStatus {
				jobs <- next
				inflight++
			}
		}
	}
	close(jobs)
	wg.Wait()
	return errs
}

func (e *Executor) blockDescendants(run models.Run, failed string, status map[string]models.TaskStatus) {
	for _, name := range e.graph.Descendants(failed) {
		if status[name] != models.PendingTaskStatus {
			continue
		}
		status[name] = models.UpstreamFailedTaskStatus
		msg := fmt.Sprintf("upstream task %s failed", failed)
		if err := e.taskService.UpdateTaskStatus(name, run.ID, models.UpstreamFailedTaskStatus, msg); err != nil {
			e.logger.Errorf("Failed to update task %s status to %s: %v", name, models.UpstreamFailedTaskStatus, err)
		}
		e.taskService.Record(run.ID, name, 0, models.UpstreamFailedTaskStatus, msg)
		e.logger.Infof("Task %s will not run: %s", name, msg)
	}
}

func (e *Executor) runTask(ctx context.Context, run models.Run, rc graph.RunContext, name string) error {
	task, ok := e.graph.Task(name)
	if !ok {
		return errors.Errorf("task %s not found in graph %s", name, e.graph.Name())
	}
	if err := ctx.Err(); err != nil {
		e.finish(run, name, 0, err)
		return err
	}
	canRun, err := e.taskService.CanRunTask(run.ID, name, e.graph.Upstream(name))
	if err == nil && !canRun {
		err = errors.Errorf("task %s dispatched before its upstream tasks completed", name)
	}
	if err != nil {
		e.finish(run, name, 0, err)
		return err
	}
	if err := e.taskService.UpdateTaskStatus(name, run.ID, models.RunningTaskStatus, ""); err != nil {
		return err
	}

	retries := e.graph.Retries(name)
	timeout := e.graph.Timeout(name)
	settings := e.graph.Settings()
	attempt := 0
	operation := func() error {
		attempt++
		if err := e.taskService.UpdateTaskAttempts(name, run.ID, attempt); err != nil {
			e.logger.Errorf("Failed to update task %s attempts to %d: %v", name, attempt, err)
		}
		e.logger.Infof("Starting task %s attempt %d/%d for run %d", name, attempt, retries+1, run.ID)
		err := e.attempt(ctx, run, rc, task, attempt, timeout)
		if err == nil {
			return nil
		}
		if graph.IsPermanent(err) {
			e.logger.Errorf("Task %s failed permanently: %v", name, err)
			return backoff.Permanent(err)
		}
		if attempt <= retries {
			e.logger.Infof("Retrying task %s (attempt %d/%d) in %s: %v", name, attempt, retries+1, settings.RetryDelay, err)
			if updateErr := e.taskService.UpdateTaskStatus(name, run.ID, models.RetryingTaskStatus, err.Error()); updateErr != nil {
				e.logger.Errorf("Failed to update task %s status to %s: %v", name, models.RetryingTaskStatus, updateErr)
			}
			e.taskService.Record(run.ID, name, attempt, models.RetryingTaskStatus, err.Error())
			if settings.EmailOnRetry && e.notifier != nil {
				e.notifier.NotifyRetry(ctx, run, name, attempt, err)
			}
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(settings.RetryDelay), uint64(retries)),
		ctx,
	)
	err = backoff.Retry(operation, policy)
	e.finish(run, name, attempt, err)
	return err
}

// attempt executes one try of task under its own timeout and trace span.
func (e *Executor) attempt(ctx context.Context, run models.Run, rc graph.RunContext, task graph.Task, attempt int, timeout time.Duration) error {
	spanCtx, span := e.tracer.Start(ctx, task.Name(), trace.WithAttributes(
		attribute.String("graph", e.graph.Name()),
		attribute.Int64("run.id", run.ID),
		attribute.String("run.key", run.RunKey),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	taskRC := rc.WithAttempt(attempt).WithLogger(prefixLogger{
		logger: e.logger,
		prefix: fmt.Sprintf("[%s run=%d try=%d] ", task.Name(), run.ID, attempt),
	})
	done := make(chan error, 1)
	go func() {
		done <- task.Execute(attemptCtx, taskRC)
	}()

	var err error
	select {
	case err = <-done:
	case <-attemptCtx.Done():
		err = errors.Wrapf(attemptCtx.Err(), "task %s attempt %d", task.Name(), attempt)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (e *Executor) finish(run models.Run, name string, attempt int, err error) {
	status, msg := models.CompletedTaskStatus, ""
	if err != nil {
		status, msg = models.FailedTaskStatus, err.Error()
		e.logger.Errorf("Task %s failed after %d attempt(s): %v", name, attempt, err)
	} else {
		e.logger.Infof("Task %s completed successfully", name)
	}
	if updateErr := e.taskService.UpdateTaskStatus(name, run.ID, status, msg); updateErr != nil {
		e.logger.Errorf("Failed to update task %s status to %s: %v", name, status, updateErr)
	}
	e.taskService.Record(run.ID, name, attempt, status, msg)
}

type prefixLogger struct {
	logger Logger
	prefix string
}

func (p prefixLogger) Infof(format string, args ...interface{}) {
	p.logger.Infof(p.prefix+format, args...)
}

func (p prefixLogger) Errorf(format string, args ...interface{}) {
	p.logger.Errorf(p.prefix+format, args...)
}
