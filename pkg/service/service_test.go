package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/faqeel/sparkify-pipeline/pkg/service"
	"github.com/faqeel/sparkify-pipeline/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

type funcTask struct {
	name string
	fn   func(ctx context.Context, rc graph.RunContext) error
}

func (f *funcTask) Name() string { return f.name }

func (f *funcTask) Execute(ctx context.Context, rc graph.RunContext) error {
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, rc)
}

type permanentError struct{ msg string }

func (e *permanentError) Error() string   { return e.msg }
func (e *permanentError) Permanent() bool { return true }

// recorder captures start and finish events across concurrent tasks.
type recorder struct {
	mu     sync.Mutex
	events []string
	runs   map[string]int
}

func newRecorder() *recorder {
	return &recorder{runs: map[string]int{}}
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) index(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (r *recorder) task(name string, fail error) *funcTask {
	return &funcTask{name: name, fn: func(ctx context.Context, rc graph.RunContext) error {
		r.mu.Lock()
		r.runs[name]++
		r.mu.Unlock()
		r.add("start " + name)
		time.Sleep(time.Millisecond)
		r.add("finish " + name)
		return fail
	}}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name]
}

// overlap counts concurrent executions of a task.
type overlap struct {
	mu      sync.Mutex
	current int
	max     int
	calls   int
}

func (o *overlap) enter() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current++
	o.calls++
	if o.current > o.max {
		o.max = o.current
	}
}

func (o *overlap) leave() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current--
}

func (o *overlap) peak() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.max
}

func (o *overlap) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

var dimensions = []string{"Load_user_dim_table", "Load_song_dim_table", "Load_artist_dim_table", "Load_time_dim_table"}

func testSettings() graph.Settings {
	s := graph.DefaultSettings()
	s.RetryDelay = time.Millisecond
	s.TaskTimeout = 5 * time.Second
	return s
}

// etlGraph builds the staging, fact, dimension fan-out and quality fan-in shape.
func etlGraph(t *testing.T, settings graph.Settings, task func(name string) graph.Task) *graph.Graph {
	b := graph.NewBuilder("final_project", settings)
	events, songs := task("Stage_events"), task("Stage_songs")
	fact := task("Load_songplays_fact_table")
	quality := task("Run_data_quality_checks")
	require.NoError(t, b.Connect(b.Start(), events, songs))
	require.NoError(t, b.Connect(events, fact))
	require.NoError(t, b.Connect(songs, fact))
	for _, name := range dimensions {
		dim := task(name)
		require.NoError(t, b.Connect(fact, dim))
		require.NoError(t, b.Connect(dim, quality))
	}
	require.NoError(t, b.Connect(quality, b.End()))
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func taskStatus(run models.Run, name string) models.TaskRun {
	for _, t := range run.Tasks {
		if t.ID == name {
			return t
		}
	}
	return models.TaskRun{}
}

func singleTaskGraph(t *testing.T, settings graph.Settings, task graph.Task, opts ...graph.TaskOption) *graph.Graph {
	b := graph.NewBuilder("single", settings)
	require.NoError(t, b.AddTask(task, opts...))
	require.NoError(t, b.Connect(b.Start(), task))
	require.NoError(t, b.Connect(task, b.End()))
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

var logicalDate = time.Date(2018, 11, 1, 0, 0, 0, 0, time.UTC)

func TestRunService_Execution(t *testing.T) {
	newRunService := func(opts ...service.Option) *service.RunService {
		return service.NewRunService(storage.NewMockStore(), logger{}, opts...)
	}

	t.Run("OrderFollowsEdges", func(t *testing.T) {
		rec := newRecorder()
		g := etlGraph(t, testSettings(), func(name string) graph.Task { return rec.task(name, nil) })
		svc := newRunService(service.WithWorkers(4))

		run, err := svc.Trigger(context.Background(), g, logicalDate)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, run.Status)

		factDone := rec.index("finish Load_songplays_fact_table")
		require.NotEqual(t, -1, factDone)
		assert.Less(t, rec.index("finish Stage_events"), rec.index("start Load_songplays_fact_table"))
		assert.Less(t, rec.index("finish Stage_songs"), rec.index("start Load_songplays_fact_table"))
		qualityStart := rec.index("start Run_data_quality_checks")
		for _, dim := range dimensions {
			assert.Less(t, factDone, rec.index("start "+dim), dim)
			assert.Less(t, rec.index("finish "+dim), qualityStart, dim)
		}
		for _, tr := range run.Tasks {
			assert.Equal(t, models.CompletedTaskStatus, tr.Status, tr.ID)
			assert.Equal(t, 1, tr.Attempts, tr.ID)
		}
		assert.Len(t, run.Tasks, g.Len())
	})

	t.Run("FailureBlocksDownstream", func(t *testing.T) {
		rec := newRecorder()
		g := etlGraph(t, testSettings(), func(name string) graph.Task {
			if name == "Load_songplays_fact_table" {
				return rec.task(name, &permanentError{msg: "bad fact sql"})
			}
			return rec.task(name, nil)
		})
		svc := newRunService()

		run, err := svc.Trigger(context.Background(), g, logicalDate)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Load_songplays_fact_table: bad fact sql")
		assert.Equal(t, models.FailedRunStatus, run.Status)

		assert.Equal(t, models.FailedTaskStatus, taskStatus(run, "Load_songplays_fact_table").Status)
		for _, name := range append(dimensions, "Run_data_quality_checks", graph.EndMarker) {
			assert.Equal(t, models.UpstreamFailedTaskStatus, taskStatus(run, name).Status, name)
			assert.Zero(t, rec.count(name), name)
		}
		assert.Equal(t, models.CompletedTaskStatus, taskStatus(run, "Stage_events").Status)
	})

	t.Run("TransientFailureIsRetried", func(t *testing.T) {
		calls := 0
		task := &funcTask{name: "flaky", fn: func(ctx context.Context, rc graph.RunContext) error {
			calls++
			assert.Equal(t, calls, rc.Attempt)
			if calls < 3 {
				return errors.New("connection reset")
			}
			return nil
		}}
		settings := testSettings()
		settings.EmailOnRetry = true
		notifier := &countingNotifier{}
		g := singleTaskGraph(t, settings, task)
		svc := newRunService(service.WithNotifier(notifier))

		run, err := svc.Trigger(context.Background(), g, logicalDate)
		require.NoError(t, err)
		tr := taskStatus(run, "flaky")
		assert.Equal(t, models.CompletedTaskStatus, tr.Status)
		assert.Equal(t, 3, tr.Attempts)
		assert.Equal(t, 2, notifier.count())

		logs, err := svc.ExecutionLogs(run.ID)
		require.NoError(t, err)
		var retried int
		for _, l := range logs {
			if l.TaskID == "flaky" && l.Status == models.RetryingTaskStatus {
				retried++
			}
		}
		assert.Equal(t, 2, retried)
	})

	t.Run("RetryBudgetIsBounded", func(t *testing.T) {
		calls := 0
		task := &funcTask{name: "broken", fn: func(context.Context, graph.RunContext) error {
			calls++
			return errors.New("still broken")
		}}
		g := singleTaskGraph(t, testSettings(), task, graph.WithRetries(2))
		svc := newRunService()

		run, err := svc.Trigger(context.Background(), g, logicalDate)
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		tr := taskStatus(run, "broken")
		assert.Equal(t, models.FailedTaskStatus, tr.Status)
		assert.Equal(t, 3, tr.Attempts)
		assert.Equal(t, "still broken", tr.ErrorMsg)
	})

	t.Run("PermanentErrorIsNotRetried", func(t *testing.T) {
		calls := 0
		task := &funcTask{name: "misconfigured", fn: func(context.Context, graph.RunContext) error {
			calls++
			return errors.Wrap(&permanentError{msg: "missing bucket"}, "stage")
		}}
		g := singleTaskGraph(t, testSettings(), task)
		svc := newRunService()

		run, err := svc.Trigger(context.Background(), g, logicalDate)
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, taskStatus(run, "misconfigured").Attempts)
	})

	t.Run("AttemptTimeout", func(t *testing.T) {
		task := &funcTask{name: "slow", fn: func(ctx context.Context, _ graph.RunContext) error {
			<-ctx.Done()
			return ctx.Err()
		}}
		g := singleTaskGraph(t, testSettings(), task, graph.WithRetries(0), graph.WithTimeout(20*time.Millisecond))
		svc := newRunService()

		run, err := svc.Trigger(context.Background(), g, logicalDate)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "context deadline exceeded")
		assert.Equal(t, models.FailedTaskStatus, taskStatus(run, "slow").Status)
	})

	t.Run("VarsReachTasks", func(t *testing.T) {
		var got graph.RunContext
		task := &funcTask{name: "inspect", fn: func(_ context.Context, rc graph.RunContext) error {
			got = rc
			return nil
		}}
		g := singleTaskGraph(t, testSettings(), task)
		svc := newRunService(service.WithVars(map[string]string{"s3_bucket": "udacity-dend"}))

		run, err := svc.Trigger(context.Background(), g, logicalDate)
		require.NoError(t, err)
		bucket, ok := got.Var("s3_bucket")
		assert.True(t, ok)
		assert.Equal(t, "udacity-dend", bucket)
		assert.Equal(t, run.RunKey, got.RunID)
		assert.True(t, logicalDate.Equal(got.LogicalDate))
	})
}

func TestRunService_Runs(t *testing.T) {
	g := singleTaskGraph(t, testSettings(), &funcTask{name: "noop"})

	t.Run("CreateRunPersistsTasksAndEdges", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := service.NewRunService(store, logger{})

		run, err := svc.CreateRun(g, logicalDate)
		require.NoError(t, err)
		assert.NotEmpty(t, run.RunKey)
		assert.Equal(t, models.PendingRunStatus, run.Status)

		saved, err := svc.GetRun(run.ID)
		require.NoError(t, err)
		assert.Len(t, saved.Tasks, 3)
		assert.Equal(t, []string{graph.StartMarker}, taskStatus(saved, "noop").Dependencies)
		assert.Equal(t, graph.DefaultRetries, taskStatus(saved, "noop").Retries)

		deps, err := store.GetDependencies(run.ID)
		require.NoError(t, err)
		assert.Len(t, deps, 2)
	})

	t.Run("DuplicateLogicalDateIsRejected", func(t *testing.T) {
		svc := service.NewRunService(storage.NewMockStore(), logger{})
		_, err := svc.CreateRun(g, logicalDate)
		require.NoError(t, err)
		_, err = svc.CreateRun(g, logicalDate)
		assert.Error(t, err)
	})

	t.Run("OnlyPendingRunsExecute", func(t *testing.T) {
		svc := service.NewRunService(storage.NewMockStore(), logger{})
		run, err := svc.Trigger(context.Background(), g, logicalDate)
		require.NoError(t, err)
		_, err = svc.ExecuteRun(context.Background(), g, run.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "only PENDING runs can be executed")
	})

	t.Run("UpdateRunStatus", func(t *testing.T) {
		svc := service.NewRunService(storage.NewMockStore(), logger{})
		run, err := svc.CreateRun(g, logicalDate)
		require.NoError(t, err)

		err = svc.UpdateRunStatus(run.ID, "paused")
		assert.True(t, errors.Is(err, service.ErrInvalidStatus))
		assert.Contains(t, err.Error(), `"paused"`)
		require.NoError(t, svc.UpdateRunStatus(run.ID, "failed"))
		saved, err := svc.GetRun(run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FailedRunStatus, saved.Status)
		assert.Error(t, svc.UpdateRunStatus(run.ID+100, "failed"))
	})

	t.Run("RunsOfOneGraphDoNotOverlap", func(t *testing.T) {
		var inFlight overlap
		slow := singleTaskGraph(t, testSettings(), &funcTask{name: "slow", fn: func(ctx context.Context, rc graph.RunContext) error {
			inFlight.enter()
			defer inFlight.leave()
			time.Sleep(20 * time.Millisecond)
			return nil
		}})
		svc := service.NewRunService(storage.NewMockStore(), logger{})

		var wg sync.WaitGroup
		errs := make([]error, 3)
		for i := range errs {
			run, err := svc.CreateRun(slow, logicalDate.Add(time.Duration(i)*time.Hour))
			require.NoError(t, err)
			wg.Add(1)
			go func(i int, id int64) {
				defer wg.Done()
				_, errs[i] = svc.ExecuteRun(context.Background(), slow, id)
			}(i, run.ID)
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 3, inFlight.total())
		assert.Equal(t, 1, inFlight.peak())
	})

	t.Run("WaitingExecutionHonoursContext", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		blocking := singleTaskGraph(t, testSettings(), &funcTask{name: "blocking", fn: func(ctx context.Context, rc graph.RunContext) error {
			close(started)
			<-release
			return nil
		}})
		svc := service.NewRunService(storage.NewMockStore(), logger{})
		first, err := svc.CreateRun(blocking, logicalDate)
		require.NoError(t, err)
		second, err := svc.CreateRun(blocking, logicalDate.Add(time.Hour))
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := svc.ExecuteRun(context.Background(), blocking, first.ID)
			done <- err
		}()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = svc.ExecuteRun(ctx, blocking, second.ID)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		saved, err := svc.GetRun(second.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PendingRunStatus, saved.Status)

		close(release)
		require.NoError(t, <-done)
	})

	t.Run("ListRuns", func(t *testing.T) {
		svc := service.NewRunService(storage.NewMockStore(), logger{})
		for i := 0; i < 3; i++ {
			_, err := svc.CreateRun(g, logicalDate.Add(time.Duration(i)*time.Hour))
			require.NoError(t, err)
		}
		runs, err := svc.ListRuns()
		require.NoError(t, err)
		assert.Len(t, runs, 3)
	})
}

type countingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *countingNotifier) NotifyRetry(_ context.Context, run models.Run, task string, attempt int, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fmt.Sprintf("%d/%s/%d: %v", run.ID, task, attempt, err))
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}
