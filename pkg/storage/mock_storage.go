package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/pkg/errors"
)

type memoryData struct {
	mu           sync.Mutex
	runs         []models.Run
	tasks        []models.TaskRun
	dependencies []models.Dependency
	logs         []models.ExecutionLog
	nextRunID    int64
	nextLogID    int64
}

// mockStore implements Store with in-memory storage. Transactions share the
// same data and commit immediately; it is safe for concurrent use.
type mockStore struct {
	data *memoryData
}

func NewMockStore() Store {
	return &mockStore{data: &memoryData{}}
}

func (m *mockStore) Begin() (Store, error) {
	return m, nil
}

func (m *mockStore) Commit() error { return nil }

func (m *mockStore) Rollback() error { return nil }

func (m *mockStore) Close() error { return nil }

func (m *mockStore) SaveRun(r models.Run) (int64, error) {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.runs {
		if existing.GraphName == r.GraphName && existing.LogicalDate.Equal(r.LogicalDate) {
			return 0, errors.Errorf("run for %s at %s already exists", r.GraphName, r.LogicalDate.Format(time.RFC3339))
		}
	}
	d.nextRunID++
	r.ID = d.nextRunID
	r.Tasks = nil
	d.runs = append(d.runs, r)
	return r.ID, nil
}

func (m *mockStore) GetRun(id int64) (models.Run, error) {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.runs {
		if r.ID == id {
			return d.withTasks(r), nil
		}
	}
	return models.Run{}, ErrNotFound
}

func (m *mockStore) FindRun(graphName string, logicalDate time.Time) (models.Run, error) {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.runs {
		if r.GraphName == graphName && r.LogicalDate.Equal(logicalDate) {
			return d.withTasks(r), nil
		}
	}
	return models.Run{}, ErrNotFound
}

func (d *memoryData) withTasks(r models.Run) models.Run {
	for _, t := range d.tasks {
		if t.RunID == r.ID {
			r.Tasks = append(r.Tasks, t)
		}
	}
	for i := range r.Tasks {
		for _, dep := range d.dependencies {
			if dep.RunID == r.ID && dep.TaskID == r.Tasks[i].ID {
				r.Tasks[i].Dependencies = append(r.Tasks[i].Dependencies, dep.DependsOn)
			}
		}
	}
	return r
}

func (m *mockStore) ListRuns() ([]models.Run, error) {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	runs := append([]models.Run(nil), d.runs...)
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

func (m *mockStore) UpdateRunStatus(id int64, status models.RunStatus) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.runs {
		if r.ID == id {
			d.runs[i].Status = status
			d.runs[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

// SaveTaskRun inserts or replaces the task row.
func (m *mockStore) SaveTaskRun(t models.TaskRun) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	t.Dependencies = nil
	for i, existing := range d.tasks {
		if existing.ID == t.ID && existing.RunID == t.RunID {
			d.tasks[i] = t
			return nil
		}
	}
	d.tasks = append(d.tasks, t)
	return nil
}

func (m *mockStore) GetTaskRun(id string, runID int64) (models.TaskRun, error) {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tasks {
		if t.ID == id && t.RunID == runID {
			return t, nil
		}
	}
	return models.TaskRun{}, ErrNotFound
}

func (m *mockStore) UpdateTaskStatus(id string, runID int64, status models.TaskStatus, errorMsg string) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, t := range d.tasks {
		if t.ID == id && t.RunID == runID {
			now := time.Now()
			d.tasks[i].Status = status
			d.tasks[i].ErrorMsg = errorMsg
			switch {
			case status == models.RunningTaskStatus && t.StartedAt == nil:
				d.tasks[i].StartedAt = &now
			case status.Finished():
				d.tasks[i].FinishedAt = &now
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) UpdateTaskAttempts(id string, runID int64, attempts int) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, t := range d.tasks {
		if t.ID == id && t.RunID == runID {
			d.tasks[i].Attempts = attempts
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) SaveDependency(dep models.Dependency) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.dependencies {
		if existing == dep {
			return errors.New("dependency already exists")
		}
	}
	d.dependencies = append(d.dependencies, dep)
	return nil
}

func (m *mockStore) GetDependencies(runID int64) ([]models.Dependency, error) {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	var deps []models.Dependency
	for _, dep := range d.dependencies {
		if dep.RunID == runID {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

func (m *mockStore) SaveExecutionLog(l models.ExecutionLog) error {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextLogID++
	l.ID = d.nextLogID
	d.logs = append(d.logs, l)
	return nil
}

func (m *mockStore) GetExecutionLogs(runID int64) ([]models.ExecutionLog, error) {
	d := m.data
	d.mu.Lock()
	defer d.mu.Unlock()
	var logs []models.ExecutionLog
	for _, l := range d.logs {
		if l.RunID == runID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}
