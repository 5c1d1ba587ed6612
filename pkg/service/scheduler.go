package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/models"
	"github.com/faqeel/sparkify-pipeline/pkg/storage"
	"github.com/pkg/errors"
)

// Schedule is a parsed graph schedule. Once schedules run a single interval
// starting at the graph start date.
type Schedule struct {
	Interval time.Duration
	Once     bool
}

// ParseSchedule accepts @hourly, @daily, @weekly, @once or a positive Go
// duration such as "15m".
func ParseSchedule(expr string) (Schedule, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "", "@hourly":
		return Schedule{Interval: time.Hour}, nil
	case "@daily":
		return Schedule{Interval: 24 * time.Hour}, nil
	case "@weekly":
		return Schedule{Interval: 7 * 24 * time.Hour}, nil
	case "@once":
		return Schedule{Once: true}, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(expr))
	if err != nil {
		return Schedule{}, errors.Wrapf(err, "invalid schedule %q", expr)
	}
	if d <= 0 {
		return Schedule{}, errors.Errorf("invalid schedule %q: interval must be positive", expr)
	}
	return Schedule{Interval: d}, nil
}

// Scheduler triggers runs of one graph as its intervals close. Runs are
// executed one at a time.
type Scheduler struct {
	runs     *RunService
	store    storage.Store
	graph    *graph.Graph
	schedule Schedule
	logger   Logger
	now      func() time.Time
	mu       sync.Mutex
}

func NewScheduler(runs *RunService, g *graph.Graph) (*Scheduler, error) {
	schedule, err := ParseSchedule(g.Settings().Schedule)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		runs:     runs,
		store:    runs.store,
		graph:    g,
		schedule: schedule,
		logger:   runs.logger,
		now:      runs.now,
	}, nil
}

// Due returns the logical dates that should run at now and have no run yet,
// oldest first.
func (s *Scheduler) Due(now time.Time) ([]time.Time, error) {
	var candidates []time.Time
	for _, d := range s.intervals(now.UTC()) {
		_, err := s.store.FindRun(s.graph.Name(), d)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrapf(err, "failed to look up run for %s", d.Format(time.RFC3339))
		}
		candidates = append(candidates, d)
	}
	return candidates, nil
}

// intervals lists the starts of the closed intervals to consider at now.
func (s *Scheduler) intervals(now time.Time) []time.Time {
	start := s.graph.Settings().StartDate.UTC()
	if s.schedule.Once {
		if start.IsZero() {
			start = now
		}
		if start.After(now) {
			return nil
		}
		return []time.Time{start}
	}

	step := s.schedule.Interval
	if start.IsZero() {
		start = now.Truncate(step).Add(-step)
	}
	if start.Add(step).After(now) {
		return nil
	}
	closed := int64(now.Sub(start) / step)
	latest := start.Add(time.Duration(closed-1) * step)
	if !s.graph.Settings().Catchup {
		return []time.Time{latest}
	}
	out := make([]time.Time, 0, closed)
	for d := start; !d.After(latest); d = d.Add(step) {
		out = append(out, d)
	}
	return out
}

// Tick triggers every due interval in order. With DependsOnPast a failed
// run stops the tick and later intervals wait for the failed one to be
// resolved.
func (s *Scheduler) Tick(ctx context.Context) ([]models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due, err := s.Due(s.now())
	if err != nil {
		return nil, err
	}
	var runs []models.Run
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		if s.graph.Settings().DependsOnPast {
			blocked, err := s.previousIncomplete(d)
			if err != nil {
				return runs, err
			}
			if blocked {
				s.logger.Infof("Skipping %s for %s: previous run did not complete", s.graph.Name(), d.Format(time.RFC3339))
				return runs, nil
			}
		}
		run, err := s.runs.Trigger(ctx, s.graph, d)
		if run.ID != 0 {
			runs = append(runs, run)
		}
		if err != nil {
			s.logger.Errorf("Scheduled run of %s for %s failed: %v", s.graph.Name(), d.Format(time.RFC3339), err)
			if s.graph.Settings().DependsOnPast || ctx.Err() != nil {
				return runs, nil
			}
		}
	}
	return runs, nil
}

func (s *Scheduler) previousIncomplete(d time.Time) (bool, error) {
	if s.schedule.Once {
		return false, nil
	}
	prev, err := s.store.FindRun(s.graph.Name(), d.Add(-s.schedule.Interval))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return prev.Status != models.CompletedRunStatus, nil
}

// Run ticks every poll interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Minute
	}
	s.logger.Infof("Scheduling %s (%s, catchup=%t)", s.graph.Name(), s.graph.Settings().Schedule, s.graph.Settings().Catchup)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorf("Scheduler tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
