package graph

import (
	"context"
	"time"
)

// Logger is the logging surface handed to tasks through the RunContext.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Task is one unit of work in a graph. Execute must be safe to re-run: the
// runner retries failed attempts and a scheduled run may replay an interval.
type Task interface {
	Name() string
	Execute(ctx context.Context, rc RunContext) error
}

// Destructive is implemented by tasks that clear a table before loading it.
// Two such tasks on the same table must be ordered by an edge path.
type Destructive interface {
	DestructiveTables() []string
}

// RunContext carries the per-execution parameters of a graph run. It is
// passed by value and must be treated as read-only.
type RunContext struct {
	RunID       string
	LogicalDate time.Time
	Vars        map[string]string
	Attempt     int
	Logger      Logger
}

// Var returns a resolved variable such as the storage bucket name.
func (rc RunContext) Var(name string) (string, bool) {
	v, ok := rc.Vars[name]
	return v, ok
}

// Log never returns nil.
func (rc RunContext) Log() Logger {
	if rc.Logger == nil {
		return nopLogger{}
	}
	return rc.Logger
}

// WithAttempt returns a copy of rc for the given 1-based attempt.
func (rc RunContext) WithAttempt(attempt int) RunContext {
	rc.Attempt = attempt
	return rc
}

// WithLogger returns a copy of rc logging through l.
func (rc RunContext) WithLogger(l Logger) RunContext {
	rc.Logger = l
	return rc
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// Marker is a synchronisation point that carries no work.
type Marker struct {
	name string
}

// NewMarker returns a marker task named name.
func NewMarker(name string) *Marker {
	return &Marker{name: name}
}

func (m *Marker) Name() string { return m.name }

func (m *Marker) Execute(ctx context.Context, _ RunContext) error {
	return ctx.Err()
}

// IsMarker reports whether t is a start/end marker.
func IsMarker(t Task) bool {
	_, ok := t.(*Marker)
	return ok
}
