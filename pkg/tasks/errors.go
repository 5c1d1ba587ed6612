package tasks

import (
	"fmt"
	"strings"
)

// ConfigurationError reports a missing or invalid parameter. It is
// permanent: retrying cannot fix it.
type ConfigurationError struct {
	Task  string
	Param string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("task %s: invalid %s: %v", e.Task, e.Param, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Permanent() bool { return true }

// ExecutionError wraps a warehouse or storage failure. It is retried by the
// runner within the task's budget.
type ExecutionError struct {
	Task      string
	Table     string
	Statement string
	Err       error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("task %s: table %s: %v", e.Task, e.Table, e.Err)
	if e.Statement != "" {
		msg += " (statement: " + e.Statement + ")"
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Permanent() bool { return false }

// CheckFailure is one failed assertion.
type CheckFailure struct {
	Check  string
	Reason string
}

// DataQualityError lists the failed checks of a quality task.
type DataQualityError struct {
	Task     string
	Failures []CheckFailure
}

func (e *DataQualityError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Check+": "+f.Reason)
	}
	return fmt.Sprintf("task %s: data quality check failed: %s", e.Task, strings.Join(parts, "; "))
}

func (e *DataQualityError) Permanent() bool { return false }

// Failed returns the names of the failed checks.
func (e *DataQualityError) Failed() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Check)
	}
	return out
}

func configError(task, param string, err error) error {
	return &ConfigurationError{Task: task, Param: param, Err: err}
}
