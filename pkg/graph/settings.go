package graph

import "time"

const (
	// StartMarker and EndMarker name the synchronisation tasks every graph has.
	StartMarker = "Begin_execution"
	EndMarker   = "End_execution"

	DefaultRetries    = 3
	DefaultRetryDelay = 5 * time.Minute
	DefaultSchedule   = "@hourly"
	// DefaultTaskTimeout bounds a single attempt when no timeout is configured.
	DefaultTaskTimeout = 30 * time.Minute
)

// Settings are the graph-level knobs handed to the scheduler. They carry no
// logic of their own.
type Settings struct {
	Owner         string        `yaml:"owner" json:"owner"`
	Description   string        `yaml:"description" json:"description"`
	StartDate     time.Time     `yaml:"start_date" json:"start_date"`
	Retries       int           `yaml:"retries" json:"retries"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
	Catchup       bool          `yaml:"catchup" json:"catchup"`
	Schedule      string        `yaml:"schedule" json:"schedule"`
	EmailOnRetry  bool          `yaml:"email_on_retry" json:"email_on_retry"`
	DependsOnPast bool          `yaml:"depends_on_past" json:"depends_on_past"`
	TaskTimeout   time.Duration `yaml:"task_timeout" json:"task_timeout"`
}

// DefaultSettings mirrors the defaults the pipeline was designed with.
func DefaultSettings() Settings {
	return Settings{
		Owner:       "udacity",
		Retries:     DefaultRetries,
		RetryDelay:  DefaultRetryDelay,
		Schedule:    DefaultSchedule,
		TaskTimeout: DefaultTaskTimeout,
	}
}

// TaskOptions overrides graph settings for a single task.
type TaskOptions struct {
	Retries *int
	Timeout time.Duration
}

type TaskOption func(*TaskOptions)

// WithRetries overrides the retry budget of one task.
func WithRetries(n int) TaskOption {
	return func(o *TaskOptions) {
		o.Retries = &n
	}
}

// WithTimeout overrides the per-attempt timeout of one task.
func WithTimeout(d time.Duration) TaskOption {
	return func(o *TaskOptions) {
		o.Timeout = d
	}
}
