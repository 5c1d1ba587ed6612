package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/warehouse"
	"github.com/pkg/errors"
)

// Assertion compares the scalar result of SQL with Expected.
type Assertion struct {
	Name     string `yaml:"name"`
	SQL      string `yaml:"sql"`
	Expected int64  `yaml:"expected"`
}

// QualityCheckTask asserts every listed table holds at least one row, plus
// any custom assertions. By default every check runs and the error lists all
// failures; FailFast stops at the first.
type QualityCheckTask struct {
	name       string
	tables     []string
	assertions []Assertion
	failFast   bool
	wh         warehouse.Warehouse
}

type QualityOption func(*QualityCheckTask)

// WithAssertions adds custom scalar checks run after the row counts.
func WithAssertions(a ...Assertion) QualityOption {
	return func(q *QualityCheckTask) {
		q.assertions = append(q.assertions, a...)
	}
}

// FailFast stops at the first failing check.
func FailFast() QualityOption {
	return func(q *QualityCheckTask) {
		q.failFast = true
	}
}

func NewQualityCheckTask(name string, tables []string, wh warehouse.Warehouse, opts ...QualityOption) (*QualityCheckTask, error) {
	q := &QualityCheckTask{name: name, tables: append([]string(nil), tables...), wh: wh}
	for _, opt := range opts {
		opt(q)
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QualityCheckTask) Name() string { return q.name }

func (q *QualityCheckTask) Tables() []string { return append([]string(nil), q.tables...) }

func (q *QualityCheckTask) validate() error {
	if strings.TrimSpace(q.name) == "" {
		return configError("<unnamed>", "name", errors.New("task name is required"))
	}
	if len(q.tables) == 0 && len(q.assertions) == 0 {
		return configError(q.name, "tables", errors.New("at least one table or assertion is required"))
	}
	for _, t := range q.tables {
		if _, err := warehouse.QuoteIdent(t); err != nil {
			return configError(q.name, "tables", err)
		}
	}
	for i, a := range q.assertions {
		if strings.TrimSpace(a.SQL) == "" {
			return configError(q.name, "assertions", errors.Errorf("assertion %d has no sql", i))
		}
	}
	if q.wh == nil {
		return configError(q.name, "warehouse", errors.New("warehouse is required"))
	}
	return nil
}

func (q *QualityCheckTask) Execute(ctx context.Context, rc graph.RunContext) error {
	if err := q.validate(); err != nil {
		return err
	}
	log := rc.Log()
	var failures []CheckFailure
	fail := func(check, reason string) bool {
		log.Errorf("Data quality check failed for %s: %s", check, reason)
		failures = append(failures, CheckFailure{Check: check, Reason: reason})
		return q.failFast
	}

	for _, table := range q.tables {
		stmt, err := warehouse.CountRows(table)
		if err != nil {
			return configError(q.name, "tables", err)
		}
		count, found, err := q.wh.QueryScalar(ctx, stmt)
		if err != nil {
			return &ExecutionError{Task: q.name, Table: table, Statement: stmt, Err: err}
		}
		switch {
		case !found:
			if fail(table, "returned no results") {
				return q.result(failures)
			}
		case count < 1:
			if fail(table, "contained 0 rows") {
				return q.result(failures)
			}
		default:
			log.Infof("Data quality check on %s passed with %d records", table, count)
		}
	}

	for i, a := range q.assertions {
		check := a.Name
		if check == "" {
			check = fmt.Sprintf("assertion %d", i+1)
		}
		value, found, err := q.wh.QueryScalar(ctx, a.SQL)
		if err != nil {
			return &ExecutionError{Task: q.name, Table: check, Statement: a.SQL, Err: err}
		}
		switch {
		case !found:
			if fail(check, "returned no results") {
				return q.result(failures)
			}
		case value != a.Expected:
			if fail(check, fmt.Sprintf("expected %d, got %d", a.Expected, value)) {
				return q.result(failures)
			}
		default:
			log.Infof("Data quality check %s passed", check)
		}
	}
	return q.result(failures)
}

func (q *QualityCheckTask) result(failures []CheckFailure) error {
	if len(failures) == 0 {
		return nil
	}
	return &DataQualityError{Task: q.name, Failures: failures}
}
