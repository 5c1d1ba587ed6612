package tasks

import (
	"context"
	"strings"

	"github.com/faqeel/sparkify-pipeline/pkg/graph"
	"github.com/faqeel/sparkify-pipeline/pkg/warehouse"
	"github.com/pkg/errors"
)

// LoadFactTask appends the rows of a SELECT to a fact table. It never
// deletes: running it twice inserts the rows twice.
type LoadFactTask struct {
	name      string
	table     string
	insertSQL string
	wh        warehouse.Warehouse
}

func NewLoadFactTask(name, table, insertSQL string, wh warehouse.Warehouse) (*LoadFactTask, error) {
	t := &LoadFactTask{name: name, table: table, insertSQL: insertSQL, wh: wh}
	if err := validateLoad(name, table, insertSQL, wh); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *LoadFactTask) Name() string { return t.name }

func (t *LoadFactTask) Table() string { return t.table }

func (t *LoadFactTask) Execute(ctx context.Context, rc graph.RunContext) error {
	if err := validateLoad(t.name, t.table, t.insertSQL, t.wh); err != nil {
		return err
	}
	rc.Log().Infof("Inserting data into %s fact table", t.table)
	return insert(ctx, t.wh, t.name, t.table, t.insertSQL)
}

// LoadDimensionTask rebuilds a dimension table from a SELECT. By default the
// table is cleared first so stale attributes do not survive; AppendOnly
// keeps existing rows.
type LoadDimensionTask struct {
	name       string
	table      string
	insertSQL  string
	appendOnly bool
	wh         warehouse.Warehouse
}

type DimensionOption func(*LoadDimensionTask)

// AppendOnly disables the clear before insert.
func AppendOnly() DimensionOption {
	return func(t *LoadDimensionTask) {
		t.appendOnly = true
	}
}

func NewLoadDimensionTask(name, table, insertSQL string, wh warehouse.Warehouse, opts ...DimensionOption) (*LoadDimensionTask, error) {
	t := &LoadDimensionTask{name: name, table: table, insertSQL: insertSQL, wh: wh}
	for _, opt := range opts {
		opt(t)
	}
	if err := validateLoad(name, table, insertSQL, wh); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *LoadDimensionTask) Name() string { return t.name }

func (t *LoadDimensionTask) Table() string { return t.table }

// Truncate reports whether the table is cleared before inserting.
func (t *LoadDimensionTask) Truncate() bool { return !t.appendOnly }

func (t *LoadDimensionTask) DestructiveTables() []string {
	if t.appendOnly {
		return nil
	}
	return []string{t.table}
}

func (t *LoadDimensionTask) Execute(ctx context.Context, rc graph.RunContext) error {
	if err := validateLoad(t.name, t.table, t.insertSQL, t.wh); err != nil {
		return err
	}
	log := rc.Log()
	if !t.appendOnly {
		stmt, err := warehouse.DeleteAll(t.table)
		if err != nil {
			return configError(t.name, "table", err)
		}
		log.Infof("Clearing data from %s dimension table", t.table)
		if err := t.wh.Exec(ctx, stmt); err != nil {
			return &ExecutionError{Task: t.name, Table: t.table, Statement: stmt, Err: err}
		}
	}
	log.Infof("Inserting data into %s dimension table", t.table)
	return insert(ctx, t.wh, t.name, t.table, t.insertSQL)
}

func validateLoad(name, table, insertSQL string, wh warehouse.Warehouse) error {
	if strings.TrimSpace(name) == "" {
		return configError("<unnamed>", "name", errors.New("task name is required"))
	}
	if _, err := warehouse.QuoteIdent(table); err != nil {
		return configError(name, "table", err)
	}
	if strings.TrimSpace(insertSQL) == "" {
		return configError(name, "sql", errors.New("insert query is required"))
	}
	if wh == nil {
		return configError(name, "warehouse", errors.New("warehouse is required"))
	}
	return nil
}

func insert(ctx context.Context, wh warehouse.Warehouse, task, table, selectSQL string) error {
	stmt, err := warehouse.InsertSelect(table, selectSQL)
	if err != nil {
		return configError(task, "sql", err)
	}
	if err := wh.Exec(ctx, stmt); err != nil {
		return &ExecutionError{Task: task, Table: table, Statement: stmt, Err: err}
	}
	return nil
}
