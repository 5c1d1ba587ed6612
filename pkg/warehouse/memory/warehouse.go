// Package memory is an in-process Warehouse for tests. It understands the
// statements produced by the warehouse package builders and keeps only row
// counts per table.
package memory

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/faqeel/sparkify-pipeline/pkg/warehouse"
	"github.com/pkg/errors"
)

var (
	deleteRe = regexp.MustCompile(`^DELETE FROM ((?:"[^"]+"\.)?"[^"]+")$`)
	insertRe = regexp.MustCompile(`(?s)^INSERT INTO ((?:"[^"]+"\.)?"[^"]+") (.+)$`)
	createRe = regexp.MustCompile(`(?s)^CREATE TABLE IF NOT EXISTS ((?:"[^"]+"\.)?"[^"]+") \(.+\)$`)
	countRe  = regexp.MustCompile(`^SELECT COUNT\(\*\) FROM ((?:"[^"]+"\.)?"[^"]+")$`)
)

type scalar struct {
	value int64
	found bool
}

type failure struct {
	match     string
	remaining int
	forever   bool
	err       error
}

type Warehouse struct {
	mu         sync.Mutex
	tables     map[string]int64
	objects    map[string]int64
	selects    map[string]int64
	scalars    map[string]scalar
	failures   []*failure
	statements []string
	copies     []warehouse.CopyCommand
	rollbacks  int
}

func New(tables ...string) *Warehouse {
	w := &Warehouse{
		tables:  make(map[string]int64),
		objects: make(map[string]int64),
		selects: make(map[string]int64),
		scalars: make(map[string]scalar),
	}
	for _, t := range tables {
		w.tables[t] = 0
	}
	return w
}

// SetRows creates or overwrites a table with n rows.
func (w *Warehouse) SetRows(table string, n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables[table] = n
}

// Rows returns the row count of table.
func (w *Warehouse) Rows(table string) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, ok := w.tables[table]
	return n, ok
}

// AddObject places an object holding rows records at path.
func (w *Warehouse) AddObject(path string, rows int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects[path] = rows
}

// RegisterSelect declares how many rows an INSERT ... SELECT body yields.
func (w *Warehouse) RegisterSelect(selectSQL string, rows int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.selects[normalize(selectSQL)] = rows
}

// RegisterScalar fixes the result of a query.
func (w *Warehouse) RegisterScalar(query string, value int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scalars[normalize(query)] = scalar{value: value, found: true}
}

// RegisterNoRows makes query return an empty result set.
func (w *Warehouse) RegisterNoRows(query string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scalars[normalize(query)] = scalar{}
}

// FailOn makes the next times statements containing match fail with err.
// times <= 0 fails forever.
func (w *Warehouse) FailOn(match string, times int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = append(w.failures, &failure{match: match, remaining: times, forever: times <= 0, err: err})
}

// Statements returns every statement seen, in order.
func (w *Warehouse) Statements() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.statements...)
}

// Copies returns every COPY command seen, in order.
func (w *Warehouse) Copies() []warehouse.CopyCommand {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]warehouse.CopyCommand(nil), w.copies...)
}

func (w *Warehouse) Exec(ctx context.Context, query string) error {
	return w.exec(ctx, query, nil)
}

// undo, when non-nil, records the row count of every table before its first
// change.
func (w *Warehouse) exec(ctx context.Context, query string, undo map[string]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	query = normalize(query)
	w.statements = append(w.statements, query)
	if err := w.injected(query); err != nil {
		return err
	}
	if m := createRe.FindStringSubmatch(query); m != nil {
		table := unquote(m[1])
		if _, ok := w.tables[table]; !ok {
			w.tables[table] = 0
		}
		return nil
	}
	if m := deleteRe.FindStringSubmatch(query); m != nil {
		table := unquote(m[1])
		if _, ok := w.tables[table]; !ok {
			return missingRelation(table)
		}
		remember(undo, table, w.tables[table])
		w.tables[table] = 0
		return nil
	}
	if m := insertRe.FindStringSubmatch(query); m != nil {
		table := unquote(m[1])
		if _, ok := w.tables[table]; !ok {
			return missingRelation(table)
		}
		rows, ok := w.selects[m[2]]
		if !ok {
			return errors.Errorf("memory warehouse: unregistered select %q", m[2])
		}
		remember(undo, table, w.tables[table])
		w.tables[table] += rows
		return nil
	}
	return errors.Errorf("memory warehouse: unsupported statement %q", query)
}

func (w *Warehouse) Copy(ctx context.Context, cmd warehouse.CopyCommand) error {
	return w.copy(ctx, cmd, nil)
}

func (w *Warehouse) copy(ctx context.Context, cmd warehouse.CopyCommand, undo map[string]int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stmt, err := warehouse.CopySQL(cmd)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statements = append(w.statements, stmt)
	w.copies = append(w.copies, cmd)
	if err := w.injected(stmt); err != nil {
		return err
	}
	if _, ok := w.tables[cmd.Table]; !ok {
		return missingRelation(cmd.Table)
	}
	var loaded int64
	matched := false
	for path, rows := range w.objects {
		if strings.HasPrefix(path, cmd.Source) {
			loaded += rows
			matched = true
		}
	}
	if !matched {
		return errors.Errorf("memory warehouse: no objects under %s", cmd.Source)
	}
	remember(undo, cmd.Table, w.tables[cmd.Table])
	w.tables[cmd.Table] += loaded
	return nil
}

// InTx runs fn against a view of w whose row changes are undone when fn
// returns an error.
func (w *Warehouse) InTx(ctx context.Context, fn func(ctx context.Context, tx warehouse.Warehouse) error) error {
	tx := &txWarehouse{w: w, undo: make(map[string]int64)}
	if err := fn(ctx, tx); err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		for table, rows := range tx.undo {
			w.tables[table] = rows
		}
		w.rollbacks++
		return err
	}
	return nil
}

// Rollbacks returns how many transactions were undone.
func (w *Warehouse) Rollbacks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rollbacks
}

type txWarehouse struct {
	w    *Warehouse
	undo map[string]int64
}

func (t *txWarehouse) Exec(ctx context.Context, query string) error {
	return t.w.exec(ctx, query, t.undo)
}

func (t *txWarehouse) Copy(ctx context.Context, cmd warehouse.CopyCommand) error {
	return t.w.copy(ctx, cmd, t.undo)
}

func (t *txWarehouse) QueryScalar(ctx context.Context, query string) (int64, bool, error) {
	return t.w.QueryScalar(ctx, query)
}

func remember(undo map[string]int64, table string, rows int64) {
	if undo == nil {
		return
	}
	if _, ok := undo[table]; !ok {
		undo[table] = rows
	}
}

func (w *Warehouse) QueryScalar(ctx context.Context, query string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	query = normalize(query)
	w.statements = append(w.statements, query)
	if err := w.injected(query); err != nil {
		return 0, false, err
	}
	if s, ok := w.scalars[query]; ok {
		return s.value, s.found, nil
	}
	if m := countRe.FindStringSubmatch(query); m != nil {
		table := unquote(m[1])
		n, ok := w.tables[table]
		if !ok {
			return 0, false, missingRelation(table)
		}
		return n, true, nil
	}
	return 0, false, errors.Errorf("memory warehouse: unsupported query %q", query)
}

func (w *Warehouse) injected(stmt string) error {
	for _, f := range w.failures {
		if !strings.Contains(stmt, f.match) {
			continue
		}
		if f.forever {
			return f.err
		}
		if f.remaining > 0 {
			f.remaining--
			return f.err
		}
	}
	return nil
}

func missingRelation(table string) error {
	return errors.Errorf("relation %q does not exist", table)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func unquote(ident string) string {
	return strings.ReplaceAll(ident, `"`, "")
}
