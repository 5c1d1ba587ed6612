// Package warehouse defines the SQL surface the pipeline tasks drive and the
// statement builders they share.
package warehouse

import (
	"context"

	"github.com/faqeel/sparkify-pipeline/pkg/secrets"
)

// DefaultJSONFormat lets COPY map JSON keys to columns by name.
const DefaultJSONFormat = "auto"

// CopyCommand describes a bulk load of every object under Source into Table.
type CopyCommand struct {
	Table       string
	Source      string
	Credentials secrets.Credentials
	// JSONFormat is "auto" or the URI of a JSONPaths document.
	JSONFormat string
	Region     string
}

// Warehouse executes statements against the analytical store.
type Warehouse interface {
	Exec(ctx context.Context, query string) error
	Copy(ctx context.Context, cmd CopyCommand) error
	// QueryScalar reads the first column of the first row. found is false
	// when the query returned no rows.
	QueryScalar(ctx context.Context, query string) (value int64, found bool, err error)
}

// Transactor is implemented by warehouses that can run several statements
// as one unit. Changes made through tx are discarded when fn fails.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Warehouse) error) error
}

// InTx runs fn inside a transaction when wh is a Transactor, and directly
// against wh otherwise.
func InTx(ctx context.Context, wh Warehouse, fn func(ctx context.Context, tx Warehouse) error) error {
	if t, ok := wh.(Transactor); ok {
		return t.InTx(ctx, fn)
	}
	return fn(ctx, wh)
}
