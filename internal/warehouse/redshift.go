package warehouse

import (
	"context"
	"time"

	"github.com/faqeel/sparkify-pipeline/pkg/warehouse"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type Config struct {
	URL         string        `yaml:"url"`
	MaxConns    int32         `yaml:"max_conns"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("REDSHIFT_URL is required")
	}
	if c.MaxConns < 0 {
		return errors.New("REDSHIFT_MAX_CONNS must be >= 0")
	}
	if c.PingTimeout <= 0 {
		return errors.New("REDSHIFT_PING_TIMEOUT must be positive")
	}
	return nil
}

// Redshift talks to a Redshift cluster over the Postgres wire protocol.
// Statements go through the simple protocol since Redshift does not support
// every extended-protocol feature pgx uses by default.
type Redshift struct {
	pool *pgxpool.Pool
}

// querier is the part of pgxpool.Pool and pgx.Tx the statements need.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func Open(ctx context.Context, cfg Config) (*Redshift, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse warehouse url")
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "open warehouse")
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping warehouse")
	}
	return &Redshift{pool: pool}, nil
}

func (r *Redshift) Close() {
	r.pool.Close()
}

func (r *Redshift) Exec(ctx context.Context, query string) error {
	return execOn(ctx, r.pool, query)
}

func (r *Redshift) Copy(ctx context.Context, cmd warehouse.CopyCommand) error {
	return copyOn(ctx, r.pool, cmd)
}

// QueryScalar reads the first column of the first row. A missing row or a
// NULL value is reported as not found.
func (r *Redshift) QueryScalar(ctx context.Context, query string) (int64, bool, error) {
	return scalarOn(ctx, r.pool, query)
}

// InTx runs fn in one transaction, committed only when fn succeeds.
func (r *Redshift) InTx(ctx context.Context, fn func(ctx context.Context, tx warehouse.Warehouse) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(describe(err), "begin warehouse transaction")
	}
	if err := fn(ctx, &redshiftTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}
	return errors.Wrap(describe(tx.Commit(ctx)), "commit warehouse transaction")
}

type redshiftTx struct {
	tx pgx.Tx
}

func (t *redshiftTx) Exec(ctx context.Context, query string) error {
	return execOn(ctx, t.tx, query)
}

func (t *redshiftTx) Copy(ctx context.Context, cmd warehouse.CopyCommand) error {
	return copyOn(ctx, t.tx, cmd)
}

func (t *redshiftTx) QueryScalar(ctx context.Context, query string) (int64, bool, error) {
	return scalarOn(ctx, t.tx, query)
}

func execOn(ctx context.Context, q querier, query string) error {
	_, err := q.Exec(ctx, query)
	return describe(err)
}

func copyOn(ctx context.Context, q querier, cmd warehouse.CopyCommand) error {
	stmt, err := warehouse.CopySQL(cmd)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, stmt)
	return describe(err)
}

func scalarOn(ctx context.Context, q querier, query string) (int64, bool, error) {
	var v *int64
	err := q.QueryRow(ctx, query).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, describe(err)
	}
	if v == nil {
		return 0, false, nil
	}
	return *v, true, nil
}

// describe adds the SQLSTATE to server errors.
func describe(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errors.Wrapf(err, "warehouse error %s", pgErr.Code)
	}
	return err
}
