package warehouse_test

import (
	"context"
	"testing"
	"time"

	"github.com/faqeel/sparkify-pipeline/internal/testutil"
	internal_warehouse "github.com/faqeel/sparkify-pipeline/internal/warehouse"
	"github.com/faqeel/sparkify-pipeline/pkg/sparkify"
	"github.com/faqeel/sparkify-pipeline/pkg/warehouse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	valid := internal_warehouse.Config{URL: "postgres://localhost:5439/dev", PingTimeout: time.Second}
	assert.NoError(t, valid.Validate())

	invalid := valid
	invalid.URL = ""
	assert.Error(t, invalid.Validate())

	invalid = valid
	invalid.PingTimeout = 0
	assert.Error(t, invalid.Validate())
}

// Postgres stands in for Redshift: the statements below are the ones the
// load and quality tasks issue.
func TestRedshift_Postgres(t *testing.T) {
	testDB := testutil.SetupTestDB(t, testutil.WithoutMigrations(), testutil.WithWarehouseSchema())

	ctx := context.Background()
	wh, err := internal_warehouse.Open(ctx, internal_warehouse.Config{URL: testDB.ConnStr, PingTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer wh.Close()

	// the schema already exists, so this is a no-op
	require.NoError(t, sparkify.CreateTables(ctx, wh))

	insert, err := warehouse.InsertSelect(sparkify.UsersTable, "SELECT 1, 'Lily', 'Koch', 'F', 'paid'")
	require.NoError(t, err)
	require.NoError(t, wh.Exec(ctx, insert))

	count, err := warehouse.CountRows(sparkify.UsersTable)
	require.NoError(t, err)
	n, found, err := wh.QueryScalar(ctx, count)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), n)

	_, found, err = wh.QueryScalar(ctx, "SELECT userid::bigint FROM users WHERE userid = 42")
	require.NoError(t, err)
	assert.False(t, found)

	del, err := warehouse.DeleteAll(sparkify.UsersTable)
	require.NoError(t, err)
	require.NoError(t, wh.Exec(ctx, del))
	n, _, err = wh.QueryScalar(ctx, count)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = wh.Exec(ctx, `DELETE FROM "missing_table"`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "42P01")
}

func TestRedshift_InTx(t *testing.T) {
	testDB := testutil.SetupTestDB(t, testutil.WithoutMigrations(), testutil.WithWarehouseSchema())
	testDB.Exec(t, `INSERT INTO users VALUES (1, 'Lily', 'Koch', 'F', 'paid'), (2, 'Kevin', 'Arellano', 'M', 'free')`)

	ctx := context.Background()
	wh, err := internal_warehouse.Open(ctx, internal_warehouse.Config{URL: testDB.ConnStr, PingTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer wh.Close()

	count, err := warehouse.CountRows(sparkify.UsersTable)
	require.NoError(t, err)
	del, err := warehouse.DeleteAll(sparkify.UsersTable)
	require.NoError(t, err)

	err = warehouse.InTx(ctx, wh, func(ctx context.Context, tx warehouse.Warehouse) error {
		require.NoError(t, tx.Exec(ctx, del))
		n, _, err := tx.QueryScalar(ctx, count)
		require.NoError(t, err)
		assert.Zero(t, n, "delete visible inside the transaction")
		return tx.Exec(ctx, `INSERT INTO "missing_table" VALUES (1)`)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "42P01")

	n, _, err := wh.QueryScalar(ctx, count)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "delete rolled back")

	require.NoError(t, warehouse.InTx(ctx, wh, func(ctx context.Context, tx warehouse.Warehouse) error {
		return tx.Exec(ctx, del)
	}))
	n, _, err = wh.QueryScalar(ctx, count)
	require.NoError(t, err)
	assert.Zero(t, n)
}
