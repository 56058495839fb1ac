package migrate_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlancelot/fantastic-spork-sub001/internal/migrate"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/testutil"
)

func TestRunnerAgainstDatabase(t *testing.T) {
	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		r, err := migrate.NewRunner(db, nil)
		require.NoError(t, err)

		applied, err := r.Up(ctx)
		require.NoError(t, err)
		assert.Empty(t, applied, "schema was migrated when the test database was set up")

		status, err := r.Status(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, status)
		for _, m := range status {
			assert.True(t, m.Applied(), m.ID())
		}

		_, err = db.ExecContext(ctx, `ALTER TABLE jobs DROP COLUMN error_class`)
		require.NoError(t, err)
		_, err = r.Up(ctx)
		require.ErrorIs(t, err, migrate.ErrSchemaMismatch)
		assert.ErrorContains(t, err, "error_class")
	})
}
