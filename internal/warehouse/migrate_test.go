package warehouse

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectAdvisoryLock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func expectAdvisoryUnlock(mock pgxmock.PgxPoolIface) {
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
}

func TestMigrationNames(t *testing.T) {
	names, err := migrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_dataset_versions.sql", "002_crosswalk.sql", "003_cycle_log.sql",
		"004_version_retention.sql", "005_contributor_observed_at.sql",
	}, names)
}

func TestMigrations_AllowVersionPruning(t *testing.T) {
	data, err := migrationFS.ReadFile("migrations/004_version_retention.sql")
	require.NoError(t, err)
	sql := string(data)

	assert.Equal(t, 2, strings.Count(sql, "ON DELETE CASCADE"), "facts and contributors follow their version")
	for _, table := range []string{"dataset_versions", "dataset_facts", "fact_contributors"} {
		assert.Contains(t, sql, "BEFORE UPDATE ON "+table)
	}
	assert.NotContains(t, sql, "DELETE ON", "deletes are left to retention jobs")
}

func TestMigrate_FreshDB(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	names, err := migrationNames()
	require.NoError(t, err)

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	for _, name := range names {
		mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("EXEC", 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(name).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	expectAdvisoryUnlock(mock)

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SkipsApplied(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).
			AddRow("001_dataset_versions.sql").
			AddRow("002_crosswalk.sql").
			AddRow("003_cycle_log.sql"))
	mock.ExpectExec("ALTER TABLE dataset_facts DROP CONSTRAINT").WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("004_version_retention.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("ALTER TABLE fact_contributors ADD COLUMN IF NOT EXISTS observed_at").
		WillReturnResult(pgxmock.NewResult("ALTER", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("005_contributor_observed_at.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectAdvisoryUnlock(mock)

	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_LockError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnError(fmt.Errorf("connection refused"))

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "advisory lock")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_ApplyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	expectAdvisoryLock(mock)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT filename FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"filename"}))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS dataset_versions").WillReturnError(fmt.Errorf("permission denied"))
	expectAdvisoryUnlock(mock)

	err = Migrate(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_dataset_versions.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}
