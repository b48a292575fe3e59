package database

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/students-api/pkg/config"
)

func TestDSNPostgres(t *testing.T) {
	driver, dsn, err := DSN(config.DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "students", SSLMode: "disable"})
	require.NoError(t, err)
	assert.Equal(t, config.DriverPostgres, driver)
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=students sslmode=disable", dsn)
}

func TestDSNSQLite(t *testing.T) {
	driver, dsn, err := DSN(config.DatabaseConfig{Driver: config.DriverSQLite, Path: "/tmp/s.db"})
	require.NoError(t, err)
	assert.Equal(t, config.DriverSQLite, driver)
	assert.Contains(t, dsn, "file:/tmp/s.db")
}

func TestDSNUnsupported(t *testing.T) {
	_, _, err := DSN(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestOpenSQLiteAndMigrate(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, Path: t.TempDir() + "/students.db"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	_, err = db.ExecContext(ctx, `INSERT INTO students (first_name, last_name, email, enrollment_date) VALUES ('A', 'B', 'a@x.com', '2024-09-01')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO students (first_name, last_name, email, enrollment_date) VALUES ('C', 'D', 'a@x.com', '2024-09-01')`)
	assert.Error(t, err, "email must be unique")
}

func TestMigratePostgres(t *testing.T) {
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, "postgres")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS students")).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUnknownDriver(t *testing.T) {
	raw, _, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	assert.Error(t, Migrate(context.Background(), sqlx.NewDb(raw, "sqlmock")))
}
