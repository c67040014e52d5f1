package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockProber(t *testing.T, engine Engine) (*SQLProber, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	conn := ConnectionPolicy{Engine: engine.Name(), Host: "localhost", User: "u", Password: "p", Database: "app"}
	p := NewProber(engine, conn, WithOpener(func(driver, dsn string) (*sql.DB, error) {
		assert.Equal(t, engine.DriverName(), driver)
		return mockDB, nil
	}))
	return p, mock
}

func TestSQLProber_Version(t *testing.T) {
	p, mock := newMockProber(t, PostgresEngine{})
	mock.ExpectQuery("SELECT version()").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("PostgreSQL 16.2"))

	v, err := p.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PostgreSQL 16.2", v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLProber_VersionConnectionError(t *testing.T) {
	p, mock := newMockProber(t, PostgresEngine{})
	mock.ExpectQuery("SELECT version()").WillReturnError(errors.New("connection refused"))

	_, err := p.Version(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeConnection))
}

func TestSQLProber_DatabaseSize(t *testing.T) {
	p, mock := newMockProber(t, PostgresEngine{})
	mock.ExpectQuery("SELECT pg_database_size($1)").WithArgs("app").
		WillReturnRows(sqlmock.NewRows([]string{"size"}).AddRow(int64(1 << 30)))

	size, err := p.DatabaseSize(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), size)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLProber_TableCount(t *testing.T) {
	t.Run("postgres counts on the target", func(t *testing.T) {
		p, mock := newMockProber(t, PostgresEngine{})
		mock.ExpectQuery(PostgresEngine{}.Dialect().TableCount).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

		n, err := p.TableCount(context.Background(), "app")
		require.NoError(t, err)
		assert.Equal(t, 12, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mysql passes the schema", func(t *testing.T) {
		p, mock := newMockProber(t, MySQLEngine{})
		mock.ExpectQuery(MySQLEngine{}.Dialect().TableCount).WithArgs("shop").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

		n, err := p.TableCount(context.Background(), "shop")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLProber_Exists(t *testing.T) {
	p, mock := newMockProber(t, PostgresEngine{})
	q := PostgresEngine{}.Dialect().Exists
	mock.ExpectQuery(q).WithArgs("app").WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery(q).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"one"}))

	ok, err := p.Exists(context.Background(), "app")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLProber_CreateAndDrop(t *testing.T) {
	p, mock := newMockProber(t, PostgresEngine{})
	d := PostgresEngine{}.Dialect()

	mock.ExpectExec(`CREATE DATABASE "app_1"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(d.Terminate).WithArgs("app_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DROP DATABASE IF EXISTS "app_1"`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Create(context.Background(), "app_1"))
	require.NoError(t, p.Drop(context.Background(), "app_1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLProber_RejectsUnsafeNames(t *testing.T) {
	p, mock := newMockProber(t, PostgresEngine{})

	err := p.Create(context.Background(), `x"; DROP DATABASE postgres; --`)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeConfig))

	err = p.Drop(context.Background(), "1bad")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLProber_CreateFailure(t *testing.T) {
	p, mock := newMockProber(t, MySQLEngine{})
	mock.ExpectExec("CREATE DATABASE `shop`").WillReturnError(errors.New("access denied"))

	err := p.Create(context.Background(), "shop")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeResource))
}
