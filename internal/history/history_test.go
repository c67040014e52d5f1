package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lupppig/dbcycle/internal/backup"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestMigrate_AppliesPending(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(migrationsTable).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(appliedQuery).WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(migrations[0].up).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(recordMigration).WithArgs(migrations[0].version, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_SkipsApplied(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(migrationsTable).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(appliedQuery).WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(migrations[0].version))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RollsBackOnFailure(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(migrationsTable).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(appliedQuery).WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(migrations[0].up).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeResource))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_UpsertsAndTrims(t *testing.T) {
	s, mock := newMock(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := Record{
		ID: "op-1", Kind: "backup", Status: StatusCompleted, Engine: "postgres", Database: "app",
		Strategy: "compressed", Artifact: "/b/app.sql.gz", Size: 42, Units: 3,
		StartedAt: started, Duration: 1500 * time.Millisecond, Trigger: "cli",
	}
	mock.ExpectExec(upsertQuery).
		WithArgs("op-1", "backup", "completed", "postgres", "app", "compressed", "/b/app.sql.gz", "",
			int64(42), 3, started, int64(1500), "", "", "cli").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(trimQuery).WithArgs(MaxRows).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Save(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_Error(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(upsertQuery).WillReturnError(errors.New("database is locked"))

	err := s.Save(context.Background(), Record{ID: "x", StartedAt: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record operation")
}

func TestList(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	columns := []string{"id", "kind", "status", "engine", "database_name", "strategy", "artifact", "location",
		"size", "units", "started_at", "duration_ms", "error_type", "error", "trigger_name"}

	tests := []struct {
		name      string
		filter    Filter
		wantLimit int
	}{
		{"defaults", Filter{}, MaxRows},
		{"limited", Filter{Kind: "restore", Limit: 5}, 5},
		{"limit capped", Filter{Database: "app", Limit: 5000}, MaxRows},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMock(t)
			rows := sqlmock.NewRows(columns).
				AddRow("op-2", "restore", "failed", "mysql", "app", "", "/b/app.sql", "", int64(0), int64(0),
					started.Add(time.Hour), int64(250), "integrity", "checksum mismatch", "nightly")
			mock.ExpectQuery(listQuery).
				WithArgs(tt.filter.Kind, tt.filter.Kind, tt.filter.Database, tt.filter.Database, tt.wantLimit).
				WillReturnRows(rows)

			got, err := s.List(context.Background(), tt.filter)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, StatusFailed, got[0].Status)
			assert.Equal(t, 250*time.Millisecond, got[0].Duration)
			assert.Equal(t, "nightly", got[0].Trigger)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFromResult(t *testing.T) {
	started := time.Now()
	res := backup.Result{
		ID: "op-3", Operation: "backup", Status: backup.StatusFailed, Engine: "postgres", Database: "app",
		Strategy: strategy.KindFlat, StartedAt: started, Duration: time.Second,
		Err: apperrors.New(apperrors.TypeTimeout, "dump timed out", ""),
	}

	r := FromResult(res, "sched-1")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "flat", r.Strategy)
	assert.Equal(t, string(apperrors.TypeTimeout), r.ErrorType)
	assert.Contains(t, r.Error, "dump timed out")
	assert.Equal(t, "sched-1", r.Trigger)

	run := Running("op-3", "backup", "postgres", "app", "cli", started)
	assert.Equal(t, StatusRunning, run.Status)
}
