// Package history records the outcome of every backup and restore in a
// local SQLite database.
package history

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/lupppig/dbcycle/internal/backup"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	_ "github.com/mattn/go-sqlite3"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// MaxRows is how many records are kept; older ones are trimmed on insert.
const MaxRows = 1000

// Record is one operation as stored.
type Record struct {
	ID        string
	Kind      string
	Status    Status
	Engine    string
	Database  string
	Strategy  string
	Artifact  string
	Location  string
	Size      int64
	Units     int
	StartedAt time.Time
	Duration  time.Duration
	ErrorType string
	Error     string
	Trigger   string // "cli" or a schedule id
}

type migration struct {
	version string
	up      string
}

var migrations = []migration{
	{
		version: "001_operations",
		up: `CREATE TABLE IF NOT EXISTS operations (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	engine TEXT NOT NULL DEFAULT '',
	database_name TEXT NOT NULL DEFAULT '',
	strategy TEXT NOT NULL DEFAULT '',
	artifact TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	units INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error_type TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	trigger_name TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_operations_started ON operations(started_at)`,
	},
}

const (
	migrationsTable = `CREATE TABLE IF NOT EXISTS migrations (version TEXT PRIMARY KEY, applied_at DATETIME NOT NULL)`
	appliedQuery    = `SELECT version FROM migrations`
	recordMigration = `INSERT INTO migrations (version, applied_at) VALUES (?, ?)`

	upsertQuery = `INSERT INTO operations
	(id, kind, status, engine, database_name, strategy, artifact, location, size, units, started_at, duration_ms, error_type, error, trigger_name)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	status = excluded.status, engine = excluded.engine, database_name = excluded.database_name, strategy = excluded.strategy, artifact = excluded.artifact,
	location = excluded.location, size = excluded.size, units = excluded.units,
	duration_ms = excluded.duration_ms, error_type = excluded.error_type, error = excluded.error`

	trimQuery = `DELETE FROM operations WHERE id NOT IN
	(SELECT id FROM operations ORDER BY started_at DESC LIMIT ?)`

	listQuery = `SELECT id, kind, status, engine, database_name, strategy, artifact, location, size, units,
	started_at, duration_ms, error_type, error, trigger_name
	FROM operations
	WHERE (? = '' OR kind = ?) AND (? = '' OR database_name = ?)
	ORDER BY started_at DESC LIMIT ?`
)

type Store struct {
	db      *sql.DB
	maxRows int
}

// Open opens, creating if needed, the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to create history directory", "")
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to open history database", "")
	}
	db.SetMaxOpenConns(1)

	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already open database. Call Migrate before use.
func New(db *sql.DB) *Store {
	return &Store{db: db, maxRows: MaxRows}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrationsTable); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create migrations table", "")
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, appliedQuery)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to read migrations", "")
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return apperrors.Wrap(err, apperrors.TypeResource, "failed to read migrations", "")
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return apperrors.Wrap(err, apperrors.TypeResource, "failed to begin migration", "")
		}
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			tx.Rollback()
			return apperrors.Wrap(err, apperrors.TypeResource, "failed to apply migration "+m.version, "")
		}
		if _, err := tx.ExecContext(ctx, recordMigration, m.version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return apperrors.Wrap(err, apperrors.TypeResource, "failed to record migration "+m.version, "")
		}
		if err := tx.Commit(); err != nil {
			return apperrors.Wrap(err, apperrors.TypeResource, "failed to commit migration "+m.version, "")
		}
	}
	return nil
}

// Save inserts r, or updates the row with the same ID, then trims the table
// to the newest MaxRows records.
func (s *Store) Save(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, upsertQuery,
		r.ID, r.Kind, string(r.Status), r.Engine, r.Database, r.Strategy, r.Artifact, r.Location,
		r.Size, r.Units, r.StartedAt.UTC(), r.Duration.Milliseconds(), r.ErrorType, r.Error, r.Trigger)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to record operation", "")
	}
	if _, err := s.db.ExecContext(ctx, trimQuery, s.maxRows); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to trim history", "")
	}
	return nil
}

type Filter struct {
	Kind     string
	Database string
	Limit    int
}

// List returns matching records, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > s.maxRows {
		limit = s.maxRows
	}
	rows, err := s.db.QueryContext(ctx, listQuery, f.Kind, f.Kind, f.Database, f.Database, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to query history", "")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			status   string
			duration int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &status, &r.Engine, &r.Database, &r.Strategy, &r.Artifact,
			&r.Location, &r.Size, &r.Units, &r.StartedAt, &duration, &r.ErrorType, &r.Error, &r.Trigger); err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to read history", "")
		}
		r.Status = Status(status)
		r.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeResource, "failed to read history", "")
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Running is the row written when an operation starts, before its result
// is known.
func Running(id, kind, engine, database, trigger string, started time.Time) Record {
	return Record{
		ID:        id,
		Kind:      kind,
		Status:    StatusRunning,
		Engine:    engine,
		Database:  database,
		StartedAt: started,
		Trigger:   trigger,
	}
}

// FromResult converts a finished operation into its stored form.
func FromResult(res backup.Result, trigger string) Record {
	r := Record{
		ID:        res.ID,
		Kind:      res.Operation,
		Status:    Status(res.Status),
		Engine:    res.Engine,
		Database:  res.Database,
		Strategy:  string(res.Strategy),
		Artifact:  res.Artifact,
		Location:  res.Location,
		Size:      res.Size,
		Units:     res.Units,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
		ErrorType: string(res.ErrorType()),
		Trigger:   trigger,
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	return r
}
