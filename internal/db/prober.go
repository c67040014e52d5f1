package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

// Prober issues the lightweight server queries the orchestrator needs around
// a dump or restore.
type Prober interface {
	Version(ctx context.Context) (string, error)
	DatabaseSize(ctx context.Context, name string) (int64, error)
	TableCount(ctx context.Context, name string) (int, error)
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string) error
	Drop(ctx context.Context, name string) error
	Close() error
}

type OpenFunc func(driver, dsn string) (*sql.DB, error)

type ProberOption func(*SQLProber)

// WithOpener replaces sql.Open, mainly for tests.
func WithOpener(open OpenFunc) ProberOption {
	return func(p *SQLProber) { p.open = open }
}

// SQLProber implements Prober over database/sql, keeping one small pool per
// database it has connected to.
type SQLProber struct {
	engine  Engine
	conn    ConnectionPolicy
	dialect Dialect
	open    OpenFunc

	mu    sync.Mutex
	pools map[string]*sql.DB
}

func NewProber(engine Engine, conn ConnectionPolicy, opts ...ProberOption) *SQLProber {
	p := &SQLProber{
		engine:  engine,
		conn:    conn,
		dialect: engine.Dialect(),
		open:    sql.Open,
		pools:   make(map[string]*sql.DB),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *SQLProber) pool(name string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.pools[name]; ok {
		return db, nil
	}
	dsn, err := p.engine.DSN(p.conn.WithDatabase(name))
	if err != nil {
		return nil, err
	}
	db, err := p.open(p.engine.DriverName(), dsn)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to open "+p.engine.Name()+" connection", "Check your connection settings and driver availability.")
	}
	db.SetMaxOpenConns(2)
	p.pools[name] = db
	return db, nil
}

func (p *SQLProber) maintenance() (*sql.DB, error) {
	return p.pool(p.engine.MaintenanceDB())
}

func (p *SQLProber) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.conn.Timeout > 0 {
		return context.WithTimeout(ctx, p.conn.Timeout)
	}
	return context.WithCancel(ctx)
}

func (p *SQLProber) Version(ctx context.Context) (string, error) {
	db, err := p.maintenance()
	if err != nil {
		return "", err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var version string
	if err := db.QueryRowContext(ctx, p.dialect.Version).Scan(&version); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "failed to connect to "+p.conn.Host,
			"Verify the database host, port, and credentials.")
	}
	return version, nil
}

func (p *SQLProber) DatabaseSize(ctx context.Context, name string) (int64, error) {
	db, err := p.maintenance()
	if err != nil {
		return 0, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var size int64
	if err := db.QueryRowContext(ctx, p.dialect.Size, name).Scan(&size); err != nil {
		return 0, apperrors.Wrap(err, apperrors.TypeConnection, "failed to query size of "+name, "")
	}
	return size, nil
}

func (p *SQLProber) TableCount(ctx context.Context, name string) (int, error) {
	var (
		db   *sql.DB
		err  error
		args []any
	)
	if p.dialect.CountOnTarget {
		db, err = p.pool(name)
	} else {
		db, err = p.maintenance()
		args = append(args, name)
	}
	if err != nil {
		return 0, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var count int
	if err := db.QueryRowContext(ctx, p.dialect.TableCount, args...).Scan(&count); err != nil {
		return 0, apperrors.Wrap(err, apperrors.TypeConnection, "failed to count tables in "+name, "")
	}
	return count, nil
}

func (p *SQLProber) Exists(ctx context.Context, name string) (bool, error) {
	db, err := p.maintenance()
	if err != nil {
		return false, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var one int
	err = db.QueryRowContext(ctx, p.dialect.Exists, name).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, apperrors.Wrap(err, apperrors.TypeConnection, "failed to check whether "+name+" exists", "")
	}
	return true, nil
}

func (p *SQLProber) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	db, err := p.maintenance()
	if err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if _, err := db.ExecContext(ctx, p.dialect.CreateStatement(name)); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to create database "+name, "Check that the user has CREATEDB privileges.")
	}
	return nil
}

func (p *SQLProber) Drop(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	p.release(name)

	db, err := p.maintenance()
	if err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	if p.dialect.Terminate != "" {
		if _, err := db.ExecContext(ctx, p.dialect.Terminate, name); err != nil {
			return apperrors.Wrap(err, apperrors.TypeResource, "failed to disconnect sessions from "+name, "")
		}
	}
	if _, err := db.ExecContext(ctx, p.dialect.DropStatement(name)); err != nil {
		return apperrors.Wrap(err, apperrors.TypeResource, "failed to drop database "+name, "Check that no other sessions hold the database open.")
	}
	return nil
}

// release closes our own pool on name so it does not block a drop.
func (p *SQLProber) release(name string) {
	if name == p.engine.MaintenanceDB() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.pools[name]; ok {
		_ = db.Close()
		delete(p.pools, name)
	}
}

func (p *SQLProber) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, db := range p.pools {
		errs = append(errs, db.Close())
		delete(p.pools, name)
	}
	return errors.Join(errs...)
}

var _ Prober = (*SQLProber)(nil)
