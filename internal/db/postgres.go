package db

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/lib/pq"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/process"
)

func init() {
	Register(PostgresEngine{})
}

type PostgresEngine struct{}

func (PostgresEngine) Name() string { return "postgres" }

func (PostgresEngine) DefaultPort() int { return 5432 }

func (PostgresEngine) DriverName() string { return "postgres" }

func (PostgresEngine) MaintenanceDB() string { return "postgres" }

func (PostgresEngine) Binaries() []string {
	return []string{"pg_dump", "pg_restore", "psql"}
}

func (PostgresEngine) Dialect() Dialect {
	return Dialect{
		Version:       "SELECT version()",
		Size:          "SELECT pg_database_size($1)",
		TableCount:    "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = 'public'",
		CountOnTarget: true,
		Exists:        "SELECT 1 FROM pg_database WHERE datname = $1",
		Terminate:     "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		Quote:         pq.QuoteIdentifier,
	}
}

// DSN builds a lib/pq connection URL. lib/pq has no "allow"/"prefer"
// negotiation, so those modes connect without TLS for probing; the client
// binaries still receive the configured mode through PGSSLMODE.
func (pe PostgresEngine) DSN(conn ConnectionPolicy) (string, error) {
	if conn.Host == "" || conn.User == "" || conn.Database == "" {
		return "", apperrors.New(apperrors.TypeConfig, "missing required Postgres connection fields", "Check --host, --user, and --db flags.")
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(conn.User, conn.Password),
		Host:   fmt.Sprintf("%s:%d", conn.Host, port(conn, pe)),
		Path:   conn.Database,
	}

	q := u.Query()
	q.Set("sslmode", driverSSLMode(conn.SSLMode))
	if conn.TLS.CACert != "" {
		q.Set("sslrootcert", conn.TLS.CACert)
	}
	if conn.TLS.ClientCert != "" && conn.TLS.ClientKey != "" {
		q.Set("sslcert", conn.TLS.ClientCert)
		q.Set("sslkey", conn.TLS.ClientKey)
	}
	if conn.Timeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(conn.Timeout.Seconds())))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func driverSSLMode(mode string) string {
	switch mode {
	case "", "disable", "allow", "prefer":
		return "disable"
	default:
		return mode
	}
}

func (pe PostgresEngine) env(conn ConnectionPolicy) []string {
	env := []string{"PGPASSWORD=" + conn.Password}
	if conn.SSLMode != "" {
		env = append(env, "PGSSLMODE="+conn.SSLMode)
	}
	if conn.Timeout > 0 {
		env = append(env, "PGCONNECT_TIMEOUT="+strconv.Itoa(int(conn.Timeout.Seconds())))
	}
	if conn.TLS.CACert != "" {
		env = append(env, "PGSSLROOTCERT="+conn.TLS.CACert)
	}
	if conn.TLS.ClientCert != "" {
		env = append(env, "PGSSLCERT="+conn.TLS.ClientCert, "PGSSLKEY="+conn.TLS.ClientKey)
	}
	return env
}

func (pe PostgresEngine) connArgs(conn ConnectionPolicy) []string {
	return []string{
		"--host=" + conn.Host,
		"--port=" + strconv.Itoa(port(conn, pe)),
		"--username=" + conn.User,
		"--dbname=" + conn.Database,
	}
}

func (pe PostgresEngine) DumpCommand(conn ConnectionPolicy, opts DumpOptions) (process.Command, error) {
	args := append(pe.connArgs(conn), "--verbose", "--clean", "--no-owner", "--no-privileges")

	for _, s := range opts.Schemas {
		args = append(args, "--schema="+s)
	}
	for _, s := range opts.ExcludeSchemas {
		args = append(args, "--exclude-schema="+s)
	}
	for _, t := range opts.Tables {
		args = append(args, "--table="+t)
	}
	for _, t := range opts.ExcludeTables {
		args = append(args, "--exclude-table="+t)
	}

	cmd := process.Command{Name: "pg_dump", Env: pe.env(conn)}
	switch opts.Format {
	case FormatDirectory:
		if opts.OutputDir == "" {
			return cmd, apperrors.New(apperrors.TypeConfig, "directory dump requires an output directory", "")
		}
		jobs := max(opts.Jobs, 1)
		args = append(args, "--format=directory", "--jobs="+strconv.Itoa(jobs), "--file="+opts.OutputDir)
	case FormatPlain, "":
		args = append(args, "--format=plain")
		cmd.Stdout = opts.Stdout
	default:
		return cmd, apperrors.New(apperrors.TypeConfig, "unsupported dump format: "+string(opts.Format), "")
	}

	cmd.Args = args
	return cmd, nil
}

func (pe PostgresEngine) RestoreCommand(conn ConnectionPolicy, opts RestoreOptions) (process.Command, error) {
	switch opts.Format {
	case FormatDirectory, FormatCustom:
		if opts.Input == "" {
			return process.Command{}, apperrors.New(apperrors.TypeConfig, "pg_restore requires an input path", "")
		}
		args := append(pe.connArgs(conn),
			"--jobs="+strconv.Itoa(max(opts.Jobs, 1)),
			"--no-owner",
			"--no-privileges",
			"--verbose",
			opts.Input,
		)
		return process.Command{Name: "pg_restore", Args: args, Env: pe.env(conn)}, nil
	case FormatPlain, "":
		args := append(pe.connArgs(conn), "--no-psqlrc", "--quiet")
		return process.Command{Name: "psql", Args: args, Env: pe.env(conn), Stdin: opts.Stdin}, nil
	default:
		return process.Command{}, apperrors.New(apperrors.TypeConfig, "unsupported restore format: "+string(opts.Format), "")
	}
}
