package db

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/process"
)

func init() {
	Register(MySQLEngine{})
}

// MySQLEngine drives mysqldump/mysql. It supports plain dumps only.
type MySQLEngine struct{}

func (MySQLEngine) Name() string { return "mysql" }

func (MySQLEngine) DefaultPort() int { return 3306 }

func (MySQLEngine) DriverName() string { return "mysql" }

func (MySQLEngine) MaintenanceDB() string { return "" }

func (MySQLEngine) Binaries() []string {
	return []string{"mysqldump", "mysql"}
}

func (MySQLEngine) Dialect() Dialect {
	return Dialect{
		Version:    "SELECT VERSION()",
		Size:       "SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.tables WHERE table_schema = ?",
		TableCount: "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ?",
		Exists:     "SELECT 1 FROM information_schema.schemata WHERE schema_name = ?",
		Quote: func(name string) string {
			return "`" + strings.ReplaceAll(name, "`", "``") + "`"
		},
	}
}

func (me MySQLEngine) DSN(conn ConnectionPolicy) (string, error) {
	if conn.Host == "" || conn.User == "" {
		return "", apperrors.New(apperrors.TypeConfig, "missing required MySQL connection fields", "Check --host and --user flags.")
	}

	cfg := mysql.NewConfig()
	cfg.User = conn.User
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", conn.Host, port(conn, me))
	cfg.DBName = conn.Database
	cfg.Timeout = conn.Timeout

	tlsName, err := registerTLS(conn)
	if err != nil {
		return "", err
	}
	cfg.TLSConfig = tlsName

	return cfg.FormatDSN(), nil
}

// registerTLS maps the connection's ssl mode onto a go-sql-driver TLS profile.
func registerTLS(conn ConnectionPolicy) (string, error) {
	switch conn.SSLMode {
	case "", "disable":
		return "false", nil
	case "allow", "prefer":
		return "preferred", nil
	}
	if conn.TLS.CACert == "" && conn.TLS.ClientCert == "" {
		if conn.SSLMode == "require" {
			return "skip-verify", nil
		}
		return "true", nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: conn.Host,
	}

	if conn.TLS.CACert != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(conn.TLS.CACert)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.TypeResource, "failed to read CA cert", "Check the path and permissions for your CA certificate.")
		}
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return "", apperrors.New(apperrors.TypeSecurity, "failed to append CA cert", "Provide a valid PEM-encoded CA certificate.")
		}
		tlsConfig.RootCAs = pool
	}

	if conn.TLS.ClientCert != "" && conn.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(conn.TLS.ClientCert, conn.TLS.ClientKey)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.TypeAuth, "failed to load client cert/key", "Verify the certificate paths and ensure they match.")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	tlsConfig.InsecureSkipVerify = conn.SSLMode == "require" && conn.TLS.CACert == ""

	name := fmt.Sprintf("dbcycle_%s_%s", conn.Host, conn.SSLMode)
	if err := mysql.RegisterTLSConfig(name, tlsConfig); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeSecurity, "failed to register TLS config", "")
	}
	return name, nil
}

func (me MySQLEngine) connArgs(conn ConnectionPolicy) []string {
	args := []string{
		"--host=" + conn.Host,
		"--port=" + strconv.Itoa(port(conn, me)),
		"--user=" + conn.User,
	}
	switch {
	case conn.SSLMode == "" || conn.SSLMode == "disable":
		args = append(args, "--ssl=OFF")
	case conn.TLS.CACert != "":
		args = append(args, "--ssl-ca="+conn.TLS.CACert)
	}
	if conn.TLS.ClientCert != "" {
		args = append(args, "--ssl-cert="+conn.TLS.ClientCert, "--ssl-key="+conn.TLS.ClientKey)
	}
	return args
}

func (me MySQLEngine) env(conn ConnectionPolicy) []string {
	return []string{"MYSQL_PWD=" + conn.Password}
}

func (me MySQLEngine) DumpCommand(conn ConnectionPolicy, opts DumpOptions) (process.Command, error) {
	if opts.Format == FormatDirectory {
		return process.Command{}, apperrors.New(apperrors.TypeConfig,
			"mysql does not support parallel directory dumps",
			"Run with --jobs=1, or disable compression to use a flat dump.")
	}

	args := append(me.connArgs(conn),
		"--single-transaction",
		"--quick",
		"--routines",
		"--triggers",
		"--skip-lock-tables",
		"--no-tablespaces",
		"--verbose",
	)
	for _, t := range opts.ExcludeTables {
		args = append(args, "--ignore-table="+conn.Database+"."+t)
	}
	args = append(args, conn.Database)
	args = append(args, opts.Tables...)

	return process.Command{
		Name:   "mysqldump",
		Args:   args,
		Env:    me.env(conn),
		Stdout: opts.Stdout,
	}, nil
}

func (me MySQLEngine) RestoreCommand(conn ConnectionPolicy, opts RestoreOptions) (process.Command, error) {
	if opts.Format == FormatDirectory || opts.Format == FormatCustom {
		return process.Command{}, apperrors.New(apperrors.TypeConfig, "mysql can only restore plain SQL dumps", "")
	}
	args := append(me.connArgs(conn), conn.Database)
	return process.Command{
		Name:  "mysql",
		Args:  args,
		Env:   me.env(conn),
		Stdin: opts.Stdin,
	}, nil
}
