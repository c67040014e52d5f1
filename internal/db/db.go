package db

import (
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/process"
)

// MaxNameLength is the longest identifier PostgreSQL accepts without truncation.
const MaxNameLength = 63

var (
	namePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	SSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
)

type TLSConfig struct {
	CACert     string
	ClientCert string
	ClientKey  string
}

// ConnectionPolicy is the resolved, immutable connection description for one operation.
type ConnectionPolicy struct {
	Engine   string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	TLS      TLSConfig
	// Timeout bounds connection establishment and each probe query.
	Timeout time.Duration
}

// WithDatabase returns a copy of c pointing at another database.
func (c ConnectionPolicy) WithDatabase(name string) ConnectionPolicy {
	c.Database = name
	return c
}

func (c ConnectionPolicy) Validate() error {
	if c.Host == "" || c.User == "" {
		return apperrors.New(apperrors.TypeConfig, "missing required connection fields", "Check --host and --user.")
	}
	if c.Port < 0 || c.Port > 65535 {
		return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid port %d", c.Port), "Port must be between 1 and 65535.")
	}
	if c.SSLMode != "" && !slices.Contains(SSLModes, c.SSLMode) {
		return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid ssl mode %q", c.SSLMode),
			"Use one of: "+strings.Join(SSLModes, ", ")+".")
	}
	if c.Timeout != 0 && (c.Timeout < time.Second || c.Timeout > 300*time.Second) {
		return apperrors.New(apperrors.TypeConfig, "invalid connection timeout "+c.Timeout.String(), "Timeout must be between 1s and 300s.")
	}
	if c.TLS.ClientCert != "" && c.TLS.ClientKey == "" || c.TLS.ClientCert == "" && c.TLS.ClientKey != "" {
		return apperrors.New(apperrors.TypeConfig, "both TLS client cert and key must be provided", "Set both tls.client_cert and tls.client_key.")
	}
	if c.Database != "" {
		return ValidateName(c.Database)
	}
	return nil
}

// ValidateName checks a database identifier before it is interpolated into DDL.
func ValidateName(name string) error {
	if name == "" {
		return apperrors.New(apperrors.TypeConfig, "database name is required", "Pass --db.")
	}
	if len(name) > MaxNameLength {
		return apperrors.New(apperrors.TypeConfig,
			fmt.Sprintf("database name %q is longer than %d characters", name, MaxNameLength), "")
	}
	if !namePattern.MatchString(name) {
		return apperrors.New(apperrors.TypeConfig,
			fmt.Sprintf("invalid database name %q", name),
			"Names must start with a letter or underscore and contain only letters, digits and underscores.")
	}
	return nil
}

type Format string

const (
	FormatPlain     Format = "plain"
	FormatDirectory Format = "directory"
	// FormatCustom is pg_dump's single-file archive format, restore only.
	FormatCustom Format = "custom"
)

type DumpOptions struct {
	Format Format
	Jobs   int
	// OutputDir receives a directory-format dump.
	OutputDir string
	// Stdout receives a plain-format dump.
	Stdout io.Writer

	Schemas        []string
	ExcludeSchemas []string
	Tables         []string
	ExcludeTables  []string
}

type RestoreOptions struct {
	Format Format
	Jobs   int
	// Input is a directory-format dump or a custom-format archive file.
	Input string
	// Stdin feeds a plain SQL dump.
	Stdin io.Reader
}

// Dialect holds the probe queries for an engine. Placeholders take the
// database name.
type Dialect struct {
	Version    string
	Size       string
	TableCount string
	// CountOnTarget means TableCount runs connected to the database being
	// counted and takes no arguments.
	CountOnTarget bool
	Exists        string
	// Terminate, when set, disconnects other sessions before a drop.
	Terminate string
	Quote     func(string) string
}

func (d Dialect) CreateStatement(name string) string {
	return "CREATE DATABASE " + d.Quote(name)
}

func (d Dialect) DropStatement(name string) string {
	return "DROP DATABASE IF EXISTS " + d.Quote(name)
}

// Engine knows how to drive one database product's client binaries and how to
// probe its server.
type Engine interface {
	Name() string
	DefaultPort() int
	DriverName() string
	DSN(conn ConnectionPolicy) (string, error)
	// MaintenanceDB is connected to for server-level DDL.
	MaintenanceDB() string
	Dialect() Dialect
	DumpCommand(conn ConnectionPolicy, opts DumpOptions) (process.Command, error)
	RestoreCommand(conn ConnectionPolicy, opts RestoreOptions) (process.Command, error)
	// Binaries lists the client executables the engine needs on PATH.
	Binaries() []string
}

var (
	enginesMu sync.RWMutex
	engines   = map[string]Engine{}
	aliases   = map[string]string{
		"postgresql": "postgres",
		"pg":         "postgres",
		"mariadb":    "mysql",
	}
)

func Register(e Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[e.Name()] = e
}

func Lookup(name string) (Engine, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[name]; ok {
		name = alias
	}
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	e, ok := engines[name]
	if !ok {
		return nil, apperrors.New(apperrors.TypeConfig, fmt.Sprintf("unsupported database: %s", name),
			"Supported engines: "+strings.Join(names(), ", ")+".")
	}
	return e, nil
}

// Names lists registered engines, sorted.
func Names() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(engines))
	for n := range engines {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func port(conn ConnectionPolicy, e Engine) int {
	if conn.Port == 0 {
		return e.DefaultPort()
	}
	return conn.Port
}
