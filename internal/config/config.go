// Package config loads dbcycle.yaml into an immutable Config and turns it
// into the policy values each operation takes.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lupppig/dbcycle/internal/backup"
	"github.com/lupppig/dbcycle/internal/compress"
	"github.com/lupppig/dbcycle/internal/db"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
	"github.com/lupppig/dbcycle/internal/strategy"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "DBCYCLE"
	FileName  = "dbcycle"
	dataDir   = ".dbcycle"
)

type Config struct {
	AllowInsecure bool          `mapstructure:"allow_insecure"`
	KnownHosts    string        `mapstructure:"known_hosts"`
	Log           Log           `mapstructure:"log"`
	Connection    Connection    `mapstructure:"connection"`
	Backup        Backup        `mapstructure:"backup"`
	Restore       Restore       `mapstructure:"restore"`
	Heuristics    Heuristics    `mapstructure:"heuristics"`
	Monitor       Monitor       `mapstructure:"monitor"`
	Notifications Notifications `mapstructure:"notifications"`
	History       History       `mapstructure:"history"`
	Scheduler     Scheduler     `mapstructure:"scheduler"`
	Jobs          []Job         `mapstructure:"jobs"`

	// Path is the file the config was read from, empty when none was found.
	Path string `mapstructure:"-"`
}

type Log struct {
	JSON    bool   `mapstructure:"json"`
	NoColor bool   `mapstructure:"no_color"`
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
}

type Connection struct {
	Engine         string        `mapstructure:"engine"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	SSLMode        string        `mapstructure:"ssl_mode"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TLS            TLS           `mapstructure:"tls"`
}

type TLS struct {
	CACert     string `mapstructure:"ca_cert"`
	ClientCert string `mapstructure:"client_cert"`
	ClientKey  string `mapstructure:"client_key"`
}

type Backup struct {
	Dir            string        `mapstructure:"dir"`
	Compress       bool          `mapstructure:"compress"`
	Algorithm      string        `mapstructure:"algorithm"`
	Jobs           int           `mapstructure:"jobs"`
	Schemas        []string      `mapstructure:"schemas"`
	ExcludeSchemas []string      `mapstructure:"exclude_schemas"`
	Tables         []string      `mapstructure:"tables"`
	ExcludeTables  []string      `mapstructure:"exclude_tables"`
	Encrypt        bool          `mapstructure:"encrypt"`
	Passphrase     string        `mapstructure:"passphrase"`
	KeyFile        string        `mapstructure:"key_file"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RetentionDays  int           `mapstructure:"retention_days"`
	Keep           int           `mapstructure:"keep"`
	Upload         string        `mapstructure:"upload"`
}

type Restore struct {
	Jobs         int           `mapstructure:"jobs"`
	Timeout      time.Duration `mapstructure:"timeout"`
	SkipChecksum bool          `mapstructure:"skip_checksum"`
	// Conflict is the non-interactive answer when the target exists:
	// abort, overwrite or rename.
	Conflict string `mapstructure:"conflict"`
}

type Heuristics struct {
	CompressedRatio   float64       `mapstructure:"compressed_ratio"`
	FlatRatio         float64       `mapstructure:"flat_ratio"`
	DirectoryRatio    float64       `mapstructure:"directory_ratio"`
	ArchiveRatio      float64       `mapstructure:"archive_ratio"`
	EncryptRatio      float64       `mapstructure:"encrypt_ratio"`
	DefaultUnitTarget int           `mapstructure:"default_unit_target"`
	RestoreBudget     time.Duration `mapstructure:"restore_budget"`
	DumpBudget        time.Duration `mapstructure:"dump_budget"`
	Plateau           int           `mapstructure:"plateau"`
}

type Monitor struct {
	Interval time.Duration `mapstructure:"interval"`
}

type Notifications struct {
	Slack   Slack   `mapstructure:"slack"`
	Webhook Webhook `mapstructure:"webhook"`
	// OnSuccess also notifies for successful operations.
	OnSuccess bool `mapstructure:"on_success"`
}

type Slack struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type Webhook struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type History struct {
	Path string `mapstructure:"path"`
}

type Scheduler struct {
	File       string        `mapstructure:"file"`
	Retries    int           `mapstructure:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// Job is a scheduled backup declared in the config file. Empty fields fall
// back to the backup section.
type Job struct {
	ID            string `mapstructure:"id"`
	Database      string `mapstructure:"database"`
	Schedule      string `mapstructure:"schedule"`
	Dir           string `mapstructure:"dir"`
	Upload        string `mapstructure:"upload"`
	Keep          int    `mapstructure:"keep"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// DataDir is ~/.dbcycle, or .dbcycle in the working directory when the
// home directory is unknown.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return dataDir
	}
	return filepath.Join(home, dataDir)
}

func setDefaults(v *viper.Viper) {
	h := strategy.DefaultHeuristics
	data := DataDir()

	v.SetDefault("allow_insecure", false)
	v.SetDefault("known_hosts", "")

	v.SetDefault("log.json", false)
	v.SetDefault("log.no_color", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("connection.engine", "postgres")
	v.SetDefault("connection.host", "localhost")
	v.SetDefault("connection.port", 0)
	v.SetDefault("connection.database", "")
	v.SetDefault("connection.user", "")
	v.SetDefault("connection.password", "")
	v.SetDefault("connection.ssl_mode", "prefer")
	v.SetDefault("connection.connect_timeout", "10s")
	v.SetDefault("connection.tls.ca_cert", "")
	v.SetDefault("connection.tls.client_cert", "")
	v.SetDefault("connection.tls.client_key", "")

	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.compress", false)
	v.SetDefault("backup.algorithm", "gzip")
	v.SetDefault("backup.jobs", 1)
	v.SetDefault("backup.schemas", []string{})
	v.SetDefault("backup.exclude_schemas", []string{})
	v.SetDefault("backup.tables", []string{})
	v.SetDefault("backup.exclude_tables", []string{})
	v.SetDefault("backup.encrypt", false)
	v.SetDefault("backup.passphrase", "")
	v.SetDefault("backup.key_file", "")
	v.SetDefault("backup.timeout", strategy.DefaultTimeout.String())
	v.SetDefault("backup.retention_days", 0)
	v.SetDefault("backup.keep", 0)
	v.SetDefault("backup.upload", "")

	v.SetDefault("restore.jobs", 1)
	v.SetDefault("restore.timeout", strategy.DefaultTimeout.String())
	v.SetDefault("restore.skip_checksum", false)
	v.SetDefault("restore.conflict", "")

	v.SetDefault("heuristics.compressed_ratio", h.CompressedRatio)
	v.SetDefault("heuristics.flat_ratio", h.FlatRatio)
	v.SetDefault("heuristics.directory_ratio", h.DirectoryRatio)
	v.SetDefault("heuristics.archive_ratio", h.ArchiveRatio)
	v.SetDefault("heuristics.encrypt_ratio", h.EncryptRatio)
	v.SetDefault("heuristics.default_unit_target", h.DefaultUnitTarget)
	v.SetDefault("heuristics.restore_budget", h.RestoreBudget.String())
	v.SetDefault("heuristics.dump_budget", h.DumpBudget.String())
	v.SetDefault("heuristics.plateau", h.Plateau)

	v.SetDefault("monitor.interval", "500ms")

	v.SetDefault("notifications.slack.webhook_url", "")
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.on_success", false)

	v.SetDefault("history.path", filepath.Join(data, "history.db"))

	v.SetDefault("scheduler.file", filepath.Join(data, "schedules.json"))
	v.SetDefault("scheduler.retries", 0)
	v.SetDefault("scheduler.retry_delay", "30s")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(DataDir())
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the config at path, or searches ./dbcycle.yaml and
// ~/.dbcycle/dbcycle.yaml when path is empty. A missing file is only an
// error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to read config file", "Check the path given to --config.")
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "failed to parse config", "")
	}
	cfg.Path = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with a freshly loaded Config every time the file at path
// changes, until ctx is done. Invalid edits are passed to fn as errors and
// the previous Config stays in effect for the caller.
func Watch(ctx context.Context, path string, fn func(*Config, error)) error {
	if path == "" {
		return apperrors.New(apperrors.TypeConfig, "no config file to watch", "Create dbcycle.yaml or pass --config.")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConfig, "failed to read config file", "")
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil || !e.Has(fsnotify.Write|fsnotify.Create) {
			return
		}
		fn(decode(v))
	})
	v.WatchConfig()
	return nil
}

func (c *Config) Validate() error {
	conn := c.Connection
	if _, err := db.Lookup(conn.Engine); err != nil {
		return err
	}
	if conn.Port != 0 && (conn.Port < 1 || conn.Port > 65535) {
		return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid port %d", conn.Port), "Port must be between 1 and 65535.")
	}
	if conn.SSLMode != "" && !slices.Contains(db.SSLModes, conn.SSLMode) {
		return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid ssl mode %q", conn.SSLMode),
			"Use one of: "+strings.Join(db.SSLModes, ", ")+".")
	}
	if conn.ConnectTimeout < time.Second || conn.ConnectTimeout > 300*time.Second {
		return apperrors.New(apperrors.TypeConfig, "invalid connect timeout "+conn.ConnectTimeout.String(),
			"connection.connect_timeout must be between 1s and 300s.")
	}
	if conn.Database != "" {
		if err := db.ValidateName(conn.Database); err != nil {
			return err
		}
	}

	for key, jobs := range map[string]int{"backup.jobs": c.Backup.Jobs, "restore.jobs": c.Restore.Jobs} {
		if jobs < 1 || jobs > 32 {
			return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid %s %d", key, jobs), "Parallel jobs must be between 1 and 32.")
		}
	}
	algo, err := compress.Parse(c.Backup.Algorithm)
	if err != nil || algo == compress.None {
		return apperrors.New(apperrors.TypeConfig, "unsupported compression algorithm: "+c.Backup.Algorithm, "Use gzip, zstd or lz4.")
	}
	if c.Backup.Timeout <= 0 || c.Restore.Timeout <= 0 {
		return apperrors.New(apperrors.TypeConfig, "operation timeouts must be positive", "")
	}
	if c.Backup.RetentionDays < 0 || c.Backup.Keep < 0 {
		return apperrors.New(apperrors.TypeConfig, "retention settings must not be negative", "")
	}
	if c.Restore.Conflict != "" && !slices.Contains([]string{"abort", "overwrite", "rename"}, c.Restore.Conflict) {
		return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid restore.conflict %q", c.Restore.Conflict), "Use abort, overwrite or rename.")
	}
	if err := c.StrategyHeuristics().Validate(); err != nil {
		return err
	}
	if c.Monitor.Interval <= 0 {
		return apperrors.New(apperrors.TypeConfig, "monitor.interval must be positive", "")
	}
	if c.Scheduler.Retries < 0 || c.Scheduler.RetryDelay < 0 {
		return apperrors.New(apperrors.TypeConfig, "scheduler retries and delay must not be negative", "")
	}

	seen := make(map[string]bool)
	for _, j := range c.Jobs {
		if j.ID == "" || seen[j.ID] {
			return apperrors.New(apperrors.TypeConfig, fmt.Sprintf("job id %q is empty or duplicated", j.ID), "Give every job a unique id.")
		}
		seen[j.ID] = true
		if j.Schedule == "" {
			return apperrors.New(apperrors.TypeConfig, "job "+j.ID+" has no schedule", "Use a cron expression or a duration such as 6h.")
		}
		if err := db.ValidateName(j.Database); err != nil {
			return err
		}
	}
	return nil
}

// ConnectionPolicy is the connection every operation starts from. Flags
// override its fields before use.
func (c *Config) ConnectionPolicy() db.ConnectionPolicy {
	conn := c.Connection
	p := db.ConnectionPolicy{
		Engine:   conn.Engine,
		Host:     conn.Host,
		Port:     conn.Port,
		Database: conn.Database,
		User:     conn.User,
		Password: conn.Password,
		SSLMode:  conn.SSLMode,
		TLS: db.TLSConfig{
			CACert:     conn.TLS.CACert,
			ClientCert: conn.TLS.ClientCert,
			ClientKey:  conn.TLS.ClientKey,
		},
		Timeout: conn.ConnectTimeout,
	}
	if p.Port == 0 {
		if e, err := db.Lookup(p.Engine); err == nil {
			p.Port = e.DefaultPort()
		}
	}
	return p
}

func (c *Config) BackupPolicy() strategy.BackupPolicy {
	b := c.Backup
	algo, _ := compress.Parse(b.Algorithm)
	return strategy.BackupPolicy{
		Compression:    b.Compress,
		Algorithm:      algo,
		Jobs:           b.Jobs,
		Destination:    b.Dir,
		Schemas:        slices.Clone(b.Schemas),
		ExcludeSchemas: slices.Clone(b.ExcludeSchemas),
		Tables:         slices.Clone(b.Tables),
		ExcludeTables:  slices.Clone(b.ExcludeTables),
		Encrypt:        b.Encrypt,
		Passphrase:     b.Passphrase,
		KeyFile:        b.KeyFile,
		Timeout:        b.Timeout,
		RetentionDays:  b.RetentionDays,
		Keep:           b.Keep,
		Upload:         b.Upload,
	}
}

// JobPolicy is BackupPolicy with the job's overrides applied.
func (c *Config) JobPolicy(j Job) strategy.BackupPolicy {
	p := c.BackupPolicy()
	if j.Dir != "" {
		p.Destination = j.Dir
	}
	if j.Upload != "" {
		p.Upload = j.Upload
	}
	if j.Keep > 0 {
		p.Keep = j.Keep
	}
	if j.RetentionDays > 0 {
		p.RetentionDays = j.RetentionDays
	}
	return p
}

func (c *Config) RestorePolicy() backup.RestorePolicy {
	return backup.RestorePolicy{
		Jobs:         c.Restore.Jobs,
		Passphrase:   c.Backup.Passphrase,
		KeyFile:      c.Backup.KeyFile,
		Timeout:      c.Restore.Timeout,
		SkipChecksum: c.Restore.SkipChecksum,
	}
}

// StrategyHeuristics returns the configured estimation constants. Keys left
// at zero keep their built-in values.
func (c *Config) StrategyHeuristics() strategy.Heuristics {
	h := c.Heuristics
	return strategy.Heuristics{
		CompressedRatio:   h.CompressedRatio,
		FlatRatio:         h.FlatRatio,
		DirectoryRatio:    h.DirectoryRatio,
		ArchiveRatio:      h.ArchiveRatio,
		EncryptRatio:      h.EncryptRatio,
		DefaultUnitTarget: h.DefaultUnitTarget,
		RestoreBudget:     h.RestoreBudget,
		DumpBudget:        h.DumpBudget,
		Plateau:           h.Plateau,
	}.WithDefaults()
}
