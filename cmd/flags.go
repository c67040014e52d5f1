package cmd

import (
	"time"

	"github.com/lupppig/dbcycle/internal/db"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// connFlags override the connection section of the config file.
type connFlags struct {
	engine   string
	host     string
	port     int
	database string
	user     string
	password string
	sslMode  string
	timeout  time.Duration
	caCert   string
	cert     string
	key      string
}

func (c *connFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.engine, "engine", "", "database engine (postgres, mysql)")
	fs.StringVar(&c.host, "host", "", "database host")
	fs.IntVar(&c.port, "port", 0, "database port (default: the engine's port)")
	fs.StringVarP(&c.database, "db", "d", "", "database name")
	fs.StringVarP(&c.user, "user", "u", "", "database user")
	fs.StringVar(&c.password, "password", "", "database password (prefer DBCYCLE_CONNECTION_PASSWORD)")
	fs.StringVar(&c.sslMode, "ssl-mode", "", "ssl mode (disable, allow, prefer, require, verify-ca, verify-full)")
	fs.DurationVar(&c.timeout, "connect-timeout", 0, "connection timeout, 1s to 300s")
	fs.StringVar(&c.caCert, "tls-ca-cert", "", "CA certificate for server verification")
	fs.StringVar(&c.cert, "tls-client-cert", "", "client certificate for mutual TLS")
	fs.StringVar(&c.key, "tls-client-key", "", "client key for mutual TLS")
}

// policy applies the flags the user actually set on top of base.
func (c *connFlags) policy(cmd *cobra.Command, base db.ConnectionPolicy) db.ConnectionPolicy {
	fs := cmd.Flags()
	set := func(name string) bool { return fs.Changed(name) }

	engineChanged := set("engine") && c.engine != base.Engine
	if set("engine") {
		base.Engine = c.engine
	}
	if set("host") {
		base.Host = c.host
	}
	if set("port") {
		base.Port = c.port
	} else if engineChanged {
		base.Port = 0
	}
	if base.Port == 0 {
		if e, err := db.Lookup(base.Engine); err == nil {
			base.Port = e.DefaultPort()
		}
	}
	if set("db") {
		base.Database = c.database
	}
	if set("user") {
		base.User = c.user
	}
	if set("password") {
		base.Password = c.password
	}
	if set("ssl-mode") {
		base.SSLMode = c.sslMode
	}
	if set("connect-timeout") {
		base.Timeout = c.timeout
	}
	if set("tls-ca-cert") {
		base.TLS.CACert = c.caCert
	}
	if set("tls-client-cert") {
		base.TLS.ClientCert = c.cert
	}
	if set("tls-client-key") {
		base.TLS.ClientKey = c.key
	}
	return base
}
