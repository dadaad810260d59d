// Package issuer parses configuration for the issuer command.
package issuer

import (
	"context"
	"flag"

	"github.com/relaymesh/credserver/internal/platform/config"
	server "github.com/relaymesh/credserver/internal/services/issuer/app"
)

// Config holds issuer command configuration.
type Config struct {
	HTTPAddr    string
	KeystoreDir string
	BrokerURL   string
	AuditDBPath string
}

type issuerEnv struct {
	HTTPAddr    string `env:"CREDSERVER_HTTP_ADDR" envDefault:"localhost:8080"`
	KeystoreDir string `env:"CREDSERVER_KEYSTORE_DIR" envDefault:"data/keystore"`
	BrokerURL   string `env:"CREDSERVER_BROKER_URL" envDefault:"http://localhost:9422"`
	AuditDBPath string `env:"CREDSERVER_AUDIT_DB_PATH" envDefault:"data/issuances.db"`
}

var envKeys = []string{
	"CREDSERVER_HTTP_ADDR",
	"CREDSERVER_KEYSTORE_DIR",
	"CREDSERVER_BROKER_URL",
	"CREDSERVER_AUDIT_DB_PATH",
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses environment defaults and flags into a Config. Flags
// take precedence over environment variables; a nil lookup reads the
// process environment.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	var defaults issuerEnv
	if err := config.ParseEnvFrom(&defaults, lookup, envKeys...); err != nil {
		return Config{}, err
	}
	cfg := Config{
		HTTPAddr:    defaults.HTTPAddr,
		KeystoreDir: defaults.KeystoreDir,
		BrokerURL:   defaults.BrokerURL,
		AuditDBPath: defaults.AuditDBPath,
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The issuer HTTP listen address")
	fs.StringVar(&cfg.KeystoreDir, "keystore-dir", cfg.KeystoreDir, "Directory rooting the key hierarchy")
	fs.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "Broker account-resolver admin base URL")
	fs.StringVar(&cfg.AuditDBPath, "audit-db", cfg.AuditDBPath, "Path to the issuance audit database (empty disables auditing)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the issuer server.
func Run(ctx context.Context, cfg Config) error {
	return server.Run(ctx, server.Config{
		HTTPAddr:    cfg.HTTPAddr,
		KeystoreDir: cfg.KeystoreDir,
		BrokerURL:   cfg.BrokerURL,
		AuditDBPath: cfg.AuditDBPath,
	})
}
