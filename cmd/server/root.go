package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/NicolasHaas/gorecord/pkg/datastore"
	"github.com/NicolasHaas/gorecord/pkg/logging"
	"github.com/NicolasHaas/gorecord/pkg/server"
	"github.com/NicolasHaas/gorecord/pkg/version"
)

const envPrefix = "gorecord"

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig loads .env files and maps GORECORD_* variables onto the flag keys.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newRootCommand() *cobra.Command {
	var logCloser io.Closer

	cmd := &cobra.Command{
		Use:   "gorecord",
		Short: "record server with role-based access over newline-delimited JSON",
		Long: fmt.Sprintf(`gorecord (%s)

Serves a table of scored records to authenticated clients over a TCP
socket speaking newline-delimited JSON. Running without a subcommand
starts the server.

Configuration is read from flags, GORECORD_<FLAG> environment variables
(also from .env and .env.local) and an optional --config file.`, version.String()),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := loadConfigFile(); err != nil {
				return err
			}
			closer, err := logging.Setup(logging.Options{
				Level:  viper.GetString("log-level"),
				Format: viper.GetString("log-format"),
				File:   viper.GetString("log-file"),
				Output: logOutput(cmd),
			})
			if err != nil {
				return fmt.Errorf("invalid logging config: %w", err)
			}
			logCloser = closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if logCloser != nil {
				return logCloser.Close()
			}
			return nil
		},
		RunE: runServe,
	}

	addPersistentFlags(cmd.PersistentFlags())
	cmd.AddCommand(newServeCommand(), newExportCommand(), newImportCommand(), newVersionCommand())
	return cmd
}

// dataOutput marks commands whose stdout carries data rather than logs.
const dataOutput = "data-output"

// logOutput returns stdout, or stderr for commands that print data.
func logOutput(cmd *cobra.Command) io.Writer {
	if cmd.Annotations[dataOutput] == "true" {
		return cmd.ErrOrStderr()
	}
	return cmd.OutOrStdout()
}

func addPersistentFlags(fs *pflag.FlagSet) {
	def := server.DefaultConfig()

	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("log-level", "info", "log level: "+logging.LevelNames())
	fs.String("log-format", "text", "log format: text or json")
	fs.String("log-file", "", "also append logs to this file")

	fs.String("db-driver", def.DBDriver, "database driver: "+datastore.DriverNames())
	fs.String("db-dsn", def.DBDSN, "database DSN (file path for sqlite, URL for postgres)")
	fs.Int("pool-size", def.PoolSize, "pooled database connections")

	fs.String("listen", def.ListenAddr, "TCP bind address")
	fs.Duration("session-timeout", def.SessionTimeout, "idle time before a session is closed")
	fs.Duration("request-timeout", def.RequestTimeout, "upper bound for the store work of one request")
	fs.Int("max-sessions", def.MaxSessions, "concurrent sessions; further connections get 503")
	fs.Bool("tls", def.TLS, "serve over TLS (self-signed certificate generated if none given)")
	fs.String("cert", "", "TLS certificate file")
	fs.String("key", "", "TLS private key file")
	fs.String("data-dir", def.DataDir, "directory for generated files")
	fs.String("metrics", def.MetricsAddr, "HTTP bind address for /metrics and /healthz (empty to disable)")
	fs.Duration("metrics-log-interval", def.MetricsLogInterval, "interval of the metrics summary log line (0 to disable)")
	fs.String("admin-user", def.AdminUser, "admin account created on first start")
	fs.String("records-file", "", "YAML file with records to import on start")
}

// loadConfigFile reads --config when given. Flags and environment still
// take precedence over file values.
func loadConfigFile() error {
	path := strings.TrimSpace(viper.GetString("config"))
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", abs)
	}
	viper.SetConfigFile(abs)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", abs, err)
	}
	return nil
}

// configFromViper resolves the server config from flags, env and file.
func configFromViper() server.Config {
	cfg := server.DefaultConfig()
	cfg.ListenAddr = viper.GetString("listen")
	cfg.SessionTimeout = viper.GetDuration("session-timeout")
	cfg.RequestTimeout = viper.GetDuration("request-timeout")
	cfg.MaxSessions = viper.GetInt("max-sessions")
	cfg.PoolSize = viper.GetInt("pool-size")
	cfg.DBDriver = viper.GetString("db-driver")
	cfg.DBDSN = viper.GetString("db-dsn")
	cfg.TLS = viper.GetBool("tls")
	cfg.CertFile = viper.GetString("cert")
	cfg.KeyFile = viper.GetString("key")
	cfg.DataDir = viper.GetString("data-dir")
	cfg.MetricsAddr = viper.GetString("metrics")
	cfg.MetricsLogInterval = viper.GetDuration("metrics-log-interval")
	cfg.AdminUser = viper.GetString("admin-user")
	cfg.RecordsFile = viper.GetString("records-file")
	return cfg
}

// openStore validates cfg and connects to its database.
func openStore(ctx context.Context, cfg server.Config) (*datastore.ProviderFactory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := datastore.Connect(ctx, cfg.DBDriver, cfg.DBDSN, cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return st, nil
}
