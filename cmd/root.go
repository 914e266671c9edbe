package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/diffback/internal/config"
	"github.com/kebairia/diffback/internal/database"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/messenger"
	"github.com/kebairia/diffback/internal/operations"
	"github.com/kebairia/diffback/internal/vault"
)

var (
	// ConfigFile is the path to the YAML configuration.
	ConfigFile string
	// LogLevel overrides log.level from the configuration.
	LogLevel string

	// rootCmd is the base command for diffback.
	rootCmd = &cobra.Command{
		Use:   "diffback",
		Short: "Full, partial and differential backups for PostgreSQL and MySQL",
		Long: `diffback backs up the databases declared in your YAML configuration
and records every run in a JSON catalog. Differential backups copy the
archived WAL (PostgreSQL) or take an incremental snapshot (MySQL) on top
of the last full backup.`,
		SilenceUsage: true,
	}
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "./configs/config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().
		StringVar(&LogLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(extractCmd)
}

// app is what a command needs once the configuration is loaded.
type app struct {
	cfg     config.Config
	log     logger.Logger
	msg     messenger.Messenger
	manager *operations.Manager
}

func (a *app) close() {
	_ = a.log.Sync()
}

// setup loads the configuration and builds the logger, the console and the
// backup manager. Vault is only contacted when an address is configured.
func setup(ctx context.Context) (*app, error) {
	var cfg config.Config
	if err := cfg.Load(ConfigFile); err != nil {
		return nil, err
	}
	if LogLevel != "" {
		cfg.Log.Level = LogLevel
	}

	log, err := logger.New(logger.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		OutputPaths: cfg.Log.OutputPaths,
	})
	if err != nil {
		return nil, err
	}
	msg := messenger.NewConsole(os.Stdout)

	opts := []operations.Option{
		operations.WithLogger(log),
		operations.WithMessenger(msg),
	}
	if cfg.Vault.Address != "" {
		client, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.ApproleName),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to vault: %w", err)
		}
		var src database.CredentialSource = client
		opts = append(opts, operations.WithCredentials(src))
	}

	manager, err := operations.NewManager(cfg, opts...)
	if err != nil {
		return nil, err
	}
	log.Debug("configuration loaded", "path", ConfigFile, "catalog", cfg.Catalog.Path)
	return &app{cfg: cfg, log: log, msg: msg, manager: manager}, nil
}
