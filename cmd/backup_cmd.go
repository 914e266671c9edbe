package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/diffback/internal/catalog"
	"github.com/kebairia/diffback/internal/database"
)

var (
	instanceName string
	tableNames   []string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up databases declared in the config",
}

var fullCmd = &cobra.Command{
	Use:   "full",
	Short: "Full backup of one instance, or of every instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackups(cmd.Context(), func(ctx context.Context, a *app, db database.Database) error {
			_, err := a.manager.FullBackup(ctx, db)
			return err
		})
	},
}

var partialCmd = &cobra.Command{
	Use:   "partial",
	Short: "Backup of selected tables of one instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		if instanceName == "" {
			return errors.New("--instance is required for a partial backup")
		}
		if len(tableNames) == 0 {
			return errors.New("--tables must name at least one table")
		}
		return runBackups(cmd.Context(), func(ctx context.Context, a *app, db database.Database) error {
			_, err := a.manager.PartialBackup(ctx, db, tableNames)
			return err
		})
	},
}

var differentialCmd = &cobra.Command{
	Use:   "differential",
	Short: "Changes since the last full backup of one instance, or of every instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackups(cmd.Context(), func(ctx context.Context, a *app, db database.Database) error {
			_, err := a.manager.DifferentialBackup(ctx, db)
			return err
		})
	},
}

func init() {
	backupCmd.PersistentFlags().
		StringVarP(&instanceName, "instance", "i", "", "instance name (default: every configured instance)")
	partialCmd.Flags().
		StringSliceVarP(&tableNames, "tables", "t", nil, "comma separated tables to back up")

	backupCmd.AddCommand(fullCmd)
	backupCmd.AddCommand(partialCmd)
	backupCmd.AddCommand(differentialCmd)
}

// runBackups runs fn against the selected instance, or against every
// configured instance in turn. One failing instance does not stop the
// others; the joined errors are returned at the end.
func runBackups(ctx context.Context, fn func(context.Context, *app, database.Database) error) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	names := a.cfg.InstanceNames()
	if instanceName != "" {
		names = []string{instanceName}
	}
	if len(names) == 0 {
		a.msg.Warning("No database instances configured")
		return nil
	}

	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runOne(ctx, a, name, fn); err != nil {
			a.log.Error("backup failed", "instance", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func runOne(ctx context.Context, a *app, name string, fn func(context.Context, *app, database.Database) error) error {
	db, err := a.manager.Open(ctx, name)
	if err != nil {
		a.msg.Error("Cannot open %s: %v", name, err)
		return err
	}
	defer db.Close()

	err = fn(ctx, a, db)
	if errors.Is(err, catalog.ErrNoFullBackup) {
		a.msg.Warning("Run a full backup of %s first", name)
	}
	return err
}
