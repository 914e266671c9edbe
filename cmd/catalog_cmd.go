package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kebairia/diffback/internal/catalog"
	"github.com/kebairia/diffback/internal/messenger"
)

var (
	historyDatabase string
	historyLimit    int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded backups of a database, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyDatabase == "" {
			return errors.New("--database is required")
		}
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		records := a.manager.History(historyDatabase, historyLimit)
		if len(records) == 0 {
			a.msg.Info("No backups recorded for %s", historyDatabase)
			return nil
		}
		renderRecords(cmd.OutOrStdout(), records)
		return nil
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain <backup-id>",
	Short: "Show the restore chain of a backup, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		chain := a.manager.Catalog().Chain(args[0])
		if len(chain) == 0 {
			return fmt.Errorf("backup %q is not in the catalog", args[0])
		}
		renderRecords(cmd.OutOrStdout(), chain)
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historyDatabase, "database", "d", "", "database name")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "maximum number of records (0 for all)")
}

func renderRecords(out io.Writer, records []catalog.Record) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Type", "Status", "Started", "Size", "Detail"})
	for _, rec := range records {
		table.Append([]string{
			rec.ID,
			string(rec.Type),
			string(rec.Status),
			rec.TimestampStart.Format("2006-01-02 15:04:05"),
			messenger.Size(rec.Statistics.TotalSizeBytes),
			detail(rec),
		})
	}
	table.Render()
}

// detail summarizes what a record captured, or why it failed.
func detail(rec catalog.Record) string {
	switch {
	case rec.Status == catalog.StatusFailed:
		return rec.Error
	case rec.Type == catalog.TypeDifferential && rec.Mode == catalog.ModeWALBackup:
		return strconv.Itoa(rec.WALFilesCount) + " wal files"
	case rec.Type == catalog.TypeDifferential:
		return string(rec.Mode)
	default:
		return strconv.Itoa(rec.Statistics.TotalTables) + " tables"
	}
}
