package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kebairia/diffback/internal/messenger"
	"github.com/kebairia/diffback/internal/operations"
)

var extractOutput string

var archiveCmd = &cobra.Command{
	Use:   "archive <backup-dir>",
	Short: "Pack a backup directory into <backup-dir>.tar.zst",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := messenger.NewConsole(cmd.OutOrStdout())
		res, err := operations.ArchiveDirectory(args[0])
		if err != nil {
			msg.Error("Archive creation failed: %v", err)
			return err
		}
		msg.Success("Archive created: %s", res.Path)
		msg.Info("  Original: %s", messenger.Size(res.OriginalSize))
		msg.Info("  Compressed: %s", messenger.Size(res.ArchiveSize))
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract <archive>",
	Short: "Unpack a .tar.zst backup archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := messenger.NewConsole(cmd.OutOrStdout())
		out := extractOutput
		if out == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			out = wd
		}
		if err := operations.ExtractArchive(args[0], out); err != nil {
			msg.Error("Extraction failed: %v", err)
			return err
		}
		msg.Success("Extracted into %s", out)
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "", "directory to extract into (default: current directory)")
}
