package commands

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/bl4ck0w1/crlsentry/internal/storage"
)

func NewBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the SQLite database and the JSON state files",
		Args:  cobra.NoArgs,
		RunE:  runBackup,
	}
	cmd.Flags().StringP("dir", "d", "", "backup directory (default <data_dir>/backups)")
	cmd.Flags().Duration("retention", 30*24*time.Hour, "remove backups older than this, 0 keeps all")
	return cmd
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir, _ := cmd.Flags().GetString("dir")
	retention, _ := cmd.Flags().GetDuration("retention")

	return withApp(ctx, func(a *app) error {
		if dir == "" {
			dir = filepath.Join(a.cfg.DataDir, "backups")
		}
		path, err := storage.CreateBackup(ctx, dir, logger, a.snapshots...)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		removed, err := storage.PruneBackups(dir, retention, logger)
		if err != nil {
			logger.WithError(err).Warn("pruning old backups failed")
		}
		fmt.Printf("Backup written to %s (%d old backups removed)\n", path, removed)
		return nil
	})
}
