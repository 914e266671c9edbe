package differential

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kebairia/diffback/internal/catalog"
	"github.com/kebairia/diffback/internal/database"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/messenger"
	"github.com/kebairia/diffback/internal/preflight"
	"github.com/kebairia/diffback/internal/process"
)

// SnapshotSource runs xtrabackup against a MySQL server.
// *database.MySQL implements it.
type SnapshotSource interface {
	Version(ctx context.Context) (string, error)
	UtilityVersion(ctx context.Context) (string, error)
	XtraBackupCommand(target string, extra ...string) process.Command
	Runner() process.Runner
}

// Snapshot is the MySQL strategy: an xtrabackup incremental against the
// snapshot of the last full backup.
type Snapshot struct {
	source   SnapshotSource
	recorder *catalog.Recorder
	log      logger.Logger
	msg      messenger.Messenger
}

var _ Strategy = (*Snapshot)(nil)

// NewSnapshot returns the incremental snapshot strategy.
func NewSnapshot(source SnapshotSource, recorder *catalog.Recorder, log logger.Logger, msg messenger.Messenger) *Snapshot {
	if log == nil {
		log = logger.NewNop()
	}
	if msg == nil {
		msg = messenger.Discard()
	}
	return &Snapshot{source: source, recorder: recorder, log: log, msg: msg}
}

// Backup takes the incremental. The full backup must have been taken with
// xtrabackup; a dump cannot serve as an incremental base.
func (s *Snapshot) Backup(ctx context.Context, reader *catalog.Reader) (*catalog.Record, error) {
	full, err := reader.LastFull()
	if err != nil {
		s.msg.Error("No previous full backup found. Cannot perform differential backup.")
		return nil, err
	}
	baseDir := filepath.Join(full.BackupLocation, database.SnapshotDirname)
	if _, err := os.Stat(filepath.Join(baseDir, database.CheckpointsFile)); err != nil {
		return nil, &preflight.Error{
			Check:  "base snapshot",
			Reason: fmt.Sprintf("%s has no %s", baseDir, database.CheckpointsFile),
			Remedy: "take a new full backup with method xtrabackup",
			Err:    err,
		}
	}
	version, err := s.source.Version(ctx)
	if err != nil {
		return nil, err
	}
	utility, err := s.source.UtilityVersion(ctx)
	if err != nil {
		return nil, err
	}

	s.msg.Warning("Starting MySQL differential backup with xtrabackup...")
	rec := s.recorder.Start(catalog.StartOptions{
		Type:            catalog.TypeDifferential,
		Database:        reader.Database(),
		DatabaseType:    database.EngineMySQL,
		DatabaseVersion: version,
		UtilityVersion:  utility,
	})
	bind(rec, full)

	f := finisher{recorder: s.recorder, log: s.log, msg: s.msg}
	return f.finish(rec, s.capture(ctx, rec, full, baseDir))
}

func (s *Snapshot) capture(ctx context.Context, rec *catalog.Record, full catalog.Record, baseDir string) error {
	dir, err := prepareDir(full, rec)
	if err != nil {
		return err
	}
	rec.BackupLocation = dir
	rec.Mode = catalog.ModeIncrementalSnapshot

	target := filepath.Join(dir, database.SnapshotDirname)
	cmd := s.source.XtraBackupCommand(target, "--incremental-basedir="+baseDir)
	s.msg.Info("Running xtrabackup incremental backup...")
	s.log.Info("running incremental snapshot", "id", rec.ID, "command", cmd.String())
	if _, err := s.source.Runner().Run(ctx, cmd); err != nil {
		s.msg.Error("xtrabackup failed: %v", err)
		return err
	}
	if _, err := os.Stat(filepath.Join(target, database.CheckpointsFile)); err != nil {
		return fmt.Errorf("%w: %s missing in %s", ErrSnapshotIncomplete, database.CheckpointsFile, target)
	}

	size, err := database.DiskUsage(dir)
	if err != nil {
		return fmt.Errorf("measure %s: %w", dir, err)
	}
	rec.Statistics.TotalSizeBytes = size
	s.msg.Success("Differential backup created at %s", dir)
	s.msg.Info("Backup size: %s", messenger.Size(size))
	return nil
}
