// Package differential captures what changed since the last full backup of
// a database. Each engine has a Strategy; the Coordinator picks one and
// contains its failures.
package differential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kebairia/diffback/internal/catalog"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/messenger"
)

const (
	// BaseRefFilename holds the id of the full backup a differential extends.
	BaseRefFilename = "base_backup_id.txt"

	dirTimeLayout = "20060102_150405"
)

var (
	ErrDifferentialFailed = errors.New("differential backup failed")
	ErrUnknownEngine      = errors.New("no differential strategy for engine")
	// ErrNoNewWAL means nothing newer than the full backup reached the
	// archive, so there is nothing to copy.
	ErrNoNewWAL = errors.New("no new wal archived since the full backup")
	// ErrSnapshotIncomplete means xtrabackup exited cleanly but left no
	// checkpoints file behind.
	ErrSnapshotIncomplete = errors.New("incremental snapshot incomplete")
)

// Strategy takes one differential backup of the database reader is scoped
// to. The returned record is finalized whenever it is non-nil.
type Strategy interface {
	Backup(ctx context.Context, reader *catalog.Reader) (*catalog.Record, error)
}

// Dir returns where a differential of full is written: a sibling of the
// full backup directory, named after the database, start time and id
// suffix of rec.
func Dir(full catalog.Record, rec *catalog.Record) string {
	name := fmt.Sprintf("differential_%s_%s_%s",
		rec.DatabaseName,
		rec.TimestampStart.Format(dirTimeLayout),
		catalog.IDSuffix(rec.ID),
	)
	return filepath.Join(filepath.Dir(filepath.Clean(full.BackupLocation)), name)
}

// prepareDir creates the differential directory and records which full
// backup it depends on.
func prepareDir(full catalog.Record, rec *catalog.Record) (string, error) {
	dir := Dir(full, rec)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create differential directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, BaseRefFilename), []byte(full.ID+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", BaseRefFilename, err)
	}
	return dir, nil
}

// bind ties a fresh differential record to its full backup.
func bind(rec *catalog.Record, full catalog.Record) {
	rec.BaseBackupID = full.ID
	rec.ParentBackupID = full.ID
}

// finisher is the shared tail of every strategy: persist the record, then
// leave a metadata.json snapshot of it in the backup directory.
type finisher struct {
	recorder *catalog.Recorder
	log      logger.Logger
	msg      messenger.Messenger
}

func (f finisher) finish(rec *catalog.Record, cause error) (*catalog.Record, error) {
	finishErr := f.recorder.Finish(rec, cause)
	if finishErr != nil && cause != nil {
		f.log.Error("failed backup not recorded", "id", rec.ID, "error", finishErr)
	}
	if rec.BackupLocation != "" && rec.Finalized() {
		if err := catalog.WriteSnapshot(rec.BackupLocation, rec); err != nil {
			f.log.Warn("cannot write metadata snapshot", "id", rec.ID, "error", err)
		} else {
			f.msg.Info("Metadata saved: %s", filepath.Join(rec.BackupLocation, catalog.MetadataFilename))
		}
	}
	return rec, errors.Join(cause, finishErr)
}
