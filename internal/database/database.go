package database

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrTimeout      = errors.New("operation timed out")
	ErrBackupFailed = errors.New("backup failed")
	ErrUnknownTable = errors.New("table not found")
)

// TableInfo is a table as seen by the engine's catalog. Rows is an
// estimate where the engine only keeps statistics.
type TableInfo struct {
	Name      string `db:"name"`
	Rows      int64  `db:"rows"`
	SizeBytes int64  `db:"size_bytes"`
}

// Artifact is what a capture left on disk.
type Artifact struct {
	Path      string
	SizeBytes int64
}

// Database is one configured instance of an engine.
type Database interface {
	GetName() string
	GetDatabase() string
	GetEngine() string
	// GetPath is the per-database backup root, {output}/{database}.
	GetPath() string
	BackupMethod() string

	Version(ctx context.Context) (string, error)
	UtilityVersion(ctx context.Context) (string, error)
	Tables(ctx context.Context) ([]TableInfo, error)
	TableExists(ctx context.Context, table string) (bool, error)

	// DumpSchema writes the DDL of the database to path.
	DumpSchema(ctx context.Context, path string) error
	// FullBackup captures the whole database into root.
	FullBackup(ctx context.Context, root string) (Artifact, error)
	// PartialBackup captures only tables, as a logical dump, into root.
	PartialBackup(ctx context.Context, root string, tables []string) (Artifact, error)

	Close()
}

// DiskUsage returns the size of a file, or the total size of the regular
// files below a directory.
func DiskUsage(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}

// firstLine trims utility --version output to its first line.
func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
