package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kebairia/diffback/internal/catalog"
	"github.com/kebairia/diffback/internal/database"
	"github.com/kebairia/diffback/internal/differential"
	"github.com/kebairia/diffback/internal/messenger"
	"github.com/kebairia/diffback/internal/preflight"
)

// SchemaFilename is the DDL dump written into every full and partial backup.
const SchemaFilename = "schema.sql"

// utilityLister is implemented by clients that shell out for captures.
type utilityLister interface {
	Utilities() []string
}

var partialUtilities = map[string][]string{
	database.EnginePostgres: {"pg_dump", "zstd"},
	database.EngineMySQL:    {"mysqldump", "zstd"},
}

// FullBackup captures the whole database into {output}/{database}/{id}/.
func (m *Manager) FullBackup(ctx context.Context, db database.Database) (*catalog.Record, error) {
	if err := m.preflight(ctx, db, catalog.TypeFull); err != nil {
		return nil, err
	}
	rec, err := m.start(ctx, db, catalog.TypeFull)
	if err != nil {
		return nil, err
	}
	m.msg.Section(fmt.Sprintf("Full backup of %s (%s)", db.GetName(), db.GetEngine()))
	return m.finish(rec, m.captureFull(ctx, db, rec))
}

// PartialBackup captures only the listed tables that exist. Tables that do
// not exist are reported and skipped; if none exist the backup fails.
func (m *Manager) PartialBackup(ctx context.Context, db database.Database, tables []string) (*catalog.Record, error) {
	if err := m.preflight(ctx, db, catalog.TypePartial); err != nil {
		return nil, err
	}
	rec, err := m.start(ctx, db, catalog.TypePartial)
	if err != nil {
		return nil, err
	}
	m.msg.Section(fmt.Sprintf("Partial backup of %s (%s)", db.GetName(), db.GetEngine()))
	return m.finish(rec, m.capturePartial(ctx, db, rec, tables))
}

// DifferentialBackup captures what changed since the last full backup with
// the strategy of the database engine.
func (m *Manager) DifferentialBackup(ctx context.Context, db database.Database) (*catalog.Record, error) {
	if err := m.preflight(ctx, db, catalog.TypeDifferential); err != nil {
		return nil, err
	}
	m.msg.Section(fmt.Sprintf("Differential backup of %s (%s)", db.GetName(), db.GetEngine()))
	reader := catalog.NewReader(m.catalog, db.GetDatabase(), m.log)
	rec, err := m.coordinator(db).Run(ctx, db.GetEngine(), reader)
	if err != nil {
		m.msg.Error("Differential backup failed: %v", err)
		return rec, err
	}
	m.msg.Success("Differential backup completed (%s): %s", rec.Mode, rec.BackupLocation)
	return rec, nil
}

func (m *Manager) coordinator(db database.Database) *differential.Coordinator {
	c := differential.NewCoordinator(m.log)
	if src, ok := db.(differential.WALSource); ok {
		walCfg := m.cfg.Postgres.WAL
		c.Register(database.EnginePostgres, differential.NewWALCopy(src, m.recorder,
			differential.WithArchiveDirectory(walCfg.ArchiveDirectory),
			differential.WithSegmentSize(walCfg.SegmentSize),
			differential.WithArchiveWait(walCfg.ArchiveWait),
			differential.WithWALLogger(m.log),
			differential.WithWALMessenger(m.msg),
		))
	}
	if src, ok := db.(differential.SnapshotSource); ok {
		c.Register(database.EngineMySQL, differential.NewSnapshot(src, m.recorder, m.log, m.msg))
	}
	return c
}

func (m *Manager) preflight(ctx context.Context, db database.Database, typ catalog.Type) error {
	engine := db.GetEngine()
	switch typ {
	case catalog.TypeFull:
		if u, ok := db.(utilityLister); ok {
			if err := m.requireUtilities(u.Utilities()...); err != nil {
				return err
			}
		}
		if engine == database.EnginePostgres && db.BackupMethod() == database.MethodBaseBackup {
			if pc, ok := db.(preflight.PrivilegeChecker); ok {
				return preflight.CheckReplicationPrivilege(ctx, pc, roleOf(db))
			}
		}
	case catalog.TypePartial:
		return m.requireUtilities(partialUtilities[engine]...)
	case catalog.TypeDifferential:
		switch engine {
		case database.EnginePostgres:
			if sr, ok := db.(preflight.SettingReader); ok {
				return preflight.CheckWALArchiving(ctx, sr)
			}
		case database.EngineMySQL:
			if src, ok := db.(differential.SnapshotSource); ok {
				return m.requireUtilities(src.XtraBackupCommand("").Name)
			}
		}
	}
	return nil
}

func roleOf(db database.Database) string {
	switch d := db.(type) {
	case *database.Postgres:
		return d.Username
	case *database.MySQL:
		return d.Username
	}
	return "<backup role>"
}

// start opens an in_progress record for db.
func (m *Manager) start(ctx context.Context, db database.Database, typ catalog.Type) (*catalog.Record, error) {
	version, err := db.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("server version of %s: %w", db.GetName(), err)
	}
	utility, err := db.UtilityVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("utility version for %s: %w", db.GetName(), err)
	}
	return m.recorder.Start(catalog.StartOptions{
		Type:            typ,
		Database:        db.GetDatabase(),
		DatabaseType:    db.GetEngine(),
		DatabaseVersion: version,
		UtilityVersion:  utility,
		Compress:        m.cfg.Backup.Compress,
	}), nil
}

// layout creates {output}/{database}/{id}/ and binds it to rec.
func (m *Manager) layout(db database.Database, rec *catalog.Record) (string, error) {
	root := filepath.Join(db.GetPath(), rec.ID)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	rec.BackupLocation = root
	m.msg.Info("Backup dir: %s", root)
	return root, nil
}

// dumpSchema writes schema.sql. A failed schema dump is reported but does
// not fail the backup.
func (m *Manager) dumpSchema(ctx context.Context, db database.Database, rec *catalog.Record, root string) {
	path := filepath.Join(root, SchemaFilename)
	if err := db.DumpSchema(ctx, path); err != nil {
		m.log.Warn("schema dump failed", "id", rec.ID, "error", err)
		m.msg.Warning("Schema dump failed: %v", err)
		return
	}
	rec.SchemaFile = path
}

func (m *Manager) captureFull(ctx context.Context, db database.Database, rec *catalog.Record) error {
	root, err := m.layout(db, rec)
	if err != nil {
		return err
	}
	if err := catalog.InitChain(rec); err != nil {
		return err
	}
	m.dumpSchema(ctx, db, rec, root)

	tables, err := db.Tables(ctx)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	if len(tables) == 0 {
		m.msg.Warning("No tables found")
		return nil
	}
	m.msg.Info("Found %d table(s)...", len(tables))

	art, err := db.FullBackup(ctx, root)
	if err != nil {
		return err
	}
	for _, t := range tables {
		m.recorder.AddTable(rec, t.Name, t.Rows, t.SizeBytes, art.Path)
	}
	return measure(rec)
}

func (m *Manager) capturePartial(ctx context.Context, db database.Database, rec *catalog.Record, tables []string) error {
	root, err := m.layout(db, rec)
	if err != nil {
		return err
	}
	m.dumpSchema(ctx, db, rec, root)

	var verified []string
	for _, t := range tables {
		ok, err := db.TableExists(ctx, t)
		if err != nil {
			return err
		}
		if !ok {
			m.msg.Error("Table '%s' doesn't exist", t)
			m.log.Warn("table missing", "id", rec.ID, "table", t)
			continue
		}
		m.msg.Success("Table '%s' found", t)
		verified = append(verified, t)
	}
	if len(verified) == 0 {
		m.msg.Warning("No valid tables to export")
		return fmt.Errorf("%w: none of %s", database.ErrUnknownTable, strings.Join(tables, ", "))
	}

	art, err := db.PartialBackup(ctx, root, verified)
	if err != nil {
		return err
	}

	known := map[string]database.TableInfo{}
	if infos, err := db.Tables(ctx); err != nil {
		m.log.Warn("cannot read table statistics", "id", rec.ID, "error", err)
	} else {
		for _, info := range infos {
			known[info.Name] = info
		}
	}
	for _, t := range verified {
		info := lookupTable(known, t)
		m.recorder.AddTable(rec, t, info.Rows, info.SizeBytes, art.Path)
	}
	return measure(rec)
}

// lookupTable matches name exactly or as the unqualified part of a
// schema-qualified name.
func lookupTable(known map[string]database.TableInfo, name string) database.TableInfo {
	if info, ok := known[name]; ok {
		return info
	}
	for full, info := range known {
		if strings.HasSuffix(full, "."+name) {
			return info
		}
	}
	return database.TableInfo{}
}

// measure records the on-disk size of the backup directory as its total size.
func measure(rec *catalog.Record) error {
	size, err := database.DiskUsage(rec.BackupLocation)
	if err != nil {
		return fmt.Errorf("measure %s: %w", rec.BackupLocation, err)
	}
	rec.Statistics.TotalSizeBytes = size
	return nil
}

// finish archives a successful capture if configured, persists the record
// and leaves its metadata.json beside the artifacts.
func (m *Manager) finish(rec *catalog.Record, cause error) (*catalog.Record, error) {
	if cause == nil && m.cfg.Backup.Archive && rec.Statistics.TotalTables > 0 {
		m.archive(rec)
	}

	finishErr := m.recorder.Finish(rec, cause)
	if finishErr != nil && cause != nil {
		m.log.Error("failed backup not recorded", "id", rec.ID, "error", finishErr)
	}
	if rec.BackupLocation != "" && rec.Finalized() {
		if err := catalog.WriteSnapshot(rec.BackupLocation, rec); err != nil {
			m.log.Warn("cannot write metadata snapshot", "id", rec.ID, "error", err)
		} else {
			m.msg.Success("Metadata saved: %s", filepath.Join(rec.BackupLocation, catalog.MetadataFilename))
		}
	}

	cause = errors.Join(cause, finishErr)
	if cause != nil {
		m.msg.Error("Backup failed: %v", cause)
		return rec, cause
	}
	m.msg.Success("Backup completed (%s): %s (%s)",
		rec.Type,
		rec.BackupLocation,
		messenger.Size(rec.Statistics.TotalSizeBytes),
	)
	return rec, nil
}

// archive packs the backup directory into {id}.tar.zst beside it. The
// directory is kept so differentials can still reference it.
func (m *Manager) archive(rec *catalog.Record) {
	m.msg.Info("Compressing backup → %s%s", filepath.Base(rec.BackupLocation), ArchiveExt)
	res, err := ArchiveDirectory(rec.BackupLocation)
	if err != nil {
		m.log.Warn("archive creation failed", "id", rec.ID, "error", err)
		m.msg.Warning("Archive creation failed: %v", err)
		return
	}
	rec.ArchiveFile = res.Path
	m.msg.Success("Archive created: %s", filepath.Base(res.Path))
	m.msg.Info("  Original: %s", messenger.Size(res.OriginalSize))
	m.msg.Info("  Compressed: %s", messenger.Size(res.ArchiveSize))
	m.log.Info("archive created", "id", rec.ID, "path", res.Path,
		"original_bytes", res.OriginalSize, "archive_bytes", res.ArchiveSize)
}
