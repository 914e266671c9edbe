package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/kebairia/diffback/internal/logger"
)

var (
	ErrAlreadyFinalized = errors.New("record already finalized")
	ErrNoTablesCaptured = errors.New("no tables captured")
)

// StartOptions describes a backup about to run.
type StartOptions struct {
	Type            Type
	Database        string
	DatabaseType    string
	DatabaseVersion string
	UtilityVersion  string
	Compress        bool
}

// Recorder owns the in_progress -> completed|failed lifecycle of records
// and writes the finalized result into the catalog.
type Recorder struct {
	catalog *Catalog
	log     logger.Logger
	now     func() time.Time
}

// NewRecorder binds a recorder to cat.
func NewRecorder(cat *Catalog, log logger.Logger) *Recorder {
	if log == nil {
		log = logger.NewNop()
	}
	return &Recorder{catalog: cat, log: log, now: time.Now}
}

// Catalog returns the catalog records are written to.
func (r *Recorder) Catalog() *Catalog { return r.catalog }

// Start creates an in_progress record. A differential is bound to the last
// completed full backup of the same database, if there is one.
func (r *Recorder) Start(opts StartOptions) *Record {
	start := r.now()
	rec := &Record{
		ID:              NewID(opts.Type, opts.Database, start),
		Type:            opts.Type,
		DatabaseType:    opts.DatabaseType,
		DatabaseName:    opts.Database,
		DatabaseVersion: opts.DatabaseVersion,
		UtilityVersion:  opts.UtilityVersion,
		TimestampStart:  NewTimestamp(start),
		Status:          StatusInProgress,
		Compress:        opts.Compress,
		Tables:          Tables{},
	}
	if opts.Type == TypeDifferential {
		if full, ok := r.catalog.LastFullBackup(opts.Database); ok {
			rec.BaseBackupID = full.ID
		}
	}

	r.log.Info("starting backup", "id", rec.ID, "type", rec.Type, "database", rec.DatabaseName)
	if rec.BaseBackupID != "" {
		r.log.Info("base backup", "id", rec.ID, "base_backup_id", rec.BaseBackupID)
	}
	return rec
}

// AddTable records one captured table and folds it into the statistics.
func (r *Recorder) AddTable(rec *Record, name string, rows, size int64, path string) {
	if rec.Tables == nil {
		rec.Tables = Tables{}
	}
	if prev, ok := rec.Tables[name]; ok {
		rec.Statistics.TotalTables--
		rec.Statistics.TotalRowsProcessed -= prev.RowsCount
		rec.Statistics.TotalSizeBytes -= prev.FileSizeBytes
	}
	rec.Tables[name] = TableStats{RowsCount: rows, FileSizeBytes: size, FilePath: path}
	rec.Statistics.TotalTables++
	rec.Statistics.TotalRowsProcessed += rows
	rec.Statistics.TotalSizeBytes += size
	r.log.Debug("table captured", "id", rec.ID, "table", name, "rows", rows, "size_bytes", size)
}

// Finish stamps the end time, settles the status and persists the record.
// A nil cause means success. A full or partial backup that captured no
// table is failed regardless, and Finish reports ErrNoTablesCaptured.
// A completed differential is also appended to its full backup's chain
// file; failing to do so is logged, not returned. When the catalog cannot
// be written rec is left untouched and in_progress.
func (r *Recorder) Finish(rec *Record, cause error) error {
	if rec.Finalized() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, rec.ID, rec.Status)
	}

	// Settle a copy so rec stays in_progress when the catalog cannot be
	// written.
	settled := *rec
	end := r.now()
	settled.TimestampEnd = NewTimestamp(end)
	settled.DurationSeconds = end.Sub(settled.TimestampStart.Time).Seconds()

	if cause == nil && settled.Type != TypeDifferential && settled.Statistics.TotalTables == 0 {
		cause = ErrNoTablesCaptured
	}
	if cause != nil {
		settled.Status = StatusFailed
		if settled.Error == "" {
			settled.Error = cause.Error()
		}
	} else {
		settled.Status = StatusCompleted
	}

	if err := r.catalog.Add(&settled); err != nil {
		r.log.Error("cannot record backup", "id", rec.ID, "error", err)
		return fmt.Errorf("finish backup %s: %w", rec.ID, err)
	}
	*rec = settled

	if rec.Status == StatusFailed {
		r.log.Error("backup failed", "id", rec.ID, "error", rec.Error)
	} else {
		r.log.Info("backup completed", "id", rec.ID,
			"duration_seconds", rec.DurationSeconds,
			"size_bytes", rec.Statistics.TotalSizeBytes)
	}

	if rec.Status == StatusCompleted && rec.Type == TypeDifferential {
		r.appendChain(rec)
	}
	if errors.Is(cause, ErrNoTablesCaptured) {
		return fmt.Errorf("backup %s: %w", rec.ID, ErrNoTablesCaptured)
	}
	return nil
}

func (r *Recorder) appendChain(diff *Record) {
	full, ok := r.catalog.Get(diff.BaseBackupID)
	if !ok {
		r.log.Warn("base backup not in catalog, chain file not updated",
			"id", diff.ID, "base_backup_id", diff.BaseBackupID)
		return
	}
	if err := AppendChain(&full, EntryFor(diff)); err != nil {
		r.log.Warn("cannot update chain file", "id", diff.ID, "base_backup_id", full.ID, "error", err)
	}
}
