package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of backup a record describes.
type Type string

const (
	TypeFull         Type = "full"
	TypePartial      Type = "partial"
	TypeDifferential Type = "differential"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Mode records how a differential run ended.
type Mode string

const (
	ModeWALBackup           Mode = "wal_backup"
	ModeNoNewWAL            Mode = "no_new_wal"
	ModeNoChanges           Mode = "no_changes"
	ModeTimelineInvalid     Mode = "wal_timeline_invalid"
	ModeSequenceGap         Mode = "wal_sequence_gap"
	ModeSanityFailed        Mode = "wal_sanity_failed"
	// ModeIncrementalSnapshot is recorded by MySQL differentials, which have
	// no WAL chain to validate.
	ModeIncrementalSnapshot Mode = "incremental_snapshot"
)

// idTimeLayout is the timestamp part of record ids and differential
// directory names.
const idTimeLayout = "20060102_150405"

// Statistics aggregates what a backup captured.
type Statistics struct {
	TotalTables        int   `json:"total_tables"`
	TotalRowsProcessed int64 `json:"total_rows_processed"`
	TotalSizeBytes     int64 `json:"total_size_bytes"`
}

// TableStats is the per-table entry of a record.
type TableStats struct {
	RowsCount     int64  `json:"rows_count"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	FilePath      string `json:"file_path,omitempty"`
}

// Tables maps table name to its statistics. Older catalogs stored a plain
// list of names; both forms are accepted on read.
type Tables map[string]TableStats

func (t *Tables) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return fmt.Errorf("tables list: %w", err)
		}
		out := make(Tables, len(names))
		for _, name := range names {
			out[name] = TableStats{}
		}
		*t = out
		return nil
	}
	var m map[string]TableStats
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("tables: %w", err)
	}
	*t = m
	return nil
}

// Names returns the table names in sorted order.
func (t Tables) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timestamp is a time that serialises as RFC 3339. Naive ISO timestamps
// without an offset are read as UTC; the zero value is null.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp { return Timestamp{Time: t} }

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		ts.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	ts.Time = parsed
	return nil
}

// ParseTimestamp accepts RFC 3339 and naive ISO 8601 strings; the latter
// are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q: unrecognised format", s)
}

// Record is one backup attempt. It is mutated only by the owner of the
// running operation and is immutable once finalized.
type Record struct {
	ID              string     `json:"id"`
	Type            Type       `json:"type"`
	DatabaseType    string     `json:"database_type,omitempty"`
	DatabaseName    string     `json:"database_name"`
	DatabaseVersion string     `json:"database_version"`
	UtilityVersion  string     `json:"utility_version"`
	TimestampStart  Timestamp  `json:"timestamp_start"`
	TimestampEnd    Timestamp  `json:"timestamp_end"`
	DurationSeconds float64    `json:"duration_seconds"`
	ParentBackupID  string     `json:"parent_backup_id,omitempty"`
	BaseBackupID    string     `json:"base_backup_id,omitempty"`
	Status          Status     `json:"status"`
	Compress        bool       `json:"compress"`
	BackupLocation  string     `json:"backup_location,omitempty"`
	SchemaFile      string     `json:"schema_file,omitempty"`
	ArchiveFile     string     `json:"archive_file,omitempty"`
	Tables          Tables     `json:"tables,omitempty"`
	Statistics      Statistics `json:"statistics"`

	FirstWALFile        string `json:"first_wal_file,omitempty"`
	LastWALFile         string `json:"last_wal_file,omitempty"`
	WALFilesCount       int    `json:"wal_files_count,omitempty"`
	CurrentLSN          string `json:"current_lsn,omitempty"`
	CurrentWALFile      string `json:"current_wal_file,omitempty"`
	LastBackupWALFile   string `json:"last_backup_wal_file,omitempty"`
	WALArchiveDirectory string `json:"wal_archive_directory,omitempty"`
	Mode                Mode   `json:"mode,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewID builds `{type}_{database}_{YYYYMMDD_HHMMSS}_{suffix}` with a four
// character random hex suffix.
func NewID(t Type, database string, start time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("%s_%s_%s_%s", t, database, start.Format(idTimeLayout), suffix)
}

// IDSuffix returns the random suffix of a record id.
func IDSuffix(id string) string {
	if i := strings.LastIndex(id, "_"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Finalized reports whether the record has left in_progress.
func (r *Record) Finalized() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Ancestor returns the id the record depends on, if any.
func (r *Record) Ancestor() string {
	if r.ParentBackupID != "" {
		return r.ParentBackupID
	}
	return r.BaseBackupID
}
