package differential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kebairia/diffback/internal/catalog"
	"github.com/kebairia/diffback/internal/database"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/messenger"
	"github.com/kebairia/diffback/internal/preflight"
	"github.com/kebairia/diffback/internal/wal"
)

// walUtility is recorded as the utility version of WAL-copy differentials.
const walUtility = "wal_archiving"

// WALSource is the server side of a WAL-copy differential.
// *database.Postgres implements it.
type WALSource interface {
	Version(ctx context.Context) (string, error)
	CurrentWAL(ctx context.Context) (lsn, segment string, err error)
	SwitchWAL(ctx context.Context) (string, error)
}

// WALOption configures a WALCopy strategy.
type WALOption func(*WALCopy)

// WithArchiveDirectory sets the directory archive_command writes to.
func WithArchiveDirectory(dir string) WALOption {
	return func(s *WALCopy) {
		s.archiveDir = dir
	}
}

// WithSegmentSize overrides the expected WAL segment size.
func WithSegmentSize(size int64) WALOption {
	return func(s *WALCopy) {
		if size > 0 {
			s.segmentSize = size
		}
	}
}

// WithArchiveWait bounds how long to wait for the switched segment to reach
// the archive. Zero disables waiting.
func WithArchiveWait(d time.Duration) WALOption {
	return func(s *WALCopy) {
		s.archiveWait = d
	}
}

// WithWALLogger sets the logger.
func WithWALLogger(log logger.Logger) WALOption {
	return func(s *WALCopy) {
		if log != nil {
			s.log = log
		}
	}
}

// WithWALMessenger sets the operator console.
func WithWALMessenger(msg messenger.Messenger) WALOption {
	return func(s *WALCopy) {
		if msg != nil {
			s.msg = msg
		}
	}
}

// WALCopy is the PostgreSQL strategy: it copies the archived WAL segments
// written since the full backup, after proving they form an unbroken chain.
type WALCopy struct {
	source      WALSource
	recorder    *catalog.Recorder
	archiveDir  string
	segmentSize int64
	archiveWait time.Duration
	log         logger.Logger
	msg         messenger.Messenger
}

var _ Strategy = (*WALCopy)(nil)

// NewWALCopy returns a WAL-copy strategy reading the server through source.
func NewWALCopy(source WALSource, recorder *catalog.Recorder, opts ...WALOption) *WALCopy {
	s := &WALCopy{
		source:      source,
		recorder:    recorder,
		segmentSize: wal.DefaultSegmentSize,
		log:         logger.NewNop(),
		msg:         messenger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backup runs the differential. Missing preconditions (no full backup, no
// archive directory, no WAL bundle in the full backup) are returned before
// any record is created. Every later failure finalizes the record as
// failed, with Mode naming the failing check.
func (s *WALCopy) Backup(ctx context.Context, reader *catalog.Reader) (*catalog.Record, error) {
	full, err := reader.LastFull()
	if err != nil {
		s.msg.Error("No previous full backup found. Cannot perform differential backup.")
		return nil, err
	}
	if err := preflight.CheckArchiveDirectory(s.archiveDir); err != nil {
		return nil, err
	}
	base, err := s.baseSegment(full)
	if err != nil {
		return nil, err
	}
	version, err := s.source.Version(ctx)
	if err != nil {
		return nil, err
	}

	s.msg.Warning("Starting differential WAL backup...")
	rec := s.recorder.Start(catalog.StartOptions{
		Type:            catalog.TypeDifferential,
		Database:        reader.Database(),
		DatabaseType:    database.EnginePostgres,
		DatabaseVersion: version,
		UtilityVersion:  walUtility,
	})
	bind(rec, full)
	rec.LastBackupWALFile = base
	rec.WALArchiveDirectory = s.archiveDir

	f := finisher{recorder: s.recorder, log: s.log, msg: s.msg}
	return f.finish(rec, s.capture(ctx, rec, full))
}

func (s *WALCopy) baseSegment(full catalog.Record) (string, error) {
	bundle, err := WALBundlePath(full.BackupLocation)
	if err != nil {
		return "", &preflight.Error{
			Check:  "full backup wal",
			Reason: err.Error(),
			Remedy: "take a new full backup with method basebackup",
			Err:    err,
		}
	}
	base, err := LastBundledSegment(bundle)
	if err != nil {
		return "", &preflight.Error{
			Check:  "full backup wal",
			Reason: fmt.Sprintf("cannot read %s", bundle),
			Remedy: "take a new full backup",
			Err:    err,
		}
	}
	if base == "" {
		s.log.Warn("no wal segment in full backup bundle, assuming the first segment",
			"bundle", bundle, "segment", DefaultBaseSegment)
		s.msg.Warning("Could not determine last WAL file from full backup, using default")
		base = DefaultBaseSegment
	}
	return base, nil
}

func (s *WALCopy) capture(ctx context.Context, rec *catalog.Record, full catalog.Record) error {
	dir, err := prepareDir(full, rec)
	if err != nil {
		return err
	}
	rec.BackupLocation = dir

	lsn, current, err := s.source.CurrentWAL(ctx)
	if err != nil {
		return err
	}
	rec.CurrentLSN = lsn
	rec.CurrentWALFile = current
	base := rec.LastBackupWALFile

	s.msg.Info("Last full backup WAL file: %s", base)
	s.msg.Info("Current WAL LSN: %s", lsn)
	s.msg.Info("Current WAL file: %s", current)
	s.msg.Info("Archive directory: %s", s.archiveDir)

	if base >= current {
		s.msg.Warning("No new WAL files since last backup (database unchanged)")
		s.log.Info("no changes detected", "id", rec.ID, "base", base, "current", current)
		rec.Mode = catalog.ModeNoChanges
		return s.measure(rec)
	}

	switchLSN, err := s.source.SwitchWAL(ctx)
	if err != nil {
		return err
	}
	s.msg.Info("Switched WAL to LSN: %s", switchLSN)
	s.waitForArchive(ctx, current)

	archived, err := listArchive(s.archiveDir)
	if err != nil {
		return err
	}
	v, err := wal.NewValidator(archived, base, current, s.archiveDir,
		wal.WithSegmentSize(s.segmentSize),
		wal.WithLogger(s.log.With("id", rec.ID)),
	)
	if err != nil {
		return err
	}

	// A timeline change fails the chain even when nothing reached the
	// archive yet.
	if err := v.CheckTimeline(); err != nil {
		return s.invalid(rec, err)
	}
	segments := v.Range()
	if len(segments) == 0 {
		s.msg.Warning("No new WAL files in archive since last full backup")
		rec.Mode = catalog.ModeNoNewWAL
		_ = s.measure(rec)
		return fmt.Errorf("%w: nothing after %s in %s", ErrNoNewWAL, base, s.archiveDir)
	}
	if err := v.Validate(); err != nil {
		return s.invalid(rec, err)
	}

	s.msg.Info("Found %d new WAL files", len(segments))
	s.msg.Info("WAL range: %s → %s", segments[0], segments[len(segments)-1])
	copied, holes := copySegments(segments, s.archiveDir, dir, s.log)
	if len(holes) > 0 {
		rec.Mode = catalog.ModeSequenceGap
		_ = s.measure(rec)
		return &wal.ValidationError{Check: wal.ErrSequenceGap, Segment: holes[0], Reason: "segment could not be copied"}
	}
	s.msg.Success("Copied %d/%d WAL files to backup", copied, len(segments))

	rec.WALFilesCount = copied
	rec.FirstWALFile = segments[0]
	rec.LastWALFile = segments[len(segments)-1]
	rec.Mode = catalog.ModeWALBackup
	if err := s.measure(rec); err != nil {
		return err
	}
	s.msg.Info("Differential backup size: %s", messenger.Size(rec.Statistics.TotalSizeBytes))
	s.msg.Success("Differential backup completed: %s", dir)
	return nil
}

// invalid records the failed validation check on rec and returns err.
func (s *WALCopy) invalid(rec *catalog.Record, err error) error {
	rec.Mode = modeFor(err)
	s.msg.Error("WAL chain validation failed: %v", err)
	s.msg.Warning("Take a new full backup before the next differential.")
	_ = s.measure(rec)
	return err
}

// measure records the size of the differential directory.
func (s *WALCopy) measure(rec *catalog.Record) error {
	size, err := database.DiskUsage(rec.BackupLocation)
	if err != nil {
		return fmt.Errorf("measure %s: %w", rec.BackupLocation, err)
	}
	rec.Statistics.TotalSizeBytes = size
	return nil
}

// waitForArchive polls, with exponential backoff, until segment shows up in
// the archive or the archive wait elapses. Giving up is not an error: the
// sequence check reports the segment as missing.
func (s *WALCopy) waitForArchive(ctx context.Context, segment string) {
	if s.archiveWait <= 0 {
		return
	}
	target := filepath.Join(s.archiveDir, segment)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = s.archiveWait

	err := backoff.Retry(func() error {
		_, err := os.Stat(target)
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		s.log.Warn("segment not archived in time", "segment", segment, "wait", s.archiveWait.String(), "error", err)
	}
}

// modeFor maps a validation failure to the mode recorded on the record.
func modeFor(err error) catalog.Mode {
	switch {
	case errors.Is(err, wal.ErrTimelineMismatch):
		return catalog.ModeTimelineInvalid
	case errors.Is(err, wal.ErrSanity):
		return catalog.ModeSanityFailed
	default:
		return catalog.ModeSequenceGap
	}
}

// listArchive returns the names of the regular files in dir.
func listArchive(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list wal archive: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// copySegments copies each segment from src to dst. A segment that failed
// to copy and has no intact copy in dst is returned as a hole.
func copySegments(segments []string, src, dst string, log logger.Logger) (int, []string) {
	var (
		copied int
		holes  []string
	)
	for _, name := range segments {
		from := filepath.Join(src, name)
		to := filepath.Join(dst, name)
		if err := copyFile(from, to); err != nil {
			log.Error("failed to copy wal file", "segment", name, "error", err)
			if !intact(from, to) {
				holes = append(holes, name)
				continue
			}
		}
		copied++
	}
	return copied, holes
}

// copyFile copies src to dst through a temporary file, keeping the source
// modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// intact reports whether dst exists with the same size as src.
func intact(src, dst string) bool {
	s, err := os.Stat(src)
	if err != nil {
		return false
	}
	d, err := os.Stat(dst)
	return err == nil && d.Mode().IsRegular() && d.Size() == s.Size()
}
