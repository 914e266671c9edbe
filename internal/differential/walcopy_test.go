package differential

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/diffback/internal/catalog"
	"github.com/kebairia/diffback/internal/database"
	"github.com/kebairia/diffback/internal/logger"
	"github.com/kebairia/diffback/internal/preflight"
	"github.com/kebairia/diffback/internal/wal"
)

const segSize = 64

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func seg(n string) string { return "00000001000000000000000" + n }

type fixture struct {
	root     string
	cat      *catalog.Catalog
	recorder *catalog.Recorder
	reader   *catalog.Reader
	full     catalog.Record
	archive  string
}

// newFixture catalogs a completed full backup of "shop" at
// {root}/backups/shop/full_... and creates an empty WAL archive.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cat, err := catalog.Open(filepath.Join(root, "backup_catalog.json"))
	require.NoError(t, err)

	fullDir := filepath.Join(root, "backups", "shop", "full_shop_20250301_100000_ab12")
	require.NoError(t, os.MkdirAll(fullDir, 0o700))
	full := catalog.Record{
		ID:             "full_shop_20250301_100000_ab12",
		Type:           catalog.TypeFull,
		DatabaseName:   "shop",
		DatabaseType:   database.EnginePostgres,
		Status:         catalog.StatusCompleted,
		TimestampStart: catalog.NewTimestamp(t0),
		TimestampEnd:   catalog.NewTimestamp(t0.Add(time.Minute)),
		BackupLocation: fullDir,
	}
	require.NoError(t, cat.Add(&full))

	archive := filepath.Join(root, "wal_archive")
	require.NoError(t, os.MkdirAll(archive, 0o700))

	return &fixture{
		root:     root,
		cat:      cat,
		recorder: catalog.NewRecorder(cat, nil),
		reader:   catalog.NewReader(cat, "shop", nil),
		full:     full,
		archive:  archive,
	}
}

// bundle writes base/pg_wal.tar.gz into the full backup holding names.
func (f *fixture) bundle(t *testing.T, names ...string) {
	t.Helper()
	dir := filepath.Join(f.full.BackupLocation, database.BaseDirname)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	writeBundle(t, filepath.Join(dir, database.WALBundle), names...)
}

func (f *fixture) archiveSegments(t *testing.T, size int, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(f.archive, name), make([]byte, size), 0o600))
	}
}

func writeBundle(t *testing.T, path string, names ...string) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "archive_status/", Typeflag: tar.TypeDir, Mode: 0o700}))
	for _, name := range names {
		body := make([]byte, segSize)
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o600, Size: int64(len(body))}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

type fakeWAL struct {
	lsn      string
	segment  string
	switches int
	onSwitch func()
	err      error
}

func (f *fakeWAL) Version(context.Context) (string, error) { return "16.2", nil }

func (f *fakeWAL) CurrentWAL(context.Context) (string, string, error) {
	return f.lsn, f.segment, f.err
}

func (f *fakeWAL) SwitchWAL(context.Context) (string, error) {
	f.switches++
	if f.onSwitch != nil {
		f.onSwitch()
	}
	return "0/6000000", nil
}

func (f *fixture) strategy(src WALSource, opts ...WALOption) *WALCopy {
	opts = append([]WALOption{
		WithArchiveDirectory(f.archive),
		WithSegmentSize(segSize),
	}, opts...)
	return NewWALCopy(src, f.recorder, opts...)
}

func TestWALCopy_CopiesArchivedRange(t *testing.T) {
	f := newFixture(t)
	f.bundle(t, seg("2"), seg("3"))
	f.archiveSegments(t, segSize, seg("2"), seg("3"), seg("4"), seg("5"), seg("6"))
	f.archiveSegments(t, 10, "00000002.history")
	src := &fakeWAL{lsn: "0/6000060", segment: seg("6")}

	rec, err := f.strategy(src).Backup(context.Background(), f.reader)
	require.NoError(t, err)

	assert.Equal(t, 1, src.switches)
	assert.Equal(t, catalog.StatusCompleted, rec.Status)
	assert.Equal(t, catalog.ModeWALBackup, rec.Mode)
	assert.Equal(t, 3, rec.WALFilesCount)
	assert.Equal(t, seg("4"), rec.FirstWALFile)
	assert.Equal(t, seg("6"), rec.LastWALFile)
	assert.Equal(t, seg("3"), rec.LastBackupWALFile)
	assert.Equal(t, seg("6"), rec.CurrentWALFile)
	assert.Equal(t, "0/6000060", rec.CurrentLSN)
	assert.Equal(t, f.full.ID, rec.BaseBackupID)
	assert.Equal(t, f.full.ID, rec.ParentBackupID)

	assert.Equal(t, filepath.Dir(f.full.BackupLocation), filepath.Dir(rec.BackupLocation))
	assert.True(t, strings.HasPrefix(filepath.Base(rec.BackupLocation), "differential_shop_"))
	assert.True(t, strings.HasSuffix(rec.BackupLocation, "_"+catalog.IDSuffix(rec.ID)))
	for _, name := range []string{seg("4"), seg("5"), seg("6")} {
		assert.FileExists(t, filepath.Join(rec.BackupLocation, name))
	}
	assert.NoFileExists(t, filepath.Join(rec.BackupLocation, seg("3")))

	ref, err := os.ReadFile(filepath.Join(rec.BackupLocation, BaseRefFilename))
	require.NoError(t, err)
	assert.Equal(t, f.full.ID, strings.TrimSpace(string(ref)))
	info, err := os.Stat(filepath.Join(rec.BackupLocation, BaseRefFilename))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	snap, err := catalog.LoadSnapshot(rec.BackupLocation)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, snap.Status)
	assert.Equal(t, rec.ID, snap.ID)

	chain, err := catalog.LoadChain(f.full.BackupLocation)
	require.NoError(t, err)
	require.Len(t, chain.Differentials, 1)
	assert.Equal(t, rec.ID, chain.Differentials[0].ID)
	assert.Equal(t, 3, chain.Differentials[0].WALFilesCount)

	got, ok := f.cat.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, catalog.StatusCompleted, got.Status)
	assert.Positive(t, got.Statistics.TotalSizeBytes)
}

func TestWALCopy_NoChanges(t *testing.T) {
	f := newFixture(t)
	f.bundle(t, seg("5"))
	src := &fakeWAL{lsn: "0/5000060", segment: seg("5")}

	rec, err := f.strategy(src).Backup(context.Background(), f.reader)
	require.NoError(t, err)

	assert.Zero(t, src.switches)
	assert.Equal(t, catalog.StatusCompleted, rec.Status)
	assert.Equal(t, catalog.ModeNoChanges, rec.Mode)
	assert.Zero(t, rec.WALFilesCount)
	assert.FileExists(t, filepath.Join(rec.BackupLocation, catalog.MetadataFilename))
}

func TestWALCopy_ValidationFailuresFailTheRecord(t *testing.T) {
	tests := []struct {
		name    string
		current string
		setup   func(t *testing.T, f *fixture)
		mode    catalog.Mode
		check   error
	}{
		{
			name:    "gap",
			current: seg("6"),
			setup: func(t *testing.T, f *fixture) {
				f.archiveSegments(t, segSize, seg("4"), seg("6"))
			},
			mode:  catalog.ModeSequenceGap,
			check: wal.ErrSequenceGap,
		},
		{
			name:    "current not archived",
			current: seg("6"),
			setup: func(t *testing.T, f *fixture) {
				f.archiveSegments(t, segSize, seg("4"), seg("5"))
			},
			mode:  catalog.ModeSequenceGap,
			check: wal.ErrSequenceGap,
		},
		{
			name:    "timeline",
			current: "000000020000000000000006",
			setup: func(t *testing.T, f *fixture) {
				f.archiveSegments(t, segSize, seg("4"))
			},
			mode:  catalog.ModeTimelineInvalid,
			check: wal.ErrTimelineMismatch,
		},
		{
			name:    "timeline, empty archive",
			current: "000000020000000000000006",
			setup:   func(*testing.T, *fixture) {},
			mode:    catalog.ModeTimelineInvalid,
			check:   wal.ErrTimelineMismatch,
		},
		{
			name:    "sanity",
			current: seg("6"),
			setup: func(t *testing.T, f *fixture) {
				f.archiveSegments(t, segSize, seg("4"), seg("6"))
				f.archiveSegments(t, 10, seg("5"))
			},
			mode:  catalog.ModeSanityFailed,
			check: wal.ErrSanity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.bundle(t, seg("3"))
			tt.setup(t, f)

			rec, err := f.strategy(&fakeWAL{segment: tt.current}).Backup(context.Background(), f.reader)
			require.ErrorIs(t, err, tt.check)
			var verr *wal.ValidationError
			assert.ErrorAs(t, err, &verr)

			require.NotNil(t, rec)
			assert.Equal(t, catalog.StatusFailed, rec.Status)
			assert.Equal(t, tt.mode, rec.Mode)
			assert.NotEmpty(t, rec.Error)

			got, ok := f.cat.Get(rec.ID)
			require.True(t, ok)
			assert.Equal(t, catalog.StatusFailed, got.Status)

			_, err = catalog.LoadChain(f.full.BackupLocation)
			assert.ErrorIs(t, err, os.ErrNotExist, "failed differentials stay out of the chain")

			last, ok := f.cat.LastFullBackup("shop")
			require.True(t, ok)
			assert.Equal(t, f.full.ID, last.ID)
		})
	}
}

func TestWALCopy_NoNewWAL(t *testing.T) {
	f := newFixture(t)
	f.bundle(t, seg("3"))
	f.archiveSegments(t, segSize, seg("2"), seg("3"))

	rec, err := f.strategy(&fakeWAL{segment: seg("5")}).Backup(context.Background(), f.reader)
	require.ErrorIs(t, err, ErrNoNewWAL)
	assert.Equal(t, catalog.ModeNoNewWAL, rec.Mode)
	assert.Equal(t, catalog.StatusFailed, rec.Status)
}

func TestWALCopy_WaitsForSwitchedSegment(t *testing.T) {
	f := newFixture(t)
	f.bundle(t, seg("3"))
	f.archiveSegments(t, segSize, seg("4"))
	src := &fakeWAL{segment: seg("5")}
	src.onSwitch = func() {
		go func() {
			time.Sleep(100 * time.Millisecond)
			tmp := filepath.Join(f.root, "incoming")
			_ = os.WriteFile(tmp, make([]byte, segSize), 0o600)
			_ = os.Rename(tmp, filepath.Join(f.archive, seg("5")))
		}()
	}

	rec, err := f.strategy(src, WithArchiveWait(10*time.Second)).Backup(context.Background(), f.reader)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.WALFilesCount)
}

func TestWALCopy_EmptyBundleAssumesFirstSegment(t *testing.T) {
	f := newFixture(t)
	f.bundle(t)
	f.archiveSegments(t, segSize, seg("2"), seg("3"))

	rec, err := f.strategy(&fakeWAL{segment: seg("3")}).Backup(context.Background(), f.reader)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseSegment, rec.LastBackupWALFile)
	assert.Equal(t, 2, rec.WALFilesCount)
}

func TestWALCopy_PreconditionsLeaveCatalogUntouched(t *testing.T) {
	t.Run("no full backup", func(t *testing.T) {
		f := newFixture(t)
		reader := catalog.NewReader(f.cat, "billing", nil)

		rec, err := f.strategy(&fakeWAL{segment: seg("5")}).Backup(context.Background(), reader)
		assert.Nil(t, rec)
		assert.ErrorIs(t, err, catalog.ErrNoFullBackup)
		assert.Equal(t, 1, f.cat.Len())
	})

	t.Run("no archive directory", func(t *testing.T) {
		f := newFixture(t)
		f.bundle(t, seg("3"))
		s := f.strategy(&fakeWAL{segment: seg("5")}, WithArchiveDirectory(filepath.Join(f.root, "missing")))

		_, err := s.Backup(context.Background(), f.reader)
		assert.True(t, preflight.IsError(err))
		assert.Equal(t, 1, f.cat.Len())
	})

	t.Run("full backup without wal bundle", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.strategy(&fakeWAL{segment: seg("5")}).Backup(context.Background(), f.reader)
		assert.ErrorIs(t, err, ErrNoWALBundle)
		assert.True(t, preflight.IsError(err))
		assert.Equal(t, 1, f.cat.Len())

		entries, err := os.ReadDir(filepath.Dir(f.full.BackupLocation))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no differential directory created")
	})
}

func TestWALCopy_ServerErrorFailsRecord(t *testing.T) {
	f := newFixture(t)
	f.bundle(t, seg("3"))
	boom := errors.New("connection reset")

	rec, err := f.strategy(&fakeWAL{err: boom}).Backup(context.Background(), f.reader)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, catalog.StatusFailed, rec.Status)
	assert.Equal(t, "connection reset", rec.Error)
}

func TestCopySegments_ReportsHoles(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, seg("4")), make([]byte, segSize), 0o600))

	copied, holes := copySegments([]string{seg("4"), seg("5")}, src, dst, logger.NewNop())
	assert.Equal(t, 1, copied)
	assert.Equal(t, []string{seg("5")}, holes)
	assert.NoFileExists(t, filepath.Join(dst, seg("4")+".partial"))
}

func TestLastBundledSegment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, database.WALBundle)
	writeBundle(t, path, seg("7"), "00000001.history", seg("9"), seg("8"))

	got, err := LastBundledSegment(path)
	require.NoError(t, err)
	assert.Equal(t, seg("9"), got)

	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0o600))
	_, err = LastBundledSegment(path)
	assert.Error(t, err)
}

func TestWALBundlePath_FallsBackToBackupRoot(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, filepath.Join(dir, database.WALBundle))

	got, err := WALBundlePath(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, database.WALBundle), got)
}
