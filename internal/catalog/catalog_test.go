package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func catalogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "backup_catalog.json")
}

func completed(id string, typ Type, db string, start time.Time) *Record {
	return &Record{
		ID:             id,
		Type:           typ,
		DatabaseName:   db,
		TimestampStart: NewTimestamp(start),
		TimestampEnd:   NewTimestamp(start.Add(time.Minute)),
		Status:         StatusCompleted,
	}
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	cat, err := Open(catalogPath(t))
	require.NoError(t, err)
	assert.Zero(t, cat.Len())
	_, ok := cat.LastBackup()
	assert.False(t, ok)
}

func TestOpen_RejectsNonJSONPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "catalog.yaml"))
	assert.ErrorIs(t, err, ErrNotJSON)
}

func TestOpen_CorruptFileFailsFast(t *testing.T) {
	for name, content := range map[string]string{
		"garbage":     "{not json",
		"empty":       "",
		"bad backups": `{"backups": {"id": "x"}}`,
		"bad record":  `{"backups": [{"id": 7}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := catalogPath(t)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			_, err := Open(path)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestAdd_PersistsAndReloads(t *testing.T) {
	path := catalogPath(t)
	cat, err := Open(path)
	require.NoError(t, err)

	rec := completed("full_shop_20250301_100000_ab12", TypeFull, "shop", t0)
	rec.Tables = Tables{"orders": {RowsCount: 10, FileSizeBytes: 100}}
	require.NoError(t, cat.Add(rec))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := Open(path)
	require.NoError(t, err)
	got, ok := reopened.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "shop", got.DatabaseName)
	assert.True(t, t0.Equal(got.TimestampStart.Time))
	assert.Equal(t, int64(10), got.Tables["orders"].RowsCount)
}

func TestAdd_RejectsInProgressAndDuplicates(t *testing.T) {
	cat, err := Open(catalogPath(t))
	require.NoError(t, err)

	running := completed("full_shop_1", TypeFull, "shop", t0)
	running.Status = StatusInProgress
	assert.ErrorIs(t, cat.Add(running), ErrNotFinalized)

	rec := completed("full_shop_2", TypeFull, "shop", t0)
	require.NoError(t, cat.Add(rec))
	assert.ErrorIs(t, cat.Add(rec), ErrDuplicateID)
	assert.Equal(t, 1, cat.Len())
}

func TestAdd_KeepsUnknownFields(t *testing.T) {
	path := catalogPath(t)
	legacy := `{
  "owner": "ops",
  "backups": [
    {"id": "full_shop_old", "type": "full", "database_name": "shop",
     "timestamp_start": "2024-01-01T08:00:00", "status": "completed",
     "compress_format": "zip", "tables": ["a", "b"]}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	cat, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, cat.Add(completed("full_shop_new", TypeFull, "shop", t0)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Owner   string           `json:"owner"`
		Backups []map[string]any `json:"backups"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "ops", doc.Owner)
	require.Len(t, doc.Backups, 2)
	assert.Equal(t, "zip", doc.Backups[0]["compress_format"])
	assert.Equal(t, "2024-01-01T08:00:00", doc.Backups[0]["timestamp_start"])
}

func TestLastFullBackup_SkipsFailedAndOtherDatabases(t *testing.T) {
	cat, err := Open(catalogPath(t))
	require.NoError(t, err)

	t1 := completed("full_shop_t1", TypeFull, "shop", t0)
	t2 := completed("full_shop_t2", TypeFull, "shop", t0.Add(time.Hour))
	t2.Status = StatusFailed
	t3 := completed("full_shop_t3", TypeFull, "shop", t0.Add(2*time.Hour))
	other := completed("full_blog_t4", TypeFull, "blog", t0.Add(3*time.Hour))
	for _, rec := range []*Record{t1, t2, t3, other} {
		require.NoError(t, cat.Add(rec))
	}

	got, ok := cat.LastFullBackup("shop")
	require.True(t, ok)
	assert.Equal(t, "full_shop_t3", got.ID)

	_, ok = cat.LastFullBackup("missing")
	assert.False(t, ok)
}

func TestLastFullBackup_NeverPicksFailedEvenIfNewer(t *testing.T) {
	cat, err := Open(catalogPath(t))
	require.NoError(t, err)

	t1 := completed("full_shop_t1", TypeFull, "shop", t0)
	t2 := completed("full_shop_t2", TypeFull, "shop", t0.Add(time.Hour))
	t2.Status = StatusFailed
	require.NoError(t, cat.Add(t1))
	require.NoError(t, cat.Add(t2))

	got, ok := cat.LastFullBackup("shop")
	require.True(t, ok)
	assert.Equal(t, "full_shop_t1", got.ID)
}

func TestLastFullBackup_TieGoesToCatalogOrder(t *testing.T) {
	cat, err := Open(catalogPath(t))
	require.NoError(t, err)
	require.NoError(t, cat.Add(completed("full_shop_first", TypeFull, "shop", t0)))
	require.NoError(t, cat.Add(completed("full_shop_second", TypeFull, "shop", t0)))

	got, ok := cat.LastFullBackup("shop")
	require.True(t, ok)
	assert.Equal(t, "full_shop_first", got.ID)
}

func TestLastBackupOfType(t *testing.T) {
	cat, err := Open(catalogPath(t))
	require.NoError(t, err)

	part := completed("partial_shop_1", TypePartial, "shop", t0)
	failed := completed("partial_shop_2", TypePartial, "shop", t0.Add(time.Hour))
	failed.Status = StatusFailed
	require.NoError(t, cat.Add(part))
	require.NoError(t, cat.Add(failed))

	got, ok := cat.LastBackupOfType(TypePartial)
	require.True(t, ok)
	assert.Equal(t, "partial_shop_1", got.ID)

	last, ok := cat.LastBackup()
	require.True(t, ok)
	assert.Equal(t, "partial_shop_2", last.ID)

	_, ok = cat.LastBackupOfType(TypeDifferential)
	assert.False(t, ok)
}

func TestChain(t *testing.T) {
	cat, err := Open(catalogPath(t))
	require.NoError(t, err)

	full := completed("full_shop_1", TypeFull, "shop", t0)
	diff := completed("differential_shop_2", TypeDifferential, "shop", t0.Add(time.Hour))
	diff.BaseBackupID = full.ID
	orphan := completed("differential_shop_3", TypeDifferential, "shop", t0.Add(2*time.Hour))
	orphan.BaseBackupID = "full_shop_gone"
	for _, rec := range []*Record{full, diff, orphan} {
		require.NoError(t, cat.Add(rec))
	}

	chain := cat.Chain(diff.ID)
	require.Len(t, chain, 2)
	assert.Equal(t, full.ID, chain[0].ID)
	assert.Equal(t, diff.ID, chain[1].ID)
	assert.Equal(t, TypeFull, chain[0].Type)

	single := cat.Chain(orphan.ID)
	require.Len(t, single, 1)
	assert.Equal(t, orphan.ID, single[0].ID)

	assert.Empty(t, cat.Chain("nope"))
}

func TestChain_StopsOnCycle(t *testing.T) {
	cat, err := Open(catalogPath(t))
	require.NoError(t, err)

	a := completed("a", TypeDifferential, "shop", t0)
	a.ParentBackupID = "b"
	b := completed("b", TypeDifferential, "shop", t0)
	b.ParentBackupID = "a"
	require.NoError(t, cat.Add(a))
	require.NoError(t, cat.Add(b))

	chain := cat.Chain("a")
	require.Len(t, chain, 2)
	assert.Equal(t, "b", chain[0].ID)
	assert.Equal(t, "a", chain[1].ID)
}
