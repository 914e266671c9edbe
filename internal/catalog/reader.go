package catalog

import (
	"errors"
	"sort"
	"time"

	"github.com/kebairia/diffback/internal/logger"
)

// ErrNoFullBackup means the database has no completed full backup: a
// differential is impossible until one is taken. It is not retryable.
var ErrNoFullBackup = errors.New("no completed full backup")

// Reader is a read-only view of the catalog scoped to one database.
type Reader struct {
	catalog  *Catalog
	database string
	log      logger.Logger
}

// NewReader scopes cat to database.
func NewReader(cat *Catalog, database string, log logger.Logger) *Reader {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reader{catalog: cat, database: database, log: log.With("database", database)}
}

// Database returns the database the reader is scoped to.
func (r *Reader) Database() string { return r.database }

// LastFull returns the last completed full backup of the database.
func (r *Reader) LastFull() (Record, error) {
	rec, ok := r.catalog.LastFullBackup(r.database)
	if !ok {
		r.log.Debug("no full backup found")
		return Record{}, ErrNoFullBackup
	}
	r.log.Debug("last full backup", "id", rec.ID)
	return rec, nil
}

// LastFullTimestamp returns when the last full backup started, in UTC.
func (r *Reader) LastFullTimestamp() (time.Time, error) {
	rec, err := r.LastFull()
	if err != nil {
		return time.Time{}, err
	}
	return rec.TimestampStart.UTC(), nil
}

// LastFullTables returns the sorted table names captured by the last full
// backup.
func (r *Reader) LastFullTables() ([]string, error) {
	rec, err := r.LastFull()
	if err != nil {
		return nil, err
	}
	return rec.Tables.Names(), nil
}

// LastFullLocation returns where the last full backup is stored.
func (r *Reader) LastFullLocation() (string, error) {
	rec, err := r.LastFull()
	if err != nil {
		return "", err
	}
	return rec.BackupLocation, nil
}

// History returns up to limit records of the database, newest first. A
// limit <= 0 returns all of them.
func (r *Reader) History(limit int) []Record {
	var out []Record
	for _, rec := range r.catalog.Records() {
		if rec.DatabaseName == r.database {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampStart.After(out[j].TimestampStart.Time)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
