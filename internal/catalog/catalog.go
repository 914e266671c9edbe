package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kebairia/diffback/internal/logger"
)

var (
	ErrNotJSON      = errors.New("catalog file must have a .json extension")
	ErrCorrupt      = errors.New("catalog file is corrupt")
	ErrNotFinalized = errors.New("record is still in progress")
	ErrDuplicateID  = errors.New("record id already in catalog")
)

const backupsKey = "backups"

type entry struct {
	raw    json.RawMessage
	record Record
}

// Catalog is the durable list of every backup attempt, stored as a single
// JSON document {"backups": [...]}. Reads are served from the snapshot
// loaded by Open.
//
// A Catalog assumes a single writer. Two processes adding records at the
// same time can lose one of the writes; nothing here locks the file.
type Catalog struct {
	path    string
	extra   map[string]json.RawMessage
	entries []entry
	log     logger.Logger
}

// Option customises a Catalog.
type Option func(*Catalog)

// WithLogger attaches a logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Catalog) {
		if log != nil {
			c.log = log
		}
	}
}

// Open loads the catalog at path. A missing file is an empty catalog; a
// file that cannot be read or parsed is an error.
func Open(path string, opts ...Option) (*Catalog, error) {
	if !strings.HasSuffix(path, ".json") {
		return nil, fmt.Errorf("%w: %q", ErrNotJSON, path)
	}
	c := &Catalog{
		path:  path,
		extra: map[string]json.RawMessage{},
		log:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c.log.Debug("catalog not found, starting empty", "path", path)
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %q: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %q is empty", ErrCorrupt, path)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCorrupt, path, err)
	}
	var raws []json.RawMessage
	if b, ok := doc[backupsKey]; ok {
		if err := json.Unmarshal(b, &raws); err != nil {
			return nil, fmt.Errorf("%w: %q: backups: %v", ErrCorrupt, path, err)
		}
		delete(doc, backupsKey)
	}
	c.extra = doc

	c.entries = make([]entry, 0, len(raws))
	for i, raw := range raws {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: %q: record %d: %v", ErrCorrupt, path, i, err)
		}
		c.entries = append(c.entries, entry{raw: raw, record: rec})
	}
	c.log.Debug("catalog loaded", "path", path, "records", len(c.entries))
	return c, nil
}

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }

// Add appends a finalized record and persists the catalog. Records already
// in the file are written back unchanged, unknown fields included.
func (c *Catalog) Add(rec *Record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	if rec.ID == "" {
		return errors.New("record has no id")
	}
	if !rec.Finalized() {
		return fmt.Errorf("%w: %s", ErrNotFinalized, rec.ID)
	}
	if _, ok := c.Get(rec.ID); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	c.entries = append(c.entries, entry{raw: raw, record: *rec})
	if err := c.save(); err != nil {
		c.entries = c.entries[:len(c.entries)-1]
		return err
	}
	c.log.Info("backup recorded", "id", rec.ID, "status", rec.Status)
	return nil
}

// save rewrites the whole document atomically.
func (c *Catalog) save() error {
	raws := make([]json.RawMessage, len(c.entries))
	for i, e := range c.entries {
		raws[i] = e.raw
	}
	doc := make(map[string]any, len(c.extra)+1)
	for k, v := range c.extra {
		doc[k] = v
	}
	doc[backupsKey] = raws

	if err := writeJSON(c.path, doc, "    "); err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	return nil
}

// Records returns a copy of every record in catalog order.
func (c *Catalog) Records() []Record {
	out := make([]Record, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.record
	}
	return out
}

// Len returns the number of records.
func (c *Catalog) Len() int { return len(c.entries) }

// Get looks a record up by id.
func (c *Catalog) Get(id string) (Record, bool) {
	for _, e := range c.entries {
		if e.record.ID == id {
			return e.record, true
		}
	}
	return Record{}, false
}

// latest returns the matching record with the greatest start time. Ties go
// to the earliest record in catalog order.
func (c *Catalog) latest(match func(*Record) bool) (Record, bool) {
	var (
		best  *Record
		found bool
	)
	for i := range c.entries {
		rec := &c.entries[i].record
		if !match(rec) {
			continue
		}
		if !found || rec.TimestampStart.After(best.TimestampStart.Time) {
			best, found = rec, true
		}
	}
	if !found {
		return Record{}, false
	}
	return *best, true
}

// LastBackup returns the most recently started record of any type or status.
func (c *Catalog) LastBackup() (Record, bool) {
	return c.latest(func(*Record) bool { return true })
}

// LastBackupOfType returns the most recently started completed record of
// the given type.
func (c *Catalog) LastBackupOfType(t Type) (Record, bool) {
	return c.latest(func(r *Record) bool {
		return r.Type == t && r.Status == StatusCompleted
	})
}

// LastFullBackup returns the completed full backup of database with the
// greatest start time. Failed and in-progress attempts never qualify.
func (c *Catalog) LastFullBackup(database string) (Record, bool) {
	return c.latest(func(r *Record) bool {
		return r.Type == TypeFull && r.Status == StatusCompleted && r.DatabaseName == database
	})
}

// Chain walks parent/base links back from id and returns the records
// oldest first, ending with id itself. An unknown id gives an empty chain;
// a record whose ancestor is missing gives a chain of one.
func (c *Catalog) Chain(id string) []Record {
	target, ok := c.Get(id)
	if !ok {
		return nil
	}
	chain := []Record{target}
	seen := map[string]bool{target.ID: true}
	for current := target; current.Ancestor() != ""; {
		ancestorID := current.Ancestor()
		if seen[ancestorID] {
			c.log.Warn("cycle in backup chain", "id", id, "at", ancestorID)
			break
		}
		parent, ok := c.Get(ancestorID)
		if !ok {
			break
		}
		seen[ancestorID] = true
		chain = append(chain, parent)
		current = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
