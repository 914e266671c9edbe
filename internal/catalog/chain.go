package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	ChainDirname  = "differentials"
	ChainFilename = "chain.json"
)

// ChainFile lives beside a full backup and lists every differential taken
// against it, oldest first. Entries are only ever appended.
type ChainFile struct {
	FullBackupID   string       `json:"full_backup_id"`
	FullBackupTime Timestamp    `json:"full_backup_time"`
	Differentials  []ChainEntry `json:"differentials"`
}

// ChainEntry describes one differential run.
type ChainEntry struct {
	ID            string    `json:"id"`
	Timestamp     Timestamp `json:"timestamp"`
	WALFilesCount int       `json:"wal_files_count"`
	SizeBytes     int64     `json:"size_bytes"`
	CurrentLSN    string    `json:"current_lsn,omitempty"`
}

// ChainPath returns the chain file location for a full backup directory.
func ChainPath(fullLocation string) string {
	return filepath.Join(fullLocation, ChainDirname, ChainFilename)
}

// InitChain creates an empty chain file for a full backup. An existing
// chain file is left alone.
func InitChain(full *Record) error {
	if full.BackupLocation == "" {
		return fmt.Errorf("full backup %s has no location", full.ID)
	}
	path := ChainPath(full.BackupLocation)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	chain := ChainFile{
		FullBackupID:   full.ID,
		FullBackupTime: full.TimestampStart,
		Differentials:  []ChainEntry{},
	}
	if err := writeJSON(path, chain, "  "); err != nil {
		return fmt.Errorf("init chain file: %w", err)
	}
	return nil
}

// LoadChain reads the chain file of the full backup at fullLocation.
func LoadChain(fullLocation string) (*ChainFile, error) {
	var chain ChainFile
	if err := readJSON(ChainPath(fullLocation), &chain); err != nil {
		return nil, fmt.Errorf("load chain file: %w", err)
	}
	return &chain, nil
}

// AppendChain adds entry to the chain file of full, creating the file if it
// does not exist yet.
func AppendChain(full *Record, entry ChainEntry) error {
	if full.BackupLocation == "" {
		return fmt.Errorf("full backup %s has no location", full.ID)
	}
	chain, err := LoadChain(full.BackupLocation)
	switch {
	case errors.Is(err, os.ErrNotExist):
		chain = &ChainFile{FullBackupID: full.ID, FullBackupTime: full.TimestampStart}
	case err != nil:
		return err
	}
	chain.Differentials = append(chain.Differentials, entry)
	if err := writeJSON(ChainPath(full.BackupLocation), chain, "  "); err != nil {
		return fmt.Errorf("append chain file: %w", err)
	}
	return nil
}

// EntryFor builds the chain entry for a finalized differential.
func EntryFor(diff *Record) ChainEntry {
	return ChainEntry{
		ID:            diff.ID,
		Timestamp:     diff.TimestampStart,
		WALFilesCount: diff.WALFilesCount,
		SizeBytes:     diff.Statistics.TotalSizeBytes,
		CurrentLSN:    diff.CurrentLSN,
	}
}
