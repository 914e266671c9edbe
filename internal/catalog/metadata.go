package catalog

import (
	"fmt"
	"path/filepath"
)

const MetadataFilename = "metadata.json"

// WriteSnapshot mirrors rec into dir/metadata.json so a backup directory
// stays self-describing without the catalog.
func WriteSnapshot(dir string, rec *Record) error {
	path := filepath.Join(dir, MetadataFilename)
	if err := writeJSON(path, rec, "  "); err != nil {
		return fmt.Errorf("write metadata snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads dir/metadata.json.
func LoadSnapshot(dir string) (*Record, error) {
	var rec Record
	if err := readJSON(filepath.Join(dir, MetadataFilename), &rec); err != nil {
		return nil, fmt.Errorf("load metadata snapshot: %w", err)
	}
	return &rec, nil
}
