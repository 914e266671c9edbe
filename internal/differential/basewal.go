package differential

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/kebairia/diffback/internal/database"
	"github.com/kebairia/diffback/internal/wal"
)

// DefaultBaseSegment is assumed when a full backup's WAL bundle holds no
// segment at all.
const DefaultBaseSegment = "000000010000000000000001"

// ErrNoWALBundle means the full backup has no pg_wal.tar.gz, e.g. because
// it was taken with pg_dump.
var ErrNoWALBundle = errors.New("full backup has no wal bundle")

// WALBundlePath locates pg_wal.tar.gz inside a full backup: next to
// base.tar.gz first, then at the top of the backup directory.
func WALBundlePath(fullLocation string) (string, error) {
	candidates := []string{
		filepath.Join(fullLocation, database.BaseDirname, database.WALBundle),
		filepath.Join(fullLocation, database.WALBundle),
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: looked in %s", ErrNoWALBundle, fullLocation)
}

// LastBundledSegment returns the newest WAL segment stored in bundle, or ""
// when it holds none. History and partial files are skipped.
func LastBundledSegment(bundle string) (string, error) {
	f, err := os.Open(bundle)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", bundle, err)
	}
	defer gz.Close()

	var last string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", bundle, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.ToUpper(path.Base(hdr.Name))
		if wal.IsSegmentName(name) && name > last {
			last = name
		}
	}
	return last, nil
}
