package operations

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ArchiveExt is appended to a backup directory name to form its archive.
const ArchiveExt = ".tar.zst"

// ErrUnsafePath is returned when an archive entry would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes target directory")

// ArchiveResult describes a written archive.
type ArchiveResult struct {
	Path         string
	OriginalSize int64
	ArchiveSize  int64
}

// ArchiveDirectory packs dir into {parent}/{name}.tar.zst. Entries are
// stored relative to the parent, so they unpack into a directory of the
// same name. dir itself is left in place.
func ArchiveDirectory(dir string) (ArchiveResult, error) {
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to stat backup directory: %w", err)
	}
	if !info.IsDir() {
		return ArchiveResult{}, fmt.Errorf("%s is not a directory", dir)
	}

	parent := filepath.Dir(dir)
	outputPath := dir + ArchiveExt
	tmpPath := outputPath + ".tmp"

	outFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmpPath)
	defer outFile.Close()

	// Create a Zstandard writer
	writer, err := zstd.NewWriter(outFile, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to create Zstandard writer: %w", err)
	}
	tw := tar.NewWriter(writer)

	var original int64
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.IsDir() && !fi.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(tw, f)
		original += n
		return err
	})
	if walkErr != nil {
		writer.Close()
		return ArchiveResult{}, fmt.Errorf("failed to archive %s: %w", dir, walkErr)
	}
	if err := tw.Close(); err != nil {
		writer.Close()
		return ArchiveResult{}, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := writer.Close(); err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to compress archive: %w", err)
	}
	if err := outFile.Sync(); err != nil {
		return ArchiveResult{}, err
	}
	if err := outFile.Close(); err != nil {
		return ArchiveResult{}, err
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return ArchiveResult{}, fmt.Errorf("failed to move archive into place: %w", err)
	}

	out, err := os.Stat(outputPath)
	if err != nil {
		return ArchiveResult{}, err
	}
	return ArchiveResult{Path: outputPath, OriginalSize: original, ArchiveSize: out.Size()}, nil
}

// ExtractArchive unpacks a .tar.zst archive into outputDir.
func ExtractArchive(archivePath, outputDir string) error {
	inFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer inFile.Close()

	reader, err := zstd.NewReader(inFile)
	if err != nil {
		return fmt.Errorf("failed to create Zstandard reader: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(outputDir, 0o700); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	root, err := filepath.Abs(outputDir)
	if err != nil {
		return err
	}

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", ErrUnsafePath, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
		}
	}
}

func extractFile(r io.Reader, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
