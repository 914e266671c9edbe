package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kebairia/diffback/internal/logger"
)

var (
	ErrTimelineMismatch = errors.New("wal timeline mismatch")
	ErrSequenceGap      = errors.New("wal sequence gap")
	ErrSanity           = errors.New("wal file sanity check failed")
)

// ValidationError reports which check failed and on which segment.
// Check is one of ErrTimelineMismatch, ErrSequenceGap or ErrSanity.
type ValidationError struct {
	Check   error
	Segment string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Segment == "" {
		return fmt.Sprintf("%v: %s", e.Check, e.Reason)
	}
	return fmt.Sprintf("%v at %s: %s", e.Check, e.Segment, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Check }

// Option customises a Validator.
type Option func(*Validator)

// WithSegmentSize overrides the 16 MiB default used by the file sanity check.
func WithSegmentSize(size int64) Option {
	return func(v *Validator) {
		if size > 0 {
			v.segmentSize = size
		}
	}
}

// WithLogger attaches a logger; validation is silent otherwise.
func WithLogger(log logger.Logger) Option {
	return func(v *Validator) {
		if log != nil {
			v.log = log
		}
	}
}

// Validator proves that the archived segments between the last segment of a
// full backup (base) and the segment current when the differential started
// form an unbroken chain on a single timeline. It never touches a database
// or the catalog.
type Validator struct {
	archived    []string
	base        string
	current     string
	dir         string
	segmentSize int64
	log         logger.Logger
}

// NewValidator sorts and normalises the archived names. base and current
// must be valid segment names; archived entries that are not segment names
// are ignored.
func NewValidator(archived []string, base, current, dir string, opts ...Option) (*Validator, error) {
	baseSeg, err := ParseSegment(base)
	if err != nil {
		return nil, fmt.Errorf("base segment: %w", err)
	}
	currentSeg, err := ParseSegment(current)
	if err != nil {
		return nil, fmt.Errorf("current segment: %w", err)
	}

	names := make([]string, 0, len(archived))
	for _, name := range archived {
		if IsSegmentName(name) {
			names = append(names, strings.ToUpper(name))
		}
	}
	sort.Strings(names)

	v := &Validator{
		archived:    names,
		base:        baseSeg.String(),
		current:     currentSeg.String(),
		dir:         dir,
		segmentSize: DefaultSegmentSize,
		log:         logger.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// inRange returns the archived names in (base, current], duplicates included.
func (v *Validator) inRange() []string {
	var out []string
	for _, name := range v.archived {
		if v.base < name && name <= v.current {
			out = append(out, name)
		}
	}
	return out
}

// Range returns the distinct archived segments in (base, current], sorted.
// These are the segments a differential backup copies.
func (v *Validator) Range() []string {
	var out []string
	for _, name := range v.inRange() {
		if len(out) == 0 || out[len(out)-1] != name {
			out = append(out, name)
		}
	}
	return out
}

// CheckTimeline fails when the current segment or any segment in range is
// on a different timeline than the base, which means a failover or promote
// happened after the full backup.
func (v *Validator) CheckTimeline() error {
	expected := Timeline(v.base)
	if got := Timeline(v.current); got != expected {
		v.log.Error("timeline conflict between full backup and current wal",
			"current", v.current, "timeline", got, "expected", expected)
		return &ValidationError{
			Check:   ErrTimelineMismatch,
			Segment: v.current,
			Reason:  fmt.Sprintf("current timeline %s, full backup timeline %s", got, expected),
		}
	}
	for _, name := range v.inRange() {
		if got := Timeline(name); got != expected {
			v.log.Error("archived wal on foreign timeline",
				"segment", name, "timeline", got, "expected", expected)
			return &ValidationError{
				Check:   ErrTimelineMismatch,
				Segment: name,
				Reason:  fmt.Sprintf("timeline %s, expected %s", got, expected),
			}
		}
	}
	return nil
}

// CheckSequence walks the expected segment forward from base and fails on
// the first segment that is neither archived nor on disk. Duplicates and
// names below the cursor are skipped. Segments missing between the last
// archived one and current are a gap too: an archiver that has not caught up
// yet is indistinguishable from a lost segment.
func (v *Validator) CheckSequence() error {
	baseSeg, _ := ParseSegment(v.base)
	expected := baseSeg.Next().String()

	for _, name := range v.inRange() {
		switch {
		case expected < name:
			return v.gap(expected, "segment missing from archive")
		case expected == name:
			if _, err := os.Stat(filepath.Join(v.dir, name)); err != nil {
				v.log.Error("wal listed but not on disk", "segment", name, "error", err)
				return &ValidationError{Check: ErrSequenceGap, Segment: name, Reason: "listed but not on disk"}
			}
			next, _ := NextName(expected)
			expected = next
		}
	}

	if expected <= v.current {
		return v.gap(expected, "archive ends before the current segment")
	}
	return nil
}

func (v *Validator) gap(segment, reason string) error {
	v.log.Error("detected gap in wal chain", "first_missing", segment, "reason", reason)
	return &ValidationError{Check: ErrSequenceGap, Segment: segment, Reason: reason}
}

// CheckFiles verifies every segment in range exists, has a positive size
// that is a whole multiple of the segment size, and reads end to end.
func (v *Validator) CheckFiles() error {
	buf := make([]byte, 1<<20)
	for _, name := range v.Range() {
		path := filepath.Join(v.dir, name)
		info, err := os.Stat(path)
		if err != nil {
			v.log.Error("cannot stat wal file", "segment", name, "error", err)
			return &ValidationError{Check: ErrSanity, Segment: name, Reason: err.Error()}
		}
		size := info.Size()
		if size <= 0 {
			return &ValidationError{Check: ErrSanity, Segment: name, Reason: "file is empty"}
		}
		if size%v.segmentSize != 0 {
			v.log.Error("wal file has unexpected size",
				"segment", name, "size", size, "segment_size", v.segmentSize)
			return &ValidationError{
				Check:   ErrSanity,
				Segment: name,
				Reason:  fmt.Sprintf("size %d is not a multiple of %d", size, v.segmentSize),
			}
		}
		if err := readAll(path, buf); err != nil {
			v.log.Error("cannot read wal file", "segment", name, "error", err)
			return &ValidationError{Check: ErrSanity, Segment: name, Reason: err.Error()}
		}
	}
	return nil
}

func readAll(path string, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyBuffer(io.Discard, f, buf)
	return err
}

// Validate runs the timeline, sequence and file checks in that order and
// returns the first failure.
func (v *Validator) Validate() error {
	if err := v.CheckTimeline(); err != nil {
		return err
	}
	if err := v.CheckSequence(); err != nil {
		return err
	}
	return v.CheckFiles()
}
