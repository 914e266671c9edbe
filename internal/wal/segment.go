package wal

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// SegmentsPerLog is the number of segments before the log field advances.
	SegmentsPerLog = 0x100
	// LogsPerTimeline is the number of logs before the timeline field advances.
	LogsPerTimeline = 0x100000000

	// DefaultSegmentSize is the stock PostgreSQL WAL segment size.
	DefaultSegmentSize int64 = 16 * 1024 * 1024

	nameLength = 24
)

// Segment identifies a WAL segment file: timeline, log and segment number,
// rendered as three fixed-width 8 digit hex fields.
type Segment struct {
	Timeline uint32
	Log      uint32
	Seg      uint32
}

// ParseSegment parses a 24 character WAL file name.
func ParseSegment(name string) (Segment, error) {
	if len(name) != nameLength {
		return Segment{}, fmt.Errorf("wal segment %q: want %d hex characters, got %d", name, nameLength, len(name))
	}
	var fields [3]uint32
	for i := range fields {
		v, err := strconv.ParseUint(name[i*8:(i+1)*8], 16, 32)
		if err != nil {
			return Segment{}, fmt.Errorf("wal segment %q: %w", name, err)
		}
		fields[i] = uint32(v)
	}
	return Segment{Timeline: fields[0], Log: fields[1], Seg: fields[2]}, nil
}

// IsSegmentName reports whether name looks like a WAL segment file, excluding
// .history, .partial and .backup companions.
func IsSegmentName(name string) bool {
	_, err := ParseSegment(name)
	return err == nil
}

// String renders the canonical upper-case file name.
func (s Segment) String() string {
	return fmt.Sprintf("%08X%08X%08X", s.Timeline, s.Log, s.Seg)
}

// TimelineID returns the 8 digit timeline prefix.
func (s Segment) TimelineID() string {
	return fmt.Sprintf("%08X", s.Timeline)
}

// Next returns the segment that follows s.
func (s Segment) Next() Segment {
	seg := uint64(s.Seg) + 1
	log := uint64(s.Log)
	tli := s.Timeline
	if seg >= SegmentsPerLog {
		seg = 0
		log++
		if log >= LogsPerTimeline {
			log = 0
			tli++
		}
	}
	return Segment{Timeline: tli, Log: uint32(log), Seg: uint32(seg)}
}

// Compare orders segments the same way their file names sort.
func (s Segment) Compare(o Segment) int {
	return strings.Compare(s.String(), o.String())
}

// NextName is Next for a file name.
func NextName(name string) (string, error) {
	seg, err := ParseSegment(name)
	if err != nil {
		return "", err
	}
	return seg.Next().String(), nil
}

// Timeline returns the timeline prefix of a segment file name.
func Timeline(name string) string {
	if len(name) < 8 {
		return name
	}
	return strings.ToUpper(name[:8])
}
