package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSegment(t *testing.T) {
	seg, err := ParseSegment("0000000200000A1F000000FE")
	require.NoError(t, err)
	assert.Equal(t, Segment{Timeline: 2, Log: 0xA1F, Seg: 0xFE}, seg)
	assert.Equal(t, "00000002", seg.TimelineID())

	lower, err := ParseSegment("0000000200000a1f000000fe")
	require.NoError(t, err)
	assert.Equal(t, "0000000200000A1F000000FE", lower.String())
}

func TestParseSegment_Rejects(t *testing.T) {
	for _, name := range []string{
		"",
		"00000001000000000000000",
		"000000010000000000000001.partial",
		"00000002.history",
		"0000000100000000000000ZZ",
	} {
		_, err := ParseSegment(name)
		assert.Error(t, err, name)
		assert.False(t, IsSegmentName(name), name)
	}
}

func TestNext_RollsSegmentIntoLog(t *testing.T) {
	seg, err := ParseSegment("0000000100000003000000FE")
	require.NoError(t, err)

	for i := 0; i < 256; i++ {
		seg = seg.Next()
	}
	assert.Equal(t, "0000000100000004000000FE", seg.String())

	start, _ := ParseSegment("0000000100000003000000FE")
	assert.Equal(t, "0000000100000003000000FF", start.Next().String())
	assert.Equal(t, "000000010000000400000000", start.Next().Next().String())
}

func TestNext_RollsLogIntoTimeline(t *testing.T) {
	seg, err := ParseSegment("00000000FFFFFFFF000000FF")
	require.NoError(t, err)
	assert.Equal(t, "000000010000000000000000", seg.Next().String())
}

func TestNext_FullTimelineWrapsFromZero(t *testing.T) {
	// 0x100 * 0x100000000 steps from zero: one full timeline. Walk it in
	// closed form: every 0x100 steps advance the log once.
	seg := Segment{}
	seg.Log = LogsPerTimeline - 1
	for i := 0; i < SegmentsPerLog; i++ {
		seg = seg.Next()
	}
	assert.Equal(t, "000000010000000000000000", seg.String())
}

func TestNextName(t *testing.T) {
	next, err := NextName("000000010000000000000009")
	require.NoError(t, err)
	assert.Equal(t, "00000001000000000000000A", next)

	_, err = NextName("bogus")
	assert.Error(t, err)
}

func TestCompareMatchesNameOrder(t *testing.T) {
	a, _ := ParseSegment("000000010000000000000009")
	b, _ := ParseSegment("00000001000000000000000A")
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, "00000001", Timeline("000000010000000000000009"))
}
