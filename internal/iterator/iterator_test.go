package iterator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// sliceSource adapts a plain slice of entries into a Source, for tests.
type sliceSource struct {
	entries []Entry
	pos     int
	closed  bool
}

func newSliceSource(entries []Entry) *sliceSource {
	return &sliceSource{entries: entries}
}

func (s *sliceSource) Valid() bool { return s.pos < len(s.entries) }
func (s *sliceSource) Next() Entry {
	e := s.entries[s.pos]
	s.pos++
	return e
}
func (s *sliceSource) Close() { s.closed = true }

func TestMerger_NewestWinsOnDuplicateKeys(t *testing.T) {
	newest := newSliceSource([]Entry{{Key: 1, Value: 100}, {Key: 3, Value: 300}})
	oldest := newSliceSource([]Entry{{Key: 1, Value: 1}, {Key: 2, Value: 2}, {Key: 3, Value: 3}})

	m := New([]Source{newest, oldest}, false)

	var got []Entry
	for m.Valid() {
		got = append(got, m.Next())
	}
	m.Close()

	require.Equal(t, []Entry{
		{Key: 1, Value: 100},
		{Key: 2, Value: 2},
		{Key: 3, Value: 300},
	}, got)
	require.True(t, newest.closed)
	require.True(t, oldest.closed)
}

func TestMerger_SuppressesTombstonesWhenAsked(t *testing.T) {
	a := newSliceSource([]Entry{{Key: 1, Value: TombstoneValue}, {Key: 2, Value: 2}})
	b := newSliceSource([]Entry{{Key: 1, Value: 1}})

	m := New([]Source{a, b}, true)
	var got []Entry
	for m.Valid() {
		got = append(got, m.Next())
	}

	require.Equal(t, []Entry{{Key: 2, Value: 2}}, got)
}

func TestMerger_PreservesTombstonesWhenNotSuppressing(t *testing.T) {
	a := newSliceSource([]Entry{{Key: 1, Value: TombstoneValue}})
	b := newSliceSource([]Entry{{Key: 1, Value: 1}})

	m := New([]Source{a, b}, false)
	require.True(t, m.Valid())
	require.Equal(t, Entry{Key: 1, Value: TombstoneValue}, m.Next())
	require.False(t, m.Valid())
}

func TestMerger_ManyWaySortedOutput(t *testing.T) {
	s1 := newSliceSource([]Entry{{Key: 0, Value: 0}, {Key: 3, Value: 3}, {Key: 6, Value: 6}})
	s2 := newSliceSource([]Entry{{Key: 1, Value: 1}, {Key: 4, Value: 4}, {Key: 7, Value: 7}})
	s3 := newSliceSource([]Entry{{Key: 2, Value: 2}, {Key: 5, Value: 5}, {Key: 8, Value: 8}})

	m := New([]Source{s1, s2, s3}, false)
	var keys []uint64
	for m.Valid() {
		keys = append(keys, m.Next().Key)
	}

	require.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8}, keys)
}
