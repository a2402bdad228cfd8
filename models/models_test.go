package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNumChunks(t *testing.T) {
	var table = []struct {
		size int64
		want int
	}{
		{0, 0},
		{1, 1},
		{ChunkSize, 1},
		{ChunkSize + 1, 2},
		{2*ChunkSize + 1, 3},
		{3 * ChunkSize, 3},
	}

	for _, tt := range table {
		require.Equal(t, tt.want, NumChunks(tt.size), "size %d", tt.size)
	}
}

func TestChunkLen(t *testing.T) {
	size := int64(2*ChunkSize + 1)
	require.Equal(t, int64(ChunkSize), ChunkLen(size, 0))
	require.Equal(t, int64(ChunkSize), ChunkLen(size, 1))
	require.Equal(t, int64(1), ChunkLen(size, 2))
}

func TestMaxWorkers(t *testing.T) {
	var table = []struct {
		score   float64
		divider float64
		want    int
	}{
		{0, 1000, 2},
		{999, 1000, 2},
		{1000, 1000, 3},
		{3500, 1000, 5},
		{1e9, 1000, 15},
		{500, 0, 2},
	}

	for _, tt := range table {
		require.Equal(t, tt.want, MaxWorkers(tt.score, tt.divider))
	}
}

func TestScoreAccumulationIsMonotonic(t *testing.T) {
	var s PeerScore
	s.Add(Metrics{Seconds: 60, ChunksServed: 3})
	s.Add(Metrics{Seconds: -10, ChunksServed: -1})
	s.Add(Metrics{Seconds: 60})

	require.Equal(t, int64(120), s.Seconds)
	require.Equal(t, int64(3), s.ChunksServed)

	w := ScoreWeights{Time: 1, Chunks: 10}
	require.Equal(t, float64(120+30), w.Score(s))
}

func TestMessageHashIsCanonical(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m1 := NewMessage("r1", "alice", "oi", at)
	m2 := NewMessage("r1", "alice", "oi", at)
	m3 := NewMessage("r1", "alice", "oi", at.Add(time.Nanosecond))

	require.Equal(t, m1.Hash, m2.Hash)
	require.NotEqual(t, m1.Hash, m3.Hash)
	require.True(t, m1.Hash.Valid())
}

func TestMergeMessagesConverges(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m1 := NewMessage("r", "a", "first", base)
	m2 := NewMessage("r", "b", "second", base.Add(time.Second))
	m3 := NewMessage("r", "c", "third", base.Add(2*time.Second))

	left := []Message{m1, m3}
	right := []Message{m2, m1}

	merged, changed := MergeMessages(append([]Message(nil), left...), right)
	require.True(t, changed)
	require.Equal(t, []Message{m1, m2, m3}, merged)

	// Merging the other way yields the same journal.
	other, _ := MergeMessages(append([]Message(nil), right...), left)
	require.Equal(t, merged, other)

	// Re-merging is a no-op.
	again, changed := MergeMessages(merged, right)
	require.False(t, changed)
	require.Equal(t, merged, again)
}

func TestMergeMessagesBreaksTimestampTiesByHash(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m1 := NewMessage("r", "a", "x", at)
	m2 := NewMessage("r", "b", "y", at)

	merged, _ := MergeMessages([]Message{m2}, []Message{m1})
	require.Len(t, merged, 2)
	require.True(t, merged[0].Hash < merged[1].Hash)
}

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("hello"))
	require.True(t, h.Valid())
	require.Equal(t, Hash("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"), h)
}
