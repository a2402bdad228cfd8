package swarm

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedline/seedline/models"
)

// testBlob builds a deterministic payload spanning the given number of whole
// chunks plus a short tail.
func testBlob(chunks int, tail int) []byte {
	b := make([]byte, chunks*models.ChunkSize+tail)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func writeShared(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, data, 0o644))
	return path
}

func TestChunkFile(t *testing.T) {
	dir := t.TempDir()
	data := testBlob(2, 1234)
	path := writeShared(t, dir, "blob.bin", data)

	meta, err := ChunkFile(path)
	require.NoError(t, err)
	require.Equal(t, "blob.bin", meta.Name)
	require.Equal(t, int64(len(data)), meta.Size)
	require.Equal(t, models.HashBytes(data), meta.Hash)
	require.Len(t, meta.ChunkHashes, 3)
	require.Equal(t, models.HashBytes(data[:models.ChunkSize]), meta.ChunkHashes[0])
	require.Equal(t, models.HashBytes(data[2*models.ChunkSize:]), meta.ChunkHashes[2])
}

func TestStoreIndexesSharedDir(t *testing.T) {
	dir := t.TempDir()
	data := testBlob(1, 77)
	writeShared(t, dir, "blob.bin", data)

	s, err := NewStore(dir)
	require.NoError(t, err)

	h := models.HashBytes(data)
	require.True(t, s.Has(h))
	require.Equal(t, []models.Hash{h}, s.Hashes())

	indices, err := s.HaveChunks(h)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, indices)

	chunk, err := s.ReadChunk(h, 1)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[models.ChunkSize:], chunk))

	_, err = s.ReadChunk(h, 2)
	require.Equal(t, ErrUnknownChunk, err)
	_, err = s.ReadChunk(models.HashBytes([]byte("other")), 0)
	require.Equal(t, ErrUnknownFile, err)
}

func TestStoreStageAndCommit(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	data := testBlob(2, 99)
	meta := metaFor(t, "out.bin", data)

	staged, err := s.StartPartial(meta)
	require.NoError(t, err)
	require.Empty(t, staged)

	// Committing before every chunk is staged must fail.
	_, err = s.Commit(meta.Hash)
	require.Error(t, err)

	for i := 0; i < 3; i++ {
		lo := i * models.ChunkSize
		hi := lo + int(models.ChunkLen(meta.Size, i))
		first, err := s.WriteChunk(meta.Hash, i, data[lo:hi])
		require.NoError(t, err)
		require.Equal(t, i == 0, first)
	}

	// Staged chunks are already servable.
	require.Contains(t, s.Hashes(), meta.Hash)
	chunk, err := s.ReadChunk(meta.Hash, 2)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[2*models.ChunkSize:], chunk))

	got, err := s.Commit(meta.Hash)
	require.NoError(t, err)
	require.Equal(t, meta.Hash, got.Hash)

	onDisk, err := ioutil.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, onDisk))
	require.True(t, s.Has(meta.Hash))

	_, err = os.Stat(filepath.Join(dir, partialPrefix+string(meta.Hash)))
	require.True(t, os.IsNotExist(err))
}

func TestStoreCommitRejectsCorruptChunk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	data := testBlob(0, 512)
	meta := metaFor(t, "small.bin", data)

	_, err = s.StartPartial(meta)
	require.NoError(t, err)
	_, err = s.WriteChunk(meta.Hash, 0, []byte("corrupted"))
	require.NoError(t, err)

	_, err = s.Commit(meta.Hash)
	require.Error(t, err)
}

func TestStoreResumesPartialFromDisk(t *testing.T) {
	dir := t.TempDir()

	data := testBlob(1, 50)
	meta := metaFor(t, "resume.bin", data)

	staging := filepath.Join(dir, partialPrefix+string(meta.Hash))
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(staging, "0.chunk"), data[:models.ChunkSize], 0o644))

	s, err := NewStore(dir)
	require.NoError(t, err)

	require.Contains(t, s.Hashes(), meta.Hash)
	require.Equal(t, []models.Hash{meta.Hash}, s.Partials())
	indices, err := s.HaveChunks(meta.Hash)
	require.NoError(t, err)
	require.Equal(t, []int{0}, indices)

	staged, err := s.StartPartial(meta)
	require.NoError(t, err)
	require.Equal(t, []int{0}, staged)
}

func TestStoreAbortPurges(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	data := testBlob(0, 100)
	meta := metaFor(t, "gone.bin", data)

	_, err = s.StartPartial(meta)
	require.NoError(t, err)
	_, err = s.WriteChunk(meta.Hash, 0, data)
	require.NoError(t, err)

	s.Abort(meta.Hash)

	require.Empty(t, s.Hashes())
	_, err = os.Stat(filepath.Join(dir, partialPrefix+string(meta.Hash)))
	require.True(t, os.IsNotExist(err))
}

func metaFor(t *testing.T, name string, data []byte) models.File {
	t.Helper()

	n := models.NumChunks(int64(len(data)))
	chunks := make([]models.Hash, 0, n)
	for i := 0; i < n; i++ {
		lo := i * models.ChunkSize
		hi := lo + int(models.ChunkLen(int64(len(data)), i))
		chunks = append(chunks, models.HashBytes(data[lo:hi]))
	}
	return models.File{
		Hash:        models.HashBytes(data),
		Name:        name,
		Size:        int64(len(data)),
		ChunkHashes: chunks,
	}
}
