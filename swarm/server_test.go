package swarm

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedline/seedline/models"
)

func endpointOf(srv *Server) models.Endpoint {
	addr := srv.Addr().(*net.TCPAddr)
	return models.Endpoint{Addr: "127.0.0.1", Port: addr.Port}
}

func startSeeder(t *testing.T, data []byte) (*Server, models.File) {
	t.Helper()

	dir := t.TempDir()
	writeShared(t, dir, "seed.bin", data)

	store, err := NewStore(dir)
	require.NoError(t, err)

	srv, err := NewServer(store, ServerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop().Wait() })

	return srv, metaFor(t, "seed.bin", data)
}

func TestServerListAndFetch(t *testing.T) {
	data := testBlob(1, 333)
	srv, meta := startSeeder(t, data)
	ep := endpointOf(srv)

	indices, err := ListChunks(context.Background(), ep, meta.Hash)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, indices)

	chunk, err := FetchChunk(context.Background(), ep, meta.Hash, 1, models.ChunkLen(meta.Size, 1), meta.ChunkHashes[1])
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[models.ChunkSize:], chunk))
	require.Equal(t, int64(1), srv.Served())

	_, err = ListChunks(context.Background(), ep, models.HashBytes([]byte("missing")))
	require.Error(t, err)

	_, err = FetchChunk(context.Background(), ep, meta.Hash, 9, models.ChunkSize, meta.ChunkHashes[0])
	require.Error(t, err)
}

func TestFetchChunkRejectsCorruption(t *testing.T) {
	data := testBlob(0, 100)
	srv, meta := startSeeder(t, data)

	// A wrong expected digest must fail verification.
	_, err := FetchChunk(context.Background(), endpointOf(srv), meta.Hash, 0, meta.Size, models.HashBytes([]byte("not it")))
	require.Error(t, err)
}

func TestDownloadEndToEnd(t *testing.T) {
	data := testBlob(2, 4096)
	seeder, meta := startSeeder(t, data)

	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	var announced []models.Hash
	d := NewDownloader(store)
	d.Announce = func(h models.Hash) { announced = append(announced, h) }

	peers := []models.ScoredPeer{{Username: "seed", Data: endpointOf(seeder), Score: 10}}
	got, err := d.Download(context.Background(), meta, peers, 3)
	require.NoError(t, err)
	require.Equal(t, meta.Hash, got.Hash)

	require.True(t, store.Has(meta.Hash))
	require.Equal(t, []models.Hash{meta.Hash}, announced)

	chunk, err := store.ReadChunk(meta.Hash, 2)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data[2*models.ChunkSize:], chunk))
}

func TestDownloadFailsWithoutHolders(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	data := testBlob(0, 10)
	meta := metaFor(t, "never.bin", data)

	d := NewDownloader(store)
	ghost := []models.ScoredPeer{{Username: "ghost", Data: models.Endpoint{Addr: "127.0.0.1", Port: 1}}}

	_, err = d.Download(context.Background(), meta, ghost, 2)
	require.Error(t, err)
	require.Empty(t, store.Hashes())
}
