package swarm

import (
	"context"
	"io"
	"io/ioutil"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/wire"
)

// dialTimeout bounds connection establishment to another peer's data port.
const dialTimeout = 10 * time.Second

// chunkFetchTimeout bounds a whole chunk transfer.
const chunkFetchTimeout = 50 * time.Second

// ListChunks asks a peer which chunks of a file it holds.
func ListChunks(ctx context.Context, ep models.Endpoint, h models.Hash) ([]int, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	raw, err := d.DialContext(dctx, "tcp", ep.String())
	if err != nil {
		return nil, errors.Wrap(err, "swarm: dial")
	}
	conn := wire.NewConn(raw)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(chunkFetchTimeout))

	if err := conn.WriteJSON(wire.DataRequest{Action: wire.ActionListChunks, FileHash: h}); err != nil {
		return nil, errors.Wrap(err, "swarm: write request")
	}

	var resp wire.DataResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, errors.Wrap(err, "swarm: read response")
	}
	if resp.Status != wire.StatusSuccess {
		return nil, errors.Errorf("swarm: list_chunks failed: %s", resp.Message)
	}
	return resp.Chunks, nil
}

// FetchChunk downloads one chunk from a peer and verifies it against the
// expected digest. The chunk body is the raw connection payload after the
// request line, terminated by the remote close.
func FetchChunk(ctx context.Context, ep models.Endpoint, h models.Hash, index int, wantLen int64, want models.Hash) ([]byte, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	raw, err := d.DialContext(dctx, "tcp", ep.String())
	if err != nil {
		return nil, errors.Wrap(err, "swarm: dial")
	}
	conn := wire.NewConn(raw)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(chunkFetchTimeout))

	if err := conn.WriteJSON(wire.DataRequest{Action: wire.ActionGetChunk, FileHash: h, ChunkIndex: index}); err != nil {
		return nil, errors.Wrap(err, "swarm: write request")
	}

	// Read one byte past the expected length so a trailing error line or
	// oversized payload fails verification instead of truncating silently.
	data, err := ioutil.ReadAll(io.LimitReader(conn.Raw(), wantLen+1))
	if err != nil {
		return nil, errors.Wrap(err, "swarm: read chunk")
	}
	if int64(len(data)) != wantLen {
		return nil, errors.Errorf("swarm: chunk %d has %d bytes, want %d", index, len(data), wantLen)
	}
	if got := models.HashBytes(data); got != want {
		return nil, errors.Errorf("swarm: chunk %d fails verification", index)
	}
	return data, nil
}
