// Package swarm implements the peer's data plane: the shared-directory
// store, the chunk server, the availability planner and the parallel
// downloader.
package swarm

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/seedline/seedline/models"
)

// ChunkFile digests path in a single pass, producing the whole-file digest
// and the per-chunk digest list.
func ChunkFile(path string) (models.File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return models.File{}, errors.Wrap(err, "swarm: open")
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return models.File{}, errors.Wrap(err, "swarm: stat")
	}

	whole := sha256.New()
	chunks := make([]models.Hash, 0, models.NumChunks(info.Size()))
	buf := make([]byte, models.ChunkSize)

	for {
		n, err := io.ReadFull(fh, buf)
		if n > 0 {
			whole.Write(buf[:n])
			chunks = append(chunks, models.HashBytes(buf[:n]))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return models.File{}, errors.Wrap(err, "swarm: read")
		}
	}

	return models.File{
		Hash:        models.Hash(hex.EncodeToString(whole.Sum(nil))),
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ChunkHashes: chunks,
	}, nil
}
