package swarm

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
)

// maxPeersPerChunk bounds how many distinct peers are tried before a chunk
// fetch is declared failed.
const maxPeersPerChunk = 2

// Downloader drives whole-file downloads into the shared store.
type Downloader struct {
	store *Store

	// Announce is called once per download, after the first chunk is
	// staged, so the tracker can start advertising the partial.
	Announce func(h models.Hash)
}

// NewDownloader builds a Downloader over the shared store.
func NewDownloader(store *Store) *Downloader {
	return &Downloader{store: store}
}

// WithoutPeer returns peers minus the named one. A peer that announced a
// partial of the wanted file appears in its own peer list and must not be
// treated as a chunk source.
func WithoutPeer(peers []models.ScoredPeer, username string) []models.ScoredPeer {
	out := make([]models.ScoredPeer, 0, len(peers))
	for _, p := range peers {
		if p.Username != username {
			out = append(out, p)
		}
	}
	return out
}

// Download fetches every missing chunk of meta from the given peers with a
// worker pool of the given size, then assembles and verifies the file. A
// failed download discards its staged chunks.
func (d *Downloader) Download(ctx context.Context, meta models.File, peers []models.ScoredPeer, workers int) (models.File, error) {
	if d.store.Has(meta.Hash) {
		return meta, nil
	}
	if len(peers) == 0 {
		return models.File{}, errors.New("swarm: no peers hold the file")
	}
	if workers < 1 {
		workers = 1
	}

	staged, err := d.store.StartPartial(meta)
	if err != nil {
		return models.File{}, err
	}

	have := make(map[int]struct{}, len(staged))
	for _, i := range staged {
		have[i] = struct{}{}
	}
	wanted := make([]int, 0, models.NumChunks(meta.Size))
	for i := 0; i < models.NumChunks(meta.Size); i++ {
		if _, ok := have[i]; !ok {
			wanted = append(wanted, i)
		}
	}

	// Resuming a partial counts as already announced.
	announced := len(staged) > 0

	if len(wanted) > 0 {
		avail, err := ScanAvailability(ctx, peers, meta.Hash)
		if err != nil {
			d.store.Abort(meta.Hash)
			return models.File{}, err
		}

		plan := PlanRarestFirst(avail, wanted)
		log.Info("swarm: download planned", log.Fields{
			"file":    meta.Hash,
			"name":    meta.Name,
			"chunks":  len(plan),
			"workers": workers,
		})

		g, gctx := errgroup.WithContext(ctx)
		sem := semaphore.NewWeighted(int64(workers))

		var once sync.Once
		announce := func() {
			once.Do(func() {
				if !announced && d.Announce != nil {
					d.Announce(meta.Hash)
				}
			})
		}

		for _, idx := range plan {
			idx := idx
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				return d.fetchChunk(gctx, meta, avail[idx], idx, announce)
			})
		}
		if err := g.Wait(); err != nil {
			d.store.Abort(meta.Hash)
			return models.File{}, err
		}
	}

	out, err := d.store.Commit(meta.Hash)
	if err != nil {
		d.store.Abort(meta.Hash)
		return models.File{}, err
	}
	return out, nil
}

// fetchChunk downloads one chunk, trying the highest-scored holders first
// and giving up after maxPeersPerChunk distinct peers.
func (d *Downloader) fetchChunk(ctx context.Context, meta models.File, holders []models.ScoredPeer, idx int, announce func()) error {
	if len(holders) == 0 {
		return errors.Errorf("swarm: no peer holds chunk %d", idx)
	}

	candidates := make([]models.ScoredPeer, len(holders))
	copy(candidates, holders)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > maxPeersPerChunk {
		candidates = candidates[:maxPeersPerChunk]
	}

	wantLen := models.ChunkLen(meta.Size, idx)
	var want models.Hash
	if idx < len(meta.ChunkHashes) {
		want = meta.ChunkHashes[idx]
	}

	var lastErr error
	for _, peer := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := FetchChunk(ctx, peer.Data, meta.Hash, idx, wantLen, want)
		if err != nil {
			log.Debug("swarm: chunk fetch failed", log.Err(err), log.Fields{
				"peer":  peer.Username,
				"file":  meta.Hash,
				"chunk": idx,
			})
			lastErr = err
			continue
		}

		first, err := d.store.WriteChunk(meta.Hash, idx, data)
		if err != nil {
			return err
		}
		if first {
			announce()
		}
		return nil
	}

	return errors.Wrapf(lastErr, "swarm: chunk %d failed on %d peers", idx, len(candidates))
}
