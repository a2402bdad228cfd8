package swarm

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
)

// Availability maps each chunk index to the peers that hold it.
type Availability map[int][]models.ScoredPeer

// ScanAvailability asks every peer which chunks it holds, in parallel, and
// builds the chunk availability map. Peers that fail to answer contribute
// nothing; scanning only fails if the context is cancelled.
func ScanAvailability(ctx context.Context, peers []models.ScoredPeer, h models.Hash) (Availability, error) {
	avail := make(Availability)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i := range peers {
		peer := peers[i]
		g.Go(func() error {
			indices, err := ListChunks(gctx, peer.Data, h)
			if err != nil {
				log.Debug("swarm: availability scan failed", log.Err(err), log.Fields{
					"peer": peer.Username,
					"file": h,
				})
				return nil
			}

			mu.Lock()
			for _, idx := range indices {
				avail[idx] = append(avail[idx], peer)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return avail, nil
}

// PlanRarestFirst orders the wanted chunk indices by how few peers hold
// them, scarcest first. Equal availability preserves ascending index order
// so the plan is deterministic.
func PlanRarestFirst(avail Availability, wanted []int) []int {
	plan := make([]int, len(wanted))
	copy(plan, wanted)
	sort.Ints(plan)

	sort.SliceStable(plan, func(i, j int) bool {
		return len(avail[plan[i]]) < len(avail[plan[j]])
	})
	return plan
}
