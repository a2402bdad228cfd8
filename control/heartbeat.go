package control

import (
	"sync"
	"time"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
)

// defaultHeartbeatInterval keeps sessions alive well inside the tracker's
// TTL.
const defaultHeartbeatInterval = 60 * time.Second

// Heartbeater periodically reports the peer's held files and activity delta
// to the tracker. Hashes and Served supply the current association list and
// the cumulative served-chunk counter.
type Heartbeater struct {
	client   *Client
	interval time.Duration

	// Hashes returns every file hash the peer can serve, whole or
	// partial.
	Hashes func() []models.Hash

	// Served returns the cumulative number of chunks served.
	Served func() int64

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewHeartbeater starts the heartbeat loop. An interval of zero uses the
// default.
func NewHeartbeater(client *Client, interval time.Duration, hashes func() []models.Hash, served func() int64) *Heartbeater {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	h := &Heartbeater{
		client:   client,
		interval: interval,
		Hashes:   hashes,
		Served:   served,
		closing:  make(chan struct{}),
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run()
	}()

	return h
}

// Stop provides a thread-safe way to shutdown a currently running
// Heartbeater.
func (h *Heartbeater) Stop() stop.Result {
	select {
	case <-h.closing:
		return stop.AlreadyStopped
	default:
	}

	c := make(stop.Channel)
	go func() {
		close(h.closing)
		h.wg.Wait()
		c.Done(nil)
	}()

	return c.Result()
}

func (h *Heartbeater) run() {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	last := time.Now()
	var lastServed int64

	for {
		select {
		case <-h.closing:
			return
		case now := <-t.C:
			served := h.Served()
			delta := models.Metrics{
				Seconds:      int64(now.Sub(last).Seconds()),
				ChunksServed: served - lastServed,
			}

			score, err := h.client.Heartbeat(h.Hashes(), delta)
			if err != nil {
				log.Error("control: heartbeat failed", log.Err(err))
				continue
			}

			last = now
			lastServed = served
			log.Debug("control: heartbeat", log.Fields{"score": score})
		}
	}
}
