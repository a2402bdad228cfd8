package memory

import (
	"testing"
	"time"

	s "github.com/seedline/seedline/storage"
)

func createNew() s.Store {
	ms, err := New(Config{
		SweepInterval: 10 * time.Minute,
		PeerLifetime:  30 * time.Minute,
	})
	if err != nil {
		panic(err)
	}
	return ms
}

func TestStore(t *testing.T) { s.TestStore(t, createNew()) }
