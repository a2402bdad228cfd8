package redis

import (
	"testing"

	"github.com/alicebob/miniredis"

	s "github.com/seedline/seedline/storage"
)

func createNew(t *testing.T) s.Store {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Close)

	rs, err := New(Config{
		Addr:      m.Addr(),
		KeyPrefix: "seedline_test:",
	})
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func TestStore(t *testing.T) { s.TestStore(t, createNew(t)) }
