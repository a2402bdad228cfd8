package tracker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/storage"
	"github.com/seedline/seedline/storage/memory"
	"github.com/seedline/seedline/wire"
)

func startFrontend(t *testing.T) (*Frontend, storage.Store) {
	t.Helper()

	store, err := memory.New(memory.Config{
		SweepInterval: time.Hour,
		PeerLifetime:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Stop().Wait() })

	f, err := NewFrontend(store, plainHasher{}, Config{
		Addr:         "127.0.0.1:0",
		SessionTTL:   time.Minute,
		ReadTimeout:  time.Minute,
		ScoreWeights: models.ScoreWeights{Time: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.Stop().Wait() })

	return f, store
}

func roundTrip(t *testing.T, conn *wire.Conn, req wire.Request) wire.Response {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))

	var resp wire.Response
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestFrontendSessionLifecycle(t *testing.T) {
	f, store := startFrontend(t)

	raw, err := net.Dial("tcp", f.Addr().String())
	require.NoError(t, err)
	conn := wire.NewConn(raw)

	resp := roundTrip(t, conn, wire.Request{Method: wire.MethodRegister, Username: "alice", Password: "pw"})
	require.True(t, resp.IsSuccess(), resp.Message)

	resp = roundTrip(t, conn, wire.Request{
		Method:   wire.MethodLogin,
		Username: "alice",
		Password: "pw",
		IP:       "127.0.0.1",
		Port:     7000,
		ChatPort: 7001,
	})
	require.True(t, resp.IsSuccess(), resp.Message)

	resp = roundTrip(t, conn, wire.Request{Method: wire.MethodListOnlineUsers})
	require.True(t, resp.IsSuccess(), resp.Message)
	require.Equal(t, []string{"alice"}, resp.Users)

	// Closing the control connection takes the peer offline.
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		u, err := store.GetUser("alice")
		return err == nil && !u.Active
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFrontendUnknownMethod(t *testing.T) {
	f, _ := startFrontend(t)

	raw, err := net.Dial("tcp", f.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	conn := wire.NewConn(raw)

	resp := roundTrip(t, conn, wire.Request{Method: "no_such_method"})
	require.Equal(t, wire.StatusError, resp.Status)
	require.Equal(t, "Ação inválida", resp.Message)
}
