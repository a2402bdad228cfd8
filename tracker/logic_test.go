package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/storage/memory"
	"github.com/seedline/seedline/wire"
)

// plainHasher stores passwords unhashed so tests can skip bcrypt work.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return password, nil }
func (plainHasher) Compare(digest, password string) bool { return digest == password }

func newTestLogic(t *testing.T) (*Logic, *time.Time) {
	t.Helper()

	store, err := memory.New(memory.Config{
		SweepInterval: time.Hour,
		PeerLifetime:  time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Stop().Wait() })

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLogic(store, plainHasher{}, 3*time.Minute, models.ScoreWeights{Time: 1, Chunks: 100})
	l.now = func() time.Time { return now }
	return l, &now
}

func register(t *testing.T, l *Logic, name string) {
	t.Helper()
	resp, _ := l.Handle(wire.Request{Method: wire.MethodRegister, Username: name, Password: "pw"}, "")
	require.True(t, resp.IsSuccess(), resp.Message)
}

func login(t *testing.T, l *Logic, name string) {
	t.Helper()
	resp, loggedIn := l.Handle(wire.Request{
		Method:   wire.MethodLogin,
		Username: name,
		Password: "pw",
		IP:       "10.0.0.1",
		Port:     7000,
		ChatPort: 7001,
	}, "")
	require.True(t, resp.IsSuccess(), resp.Message)
	require.True(t, loggedIn)
}

func TestRegisterAndLogin(t *testing.T) {
	l, _ := newTestLogic(t)

	register(t, l, "alice")

	resp, _ := l.Handle(wire.Request{Method: wire.MethodRegister, Username: "alice", Password: "pw"}, "")
	require.Equal(t, wire.StatusError, resp.Status)
	require.Equal(t, "Usuário já existe", resp.Message)

	resp, loggedIn := l.Handle(wire.Request{Method: wire.MethodLogin, Username: "alice", Password: "wrong"}, "")
	require.False(t, loggedIn)
	require.Equal(t, "Credenciais inválidas", resp.Message)

	resp, loggedIn = l.Handle(wire.Request{Method: wire.MethodLogin, Username: "nobody", Password: "pw"}, "")
	require.False(t, loggedIn)
	require.Equal(t, "Credenciais inválidas", resp.Message)

	login(t, l, "alice")
}

func TestSessionRequired(t *testing.T) {
	l, _ := newTestLogic(t)

	resp, _ := l.Handle(wire.Request{Method: wire.MethodListFiles}, "")
	require.Equal(t, wire.StatusError, resp.Status)
	require.Equal(t, "Não autenticado", resp.Message)
}

func TestSessionExpiry(t *testing.T) {
	l, now := newTestLogic(t)

	register(t, l, "alice")
	login(t, l, "alice")

	resp, _ := l.Handle(wire.Request{Method: wire.MethodListFiles, FileHashes: []models.Hash{}}, "alice")
	require.True(t, resp.IsSuccess(), resp.Message)

	// Past the TTL the session is rejected and the peer forcibly removed.
	*now = now.Add(4 * time.Minute)
	resp, _ = l.Handle(wire.Request{Method: wire.MethodListFiles}, "alice")
	require.Equal(t, "Login expirado", resp.Message)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodListFiles}, "alice")
	require.Equal(t, "Login expirado", resp.Message)
}

func TestExpiredPeerInvisibleToLookups(t *testing.T) {
	l, now := newTestLogic(t)

	fileHash := models.HashBytes([]byte("stale"))
	register(t, l, "alice")
	login(t, l, "alice")
	resp, _ := l.Handle(wire.Request{
		Method: wire.MethodAnnounce,
		Name:   "stale.bin",
		Size:   5,
		Hash:   fileHash,
		Chunks: []models.Hash{models.HashBytes([]byte("stale"))},
	}, "alice")
	require.True(t, resp.IsSuccess(), resp.Message)

	// alice goes silent past the TTL; bob arrives afterwards, so only his
	// session is fresh.
	*now = now.Add(4 * time.Minute)
	register(t, l, "bob")
	login(t, l, "bob")

	// Even before any sweep runs, alice is gone from every lookup.
	resp, _ = l.Handle(wire.Request{Method: wire.MethodGetPeers, FileHash: fileHash}, "bob")
	require.True(t, resp.IsSuccess(), resp.Message)
	require.Empty(t, resp.Peers)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodListOnlineUsers}, "bob")
	require.True(t, resp.IsSuccess(), resp.Message)
	require.Equal(t, []string{"bob"}, resp.Users)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodGetPeerAddress, Username: "alice"}, "bob")
	require.Equal(t, "Usuário não encontrado", resp.Message)
}

func TestHeartbeatScoresAndReconciles(t *testing.T) {
	l, _ := newTestLogic(t)

	register(t, l, "alice")
	login(t, l, "alice")

	fileHash := models.HashBytes([]byte("payload"))
	resp, _ := l.Handle(wire.Request{
		Method: wire.MethodAnnounce,
		Name:   "payload.bin",
		Size:   7,
		Hash:   fileHash,
		Chunks: []models.Hash{models.HashBytes([]byte("payload"))},
	}, "alice")
	require.True(t, resp.IsSuccess(), resp.Message)

	resp, _ = l.Handle(wire.Request{
		Method:     wire.MethodHeartbeat,
		FileHashes: []models.Hash{fileHash},
		Metrics:    &models.Metrics{Seconds: 60, ChunksServed: 2},
	}, "alice")
	require.True(t, resp.IsSuccess(), resp.Message)
	require.NotNil(t, resp.Score)
	require.Equal(t, 60.0+2*100, *resp.Score)

	// An empty hash list drops every association and garbage-collects the
	// file record.
	resp, _ = l.Handle(wire.Request{
		Method:     wire.MethodHeartbeat,
		FileHashes: []models.Hash{},
	}, "alice")
	require.True(t, resp.IsSuccess(), resp.Message)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodListFiles}, "alice")
	require.True(t, resp.IsSuccess())
	require.Empty(t, resp.Files)
}

func TestGetPeersOrderedByScore(t *testing.T) {
	l, _ := newTestLogic(t)

	fileHash := models.HashBytes([]byte("shared"))
	for _, name := range []string{"alice", "bob", "carol"} {
		register(t, l, name)
		login(t, l, name)

		resp, _ := l.Handle(wire.Request{
			Method: wire.MethodAnnounce,
			Name:   "shared.bin",
			Size:   6,
			Hash:   fileHash,
			Chunks: []models.Hash{models.HashBytes([]byte("shared"))},
		}, name)
		require.True(t, resp.IsSuccess(), resp.Message)
	}

	// bob has served the most, carol nothing.
	for name, served := range map[string]int64{"alice": 1, "bob": 9} {
		resp, _ := l.Handle(wire.Request{
			Method:     wire.MethodHeartbeat,
			FileHashes: []models.Hash{fileHash},
			Metrics:    &models.Metrics{ChunksServed: served},
		}, name)
		require.True(t, resp.IsSuccess(), resp.Message)
	}

	resp, _ := l.Handle(wire.Request{Method: wire.MethodGetPeers, FileHash: fileHash}, "alice")
	require.True(t, resp.IsSuccess(), resp.Message)
	require.Len(t, resp.Peers, 3)
	require.Equal(t, "bob", resp.Peers[0].Username)
	require.Equal(t, "alice", resp.Peers[1].Username)
	require.Equal(t, "carol", resp.Peers[2].Username)
	require.Equal(t, "10.0.0.1", resp.Peers[0].Data.Addr)
	require.Equal(t, 7000, resp.Peers[0].Data.Port)
	require.Equal(t, 7001, resp.Peers[0].Chat.Port)
}

func TestRoomAuthority(t *testing.T) {
	l, _ := newTestLogic(t)

	for _, name := range []string{"mod", "member", "outsider"} {
		register(t, l, name)
		login(t, l, name)
	}

	resp, _ := l.Handle(wire.Request{Method: wire.MethodCreateRoom, RoomID: "ops"}, "mod")
	require.True(t, resp.IsSuccess(), resp.Message)

	// Only the moderator can add members.
	resp, _ = l.Handle(wire.Request{Method: wire.MethodAddMember, RoomID: "ops", Username: "member"}, "outsider")
	require.Equal(t, "Apenas o moderador pode fazer isso", resp.Message)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodAddMember, RoomID: "ops", Username: "member"}, "mod")
	require.True(t, resp.IsSuccess(), resp.Message)

	// Room contents are members-only.
	resp, _ = l.Handle(wire.Request{Method: wire.MethodGetRoomMembers, RoomID: "ops"}, "outsider")
	require.Equal(t, "Acesso negado", resp.Message)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodGetRoomMembers, RoomID: "ops"}, "member")
	require.True(t, resp.IsSuccess(), resp.Message)
	require.Len(t, resp.Members, 2)
	require.Equal(t, "mod", resp.Members[0].Username)

	// A member may leave on its own; removing someone else takes the
	// moderator, and the moderator itself is immovable.
	resp, _ = l.Handle(wire.Request{Method: wire.MethodRemoveMember, RoomID: "ops", Username: "mod"}, "member")
	require.Equal(t, "Apenas o moderador pode fazer isso", resp.Message)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodRemoveMember, RoomID: "ops", Username: "mod"}, "mod")
	require.Equal(t, "O moderador não pode ser removido", resp.Message)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodRemoveMember, RoomID: "ops", Username: "member"}, "member")
	require.True(t, resp.IsSuccess(), resp.Message)

	// Deletion is moderator-only and cascades.
	resp, _ = l.Handle(wire.Request{Method: wire.MethodDeleteRoom, RoomID: "ops"}, "outsider")
	require.Equal(t, "Apenas o moderador pode fazer isso", resp.Message)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodDeleteRoom, RoomID: "ops"}, "mod")
	require.True(t, resp.IsSuccess(), resp.Message)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodGetRoomInfo, RoomID: "ops"}, "mod")
	require.Equal(t, "Sala não encontrada", resp.Message)
}

func TestListRoomsMembershipFlag(t *testing.T) {
	l, _ := newTestLogic(t)

	for _, name := range []string{"mod", "other"} {
		register(t, l, name)
		login(t, l, name)
	}

	resp, _ := l.Handle(wire.Request{Method: wire.MethodCreateRoom, RoomID: "ops"}, "mod")
	require.True(t, resp.IsSuccess(), resp.Message)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodListRooms}, "other")
	require.True(t, resp.IsSuccess(), resp.Message)
	require.Len(t, resp.Rooms, 1)
	require.False(t, resp.Rooms[0].IsMember)
	require.Equal(t, "mod", resp.Rooms[0].Moderator)

	resp, _ = l.Handle(wire.Request{Method: wire.MethodListRooms}, "mod")
	require.True(t, resp.Rooms[0].IsMember)
}
