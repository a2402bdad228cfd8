package storage

// This file provides the driver-agnostic conformance suite. Each driver's
// test file calls TestStore with a freshly built, empty Store.

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seedline/seedline/models"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testFile(h models.Hash, n int) models.File {
	chunks := make([]models.Hash, n)
	for i := range chunks {
		chunks[i] = models.HashBytes([]byte(string(h) + string(rune('0'+i))))
	}
	return models.File{
		Hash:        h,
		Name:        string(h) + ".bin",
		Size:        int64(n) * models.ChunkSize,
		ChunkHashes: chunks,
	}
}

// TestStore runs the conformance suite against a fresh, empty Store.
func TestStore(t *testing.T, s Store) {
	testUsers(t, s)
	testFilesAndAssociations(t, s)
	testExpiry(t, s)
	testScores(t, s)
	testRooms(t, s)

	errs := s.Stop().Wait()
	require.Empty(t, errs)
}

func testUsers(t *testing.T, s Store) {
	u := models.User{Name: "alice", PasswordDigest: "digest-a"}
	require.NoError(t, s.CreateUser(u))
	require.Equal(t, models.ErrUserExists, s.CreateUser(u))

	got, err := s.GetUser("alice")
	require.NoError(t, err)
	require.Equal(t, "digest-a", got.PasswordDigest)
	require.False(t, got.Active)

	_, err = s.GetUser("nobody")
	require.Equal(t, models.ErrUserNotFound, err)

	require.NoError(t, s.Activate("alice", "10.0.0.1", 7001, 7002, testEpoch))
	got, err = s.GetUser("alice")
	require.NoError(t, err)
	require.True(t, got.Active)
	require.Equal(t, "10.0.0.1", got.Addr)
	require.Equal(t, 7001, got.DataPort)
	require.Equal(t, 7002, got.ChatPort)
	require.True(t, got.LastSeen.Equal(testEpoch))

	require.NoError(t, s.TouchPeer("alice", testEpoch.Add(time.Minute)))
	got, _ = s.GetUser("alice")
	require.True(t, got.LastSeen.Equal(testEpoch.Add(time.Minute)))

	active, err := s.ActiveUsers()
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "alice", active[0].Name)
}

func testFilesAndAssociations(t *testing.T, s Store) {
	require.NoError(t, s.CreateUser(models.User{Name: "bob", PasswordDigest: "digest-b"}))
	require.NoError(t, s.Activate("bob", "10.0.0.2", 7003, 7004, testEpoch))

	f1 := testFile("f1", 3)
	f2 := testFile("f2", 1)

	require.NoError(t, s.UpsertFile(f1, "alice"))
	require.NoError(t, s.UpsertFile(f2, "alice"))

	// Announcing an existing file only adds the association.
	require.NoError(t, s.UpsertFile(f1, "bob"))

	got, err := s.GetFile("f1")
	require.NoError(t, err)
	require.Equal(t, f1.ChunkHashes, got.ChunkHashes)
	require.Equal(t, f1.Size, got.Size)

	_, err = s.GetFile("missing")
	require.Equal(t, models.ErrFileNotFound, err)

	owners, err := s.FileOwners("f1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, owners)

	// A partial announce associates without requiring a file record.
	require.NoError(t, s.AssociatePeer("f2", "bob"))
	owners, _ = s.FileOwners("f2")
	require.ElementsMatch(t, []string{"alice", "bob"}, owners)

	files, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)

	// Heartbeat reconciliation: bob now claims only f1.
	require.NoError(t, s.SetPeerFiles("bob", []models.Hash{"f1"}))
	owners, _ = s.FileOwners("f2")
	require.ElementsMatch(t, []string{"alice"}, owners)

	// Dropping the last owner garbage-collects the file.
	require.NoError(t, s.SetPeerFiles("alice", []models.Hash{"f1"}))
	_, err = s.GetFile("f2")
	require.Equal(t, models.ErrFileNotFound, err)

	// Deactivation cascades the peer's associations.
	require.NoError(t, s.Deactivate("bob"))
	owners, _ = s.FileOwners("f1")
	require.ElementsMatch(t, []string{"alice"}, owners)
	u, _ := s.GetUser("bob")
	require.False(t, u.Active)
}

func testExpiry(t *testing.T, s Store) {
	require.NoError(t, s.CreateUser(models.User{Name: "stale", PasswordDigest: "d"}))
	require.NoError(t, s.Activate("stale", "10.0.0.3", 7005, 7006, testEpoch))
	require.NoError(t, s.AssociatePeer("f1", "stale"))
	require.NoError(t, s.TouchPeer("alice", testEpoch.Add(time.Hour)))

	swept, err := s.ExpirePeers(testEpoch.Add(30 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	u, err := s.GetUser("stale")
	require.NoError(t, err)
	require.False(t, u.Active)

	owners, _ := s.FileOwners("f1")
	require.NotContains(t, owners, "stale")

	// alice's heartbeat was fresh, she survives.
	u, _ = s.GetUser("alice")
	require.True(t, u.Active)
}

func testScores(t *testing.T, s Store) {
	score, err := s.GetScore("alice")
	require.NoError(t, err)
	require.Zero(t, score)

	score, err = s.AddScore("alice", models.Metrics{Seconds: 60, ChunksServed: 2})
	require.NoError(t, err)
	require.Equal(t, models.PeerScore{Seconds: 60, ChunksServed: 2}, score)

	score, err = s.AddScore("alice", models.Metrics{Seconds: 60, ChunksServed: 0})
	require.NoError(t, err)
	require.Equal(t, models.PeerScore{Seconds: 120, ChunksServed: 2}, score)

	// Totals survive deactivation.
	require.NoError(t, s.Deactivate("alice"))
	score, err = s.GetScore("alice")
	require.NoError(t, err)
	require.Equal(t, models.PeerScore{Seconds: 120, ChunksServed: 2}, score)
}

func testRooms(t *testing.T, s Store) {
	r := models.Room{ID: "sala1", Moderator: "alice", CreatedAt: testEpoch, MaxHistory: 100}
	require.NoError(t, s.CreateRoom(r))
	require.Equal(t, models.ErrRoomExists, s.CreateRoom(r))

	got, err := s.GetRoom("sala1")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Moderator)
	require.Equal(t, 100, got.MaxHistory)

	_, err = s.GetRoom("nope")
	require.Equal(t, models.ErrRoomNotFound, err)

	// The moderator is the first member.
	members, err := s.RoomMembers("sala1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "alice", members[0].Username)

	require.NoError(t, s.AddRoomMember("sala1", "bob", testEpoch.Add(time.Minute)))
	require.NoError(t, s.AddRoomMember("sala1", "bob", testEpoch.Add(2*time.Minute)))
	members, _ = s.RoomMembers("sala1")
	require.Len(t, members, 2)

	ok, err := s.IsRoomMember("sala1", "bob")
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = s.IsRoomMember("sala1", "carol")
	require.False(t, ok)

	// The moderator cannot be removed while the room exists.
	require.Equal(t, models.ErrModeratorImmutable, s.RemoveRoomMember("sala1", "alice"))

	require.NoError(t, s.RemoveRoomMember("sala1", "bob"))
	ok, _ = s.IsRoomMember("sala1", "bob")
	require.False(t, ok)

	rooms, err := s.ListRooms()
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	require.NoError(t, s.DeleteRoom("sala1"))
	_, err = s.GetRoom("sala1")
	require.Equal(t, models.ErrRoomNotFound, err)
	members, err = s.RoomMembers("sala1")
	require.Equal(t, models.ErrRoomNotFound, err)
	require.Empty(t, members)
}
