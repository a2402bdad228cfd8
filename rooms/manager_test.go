package rooms

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seedline/seedline/chat"
	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/wire"
)

// fakeDirectory hands out static room membership and chat endpoints.
type fakeDirectory struct {
	self       string
	members    map[string][]string
	addrs      map[string]models.Endpoint
	maxHistory int
}

func (d *fakeDirectory) Username() string { return d.self }

func (d *fakeDirectory) ListRooms() ([]wire.RoomSummary, error) {
	var out []wire.RoomSummary
	for roomID, members := range d.members {
		summary := wire.RoomSummary{RoomID: roomID}
		for _, name := range members {
			if name == d.self {
				summary.IsMember = true
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

func (d *fakeDirectory) RoomMembers(roomID string) ([]wire.MemberInfo, error) {
	members, ok := d.members[roomID]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	var out []wire.MemberInfo
	for _, name := range members {
		out = append(out, wire.MemberInfo{Username: name})
	}
	return out, nil
}

func (d *fakeDirectory) RoomInfo(roomID string) (wire.RoomInfo, error) {
	members, ok := d.members[roomID]
	if !ok {
		return wire.RoomInfo{}, models.ErrRoomNotFound
	}
	isMember := false
	for _, name := range members {
		if name == d.self {
			isMember = true
		}
	}
	if !isMember {
		return wire.RoomInfo{}, models.ErrNotMember
	}
	return wire.RoomInfo{RoomID: roomID, MaxHistory: d.maxHistory}, nil
}

func (d *fakeDirectory) GetPeerChatAddress(username string) (models.Endpoint, error) {
	ep, ok := d.addrs[username]
	if !ok {
		return models.Endpoint{}, models.ErrUserNotFound
	}
	return ep, nil
}

func newManager(t *testing.T, d *fakeDirectory) *Manager {
	t.Helper()

	m, err := New(d, Config{
		Dir:          t.TempDir(),
		SyncInterval: time.Hour,
		SyncFanout:   2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop().Wait() })
	return m
}

func startChat(t *testing.T, h chat.Handler) models.Endpoint {
	t.Helper()

	l, err := chat.NewListener(h, chat.ListenerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { l.Stop().Wait() })

	addr := l.Addr().(*net.TCPAddr)
	return models.Endpoint{Addr: "127.0.0.1", Port: addr.Port}
}

// chatHandler adapts a Manager to the chat listener, ignoring direct
// messages.
type chatHandler struct{ m *Manager }

func (h chatHandler) HandleDirect(wire.ChatMessage)                   {}
func (h chatHandler) HandleRoomMessage(m wire.RoomMessage)            { h.m.HandleRoomMessage(m) }
func (h chatHandler) HandleSync(r wire.SyncRequest) wire.SyncResponse { return h.m.HandleSync(r) }

func TestSendGossipsToMembers(t *testing.T) {
	dirA := &fakeDirectory{self: "alice", maxHistory: 100, members: map[string][]string{"ops": {"alice", "bob"}}}
	dirB := &fakeDirectory{self: "bob", maxHistory: 100, members: map[string][]string{"ops": {"alice", "bob"}}}

	a := newManager(t, dirA)
	b := newManager(t, dirB)

	epB := startChat(t, chatHandler{b})
	dirA.addrs = map[string]models.Endpoint{"bob": epB}

	msg, err := a.Send("ops", "hello room")
	require.NoError(t, err)
	require.Equal(t, "alice", msg.Sender)

	journal, err := a.Messages("ops")
	require.NoError(t, err)
	require.Len(t, journal, 1)

	require.Eventually(t, func() bool {
		journal, err := b.Messages("ops")
		return err == nil && len(journal) == 1 && journal[0].Hash == msg.Hash
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReceiveDropsForgedAndForeign(t *testing.T) {
	dir := &fakeDirectory{self: "alice", maxHistory: 100, members: map[string][]string{"ops": {"alice"}}}
	m := newManager(t, dir)

	good := models.NewMessage("ops", "bob", "legit", time.Now())
	forged := wire.NewRoomMessage(good)
	forged.Text = "tampered"
	m.HandleRoomMessage(forged)

	foreign := wire.NewRoomMessage(models.NewMessage("secret", "bob", "psst", time.Now()))
	m.HandleRoomMessage(foreign)

	m.HandleRoomMessage(wire.NewRoomMessage(good))
	// Duplicate delivery is idempotent.
	m.HandleRoomMessage(wire.NewRoomMessage(good))

	journal, err := m.Messages("ops")
	require.NoError(t, err)
	require.Len(t, journal, 1)
	require.Equal(t, "legit", journal[0].Text)

	journal, err = m.Messages("secret")
	require.NoError(t, err)
	require.Empty(t, journal)
}

func TestHandleSyncMembersOnly(t *testing.T) {
	dir := &fakeDirectory{self: "alice", maxHistory: 100, members: map[string][]string{"ops": {"alice", "bob"}}}
	m := newManager(t, dir)

	msg := models.NewMessage("ops", "alice", "history", time.Now())
	m.HandleRoomMessage(wire.NewRoomMessage(msg))

	resp := m.HandleSync(wire.SyncRequest{RoomID: "ops", Requester: "bob"})
	require.Equal(t, wire.StatusSuccess, resp.Status)
	require.Len(t, resp.Messages, 1)

	resp = m.HandleSync(wire.SyncRequest{RoomID: "ops", Requester: "mallory"})
	require.Equal(t, wire.StatusError, resp.Status)
	require.Equal(t, "Acesso negado", resp.Message)
}

func TestSyncRoomConverges(t *testing.T) {
	dirA := &fakeDirectory{self: "alice", maxHistory: 100, members: map[string][]string{"ops": {"alice", "bob"}}}
	dirB := &fakeDirectory{self: "bob", maxHistory: 100, members: map[string][]string{"ops": {"alice", "bob"}}}

	a := newManager(t, dirA)
	b := newManager(t, dirB)

	epB := startChat(t, chatHandler{b})
	dirA.addrs = map[string]models.Endpoint{"bob": epB}

	// bob holds history alice missed.
	older := models.NewMessage("ops", "bob", "while you were away", time.Unix(1000, 0))
	newer := models.NewMessage("ops", "bob", "and this too", time.Unix(2000, 0))
	b.HandleRoomMessage(wire.NewRoomMessage(newer))
	b.HandleRoomMessage(wire.NewRoomMessage(older))

	a.SyncRoom("ops")

	journal, err := a.Messages("ops")
	require.NoError(t, err)
	require.Len(t, journal, 2)
	require.Equal(t, "while you were away", journal[0].Text)
	require.Equal(t, "and this too", journal[1].Text)
}

func TestJournalCappedAtMaxHistory(t *testing.T) {
	dir := &fakeDirectory{self: "alice", maxHistory: 2, members: map[string][]string{"ops": {"alice"}}}
	m := newManager(t, dir)

	for i := 0; i < 5; i++ {
		msg := models.NewMessage("ops", "alice", fmt.Sprintf("msg %d", i), time.Unix(int64(1000+i), 0))
		m.HandleRoomMessage(wire.NewRoomMessage(msg))
	}

	journal, err := m.Messages("ops")
	require.NoError(t, err)
	require.Len(t, journal, 2)
	require.Equal(t, "msg 3", journal[0].Text)
	require.Equal(t, "msg 4", journal[1].Text)
}
