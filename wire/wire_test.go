package wire

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seedline/seedline/models"
)

func TestDecodeChatRecord(t *testing.T) {
	var table = []struct {
		name string
		line string
		want interface{}
	}{
		{
			"direct message",
			`{"action":"chat_message","from":"alice","message":"oi"}`,
			ChatMessage{Action: ActionChatMessage, From: "alice", Text: "oi"},
		},
		{
			"room message",
			`{"action":"room_message","room_id":"r1","sender":"bob","message":"e aí","timestamp":"2024-05-01T12:00:00.000000000Z","hash":"abc"}`,
			RoomMessage{Action: ActionRoomMessage, RoomID: "r1", Sender: "bob", Text: "e aí", Timestamp: "2024-05-01T12:00:00.000000000Z", Hash: "abc"},
		},
		{
			"sync request",
			`{"action":"sync_room_messages","room_id":"r1","requester":"carol"}`,
			SyncRequest{Action: ActionSyncRoom, RoomID: "r1", Requester: "carol"},
		},
		{
			"unknown action skipped",
			`{"action":"proto_upgrade","v":2}`,
			nil,
		},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeChatRecord([]byte(tt.line))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeChatRecordMalformed(t *testing.T) {
	_, err := DecodeChatRecord([]byte(`{"action":`))
	require.Error(t, err)
}

func TestRoomMessageRoundTrip(t *testing.T) {
	m := models.Message{
		Hash:      "deadbeef",
		RoomID:    "r1",
		Sender:    "alice",
		Text:      "olá",
		Timestamp: "2024-05-01T12:00:00.000000000Z",
	}
	require.Equal(t, m, NewRoomMessage(m).Message())
}

func TestConnFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc, sc := NewConn(client), NewConn(server)

	go func() {
		_ = cc.WriteJSON(Request{Method: MethodGetPeers, FileHash: "aa"})
		_ = cc.WriteJSON(Request{Method: MethodListFiles})
	}()

	var first, second Request
	require.NoError(t, sc.ReadJSON(&first))
	require.NoError(t, sc.ReadJSON(&second))
	require.Equal(t, MethodGetPeers, first.Method)
	require.Equal(t, models.Hash("aa"), first.FileHash)
	require.Equal(t, MethodListFiles, second.Method)
}

// floodConn never delivers a newline, so any read off it grows without end.
type floodConn struct{ net.Conn }

func (floodConn) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func TestReadLineCapsOversizedFrames(t *testing.T) {
	c := NewConn(floodConn{})
	_, err := c.ReadLine()
	require.Equal(t, ErrLineTooLong, err)
}

func TestResponseOmitsEmptyPayloads(t *testing.T) {
	b, err := json.Marshal(OK("feito"))
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"success","message":"feito"}`, string(b))

	b, err = json.Marshal(Error(models.ErrNotMember))
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"error","message":"Acesso negado"}`, string(b))
}
