package chat

import (
	"bufio"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/wire"
)

// sinkServer accepts chat connections, counts them and collects every frame
// it receives.
type sinkServer struct {
	l        net.Listener
	accepted int32
	lines    chan string
}

func startSink(t *testing.T) *sinkServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sinkServer{l: l, lines: make(chan string, 16)}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&s.accepted, 1)
			go func() {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					s.lines <- sc.Text()
				}
			}()
		}
	}()
	return s
}

func (s *sinkServer) endpoint() models.Endpoint {
	addr := s.l.Addr().(*net.TCPAddr)
	return models.Endpoint{Addr: "127.0.0.1", Port: addr.Port}
}

func (s *sinkServer) recv(t *testing.T) string {
	t.Helper()
	select {
	case line := <-s.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a record")
		return ""
	}
}

func TestConnsReusesConnection(t *testing.T) {
	s := startSink(t)
	c := NewConns()
	t.Cleanup(c.CloseAll)

	require.NoError(t, c.Send("bob", s.endpoint(), wire.ChatMessage{Action: wire.ActionChatMessage, From: "alice", Text: "first"}))
	require.NoError(t, c.Send("bob", s.endpoint(), wire.ChatMessage{Action: wire.ActionChatMessage, From: "alice", Text: "second"}))

	var got wire.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(s.recv(t)), &got))
	require.Equal(t, "first", got.Text)
	require.NoError(t, json.Unmarshal([]byte(s.recv(t)), &got))
	require.Equal(t, "second", got.Text)

	require.Equal(t, int32(1), atomic.LoadInt32(&s.accepted))
}

func TestConnsRedialsAfterDrop(t *testing.T) {
	s := startSink(t)
	c := NewConns()
	t.Cleanup(c.CloseAll)

	require.NoError(t, c.Send("bob", s.endpoint(), wire.ChatMessage{Action: wire.ActionChatMessage, From: "alice", Text: "before"}))
	s.recv(t)

	c.Drop("bob")
	require.NoError(t, c.Send("bob", s.endpoint(), wire.ChatMessage{Action: wire.ActionChatMessage, From: "alice", Text: "after"}))

	var got wire.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(s.recv(t)), &got))
	require.Equal(t, "after", got.Text)

	require.Equal(t, int32(2), atomic.LoadInt32(&s.accepted))
}

func TestConnsUnreachablePeer(t *testing.T) {
	c := NewConns()
	err := c.Send("bob", models.Endpoint{Addr: "127.0.0.1", Port: 1}, wire.ChatMessage{Action: wire.ActionChatMessage})
	require.Error(t, err)
}
