package chat

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/wire"
)

// Conns is the registry of live outbound chat connections, keyed by peer
// name. Broadcasts reuse an open connection when one exists and fall back to
// a one-shot send when none can be established.
type Conns struct {
	mu    sync.Mutex
	conns map[string]*wire.Conn
}

// NewConns allocates an empty connection registry.
func NewConns() *Conns {
	return &Conns{conns: make(map[string]*wire.Conn)}
}

func (c *Conns) get(username string) (*wire.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[username]
	return conn, ok
}

func (c *Conns) put(username string, conn *wire.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.conns[username]; ok {
		old.Close()
	}
	c.conns[username] = conn
}

// Drop closes and forgets the connection to a peer, if any.
func (c *Conns) Drop(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[username]; ok {
		conn.Close()
		delete(c.conns, username)
	}
}

// CloseAll closes every registered connection.
func (c *Conns) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for username, conn := range c.conns {
		conn.Close()
		delete(c.conns, username)
	}
}

// Send delivers one record to a peer, reusing its live connection when one
// exists. A dead connection is dropped and redialed; if no persistent
// connection can be opened the record goes out as a one-shot send instead.
func (c *Conns) Send(username string, ep models.Endpoint, record interface{}) error {
	if conn, ok := c.get(username); ok {
		conn.SetDeadline(time.Now().Add(sendDialTimeout))
		if err := conn.WriteJSON(record); err == nil {
			return nil
		}
		log.Debug("chat: dropping dead connection", log.Fields{"peer": username})
		c.Drop(username)
	}

	raw, err := net.DialTimeout("tcp", ep.String(), sendDialTimeout)
	if err != nil {
		return Send(ep, record)
	}

	conn := wire.NewConn(raw)
	conn.SetDeadline(time.Now().Add(sendDialTimeout))
	if err := conn.WriteJSON(record); err != nil {
		conn.Close()
		return errors.Wrap(err, "chat: write record")
	}
	c.put(username, conn)
	return nil
}
