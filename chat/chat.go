// Package chat implements the peer-to-peer chat transport: a listener for
// incoming chat connections and one-shot senders for direct messages, room
// broadcasts and journal sync pulls.
package chat

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
	"github.com/seedline/seedline/wire"
)

// Handler receives the decoded records arriving on the chat port.
type Handler interface {
	// HandleDirect delivers a 1:1 message.
	HandleDirect(m wire.ChatMessage)

	// HandleRoomMessage delivers a room broadcast.
	HandleRoomMessage(m wire.RoomMessage)

	// HandleSync answers a journal pull. The response is written back on
	// the same connection.
	HandleSync(req wire.SyncRequest) wire.SyncResponse
}

// ListenerConfig represents the configuration of the chat listener.
type ListenerConfig struct {
	Addr        string        `yaml:"addr"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg ListenerConfig) LogFields() log.Fields {
	return log.Fields{
		"addr":        cfg.Addr,
		"idleTimeout": cfg.IdleTimeout,
	}
}

const defaultIdleTimeout = 10 * time.Minute

// Validate sanity checks values set in a config and returns a new config
// with defaults replacing anything unset.
func (cfg ListenerConfig) Validate() ListenerConfig {
	validcfg := cfg
	if cfg.IdleTimeout <= 0 {
		validcfg.IdleTimeout = defaultIdleTimeout
	}
	return validcfg
}

// Listener accepts chat connections and feeds their records to a Handler.
// Connections are persistent; malformed lines are skipped, unknown actions
// ignored.
type Listener struct {
	ln      net.Listener
	handler Handler

	closing chan struct{}
	wg      sync.WaitGroup

	ListenerConfig
}

// NewListener starts a chat listener.
func NewListener(handler Handler, provided ListenerConfig) (*Listener, error) {
	cfg := provided.Validate()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "chat: listen")
	}

	l := &Listener{
		ln:             ln,
		handler:        handler,
		closing:        make(chan struct{}),
		ListenerConfig: cfg,
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.serve()
	}()

	return l, nil
}

// Addr returns the address the listener is accepting connections on.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Stop provides a thread-safe way to shutdown a currently running Listener.
func (l *Listener) Stop() stop.Result {
	select {
	case <-l.closing:
		return stop.AlreadyStopped
	default:
	}

	c := make(stop.Channel)
	go func() {
		close(l.closing)
		l.ln.Close()
		l.wg.Wait()
		c.Done(nil)
	}()

	return c.Result()
}

func (l *Listener) serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closing:
				return
			default:
				log.Error("chat: accept failed", log.Err(err))
				return
			}
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

func (l *Listener) handle(raw net.Conn) {
	conn := wire.NewConn(raw)
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-l.closing:
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(l.IdleTimeout))

		line, err := conn.ReadLine()
		if err != nil {
			return
		}

		record, err := wire.DecodeChatRecord(line)
		if err != nil {
			log.Debug("chat: skipping malformed record", log.Err(err), log.Fields{"remote": conn.RemoteAddr()})
			continue
		}

		switch r := record.(type) {
		case wire.ChatMessage:
			l.handler.HandleDirect(r)
		case wire.RoomMessage:
			l.handler.HandleRoomMessage(r)
		case wire.SyncRequest:
			if err := conn.WriteJSON(l.handler.HandleSync(r)); err != nil {
				return
			}
		case nil:
			// Unknown action, skipped.
		}
	}
}
