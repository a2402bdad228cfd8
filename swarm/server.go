package swarm

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
	"github.com/seedline/seedline/wire"
)

func init() {
	prometheus.MustRegister(promChunksServed)
}

var promChunksServed = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "seedline_peer_chunks_served_total",
	Help: "The number of chunks served to other peers",
})

// ServerConfig represents the configuration of the chunk server.
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg ServerConfig) LogFields() log.Fields {
	return log.Fields{
		"addr":        cfg.Addr,
		"readTimeout": cfg.ReadTimeout,
	}
}

const defaultServerReadTimeout = 50 * time.Second

// Validate sanity checks values set in a config and returns a new config
// with defaults replacing anything unset.
func (cfg ServerConfig) Validate() ServerConfig {
	validcfg := cfg
	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultServerReadTimeout
	}
	return validcfg
}

// Server answers data-port connections. Each connection carries exactly one
// request: list_chunks is answered with a JSON line, get_chunk with the raw
// chunk bytes terminated by connection close.
type Server struct {
	ln    net.Listener
	store *Store

	served int64

	closing chan struct{}
	wg      sync.WaitGroup

	ServerConfig
}

// NewServer starts a chunk server around the shared store.
func NewServer(store *Store, provided ServerConfig) (*Server, error) {
	cfg := provided.Validate()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "swarm: listen")
	}

	s := &Server{
		ln:           ln,
		store:        store,
		closing:      make(chan struct{}),
		ServerConfig: cfg,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve()
	}()

	return s, nil
}

// Addr returns the address the server is accepting connections on.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Served returns the total number of chunks served since start. The
// heartbeat loop reports deltas of this counter.
func (s *Server) Served() int64 { return atomic.LoadInt64(&s.served) }

// Stop provides a thread-safe way to shutdown a currently running Server.
func (s *Server) Stop() stop.Result {
	select {
	case <-s.closing:
		return stop.AlreadyStopped
	default:
	}

	c := make(stop.Channel)
	go func() {
		close(s.closing)
		s.ln.Close()
		s.wg.Wait()
		c.Done(nil)
	}()

	return c.Result()
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				log.Error("swarm: accept failed", log.Err(err))
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(raw net.Conn) {
	conn := wire.NewConn(raw)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.ReadTimeout))

	var req wire.DataRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}

	switch req.Action {
	case wire.ActionListChunks:
		indices, err := s.store.HaveChunks(req.FileHash)
		if err != nil {
			conn.WriteJSON(wire.DataResponse{Status: wire.StatusError, Message: "Arquivo não encontrado"})
			return
		}
		conn.WriteJSON(wire.DataResponse{Status: wire.StatusSuccess, Chunks: indices})

	case wire.ActionGetChunk:
		data, err := s.store.ReadChunk(req.FileHash, req.ChunkIndex)
		if err != nil {
			conn.WriteJSON(wire.DataResponse{Status: wire.StatusError, Message: "Chunk não disponível"})
			return
		}
		if _, err := conn.Raw().Write(data); err != nil {
			log.Debug("swarm: chunk write failed", log.Err(err), log.Fields{"file": req.FileHash, "chunk": req.ChunkIndex})
			return
		}
		atomic.AddInt64(&s.served, 1)
		promChunksServed.Inc()

	default:
		conn.WriteJSON(wire.DataResponse{Status: wire.StatusError, Message: "Ação inválida"})
	}
}
