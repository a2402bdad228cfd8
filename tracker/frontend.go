package tracker

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/seedline/seedline/auth"
	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
	"github.com/seedline/seedline/storage"
	"github.com/seedline/seedline/wire"
)

// Config represents the configuration of the tracker frontend.
type Config struct {
	Addr         string              `yaml:"addr"`
	SessionTTL   time.Duration       `yaml:"session_ttl"`
	ReadTimeout  time.Duration       `yaml:"read_timeout"`
	ScoreWeights models.ScoreWeights `yaml:"score_weights"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":        cfg.Addr,
		"sessionTTL":  cfg.SessionTTL,
		"readTimeout": cfg.ReadTimeout,
		"timeWeight":  cfg.ScoreWeights.Time,
		"chunkWeight": cfg.ScoreWeights.Chunks,
	}
}

// Default config constants.
const (
	defaultSessionTTL  = 3 * time.Minute
	defaultReadTimeout = 10 * time.Minute
)

// Validate sanity checks values set in a config and returns a new config with
// defaults replacing anything unset.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.SessionTTL <= 0 {
		validcfg.SessionTTL = defaultSessionTTL
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.SessionTTL",
			"provided": cfg.SessionTTL,
			"default":  validcfg.SessionTTL,
		})
	}

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "tracker.ReadTimeout",
			"provided": cfg.ReadTimeout,
			"default":  validcfg.ReadTimeout,
		})
	}

	return validcfg
}

// Frontend holds the state of a control protocol listener.
type Frontend struct {
	ln    net.Listener
	logic *Logic

	closing chan struct{}
	wg      sync.WaitGroup

	Config
}

// NewFrontend builds a Frontend from the provided dependencies and begins
// accepting connections.
func NewFrontend(store storage.Store, hasher auth.Hasher, provided Config) (*Frontend, error) {
	cfg := provided.Validate()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: listen")
	}

	f := &Frontend{
		ln:      ln,
		logic:   NewLogic(store, hasher, cfg.SessionTTL, cfg.ScoreWeights),
		closing: make(chan struct{}),
		Config:  cfg,
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.serve()
	}()

	return f, nil
}

// Addr returns the address the frontend is accepting connections on.
func (f *Frontend) Addr() net.Addr { return f.ln.Addr() }

// Stop provides a thread-safe way to shutdown a currently running Frontend.
func (f *Frontend) Stop() stop.Result {
	select {
	case <-f.closing:
		return stop.AlreadyStopped
	default:
	}

	c := make(stop.Channel)
	go func() {
		close(f.closing)
		f.ln.Close()
		f.wg.Wait()
		c.Done(nil)
	}()

	return c.Result()
}

func (f *Frontend) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			select {
			case <-f.closing:
				return
			default:
				log.Error("tracker: accept failed", log.Err(err))
				return
			}
		}

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.handle(conn)
		}()
	}
}

// handle runs the session loop of one control connection. The peer's
// username is bound to the connection by its first successful login and the
// peer is deactivated when the connection goes away.
func (f *Frontend) handle(raw net.Conn) {
	conn := wire.NewConn(raw)
	defer conn.Close()

	// Unblock pending reads when the frontend stops.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-f.closing:
			conn.Close()
		case <-done:
		}
	}()

	var session string
	defer func() { f.logic.Disconnected(session) }()

	for {
		conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))

		var req wire.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		resp, loggedIn := f.logic.Handle(req, session)
		if loggedIn {
			session = req.Username
		}

		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}
