// Package api exposes a read-only HTTP view of the tracker's state for
// operators: the file catalog, the online peer set, the room list and the
// Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
	"github.com/seedline/seedline/storage"
	"github.com/seedline/seedline/wire"
)

// Config represents the configuration of the status API.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":         cfg.Addr,
		"readTimeout":  cfg.ReadTimeout,
		"writeTimeout": cfg.WriteTimeout,
	}
}

// Default config constants.
const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Validate sanity checks values set in a config and returns a new config with
// defaults replacing anything unset.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.ReadTimeout <= 0 {
		validcfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		validcfg.WriteTimeout = defaultWriteTimeout
	}

	return validcfg
}

// Server serves the status API over HTTP.
type Server struct {
	srv   *http.Server
	store storage.Store

	closing chan struct{}
	once    sync.Once

	Config
}

// NewServer builds a Server around a store and begins serving.
func NewServer(store storage.Store, provided Config) (*Server, error) {
	cfg := provided.Validate()

	s := &Server{
		store:   store,
		closing: make(chan struct{}),
		Config:  cfg,
	}

	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.GET("/files", s.files)
	router.GET("/users/online", s.onlineUsers)
	router.GET("/rooms", s.rooms)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("api: failed to serve", log.Err(errors.Wrap(err, "api")))
		}
	}()

	return s, nil
}

// Stop provides a thread-safe way to shutdown a currently running Server.
func (s *Server) Stop() stop.Result {
	c := make(stop.Channel)
	s.once.Do(func() {
		close(s.closing)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.Done(s.srv.Shutdown(ctx))
		}()
	})
	return c.Result()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) files(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	files, err := s.store.ListFiles()
	if err != nil {
		writeError(w, err)
		return
	}

	summaries := make([]wire.FileSummary, 0, len(files))
	for _, f := range files {
		summaries = append(summaries, wire.FileSummary{Name: f.Name, Size: f.Size, Hash: f.Hash})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	writeJSON(w, http.StatusOK, map[string]interface{}{"files": summaries})
}

func (s *Server) onlineUsers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	users, err := s.store.ActiveUsers()
	if err != nil {
		writeError(w, err)
		return
	}

	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Name)
	}
	sort.Strings(names)

	writeJSON(w, http.StatusOK, map[string]interface{}{"users": names})
}

func (s *Server) rooms(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	rooms, err := s.store.ListRooms()
	if err != nil {
		writeError(w, err)
		return
	}

	summaries := make([]wire.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		summaries = append(summaries, wire.RoomSummary{RoomID: r.ID, Moderator: r.Moderator})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].RoomID < summaries[j].RoomID })

	writeJSON(w, http.StatusOK, map[string]interface{}{"rooms": summaries})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("api: failed to write response", log.Err(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	log.Error("api: request failed", log.Err(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
