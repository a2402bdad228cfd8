// Package memory implements the storage interface entirely in memory, with a
// background sweep enforcing the active-peer TTL.
package memory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	yaml "gopkg.in/yaml.v2"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
	"github.com/seedline/seedline/storage"
)

// Name is the name under which the driver is registered.
const Name = "memory"

func init() {
	storage.RegisterDriver(Name, driver{})
	prometheus.MustRegister(promSweepDurationMilliseconds)
	prometheus.MustRegister(promUsersCount, promFilesCount, promRoomsCount)
}

var promSweepDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "seedline_storage_sweep_duration_milliseconds",
	Help:    "The time it takes to sweep expired peers",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
})

var promUsersCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "seedline_storage_users_count",
	Help: "The number of registered users",
})

var promFilesCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "seedline_storage_files_count",
	Help: "The number of tracked files",
})

var promRoomsCount = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "seedline_storage_rooms_count",
	Help: "The number of chat rooms",
})

type driver struct{}

func (d driver) NewStore(icfg interface{}) (storage.Store, error) {
	// The config generally comes from a loaded YAML file.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, err
	}
	return New(cfg)
}

// ErrInvalidSweepInterval is returned for a SweepInterval that is less than
// or equal to zero.
var ErrInvalidSweepInterval = errors.New("invalid expiry sweep interval")

// Config holds the configuration of a memory Store.
type Config struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PeerLifetime  time.Duration `yaml:"peer_lifetime"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"sweepInterval": cfg.SweepInterval,
		"peerLifetime":  cfg.PeerLifetime,
	}
}

// New creates a new Store backed by memory.
func New(cfg Config) (storage.Store, error) {
	if cfg.SweepInterval <= 0 {
		return nil, ErrInvalidSweepInterval
	}

	ms := &memoryStore{
		users:     make(map[string]models.User),
		scores:    make(map[string]models.PeerScore),
		files:     make(map[models.Hash]models.File),
		owners:    make(map[models.Hash]map[string]struct{}),
		peerFiles: make(map[string]map[models.Hash]struct{}),
		rooms:     make(map[string]models.Room),
		members:   make(map[string]map[string]models.RoomMember),
		closing:   make(chan struct{}),
	}

	ms.wg.Add(1)
	go func() {
		defer ms.wg.Done()
		for {
			select {
			case <-ms.closing:
				return
			case <-time.After(cfg.SweepInterval):
				deadline := time.Now().Add(-cfg.PeerLifetime)
				log.Debug("memory: sweeping peers with no heartbeat since", log.Fields{"deadline": deadline})
				start := time.Now()
				swept, _ := ms.ExpirePeers(deadline)
				promSweepDurationMilliseconds.Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
				if swept > 0 {
					log.Info("memory: swept expired peers", log.Fields{"count": swept})
				}
			}
		}
	}()

	return ms, nil
}

type memoryStore struct {
	mu        sync.RWMutex
	users     map[string]models.User
	scores    map[string]models.PeerScore
	files     map[models.Hash]models.File
	owners    map[models.Hash]map[string]struct{}
	peerFiles map[string]map[models.Hash]struct{}
	rooms     map[string]models.Room
	members   map[string]map[string]models.RoomMember

	closing chan struct{}
	wg      sync.WaitGroup
}

var _ storage.Store = &memoryStore{}

func (ms *memoryStore) CreateUser(u models.User) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.users[u.Name]; ok {
		return models.ErrUserExists
	}
	ms.users[u.Name] = u
	promUsersCount.Inc()
	return nil
}

func (ms *memoryStore) GetUser(name string) (models.User, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	u, ok := ms.users[name]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return u, nil
}

func (ms *memoryStore) Activate(name, addr string, dataPort, chatPort int, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	u, ok := ms.users[name]
	if !ok {
		return models.ErrUserNotFound
	}
	u.Active = true
	u.Addr = addr
	u.DataPort = dataPort
	u.ChatPort = chatPort
	u.LastSeen = now
	ms.users[name] = u
	return nil
}

func (ms *memoryStore) Deactivate(name string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.deactivateLocked(name)
}

func (ms *memoryStore) deactivateLocked(name string) error {
	u, ok := ms.users[name]
	if !ok {
		return models.ErrUserNotFound
	}
	u.Active = false
	ms.users[name] = u

	for h := range ms.peerFiles[name] {
		ms.dissociateLocked(h, name)
	}
	delete(ms.peerFiles, name)
	return nil
}

// dissociateLocked removes one association and garbage-collects the file if
// it was the last owner.
func (ms *memoryStore) dissociateLocked(h models.Hash, name string) {
	own, ok := ms.owners[h]
	if !ok {
		return
	}
	delete(own, name)
	if len(own) == 0 {
		delete(ms.owners, h)
		if _, ok := ms.files[h]; ok {
			delete(ms.files, h)
			promFilesCount.Dec()
		}
	}
}

func (ms *memoryStore) TouchPeer(name string, now time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	u, ok := ms.users[name]
	if !ok {
		return models.ErrUserNotFound
	}
	u.LastSeen = now
	ms.users[name] = u
	return nil
}

func (ms *memoryStore) ActiveUsers() ([]models.User, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var active []models.User
	for _, u := range ms.users {
		if u.Active {
			active = append(active, u)
		}
	}
	return active, nil
}

func (ms *memoryStore) ExpirePeers(deadline time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	swept := 0
	for name, u := range ms.users {
		if u.Active && u.LastSeen.Before(deadline) {
			_ = ms.deactivateLocked(name)
			swept++
		}
	}
	return swept, nil
}

func (ms *memoryStore) UpsertFile(f models.File, owner string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.files[f.Hash]; !ok {
		ms.files[f.Hash] = f
		promFilesCount.Inc()
	}
	ms.associateLocked(f.Hash, owner)
	return nil
}

func (ms *memoryStore) AssociatePeer(h models.Hash, owner string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.associateLocked(h, owner)
	return nil
}

func (ms *memoryStore) associateLocked(h models.Hash, owner string) {
	if ms.owners[h] == nil {
		ms.owners[h] = make(map[string]struct{})
	}
	ms.owners[h][owner] = struct{}{}

	if ms.peerFiles[owner] == nil {
		ms.peerFiles[owner] = make(map[models.Hash]struct{})
	}
	ms.peerFiles[owner][h] = struct{}{}
}

func (ms *memoryStore) SetPeerFiles(owner string, hashes []models.Hash) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	want := make(map[models.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		want[h] = struct{}{}
	}

	for h := range ms.peerFiles[owner] {
		if _, ok := want[h]; !ok {
			ms.dissociateLocked(h, owner)
			delete(ms.peerFiles[owner], h)
		}
	}
	for h := range want {
		ms.associateLocked(h, owner)
	}
	return nil
}

func (ms *memoryStore) GetFile(h models.Hash) (models.File, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	f, ok := ms.files[h]
	if !ok {
		return models.File{}, models.ErrFileNotFound
	}
	return f, nil
}

func (ms *memoryStore) ListFiles() ([]models.File, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	files := make([]models.File, 0, len(ms.files))
	for _, f := range ms.files {
		files = append(files, f)
	}
	return files, nil
}

func (ms *memoryStore) FileOwners(h models.Hash) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var names []string
	for name := range ms.owners[h] {
		names = append(names, name)
	}
	return names, nil
}

func (ms *memoryStore) AddScore(name string, m models.Metrics) (models.PeerScore, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	s := ms.scores[name]
	s.Add(m)
	ms.scores[name] = s
	return s, nil
}

func (ms *memoryStore) GetScore(name string) (models.PeerScore, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.scores[name], nil
}

func (ms *memoryStore) CreateRoom(r models.Room) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.rooms[r.ID]; ok {
		return models.ErrRoomExists
	}
	ms.rooms[r.ID] = r
	ms.members[r.ID] = map[string]models.RoomMember{
		r.Moderator: {RoomID: r.ID, Username: r.Moderator, JoinedAt: r.CreatedAt},
	}
	promRoomsCount.Inc()
	return nil
}

func (ms *memoryStore) DeleteRoom(id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.rooms[id]; !ok {
		return models.ErrRoomNotFound
	}
	delete(ms.rooms, id)
	delete(ms.members, id)
	promRoomsCount.Dec()
	return nil
}

func (ms *memoryStore) GetRoom(id string) (models.Room, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	r, ok := ms.rooms[id]
	if !ok {
		return models.Room{}, models.ErrRoomNotFound
	}
	return r, nil
}

func (ms *memoryStore) ListRooms() ([]models.Room, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	rooms := make([]models.Room, 0, len(ms.rooms))
	for _, r := range ms.rooms {
		rooms = append(rooms, r)
	}
	return rooms, nil
}

func (ms *memoryStore) AddRoomMember(roomID, username string, at time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mm, ok := ms.members[roomID]
	if !ok {
		return models.ErrRoomNotFound
	}
	if _, ok := mm[username]; ok {
		return nil
	}
	mm[username] = models.RoomMember{RoomID: roomID, Username: username, JoinedAt: at}
	return nil
}

func (ms *memoryStore) RemoveRoomMember(roomID, username string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	r, ok := ms.rooms[roomID]
	if !ok {
		return models.ErrRoomNotFound
	}
	if r.Moderator == username {
		return models.ErrModeratorImmutable
	}
	delete(ms.members[roomID], username)
	return nil
}

func (ms *memoryStore) RoomMembers(roomID string) ([]models.RoomMember, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	mm, ok := ms.members[roomID]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	members := make([]models.RoomMember, 0, len(mm))
	for _, m := range mm {
		members = append(members, m)
	}
	sortMembersByJoin(members)
	return members, nil
}

func (ms *memoryStore) IsRoomMember(roomID, username string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	mm, ok := ms.members[roomID]
	if !ok {
		return false, nil
	}
	_, ok = mm[username]
	return ok, nil
}

func (ms *memoryStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		select {
		case <-ms.closing:
		default:
			close(ms.closing)
		}
		ms.wg.Wait()
		c.Done()
	}()
	return c.Result()
}

func sortMembersByJoin(members []models.RoomMember) {
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].Username < members[j].Username
	})
}
