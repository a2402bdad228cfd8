// Package redis implements the storage interface on top of redis, so
// multiple tracker processes can share one directory. The periodic expiry
// sweep is guarded by a distributed mutex.
package redis

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredigo "github.com/go-redsync/redsync/v4/redis/redigo"
	redigo "github.com/gomodule/redigo/redis"
	yaml "gopkg.in/yaml.v2"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
	"github.com/seedline/seedline/storage"
)

// Name is the name under which the driver is registered.
const Name = "redis"

func init() {
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewStore(icfg interface{}) (storage.Store, error) {
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

// ErrNoAddr is returned when the config carries no redis address.
var ErrNoAddr = errors.New("redis: no address configured")

// Config holds the configuration of a redis Store.
type Config struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	KeyPrefix      string        `yaml:"key_prefix"`
	MaxIdle        int           `yaml:"max_idle"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	PeerLifetime   time.Duration `yaml:"peer_lifetime"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"addr":          cfg.Addr,
		"db":            cfg.DB,
		"keyPrefix":     cfg.KeyPrefix,
		"sweepInterval": cfg.SweepInterval,
		"peerLifetime":  cfg.PeerLifetime,
	}
}

func newPool(cfg Config) *redigo.Pool {
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 3
	}

	return &redigo.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redigo.Conn, error) {
			opts := []redigo.DialOption{
				redigo.DialDatabase(cfg.DB),
				redigo.DialReadTimeout(cfg.ReadTimeout),
				redigo.DialWriteTimeout(cfg.WriteTimeout),
				redigo.DialConnectTimeout(cfg.ConnectTimeout),
			}
			if cfg.Password != "" {
				opts = append(opts, redigo.DialPassword(cfg.Password))
			}
			return redigo.Dial("tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redigo.Conn, t time.Time) error {
			if time.Since(t) < 10*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// New creates a new Store backed by redis.
func New(cfg Config) (storage.Store, error) {
	if cfg.Addr == "" {
		return nil, ErrNoAddr
	}

	pool := newPool(cfg)
	conn := pool.Get()
	if err := conn.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	conn.Close()

	rs := &redisStore{
		pool:    pool,
		rsync:   redsync.New(redsyncredigo.NewPool(pool)),
		prefix:  cfg.KeyPrefix,
		closing: make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		rs.wg.Add(1)
		go func() {
			defer rs.wg.Done()
			for {
				select {
				case <-rs.closing:
					return
				case <-time.After(cfg.SweepInterval):
					rs.sweep(cfg.PeerLifetime)
				}
			}
		}()
	}

	return rs, nil
}

type redisStore struct {
	pool   *redigo.Pool
	rsync  *redsync.Redsync
	prefix string

	closing chan struct{}
	wg      sync.WaitGroup
}

var _ storage.Store = &redisStore{}

func (rs *redisStore) key(parts ...string) string {
	return rs.prefix + strings.Join(parts, ":")
}

// sweep expires stale peers. The redsync mutex keeps concurrent trackers
// sharing this redis from sweeping simultaneously.
func (rs *redisStore) sweep(lifetime time.Duration) {
	mutex := rs.rsync.NewMutex(rs.key("sweep", "lock"), redsync.WithExpiry(30*time.Second))
	if err := mutex.Lock(); err != nil {
		log.Debug("redis: sweep lock held elsewhere", log.Err(err))
		return
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			log.Error("redis: failed to release sweep lock", log.Err(err))
		}
	}()

	swept, err := rs.ExpirePeers(time.Now().Add(-lifetime))
	if err != nil {
		log.Error("redis: expiry sweep failed", log.Err(err))
		return
	}
	if swept > 0 {
		log.Info("redis: swept expired peers", log.Fields{"count": swept})
	}
}

func (rs *redisStore) CreateUser(u models.User) error {
	conn := rs.pool.Get()
	defer conn.Close()

	created, err := redigo.Int(conn.Do("SADD", rs.key("users"), u.Name))
	if err != nil {
		return err
	}
	if created == 0 {
		return models.ErrUserExists
	}

	uk := rs.key("user", u.Name)
	if _, err := conn.Do("HSET", uk, "password", u.PasswordDigest); err != nil {
		return err
	}
	_, err = conn.Do("HSET", uk, "active", "0")
	return err
}

func (rs *redisStore) getUser(conn redigo.Conn, name string) (models.User, error) {
	exists, err := redigo.Bool(conn.Do("SISMEMBER", rs.key("users"), name))
	if err != nil {
		return models.User{}, err
	}
	if !exists {
		return models.User{}, models.ErrUserNotFound
	}

	vals, err := redigo.StringMap(conn.Do("HGETALL", rs.key("user", name)))
	if err != nil {
		return models.User{}, err
	}

	u := models.User{Name: name, PasswordDigest: vals["password"]}
	u.Addr = vals["addr"]
	u.DataPort, _ = strconv.Atoi(vals["data_port"])
	u.ChatPort, _ = strconv.Atoi(vals["chat_port"])
	u.Active = vals["active"] == "1"
	if ns, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		u.LastSeen = time.Unix(0, ns).UTC()
	}
	return u, nil
}

func (rs *redisStore) GetUser(name string) (models.User, error) {
	conn := rs.pool.Get()
	defer conn.Close()
	return rs.getUser(conn, name)
}

func (rs *redisStore) Activate(name, addr string, dataPort, chatPort int, now time.Time) error {
	conn := rs.pool.Get()
	defer conn.Close()

	if _, err := rs.getUser(conn, name); err != nil {
		return err
	}

	uk := rs.key("user", name)
	fields := [][2]string{
		{"addr", addr},
		{"data_port", strconv.Itoa(dataPort)},
		{"chat_port", strconv.Itoa(chatPort)},
		{"active", "1"},
		{"last_seen", strconv.FormatInt(now.UnixNano(), 10)},
	}
	for _, f := range fields {
		if _, err := conn.Do("HSET", uk, f[0], f[1]); err != nil {
			return err
		}
	}
	_, err := conn.Do("SADD", rs.key("active"), name)
	return err
}

func (rs *redisStore) Deactivate(name string) error {
	conn := rs.pool.Get()
	defer conn.Close()
	return rs.deactivate(conn, name)
}

func (rs *redisStore) deactivate(conn redigo.Conn, name string) error {
	if _, err := rs.getUser(conn, name); err != nil {
		return err
	}

	if _, err := conn.Do("HSET", rs.key("user", name), "active", "0"); err != nil {
		return err
	}
	if _, err := conn.Do("SREM", rs.key("active"), name); err != nil {
		return err
	}

	hashes, err := redigo.Strings(conn.Do("SMEMBERS", rs.key("peerfiles", name)))
	if err != nil {
		return err
	}
	for _, h := range hashes {
		if err := rs.dissociate(conn, models.Hash(h), name); err != nil {
			return err
		}
	}
	_, err = conn.Do("DEL", rs.key("peerfiles", name))
	return err
}

func (rs *redisStore) dissociate(conn redigo.Conn, h models.Hash, name string) error {
	ok := rs.key("owners", string(h))
	if _, err := conn.Do("SREM", ok, name); err != nil {
		return err
	}
	left, err := redigo.Int(conn.Do("SCARD", ok))
	if err != nil {
		return err
	}
	if left == 0 {
		if _, err := conn.Do("DEL", ok, rs.key("file", string(h))); err != nil {
			return err
		}
		if _, err := conn.Do("SREM", rs.key("files"), string(h)); err != nil {
			return err
		}
	}
	return nil
}

func (rs *redisStore) TouchPeer(name string, now time.Time) error {
	conn := rs.pool.Get()
	defer conn.Close()

	if _, err := rs.getUser(conn, name); err != nil {
		return err
	}
	_, err := conn.Do("HSET", rs.key("user", name), "last_seen", strconv.FormatInt(now.UnixNano(), 10))
	return err
}

func (rs *redisStore) ActiveUsers() ([]models.User, error) {
	conn := rs.pool.Get()
	defer conn.Close()

	names, err := redigo.Strings(conn.Do("SMEMBERS", rs.key("active")))
	if err != nil {
		return nil, err
	}

	var users []models.User
	for _, name := range names {
		u, err := rs.getUser(conn, name)
		if err != nil {
			continue
		}
		if u.Active {
			users = append(users, u)
		}
	}
	return users, nil
}

func (rs *redisStore) ExpirePeers(deadline time.Time) (int, error) {
	conn := rs.pool.Get()
	defer conn.Close()

	names, err := redigo.Strings(conn.Do("SMEMBERS", rs.key("active")))
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, name := range names {
		u, err := rs.getUser(conn, name)
		if err != nil {
			continue
		}
		if u.Active && u.LastSeen.Before(deadline) {
			if err := rs.deactivate(conn, name); err != nil {
				return swept, err
			}
			swept++
		}
	}
	return swept, nil
}

func (rs *redisStore) UpsertFile(f models.File, owner string) error {
	conn := rs.pool.Get()
	defer conn.Close()

	created, err := redigo.Int(conn.Do("SADD", rs.key("files"), string(f.Hash)))
	if err != nil {
		return err
	}
	if created == 1 {
		fk := rs.key("file", string(f.Hash))
		chunks := make([]string, len(f.ChunkHashes))
		for i, h := range f.ChunkHashes {
			chunks[i] = string(h)
		}
		fields := [][2]string{
			{"name", f.Name},
			{"size", strconv.FormatInt(f.Size, 10)},
			{"chunks", strings.Join(chunks, ",")},
		}
		for _, fv := range fields {
			if _, err := conn.Do("HSET", fk, fv[0], fv[1]); err != nil {
				return err
			}
		}
	}
	return rs.associate(conn, f.Hash, owner)
}

func (rs *redisStore) AssociatePeer(h models.Hash, owner string) error {
	conn := rs.pool.Get()
	defer conn.Close()
	return rs.associate(conn, h, owner)
}

func (rs *redisStore) associate(conn redigo.Conn, h models.Hash, owner string) error {
	if _, err := conn.Do("SADD", rs.key("owners", string(h)), owner); err != nil {
		return err
	}
	_, err := conn.Do("SADD", rs.key("peerfiles", owner), string(h))
	return err
}

func (rs *redisStore) SetPeerFiles(owner string, hashes []models.Hash) error {
	conn := rs.pool.Get()
	defer conn.Close()

	current, err := redigo.Strings(conn.Do("SMEMBERS", rs.key("peerfiles", owner)))
	if err != nil {
		return err
	}

	want := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		want[string(h)] = struct{}{}
	}

	for _, h := range current {
		if _, ok := want[h]; !ok {
			if err := rs.dissociate(conn, models.Hash(h), owner); err != nil {
				return err
			}
			if _, err := conn.Do("SREM", rs.key("peerfiles", owner), h); err != nil {
				return err
			}
		}
	}
	for h := range want {
		if err := rs.associate(conn, models.Hash(h), owner); err != nil {
			return err
		}
	}
	return nil
}

func (rs *redisStore) GetFile(h models.Hash) (models.File, error) {
	conn := rs.pool.Get()
	defer conn.Close()
	return rs.getFile(conn, h)
}

func (rs *redisStore) getFile(conn redigo.Conn, h models.Hash) (models.File, error) {
	exists, err := redigo.Bool(conn.Do("SISMEMBER", rs.key("files"), string(h)))
	if err != nil {
		return models.File{}, err
	}
	if !exists {
		return models.File{}, models.ErrFileNotFound
	}

	vals, err := redigo.StringMap(conn.Do("HGETALL", rs.key("file", string(h))))
	if err != nil {
		return models.File{}, err
	}

	f := models.File{Hash: h, Name: vals["name"]}
	f.Size, _ = strconv.ParseInt(vals["size"], 10, 64)
	if vals["chunks"] != "" {
		for _, c := range strings.Split(vals["chunks"], ",") {
			f.ChunkHashes = append(f.ChunkHashes, models.Hash(c))
		}
	}
	return f, nil
}

func (rs *redisStore) ListFiles() ([]models.File, error) {
	conn := rs.pool.Get()
	defer conn.Close()

	hashes, err := redigo.Strings(conn.Do("SMEMBERS", rs.key("files")))
	if err != nil {
		return nil, err
	}

	files := make([]models.File, 0, len(hashes))
	for _, h := range hashes {
		f, err := rs.getFile(conn, models.Hash(h))
		if err != nil {
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

func (rs *redisStore) FileOwners(h models.Hash) ([]string, error) {
	conn := rs.pool.Get()
	defer conn.Close()
	return redigo.Strings(conn.Do("SMEMBERS", rs.key("owners", string(h))))
}

func (rs *redisStore) AddScore(name string, m models.Metrics) (models.PeerScore, error) {
	conn := rs.pool.Get()
	defer conn.Close()

	sk := rs.key("score", name)
	if m.Seconds > 0 {
		if _, err := conn.Do("HINCRBY", sk, "seconds", m.Seconds); err != nil {
			return models.PeerScore{}, err
		}
	}
	if m.ChunksServed > 0 {
		if _, err := conn.Do("HINCRBY", sk, "chunks", m.ChunksServed); err != nil {
			return models.PeerScore{}, err
		}
	}
	return rs.getScore(conn, name)
}

func (rs *redisStore) GetScore(name string) (models.PeerScore, error) {
	conn := rs.pool.Get()
	defer conn.Close()
	return rs.getScore(conn, name)
}

func (rs *redisStore) getScore(conn redigo.Conn, name string) (models.PeerScore, error) {
	vals, err := redigo.StringMap(conn.Do("HGETALL", rs.key("score", name)))
	if err != nil {
		return models.PeerScore{}, err
	}
	var s models.PeerScore
	s.Seconds, _ = strconv.ParseInt(vals["seconds"], 10, 64)
	s.ChunksServed, _ = strconv.ParseInt(vals["chunks"], 10, 64)
	return s, nil
}

func (rs *redisStore) CreateRoom(r models.Room) error {
	conn := rs.pool.Get()
	defer conn.Close()

	created, err := redigo.Int(conn.Do("SADD", rs.key("rooms"), r.ID))
	if err != nil {
		return err
	}
	if created == 0 {
		return models.ErrRoomExists
	}

	rk := rs.key("room", r.ID)
	fields := [][2]string{
		{"moderator", r.Moderator},
		{"created_at", strconv.FormatInt(r.CreatedAt.UnixNano(), 10)},
		{"max_history", strconv.Itoa(r.MaxHistory)},
	}
	for _, fv := range fields {
		if _, err := conn.Do("HSET", rk, fv[0], fv[1]); err != nil {
			return err
		}
	}

	_, err = conn.Do("HSET", rs.key("members", r.ID), r.Moderator, strconv.FormatInt(r.CreatedAt.UnixNano(), 10))
	return err
}

func (rs *redisStore) DeleteRoom(id string) error {
	conn := rs.pool.Get()
	defer conn.Close()

	removed, err := redigo.Int(conn.Do("SREM", rs.key("rooms"), id))
	if err != nil {
		return err
	}
	if removed == 0 {
		return models.ErrRoomNotFound
	}
	_, err = conn.Do("DEL", rs.key("room", id), rs.key("members", id))
	return err
}

func (rs *redisStore) GetRoom(id string) (models.Room, error) {
	conn := rs.pool.Get()
	defer conn.Close()
	return rs.getRoom(conn, id)
}

func (rs *redisStore) getRoom(conn redigo.Conn, id string) (models.Room, error) {
	exists, err := redigo.Bool(conn.Do("SISMEMBER", rs.key("rooms"), id))
	if err != nil {
		return models.Room{}, err
	}
	if !exists {
		return models.Room{}, models.ErrRoomNotFound
	}

	vals, err := redigo.StringMap(conn.Do("HGETALL", rs.key("room", id)))
	if err != nil {
		return models.Room{}, err
	}

	r := models.Room{ID: id, Moderator: vals["moderator"]}
	if ns, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil {
		r.CreatedAt = time.Unix(0, ns).UTC()
	}
	r.MaxHistory, _ = strconv.Atoi(vals["max_history"])
	return r, nil
}

func (rs *redisStore) ListRooms() ([]models.Room, error) {
	conn := rs.pool.Get()
	defer conn.Close()

	ids, err := redigo.Strings(conn.Do("SMEMBERS", rs.key("rooms")))
	if err != nil {
		return nil, err
	}

	rooms := make([]models.Room, 0, len(ids))
	for _, id := range ids {
		r, err := rs.getRoom(conn, id)
		if err != nil {
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

func (rs *redisStore) AddRoomMember(roomID, username string, at time.Time) error {
	conn := rs.pool.Get()
	defer conn.Close()

	if _, err := rs.getRoom(conn, roomID); err != nil {
		return err
	}

	exists, err := redigo.Bool(conn.Do("HEXISTS", rs.key("members", roomID), username))
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = conn.Do("HSET", rs.key("members", roomID), username, strconv.FormatInt(at.UnixNano(), 10))
	return err
}

func (rs *redisStore) RemoveRoomMember(roomID, username string) error {
	conn := rs.pool.Get()
	defer conn.Close()

	r, err := rs.getRoom(conn, roomID)
	if err != nil {
		return err
	}
	if r.Moderator == username {
		return models.ErrModeratorImmutable
	}
	_, err = conn.Do("HDEL", rs.key("members", roomID), username)
	return err
}

func (rs *redisStore) RoomMembers(roomID string) ([]models.RoomMember, error) {
	conn := rs.pool.Get()
	defer conn.Close()

	if _, err := rs.getRoom(conn, roomID); err != nil {
		return nil, err
	}

	vals, err := redigo.StringMap(conn.Do("HGETALL", rs.key("members", roomID)))
	if err != nil {
		return nil, err
	}

	members := make([]models.RoomMember, 0, len(vals))
	for name, joined := range vals {
		m := models.RoomMember{RoomID: roomID, Username: name}
		if ns, err := strconv.ParseInt(joined, 10, 64); err == nil {
			m.JoinedAt = time.Unix(0, ns).UTC()
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].Username < members[j].Username
	})
	return members, nil
}

func (rs *redisStore) IsRoomMember(roomID, username string) (bool, error) {
	conn := rs.pool.Get()
	defer conn.Close()
	return redigo.Bool(conn.Do("HEXISTS", rs.key("members", roomID), username))
}

func (rs *redisStore) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		select {
		case <-rs.closing:
		default:
			close(rs.closing)
		}
		rs.wg.Wait()
		c.Done(rs.pool.Close())
	}()
	return c.Result()
}
