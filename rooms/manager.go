// Package rooms implements the peer's private room state: a content-hash
// deduplicated journal per room, gossip of new messages to current members
// and a periodic anti-entropy sync that converges journals across the room.
package rooms

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/seedline/seedline/chat"
	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
	"github.com/seedline/seedline/wire"
)

// Directory is the slice of the tracker client the room manager depends on.
type Directory interface {
	Username() string
	ListRooms() ([]wire.RoomSummary, error)
	RoomMembers(roomID string) ([]wire.MemberInfo, error)
	RoomInfo(roomID string) (wire.RoomInfo, error)
	GetPeerChatAddress(username string) (models.Endpoint, error)
}

// Config represents the configuration of the room manager.
type Config struct {
	Dir          string        `yaml:"dir"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	ActiveWindow time.Duration `yaml:"active_window"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	SyncFanout   int           `yaml:"sync_fanout"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"dir":          cfg.Dir,
		"syncInterval": cfg.SyncInterval,
		"activeWindow": cfg.ActiveWindow,
		"staleAfter":   cfg.StaleAfter,
		"syncFanout":   cfg.SyncFanout,
	}
}

// Default config constants.
const (
	defaultSyncInterval = 120 * time.Second
	defaultActiveWindow = 5 * time.Minute
	defaultStaleAfter   = 10 * time.Minute
	defaultSyncFanout   = 2
)

// Validate sanity checks values set in a config and returns a new config
// with defaults replacing anything unset.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.SyncInterval <= 0 {
		validcfg.SyncInterval = defaultSyncInterval
	}
	if cfg.ActiveWindow <= 0 {
		validcfg.ActiveWindow = defaultActiveWindow
	}
	if cfg.StaleAfter <= 0 {
		validcfg.StaleAfter = defaultStaleAfter
	}
	if cfg.SyncFanout <= 0 {
		validcfg.SyncFanout = defaultSyncFanout
	}

	return validcfg
}

// journalFile is the on-disk form of a room journal.
type journalFile struct {
	Messages []models.Message `json:"messages"`
}

// Manager owns the room journals of one peer.
type Manager struct {
	directory Directory
	conns     *chat.Conns

	journalDir string
	auditDir   string

	mu           sync.Mutex
	locks        map[string]*sync.Mutex
	lastActivity map[string]time.Time
	lastSync     map[string]time.Time
	syncing      map[string]struct{}

	closing chan struct{}
	wg      sync.WaitGroup

	Config
}

// New builds a Manager and starts its sync scheduler.
func New(directory Directory, provided Config) (*Manager, error) {
	cfg := provided.Validate()

	m := &Manager{
		directory:    directory,
		conns:        chat.NewConns(),
		journalDir:   filepath.Join(cfg.Dir, "room_messages"),
		auditDir:     filepath.Join(cfg.Dir, "chat_logs"),
		locks:        make(map[string]*sync.Mutex),
		lastActivity: make(map[string]time.Time),
		lastSync:     make(map[string]time.Time),
		syncing:      make(map[string]struct{}),
		closing:      make(chan struct{}),
		Config:       cfg,
	}

	for _, dir := range []string{m.journalDir, m.auditDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "rooms: create data dir")
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.syncLoop()
	}()

	return m, nil
}

// Stop provides a thread-safe way to shutdown a currently running Manager.
func (m *Manager) Stop() stop.Result {
	select {
	case <-m.closing:
		return stop.AlreadyStopped
	default:
	}

	c := make(stop.Channel)
	go func() {
		close(m.closing)
		m.wg.Wait()
		m.conns.CloseAll()
		c.Done(nil)
	}()

	return c.Result()
}

func (m *Manager) roomLock(roomID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[roomID] = l
	}
	return l
}

func (m *Manager) journalPath(roomID string) string {
	return filepath.Join(m.journalDir, "room_"+roomID+".json")
}

func (m *Manager) auditPath(roomID string) string {
	return filepath.Join(m.auditDir, "room_"+roomID+".log")
}

// load reads a room's journal. A missing journal is an empty one.
func (m *Manager) load(roomID string) ([]models.Message, error) {
	b, err := ioutil.ReadFile(m.journalPath(roomID))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "rooms: read journal")
	}

	var jf journalFile
	if err := json.Unmarshal(b, &jf); err != nil {
		return nil, errors.Wrap(err, "rooms: decode journal")
	}
	return jf.Messages, nil
}

// persist writes a journal atomically, temp file then rename.
func (m *Manager) persist(roomID string, msgs []models.Message) error {
	b, err := json.Marshal(journalFile{Messages: msgs})
	if err != nil {
		return errors.Wrap(err, "rooms: encode journal")
	}

	path := m.journalPath(roomID)
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "rooms: write journal")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rooms: commit journal")
	}
	return nil
}

// audit appends the newly merged messages to the room's plain-text log.
func (m *Manager) audit(roomID string, msgs []models.Message) {
	fh, err := os.OpenFile(m.auditPath(roomID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error("rooms: failed to open audit log", log.Err(err), log.Fields{"room": roomID})
		return
	}
	defer fh.Close()

	for _, msg := range msgs {
		if _, err := fmt.Fprintf(fh, "[%s] %s: %s\n", msg.Timestamp, msg.Sender, msg.Text); err != nil {
			log.Error("rooms: failed to append audit log", log.Err(err), log.Fields{"room": roomID})
			return
		}
	}
}

// merge folds incoming messages into a room's journal, capping it at
// maxHistory, and reports whether anything new arrived.
func (m *Manager) merge(roomID string, maxHistory int, incoming []models.Message) (bool, error) {
	l := m.roomLock(roomID)
	l.Lock()
	defer l.Unlock()

	journal, err := m.load(roomID)
	if err != nil {
		return false, err
	}

	known := make(map[models.Hash]struct{}, len(journal))
	for _, msg := range journal {
		known[msg.Hash] = struct{}{}
	}

	merged, changed := models.MergeMessages(journal, incoming)
	if !changed {
		return false, nil
	}

	if maxHistory > 0 && len(merged) > maxHistory {
		merged = merged[len(merged)-maxHistory:]
	}
	if err := m.persist(roomID, merged); err != nil {
		return false, err
	}

	fresh := make([]models.Message, 0, len(incoming))
	for _, msg := range incoming {
		if _, ok := known[msg.Hash]; !ok {
			fresh = append(fresh, msg)
		}
	}
	models.SortMessages(fresh)
	m.audit(roomID, fresh)

	m.mu.Lock()
	m.lastActivity[roomID] = time.Now()
	m.mu.Unlock()
	return true, nil
}

// Messages returns the current journal of a room in converged order.
func (m *Manager) Messages(roomID string) ([]models.Message, error) {
	l := m.roomLock(roomID)
	l.Lock()
	defer l.Unlock()
	return m.load(roomID)
}

// Send appends a message authored by this peer and gossips it to the room's
// current members. Delivery failures are tolerated; absent members converge
// later through sync.
func (m *Manager) Send(roomID, text string) (models.Message, error) {
	info, err := m.directory.RoomInfo(roomID)
	if err != nil {
		return models.Message{}, err
	}

	self := m.directory.Username()
	msg := models.NewMessage(roomID, self, text, time.Now())
	if _, err := m.merge(roomID, info.MaxHistory, []models.Message{msg}); err != nil {
		return models.Message{}, err
	}

	members, err := m.directory.RoomMembers(roomID)
	if err != nil {
		return msg, err
	}

	record := wire.NewRoomMessage(msg)
	for _, member := range members {
		if member.Username == self {
			continue
		}

		ep, err := m.directory.GetPeerChatAddress(member.Username)
		if err != nil {
			log.Debug("rooms: member unreachable", log.Err(err), log.Fields{"room": roomID, "member": member.Username})
			continue
		}
		if err := m.conns.Send(member.Username, ep, record); err != nil {
			log.Debug("rooms: broadcast failed", log.Err(err), log.Fields{"room": roomID, "member": member.Username})
		}
	}

	return msg, nil
}

// HandleRoomMessage folds a gossiped message into the journal. Messages for
// rooms this peer is not a member of, and messages whose hash does not match
// their content, are dropped.
func (m *Manager) HandleRoomMessage(rm wire.RoomMessage) {
	if models.MessageHash(rm.RoomID, rm.Sender, rm.Text, rm.Timestamp) != rm.Hash {
		log.Debug("rooms: dropping forged message", log.Fields{"room": rm.RoomID, "sender": rm.Sender})
		return
	}

	info, err := m.directory.RoomInfo(rm.RoomID)
	if err != nil {
		log.Debug("rooms: dropping message for inaccessible room", log.Err(err), log.Fields{"room": rm.RoomID})
		return
	}

	if _, err := m.merge(rm.RoomID, info.MaxHistory, []models.Message{rm.Message()}); err != nil {
		log.Error("rooms: failed to merge message", log.Err(err), log.Fields{"room": rm.RoomID})
	}
}

// HandleSync answers a journal pull. Only current members of the room get a
// journal back.
func (m *Manager) HandleSync(req wire.SyncRequest) wire.SyncResponse {
	members, err := m.directory.RoomMembers(req.RoomID)
	if err != nil {
		return wire.SyncResponse{Status: wire.StatusError, Message: models.ErrNotMember.Error(), Messages: []models.Message{}}
	}

	requesterIsMember := false
	for _, member := range members {
		if member.Username == req.Requester {
			requesterIsMember = true
			break
		}
	}
	if !requesterIsMember {
		return wire.SyncResponse{Status: wire.StatusError, Message: models.ErrNotMember.Error(), Messages: []models.Message{}}
	}

	journal, err := m.Messages(req.RoomID)
	if err != nil {
		return wire.SyncResponse{Status: wire.StatusError, Message: "Erro interno", Messages: []models.Message{}}
	}
	if journal == nil {
		journal = []models.Message{}
	}
	return wire.SyncResponse{Status: wire.StatusSuccess, Messages: journal}
}

// syncLoop drives periodic anti-entropy. Each tick, rooms that saw recent
// activity or have gone unsynced too long pull journals from a few random
// members.
func (m *Manager) syncLoop() {
	t := time.NewTicker(m.SyncInterval)
	defer t.Stop()

	for {
		select {
		case <-m.closing:
			return
		case <-t.C:
			m.syncTick()
		}
	}
}

func (m *Manager) syncTick() {
	summaries, err := m.directory.ListRooms()
	if err != nil {
		log.Error("rooms: failed to list rooms for sync", log.Err(err))
		return
	}

	now := time.Now()
	for _, summary := range summaries {
		if !summary.IsMember {
			continue
		}
		roomID := summary.RoomID

		m.mu.Lock()
		_, inFlight := m.syncing[roomID]
		active := now.Sub(m.lastActivity[roomID]) < m.ActiveWindow
		last, synced := m.lastSync[roomID]
		stale := !synced || now.Sub(last) > m.StaleAfter
		if inFlight || (!active && !stale) {
			m.mu.Unlock()
			continue
		}
		m.syncing[roomID] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() {
				m.mu.Lock()
				delete(m.syncing, roomID)
				m.mu.Unlock()
			}()
			m.SyncRoom(roomID)
		}()
	}
}

// SyncRoom pulls the journal from up to SyncFanout random members and merges
// the results.
func (m *Manager) SyncRoom(roomID string) {
	info, err := m.directory.RoomInfo(roomID)
	if err != nil {
		log.Debug("rooms: sync skipped", log.Err(err), log.Fields{"room": roomID})
		return
	}
	members, err := m.directory.RoomMembers(roomID)
	if err != nil {
		log.Debug("rooms: sync skipped", log.Err(err), log.Fields{"room": roomID})
		return
	}

	self := m.directory.Username()
	candidates := make([]string, 0, len(members))
	for _, member := range members {
		if member.Username != self {
			candidates = append(candidates, member.Username)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > m.SyncFanout {
		candidates = candidates[:m.SyncFanout]
	}

	for _, name := range candidates {
		ep, err := m.directory.GetPeerChatAddress(name)
		if err != nil {
			log.Debug("rooms: sync target offline", log.Err(err), log.Fields{"room": roomID, "member": name})
			continue
		}

		msgs, err := chat.SyncPull(ep, roomID, self)
		if err != nil {
			log.Debug("rooms: sync pull failed", log.Err(err), log.Fields{"room": roomID, "member": name})
			continue
		}

		changed, err := m.merge(roomID, info.MaxHistory, msgs)
		if err != nil {
			log.Error("rooms: failed to merge sync result", log.Err(err), log.Fields{"room": roomID})
			continue
		}
		if changed {
			log.Debug("rooms: journal converged", log.Fields{"room": roomID, "member": name})
		}
	}

	m.mu.Lock()
	m.lastSync[roomID] = time.Now()
	m.mu.Unlock()
}
