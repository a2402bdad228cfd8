// Package storage abstracts the tracker's persistent state behind a typed
// interface so the coordination logic never touches a concrete engine.
package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of Store.
type Driver interface {
	NewStore(cfg interface{}) (Store, error)
}

// ErrDriverDoesNotExist is the error returned by NewStore when a store
// driver with that name does not exist.
var ErrDriverDoesNotExist = errors.New("storage driver with that name does not exist")

// Store is the set of typed persistence operations required by the tracker.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateUser inserts a new user. Returns models.ErrUserExists if the
	// name is taken.
	CreateUser(u models.User) error

	// GetUser returns a user by name, models.ErrUserNotFound otherwise.
	GetUser(name string) (models.User, error)

	// Activate marks the user active, updates its endpoints and stamps
	// last-seen.
	Activate(name, addr string, dataPort, chatPort int, now time.Time) error

	// Deactivate marks the user inactive, deletes all of its file
	// associations and garbage-collects files left without owners.
	Deactivate(name string) error

	// TouchPeer refreshes the user's last-seen timestamp.
	TouchPeer(name string, now time.Time) error

	// ActiveUsers returns every user currently marked active.
	ActiveUsers() ([]models.User, error)

	// ExpirePeers deactivates every active user whose last-seen precedes
	// the deadline, cascading associations, and reports how many were
	// swept.
	ExpirePeers(deadline time.Time) (int, error)

	// UpsertFile inserts the file record if it is new and associates the
	// owner with it.
	UpsertFile(f models.File, owner string) error

	// AssociatePeer records that owner serves the file, without creating
	// a file record.
	AssociatePeer(fileHash models.Hash, owner string) error

	// SetPeerFiles reconciles the owner's association set to exactly
	// hashes, adding and deleting as needed, and garbage-collects files
	// left without owners.
	SetPeerFiles(owner string, hashes []models.Hash) error

	// GetFile returns a file record, models.ErrFileNotFound otherwise.
	GetFile(h models.Hash) (models.File, error)

	// ListFiles returns every file record.
	ListFiles() ([]models.File, error)

	// FileOwners returns the names of every peer associated with the
	// file, active or not.
	FileOwners(h models.Hash) ([]string, error)

	// AddScore accumulates a heartbeat delta and returns the new totals.
	AddScore(name string, m models.Metrics) (models.PeerScore, error)

	// GetScore returns the accumulated totals for a user. Unknown users
	// have a zero score.
	GetScore(name string) (models.PeerScore, error)

	// CreateRoom inserts a room and its moderator as the first member.
	// Returns models.ErrRoomExists if the id is taken.
	CreateRoom(r models.Room) error

	// DeleteRoom removes a room and all of its members.
	DeleteRoom(id string) error

	// GetRoom returns a room by id, models.ErrRoomNotFound otherwise.
	GetRoom(id string) (models.Room, error)

	// ListRooms returns every room.
	ListRooms() ([]models.Room, error)

	// AddRoomMember inserts a membership row. Adding an existing member
	// is a no-op.
	AddRoomMember(roomID, username string, at time.Time) error

	// RemoveRoomMember deletes a membership row. The moderator cannot be
	// removed while the room exists.
	RemoveRoomMember(roomID, username string) error

	// RoomMembers returns the members of a room ordered by join time.
	RoomMembers(roomID string) ([]models.RoomMember, error)

	// IsRoomMember reports whether username is currently a member.
	IsRoomMember(roomID, username string) (bool, error)

	// stop.Stopper stops any background sweeps owned by the store.
	stop.Stopper
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewStore attempts to initialize a new Store given the name of a registered
// Driver.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewStore(name string, cfg interface{}) (Store, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}
	return d.NewStore(cfg)
}
