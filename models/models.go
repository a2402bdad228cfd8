// Package models implements the domain types shared by the tracker and the
// peers: users, files, chunk math, reputation scores, rooms and messages.
package models

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/minio/sha256-simd"

	"github.com/seedline/seedline/pkg/log"
)

// ChunkSize is the fixed size of a file block in bytes. The final block of a
// file may be shorter.
const ChunkSize = 1 << 20

// ClientError represents an error that should be exposed to the client over
// the wire.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }

// Well-known client errors, surfaced verbatim in error responses.
var (
	ErrNotAuthenticated   = ClientError("Não autenticado")
	ErrLoginExpired       = ClientError("Login expirado")
	ErrBadCredentials     = ClientError("Credenciais inválidas")
	ErrUserExists         = ClientError("Usuário já existe")
	ErrUserNotFound       = ClientError("Usuário não encontrado")
	ErrFileNotFound       = ClientError("Arquivo não encontrado")
	ErrRoomNotFound       = ClientError("Sala não encontrada")
	ErrRoomExists         = ClientError("Sala já existe")
	ErrNotModerator       = ClientError("Apenas o moderador pode fazer isso")
	ErrNotMember          = ClientError("Acesso negado")
	ErrModeratorImmutable = ClientError("O moderador não pode ser removido")
)

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Hash is a lowercase hex encoded SHA-256 digest. It identifies files,
// chunks and room messages.
type Hash string

// HashBytes digests b.
func HashBytes(b []byte) Hash {
	sum := sha256.Sum256(b)
	return Hash(hex.EncodeToString(sum[:]))
}

// Valid reports whether h is a well-formed digest.
func (h Hash) Valid() bool { return hexHash.MatchString(string(h)) }

func (h Hash) String() string { return string(h) }

// Endpoint is a peer network address as registered with the tracker.
type Endpoint struct {
	Addr string `json:"ip"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Addr, e.Port) }

// User is a registered identity. PasswordDigest is opaque to everything but
// the auth package.
type User struct {
	Name           string
	PasswordDigest string
	Addr           string
	DataPort       int
	ChatPort       int
	Active         bool
	LastSeen       time.Time
}

// DataEndpoint returns the endpoint of the user's chunk server.
func (u User) DataEndpoint() Endpoint { return Endpoint{Addr: u.Addr, Port: u.DataPort} }

// ChatEndpoint returns the endpoint of the user's chat listener.
func (u User) ChatEndpoint() Endpoint { return Endpoint{Addr: u.Addr, Port: u.ChatPort} }

// File is an immutable content record. Hash is the digest of the whole byte
// stream and doubles as the network identifier.
type File struct {
	Hash        Hash
	Name        string
	Size        int64
	ChunkHashes []Hash
}

// NumChunks returns the length of the chunk list for a file of the given
// size, ceil(size/ChunkSize).
func NumChunks(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}

// ChunkLen returns the byte length of chunk i of a file of the given size.
func ChunkLen(size int64, i int) int64 {
	if rem := size - int64(i)*ChunkSize; rem < ChunkSize {
		return rem
	}
	return ChunkSize
}

// Metrics is the delta a peer reports with each heartbeat.
type Metrics struct {
	Seconds      int64 `json:"time_online"`
	ChunksServed int64 `json:"chunks_served"`
}

// PeerScore holds the monotonically accumulated totals for one user.
type PeerScore struct {
	Seconds      int64
	ChunksServed int64
}

// Add accumulates a heartbeat delta. Negative deltas are ignored so the
// totals stay monotonic.
func (s *PeerScore) Add(m Metrics) {
	if m.Seconds > 0 {
		s.Seconds += m.Seconds
	}
	if m.ChunksServed > 0 {
		s.ChunksServed += m.ChunksServed
	}
}

// ScoreWeights configures the effective-score computation.
type ScoreWeights struct {
	Time   float64 `yaml:"time"`
	Chunks float64 `yaml:"chunks"`
}

// LogFields renders the weights as a set of logging fields.
func (w ScoreWeights) LogFields() log.Fields {
	return log.Fields{"timeWeight": w.Time, "chunkWeight": w.Chunks}
}

// Score computes the effective reputation scalar.
func (w ScoreWeights) Score(s PeerScore) float64 {
	return w.Time*float64(s.Seconds) + w.Chunks*float64(s.ChunksServed)
}

// Download parallelism bounds. A peer always gets WorkerBase connections and
// never more than WorkerCap, regardless of score.
const (
	WorkerBase = 2
	WorkerCap  = 15
)

// MaxWorkers returns the size of the download worker pool a peer with the
// given score is entitled to: clamp(base + floor(score/divider), base, cap).
func MaxWorkers(score, divider float64) int {
	n := WorkerBase
	if divider > 0 {
		n += int(score / divider)
	}
	if n < WorkerBase {
		return WorkerBase
	}
	if n > WorkerCap {
		return WorkerCap
	}
	return n
}

// ScoredPeer annotates a user's endpoints with the score computed at lookup
// time.
type ScoredPeer struct {
	Username string   `json:"username"`
	Data     Endpoint `json:"data"`
	Chat     Endpoint `json:"chat"`
	Score    float64  `json:"score"`
}

// Room is a private chat room. The moderator is the creator and is
// immutable for the lifetime of the room.
type Room struct {
	ID         string
	Moderator  string
	CreatedAt  time.Time
	MaxHistory int
}

// RoomMember is a (room, user) membership row.
type RoomMember struct {
	RoomID   string
	Username string
	JoinedAt time.Time
}

// Message is a content-addressed room message. Hash is the unique identity;
// duplicates are discarded on merge.
type Message struct {
	Hash      Hash   `json:"hash"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Text      string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// MessageTimestamp renders t in the fixed format used on the wire and in
// journals. The format sorts chronologically under plain string comparison.
func MessageTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// MessageHash digests the canonical room:sender:text:timestamp form.
func MessageHash(roomID, sender, text, timestamp string) Hash {
	return HashBytes([]byte(roomID + ":" + sender + ":" + text + ":" + timestamp))
}

// NewMessage assembles a message sent now, filling in its content hash.
func NewMessage(roomID, sender, text string, at time.Time) Message {
	ts := MessageTimestamp(at)
	return Message{
		Hash:      MessageHash(roomID, sender, text, ts),
		RoomID:    roomID,
		Sender:    sender,
		Text:      text,
		Timestamp: ts,
	}
}

// SortMessages orders msgs by timestamp, ties broken by hash so that every
// member converges on the same journal order.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].Hash < msgs[j].Hash
	})
}

// MergeMessages unions src into dst by hash and returns the merged journal
// in converged order. The second result reports whether dst changed.
func MergeMessages(dst, src []Message) ([]Message, bool) {
	seen := make(map[Hash]struct{}, len(dst))
	for _, m := range dst {
		seen[m.Hash] = struct{}{}
	}

	changed := false
	for _, m := range src {
		if _, ok := seen[m.Hash]; ok {
			continue
		}
		seen[m.Hash] = struct{}{}
		dst = append(dst, m)
		changed = true
	}

	if changed {
		SortMessages(dst)
	}
	return dst, changed
}
