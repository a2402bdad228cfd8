// Package control implements the peer's side of the tracker control
// protocol: a persistent line-JSON client and the heartbeat loop that keeps
// the session alive.
package control

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/wire"
)

// requestTimeout bounds one request/response round trip.
const requestTimeout = 50 * time.Second

// Client is a peer's persistent control connection. The tracker binds the
// session to this connection on login, so it must stay open for the whole
// lifetime of the peer. Requests are serialised; the client is safe for
// concurrent use.
type Client struct {
	conn *wire.Conn

	mu       sync.Mutex
	username string
	score    float64
}

// Dial opens a control connection to the tracker.
func Dial(addr string) (*Client, error) {
	raw, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "control: dial")
	}
	return &Client{conn: wire.NewConn(raw)}, nil
}

// Close closes the control connection, which logs the peer out.
func (c *Client) Close() error { return c.conn.Close() }

// Username returns the name bound to the session, empty before login.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Score returns the effective score reported by the last heartbeat.
func (c *Client) Score() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.score
}

// roundTrip sends one request and decodes its response. Error responses
// surface as ClientError carrying the tracker's message.
func (c *Client) roundTrip(req wire.Request) (wire.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetDeadline(time.Now().Add(requestTimeout))

	if err := c.conn.WriteJSON(req); err != nil {
		return wire.Response{}, errors.Wrap(err, "control: write request")
	}

	var resp wire.Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		return wire.Response{}, errors.Wrap(err, "control: read response")
	}
	if !resp.IsSuccess() {
		return wire.Response{}, models.ClientError(resp.Message)
	}
	return resp, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(username, password string) error {
	_, err := c.roundTrip(wire.Request{
		Method:   wire.MethodRegister,
		Username: username,
		Password: password,
	})
	return err
}

// Login authenticates and binds the session to this connection, advertising
// the peer's data and chat ports.
func (c *Client) Login(username, password, ip string, dataPort, chatPort int) error {
	_, err := c.roundTrip(wire.Request{
		Method:   wire.MethodLogin,
		Username: username,
		Password: password,
		IP:       ip,
		Port:     dataPort,
		ChatPort: chatPort,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	return nil
}

// Heartbeat reports the peer's current associations and activity delta and
// returns the tracker's view of the effective score.
func (c *Client) Heartbeat(hashes []models.Hash, delta models.Metrics) (float64, error) {
	if hashes == nil {
		hashes = []models.Hash{}
	}
	resp, err := c.roundTrip(wire.Request{
		Method:     wire.MethodHeartbeat,
		FileHashes: hashes,
		Metrics:    &delta,
	})
	if err != nil {
		return 0, err
	}

	var score float64
	if resp.Score != nil {
		score = *resp.Score
	}
	c.mu.Lock()
	c.score = score
	c.mu.Unlock()
	return score, nil
}

// Announce publishes a complete file's metadata.
func (c *Client) Announce(meta models.File) error {
	_, err := c.roundTrip(wire.Request{
		Method: wire.MethodAnnounce,
		Name:   meta.Name,
		Size:   meta.Size,
		Hash:   meta.Hash,
		Chunks: meta.ChunkHashes,
	})
	return err
}

// PartialAnnounce associates the peer with a file it holds only part of.
func (c *Client) PartialAnnounce(h models.Hash) error {
	_, err := c.roundTrip(wire.Request{
		Method:   wire.MethodPartialAnnounce,
		FileHash: h,
	})
	return err
}

// GetPeers returns the peers serving a file, best scored first.
func (c *Client) GetPeers(h models.Hash) ([]models.ScoredPeer, error) {
	resp, err := c.roundTrip(wire.Request{Method: wire.MethodGetPeers, FileHash: h})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// GetFileMetadata returns the full metadata of a published file.
func (c *Client) GetFileMetadata(h models.Hash) (models.File, error) {
	resp, err := c.roundTrip(wire.Request{Method: wire.MethodGetFileMetadata, FileHash: h})
	if err != nil {
		return models.File{}, err
	}
	if resp.Metadata == nil {
		return models.File{}, errors.New("control: metadata missing from response")
	}
	return models.File{
		Hash:        resp.Metadata.Hash,
		Name:        resp.Metadata.Name,
		Size:        resp.Metadata.Size,
		ChunkHashes: resp.Metadata.ChunkHashes,
	}, nil
}

// ListFiles returns the network's file catalog.
func (c *Client) ListFiles() ([]wire.FileSummary, error) {
	resp, err := c.roundTrip(wire.Request{Method: wire.MethodListFiles})
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// ListOnlineUsers returns the names of every peer currently online.
func (c *Client) ListOnlineUsers() ([]string, error) {
	resp, err := c.roundTrip(wire.Request{Method: wire.MethodListOnlineUsers})
	if err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// GetPeerChatAddress resolves the chat endpoint of an online peer.
func (c *Client) GetPeerChatAddress(username string) (models.Endpoint, error) {
	resp, err := c.roundTrip(wire.Request{Method: wire.MethodGetPeerChatAddr, Username: username})
	if err != nil {
		return models.Endpoint{}, err
	}
	return models.Endpoint{Addr: resp.IP, Port: resp.Port}, nil
}

// GetPeerAddress resolves the data endpoint of an online peer.
func (c *Client) GetPeerAddress(username string) (models.Endpoint, error) {
	resp, err := c.roundTrip(wire.Request{Method: wire.MethodGetPeerAddress, Username: username})
	if err != nil {
		return models.Endpoint{}, err
	}
	return models.Endpoint{Addr: resp.IP, Port: resp.Port}, nil
}

// CreateRoom creates a room moderated by the session user.
func (c *Client) CreateRoom(roomID string, maxHistory int) error {
	_, err := c.roundTrip(wire.Request{
		Method:     wire.MethodCreateRoom,
		RoomID:     roomID,
		MaxHistory: maxHistory,
	})
	return err
}

// DeleteRoom removes a room. Moderator only.
func (c *Client) DeleteRoom(roomID string) error {
	_, err := c.roundTrip(wire.Request{Method: wire.MethodDeleteRoom, RoomID: roomID})
	return err
}

// AddMember adds a user to a room. Moderator only.
func (c *Client) AddMember(roomID, username string) error {
	_, err := c.roundTrip(wire.Request{Method: wire.MethodAddMember, RoomID: roomID, Username: username})
	return err
}

// RemoveMember removes a user from a room. Members may remove themselves;
// anyone else takes the moderator.
func (c *Client) RemoveMember(roomID, username string) error {
	_, err := c.roundTrip(wire.Request{Method: wire.MethodRemoveMember, RoomID: roomID, Username: username})
	return err
}

// ListRooms returns every room with the session user's membership flag.
func (c *Client) ListRooms() ([]wire.RoomSummary, error) {
	resp, err := c.roundTrip(wire.Request{Method: wire.MethodListRooms})
	if err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// RoomMembers returns the member list of a room. Members only.
func (c *Client) RoomMembers(roomID string) ([]wire.MemberInfo, error) {
	resp, err := c.roundTrip(wire.Request{Method: wire.MethodGetRoomMembers, RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// RoomInfo returns a room's description. Members only.
func (c *Client) RoomInfo(roomID string) (wire.RoomInfo, error) {
	resp, err := c.roundTrip(wire.Request{Method: wire.MethodGetRoomInfo, RoomID: roomID})
	if err != nil {
		return wire.RoomInfo{}, err
	}
	if resp.RoomInfo == nil {
		return wire.RoomInfo{}, errors.New("control: room info missing from response")
	}
	return *resp.RoomInfo, nil
}
