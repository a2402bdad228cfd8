package chat

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/wire"
)

// Sync deadlines. Establishing a connection to a room member is bounded
// separately from waiting on its journal.
const (
	syncDialTimeout = 30 * time.Second
	syncReadTimeout = 20 * time.Second
)

const sendDialTimeout = 10 * time.Second

// Send delivers one record to a peer's chat port over a fresh connection.
func Send(ep models.Endpoint, record interface{}) error {
	raw, err := net.DialTimeout("tcp", ep.String(), sendDialTimeout)
	if err != nil {
		return errors.Wrap(err, "chat: dial")
	}
	conn := wire.NewConn(raw)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(sendDialTimeout))
	return errors.Wrap(conn.WriteJSON(record), "chat: write record")
}

// SyncPull requests a room's whole journal from one member and returns it.
func SyncPull(ep models.Endpoint, roomID, requester string) ([]models.Message, error) {
	raw, err := net.DialTimeout("tcp", ep.String(), syncDialTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "chat: dial")
	}
	conn := wire.NewConn(raw)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(syncReadTimeout))
	if err := conn.WriteJSON(wire.SyncRequest{
		Action:    wire.ActionSyncRoom,
		RoomID:    roomID,
		Requester: requester,
	}); err != nil {
		return nil, errors.Wrap(err, "chat: write sync request")
	}

	var resp wire.SyncResponse
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, errors.Wrap(err, "chat: read sync response")
	}
	if resp.Status != wire.StatusSuccess {
		return nil, models.ClientError(resp.Message)
	}
	return resp.Messages, nil
}
