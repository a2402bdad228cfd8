// Package wire implements the three JSON wire vocabularies of the network:
// the peer↔tracker control protocol, the peer↔peer data protocol and the
// peer↔peer chat protocol. All three share the same framing, one UTF-8 JSON
// object per newline-terminated line.
package wire

import (
	"encoding/json"

	"github.com/seedline/seedline/models"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Control protocol methods, dispatched from the Method field of a Request.
const (
	MethodRegister        = "register"
	MethodLogin           = "login"
	MethodHeartbeat       = "heartbeat"
	MethodAnnounce        = "announce"
	MethodPartialAnnounce = "partial_announce"
	MethodGetPeers        = "get_peers"
	MethodGetFileMetadata = "get_file_metadata"
	MethodListFiles       = "list_files"
	MethodListOnlineUsers = "list_online_users"
	MethodGetPeerAddress  = "get_peer_address"
	MethodGetPeerChatAddr = "get_peer_chat_address"
	MethodCreateRoom      = "create_room"
	MethodDeleteRoom      = "delete_room"
	MethodAddMember       = "add_member"
	MethodRemoveMember    = "remove_member"
	MethodListRooms       = "list_rooms"
	MethodGetRoomMembers  = "get_room_members"
	MethodGetRoomInfo     = "get_room_info"
)

// Request is a control protocol request. The populated fields depend on the
// method; unknown fields are ignored by the receiver.
type Request struct {
	Method string `json:"method"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
	ChatPort int    `json:"chat_port,omitempty"`

	Name       string          `json:"name,omitempty"`
	Size       int64           `json:"size,omitempty"`
	Hash       models.Hash     `json:"hash,omitempty"`
	Chunks     []models.Hash   `json:"chunks,omitempty"`
	FileHash   models.Hash     `json:"file_hash,omitempty"`
	FileHashes []models.Hash   `json:"file_hashes"`
	Metrics    *models.Metrics `json:"metrics,omitempty"`

	RoomID     string `json:"room_id,omitempty"`
	MaxHistory int    `json:"max_history,omitempty"`
}

// FileMetadata is the payload of a get_file_metadata response.
type FileMetadata struct {
	Name        string        `json:"name"`
	Size        int64         `json:"size"`
	Hash        models.Hash   `json:"hash"`
	ChunkHashes []models.Hash `json:"chunk_hashes"`
}

// FileSummary is one entry of a list_files response.
type FileSummary struct {
	Name string      `json:"name"`
	Size int64       `json:"size"`
	Hash models.Hash `json:"hash"`
}

// RoomSummary is one entry of a list_rooms response.
type RoomSummary struct {
	RoomID    string `json:"room_id"`
	Moderator string `json:"moderator"`
	IsMember  bool   `json:"is_member"`
}

// RoomInfo is the payload of a get_room_info response.
type RoomInfo struct {
	RoomID     string `json:"room_id"`
	Moderator  string `json:"moderator"`
	CreatedAt  string `json:"created_at"`
	MaxHistory int    `json:"max_history"`
}

// MemberInfo is one entry of a get_room_members response.
type MemberInfo struct {
	Username string `json:"username"`
	JoinedAt string `json:"joined_at"`
}

// Response is a control protocol response. Status is always populated;
// exactly one payload group is set on success.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`

	Score    *float64            `json:"score,omitempty"`
	Peers    []models.ScoredPeer `json:"peers,omitempty"`
	Metadata *FileMetadata       `json:"metadata,omitempty"`
	Files    []FileSummary       `json:"files,omitempty"`
	Users    []string            `json:"users,omitempty"`
	IP       string              `json:"ip,omitempty"`
	Port     int                 `json:"port,omitempty"`
	Rooms    []RoomSummary       `json:"rooms,omitempty"`
	Members  []MemberInfo        `json:"members,omitempty"`
	RoomInfo *RoomInfo           `json:"room_info,omitempty"`
}

// OK returns a bare success response with an optional human message.
func OK(message string) Response {
	return Response{Status: StatusSuccess, Message: message}
}

// Error returns an error response carrying err's message.
func Error(err error) Response {
	return Response{Status: StatusError, Message: err.Error()}
}

// IsSuccess reports whether the response carries a success status.
func (r Response) IsSuccess() bool { return r.Status == StatusSuccess }

// Data protocol actions.
const (
	ActionListChunks = "list_chunks"
	ActionGetChunk   = "get_chunk"
)

// DataRequest is the single request carried by a data-port connection.
type DataRequest struct {
	Action     string      `json:"action"`
	FileHash   models.Hash `json:"file_hash"`
	ChunkIndex int         `json:"chunk_index"`
}

// DataResponse answers list_chunks, and get_chunk failures. A successful
// get_chunk reply is raw bytes terminated by connection close instead.
type DataResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Chunks  []int  `json:"chunks,omitempty"`
}

// Chat protocol actions.
const (
	ActionChatMessage = "chat_message"
	ActionRoomMessage = "room_message"
	ActionSyncRoom    = "sync_room_messages"
)

// ChatMessage is a 1:1 direct message.
type ChatMessage struct {
	Action string `json:"action"`
	From   string `json:"from"`
	Text   string `json:"message"`
}

// RoomMessage is a room broadcast.
type RoomMessage struct {
	Action    string      `json:"action"`
	RoomID    string      `json:"room_id"`
	Sender    string      `json:"sender"`
	Text      string      `json:"message"`
	Timestamp string      `json:"timestamp"`
	Hash      models.Hash `json:"hash"`
}

// Message converts the wire record into its domain form.
func (rm RoomMessage) Message() models.Message {
	return models.Message{
		Hash:      rm.Hash,
		RoomID:    rm.RoomID,
		Sender:    rm.Sender,
		Text:      rm.Text,
		Timestamp: rm.Timestamp,
	}
}

// NewRoomMessage converts a domain message into its wire record.
func NewRoomMessage(m models.Message) RoomMessage {
	return RoomMessage{
		Action:    ActionRoomMessage,
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Text:      m.Text,
		Timestamp: m.Timestamp,
		Hash:      m.Hash,
	}
}

// SyncRequest is a pull request for a room's whole journal.
type SyncRequest struct {
	Action    string `json:"action"`
	RoomID    string `json:"room_id"`
	Requester string `json:"requester"`
}

// SyncResponse is the single reply to a SyncRequest.
type SyncResponse struct {
	Status   string           `json:"status"`
	Message  string           `json:"message,omitempty"`
	Messages []models.Message `json:"messages"`
}

// DecodeChatRecord decodes one chat line into its tagged variant. A record
// with an unknown action decodes to nil with no error and must be skipped by
// the caller.
func DecodeChatRecord(line []byte) (interface{}, error) {
	var tag struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(line, &tag); err != nil {
		return nil, err
	}

	switch tag.Action {
	case ActionChatMessage:
		var m ChatMessage
		err := json.Unmarshal(line, &m)
		return m, err
	case ActionRoomMessage:
		var m RoomMessage
		err := json.Unmarshal(line, &m)
		return m, err
	case ActionSyncRoom:
		var m SyncRequest
		err := json.Unmarshal(line, &m)
		return m, err
	default:
		return nil, nil
	}
}
