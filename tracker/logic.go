// Package tracker implements the coordination plane: a TCP frontend speaking
// the line-JSON control protocol and the logic that arbitrates sessions,
// file discovery, reputation scores and room authority on top of a
// storage.Store.
package tracker

import (
	"sort"
	"time"

	"github.com/seedline/seedline/auth"
	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/storage"
	"github.com/seedline/seedline/wire"
)

const defaultMaxHistory = 100

// missingFields is returned when a request omits required fields.
var missingFields = models.ClientError("username ou password faltando")

// Logic answers control requests. It is shared by every connection handler
// and is safe for concurrent use as long as the underlying Store is.
type Logic struct {
	store   storage.Store
	hasher  auth.Hasher
	ttl     time.Duration
	weights models.ScoreWeights

	now func() time.Time
}

// NewLogic creates the control logic around an explicit store and hasher.
func NewLogic(store storage.Store, hasher auth.Hasher, ttl time.Duration, weights models.ScoreWeights) *Logic {
	return &Logic{
		store:   store,
		hasher:  hasher,
		ttl:     ttl,
		weights: weights,
		now:     time.Now,
	}
}

// Handle dispatches one request. session is the username bound to the
// connection, empty before a successful login. The second result reports
// whether this request established a session.
func (l *Logic) Handle(req wire.Request, session string) (wire.Response, bool) {
	var (
		resp  wire.Response
		err   error
		login bool
	)

	start := time.Now()
	switch req.Method {
	case wire.MethodRegister:
		resp, err = l.register(req)
	case wire.MethodLogin:
		resp, err = l.login(req)
		login = err == nil
	case wire.MethodHeartbeat:
		resp, err = l.heartbeat(req, session)
	case wire.MethodAnnounce:
		resp, err = l.announce(req, session)
	case wire.MethodPartialAnnounce:
		resp, err = l.partialAnnounce(req, session)
	case wire.MethodGetPeers:
		resp, err = l.getPeers(req, session)
	case wire.MethodGetFileMetadata:
		resp, err = l.getFileMetadata(req, session)
	case wire.MethodListFiles:
		resp, err = l.listFiles(session)
	case wire.MethodListOnlineUsers:
		resp, err = l.listOnlineUsers(session)
	case wire.MethodGetPeerAddress:
		resp, err = l.getPeerAddress(req, session, false)
	case wire.MethodGetPeerChatAddr:
		resp, err = l.getPeerAddress(req, session, true)
	case wire.MethodCreateRoom:
		resp, err = l.createRoom(req, session)
	case wire.MethodDeleteRoom:
		resp, err = l.deleteRoom(req, session)
	case wire.MethodAddMember:
		resp, err = l.addMember(req, session)
	case wire.MethodRemoveMember:
		resp, err = l.removeMember(req, session)
	case wire.MethodListRooms:
		resp, err = l.listRooms(session)
	case wire.MethodGetRoomMembers:
		resp, err = l.getRoomMembers(req, session)
	case wire.MethodGetRoomInfo:
		resp, err = l.getRoomInfo(req, session)
	default:
		err = models.ClientError("Ação inválida")
	}
	recordResponseDuration(req.Method, err, time.Since(start))

	if err != nil {
		if _, ok := err.(models.ClientError); !ok {
			log.Error("tracker: internal failure", log.Err(err), log.Fields{"method": req.Method, "session": session})
			err = models.ClientError("Erro interno")
		}
		return wire.Error(err), false
	}
	return resp, login
}

// requireSession validates the connection's session against the active set
// and the TTL. An active peer whose last heartbeat is older than the TTL is
// forcibly removed and the request fails as expired.
func (l *Logic) requireSession(session string) (models.User, error) {
	if session == "" {
		return models.User{}, models.ErrNotAuthenticated
	}

	u, err := l.store.GetUser(session)
	if err != nil {
		return models.User{}, err
	}
	if !u.Active {
		return models.User{}, models.ErrLoginExpired
	}
	if l.now().Sub(u.LastSeen) > l.ttl {
		if err := l.store.Deactivate(session); err != nil {
			return models.User{}, err
		}
		log.Info("tracker: session expired", log.Fields{"username": session})
		return models.User{}, models.ErrLoginExpired
	}
	return u, nil
}

// expired reports whether an active peer's last heartbeat is older than the
// session TTL. Such peers are invisible to lookups even before the storage
// sweep removes them; the sweep's lifetime is configured independently.
func (l *Logic) expired(u models.User) bool {
	return l.now().Sub(u.LastSeen) > l.ttl
}

// Disconnected removes the peer from the active set after its control
// connection goes away.
func (l *Logic) Disconnected(session string) {
	if session == "" {
		return
	}
	if err := l.store.Deactivate(session); err != nil && err != models.ErrUserNotFound {
		log.Error("tracker: failed to deactivate on disconnect", log.Err(err), log.Fields{"username": session})
	}
	log.Info("tracker: peer disconnected", log.Fields{"username": session})
}

func (l *Logic) register(req wire.Request) (wire.Response, error) {
	if req.Username == "" || req.Password == "" {
		return wire.Response{}, missingFields
	}

	digest, err := l.hasher.Hash(req.Password)
	if err != nil {
		return wire.Response{}, err
	}
	if err := l.store.CreateUser(models.User{Name: req.Username, PasswordDigest: digest}); err != nil {
		return wire.Response{}, err
	}

	log.Info("tracker: user registered", log.Fields{"username": req.Username})
	return wire.OK("Registro bem-sucedido"), nil
}

func (l *Logic) login(req wire.Request) (wire.Response, error) {
	if req.Username == "" || req.Password == "" {
		return wire.Response{}, missingFields
	}

	u, err := l.store.GetUser(req.Username)
	if err == models.ErrUserNotFound {
		return wire.Response{}, models.ErrBadCredentials
	} else if err != nil {
		return wire.Response{}, err
	}
	if !l.hasher.Compare(u.PasswordDigest, req.Password) {
		return wire.Response{}, models.ErrBadCredentials
	}

	if err := l.store.Activate(req.Username, req.IP, req.Port, req.ChatPort, l.now()); err != nil {
		return wire.Response{}, err
	}

	log.Info("tracker: peer logged in", log.Fields{
		"username": req.Username,
		"addr":     req.IP,
		"dataPort": req.Port,
		"chatPort": req.ChatPort,
	})
	return wire.OK("Login bem-sucedido"), nil
}

func (l *Logic) heartbeat(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	if err := l.store.TouchPeer(session, l.now()); err != nil {
		return wire.Response{}, err
	}
	if err := l.store.SetPeerFiles(session, req.FileHashes); err != nil {
		return wire.Response{}, err
	}

	var metrics models.Metrics
	if req.Metrics != nil {
		metrics = *req.Metrics
	}
	totals, err := l.store.AddScore(session, metrics)
	if err != nil {
		return wire.Response{}, err
	}

	score := l.weights.Score(totals)
	log.Debug("tracker: heartbeat", log.Fields{"username": session, "files": len(req.FileHashes), "score": score})
	return wire.Response{Status: wire.StatusSuccess, Score: &score}, nil
}

func (l *Logic) announce(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}
	if req.Name == "" || req.Size <= 0 || req.Hash == "" {
		return wire.Response{}, models.ClientError("Detalhes do arquivo faltando")
	}

	f := models.File{
		Hash:        req.Hash,
		Name:        req.Name,
		Size:        req.Size,
		ChunkHashes: req.Chunks,
	}
	if err := l.store.UpsertFile(f, session); err != nil {
		return wire.Response{}, err
	}

	log.Info("tracker: file announced", log.Fields{"username": session, "file": req.Hash, "size": req.Size})
	return wire.OK("Arquivo anunciado com sucesso"), nil
}

func (l *Logic) partialAnnounce(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}
	if req.FileHash == "" {
		return wire.Response{}, models.ClientError("Detalhes do arquivo faltando")
	}

	if err := l.store.AssociatePeer(req.FileHash, session); err != nil {
		return wire.Response{}, err
	}

	log.Debug("tracker: partial announce", log.Fields{"username": session, "file": req.FileHash})
	return wire.OK("Anúncio parcial registrado"), nil
}

func (l *Logic) getPeers(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	owners, err := l.store.FileOwners(req.FileHash)
	if err != nil {
		return wire.Response{}, err
	}

	peers := make([]models.ScoredPeer, 0, len(owners))
	for _, name := range owners {
		u, err := l.store.GetUser(name)
		if err != nil || !u.Active || l.expired(u) {
			continue
		}
		totals, err := l.store.GetScore(name)
		if err != nil {
			continue
		}
		peers = append(peers, models.ScoredPeer{
			Username: name,
			Data:     u.DataEndpoint(),
			Chat:     u.ChatEndpoint(),
			Score:    l.weights.Score(totals),
		})
	}

	// Highest score first; name breaks ties so the order is stable.
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Score != peers[j].Score {
			return peers[i].Score > peers[j].Score
		}
		return peers[i].Username < peers[j].Username
	})

	return wire.Response{Status: wire.StatusSuccess, Peers: peers}, nil
}

func (l *Logic) getFileMetadata(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	f, err := l.store.GetFile(req.FileHash)
	if err != nil {
		return wire.Response{}, err
	}
	return wire.Response{
		Status: wire.StatusSuccess,
		Metadata: &wire.FileMetadata{
			Name:        f.Name,
			Size:        f.Size,
			Hash:        f.Hash,
			ChunkHashes: f.ChunkHashes,
		},
	}, nil
}

func (l *Logic) listFiles(session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	files, err := l.store.ListFiles()
	if err != nil {
		return wire.Response{}, err
	}

	summaries := make([]wire.FileSummary, 0, len(files))
	for _, f := range files {
		summaries = append(summaries, wire.FileSummary{Name: f.Name, Size: f.Size, Hash: f.Hash})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	return wire.Response{Status: wire.StatusSuccess, Files: summaries}, nil
}

func (l *Logic) listOnlineUsers(session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	users, err := l.store.ActiveUsers()
	if err != nil {
		return wire.Response{}, err
	}

	names := make([]string, 0, len(users))
	for _, u := range users {
		if l.expired(u) {
			continue
		}
		names = append(names, u.Name)
	}
	sort.Strings(names)

	return wire.Response{Status: wire.StatusSuccess, Users: names}, nil
}

func (l *Logic) getPeerAddress(req wire.Request, session string, chat bool) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	u, err := l.store.GetUser(req.Username)
	if err != nil {
		return wire.Response{}, err
	}
	if !u.Active || l.expired(u) {
		return wire.Response{}, models.ErrUserNotFound
	}

	ep := u.DataEndpoint()
	if chat {
		ep = u.ChatEndpoint()
	}
	return wire.Response{Status: wire.StatusSuccess, IP: ep.Addr, Port: ep.Port}, nil
}

func (l *Logic) createRoom(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}
	if req.RoomID == "" {
		return wire.Response{}, models.ClientError("Identificador da sala faltando")
	}

	maxHistory := req.MaxHistory
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	r := models.Room{
		ID:         req.RoomID,
		Moderator:  session,
		CreatedAt:  l.now(),
		MaxHistory: maxHistory,
	}
	if err := l.store.CreateRoom(r); err != nil {
		return wire.Response{}, err
	}

	log.Info("tracker: room created", log.Fields{"room": req.RoomID, "moderator": session})
	return wire.OK("Sala criada com sucesso"), nil
}

func (l *Logic) deleteRoom(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	r, err := l.store.GetRoom(req.RoomID)
	if err != nil {
		return wire.Response{}, err
	}
	if r.Moderator != session {
		return wire.Response{}, models.ErrNotModerator
	}

	if err := l.store.DeleteRoom(req.RoomID); err != nil {
		return wire.Response{}, err
	}

	log.Info("tracker: room deleted", log.Fields{"room": req.RoomID, "moderator": session})
	return wire.OK("Sala removida"), nil
}

func (l *Logic) addMember(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	r, err := l.store.GetRoom(req.RoomID)
	if err != nil {
		return wire.Response{}, err
	}
	if r.Moderator != session {
		return wire.Response{}, models.ErrNotModerator
	}
	if _, err := l.store.GetUser(req.Username); err != nil {
		return wire.Response{}, err
	}

	if err := l.store.AddRoomMember(req.RoomID, req.Username, l.now()); err != nil {
		return wire.Response{}, err
	}
	return wire.OK("Membro adicionado"), nil
}

func (l *Logic) removeMember(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	r, err := l.store.GetRoom(req.RoomID)
	if err != nil {
		return wire.Response{}, err
	}
	// A member may remove itself; removing anyone else takes the
	// moderator.
	if req.Username != session && r.Moderator != session {
		return wire.Response{}, models.ErrNotModerator
	}

	if err := l.store.RemoveRoomMember(req.RoomID, req.Username); err != nil {
		return wire.Response{}, err
	}
	return wire.OK("Membro removido"), nil
}

func (l *Logic) listRooms(session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	rooms, err := l.store.ListRooms()
	if err != nil {
		return wire.Response{}, err
	}

	summaries := make([]wire.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		member, err := l.store.IsRoomMember(r.ID, session)
		if err != nil {
			return wire.Response{}, err
		}
		summaries = append(summaries, wire.RoomSummary{
			RoomID:    r.ID,
			Moderator: r.Moderator,
			IsMember:  member,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].RoomID < summaries[j].RoomID })

	return wire.Response{Status: wire.StatusSuccess, Rooms: summaries}, nil
}

func (l *Logic) getRoomMembers(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}
	if _, err := l.store.GetRoom(req.RoomID); err != nil {
		return wire.Response{}, err
	}
	if err := l.requireMembership(req.RoomID, session); err != nil {
		return wire.Response{}, err
	}

	members, err := l.store.RoomMembers(req.RoomID)
	if err != nil {
		return wire.Response{}, err
	}

	infos := make([]wire.MemberInfo, 0, len(members))
	for _, m := range members {
		infos = append(infos, wire.MemberInfo{
			Username: m.Username,
			JoinedAt: m.JoinedAt.UTC().Format(time.RFC3339),
		})
	}
	return wire.Response{Status: wire.StatusSuccess, Members: infos}, nil
}

func (l *Logic) getRoomInfo(req wire.Request, session string) (wire.Response, error) {
	if _, err := l.requireSession(session); err != nil {
		return wire.Response{}, err
	}

	r, err := l.store.GetRoom(req.RoomID)
	if err != nil {
		return wire.Response{}, err
	}
	if err := l.requireMembership(req.RoomID, session); err != nil {
		return wire.Response{}, err
	}

	return wire.Response{
		Status: wire.StatusSuccess,
		RoomInfo: &wire.RoomInfo{
			RoomID:     r.ID,
			Moderator:  r.Moderator,
			CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
			MaxHistory: r.MaxHistory,
		},
	}, nil
}

func (l *Logic) requireMembership(roomID, session string) error {
	member, err := l.store.IsRoomMember(roomID, session)
	if err != nil {
		return err
	}
	if !member {
		return models.ErrNotMember
	}
	return nil
}
