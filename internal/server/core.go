// Package server ties the protocol, session, lobby, game, and store layers
// together: it owns the TCP listener, one goroutine pair per connection, the
// presence registry, and the periodic sweeps.
package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"xiangqi/server/internal/config"
	"xiangqi/server/internal/game"
	"xiangqi/server/internal/lobby"
	"xiangqi/server/internal/metrics"
	"xiangqi/server/internal/protocol"
	"xiangqi/server/internal/rating"
	"xiangqi/server/internal/session"
	"xiangqi/server/internal/store"
)

// Core owns every in-memory table and routes all state mutation. Handlers
// run on connection goroutines; the tables serialize internally and the
// presence map is guarded here.
type Core struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Registry

	sessions *session.Store
	lobby    *lobby.Lobby
	games    *game.Manager
	users    UserRepo
	matches  MatchRepo
	persist  *Persister

	conns atomic.Int64 // open transports, for the connection cap

	// relayMu serializes match broadcast enqueues with move acceptance so
	// every recipient's send queue sees moves, and the final game_end, in
	// acceptance order. Never held across repository calls.
	relayMu sync.Mutex

	mu       sync.Mutex
	presence map[int64]*Conn // user id → live connection

	// Pending offers keyed by match id. An entry holds the offeror; the
	// response handler checks the responder is the other player.
	drawOffers    map[string]int64
	rematchOffers map[string]int64
}

// NewCore wires a core from its collaborators.
func NewCore(cfg config.Config, log *slog.Logger, users UserRepo, matches MatchRepo, reg *metrics.Registry) *Core {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	c := &Core{
		cfg:           cfg,
		log:           log,
		metrics:       reg,
		sessions:      session.NewStore(cfg.Limits.MaxSessions, session.DefaultTTL),
		lobby:         lobby.New(cfg.Limits.MaxReady, cfg.Limits.MaxRooms, cfg.Limits.MaxChallenges),
		games:         game.NewManager(cfg.Limits.MaxMatches, cfg.Limits.MaxMoves, cfg.Limits.MaxSpectators),
		users:         users,
		matches:       matches,
		presence:      make(map[int64]*Conn),
		drawOffers:    make(map[string]int64),
		rematchOffers: make(map[string]int64),
	}
	c.persist = NewPersister(matches, cfg.Limits.PersistWorkers, 0, log)
	return c
}

// Close drains the persistence pool.
func (c *Core) Close() {
	c.persist.Close()
}

// Stats is a point-in-time summary for the admin API and CLI.
type Stats struct {
	Connections   int `json:"connections"`
	Sessions      int `json:"sessions"`
	ReadyPlayers  int `json:"ready_players"`
	OpenRooms     int `json:"open_rooms"`
	ActiveMatches int `json:"active_matches"`
}

// Snapshot returns current occupancy counters.
func (c *Core) Snapshot() Stats {
	c.mu.Lock()
	conns := len(c.presence)
	c.mu.Unlock()
	return Stats{
		Connections:   conns,
		Sessions:      c.sessions.Len(),
		ReadyPlayers:  len(c.lobby.ReadyList()),
		OpenRooms:     len(c.lobby.Rooms()),
		ActiveMatches: c.games.ActiveCount(),
	}
}

// LiveMatches returns the active matches for the admin API.
func (c *Core) LiveMatches() []protocol.LiveMatch {
	live := c.games.Live()
	out := make([]protocol.LiveMatch, 0, len(live))
	for _, s := range live {
		out = append(out, protocol.LiveMatch{
			MatchID:    s.ID,
			RedUser:    s.RedName,
			BlackUser:  s.BlackName,
			MoveCount:  s.MoveCount(),
			Rated:      s.Rated,
			Spectators: len(s.Spectators),
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

// bindPresence maps userID to conn, superseding any earlier connection for
// the same user. The old connection stays open but stops receiving routed
// messages.
func (c *Core) bindPresence(userID int64, conn *Conn) {
	c.mu.Lock()
	c.presence[userID] = conn
	c.mu.Unlock()
	conn.setUserID(userID)
}

// dropPresence unmaps userID only if it still points at conn, so a
// superseded connection's teardown cannot evict its successor.
func (c *Core) dropPresence(userID int64, conn *Conn) {
	c.mu.Lock()
	if c.presence[userID] == conn {
		delete(c.presence, userID)
	}
	c.mu.Unlock()
}

func (c *Core) connOf(userID int64) (*Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.presence[userID]
	return conn, ok
}

// isConnected reports whether the user has a routed connection.
func (c *Core) isConnected(userID int64) bool {
	_, ok := c.connOf(userID)
	return ok
}

// sendToUser delivers one notification to the user's connection. False
// means no connection is mapped or its send queue overflowed; callers use
// this for pairing rollback.
func (c *Core) sendToUser(userID int64, typ string, payload any) bool {
	conn, ok := c.connOf(userID)
	if !ok {
		return false
	}
	if !conn.sendJSON(protocol.Notification{Type: typ, Payload: payload}) {
		c.metrics.SendOverflows.Inc()
		return false
	}
	c.metrics.MessagesOut.Inc()
	return true
}

// broadcastToMatch sends a notification to both players and every
// spectator, optionally skipping one user (the originator).
func (c *Core) broadcastToMatch(snap game.Snapshot, skip int64, typ string, payload any) {
	for _, uid := range snap.Recipients() {
		if uid == skip {
			continue
		}
		c.sendToUser(uid, typ, payload)
	}
}

// broadcastReadyList pushes the full ready list to everyone on it.
func (c *Core) broadcastReadyList() {
	list := c.lobby.ReadyList()
	entries := make([]protocol.ReadyEntry, 0, len(list))
	for _, e := range list {
		entries = append(entries, protocol.ReadyEntry{
			UserID:   e.UserID,
			Username: e.Username,
			Rating:   e.Rating,
		})
	}
	for _, e := range list {
		c.sendToUser(e.UserID, protocol.NotifyReadyListUpdate, entries)
	}
}

// broadcastRooms pushes the open-room listing to every connected user.
func (c *Core) broadcastRooms() {
	rooms := c.roomList()
	c.mu.Lock()
	conns := make([]*Conn, 0, len(c.presence))
	for _, conn := range c.presence {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	note := protocol.Notification{Type: protocol.NotifyRoomsUpdate, Payload: rooms}
	line, err := json.Marshal(note)
	if err != nil {
		return
	}
	for _, conn := range conns {
		if conn.enqueue(line) {
			c.metrics.MessagesOut.Inc()
		}
	}
}

func (c *Core) roomList() []protocol.RoomInfo {
	rooms := c.lobby.Rooms()
	out := make([]protocol.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, protocol.RoomInfo{
			RoomCode:    r.Code,
			Name:        r.Name,
			HostUser:    r.HostName,
			GuestUser:   r.GuestName,
			HasPassword: r.HasPassword(),
			Rated:       r.Rated,
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// HandleTransport runs the read loop for one client link until it closes.
// The WebSocket bridge calls this directly; the TCP listener wraps sockets
// first.
func (c *Core) HandleTransport(t Transport) {
	if limit := c.cfg.Limits.MaxConnections; limit > 0 && c.conns.Load() >= int64(limit) {
		c.log.Warn("connection refused, at capacity", "addr", t.RemoteAddr())
		t.Close()
		return
	}
	conn := newConn(t, c.cfg.Server.SendChannelSize)
	c.conns.Add(1)
	c.metrics.ConnectionsActive.Inc()
	go conn.writeLoop()

	defer func() {
		conn.close()
		c.teardown(conn)
		c.conns.Add(-1)
		c.metrics.ConnectionsActive.Dec()
	}()

	for {
		line, err := conn.transport.ReadLine()
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}
		c.metrics.MessagesIn.Inc()
		c.dispatch(conn, line)
	}
}

// teardown runs the disconnect semantics: presence unmapped, ready list and
// spectator sets cleaned, sessions left intact for reconnect.
func (c *Core) teardown(conn *Conn) {
	userID := conn.UserID()
	if userID == 0 {
		return
	}
	c.dropPresence(userID, conn)
	c.games.DropSpectator(userID)
	if c.lobby.RemovePlayer(userID) {
		c.broadcastReadyList()
	}
	c.log.Debug("client disconnected", "user_id", userID, "addr", conn.transport.RemoteAddr())
}

// ---------------------------------------------------------------------------
// Match finalization
// ---------------------------------------------------------------------------

// finalizeMatch applies ratings for rated decisive or drawn games, persists
// the record, and broadcasts game_end with the final ratings. Aborted
// matches broadcast without touching ratings.
func (c *Core) finalizeMatch(snap game.Snapshot) {
	end := protocol.GameEnd{
		MatchID: snap.ID,
		Result:  snap.Result.String(),
		Reason:  snap.Reason.String(),
	}

	var redRating, blackRating int
	if snap.Rated && snap.Result != game.Aborted {
		redRating, blackRating = c.applyRatings(snap)
		end.RedRating = redRating
		end.BlackRating = blackRating
	}

	c.metrics.MatchesFinished.WithLabelValues(snap.Reason.String()).Inc()
	c.metrics.MatchesActive.Set(float64(c.games.ActiveCount()))

	c.mu.Lock()
	delete(c.drawOffers, snap.ID)
	c.mu.Unlock()

	c.relayMu.Lock()
	c.broadcastToMatch(snap, 0, protocol.NotifyGameEnd, end)
	c.relayMu.Unlock()

	if snap.Result != game.Aborted {
		c.persist.Enqueue(matchRecord(snap, redRating, blackRating))
	}
}

// applyRatings recomputes Elo for both players and writes the ratings plus
// win/loss/draw counters through the user repo. Returns the new ratings;
// zeros on a repo failure, which is logged and does not undo the game.
func (c *Core) applyRatings(snap game.Snapshot) (int, int) {
	red, err := c.users.UserByID(snap.RedID)
	if err != nil {
		c.log.Error("load red player for rating", "match_id", snap.ID, "err", err)
		return 0, 0
	}
	black, err := c.users.UserByID(snap.BlackID)
	if err != nil {
		c.log.Error("load black player for rating", "match_id", snap.ID, "err", err)
		return 0, 0
	}

	var redScore rating.Score
	switch snap.Result {
	case game.RedWins:
		redScore = rating.Win
	case game.BlackWins:
		redScore = rating.Loss
	default:
		redScore = rating.Draw
	}

	newRed, newBlack := rating.Update(red.Rating, black.Rating, redScore, c.cfg.Game.KFactor)
	draw := snap.Result == game.Draw
	if err := c.users.AddResult(red.ID, newRed, snap.Result == game.RedWins, snap.Result == game.BlackWins, draw); err != nil {
		c.log.Error("persist red result", "match_id", snap.ID, "err", err)
	}
	if err := c.users.AddResult(black.ID, newBlack, snap.Result == game.BlackWins, snap.Result == game.RedWins, draw); err != nil {
		c.log.Error("persist black result", "match_id", snap.ID, "err", err)
	}
	return newRed, newBlack
}

// matchRecord converts a terminal snapshot into its storage row.
func matchRecord(snap game.Snapshot, redRating, blackRating int) store.MatchRecord {
	moves := make([]protocol.MoveInfo, 0, len(snap.Moves))
	for _, mv := range snap.Moves {
		moves = append(moves, protocol.MoveInfo{
			From:        protocol.Pos{Row: mv.FromRow, Col: mv.FromCol},
			To:          protocol.Pos{Row: mv.ToRow, Col: mv.ToCol},
			Timestamp:   mv.Timestamp.UnixMilli(),
			RedTimeMs:   mv.RedTimeMs,
			BlackTimeMs: mv.BlackTimeMs,
		})
	}
	movesJSON, err := json.Marshal(moves)
	if err != nil {
		movesJSON = []byte("[]")
	}
	return store.MatchRecord{
		ID:          snap.ID,
		RedID:       snap.RedID,
		BlackID:     snap.BlackID,
		RedName:     snap.RedName,
		BlackName:   snap.BlackName,
		Result:      snap.Result.String(),
		Reason:      snap.Reason.String(),
		Rated:       snap.Rated,
		MoveCount:   snap.MoveCount(),
		MovesJSON:   string(movesJSON),
		RedRating:   redRating,
		BlackRating: blackRating,
		StartedAt:   snap.StartedAt.Unix(),
		EndedAt:     snap.EndedAt.Unix(),
	}
}

// hashPassword is the stored credential form: hex SHA-256.
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// nowUnixMilli is split out for chat timestamps.
func nowUnixMilli() int64 { return time.Now().UnixMilli() }
