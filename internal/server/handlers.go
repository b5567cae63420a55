package server

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"xiangqi/server/internal/game"
	"xiangqi/server/internal/lobby"
	"xiangqi/server/internal/protocol"
)

// respond sends a success response echoing seq.
func (c *Core) respond(conn *Conn, seq int, msg string, payload any) {
	conn.sendJSON(protocol.Response{
		Type:    protocol.TypeResponse,
		Seq:     seq,
		Success: true,
		Message: msg,
		Payload: payload,
	})
	c.metrics.MessagesOut.Inc()
}

// fail sends an error response echoing seq.
func (c *Core) fail(conn *Conn, seq int, code, msg string) {
	conn.sendJSON(protocol.Response{
		Type:    protocol.TypeErr,
		Seq:     seq,
		Success: false,
		Message: msg,
		Code:    code,
	})
	c.metrics.MessagesOut.Inc()
	c.metrics.ErrorsSent.WithLabelValues(code).Inc()
}

// decode unmarshals a request payload, tolerating an absent payload as the
// zero value.
func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

// dispatch routes one parsed line. Every request yields exactly one
// response; broadcasts fired along the way are best-effort.
func (c *Core) dispatch(conn *Conn, line []byte) {
	var req protocol.Request
	if err := json.Unmarshal(line, &req); err != nil {
		c.fail(conn, 0, protocol.CodeProtocol, "Malformed JSON")
		return
	}

	switch req.Type {
	case protocol.TypeRegister:
		c.handleRegister(conn, req)
		return
	case protocol.TypeLogin:
		c.handleLogin(conn, req)
		return
	}

	userID, ok := c.sessions.Validate(req.Token)
	if !ok {
		c.fail(conn, req.Seq, protocol.CodeAuth, "Invalid or expired token")
		return
	}

	switch req.Type {
	case protocol.TypeLogout:
		c.handleLogout(conn, req, userID)
	case protocol.TypeHeartbeat:
		c.sessions.Touch(req.Token)
		c.respond(conn, req.Seq, "pong", nil)
	case protocol.TypeSetReady:
		c.handleSetReady(conn, req, userID)
	case protocol.TypeFindMatch:
		c.handleFindMatch(conn, req, userID)
	case protocol.TypeMove:
		c.handleMove(conn, req, userID)
	case protocol.TypeResign:
		c.handleResign(conn, req, userID)
	case protocol.TypeDrawOffer:
		c.handleDrawOffer(conn, req, userID)
	case protocol.TypeDrawResponse:
		c.handleDrawResponse(conn, req, userID)
	case protocol.TypeChallenge:
		c.handleChallenge(conn, req, userID)
	case protocol.TypeChallengeResponse:
		c.handleChallengeResponse(conn, req, userID)
	case protocol.TypeGetMatch:
		c.handleGetMatch(conn, req)
	case protocol.TypeJoinMatch:
		c.handleJoinMatch(conn, req, userID)
	case protocol.TypeLeaderboard:
		c.handleLeaderboard(conn, req)
	case protocol.TypeChatMessage:
		c.handleChat(conn, req, userID)
	case protocol.TypeCreateRoom:
		c.handleCreateRoom(conn, req, userID)
	case protocol.TypeJoinRoom:
		c.handleJoinRoom(conn, req, userID)
	case protocol.TypeLeaveRoom:
		c.handleLeaveRoom(conn, req, userID)
	case protocol.TypeGetRooms:
		c.respond(conn, req.Seq, "Room list", c.roomList())
	case protocol.TypeStartRoomGame:
		c.handleStartRoomGame(conn, req, userID)
	case protocol.TypeRematchRequest:
		c.handleRematchRequest(conn, req, userID)
	case protocol.TypeRematchResponse:
		c.handleRematchResponse(conn, req, userID)
	case protocol.TypeMatchHistory:
		c.handleMatchHistory(conn, req, userID)
	case protocol.TypeGetLiveMatches:
		c.respond(conn, req.Seq, "Live matches", c.LiveMatches())
	case protocol.TypeJoinSpectate:
		c.handleJoinSpectate(conn, req, userID)
	case protocol.TypeLeaveSpectate:
		c.handleLeaveSpectate(conn, req, userID)
	case protocol.TypeGetProfile:
		c.handleGetProfile(conn, req, userID)
	case protocol.TypeGetTimer:
		c.handleGetTimer(conn, req)
	default:
		c.fail(conn, req.Seq, protocol.CodeProtocol, fmt.Sprintf("Unknown request type %q", req.Type))
	}
}

// ---------------------------------------------------------------------------
// Accounts and sessions
// ---------------------------------------------------------------------------

func (c *Core) handleRegister(conn *Conn, req protocol.Request) {
	p, err := decode[protocol.RegisterPayload](req.Payload)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}
	if p.Username == "" || len(p.Username) > 32 {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Username must be 1-32 characters")
		return
	}
	if p.Password == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Password required")
		return
	}

	if _, err := c.users.UserByUsername(p.Username); err == nil {
		c.fail(conn, req.Seq, protocol.CodeAuth, "Username already taken")
		return
	} else if !errors.Is(err, sql.ErrNoRows) {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}
	if p.Email != "" {
		if _, err := c.users.UserByEmail(p.Email); err == nil {
			c.fail(conn, req.Seq, protocol.CodeAuth, "Email already taken")
			return
		} else if !errors.Is(err, sql.ErrNoRows) {
			c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
			return
		}
	}

	id, err := c.users.CreateUser(p.Username, p.Email, hashPassword(p.Password))
	if err != nil {
		c.log.Error("create user", "username", p.Username, "err", err)
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account creation failed")
		return
	}
	c.log.Info("registered", "user_id", id, "username", p.Username)
	c.respond(conn, req.Seq, "Registered", protocol.RegisterResult{UserID: id, Username: p.Username})
}

func (c *Core) handleLogin(conn *Conn, req protocol.Request) {
	p, err := decode[protocol.LoginPayload](req.Payload)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	u, err := c.users.UserByUsername(p.Username)
	if errors.Is(err, sql.ErrNoRows) {
		c.fail(conn, req.Seq, protocol.CodeAuth, "Invalid credentials")
		return
	}
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}
	if subtle.ConstantTimeCompare([]byte(u.PasswordHash), []byte(hashPassword(p.Password))) != 1 {
		c.fail(conn, req.Seq, protocol.CodeAuth, "Invalid credentials")
		return
	}

	token, err := c.sessions.Create(u.ID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeResource, "Session table full")
		return
	}
	c.bindPresence(u.ID, conn)
	c.metrics.SessionsActive.Set(float64(c.sessions.Len()))
	c.log.Info("login", "user_id", u.ID, "username", u.Username, "addr", conn.transport.RemoteAddr())
	c.respond(conn, req.Seq, "Logged in", protocol.LoginResult{
		Token:    token,
		UserID:   u.ID,
		Username: u.Username,
		Rating:   u.Rating,
	})
}

func (c *Core) handleLogout(conn *Conn, req protocol.Request, userID int64) {
	c.sessions.Destroy(req.Token)
	c.dropPresence(userID, conn)
	if c.lobby.RemovePlayer(userID) {
		c.broadcastReadyList()
	}
	c.metrics.SessionsActive.Set(float64(c.sessions.Len()))
	c.respond(conn, req.Seq, "Logged out", nil)
}

// ---------------------------------------------------------------------------
// Matchmaking
// ---------------------------------------------------------------------------

func (c *Core) handleSetReady(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.SetReadyPayload](req.Payload)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	if !p.Ready {
		c.lobby.SetReady(userID, "", 0, false)
		c.broadcastReadyList()
		c.respond(conn, req.Seq, "Not ready", nil)
		return
	}

	u, err := c.users.UserByID(userID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}
	if err := c.lobby.SetReady(userID, u.Username, u.Rating, true); err != nil {
		c.fail(conn, req.Seq, protocol.CodeResource, "Ready list full")
		return
	}
	c.broadcastReadyList()
	c.respond(conn, req.Seq, "Ready", nil)
}

// matchFoundFor builds the per-recipient match_found payload.
func matchFoundFor(snap game.Snapshot, color game.Color, rematch bool) protocol.MatchFound {
	return protocol.MatchFound{
		MatchID:       snap.ID,
		RedUser:       snap.RedName,
		BlackUser:     snap.BlackName,
		YourColor:     color.String(),
		Rated:         snap.Rated,
		InitialTimeMs: snap.InitialTimeMs,
		Rematch:       rematch,
	}
}

// announceMatch delivers match_found to the requester's side first, then
// the opponent. It returns the user id whose delivery failed, or 0. On a
// failure the match is rolled back to aborted/notify_failed before
// returning; re-queueing the survivor is the caller's decision.
func (c *Core) announceMatch(snap game.Snapshot, requester int64, rematch bool) int64 {
	first := snap.ColorOf(requester)
	order := []game.Color{first, first.Opponent()}
	for _, color := range order {
		uid := snap.PlayerID(color)
		if !c.sendToUser(uid, protocol.NotifyMatchFound, matchFoundFor(snap, color, rematch)) {
			c.games.Abort(snap.ID, game.ReasonNotifyFailed)
			c.metrics.MatchesFinished.WithLabelValues(game.ReasonNotifyFailed.String()).Inc()
			c.metrics.MatchesActive.Set(float64(c.games.ActiveCount()))
			return uid
		}
	}
	return 0
}

// announceStart tells both players their match is live. Challenge and room
// starts emit it on top of match_found; queue pairing does not.
func (c *Core) announceStart(snap game.Snapshot) {
	start := protocol.MatchStart{MatchID: snap.ID}
	c.sendToUser(snap.RedID, protocol.NotifyMatchStart, start)
	c.sendToUser(snap.BlackID, protocol.NotifyMatchStart, start)
}

func (c *Core) handleFindMatch(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.FindMatchPayload](req.Payload)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}
	if p.Mode != "random" && p.Mode != "rated" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Mode must be random or rated")
		return
	}
	if _, busy := c.games.ActiveByUser(userID); busy {
		c.fail(conn, req.Seq, protocol.CodeState, "Already in an active match")
		return
	}

	u, err := c.users.UserByID(userID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}
	if err := c.lobby.SetReady(userID, u.Username, u.Rating, true); err != nil {
		c.fail(conn, req.Seq, protocol.CodeResource, "Ready list full")
		return
	}

	var opp lobby.ReadyEntry
	var found bool
	if p.Mode == "rated" {
		opp, found = c.lobby.FindRated(userID, u.Rating, c.cfg.Game.RatingTolerance)
	} else {
		opp, found = c.lobby.FindRandom(userID)
	}
	if !found {
		c.broadcastReadyList()
		c.respond(conn, req.Seq, "Queued for match", protocol.QueuedResult{Status: "queued"})
		return
	}

	// The waiting player takes red; the requester takes black.
	snap, err := c.games.Create(opp.UserID, userID, opp.Username, u.Username, p.Mode == "rated", c.cfg.Game.InitialTimeMs)
	if err != nil {
		c.lobby.SetReady(opp.UserID, opp.Username, opp.Rating, true)
		c.failMatchCreate(conn, req.Seq, err)
		return
	}
	c.metrics.MatchesStarted.Inc()
	c.metrics.MatchesActive.Set(float64(c.games.ActiveCount()))
	c.log.Info("match created", "match_id", snap.ID, "red", snap.RedName, "black", snap.BlackName, "rated", snap.Rated)

	if failed := c.announceMatch(snap, userID, false); failed != 0 {
		// Re-queue whichever side still has a socket and tell the
		// requester they are back in line.
		if failed == userID {
			c.lobby.SetReady(opp.UserID, opp.Username, opp.Rating, true)
		} else {
			c.lobby.SetReady(userID, u.Username, u.Rating, true)
		}
		c.broadcastReadyList()
		c.respond(conn, req.Seq, "Queued for match", protocol.QueuedResult{Status: "queued"})
		return
	}

	c.broadcastReadyList()
	c.respond(conn, req.Seq, "Match found", matchFoundFor(snap, snap.ColorOf(userID), false))
}

func (c *Core) failMatchCreate(conn *Conn, seq int, err error) {
	switch {
	case errors.Is(err, game.ErrTooManyMatches):
		c.fail(conn, seq, protocol.CodeResource, "Match table full")
	case errors.Is(err, game.ErrPlayerBusy):
		c.fail(conn, seq, protocol.CodeState, "A player is already in an active match")
	default:
		c.fail(conn, seq, protocol.CodeState, "Could not create match")
	}
}

// ---------------------------------------------------------------------------
// Gameplay
// ---------------------------------------------------------------------------

func (c *Core) handleMove(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.MovePayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	// Accept and relay under one lock so spectators observe moves in
	// acceptance order even when the players' goroutines race here.
	c.relayMu.Lock()
	snap, err := c.games.ApplyMove(p.MatchID, userID, p.FromRow, p.FromCol, p.ToRow, p.ToCol)
	if err == nil {
		c.broadcastToMatch(snap, userID, protocol.NotifyOpponentMove, protocol.OpponentMove{
			MatchID:     snap.ID,
			From:        protocol.Pos{Row: p.FromRow, Col: p.FromCol},
			To:          protocol.Pos{Row: p.ToRow, Col: p.ToCol},
			MoveCount:   snap.MoveCount(),
			RedTimeMs:   snap.RedTimeMs,
			BlackTimeMs: snap.BlackTimeMs,
		})
	}
	c.relayMu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, game.ErrTimeExpired):
		c.metrics.TimeoutsDetected.Inc()
		c.finalizeMatch(snap)
		c.fail(conn, req.Seq, protocol.CodeState, "Time expired")
		return
	case errors.Is(err, game.ErrNotYourTurn):
		c.fail(conn, req.Seq, protocol.CodeState, "Not your turn")
		return
	case errors.Is(err, game.ErrNotFound):
		c.fail(conn, req.Seq, protocol.CodeState, "Match not found")
		return
	case errors.Is(err, game.ErrEnded):
		c.fail(conn, req.Seq, protocol.CodeState, "Match already ended")
		return
	case errors.Is(err, game.ErrNotPlayer):
		c.fail(conn, req.Seq, protocol.CodeState, "Not a player in this match")
		return
	case errors.Is(err, game.ErrBadCoords):
		c.fail(conn, req.Seq, protocol.CodeState, "Invalid coordinates")
		return
	case errors.Is(err, game.ErrMoveLimit):
		c.fail(conn, req.Seq, protocol.CodeState, "Move limit reached")
		return
	default:
		c.fail(conn, req.Seq, protocol.CodeState, "Move rejected")
		return
	}

	c.respond(conn, req.Seq, "Move accepted", protocol.MoveResult{
		RedTimeMs:   snap.RedTimeMs,
		BlackTimeMs: snap.BlackTimeMs,
	})
}

func (c *Core) handleResign(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.MatchRefPayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	snap, err := c.games.Resign(p.MatchID, userID)
	if err != nil {
		c.failGameOp(conn, req.Seq, err)
		return
	}
	c.finalizeMatch(snap)
	c.respond(conn, req.Seq, "Resigned", nil)
}

func (c *Core) failGameOp(conn *Conn, seq int, err error) {
	switch {
	case errors.Is(err, game.ErrNotFound):
		c.fail(conn, seq, protocol.CodeState, "Match not found")
	case errors.Is(err, game.ErrEnded):
		c.fail(conn, seq, protocol.CodeState, "Match already ended")
	case errors.Is(err, game.ErrNotPlayer):
		c.fail(conn, seq, protocol.CodeState, "Not a player in this match")
	case errors.Is(err, game.ErrIsPlayer):
		c.fail(conn, seq, protocol.CodeState, "Players cannot spectate their own match")
	case errors.Is(err, game.ErrSpectatorCap):
		c.fail(conn, seq, protocol.CodeResource, "Spectator limit reached")
	default:
		c.fail(conn, seq, protocol.CodeState, "Request rejected")
	}
}

func (c *Core) handleDrawOffer(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.MatchRefPayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	snap, ok := c.games.Snapshot(p.MatchID)
	if !ok {
		c.fail(conn, req.Seq, protocol.CodeState, "Match not found")
		return
	}
	if !snap.Active {
		c.fail(conn, req.Seq, protocol.CodeState, "Match already ended")
		return
	}
	if !snap.IsPlayer(userID) {
		c.fail(conn, req.Seq, protocol.CodeState, "Not a player in this match")
		return
	}

	c.mu.Lock()
	c.drawOffers[p.MatchID] = userID
	c.mu.Unlock()

	c.sendToUser(snap.Opponent(userID), protocol.NotifyDrawOffer, protocol.DrawOfferNote{MatchID: p.MatchID})
	c.respond(conn, req.Seq, "Draw offered", nil)
}

func (c *Core) handleDrawResponse(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.DrawResponsePayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	// Only the players may consume the offer; a stranger must not be able
	// to burn it out from under the real opponent.
	cur, ok := c.games.Snapshot(p.MatchID)
	if !ok {
		c.fail(conn, req.Seq, protocol.CodeState, "Match not found")
		return
	}
	if !cur.IsPlayer(userID) {
		c.fail(conn, req.Seq, protocol.CodeState, "Not a player in this match")
		return
	}

	c.mu.Lock()
	offeror, pending := c.drawOffers[p.MatchID]
	if pending {
		delete(c.drawOffers, p.MatchID)
	}
	c.mu.Unlock()

	if !pending || offeror == userID {
		c.fail(conn, req.Seq, protocol.CodeState, "No draw offer pending")
		return
	}

	if !p.Accept {
		c.sendToUser(offeror, protocol.NotifyDrawOffer, protocol.DrawOfferNote{MatchID: p.MatchID, Declined: true})
		c.respond(conn, req.Seq, "Draw declined", nil)
		return
	}

	snap, err := c.games.AcceptDraw(p.MatchID, userID)
	if err != nil {
		c.failGameOp(conn, req.Seq, err)
		return
	}
	c.finalizeMatch(snap)
	c.respond(conn, req.Seq, "Draw agreed", nil)
}

// ---------------------------------------------------------------------------
// Challenges
// ---------------------------------------------------------------------------

func (c *Core) handleChallenge(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.ChallengePayload](req.Payload)
	if err != nil || p.OpponentID == 0 {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}
	if p.OpponentID == userID {
		c.fail(conn, req.Seq, protocol.CodeState, "Cannot challenge yourself")
		return
	}
	if !c.isConnected(p.OpponentID) {
		c.fail(conn, req.Seq, protocol.CodeState, "Opponent offline")
		return
	}

	u, err := c.users.UserByID(userID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}

	ch, err := c.lobby.CreateChallenge(userID, p.OpponentID, p.Rated)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeResource, "Challenge table full")
		return
	}

	c.sendToUser(p.OpponentID, protocol.NotifyChallenge, protocol.ChallengeNote{
		ChallengeID: ch.ID,
		FromUserID:  userID,
		FromUser:    u.Username,
		Rated:       p.Rated,
	})
	c.respond(conn, req.Seq, "Challenge sent", protocol.ChallengeCreated{ChallengeID: ch.ID})
}

func (c *Core) handleChallengeResponse(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.ChallengeResponsePayload](req.Payload)
	if err != nil || p.ChallengeID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	if !p.Accept {
		if _, err := c.lobby.DeclineChallenge(p.ChallengeID, userID); err != nil {
			c.failChallengeOp(conn, req.Seq, err)
			return
		}
		c.respond(conn, req.Seq, "Challenge declined", nil)
		return
	}

	ch, err := c.lobby.AcceptChallenge(p.ChallengeID, userID)
	if err != nil {
		c.failChallengeOp(conn, req.Seq, err)
		return
	}

	challenger, err := c.users.UserByID(ch.FromUserID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}
	acceptor, err := c.users.UserByID(userID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}

	// Challenger takes red.
	snap, err := c.games.Create(ch.FromUserID, userID, challenger.Username, acceptor.Username, ch.Rated, c.cfg.Game.InitialTimeMs)
	if err != nil {
		c.failMatchCreate(conn, req.Seq, err)
		return
	}
	c.metrics.MatchesStarted.Inc()
	c.metrics.MatchesActive.Set(float64(c.games.ActiveCount()))

	if failed := c.announceMatch(snap, userID, false); failed != 0 {
		c.fail(conn, req.Seq, protocol.CodeState, "Opponent offline")
		return
	}
	c.announceStart(snap)
	c.respond(conn, req.Seq, "Match found", matchFoundFor(snap, game.Black, false))
}

func (c *Core) failChallengeOp(conn *Conn, seq int, err error) {
	switch {
	case errors.Is(err, lobby.ErrNoChallenge):
		c.fail(conn, seq, protocol.CodeState, "Challenge not found")
	case errors.Is(err, lobby.ErrNotRecipient):
		c.fail(conn, seq, protocol.CodeState, "Challenge addressed to someone else")
	case errors.Is(err, lobby.ErrChallengeStale):
		c.fail(conn, seq, protocol.CodeState, "Challenge expired")
	default:
		c.fail(conn, seq, protocol.CodeState, "Request rejected")
	}
}

// ---------------------------------------------------------------------------
// Match queries
// ---------------------------------------------------------------------------

// matchState renders an in-memory snapshot for get_match and join_match.
func matchState(snap game.Snapshot) protocol.MatchState {
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
	return protocol.MatchState{
		MatchID:     snap.ID,
		RedUserID:   snap.RedID,
		BlackUserID: snap.BlackID,
		RedUser:     snap.RedName,
		BlackUser:   snap.BlackName,
		CurrentTurn: snap.Turn.String(),
		MoveCount:   snap.MoveCount(),
		Moves:       moves,
		Rated:       snap.Rated,
		RedTimeMs:   snap.RedTimeMs,
		BlackTimeMs: snap.BlackTimeMs,
		Result:      snap.Result.String(),
	}
}

func (c *Core) handleGetMatch(conn *Conn, req protocol.Request) {
	p, err := decode[protocol.MatchRefPayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	if snap, ok := c.games.Snapshot(p.MatchID); ok {
		c.respond(conn, req.Seq, "Match state", matchState(snap))
		return
	}

	// Fall back to the archive for matches already pruned from memory.
	rec, err := c.matches.MatchByID(p.MatchID)
	if errors.Is(err, sql.ErrNoRows) {
		c.fail(conn, req.Seq, protocol.CodeState, "Match not found")
		return
	}
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Match lookup failed")
		return
	}
	var moves []protocol.MoveInfo
	if err := json.Unmarshal([]byte(rec.MovesJSON), &moves); err != nil {
		moves = nil
	}
	c.respond(conn, req.Seq, "Match state", protocol.MatchState{
		MatchID:     rec.ID,
		RedUserID:   rec.RedID,
		BlackUserID: rec.BlackID,
		RedUser:     rec.RedName,
		BlackUser:   rec.BlackName,
		MoveCount:   rec.MoveCount,
		Moves:       moves,
		Rated:       rec.Rated,
		Result:      rec.Result,
	})
}

func (c *Core) handleJoinMatch(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.MatchRefPayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	snap, ok := c.games.Snapshot(p.MatchID)
	if !ok {
		c.fail(conn, req.Seq, protocol.CodeState, "Match not found")
		return
	}
	if !snap.IsPlayer(userID) {
		c.fail(conn, req.Seq, protocol.CodeState, "Not a player in this match")
		return
	}

	// Re-bind presence so broadcasts reach the new socket after a
	// reconnect, and refresh the session: a rejoined player is active
	// again however long they were gone.
	c.bindPresence(userID, conn)
	c.sessions.Touch(req.Token)
	c.respond(conn, req.Seq, "Rejoined", matchState(snap))
}

func (c *Core) handleGetTimer(conn *Conn, req protocol.Request) {
	p, err := decode[protocol.MatchRefPayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	snap, err := c.games.Timers(p.MatchID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeState, "Match not found")
		return
	}
	c.respond(conn, req.Seq, "Timer state", protocol.TimerState{
		MatchID:     snap.ID,
		CurrentTurn: snap.Turn.String(),
		RedTimeMs:   snap.RedTimeMs,
		BlackTimeMs: snap.BlackTimeMs,
	})
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

// maxChatBytes caps one chat message.
const maxChatBytes = 500

func (c *Core) handleChat(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.ChatPayload](req.Payload)
	if err != nil || p.MatchID == "" || p.Message == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}
	if len(p.Message) > maxChatBytes {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Message too long")
		return
	}

	snap, ok := c.games.Snapshot(p.MatchID)
	if !ok {
		c.fail(conn, req.Seq, protocol.CodeState, "Match not found")
		return
	}
	member := snap.IsPlayer(userID)
	for _, sid := range snap.Spectators {
		if sid == userID {
			member = true
			break
		}
	}
	if !member {
		c.fail(conn, req.Seq, protocol.CodeState, "Not in this match")
		return
	}

	u, err := c.users.UserByID(userID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}

	c.broadcastToMatch(snap, userID, protocol.NotifyChatMessage, protocol.ChatNote{
		MatchID:   p.MatchID,
		UserID:    userID,
		Username:  u.Username,
		Message:   p.Message,
		Timestamp: nowUnixMilli(),
	})
	c.respond(conn, req.Seq, "Sent", nil)
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (c *Core) handleCreateRoom(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.CreateRoomPayload](req.Payload)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	u, err := c.users.UserByID(userID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}

	room, err := c.lobby.CreateRoom(userID, u.Username, p.Name, p.Password, p.Rated)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeResource, "Room table full")
		return
	}
	c.broadcastRooms()
	c.respond(conn, req.Seq, "Room created", protocol.RoomCreated{RoomCode: room.Code})
}

func (c *Core) handleJoinRoom(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.JoinRoomPayload](req.Payload)
	if err != nil || p.RoomCode == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	u, err := c.users.UserByID(userID)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}

	room, err := c.lobby.JoinRoom(p.RoomCode, p.Password, userID, u.Username)
	if err != nil {
		c.failRoomOp(conn, req.Seq, err)
		return
	}

	c.sendToUser(room.HostID, protocol.NotifyRoomGuestJoined, protocol.RoomGuestNote{
		RoomCode: room.Code,
		UserID:   userID,
		Username: u.Username,
	})
	c.broadcastRooms()
	c.respond(conn, req.Seq, "Joined room", protocol.RoomInfo{
		RoomCode:    room.Code,
		Name:        room.Name,
		HostUser:    room.HostName,
		GuestUser:   room.GuestName,
		HasPassword: room.HasPassword(),
		Rated:       room.Rated,
	})
}

func (c *Core) handleLeaveRoom(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.RoomRefPayload](req.Payload)
	if err != nil || p.RoomCode == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	room, closed, err := c.lobby.LeaveRoom(p.RoomCode, userID)
	if err != nil {
		c.failRoomOp(conn, req.Seq, err)
		return
	}

	if closed {
		// Host left: tell the seated guest, if any.
		if room.GuestID != 0 {
			c.sendToUser(room.GuestID, protocol.NotifyRoomClosed, protocol.RoomClosedNote{RoomCode: room.Code})
		}
	} else {
		c.sendToUser(room.HostID, protocol.NotifyRoomGuestLeft, protocol.RoomGuestNote{
			RoomCode: room.Code,
			UserID:   userID,
		})
	}
	c.broadcastRooms()
	c.respond(conn, req.Seq, "Left room", nil)
}

func (c *Core) failRoomOp(conn *Conn, seq int, err error) {
	switch {
	case errors.Is(err, lobby.ErrRoomNotFound):
		c.fail(conn, seq, protocol.CodeState, "Room not found")
	case errors.Is(err, lobby.ErrRoomFull):
		c.fail(conn, seq, protocol.CodeState, "Room full")
	case errors.Is(err, lobby.ErrWrongPassword):
		c.fail(conn, seq, protocol.CodeState, "Wrong password")
	case errors.Is(err, lobby.ErrRoomStarted):
		c.fail(conn, seq, protocol.CodeState, "Room already started")
	case errors.Is(err, lobby.ErrNotHost):
		c.fail(conn, seq, protocol.CodeState, "Only the host may do that")
	case errors.Is(err, lobby.ErrNoGuest):
		c.fail(conn, seq, protocol.CodeState, "Room has no guest")
	case errors.Is(err, lobby.ErrNotInRoom):
		c.fail(conn, seq, protocol.CodeState, "Not in this room")
	case errors.Is(err, lobby.ErrTooManyRooms):
		c.fail(conn, seq, protocol.CodeResource, "Room table full")
	default:
		c.fail(conn, seq, protocol.CodeState, "Request rejected")
	}
}

func (c *Core) handleStartRoomGame(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.RoomRefPayload](req.Payload)
	if err != nil || p.RoomCode == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	room, err := c.lobby.StartRoom(p.RoomCode, userID)
	if err != nil {
		c.failRoomOp(conn, req.Seq, err)
		return
	}

	// Host takes red.
	snap, err := c.games.Create(room.HostID, room.GuestID, room.HostName, room.GuestName, room.Rated, c.cfg.Game.InitialTimeMs)
	if err != nil {
		c.lobby.ReseatRoom(room)
		c.failMatchCreate(conn, req.Seq, err)
		return
	}
	c.metrics.MatchesStarted.Inc()
	c.metrics.MatchesActive.Set(float64(c.games.ActiveCount()))

	if failed := c.announceMatch(snap, userID, false); failed != 0 {
		c.lobby.ReseatRoom(room)
		c.fail(conn, req.Seq, protocol.CodeState, "Opponent offline")
		return
	}
	c.announceStart(snap)
	c.broadcastRooms()
	c.respond(conn, req.Seq, "Match found", matchFoundFor(snap, game.Red, false))
}

// ---------------------------------------------------------------------------
// Rematch
// ---------------------------------------------------------------------------

func (c *Core) handleRematchRequest(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.MatchRefPayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	snap, ok := c.games.Snapshot(p.MatchID)
	if !ok {
		c.fail(conn, req.Seq, protocol.CodeState, "Match not found")
		return
	}
	if snap.Active {
		c.fail(conn, req.Seq, protocol.CodeState, "Match still in progress")
		return
	}
	if !snap.IsPlayer(userID) {
		c.fail(conn, req.Seq, protocol.CodeState, "Not a player in this match")
		return
	}

	opponent := snap.Opponent(userID)
	if !c.isConnected(opponent) {
		c.fail(conn, req.Seq, protocol.CodeState, "Opponent offline")
		return
	}

	c.mu.Lock()
	c.rematchOffers[p.MatchID] = userID
	c.mu.Unlock()

	c.sendToUser(opponent, protocol.NotifyRematchRequest, protocol.RematchNote{
		MatchID:    p.MatchID,
		FromUserID: userID,
	})
	c.respond(conn, req.Seq, "Rematch requested", nil)
}

func (c *Core) handleRematchResponse(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.RematchResponsePayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	c.mu.Lock()
	offeror, pending := c.rematchOffers[p.MatchID]
	if pending {
		delete(c.rematchOffers, p.MatchID)
	}
	c.mu.Unlock()

	if !pending || offeror == userID {
		c.fail(conn, req.Seq, protocol.CodeState, "No rematch request pending")
		return
	}

	old, ok := c.games.Snapshot(p.MatchID)
	if !ok || !old.IsPlayer(userID) {
		c.fail(conn, req.Seq, protocol.CodeState, "Match not found")
		return
	}

	if !p.Accept {
		c.sendToUser(offeror, protocol.NotifyRematchDeclined, protocol.RematchNote{
			MatchID:    p.MatchID,
			FromUserID: userID,
		})
		c.respond(conn, req.Seq, "Rematch declined", nil)
		return
	}

	// Colors swap; the clock resets to the original allotment.
	snap, err := c.games.Create(old.BlackID, old.RedID, old.BlackName, old.RedName, old.Rated, old.InitialTimeMs)
	if err != nil {
		c.failMatchCreate(conn, req.Seq, err)
		return
	}
	c.metrics.MatchesStarted.Inc()
	c.metrics.MatchesActive.Set(float64(c.games.ActiveCount()))

	if failed := c.announceMatch(snap, userID, true); failed != 0 {
		c.fail(conn, req.Seq, protocol.CodeState, "Opponent offline")
		return
	}
	c.respond(conn, req.Seq, "Match found", matchFoundFor(snap, snap.ColorOf(userID), true))
}

// ---------------------------------------------------------------------------
// Spectating
// ---------------------------------------------------------------------------

func (c *Core) handleJoinSpectate(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.MatchRefPayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}

	snap, err := c.games.AddSpectator(p.MatchID, userID)
	if err != nil {
		c.failGameOp(conn, req.Seq, err)
		return
	}
	c.respond(conn, req.Seq, "Spectating", matchState(snap))
}

func (c *Core) handleLeaveSpectate(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.MatchRefPayload](req.Payload)
	if err != nil || p.MatchID == "" {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}
	c.games.RemoveSpectator(p.MatchID, userID)
	c.respond(conn, req.Seq, "Stopped spectating", nil)
}

// ---------------------------------------------------------------------------
// Profiles, leaderboard, history
// ---------------------------------------------------------------------------

func clampPage(limit, offset, defLimit, maxLimit int) (int, int) {
	if limit <= 0 {
		limit = defLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (c *Core) handleLeaderboard(conn *Conn, req protocol.Request) {
	p, err := decode[protocol.PagePayload](req.Payload)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}
	limit, offset := clampPage(p.Limit, p.Offset, 10, 100)

	users, err := c.users.Leaderboard(limit, offset)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Leaderboard lookup failed")
		return
	}
	entries := make([]protocol.LeaderboardEntry, 0, len(users))
	for i, u := range users {
		entries = append(entries, protocol.LeaderboardEntry{
			Rank:     offset + i + 1,
			UserID:   u.ID,
			Username: u.Username,
			Rating:   u.Rating,
			Wins:     u.Wins,
			Losses:   u.Losses,
			Draws:    u.Draws,
		})
	}
	c.respond(conn, req.Seq, "Leaderboard", entries)
}

func (c *Core) handleGetProfile(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.ProfilePayload](req.Payload)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}
	target := p.UserID
	if target == 0 {
		target = userID
	}

	u, err := c.users.UserByID(target)
	if errors.Is(err, sql.ErrNoRows) {
		c.fail(conn, req.Seq, protocol.CodeState, "User not found")
		return
	}
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "Account lookup failed")
		return
	}

	profile := protocol.Profile{
		UserID:   u.ID,
		Username: u.Username,
		Rating:   u.Rating,
		Wins:     u.Wins,
		Losses:   u.Losses,
		Draws:    u.Draws,
	}
	if target == userID {
		profile.Email = u.Email
	}
	c.respond(conn, req.Seq, "Profile", profile)
}

func (c *Core) handleMatchHistory(conn *Conn, req protocol.Request, userID int64) {
	p, err := decode[protocol.HistoryPayload](req.Payload)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeProtocol, "Malformed payload")
		return
	}
	target := p.UserID
	if target == 0 {
		target = userID
	}
	limit, offset := clampPage(p.Limit, p.Offset, 20, 100)

	recs, err := c.matches.MatchHistory(target, limit, offset)
	if err != nil {
		c.fail(conn, req.Seq, protocol.CodeRepository, "History lookup failed")
		return
	}
	entries := make([]protocol.HistoryEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, protocol.HistoryEntry{
			MatchID:     rec.ID,
			RedUserID:   rec.RedID,
			BlackUserID: rec.BlackID,
			Result:      rec.Result,
			StartedAt:   rec.StartedAt,
			EndedAt:     rec.EndedAt,
		})
	}
	c.respond(conn, req.Seq, "Match history", entries)
}
