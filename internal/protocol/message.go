// Package protocol defines the newline-delimited JSON wire format spoken by
// game clients: the request/response envelope, the server-initiated
// notification types, and the typed payloads carried inside them.
package protocol

import "encoding/json"

// Request types accepted by the dispatcher.
const (
	TypeRegister          = "register"
	TypeLogin             = "login"
	TypeLogout            = "logout"
	TypeSetReady          = "set_ready"
	TypeFindMatch         = "find_match"
	TypeMove              = "move"
	TypeResign            = "resign"
	TypeDrawOffer         = "draw_offer"
	TypeDrawResponse      = "draw_response"
	TypeChallenge         = "challenge"
	TypeChallengeResponse = "challenge_response"
	TypeGetMatch          = "get_match"
	TypeJoinMatch         = "join_match"
	TypeLeaderboard       = "leaderboard"
	TypeHeartbeat         = "heartbeat"
	TypeChatMessage       = "chat_message"
	TypeCreateRoom        = "create_room"
	TypeJoinRoom          = "join_room"
	TypeLeaveRoom         = "leave_room"
	TypeGetRooms          = "get_rooms"
	TypeStartRoomGame     = "start_room_game"
	TypeRematchRequest    = "rematch_request"
	TypeRematchResponse   = "rematch_response"
	TypeMatchHistory      = "match_history"
	TypeGetLiveMatches    = "get_live_matches"
	TypeJoinSpectate      = "join_spectate"
	TypeLeaveSpectate     = "leave_spectate"
	TypeGetProfile        = "get_profile"
	TypeGetTimer          = "get_timer"
)

// Response envelope types.
const (
	TypeResponse = "response"
	TypeErr      = "error"
)

// Notification types pushed by the server without a request seq.
const (
	NotifyReadyListUpdate = "ready_list_update"
	NotifyRoomsUpdate     = "rooms_update"
	NotifyRoomGuestJoined = "room_guest_joined"
	NotifyRoomGuestLeft   = "room_guest_left"
	NotifyRoomClosed      = "room_closed"
	NotifyMatchFound      = "match_found"
	NotifyMatchStart      = "match_start"
	NotifyOpponentMove    = "opponent_move"
	NotifyGameEnd         = "game_end"
	NotifyDrawOffer       = "draw_offer"
	NotifyChallenge       = "challenge_received"
	NotifyRematchRequest  = "rematch_request"
	NotifyRematchDeclined = "rematch_declined"
	NotifyChatMessage     = "chat_message"
)

// Error codes carried on failed responses.
const (
	CodeProtocol   = "PROTOCOL"
	CodeAuth       = "AUTH"
	CodeState      = "STATE"
	CodeResource   = "RESOURCE"
	CodeRepository = "REPOSITORY"
)

// Request is one inbound JSON object. Payload stays raw until the handler
// for the given type decodes it.
type Request struct {
	Type    string          `json:"type"`
	Seq     int             `json:"seq,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers exactly one request, echoing its seq.
type Response struct {
	Type    string `json:"type"`
	Seq     int    `json:"seq"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Notification is a server-originated push; it carries no seq.
type Notification struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Pos is one board coordinate. Rows run 0..9, columns 0..8.
type Pos struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// ---------------------------------------------------------------------------
// Request payloads
// ---------------------------------------------------------------------------

type RegisterPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SetReadyPayload struct {
	Ready bool `json:"ready"`
}

type FindMatchPayload struct {
	Mode string `json:"mode"` // "random" or "rated"
}

type MovePayload struct {
	MatchID string `json:"match_id"`
	FromRow int    `json:"from_row"`
	FromCol int    `json:"from_col"`
	ToRow   int    `json:"to_row"`
	ToCol   int    `json:"to_col"`
}

// MatchRefPayload covers every request that only names a match.
type MatchRefPayload struct {
	MatchID string `json:"match_id"`
}

type DrawResponsePayload struct {
	MatchID string `json:"match_id"`
	Accept  bool   `json:"accept"`
}

type ChallengePayload struct {
	OpponentID int64 `json:"opponent_id"`
	Rated      bool  `json:"rated"`
}

type ChallengeResponsePayload struct {
	ChallengeID string `json:"challenge_id"`
	Accept      bool   `json:"accept"`
}

type ChatPayload struct {
	MatchID string `json:"match_id"`
	Message string `json:"message"`
}

type CreateRoomPayload struct {
	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"`
	Rated    bool   `json:"rated"`
}

type JoinRoomPayload struct {
	RoomCode string `json:"room_code"`
	Password string `json:"password,omitempty"`
}

type RoomRefPayload struct {
	RoomCode string `json:"room_code"`
}

type RematchResponsePayload struct {
	MatchID string `json:"match_id"`
	Accept  bool   `json:"accept"`
}

type PagePayload struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type HistoryPayload struct {
	UserID int64 `json:"user_id,omitempty"`
	Limit  int   `json:"limit,omitempty"`
	Offset int   `json:"offset,omitempty"`
}

type ProfilePayload struct {
	UserID int64 `json:"user_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Response and notification payloads
// ---------------------------------------------------------------------------

type RegisterResult struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type LoginResult struct {
	Token    string `json:"token"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
}

// QueuedResult is returned when no opponent is available yet.
type QueuedResult struct {
	Status string `json:"status"` // always "queued"
}

type ReadyEntry struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
}

type MatchFound struct {
	MatchID       string `json:"match_id"`
	RedUser       string `json:"red_user"`
	BlackUser     string `json:"black_user"`
	YourColor     string `json:"your_color"`
	Rated         bool   `json:"rated"`
	InitialTimeMs int64  `json:"initial_time_ms"`
	Rematch       bool   `json:"rematch,omitempty"`
}

type MatchStart struct {
	MatchID string `json:"match_id"`
}

type OpponentMove struct {
	MatchID     string `json:"match_id"`
	From        Pos    `json:"from"`
	To          Pos    `json:"to"`
	MoveCount   int    `json:"move_count"`
	RedTimeMs   int64  `json:"red_time_ms"`
	BlackTimeMs int64  `json:"black_time_ms"`
}

type MoveResult struct {
	RedTimeMs   int64 `json:"red_time_ms"`
	BlackTimeMs int64 `json:"black_time_ms"`
}

type GameEnd struct {
	MatchID     string `json:"match_id"`
	Result      string `json:"result"`
	Reason      string `json:"reason"`
	RedRating   int    `json:"red_rating,omitempty"`
	BlackRating int    `json:"black_rating,omitempty"`
}

// DrawOfferNote doubles as the offer relay (to the opponent) and the decline
// notice (back to the offeror, with Declined set).
type DrawOfferNote struct {
	MatchID  string `json:"match_id"`
	Declined bool   `json:"declined,omitempty"`
}

type ChallengeNote struct {
	ChallengeID string `json:"challenge_id"`
	FromUserID  int64  `json:"from_user_id"`
	FromUser    string `json:"from_user"`
	Rated       bool   `json:"rated"`
}

type ChallengeCreated struct {
	ChallengeID string `json:"challenge_id"`
}

type RematchNote struct {
	MatchID    string `json:"match_id"`
	FromUserID int64  `json:"from_user_id"`
}

type ChatNote struct {
	MatchID   string `json:"match_id"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type RoomInfo struct {
	RoomCode    string `json:"room_code"`
	Name        string `json:"name,omitempty"`
	HostUser    string `json:"host_user"`
	GuestUser   string `json:"guest_user,omitempty"`
	HasPassword bool   `json:"has_password"`
	Rated       bool   `json:"rated"`
}

type RoomCreated struct {
	RoomCode string `json:"room_code"`
}

type RoomGuestNote struct {
	RoomCode string `json:"room_code"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
}

type RoomClosedNote struct {
	RoomCode string `json:"room_code"`
}

type MatchState struct {
	MatchID     string     `json:"match_id"`
	RedUserID   int64      `json:"red_user_id"`
	BlackUserID int64      `json:"black_user_id"`
	RedUser     string     `json:"red_user"`
	BlackUser   string     `json:"black_user"`
	CurrentTurn string     `json:"current_turn"`
	MoveCount   int        `json:"move_count"`
	Moves       []MoveInfo `json:"moves"`
	Rated       bool       `json:"rated"`
	RedTimeMs   int64      `json:"red_time_ms"`
	BlackTimeMs int64      `json:"black_time_ms"`
	Result      string     `json:"result"`
}

type MoveInfo struct {
	From        Pos   `json:"from"`
	To          Pos   `json:"to"`
	Timestamp   int64 `json:"timestamp"`
	RedTimeMs   int64 `json:"red_time_ms"`
	BlackTimeMs int64 `json:"black_time_ms"`
}

type TimerState struct {
	MatchID     string `json:"match_id"`
	CurrentTurn string `json:"current_turn"`
	RedTimeMs   int64  `json:"red_time_ms"`
	BlackTimeMs int64  `json:"black_time_ms"`
}

type LiveMatch struct {
	MatchID    string `json:"match_id"`
	RedUser    string `json:"red_user"`
	BlackUser  string `json:"black_user"`
	MoveCount  int    `json:"move_count"`
	Rated      bool   `json:"rated"`
	Spectators int    `json:"spectators"`
}

type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Rating   int    `json:"rating"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
	Draws    int    `json:"draws"`
}

type Profile struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Rating   int    `json:"rating"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
	Draws    int    `json:"draws"`
}

type HistoryEntry struct {
	MatchID     string `json:"match_id"`
	RedUserID   int64  `json:"red_user_id"`
	BlackUserID int64  `json:"black_user_id"`
	Result      string `json:"result"`
	StartedAt   int64  `json:"started_at"`
	EndedAt     int64  `json:"ended_at"`
}
