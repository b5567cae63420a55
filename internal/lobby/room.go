package lobby

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// RoomState is the lifecycle of a private room.
type RoomState int

const (
	RoomOpen    RoomState = iota // waiting for a guest
	RoomPaired                   // guest present, not started
	RoomStarted                  // game created, room retired
)

// Room is a host-created private channel holding at most two players.
type Room struct {
	Code      string
	Name      string
	HostID    int64
	HostName  string
	GuestID   int64 // 0 while open
	GuestName string
	password  string
	Rated     bool
	State     RoomState
	CreatedAt time.Time
}

// HasPassword reports whether joining requires a password.
func (r *Room) HasPassword() bool { return r.password != "" }

// CreateRoom allocates a room with a fresh 8-hex code and returns a copy.
func (l *Lobby) CreateRoom(hostID int64, hostName, name, password string, rated bool) (Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.rooms) >= l.maxRooms {
		return Room{}, ErrTooManyRooms
	}

	code, err := l.newRoomCodeLocked()
	if err != nil {
		return Room{}, err
	}

	room := &Room{
		Code:      code,
		Name:      name,
		HostID:    hostID,
		HostName:  hostName,
		password:  password,
		Rated:     rated,
		State:     RoomOpen,
		CreatedAt: l.now(),
	}
	l.rooms[code] = room
	return *room, nil
}

// newRoomCodeLocked draws 8 random hex characters, retrying on the unlikely
// collision with a live room.
func (l *Lobby) newRoomCodeLocked() (string, error) {
	for attempt := 0; attempt < 16; attempt++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("room code: %w", err)
		}
		code := hex.EncodeToString(buf)
		if _, taken := l.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("room code: could not find a free code")
}

// JoinRoom seats guestID in the room if it is open, not full, and the
// password matches (compared in constant time).
func (l *Lobby) JoinRoom(code, password string, guestID int64, guestName string) (Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, ok := l.rooms[code]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	if room.State == RoomStarted {
		return Room{}, ErrRoomStarted
	}
	if room.password != "" {
		if subtle.ConstantTimeCompare([]byte(room.password), []byte(password)) != 1 {
			return Room{}, ErrWrongPassword
		}
	}
	if room.GuestID != 0 {
		return Room{}, ErrRoomFull
	}

	room.GuestID = guestID
	room.GuestName = guestName
	room.State = RoomPaired
	return *room, nil
}

// LeaveRoom removes userID from the room. A departing guest reopens the
// room; a departing host closes it. The post-transition copy is returned
// along with whether the room was closed.
func (l *Lobby) LeaveRoom(code string, userID int64) (Room, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, ok := l.rooms[code]
	if !ok {
		return Room{}, false, ErrRoomNotFound
	}

	switch userID {
	case room.GuestID:
		room.GuestID = 0
		room.GuestName = ""
		room.State = RoomOpen
		return *room, false, nil
	case room.HostID:
		delete(l.rooms, code)
		return *room, true, nil
	default:
		return Room{}, false, ErrNotInRoom
	}
}

// StartRoom transitions a paired room to Started so a match can be created
// from it. Host only; requires a seated guest. Started rooms drop out of
// listings and are removed here.
func (l *Lobby) StartRoom(code string, userID int64) (Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	room, ok := l.rooms[code]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	if room.HostID != userID {
		return Room{}, ErrNotHost
	}
	if room.GuestID == 0 {
		return Room{}, ErrNoGuest
	}
	if room.State == RoomStarted {
		return Room{}, ErrRoomStarted
	}

	room.State = RoomStarted
	delete(l.rooms, code)
	return *room, nil
}

// ReseatRoom restores a room that failed to start (e.g. the guest's
// connection vanished mid-start) back into the table as Paired.
func (l *Lobby) ReseatRoom(room Room) {
	l.mu.Lock()
	defer l.mu.Unlock()
	room.State = RoomPaired
	r := room
	l.rooms[room.Code] = &r
}

// Rooms returns copies of every listed room (Open or Paired), oldest first.
func (l *Lobby) Rooms() []Room {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Room, 0, len(l.rooms))
	for _, r := range l.rooms {
		out = append(out, *r)
	}
	// Stable order for clients: oldest room first.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
