package domain

import (
	"errors"
	"time"
)

const roomIDPrefix = "room_"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomAlreadyExists  = errors.New("room already exists")
	ErrCapacityExceeded   = errors.New("room capacity exceeded")
	ErrAlreadyAssigned    = errors.New("connection already assigned to a room")
	ErrNotAssigned        = errors.New("connection is not assigned to a room")
	ErrInvalidInput       = errors.New("invalid input")
	ErrResourcesExhausted = errors.New("no shared resources configured")
)

// Room is a bounded group of connections sharing broadcast scope.
type Room struct {
	ID                string    `json:"id"`
	Members           []Member  `json:"members"`
	CreatedAt         time.Time `json:"createdAt"`
	SharedResource    string    `json:"sharedResource,omitempty"`
	ReshuffleDeadline time.Time `json:"reshuffleDeadline,omitzero"`
}

// RoomSummary is the public view of a room published to every client.
type RoomSummary struct {
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

// RoomStore owns every room and the connection -> room index.
// Implementations must be safe for concurrent use.
type RoomStore interface {
	CreateRoom(sharedResource string) *Room
	Insert(room *Room) error
	Remove(roomID string)
	Assign(conn ConnID, roomID string) error
	Unassign(conn ConnID) (string, bool)
	FindRoomWithCapacity(accept func(Room) bool) (Room, bool)
	ReplaceAll(rooms []*Room) error
	SnapshotSummary() []RoomSummary

	Get(roomID string) (Room, bool)
	RoomOf(conn ConnID) (string, bool)
	ResourcesInUse() []string
	EarliestReshuffleDeadline() (time.Time, bool)
	Len() int
}

func NewRoomID(suffix string) string {
	return roomIDPrefix + suffix
}

func (r *Room) Size() int {
	return len(r.Members)
}

func (r *Room) IsEmpty() bool {
	return len(r.Members) == 0
}

func (r *Room) HasMember(conn ConnID) bool {
	return r.indexOf(conn) != -1
}

// AddMember appends conn in join order. Capacity is the caller's concern.
func (r *Room) AddMember(conn ConnID, joinedAt time.Time) error {
	if conn == "" {
		return ErrInvalidInput
	}
	if r.HasMember(conn) {
		return ErrAlreadyAssigned
	}
	r.Members = append(r.Members, NewMember(conn, joinedAt))
	return nil
}

// RemoveMember keeps the remaining members in join order so the first
// joiner stays first.
func (r *Room) RemoveMember(conn ConnID) bool {
	idx := r.indexOf(conn)
	if idx == -1 {
		return false
	}
	r.Members = append(r.Members[:idx], r.Members[idx+1:]...)
	return true
}

func (r *Room) MemberConns() []ConnID {
	conns := make([]ConnID, len(r.Members))
	for i, m := range r.Members {
		conns[i] = m.Conn
	}
	return conns
}

func (r *Room) HasDeadline() bool {
	return !r.ReshuffleDeadline.IsZero()
}

// Clone returns a deep copy that can be handed out without exposing
// the store's internal member slice.
func (r *Room) Clone() Room {
	cpy := *r
	cpy.Members = make([]Member, len(r.Members))
	copy(cpy.Members, r.Members)
	return cpy
}

func (r *Room) Summary() RoomSummary {
	return RoomSummary{
		RoomID:      r.ID,
		MemberCount: len(r.Members),
	}
}

func (r *Room) indexOf(conn ConnID) int {
	for i, m := range r.Members {
		if m.Conn == conn {
			return i
		}
	}
	return -1
}
