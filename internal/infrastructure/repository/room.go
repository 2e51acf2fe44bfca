package repository

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/jonboulle/clockwork"
)

type roomRepository struct {
	rooms       map[string]*domain.Room  // ID -> Room
	order       []string                 // room IDs in insertion order
	connIndex   map[domain.ConnID]string // Conn -> room ID
	maxRoomSize int
	clock       clockwork.Clock
	mu          *sync.RWMutex
}

// NewRoomRepository returns the in-memory room store. maxRoomSize bounds
// Assign; rooms installed by ReplaceAll are accepted as given.
func NewRoomRepository(maxRoomSize int, clock clockwork.Clock) domain.RoomStore {
	if maxRoomSize <= 0 {
		maxRoomSize = 4
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &roomRepository{
		rooms:       make(map[string]*domain.Room),
		connIndex:   make(map[domain.ConnID]string),
		maxRoomSize: maxRoomSize,
		clock:       clock,
		mu:          &sync.RWMutex{},
	}
}

// CreateRoom allocates a room but does not insert it.
func (r *roomRepository) CreateRoom(sharedResource string) *domain.Room {
	return &domain.Room{
		ID:             domain.NewRoomID(uuid.NewString()),
		Members:        make([]domain.Member, 0, r.maxRoomSize),
		CreatedAt:      r.clock.Now(),
		SharedResource: sharedResource,
	}
}

func (r *roomRepository) Insert(room *domain.Room) error {
	if room == nil || room.ID == "" {
		return domain.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return domain.ErrRoomAlreadyExists
	}
	for _, m := range room.Members {
		if _, taken := r.connIndex[m.Conn]; taken {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyAssigned, m.Conn)
		}
	}

	r.store(room)
	return nil
}

// Remove is idempotent: removing an unknown room is not an error.
func (r *roomRepository) Remove(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return
	}

	for _, m := range room.Members {
		if r.connIndex[m.Conn] == roomID {
			delete(r.connIndex, m.Conn)
		}
	}
	delete(r.rooms, roomID)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == roomID })
}

func (r *roomRepository) Assign(conn domain.ConnID, roomID string) error {
	if conn == "" || roomID == "" {
		return domain.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return domain.ErrRoomNotFound
	}
	if current, assigned := r.connIndex[conn]; assigned {
		return fmt.Errorf("%w: %s is in %s", domain.ErrAlreadyAssigned, conn, current)
	}
	if room.Size() >= r.maxRoomSize {
		return domain.ErrCapacityExceeded
	}

	if err := room.AddMember(conn, r.clock.Now()); err != nil {
		return err
	}
	r.connIndex[conn] = roomID

	return nil
}

// Unassign is idempotent. It reports the room the connection left, if any.
func (r *roomRepository) Unassign(conn domain.ConnID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, assigned := r.connIndex[conn]
	if !assigned {
		return "", false
	}
	delete(r.connIndex, conn)

	if room, exists := r.rooms[roomID]; exists {
		room.RemoveMember(conn)
	}

	return roomID, true
}

// FindRoomWithCapacity returns the first room, in insertion order, that has
// a free seat and passes accept. A nil accept matches every room.
func (r *roomRepository) FindRoomWithCapacity(accept func(domain.Room) bool) (domain.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		room := r.rooms[id]
		if room.Size() >= r.maxRoomSize {
			continue
		}
		cpy := room.Clone()
		if accept != nil && !accept(cpy) {
			continue
		}
		return cpy, true
	}

	return domain.Room{}, false
}

// ReplaceAll swaps the whole store in one critical section. Input that would
// put a connection in two rooms or repeat a room ID is rejected and the
// current contents are kept.
func (r *roomRepository) ReplaceAll(rooms []*domain.Room) error {
	ids := make(map[string]struct{}, len(rooms))
	conns := make(map[domain.ConnID]string)
	for _, room := range rooms {
		if room == nil || room.ID == "" {
			return domain.ErrInvalidInput
		}
		if _, dup := ids[room.ID]; dup {
			return fmt.Errorf("%w: %s", domain.ErrRoomAlreadyExists, room.ID)
		}
		ids[room.ID] = struct{}{}
		for _, m := range room.Members {
			if other, dup := conns[m.Conn]; dup {
				return fmt.Errorf("%w: %s is in %s and %s", domain.ErrAlreadyAssigned, m.Conn, other, room.ID)
			}
			conns[m.Conn] = room.ID
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms = make(map[string]*domain.Room, len(rooms))
	r.connIndex = make(map[domain.ConnID]string, len(conns))
	r.order = make([]string, 0, len(rooms))
	for _, room := range rooms {
		r.store(room)
	}

	return nil
}

func (r *roomRepository) SnapshotSummary() []domain.RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := make([]domain.RoomSummary, 0, len(r.order))
	for _, id := range r.order {
		summary = append(summary, r.rooms[id].Summary())
	}
	return summary
}

func (r *roomRepository) Get(roomID string) (domain.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return domain.Room{}, false
	}
	return room.Clone(), true
}

func (r *roomRepository) RoomOf(conn domain.ConnID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.connIndex[conn]
	return roomID, ok
}

func (r *roomRepository) ResourcesInUse() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inUse := make([]string, 0, len(r.rooms))
	for _, id := range r.order {
		if res := r.rooms[id].SharedResource; res != "" {
			inUse = append(inUse, res)
		}
	}
	return inUse
}

func (r *roomRepository) EarliestReshuffleDeadline() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var earliest time.Time
	for _, room := range r.rooms {
		if !room.HasDeadline() {
			continue
		}
		if earliest.IsZero() || room.ReshuffleDeadline.Before(earliest) {
			earliest = room.ReshuffleDeadline
		}
	}
	return earliest, !earliest.IsZero()
}

func (r *roomRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// store must be called with mu held.
func (r *roomRepository) store(room *domain.Room) {
	r.rooms[room.ID] = room
	r.order = append(r.order, room.ID)
	for _, m := range room.Members {
		r.connIndex[m.Conn] = room.ID
	}
}
