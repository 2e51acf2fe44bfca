package repository

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, max int) (domain.RoomStore, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewRoomRepository(max, clock), clock
}

func insertRoom(t *testing.T, store domain.RoomStore, resource string) domain.Room {
	t.Helper()
	room := store.CreateRoom(resource)
	require.NoError(t, store.Insert(room))
	return room.Clone()
}

func TestRoomRepository_CreateRoom(t *testing.T) {
	store, clock := newTestStore(t, 4)

	room := store.CreateRoom("video-1")
	require.True(t, strings.HasPrefix(room.ID, "room_"))
	require.Equal(t, clock.Now(), room.CreatedAt)
	require.Equal(t, "video-1", room.SharedResource)
	require.True(t, room.IsEmpty())

	// Not inserted until the caller says so.
	require.Equal(t, 0, store.Len())
	_, ok := store.Get(room.ID)
	require.False(t, ok)

	other := store.CreateRoom("")
	require.NotEqual(t, room.ID, other.ID)
}

func TestRoomRepository_Insert(t *testing.T) {
	store, _ := newTestStore(t, 4)

	room := insertRoom(t, store, "")
	cpy := room
	require.ErrorIs(t, store.Insert(&cpy), domain.ErrRoomAlreadyExists)
	require.ErrorIs(t, store.Insert(nil), domain.ErrInvalidInput)
	require.ErrorIs(t, store.Insert(&domain.Room{}), domain.ErrInvalidInput)

	require.NoError(t, store.Assign("c1", room.ID))
	prefilled := store.CreateRoom("")
	require.NoError(t, prefilled.AddMember("c1", time.Now()))
	require.ErrorIs(t, store.Insert(prefilled), domain.ErrAlreadyAssigned)
}

func TestRoomRepository_Assign(t *testing.T) {
	t.Run("fills up to capacity", func(t *testing.T) {
		store, _ := newTestStore(t, 2)
		room := insertRoom(t, store, "")

		require.NoError(t, store.Assign("c1", room.ID))
		require.NoError(t, store.Assign("c2", room.ID))
		require.ErrorIs(t, store.Assign("c3", room.ID), domain.ErrCapacityExceeded)

		got, ok := store.Get(room.ID)
		require.True(t, ok)
		require.Equal(t, []domain.ConnID{"c1", "c2"}, got.MemberConns())

		_, assigned := store.RoomOf("c3")
		require.False(t, assigned)
	})

	t.Run("rejects a connection that is already placed", func(t *testing.T) {
		store, _ := newTestStore(t, 4)
		a := insertRoom(t, store, "")
		b := insertRoom(t, store, "")

		require.NoError(t, store.Assign("c1", a.ID))
		require.ErrorIs(t, store.Assign("c1", b.ID), domain.ErrAlreadyAssigned)

		roomID, _ := store.RoomOf("c1")
		require.Equal(t, a.ID, roomID)
	})

	t.Run("unknown room and empty input", func(t *testing.T) {
		store, _ := newTestStore(t, 4)
		require.ErrorIs(t, store.Assign("c1", "room_missing"), domain.ErrRoomNotFound)
		require.ErrorIs(t, store.Assign("", "room_missing"), domain.ErrInvalidInput)
	})
}

func TestRoomRepository_Unassign(t *testing.T) {
	store, _ := newTestStore(t, 4)
	room := insertRoom(t, store, "")
	require.NoError(t, store.Assign("c1", room.ID))

	roomID, ok := store.Unassign("c1")
	require.True(t, ok)
	require.Equal(t, room.ID, roomID)

	// Second call leaves the state untouched.
	before := store.SnapshotSummary()
	roomID, ok = store.Unassign("c1")
	require.False(t, ok)
	require.Empty(t, roomID)
	require.Equal(t, before, store.SnapshotSummary())

	// The room itself is the caller's to delete.
	got, exists := store.Get(room.ID)
	require.True(t, exists)
	require.True(t, got.IsEmpty())
}

func TestRoomRepository_Remove(t *testing.T) {
	store, _ := newTestStore(t, 4)
	room := insertRoom(t, store, "")
	require.NoError(t, store.Assign("c1", room.ID))

	store.Remove(room.ID)
	require.Equal(t, 0, store.Len())
	_, assigned := store.RoomOf("c1")
	require.False(t, assigned)

	require.NotPanics(t, func() { store.Remove(room.ID) })
	require.NotPanics(t, func() { store.Remove("room_never_existed") })
}

func TestRoomRepository_FindRoomWithCapacity(t *testing.T) {
	store, _ := newTestStore(t, 2)

	_, ok := store.FindRoomWithCapacity(nil)
	require.False(t, ok)

	first := insertRoom(t, store, "")
	second := insertRoom(t, store, "")

	found, ok := store.FindRoomWithCapacity(nil)
	require.True(t, ok)
	require.Equal(t, first.ID, found.ID)

	require.NoError(t, store.Assign("c1", first.ID))
	require.NoError(t, store.Assign("c2", first.ID))

	found, ok = store.FindRoomWithCapacity(nil)
	require.True(t, ok)
	require.Equal(t, second.ID, found.ID)

	_, ok = store.FindRoomWithCapacity(func(r domain.Room) bool { return r.ID != second.ID })
	require.False(t, ok)
}

func TestRoomRepository_ReplaceAll(t *testing.T) {
	t.Run("swaps the whole store", func(t *testing.T) {
		store, _ := newTestStore(t, 4)
		old := insertRoom(t, store, "")
		require.NoError(t, store.Assign("c1", old.ID))
		require.NoError(t, store.Assign("c2", old.ID))

		a := store.CreateRoom("r1")
		require.NoError(t, a.AddMember("c1", time.Now()))
		b := store.CreateRoom("r2")
		require.NoError(t, b.AddMember("c2", time.Now()))
		require.NoError(t, b.AddMember("c3", time.Now()))

		require.NoError(t, store.ReplaceAll([]*domain.Room{a, b}))

		require.Equal(t, []domain.RoomSummary{
			{RoomID: a.ID, MemberCount: 1},
			{RoomID: b.ID, MemberCount: 2},
		}, store.SnapshotSummary())

		_, exists := store.Get(old.ID)
		require.False(t, exists)

		roomID, _ := store.RoomOf("c3")
		require.Equal(t, b.ID, roomID)
		require.ElementsMatch(t, []string{"r1", "r2"}, store.ResourcesInUse())
	})

	t.Run("rejects a connection in two rooms", func(t *testing.T) {
		store, _ := newTestStore(t, 4)
		keep := insertRoom(t, store, "")

		a := store.CreateRoom("")
		require.NoError(t, a.AddMember("c1", time.Now()))
		b := store.CreateRoom("")
		require.NoError(t, b.AddMember("c1", time.Now()))

		require.ErrorIs(t, store.ReplaceAll([]*domain.Room{a, b}), domain.ErrAlreadyAssigned)
		require.Equal(t, []domain.RoomSummary{{RoomID: keep.ID}}, store.SnapshotSummary())
	})

	t.Run("rejects repeated ids", func(t *testing.T) {
		store, _ := newTestStore(t, 4)
		a := store.CreateRoom("")
		require.ErrorIs(t, store.ReplaceAll([]*domain.Room{a, a}), domain.ErrRoomAlreadyExists)
	})

	t.Run("empty input clears the store", func(t *testing.T) {
		store, _ := newTestStore(t, 4)
		insertRoom(t, store, "")
		require.NoError(t, store.ReplaceAll(nil))
		require.Empty(t, store.SnapshotSummary())
	})
}

func TestRoomRepository_EarliestReshuffleDeadline(t *testing.T) {
	store, clock := newTestStore(t, 4)

	_, ok := store.EarliestReshuffleDeadline()
	require.False(t, ok)

	late := store.CreateRoom("")
	late.ReshuffleDeadline = clock.Now().Add(5 * time.Minute)
	early := store.CreateRoom("")
	early.ReshuffleDeadline = clock.Now().Add(time.Minute)
	require.NoError(t, store.Insert(late))
	require.NoError(t, store.Insert(early))
	insertRoom(t, store, "")

	deadline, ok := store.EarliestReshuffleDeadline()
	require.True(t, ok)
	require.Equal(t, early.ReshuffleDeadline, deadline)
}

func TestRoomRepository_ReturnsCopies(t *testing.T) {
	store, _ := newTestStore(t, 4)
	room := insertRoom(t, store, "")
	require.NoError(t, store.Assign("c1", room.ID))

	got, _ := store.Get(room.ID)
	got.Members = append(got.Members, domain.NewMember("intruder", time.Now()))

	again, _ := store.Get(room.ID)
	require.Equal(t, 1, again.Size())
}

// Random interleavings of assign/unassign/remove must keep the forward and
// reverse index in agreement and never overfill a room.
func TestRoomRepository_InvariantsUnderChurn(t *testing.T) {
	const max = 3
	store, _ := newTestStore(t, max)
	rng := rand.New(rand.NewPCG(11, 12))

	for step := 0; step < 2000; step++ {
		conn := domain.ConnID(fmt.Sprintf("c%d", rng.IntN(25)))
		switch rng.IntN(3) {
		case 0:
			room, ok := store.FindRoomWithCapacity(nil)
			if !ok {
				created := store.CreateRoom("")
				require.NoError(t, store.Insert(created))
				room = created.Clone()
			}
			if _, assigned := store.RoomOf(conn); !assigned {
				require.NoError(t, store.Assign(conn, room.ID))
			}
		case 1:
			if roomID, ok := store.Unassign(conn); ok {
				if r, _ := store.Get(roomID); r.IsEmpty() {
					store.Remove(roomID)
				}
			}
		case 2:
			summary := store.SnapshotSummary()
			if len(summary) > 0 {
				store.Remove(summary[rng.IntN(len(summary))].RoomID)
			}
		}

		seen := make(map[domain.ConnID]string)
		for _, s := range store.SnapshotSummary() {
			room, ok := store.Get(s.RoomID)
			require.True(t, ok)
			require.LessOrEqual(t, room.Size(), max)
			for _, c := range room.MemberConns() {
				_, dup := seen[c]
				require.False(t, dup, "%s in two rooms", c)
				seen[c] = room.ID

				indexed, ok := store.RoomOf(c)
				require.True(t, ok)
				require.Equal(t, room.ID, indexed)
			}
		}
		for i := 0; i < 25; i++ {
			c := domain.ConnID(fmt.Sprintf("c%d", i))
			roomID, ok := store.RoomOf(c)
			if ok {
				assert.Equal(t, seen[c], roomID)
			} else {
				assert.NotContains(t, seen, c)
			}
		}
	}
}

func TestRoomRepository_ConcurrentReadersDuringReplace(t *testing.T) {
	store, _ := newTestStore(t, 4)

	build := func(prefix string) []*domain.Room {
		rooms := make([]*domain.Room, 0, 5)
		for i := 0; i < 5; i++ {
			room := store.CreateRoom("")
			for j := 0; j < 4; j++ {
				require.NoError(t, room.AddMember(domain.ConnID(fmt.Sprintf("%s-%d-%d", prefix, i, j)), time.Now()))
			}
			rooms = append(rooms, room)
		}
		return rooms
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				total := 0
				summary := store.SnapshotSummary()
				for _, s := range summary {
					total += s.MemberCount
				}
				// Either the empty initial store or a full generation.
				if len(summary) != 0 {
					assert.Equal(t, 20, total)
				}
			}
		}()
	}

	for gen := 0; gen < 50; gen++ {
		require.NoError(t, store.ReplaceAll(build(fmt.Sprintf("g%d", gen))))
	}
	close(stop)
	wg.Wait()
}
