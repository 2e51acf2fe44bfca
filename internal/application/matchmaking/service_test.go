package matchmaking

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hilthontt/roomshuffle/internal/application/grouping"
	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/repository"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/resources"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/ws"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected []domain.ConnID
	sent      map[domain.ConnID][]*ws.WSMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[domain.ConnID][]*ws.WSMessage)}
}

func (t *fakeTransport) connect(conn domain.ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = append(t.connected, conn)
}

func (t *fakeTransport) disconnect(conn domain.ConnID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = slices.DeleteFunc(t.connected, func(c domain.ConnID) bool { return c == conn })
}

func (t *fakeTransport) Connected() []domain.ConnID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.connected)
}

func (t *fakeTransport) Send(conn domain.ConnID, msg *ws.WSMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !slices.Contains(t.connected, conn) {
		return false
	}
	t.sent[conn] = append(t.sent[conn], msg)
	return true
}

func (t *fakeTransport) Multicast(conns []domain.ConnID, msg *ws.WSMessage) int {
	n := 0
	for _, c := range conns {
		if t.Send(c, msg) {
			n++
		}
	}
	return n
}

func (t *fakeTransport) Broadcast(msg *ws.WSMessage) int {
	return t.Multicast(t.Connected(), msg)
}

func (t *fakeTransport) messages(conn domain.ConnID, typ string) []*ws.WSMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*ws.WSMessage
	for _, m := range t.sent[conn] {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) types(conn domain.ConnID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sent[conn]))
	for _, m := range t.sent[conn] {
		out = append(out, m.Type)
	}
	return out
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.sent)
}

type recordingSink struct {
	mu      sync.Mutex
	created []string
	deleted map[string]string
	joined  []bool
	left    int
	reshuf  int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{deleted: make(map[string]string)}
}

func (r *recordingSink) RoomCreated(room domain.Room, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, room.ID)
}

func (r *recordingSink) RoomDeleted(roomID string, _ int, reason string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted[roomID] = reason
}

func (r *recordingSink) MemberJoined(_ domain.Room, _ domain.ConnID, rejoined bool, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, rejoined)
}

func (r *recordingSink) MemberLeft(domain.Room, domain.ConnID, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left++
}

func (r *recordingSink) ReshuffleCompleted(int, int, int, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reshuf++
}

type fixedSchedule time.Time

func (f fixedSchedule) NextReshuffleAt() time.Time { return time.Time(f) }

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	store     domain.RoomStore
	transport *fakeTransport
	clock     *clockwork.FakeClock
	sink      *recordingSink
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(epoch)
	store := repository.NewRoomRepository(cfg.Grouping.MaxSize, clock)
	transport := newFakeTransport()
	sink := newRecordingSink()

	base := []Option{
		WithClock(clock),
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithLifecycleSink(sink),
	}
	svc, err := NewService(cfg, store, transport, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, store: store, transport: transport, clock: clock, sink: sink}
}

func (f *fixture) connect(conn domain.ConnID) {
	f.transport.connect(conn)
	f.svc.OnConnect(context.Background(), conn)
}

func (f *fixture) disconnect(conn domain.ConnID) {
	f.transport.disconnect(conn)
	f.svc.OnDisconnect(context.Background(), conn)
}

func testConfig(maxSize, minSize int) Config {
	cfg := DefaultConfig()
	cfg.Grouping.MaxSize = maxSize
	cfg.Grouping.MinSize = minSize
	return cfg
}

func conns(n int) []domain.ConnID {
	out := make([]domain.ConnID, n)
	for i := range out {
		out[i] = domain.ConnID(fmt.Sprintf("c%02d", i))
	}
	return out
}

func assertStoreInvariants(t *testing.T, f *fixture, maxSize int) {
	t.Helper()

	seen := make(map[domain.ConnID]string)
	for _, summary := range f.store.SnapshotSummary() {
		room, ok := f.store.Get(summary.RoomID)
		require.True(t, ok)
		assert.LessOrEqual(t, room.Size(), maxSize, "room %s over capacity", room.ID)
		for _, m := range room.Members {
			if other, dup := seen[m.Conn]; dup {
				t.Fatalf("%s is in %s and %s", m.Conn, other, room.ID)
			}
			seen[m.Conn] = room.ID
			roomID, ok := f.store.RoomOf(m.Conn)
			require.True(t, ok)
			assert.Equal(t, room.ID, roomID)
		}
	}
}

func TestNewService_RejectsInvalidConfig(t *testing.T) {
	store := repository.NewRoomRepository(4, nil)

	_, err := NewService(testConfig(2, 3), store, newFakeTransport())
	require.ErrorIs(t, err, grouping.ErrInvalidOptions)

	cfg := testConfig(4, 2)
	cfg.GraceWindow = -time.Second
	_, err = NewService(cfg, store, newFakeTransport())
	require.ErrorIs(t, err, grouping.ErrInvalidOptions)

	_, err = NewService(testConfig(4, 2), nil, newFakeTransport())
	require.Error(t, err)
}

func TestOnConnect_FillsRoomsInOrder(t *testing.T) {
	f := newFixture(t, testConfig(4, 2))

	for _, c := range conns(5) {
		f.connect(c)
	}

	summary := f.store.SnapshotSummary()
	require.Len(t, summary, 2)
	assert.Equal(t, 4, summary[0].MemberCount)
	assert.Equal(t, 1, summary[1].MemberCount)

	joined := f.transport.messages("c00", ws.RoomJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, summary[0].RoomID, joined[0].RoomID)

	// The last joiner sees the roster that includes itself.
	updates := f.transport.messages("c04", ws.RoomsUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, summary, updates[len(updates)-1].Data)

	assert.Len(t, f.sink.created, 2)
	assertStoreInvariants(t, f, 4)
}

func TestOnConnect_AnnouncesNextReshuffle(t *testing.T) {
	f := newFixture(t, testConfig(4, 2))
	next := epoch.Add(time.Minute)
	f.svc.SetSchedule(fixedSchedule(next))

	f.connect("alice")

	joined := f.transport.messages("alice", ws.RoomJoined)
	require.Len(t, joined, 1)
	payload, ok := joined[0].Data.(ws.RoomJoinedPayload)
	require.True(t, ok)
	assert.True(t, next.Equal(payload.NextReshuffleAt))

	roomID, ok := f.store.RoomOf("alice")
	require.True(t, ok)
	assert.Equal(t, roomID, payload.RoomID)
}

func TestOnConnect_AlreadyPlacedByReshuffle(t *testing.T) {
	f := newFixture(t, testConfig(4, 2))

	// Registered with the transport but its connect callback has not run.
	f.transport.connect("early")
	_, err := f.svc.ReshuffleNow(context.Background())
	require.NoError(t, err)
	f.svc.OnConnect(context.Background(), "early")

	assert.Equal(t, 1, f.store.Len())
	assert.Len(t, f.transport.messages("early", ws.RoomJoined), 2)
	assertStoreInvariants(t, f, 4)
}

func TestDisconnect_DeletesEmptyRoomImmediately(t *testing.T) {
	f := newFixture(t, testConfig(4, 2))
	// Online but never placed, so it only receives broadcasts.
	f.transport.connect("observer")

	f.connect("alice")
	f.connect("bob")
	roomID, ok := f.store.RoomOf("alice")
	require.True(t, ok)

	f.disconnect("alice")
	assert.Equal(t, 1, f.store.Len())

	f.disconnect("bob")
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, domain.DeleteReasonEmpty, f.sink.deleted[roomID])
	assert.Equal(t, 2, f.sink.left)

	updates := f.transport.messages("observer", ws.RoomsUpdate)
	require.Len(t, updates, 4)
	assert.Equal(t, []domain.RoomSummary{{RoomID: roomID, MemberCount: 1}}, updates[2].Data)
	assert.Equal(t, []domain.RoomSummary{}, updates[3].Data)
}

func TestDisconnect_UnknownConnectionIsNoop(t *testing.T) {
	f := newFixture(t, testConfig(4, 2))
	f.connect("alice")

	f.svc.OnDisconnect(context.Background(), "ghost")

	assert.Equal(t, 1, f.store.Len())
	assert.Zero(t, f.sink.left)
}

func TestGraceWindow(t *testing.T) {
	cfg := testConfig(4, 2)
	cfg.GraceWindow = 5 * time.Second

	t.Run("room deleted after window", func(t *testing.T) {
		f := newFixture(t, cfg)
		f.connect("alice")
		roomID, _ := f.store.RoomOf("alice")

		f.disconnect("alice")
		assert.Equal(t, 1, f.store.Len(), "empty room kept during grace window")

		f.clock.Advance(5 * time.Second)
		require.Eventually(t, func() bool { return f.store.Len() == 0 }, time.Second, 5*time.Millisecond)

		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		assert.Equal(t, domain.DeleteReasonGrace, f.sink.deleted[roomID])
	})

	t.Run("reconnect within window rejoins the same room", func(t *testing.T) {
		f := newFixture(t, cfg)
		f.connect("alice")
		roomID, _ := f.store.RoomOf("alice")

		f.disconnect("alice")
		f.clock.Advance(2 * time.Second)
		f.connect("alice")

		got, ok := f.store.RoomOf("alice")
		require.True(t, ok)
		assert.Equal(t, roomID, got)
		assert.Equal(t, []bool{false, true}, f.sink.joined)

		// The cancelled deletion must not fire later.
		f.clock.Advance(10 * time.Second)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, f.store.Len())
	})

	t.Run("reconnect after window gets normal placement", func(t *testing.T) {
		f := newFixture(t, cfg)
		f.connect("alice")
		f.connect("bob")
		aliceRoom, _ := f.store.RoomOf("alice")

		f.disconnect("alice")
		f.clock.Advance(6 * time.Second)
		f.connect("alice")

		got, ok := f.store.RoomOf("alice")
		require.True(t, ok)
		assert.Equal(t, aliceRoom, got, "still the first room with space")
		assert.Equal(t, []bool{false, false, false}, f.sink.joined)
	})

	t.Run("reshuffle clears pending deletions", func(t *testing.T) {
		f := newFixture(t, cfg)
		f.connect("alice")
		f.connect("bob")
		f.disconnect("alice")
		f.disconnect("bob")
		require.Equal(t, 1, f.store.Len())

		_, err := f.svc.ReshuffleNow(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, f.store.Len())

		f.connect("alice")
		assert.Equal(t, []bool{false, false, false}, f.sink.joined)
	})
}

func TestOnMessage(t *testing.T) {
	t.Run("relays to every member including sender", func(t *testing.T) {
		f := newFixture(t, testConfig(2, 2))
		for _, c := range conns(3) {
			f.connect(c)
		}

		require.NoError(t, f.svc.OnMessage(context.Background(), "c00", "hello"))

		assert.Len(t, f.transport.messages("c00", ws.RoomMessage), 1)
		assert.Len(t, f.transport.messages("c01", ws.RoomMessage), 1)
		assert.Empty(t, f.transport.messages("c02", ws.RoomMessage))

		msg := f.transport.messages("c01", ws.RoomMessage)[0]
		payload, ok := msg.Data.(ws.RoomMessagePayload)
		require.True(t, ok)
		assert.Equal(t, "hello", payload.Text)
		assert.Equal(t, "c00", payload.From)
		assert.True(t, epoch.Equal(payload.SentAt))
	})

	t.Run("excludes sender when configured", func(t *testing.T) {
		cfg := testConfig(4, 2)
		cfg.IncludeSender = false
		f := newFixture(t, cfg)
		f.connect("alice")
		f.connect("bob")

		require.NoError(t, f.svc.OnMessage(context.Background(), "alice", "hi"))

		assert.Empty(t, f.transport.messages("alice", ws.RoomMessage))
		assert.Len(t, f.transport.messages("bob", ws.RoomMessage), 1)
	})

	t.Run("unassigned sender is warned", func(t *testing.T) {
		f := newFixture(t, testConfig(4, 2))
		f.connect("alice")
		f.transport.connect("stray")

		err := f.svc.OnMessage(context.Background(), "stray", "anyone?")
		require.ErrorIs(t, err, domain.ErrNotAssigned)

		assert.Len(t, f.transport.messages("stray", ws.NotInRoom), 1)
		assert.Empty(t, f.transport.messages("alice", ws.RoomMessage))
	})
}

func TestReshuffleNow_NineConnectionsSplitPolicy(t *testing.T) {
	f := newFixture(t, testConfig(4, 2))
	all := conns(9)
	for _, c := range all {
		f.connect(c)
	}
	before := f.store.SnapshotSummary()
	f.transport.reset()

	result, err := f.svc.ReshuffleNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 9, result.Connections)
	assert.Equal(t, 3, result.Rooms)
	assert.Zero(t, result.Unassigned)

	sizes := []int{}
	ids := map[string]bool{}
	for _, s := range f.store.SnapshotSummary() {
		sizes = append(sizes, s.MemberCount)
		ids[s.RoomID] = true
	}
	slices.Sort(sizes)
	assert.Equal(t, []int{2, 3, 4}, sizes)

	for _, old := range before {
		assert.False(t, ids[old.RoomID], "room %s survived the reshuffle", old.RoomID)
		assert.Equal(t, domain.DeleteReasonReshuffle, f.sink.deleted[old.RoomID])
	}

	for _, c := range all {
		assert.Equal(t, []string{ws.ReshuffleTriggered, ws.RoomJoined, ws.RoomsUpdate}, f.transport.types(c))
		roomID, ok := f.store.RoomOf(c)
		require.True(t, ok)
		assert.Equal(t, roomID, f.transport.messages(c, ws.RoomJoined)[0].RoomID)
	}

	assert.Equal(t, 1, f.sink.reshuf)
	assertStoreInvariants(t, f, 4)
}

func TestReshuffleNow_Policies(t *testing.T) {
	tests := []struct {
		name       string
		n          int
		policy     grouping.Policy
		allowSmall bool
		sizes      []int
		unassigned int
	}{
		{name: "split", n: 10, policy: grouping.PolicySplit, allowSmall: true, sizes: []int{3, 3, 4}},
		{name: "merge", n: 10, policy: grouping.PolicyMerge, allowSmall: true, sizes: []int{4, 6}},
		{name: "allow undersized", n: 10, policy: grouping.PolicyAllowUndersized, allowSmall: true, sizes: []int{2, 4, 4}},
		{name: "too few and disallowed", n: 1, policy: grouping.PolicySplit, allowSmall: false, sizes: []int{}, unassigned: 1},
		{name: "empty", n: 0, policy: grouping.PolicySplit, allowSmall: true, sizes: []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(4, 3)
			cfg.Grouping.Policy = tt.policy
			cfg.Grouping.AllowUndersizedFinalGroup = tt.allowSmall
			f := newFixture(t, cfg)
			for _, c := range conns(tt.n) {
				f.transport.connect(c)
			}

			result, err := f.svc.ReshuffleNow(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.unassigned, result.Unassigned)

			sizes := []int{}
			for _, s := range f.store.SnapshotSummary() {
				sizes = append(sizes, s.MemberCount)
			}
			slices.Sort(sizes)
			assert.Equal(t, tt.sizes, sizes)

			for _, c := range conns(tt.n) {
				_, placed := f.store.RoomOf(c)
				assert.Equal(t, placed, len(f.transport.messages(c, ws.RoomJoined)) == 1, "conn %s", c)
				assert.Equal(t, !placed, len(f.transport.messages(c, ws.NotInRoom)) == 1, "conn %s", c)
			}
		})
	}
}

func TestReshuffleNow_RoomDeadlines(t *testing.T) {
	cfg := testConfig(4, 2)
	cfg.RoomDeadline = 90 * time.Second
	f := newFixture(t, cfg)

	f.connect("alice")
	room, ok := f.store.Get(f.store.SnapshotSummary()[0].RoomID)
	require.True(t, ok)
	assert.True(t, epoch.Add(90*time.Second).Equal(room.ReshuffleDeadline))

	f.clock.Advance(time.Minute)
	_, err := f.svc.ReshuffleNow(context.Background())
	require.NoError(t, err)

	deadline, ok := f.store.EarliestReshuffleDeadline()
	require.True(t, ok)
	assert.True(t, epoch.Add(time.Minute+90*time.Second).Equal(deadline))
}

func TestResources(t *testing.T) {
	t.Run("rooms get distinct resources", func(t *testing.T) {
		pool := resources.NewPool([]string{"a", "b", "c"}, false, rand.New(rand.NewPCG(3, 4)))
		f := newFixture(t, testConfig(2, 2), WithResources(pool))
		for _, c := range conns(6) {
			f.transport.connect(c)
		}

		_, err := f.svc.ReshuffleNow(context.Background())
		require.NoError(t, err)

		used := f.store.ResourcesInUse()
		slices.Sort(used)
		assert.Equal(t, []string{"a", "b", "c"}, used)
	})

	t.Run("mandatory empty pool fails the reshuffle and keeps rooms", func(t *testing.T) {
		pool := resources.NewPool(nil, true, nil)
		f := newFixture(t, testConfig(4, 2))
		f.connect("alice")
		before := f.store.SnapshotSummary()

		f.svc.resources = pool
		f.transport.connect("bob")
		_, err := f.svc.ReshuffleNow(context.Background())
		require.ErrorIs(t, err, domain.ErrResourcesExhausted)
		assert.Equal(t, before, f.store.SnapshotSummary())
	})

	t.Run("mandatory empty pool leaves connection unassigned", func(t *testing.T) {
		pool := resources.NewPool(nil, true, nil)
		f := newFixture(t, testConfig(4, 2), WithResources(pool))

		f.connect("alice")

		_, ok := f.store.RoomOf("alice")
		assert.False(t, ok)
		assert.Empty(t, f.transport.messages("alice", ws.RoomJoined))
	})
}

func TestMaxRoomAge(t *testing.T) {
	cfg := testConfig(4, 2)
	cfg.MaxRoomAge = time.Minute
	f := newFixture(t, cfg)

	f.connect("alice")
	f.clock.Advance(2 * time.Minute)
	f.connect("bob")

	aliceRoom, _ := f.store.RoomOf("alice")
	bobRoom, _ := f.store.RoomOf("bob")
	assert.NotEqual(t, aliceRoom, bobRoom)
	assert.Equal(t, 2, f.store.Len())
}

// fullStore reports a room with capacity that is always full on assign.
type fullStore struct {
	domain.RoomStore
	stale domain.Room
}

func (s *fullStore) FindRoomWithCapacity(func(domain.Room) bool) (domain.Room, bool) {
	return s.stale, true
}

func (s *fullStore) Assign(conn domain.ConnID, roomID string) error {
	if roomID == s.stale.ID {
		return domain.ErrCapacityExceeded
	}
	return s.RoomStore.Assign(conn, roomID)
}

func TestOnConnect_RecoversFromCapacityExceeded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	store := &fullStore{
		RoomStore: repository.NewRoomRepository(4, clock),
		stale:     domain.Room{ID: "room_stale"},
	}
	transport := newFakeTransport()
	svc, err := NewService(testConfig(4, 2), store, transport, WithClock(clock))
	require.NoError(t, err)

	transport.connect("alice")
	svc.OnConnect(context.Background(), "alice")

	roomID, ok := store.RoomOf("alice")
	require.True(t, ok)
	assert.NotEqual(t, "room_stale", roomID)
}

func TestRandomChurnKeepsInvariants(t *testing.T) {
	cfg := testConfig(4, 2)
	cfg.GraceWindow = 3 * time.Second
	f := newFixture(t, cfg)
	rng := rand.New(rand.NewPCG(7, 7))
	pool := conns(30)
	online := map[domain.ConnID]bool{}

	for step := 0; step < 500; step++ {
		c := pool[rng.IntN(len(pool))]
		switch op := rng.IntN(10); {
		case op < 5:
			if !online[c] {
				online[c] = true
				f.connect(c)
			}
		case op < 9:
			if online[c] {
				online[c] = false
				f.disconnect(c)
			}
		default:
			_, err := f.svc.ReshuffleNow(context.Background())
			require.NoError(t, err)
		}
		f.clock.Advance(time.Duration(rng.IntN(1500)) * time.Millisecond)

		assertStoreInvariants(t, f, 4)
	}

	for c, on := range online {
		_, assigned := f.store.RoomOf(c)
		assert.Equal(t, on, assigned, "connection %s", c)
	}
}
