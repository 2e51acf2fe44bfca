package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/hilthontt/roomshuffle/internal/application/grouping"
	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/metrics"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/resources"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/tracing"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/ws"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReshuffleResult describes one completed reshuffle.
type ReshuffleResult struct {
	Rooms       int       `json:"rooms"`
	Connections int       `json:"connections"`
	Unassigned  int       `json:"unassigned"`
	At          time.Time `json:"at"`
}

type pendingDeletion struct {
	timer clockwork.Timer
	seq   uint64
}

type departure struct {
	roomID string
	at     time.Time
}

// Service owns room membership. Every mutation runs under one mutex, so
// connects, disconnects, relays and reshuffles never interleave.
type Service struct {
	cfg       Config
	store     domain.RoomStore
	transport Transport
	roster    *RosterPublisher
	resources resources.Provider
	sink      LifecycleSink
	clock     clockwork.Clock
	rng       *rand.Rand
	logger    logging.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	schedule Schedule
	pending  map[string]pendingDeletion
	departed map[domain.ConnID]departure
	graceSeq uint64
}

func NewService(cfg Config, store domain.RoomStore, transport Transport, opts ...Option) (*Service, error) {
	if err := cfg.Grouping.Validate(); err != nil {
		return nil, err
	}
	if cfg.GraceWindow < 0 || cfg.MaxRoomAge < 0 || cfg.RoomDeadline < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", grouping.ErrInvalidOptions)
	}
	if store == nil || transport == nil {
		return nil, errors.New("matchmaking: store and transport are required")
	}

	s := &Service{
		cfg:       cfg,
		store:     store,
		transport: transport,
		roster:    NewRosterPublisher(store, transport),
		pending:   make(map[string]pendingDeletion),
		departed:  make(map[domain.ConnID]departure),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if s.sink == nil {
		s.sink = nopSink{}
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	s.tracer = tracing.GetTracer("roomshuffle/matchmaking")

	return s, nil
}

// SetSchedule attaches the source of the next reshuffle time announced to
// joiners.
func (s *Service) SetSchedule(schedule Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = schedule
}

func (s *Service) Roster() *RosterPublisher {
	return s.roster
}

// Snapshot returns the public room summary in creation order.
func (s *Service) Snapshot() []domain.RoomSummary {
	return s.store.SnapshotSummary()
}

func (s *Service) Room(roomID string) (domain.Room, bool) {
	return s.store.Get(roomID)
}

// OnConnect places conn in a room: its previous room when it returns within
// the grace window, otherwise the oldest room with space, otherwise a new
// one. The joined room is announced to conn and the roster to everyone.
func (s *Service) OnConnect(_ context.Context, conn domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	// A reshuffle may already have placed a connection the registry knew
	// about before this callback ran.
	if roomID, ok := s.store.RoomOf(conn); ok {
		if room, exists := s.store.Get(roomID); exists {
			s.transport.Send(conn, ws.NewRoomJoined(room, s.nextReshuffleAtLocked()))
		}
		s.publishLocked()
		return
	}

	room, rejoined := s.rejoinLocked(conn, now)
	if !rejoined {
		var err error
		room, err = s.assignLocked(conn, now)
		if err != nil {
			s.logger.Error(logging.Matchmaking, logging.Assignment, "failed to assign connection", map[logging.ExtraKey]any{
				logging.ConnID:       conn,
				logging.ErrorMessage: err.Error(),
			})
			s.publishLocked()
			return
		}
	}

	s.logger.Debug(logging.Matchmaking, logging.Assignment, "connection assigned", map[logging.ExtraKey]any{
		logging.ConnID:      conn,
		logging.RoomID:      room.ID,
		logging.MemberCount: room.Size(),
	})

	s.transport.Send(conn, ws.NewRoomJoined(room, s.nextReshuffleAtLocked()))
	s.sink.MemberJoined(room, conn, rejoined, now)
	s.publishLocked()
}

// OnDisconnect removes conn from its room. An emptied room is deleted at
// once, or after the grace window when one is configured.
func (s *Service) OnDisconnect(_ context.Context, conn domain.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.pruneDepartedLocked(now)

	roomID, ok := s.store.Unassign(conn)
	if !ok {
		s.publishLocked()
		return
	}

	room, exists := s.store.Get(roomID)
	if exists {
		s.sink.MemberLeft(room, conn, now)
		if s.cfg.GraceWindow > 0 {
			s.departed[conn] = departure{roomID: roomID, at: now}
		}
		if room.IsEmpty() {
			if s.cfg.GraceWindow > 0 {
				s.scheduleDeletionLocked(roomID)
			} else {
				s.deleteRoomLocked(room, domain.DeleteReasonEmpty, now)
			}
		}
	}

	s.logger.Debug(logging.Matchmaking, logging.Disconnect, "connection left room", map[logging.ExtraKey]any{
		logging.ConnID:      conn,
		logging.RoomID:      roomID,
		logging.MemberCount: room.Size(),
	})

	s.publishLocked()
}

// OnMessage relays text to every member of the sender's room. Senders
// without a room get a soft warning and ErrNotAssigned.
func (s *Service) OnMessage(_ context.Context, conn domain.ConnID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	roomID, ok := s.store.RoomOf(conn)
	if !ok {
		s.transport.Send(conn, ws.NewNotInRoom())
		s.metrics.MessageDropped(metrics.DropNotInRoom)
		return domain.ErrNotAssigned
	}

	room, exists := s.store.Get(roomID)
	if !exists {
		return domain.ErrRoomNotFound
	}

	msg, err := domain.NewMessage(roomID, conn, text, s.clock.Now())
	if err != nil {
		return err
	}

	targets := room.MemberConns()
	if !s.cfg.IncludeSender {
		targets = slices.DeleteFunc(targets, func(c domain.ConnID) bool { return c == conn })
	}

	s.transport.Multicast(targets, ws.NewRoomMessage(msg))
	s.metrics.MessageRelayed()
	return nil
}

// ReshuffleNow discards every room and regroups all live connections at
// random. Clients are told a reshuffle happened, then each member gets its
// new room, then everyone gets the new roster.
func (s *Service) ReshuffleNow(ctx context.Context) (ReshuffleResult, error) {
	_, span := s.tracer.Start(ctx, "matchmaking.reshuffle")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.clock.Now()
	conns := s.transport.Connected()

	groups, err := grouping.Partition(conns, s.cfg.Grouping, s.rng)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReshuffleResult{}, err
	}

	rooms, err := s.buildRoomsLocked(groups, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReshuffleResult{}, err
	}

	created := make([]domain.Room, len(rooms))
	assigned := 0
	for i, room := range rooms {
		created[i] = room.Clone()
		assigned += room.Size()
	}

	previous := s.store.SnapshotSummary()
	if err := s.store.ReplaceAll(rooms); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReshuffleResult{}, err
	}
	s.clearGraceLocked()

	s.transport.Broadcast(ws.NewReshuffleTriggered())
	next := s.nextReshuffleAtLocked()
	placed := make(map[domain.ConnID]struct{}, assigned)
	for _, room := range created {
		joined := ws.NewRoomJoined(room, next)
		for _, m := range room.Members {
			placed[m.Conn] = struct{}{}
			s.transport.Send(m.Conn, joined)
		}
	}
	if assigned < len(conns) {
		unplaced := ws.NewUnplaced()
		for _, conn := range conns {
			if _, ok := placed[conn]; !ok {
				s.transport.Send(conn, unplaced)
			}
		}
	}

	for _, old := range previous {
		s.sink.RoomDeleted(old.RoomID, old.MemberCount, domain.DeleteReasonReshuffle, start)
	}
	for _, room := range created {
		s.sink.RoomCreated(room, start)
	}

	result := ReshuffleResult{
		Rooms:       len(created),
		Connections: len(conns),
		Unassigned:  len(conns) - assigned,
		At:          start,
	}
	s.sink.ReshuffleCompleted(result.Rooms, result.Connections, result.Unassigned, start)

	took := s.clock.Since(start)
	s.metrics.ReshuffleCompleted(took)
	s.publishLocked()

	span.SetAttributes(
		attribute.Int("reshuffle.connections", result.Connections),
		attribute.Int("reshuffle.rooms", result.Rooms),
		attribute.Int("reshuffle.unassigned", result.Unassigned),
	)

	s.logger.Info(logging.Matchmaking, logging.Reshuffle, "reshuffle completed", map[logging.ExtraKey]any{
		logging.RoomCount:   result.Rooms,
		logging.MemberCount: result.Connections,
		logging.Duration:    took,
		logging.NextAt:      next,
	})

	return result, nil
}

// Close stops pending grace timers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearGraceLocked()
}

func (s *Service) buildRoomsLocked(groups [][]domain.ConnID, now time.Time) ([]*domain.Room, error) {
	rooms := make([]*domain.Room, 0, len(groups))
	inUse := make([]string, 0, len(groups))

	for _, group := range groups {
		resource, err := s.nextResource(inUse)
		if err != nil {
			return nil, err
		}
		if resource != "" {
			inUse = append(inUse, resource)
		}

		room := s.newRoom(resource)
		for _, conn := range group {
			if err := room.AddMember(conn, now); err != nil {
				return nil, err
			}
		}
		rooms = append(rooms, room)
	}

	return rooms, nil
}

// assignLocked joins conn to the first room with space, creating one when
// none has space or the chosen room filled up first.
func (s *Service) assignLocked(conn domain.ConnID, now time.Time) (domain.Room, error) {
	if room, ok := s.store.FindRoomWithCapacity(s.acceptsJoiners(now)); ok {
		err := s.store.Assign(conn, room.ID)
		if err == nil {
			s.cancelDeletionLocked(room.ID)
			return s.roomLocked(room.ID)
		}
		if !errors.Is(err, domain.ErrCapacityExceeded) && !errors.Is(err, domain.ErrRoomNotFound) {
			return domain.Room{}, err
		}
		s.logger.Debug(logging.Matchmaking, logging.Assignment, "room filled before assignment, creating a new one", map[logging.ExtraKey]any{
			logging.ConnID: conn,
			logging.RoomID: room.ID,
		})
	}

	room, err := s.createRoomLocked(now)
	if err != nil {
		return domain.Room{}, err
	}
	if err := s.store.Assign(conn, room.ID); err != nil {
		s.store.Remove(room.ID)
		return domain.Room{}, err
	}

	return s.roomLocked(room.ID)
}

func (s *Service) acceptsJoiners(now time.Time) func(domain.Room) bool {
	if s.cfg.MaxRoomAge <= 0 {
		return nil
	}
	return func(room domain.Room) bool {
		return now.Sub(room.CreatedAt) < s.cfg.MaxRoomAge
	}
}

func (s *Service) createRoomLocked(now time.Time) (domain.Room, error) {
	resource, err := s.nextResource(s.store.ResourcesInUse())
	if err != nil {
		return domain.Room{}, err
	}

	room := s.newRoom(resource)
	if err := s.store.Insert(room); err != nil {
		return domain.Room{}, err
	}

	created := room.Clone()
	s.sink.RoomCreated(created, now)
	s.logger.Debug(logging.Matchmaking, logging.Assignment, "room created", map[logging.ExtraKey]any{
		logging.RoomID: created.ID,
	})

	return created, nil
}

func (s *Service) newRoom(resource string) *domain.Room {
	room := s.store.CreateRoom(resource)
	if s.cfg.RoomDeadline > 0 {
		room.ReshuffleDeadline = room.CreatedAt.Add(s.cfg.RoomDeadline)
	}
	return room
}

func (s *Service) nextResource(inUse []string) (string, error) {
	if s.resources == nil {
		return "", nil
	}

	resource, err := s.resources.Next(inUse)
	if err != nil {
		s.logger.Error(logging.Matchmaking, logging.Resources, "no shared resource available", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return "", err
	}
	return resource, nil
}

func (s *Service) deleteRoomLocked(room domain.Room, reason string, now time.Time) {
	s.store.Remove(room.ID)
	s.sink.RoomDeleted(room.ID, room.Size(), reason, now)
	s.logger.Debug(logging.Matchmaking, logging.Assignment, "room deleted", map[logging.ExtraKey]any{
		logging.RoomID: room.ID,
		logging.Reason: reason,
	})
}

func (s *Service) roomLocked(roomID string) (domain.Room, error) {
	room, ok := s.store.Get(roomID)
	if !ok {
		return domain.Room{}, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, roomID)
	}
	return room, nil
}

func (s *Service) nextReshuffleAtLocked() time.Time {
	if s.schedule == nil {
		return time.Time{}
	}
	return s.schedule.NextReshuffleAt()
}

func (s *Service) publishLocked() {
	summary := s.roster.Publish()

	assigned := 0
	for _, room := range summary {
		assigned += room.MemberCount
	}
	s.metrics.SetRooms(len(summary))
	s.metrics.SetAssigned(assigned)
}
