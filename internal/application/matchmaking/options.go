package matchmaking

import (
	"math/rand/v2"
	"time"

	"github.com/hilthontt/roomshuffle/internal/application/grouping"
	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/metrics"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/resources"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/ws"
	"github.com/jonboulle/clockwork"
)

// Transport is the slice of the connection registry the service needs.
// Sends must not block.
type Transport interface {
	Connected() []domain.ConnID
	Send(conn domain.ConnID, msg *ws.WSMessage) bool
	Multicast(conns []domain.ConnID, msg *ws.WSMessage) int
	Broadcast(msg *ws.WSMessage) int
}

// LifecycleSink observes room lifecycle changes. Calls are made while the
// service holds its lock, so implementations must return immediately.
type LifecycleSink interface {
	RoomCreated(room domain.Room, at time.Time)
	RoomDeleted(roomID string, memberCount int, reason string, at time.Time)
	MemberJoined(room domain.Room, conn domain.ConnID, rejoined bool, at time.Time)
	MemberLeft(room domain.Room, conn domain.ConnID, at time.Time)
	ReshuffleCompleted(rooms, connections, unassigned int, at time.Time)
}

// Schedule reports when the next reshuffle is due; zero means unknown.
type Schedule interface {
	NextReshuffleAt() time.Time
}

type Config struct {
	Grouping grouping.Options
	// GraceWindow delays deletion of empty rooms and lets a returning
	// connection rejoin its previous room. Zero deletes immediately.
	GraceWindow   time.Duration
	IncludeSender bool
	// MaxRoomAge stops rooms older than this from taking new joiners.
	// Zero disables the limit.
	MaxRoomAge time.Duration
	// RoomDeadline stamps every new room with CreatedAt+RoomDeadline as
	// its reshuffle deadline. Zero leaves rooms without one.
	RoomDeadline time.Duration
}

func DefaultConfig() Config {
	return Config{
		Grouping:      grouping.DefaultOptions(),
		IncludeSender: true,
	}
}

type Option func(*Service)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithRand injects the shuffle source. It is only used under the service
// lock.
func WithRand(rng *rand.Rand) Option {
	return func(s *Service) { s.rng = rng }
}

func WithResources(provider resources.Provider) Option {
	return func(s *Service) { s.resources = provider }
}

func WithLifecycleSink(sink LifecycleSink) Option {
	return func(s *Service) { s.sink = sink }
}

func WithLogger(logger logging.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

type nopSink struct{}

func (nopSink) RoomCreated(domain.Room, time.Time)                       {}
func (nopSink) RoomDeleted(string, int, string, time.Time)               {}
func (nopSink) MemberJoined(domain.Room, domain.ConnID, bool, time.Time) {}
func (nopSink) MemberLeft(domain.Room, domain.ConnID, time.Time)         {}
func (nopSink) ReshuffleCompleted(int, int, int, time.Time)              {}
