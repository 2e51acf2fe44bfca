package rooms

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hilthontt/roomshuffle/internal/domain"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/json"
	"github.com/hilthontt/roomshuffle/internal/infrastructure/logging"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

type Matchmaker interface {
	Snapshot() []domain.RoomSummary
	Room(roomID string) (domain.Room, bool)
}

type Scheduler interface {
	TriggerNow(ctx context.Context) error
	NextReshuffleAt() time.Time
}

type Handler struct {
	matchmaker Matchmaker
	scheduler  Scheduler
	mode       string
	audit      domain.RoomAuditRepository
	logger     logging.Logger
}

// NewHandler serves the room endpoints. audit may be nil when the audit
// log is disabled.
func NewHandler(
	matchmaker Matchmaker,
	scheduler Scheduler,
	mode string,
	audit domain.RoomAuditRepository,
	logger logging.Logger,
) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Handler{
		matchmaker: matchmaker,
		scheduler:  scheduler,
		mode:       mode,
		audit:      audit,
		logger:     logger,
	}
}

func (h *Handler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	_ = json.Write(w, http.StatusOK, roomsResponse{
		Rooms:           h.matchmaker.Snapshot(),
		NextReshuffleAt: h.scheduler.NextReshuffleAt(),
	})
}

func (h *Handler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	room, ok := h.matchmaker.Room(roomID)
	if !ok {
		json.WriteNotFoundError(w, "Room not found")
		return
	}

	_ = json.Write(w, http.StatusOK, roomResponse{
		ID:                room.ID,
		MemberCount:       room.Size(),
		CreatedAt:         room.CreatedAt,
		SharedResource:    room.SharedResource,
		ReshuffleDeadline: room.ReshuffleDeadline,
	})
}

func (h *Handler) ReshuffleHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.TriggerNow(r.Context()); err != nil {
		h.logger.Error(logging.Matchmaking, logging.Reshuffle, "manual reshuffle failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		if errors.Is(err, domain.ErrResourcesExhausted) {
			json.WriteServiceUnavailable(w, "No shared resources available")
			return
		}
		json.WriteInternalError(w)
		return
	}

	_ = json.Write(w, http.StatusOK, roomsResponse{
		Rooms:           h.matchmaker.Snapshot(),
		NextReshuffleAt: h.scheduler.NextReshuffleAt(),
	})
}

func (h *Handler) ScheduleHandler(w http.ResponseWriter, r *http.Request) {
	_ = json.Write(w, http.StatusOK, scheduleResponse{
		Mode:            h.mode,
		NextReshuffleAt: h.scheduler.NextReshuffleAt(),
	})
}

func (h *Handler) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		json.WriteServiceUnavailable(w, "Audit log is disabled")
		return
	}

	roomID := chi.URLParam(r, "roomId")
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			json.WriteValidationError(w, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxAuditLimit)
	}

	events, err := h.audit.GetByRoomID(r.Context(), roomID, limit)
	if err != nil {
		h.logger.Error(logging.MongoDB, logging.ExternalService, "failed to read audit log", map[logging.ExtraKey]any{
			logging.RoomID:       roomID,
			logging.ErrorMessage: err.Error(),
		})
		json.WriteInternalError(w)
		return
	}

	_ = json.Write(w, http.StatusOK, auditLogResponse{
		RoomID: roomID,
		Events: events,
	})
}
