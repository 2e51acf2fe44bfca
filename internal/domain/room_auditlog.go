package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RoomEventType string

const (
	EventRoomCreated        RoomEventType = "room_created"
	EventRoomDeleted        RoomEventType = "room_deleted"
	EventMemberJoined       RoomEventType = "member_joined"
	EventMemberLeft         RoomEventType = "member_left"
	EventReshuffleCompleted RoomEventType = "reshuffle_completed"
)

// Reasons attached to room deletions.
const (
	DeleteReasonEmpty     = "empty"
	DeleteReasonGrace     = "grace_expired"
	DeleteReasonReshuffle = "reshuffle"
)

type RoomAuditLog struct {
	ID        string         `bson:"_id" json:"id"`
	RoomID    string         `bson:"room_id" json:"roomId"`
	EventType RoomEventType  `bson:"event_type" json:"eventType"`
	Timestamp time.Time      `bson:"timestamp" json:"timestamp"`
	Metadata  map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

type RoomAuditRepository interface {
	Log(ctx context.Context, log *RoomAuditLog) error
	GetByRoomID(ctx context.Context, roomID string, limit int) ([]RoomAuditLog, error)
	GetByEventType(ctx context.Context, eventType RoomEventType, from, to time.Time) ([]RoomAuditLog, error)
	DeleteOlderThan(ctx context.Context, before time.Time) error
	EnsureIndexes(ctx context.Context) error
}

func NewRoomCreatedLog(roomID string, sharedResource string, at time.Time) *RoomAuditLog {
	return &RoomAuditLog{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		EventType: EventRoomCreated,
		Timestamp: at,
		Metadata: map[string]any{
			"shared_resource": sharedResource,
		},
	}
}

func NewRoomDeletedLog(roomID string, reason string, memberCount int, at time.Time) *RoomAuditLog {
	return &RoomAuditLog{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		EventType: EventRoomDeleted,
		Timestamp: at,
		Metadata: map[string]any{
			"reason":       reason,
			"member_count": memberCount,
		},
	}
}

func NewMemberJoinedLog(roomID string, conn ConnID, memberCount int, rejoined bool, at time.Time) *RoomAuditLog {
	return &RoomAuditLog{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		EventType: EventMemberJoined,
		Timestamp: at,
		Metadata: map[string]any{
			"conn":         conn.String(),
			"member_count": memberCount,
			"rejoined":     rejoined,
		},
	}
}

func NewMemberLeftLog(roomID string, conn ConnID, memberCount int, at time.Time) *RoomAuditLog {
	return &RoomAuditLog{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		EventType: EventMemberLeft,
		Timestamp: at,
		Metadata: map[string]any{
			"conn":         conn.String(),
			"member_count": memberCount,
		},
	}
}

// NewReshuffleCompletedLog is not tied to a single room; RoomID is empty.
func NewReshuffleCompletedLog(rooms, connections, unassigned int, at time.Time) *RoomAuditLog {
	return &RoomAuditLog{
		ID:        uuid.NewString(),
		EventType: EventReshuffleCompleted,
		Timestamp: at,
		Metadata: map[string]any{
			"rooms":       rooms,
			"connections": connections,
			"unassigned":  unassigned,
		},
	}
}
