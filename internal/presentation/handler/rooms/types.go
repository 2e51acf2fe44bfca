package rooms

import (
	"time"

	"github.com/hilthontt/roomshuffle/internal/domain"
)

type roomsResponse struct {
	Rooms           []domain.RoomSummary `json:"rooms"`
	NextReshuffleAt time.Time            `json:"nextReshuffleAt,omitzero"`
}

type roomResponse struct {
	ID                string    `json:"id"`
	MemberCount       int       `json:"memberCount"`
	CreatedAt         time.Time `json:"createdAt"`
	SharedResource    string    `json:"sharedResource,omitempty"`
	ReshuffleDeadline time.Time `json:"reshuffleDeadline,omitzero"`
}

type scheduleResponse struct {
	Mode            string    `json:"mode"`
	NextReshuffleAt time.Time `json:"nextReshuffleAt,omitzero"`
}

type auditLogResponse struct {
	RoomID string                `json:"roomId"`
	Events []domain.RoomAuditLog `json:"events"`
}
