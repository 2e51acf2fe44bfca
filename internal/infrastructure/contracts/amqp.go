package contracts

// AmqpMessage is the envelope every broker driver carries.
type AmqpMessage struct {
	RoomID string `json:"roomId,omitempty"`
	Data   []byte `json:"data"`
}

// Routing keys - using consistent event/command patterns
const (
	EventRoomCreated        = "room.created"
	EventRoomDeleted        = "room.deleted"
	EventMemberJoined       = "member.joined"
	EventMemberLeft         = "member.left"
	EventReshuffleCompleted = "reshuffle.completed"
)

var AllRoutingKeys = []string{
	EventRoomCreated,
	EventRoomDeleted,
	EventMemberJoined,
	EventMemberLeft,
	EventReshuffleCompleted,
}
