package ws

const (
	RoomJoined         = "room.joined"
	RoomsUpdate        = "rooms.update"
	RoomMessage        = "room.message"
	ReshuffleTriggered = "reshuffle.triggered"

	NotInRoom   = "error.not_in_room"
	RateLimited = "error.rate_limited"
)
