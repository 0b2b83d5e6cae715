package realtime

// Named realtime streams.
const (
	// StreamSessions carries every session registry event.
	StreamSessions = "sessions"
	// StreamRooms carries room lifecycle events only.
	StreamRooms = "rooms"
)

// Streams lists every stream a client may subscribe to.
func Streams() []string {
	return []string{StreamSessions, StreamRooms}
}
