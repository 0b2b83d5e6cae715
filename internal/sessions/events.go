package sessions

// Events published by the registry.
const (
	EventSessionAdded    = "session.added"
	EventSessionUpdated  = "session.updated"
	EventSessionRemoved  = "session.removed"
	EventRoomEmptied     = "room.emptied"
	EventRegistryCleared = "registry.cleared"
)

// EventPublisher receives registry events. Implementations must not block.
type EventPublisher interface {
	PublishSessionEvent(event string, data any)
}

// RoomEvent is the payload of room events.
type RoomEvent struct {
	RoomID   int64  `json:"room_id"`
	Clients  int    `json:"clients"`
	ServerID string `json:"server_id,omitempty"`
}

// ClearedEvent is the payload of EventRegistryCleared.
type ClearedEvent struct {
	ServerID string `json:"server_id,omitempty"`
	Removed  int64  `json:"removed"`
}

func (r *Registry) publish(event string, data any) {
	if r.events == nil {
		return
	}
	r.events.PublishSessionEvent(event, data)
}
