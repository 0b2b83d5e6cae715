package sessions

import (
	"strings"
	"time"
)

// MediaState is the media-connection part of a session. It is what an audio/video stream
// renegotiates and what gets mirrored onto the full session of the same user.
type MediaState struct {
	BroadcastID  string `json:"broadcast_id,omitempty"`
	Broadcasting bool   `json:"broadcasting"`
	MicMuted     bool   `json:"mic_muted"`
	AVSettings   string `json:"av_settings,omitempty"`
	VideoWidth   int    `json:"video_width"`
	VideoHeight  int    `json:"video_height"`
	VideoX       int    `json:"video_x"`
	VideoY       int    `json:"video_y"`
}

// ClientSession is one connected audio/video/screen-share stream.
type ClientSession struct {
	StreamID  string `json:"stream_id"`
	PublicSID string `json:"public_sid"`
	UserID    *int64 `json:"user_id,omitempty"`
	RoomID    *int64 `json:"room_id,omitempty"`
	// ServerID is nil for streams owned by the local (master) node.
	ServerID           *string    `json:"server_id,omitempty"`
	ScopeName          string     `json:"scope_name,omitempty"`
	Username           string     `json:"username,omitempty"`
	RemotePort         int        `json:"remote_port"`
	RemoteAddress      string     `json:"remote_address,omitempty"`
	SwfURL             string     `json:"swf_url,omitempty"`
	IsAVClient         bool       `json:"is_av_client"`
	IsModerator        bool       `json:"is_moderator"`
	IsRecording        bool       `json:"is_recording"`
	IsPublishingScreen bool       `json:"is_publishing_screen"`
	ConnectedSince     time.Time  `json:"connected_since"`
	Media              MediaState `json:"media"`
}

// Clone returns a deep copy so callers never share pointers with the registry.
func (s ClientSession) Clone() ClientSession {
	clone := s
	if s.UserID != nil {
		v := *s.UserID
		clone.UserID = &v
	}
	if s.RoomID != nil {
		v := *s.RoomID
		clone.RoomID = &v
	}
	if s.ServerID != nil {
		v := *s.ServerID
		clone.ServerID = &v
	}
	return clone
}

// InRoom reports whether the session belongs to the room.
func (s ClientSession) InRoom(roomID int64) bool {
	return s.RoomID != nil && *s.RoomID == roomID
}

// HasUser reports whether the session is owned by the user.
func (s ClientSession) HasUser(userID int64) bool {
	return s.UserID != nil && *s.UserID == userID
}

// Partition returns the id of the node owning the session, empty for the local node.
func (s ClientSession) Partition() string {
	if s.ServerID == nil {
		return ""
	}
	return strings.TrimSpace(*s.ServerID)
}

// Server identifies a node of the cluster. A nil *Server, or one with an empty ID, is the
// local (master) node.
type Server struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// IsLocal reports whether the server denotes the local node.
func (s *Server) IsLocal() bool {
	return s == nil || strings.TrimSpace(s.ID) == ""
}

func (s *Server) partition() string {
	if s.IsLocal() {
		return ""
	}
	return strings.TrimSpace(s.ID)
}

func (s *Server) clone() *Server {
	if s == nil {
		return nil
	}
	cpy := *s
	return &cpy
}

// ClientSessionInfo pairs a session with the server it was found on.
type ClientSessionInfo struct {
	Session ClientSession `json:"session"`
	Server  *Server       `json:"server,omitempty"`
}

// SearchResult is one page of an administrative listing.
type SearchResult struct {
	ObjectName string          `json:"object_name"`
	Records    []ClientSession `json:"records"`
	Total      int64           `json:"total"`
}

func partitionPtr(partition string) *string {
	if partition == "" {
		return nil
	}
	p := partition
	return &p
}

func int64Ptr(v int64) *int64 {
	return &v
}
