package models

import "time"

// StreamClient is the shared-store row of one connected audio/video/screen-share stream.
// ServerID is nil for sessions owned by the master node.
type StreamClient struct {
	StreamID           string    `gorm:"column:stream_id;primaryKey;size:128" json:"stream_id"`
	PublicSID          string    `gorm:"column:public_sid;size:128;not null;index" json:"public_sid"`
	UserID             *int64    `gorm:"column:user_id;index" json:"user_id,omitempty"`
	RoomID             *int64    `gorm:"column:room_id;index:idx_stream_clients_server_room,priority:2" json:"room_id,omitempty"`
	ServerID           *string   `gorm:"column:server_id;size:64;index:idx_stream_clients_server_room,priority:1" json:"server_id,omitempty"`
	ScopeName          string    `gorm:"size:128" json:"scope_name,omitempty"`
	Username           string    `gorm:"size:255" json:"username,omitempty"`
	RemotePort         int       `json:"remote_port"`
	RemoteAddress      string    `gorm:"size:64" json:"remote_address,omitempty"`
	SwfURL             string    `gorm:"column:swf_url;size:512" json:"swf_url,omitempty"`
	IsAVClient         bool      `gorm:"column:is_av_client;not null;default:false" json:"is_av_client"`
	IsModerator        bool      `gorm:"not null;default:false" json:"is_moderator"`
	IsRecording        bool      `gorm:"not null;default:false;index" json:"is_recording"`
	IsPublishingScreen bool      `gorm:"not null;default:false;index" json:"is_publishing_screen"`
	BroadcastID        string    `gorm:"size:128" json:"broadcast_id,omitempty"`
	Broadcasting       bool      `gorm:"not null;default:false" json:"broadcasting"`
	MicMuted           bool      `gorm:"not null;default:false" json:"mic_muted"`
	AVSettings         string    `gorm:"column:av_settings;size:16" json:"av_settings,omitempty"`
	VideoWidth         int       `json:"video_width"`
	VideoHeight        int       `json:"video_height"`
	VideoX             int       `json:"video_x"`
	VideoY             int       `json:"video_y"`
	ConnectedSince     time.Time `gorm:"index" json:"connected_since"`
	UpdatedAt          time.Time `json:"updated_at"`
}
