package models

import (
	"time"

	"gorm.io/datatypes"
)

// Server is one node of a clustered deployment. Rows are written by the node itself on
// start-up and refreshed by the heartbeat job.
type Server struct {
	BaseModel

	Name       string         `gorm:"size:128;not null" json:"name"`
	Address    string         `gorm:"size:255" json:"address,omitempty"`
	Labels     datatypes.JSON `gorm:"type:json" json:"labels,omitempty"`
	Active     bool           `gorm:"not null;default:true;index" json:"active"`
	LastSeenAt time.Time      `gorm:"index" json:"last_seen_at"`
}
