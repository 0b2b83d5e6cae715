package models

import (
	"sync"
	"testing"

	"gorm.io/gorm/schema"
)

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	if err := base.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if base.ID == "" {
		t.Fatal("expected base model ID to be generated")
	}
}

func TestServerKeepsConfiguredID(t *testing.T) {
	server := &Server{BaseModel: BaseModel{ID: "node-a"}, Name: "Node A"}
	if err := server.BeforeCreate(nil); err != nil {
		t.Fatalf("before create: %v", err)
	}
	if server.ID != "node-a" {
		t.Fatalf("expected configured id to be kept, got %q", server.ID)
	}
}

func TestStreamClientColumnNames(t *testing.T) {
	parsed, err := schema.Parse(&StreamClient{}, &sync.Map{}, schema.NamingStrategy{})
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}

	expected := map[string]string{
		"StreamID":   "stream_id",
		"PublicSID":  "public_sid",
		"UserID":     "user_id",
		"RoomID":     "room_id",
		"ServerID":   "server_id",
		"SwfURL":     "swf_url",
		"IsAVClient": "is_av_client",
		"AVSettings": "av_settings",
	}
	for field, column := range expected {
		f := parsed.LookUpField(field)
		if f == nil {
			t.Fatalf("field %s not found", field)
		}
		if f.DBName != column {
			t.Fatalf("expected %s to map to column %q, got %q", field, column, f.DBName)
		}
	}
}
