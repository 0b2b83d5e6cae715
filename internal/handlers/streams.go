package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/confsessions/internal/sessions"
	appErrors "github.com/charlesng35/confsessions/pkg/errors"
	"github.com/charlesng35/confsessions/pkg/response"
)

// StreamHandler is the surface media servers use to register, update and remove streams.
type StreamHandler struct {
	registry *sessions.Registry
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(registry *sessions.Registry) (*StreamHandler, error) {
	if registry == nil {
		return nil, errors.New("stream handler: registry is required")
	}
	return &StreamHandler{registry: registry}, nil
}

type sessionPayload struct {
	PublicSID          string              `json:"public_sid" validate:"omitempty,streamid"`
	UserID             *int64              `json:"user_id" validate:"omitempty,gt=0"`
	RoomID             *int64              `json:"room_id" validate:"omitempty,gt=0"`
	ScopeName          string              `json:"scope_name" validate:"max=255"`
	Username           string              `json:"username" validate:"max=255"`
	RemotePort         int                 `json:"remote_port" validate:"gte=0,lte=65535"`
	RemoteAddress      string              `json:"remote_address" validate:"max=255"`
	SwfURL             string              `json:"swf_url" validate:"max=1024"`
	IsAVClient         bool                `json:"is_av_client"`
	IsModerator        bool                `json:"is_moderator"`
	IsRecording        bool                `json:"is_recording"`
	IsPublishingScreen bool                `json:"is_publishing_screen"`
	ConnectedSince     *time.Time          `json:"connected_since"`
	Media              sessions.MediaState `json:"media"`
}

type addStreamPayload struct {
	StreamID string `json:"stream_id" validate:"required,streamid"`
	sessionPayload
}

type avPayload struct {
	Media sessions.MediaState `json:"media"`
}

func (p sessionPayload) session(streamID string) sessions.ClientSession {
	s := sessions.ClientSession{
		StreamID:           streamID,
		PublicSID:          strings.TrimSpace(p.PublicSID),
		UserID:             p.UserID,
		RoomID:             p.RoomID,
		ScopeName:          strings.TrimSpace(p.ScopeName),
		Username:           strings.TrimSpace(p.Username),
		RemotePort:         p.RemotePort,
		RemoteAddress:      strings.TrimSpace(p.RemoteAddress),
		SwfURL:             strings.TrimSpace(p.SwfURL),
		IsAVClient:         p.IsAVClient,
		IsModerator:        p.IsModerator,
		IsRecording:        p.IsRecording,
		IsPublishingScreen: p.IsPublishingScreen,
		Media:              p.Media,
	}
	if p.ConnectedSince != nil {
		s.ConnectedSince = p.ConnectedSince.UTC()
	}
	return s
}

// Add registers a stream. A stream id that is already registered yields 409.
func (h *StreamHandler) Add(c *gin.Context) {
	var payload addStreamPayload
	if !bindAndValidate(c, &payload) {
		return
	}
	server, err := serverFromRequest(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	stored, err := h.registry.Add(requestContext(c), payload.session(strings.TrimSpace(payload.StreamID)), server)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, stored)
}

// Update replaces the fields of a stream. update_room_count=true recomputes room aggregates.
func (h *StreamHandler) Update(c *gin.Context) {
	streamID, err := identifierParam(c, "streamID", "stream id")
	if err != nil {
		response.Error(c, err)
		return
	}
	var payload sessionPayload
	if !bindAndValidate(c, &payload) {
		return
	}
	server, err := serverFromRequest(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	updateRoomCount, _ := strconv.ParseBool(c.DefaultQuery("update_room_count", "false"))

	ctx := requestContext(c)
	found, err := h.registry.UpdateClientByStreamID(ctx, streamID, payload.session(streamID), updateRoomCount, server)
	h.respondUpdated(c, streamID, server, found, err)
}

// UpdateAV stores the media state of an audio/video stream and mirrors it onto the full
// session of the same user.
func (h *StreamHandler) UpdateAV(c *gin.Context) {
	streamID, err := identifierParam(c, "streamID", "stream id")
	if err != nil {
		response.Error(c, err)
		return
	}
	var payload avPayload
	if !bindAndValidate(c, &payload) {
		return
	}
	server, err := serverFromRequest(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	ctx := requestContext(c)
	found, err := h.registry.UpdateAVClientByStreamID(ctx, streamID, sessions.ClientSession{Media: payload.Media}, server)
	h.respondUpdated(c, streamID, server, found, err)
}

// Remove unregisters a stream.
func (h *StreamHandler) Remove(c *gin.Context) {
	streamID, err := identifierParam(c, "streamID", "stream id")
	if err != nil {
		response.Error(c, err)
		return
	}
	server, err := serverFromRequest(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	removed, err := h.registry.RemoveClient(requestContext(c), streamID, server)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !removed {
		response.Error(c, appErrors.ErrNotFound.WithMessage("stream not found"))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"removed": true, "stream_id": streamID})
}

func (h *StreamHandler) respondUpdated(c *gin.Context, streamID string, server *sessions.Server, found bool, err error) {
	if err != nil {
		response.Error(c, err)
		return
	}
	if !found {
		response.Error(c, appErrors.ErrNotFound.WithMessage("stream not found"))
		return
	}
	stored, ok, err := h.registry.ClientByStreamID(requestContext(c), streamID, server)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !ok {
		// Removed concurrently after the update.
		response.Error(c, appErrors.ErrNotFound.WithMessage("stream not found"))
		return
	}
	response.Success(c, http.StatusOK, stored)
}
