package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/confsessions/internal/sessions"
	"github.com/charlesng35/confsessions/pkg/response"
)

// RoomHandler answers room-level questions: who is in it, who moderates it, what it is doing.
type RoomHandler struct {
	registry *sessions.Registry
}

// NewRoomHandler constructs a RoomHandler.
func NewRoomHandler(registry *sessions.Registry) (*RoomHandler, error) {
	if registry == nil {
		return nil, errors.New("room handler: registry is required")
	}
	return &RoomHandler{registry: registry}, nil
}

// Clients lists the sessions of a room; scope=all spans every server, otherwise this node only.
func (h *RoomHandler) Clients(c *gin.Context) {
	roomID, err := parseInt64Param(c, "roomID")
	if err != nil {
		response.Error(c, err)
		return
	}

	ctx := requestContext(c)
	var list []sessions.ClientSession
	if strings.EqualFold(c.Query("scope"), "all") {
		list, err = h.registry.ClientListByRoomAll(ctx, roomID)
	} else {
		list, err = h.registry.ClientListByRoom(ctx, roomID)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, list)
}

// Moderators lists the moderators present in a room.
func (h *RoomHandler) Moderators(c *gin.Context) {
	roomID, err := parseInt64Param(c, "roomID")
	if err != nil {
		response.Error(c, err)
		return
	}
	list, err := h.registry.CurrentModeratorByRoom(requestContext(c), roomID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, list)
}

type roomCounts struct {
	RoomID     int64 `json:"room_id"`
	Clients    int   `json:"clients"`
	Recording  int   `json:"recording"`
	Publishing int   `json:"publishing"`
}

// Counts reports the occupancy, recording and screen sharing counts of a room.
func (h *RoomHandler) Counts(c *gin.Context) {
	roomID, err := parseInt64Param(c, "roomID")
	if err != nil {
		response.Error(c, err)
		return
	}

	ctx := requestContext(c)
	counts := roomCounts{RoomID: roomID}
	if counts.Clients, err = h.registry.RoomClientCount(ctx, roomID); err != nil {
		response.Error(c, err)
		return
	}
	if counts.Recording, err = h.registry.RecordingCount(ctx, roomID); err != nil {
		response.Error(c, err)
		return
	}
	if counts.Publishing, err = h.registry.PublishingCount(ctx, roomID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, counts)
}

// ActiveByServer lists the rooms with at least one session on a server. The id "local"
// addresses this node.
func (h *RoomHandler) ActiveByServer(c *gin.Context) {
	server, err := parseServerID(c.Param("serverID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	rooms, err := h.registry.ActiveRoomIDsByServer(requestContext(c), server)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"rooms": rooms})
}
