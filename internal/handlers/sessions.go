package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/confsessions/internal/sessions"
	appErrors "github.com/charlesng35/confsessions/pkg/errors"
	"github.com/charlesng35/confsessions/pkg/response"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// SessionHandler exposes read access to the registry for operators.
type SessionHandler struct {
	registry *sessions.Registry
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(registry *sessions.Registry) (*SessionHandler, error) {
	if registry == nil {
		return nil, errors.New("session handler: registry is required")
	}
	return &SessionHandler{registry: registry}, nil
}

// List returns one page of sessions across every server.
func (h *SessionHandler) List(c *gin.Context) {
	start := parseIntQuery(c, "start", 0)
	maxResults := parseIntQuery(c, "max", defaultPageSize)
	if maxResults <= 0 || maxResults > maxPageSize {
		maxResults = maxPageSize
	}
	orderBy := strings.TrimSpace(c.DefaultQuery("order_by", sessions.OrderByStreamID))
	asc := true
	if raw := strings.TrimSpace(c.Query("asc")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			response.Error(c, appErrors.NewBadRequest("asc must be a boolean"))
			return
		}
		asc = parsed
	}

	result, err := h.registry.ListByStartAndMax(requestContext(c), start, maxResults, orderBy, asc)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, result.Records, &response.Meta{
		Start:   start,
		Max:     maxResults,
		Total:   result.Total,
		OrderBy: orderBy,
		Asc:     asc,
	})
}

// WithServers returns every session paired with the server holding it.
func (h *SessionHandler) WithServers(c *gin.Context) {
	infos, err := h.registry.ClientsWithServer(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, infos)
}

// Statistics summarises the registry. format=text renders the operator-readable form.
func (h *SessionHandler) Statistics(c *gin.Context) {
	stats, err := h.registry.SessionStatistics(requestContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	if strings.EqualFold(c.Query("format"), "text") {
		c.String(http.StatusOK, stats.String())
		return
	}
	response.Success(c, http.StatusOK, stats)
}

// ByStream looks a stream up on one server.
func (h *SessionHandler) ByStream(c *gin.Context) {
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

	session, ok, err := h.registry.ClientByStreamID(requestContext(c), streamID, server)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !ok {
		response.Error(c, appErrors.ErrNotFound.WithMessage("stream not found"))
		return
	}
	response.Success(c, http.StatusOK, session)
}

// ByPublicSID looks a user session up. Without server_id every server is searched.
func (h *SessionHandler) ByPublicSID(c *gin.Context) {
	publicSID, err := identifierParam(c, "publicSID", "public session id")
	if err != nil {
		response.Error(c, err)
		return
	}

	ctx := requestContext(c)
	if raw := strings.TrimSpace(c.Query("server_id")); raw != "" {
		server, err := parseServerID(raw)
		if err != nil {
			response.Error(c, err)
			return
		}
		session, ok, err := h.registry.ClientByPublicSID(ctx, publicSID, server)
		if err != nil {
			response.Error(c, err)
			return
		}
		if !ok {
			response.Error(c, appErrors.ErrNotFound.WithMessage("session not found"))
			return
		}
		response.Success(c, http.StatusOK, sessions.ClientSessionInfo{Session: session, Server: server})
		return
	}

	info, ok, err := h.registry.ClientByPublicSIDAnyServer(ctx, publicSID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if !ok {
		response.Error(c, appErrors.ErrNotFound.WithMessage("session not found"))
		return
	}
	response.Success(c, http.StatusOK, info)
}

// ByUser lists every session of a user.
func (h *SessionHandler) ByUser(c *gin.Context) {
	userID, err := parseInt64Param(c, "userID")
	if err != nil {
		response.Error(c, err)
		return
	}
	list, err := h.registry.ClientsByUserID(requestContext(c), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, list)
}

// ClearCache drops the sessions held for this node.
func (h *SessionHandler) ClearCache(c *gin.Context) {
	if err := h.registry.ClearCache(requestContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"cleared": true})
}
