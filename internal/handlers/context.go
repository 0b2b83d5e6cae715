package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/confsessions/internal/middleware"
	"github.com/charlesng35/confsessions/internal/sessions"
	appErrors "github.com/charlesng35/confsessions/pkg/errors"
	appValidator "github.com/charlesng35/confsessions/pkg/validator"
)

// localServerAlias selects the node serving the request.
const localServerAlias = "local"

// requestContext safely returns the request context with a background fallback for tests.
func requestContext(c *gin.Context) context.Context {
	if c == nil {
		return context.Background()
	}
	if req := c.Request; req != nil {
		return req.Context()
	}
	return context.Background()
}

// serverFromRequest resolves the server a request addresses. The server_id query parameter
// wins, then the server bound to a media token. Nil means this node.
func serverFromRequest(c *gin.Context) (*sessions.Server, error) {
	id := strings.TrimSpace(c.Query("server_id"))
	if id == "" {
		if claims, ok := middleware.ClaimsFrom(c); ok {
			id = claims.ServerID
		}
	}
	return parseServerID(id)
}

func parseServerID(id string) (*sessions.Server, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.EqualFold(id, localServerAlias) {
		return nil, nil
	}
	if !appValidator.IsStreamID(id) || len(id) > 64 {
		return nil, appErrors.NewBadRequest("invalid server id")
	}
	return &sessions.Server{ID: id}, nil
}

func parseInt64Param(c *gin.Context, key string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(c.Param(key)), 10, 64)
	if err != nil || value <= 0 {
		return 0, appErrors.NewBadRequest(key + " must be a positive integer")
	}
	return value, nil
}

func identifierParam(c *gin.Context, key, label string) (string, error) {
	value := strings.TrimSpace(c.Param(key))
	if !appValidator.IsStreamID(value) {
		return "", appErrors.NewBadRequest("invalid " + label)
	}
	return value, nil
}
