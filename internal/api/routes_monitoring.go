package api

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/confsessions/internal/auth"
	"github.com/charlesng35/confsessions/internal/handlers"
	"github.com/charlesng35/confsessions/internal/middleware"
)

func registerMonitoringRoutes(api *gin.RouterGroup, handler *handlers.MonitoringHandler) {
	if api == nil || handler == nil {
		return
	}

	group := api.Group("/monitoring")
	group.GET("/summary", middleware.RequireRole(iauth.RoleAdmin), handler.Summary)
}
