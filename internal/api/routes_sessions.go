package api

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/confsessions/internal/auth"
	"github.com/charlesng35/confsessions/internal/handlers"
	"github.com/charlesng35/confsessions/internal/middleware"
)

func registerSessionRoutes(api *gin.RouterGroup, handler *handlers.SessionHandler) {
	requireAdmin := middleware.RequireRole(iauth.RoleAdmin)

	sessions := api.Group("/sessions", requireAdmin)
	{
		sessions.GET("", handler.List)
		sessions.GET("/servers", handler.WithServers)
		sessions.GET("/statistics", handler.Statistics)
		sessions.GET("/streams/:streamID", handler.ByStream)
		sessions.GET("/public/:publicSID", handler.ByPublicSID)
		sessions.POST("/cache/clear", handler.ClearCache)
	}
	api.GET("/users/:userID/sessions", requireAdmin, handler.ByUser)
}

func registerRoomRoutes(api *gin.RouterGroup, handler *handlers.RoomHandler) {
	requireAdmin := middleware.RequireRole(iauth.RoleAdmin)

	rooms := api.Group("/rooms/:roomID", requireAdmin)
	{
		rooms.GET("/clients", handler.Clients)
		rooms.GET("/moderators", handler.Moderators)
		rooms.GET("/counts", handler.Counts)
	}
	api.GET("/servers/:serverID/rooms", requireAdmin, handler.ActiveByServer)
}
