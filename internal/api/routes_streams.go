package api

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/confsessions/internal/auth"
	"github.com/charlesng35/confsessions/internal/handlers"
	"github.com/charlesng35/confsessions/internal/middleware"
)

func registerStreamRoutes(api *gin.RouterGroup, handler *handlers.StreamHandler) {
	streams := api.Group("/streams", middleware.RequireRole(iauth.RoleMedia))
	{
		streams.POST("", handler.Add)
		streams.PUT("/:streamID", handler.Update)
		streams.PUT("/:streamID/av", handler.UpdateAV)
		streams.DELETE("/:streamID", handler.Remove)
	}
}
