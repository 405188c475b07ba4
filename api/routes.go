package api

import (
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-console/metrics"
	"github.com/xiaoyuanzhu-com/claude-console/server"
)

// Handlers holds the server reference shared by all API handlers
type Handlers struct {
	srv *server.Server
}

// SetupRoutes registers all API routes on the router.
// Called from main.go to avoid an import cycle with the server package.
func SetupRoutes(router *gin.Engine, srv *server.Server) {
	h := &Handlers{srv: srv}

	api := router.Group("/api")
	{
		api.POST("/conversations/start", h.StartConversation)
		api.GET("/conversations", h.ListConversations)
		api.GET("/conversations/:id", h.GetConversation)
		api.POST("/conversations/:id/stop", h.StopConversation)
		api.PUT("/conversations/:id/rename", h.RenameConversation)
		api.POST("/conversations/:id/archive", h.ArchiveConversation)
		api.POST("/conversations/:id/pin", h.PinConversation)

		api.GET("/stream/:streamingId", h.StreamEvents)

		api.POST("/permissions/notify", h.NotifyPermission)
		api.GET("/permissions", h.ListPermissions)
		api.GET("/permissions/:id", h.GetPermission)
		api.POST("/permissions/:id/decision", h.DecidePermission)
	}

	router.GET("/metrics", metrics.Handler())
}
