package router

import (
	"github.com/fisker/zsync-backend/internal/api/handler"
	"github.com/fisker/zsync-backend/internal/api/middleware"
	"github.com/fisker/zsync-backend/internal/notification"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Setup(
	transferHandler *handler.TransferHandler,
	jobHandler *handler.JobHandler,
	systemHandler *handler.SystemHandler,
	hub *notification.Hub,
	mode string,
) *gin.Engine {
	gin.SetMode(mode)
	r := gin.New()

	r.Use(middleware.RecoveryMiddleware())
	r.Use(gin.Logger())
	r.Use(middleware.CORS())

	// 传输事件实时推送
	r.GET("/ws/events", func(c *gin.Context) {
		hub.HandleWebSocket(c.Writer, c.Request)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", systemHandler.Health)

	api := r.Group("/api")
	{
		transfers := api.Group("/transfers")
		{
			transfers.GET("", transferHandler.ListTransfers)
			transfers.GET("/stats", transferHandler.GetQueueStats)
			transfers.GET("/:id", transferHandler.GetTransfer)
			transfers.POST("/:id/cancel", transferHandler.CancelTransfer)
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("", jobHandler.ListJobs)
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("/running-scans", jobHandler.GetRunningScans)
			jobs.GET("/:id", jobHandler.GetJob)
			jobs.PUT("/:id", jobHandler.UpdateJob)
			jobs.POST("/:id/scan", jobHandler.TriggerScan)
			jobs.POST("/:id/reset-error", jobHandler.ResetError)
			jobs.POST("/:id/test-connection", jobHandler.TestConnection)
		}

		system := api.Group("/system")
		{
			system.GET("/pool", systemHandler.GetPoolStats)
			system.POST("/recovery", systemHandler.TriggerRecovery)
			system.GET("/consistency", systemHandler.ValidateConsistency)
		}
	}

	return r
}
