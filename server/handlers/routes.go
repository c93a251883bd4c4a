package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/san-kum/object-tracker/server/middleware"
)

// batchRateDivisor makes batch submission ten times stricter than the
// default limit; each request can carry thousands of frames.
const batchRateDivisor = 10

type RouteConfig struct {
	RateLimiter *middleware.RateLimiter
	Health      gin.HandlerFunc
	RPS         int
	Burst       int
}

func SetupRoutes(router *gin.Engine, wsHandler *WebSocketHandler, streamHandler *StreamHandler, cfg RouteConfig) {
	health := cfg.Health
	if health == nil {
		health = middleware.HealthCheck(nil)
	}
	limit := func() gin.HandlerFunc { return func(c *gin.Context) { c.Next() } }
	batchLimit := limit
	if cfg.RateLimiter != nil {
		limit = cfg.RateLimiter.RateLimit
		batchLimit = func() gin.HandlerFunc {
			return cfg.RateLimiter.RateLimitWithConfig(
				max(1, cfg.RPS/batchRateDivisor),
				max(1, cfg.Burst/batchRateDivisor))
		}
	}

	router.GET("/health", health)
	router.GET("/ws", limit(), wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(Timing())
	{
		api.GET("/health", health)

		ingest := api.Group("/")
		ingest.Use(limit())
		{
			ingest.POST("/stream/start", streamHandler.StartStream)
			ingest.POST("/stream/frame", streamHandler.ProcessFrame)
			ingest.POST("/stream/stop", streamHandler.StopStream)
			ingest.POST("/batch", batchLimit(), streamHandler.StartBatch)
			ingest.GET("/batch/:job_id", streamHandler.GetJobStatus)
		}

		api.GET("/session", streamHandler.GetSession)
		api.POST("/session/save", streamHandler.SaveSession)
		api.POST("/session/annotate", streamHandler.AnnotateSession)
		api.POST("/session/cancel", streamHandler.CancelSession)
		api.POST("/session/reset", streamHandler.ResetSession)

		api.GET("/tracks", streamHandler.GetTracks)
		api.GET("/tracks/export", streamHandler.ExportTracks)
		api.GET("/frames", streamHandler.GetFrames)
		api.GET("/stats", streamHandler.GetStats)
	}
}
