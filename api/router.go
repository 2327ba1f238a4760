package api

import (
	"net/http"

	"ffcache/config"

	"github.com/gin-gonic/gin"
)

func SetupRouter(svc Service, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())
	h := NewHandler(svc, cfg)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/renditions", h.handleCreateRendition)
		v1.POST("/renditions/stream", h.handleStreamRendition)

		v1.GET("/jobs", h.handleListJobs)
		v1.GET("/jobs/:key", h.handleGetJob)
		v1.PATCH("/jobs/:key/cancel", h.handleCancelJob)

		v1.GET("/hls/:key/:file", h.handleSegment)
		v1.POST("/subtitles", h.handleSubtitle)

		v1.GET("/cache/stats", h.handleCacheStats)
		v1.POST("/cache/sweep", h.handleCacheSweep)
	}
	return r
}
