// Package api wires together the HTTP routes for the upload registry.
//
// Route grouping philosophy:
//   - The tus protocol routes live under the configurable mount path
//     (default /files) behind the protocol middleware, which enforces
//     Tus-Resumable version agreement and handles CORS and method override.
//   - Operational routes (/healthz) sit outside the mount and outside the
//     protocol rules so load balancers can probe them with plain GETs.
//
// Prometheus metrics are not served here; main.go starts them on a separate
// port so the scrape endpoint is never exposed through the upload ingress.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/upload-registry/upload-registry/internal/config"
	"github.com/upload-registry/upload-registry/internal/middleware"
	"github.com/upload-registry/upload-registry/internal/tus"

	"github.com/upload-registry/upload-registry/internal/api/uploads"
)

// NewRouter builds the Gin router with all middleware and protocol routes
// registered. The returned handler applies the X-HTTP-Method-Override rewrite
// ahead of Gin's method-based routing. A nil rateLimit disables per-client
// rate limiting.
func NewRouter(cfg *config.Config, engine *tus.Engine, rateLimit gin.HandlerFunc) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	mount := strings.TrimSuffix(cfg.Uploads.MountPath, "/")
	if mount == "" {
		mount = "/files"
	}

	group := router.Group(mount)
	group.Use(middleware.TusProtocolMiddleware())
	if rateLimit != nil {
		group.Use(rateLimit)
	}
	{
		group.OPTIONS("", uploads.OptionsHandler(engine))
		group.POST("", uploads.CreateHandler(engine, cfg))
		group.HEAD("/:id", uploads.HeadHandler(engine, cfg))
		group.PATCH("/:id", uploads.PatchHandler(engine))
		group.DELETE("/:id", uploads.TerminateHandler(engine))
		group.GET("/:id", uploads.DownloadHandler(engine))
	}

	return middleware.MethodOverride(router)
}
