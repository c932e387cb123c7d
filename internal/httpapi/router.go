package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// NewRouter wires the job-control HTTP surface of spec.md §6 onto a gin
// engine. Routes sit at the root, not under /api: this is an internal
// job-control surface, not a public API (spec.md's non-goals exclude
// end-user auth).
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(attachTraceData())
	r.Use(requestLogger(log))

	r.GET("/healthcheck", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	r.POST("/scrape", h.Scrape)
	r.GET("/status", h.Status)
	r.POST("/stop", h.Stop)
	r.GET("/events", h.Events)
	r.GET("/events/types", h.EventTypes)
	r.GET("/debug/:kind", h.Debug)

	return r
}
