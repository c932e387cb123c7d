package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/brightfield-labs/scraperd/internal/events"
	"github.com/brightfield-labs/scraperd/internal/jobrunner"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// Server wraps the gin engine the same way the teacher's internal/http
// does, so cmd/scraperd only needs Run(address).
type Server struct {
	Engine *gin.Engine
}

// NewServer builds the HTTP job-control façade over runner and bus.
func NewServer(runner *jobrunner.Runner, bus *events.Bus, log *logger.Logger) *Server {
	h := NewHandler(runner, bus, log)
	return &Server{Engine: NewRouter(h, log)}
}

func (s *Server) Run(address string) error {
	return s.Engine.Run(address)
}
