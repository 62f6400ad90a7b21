package http

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
)

type Server struct {
	Engine *gin.Engine
	http   *stdhttp.Server
}

func NewServer(log *logger.Logger, addr string, cfg RouterConfig) *Server {
	engine := NewRouter(log, cfg)
	return &Server{
		Engine: engine,
		http:   &stdhttp.Server{Addr: addr, Handler: engine},
	}
}

// Run blocks serving HTTP until Shutdown is called, matching the
// cooperative-shutdown design note: in-flight requests finish
// or abort per their own timeouts rather than being dropped.
func (s *Server) Run() error {
	err := s.http.ListenAndServe()
	if err == stdhttp.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
