package status

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"marlin/internal/logger"
	"marlin/internal/session"
	"marlin/internal/store"

	"github.com/gin-gonic/gin"
)

// Server exposes the heartbeat snapshot and recent event tail for external
// dashboards. Read-only: the kill-switch file is the control surface.
type Server struct {
	addr   string
	runner *session.Runner
	events *store.Store
	srv    *http.Server
}

func NewServer(addr string, runner *session.Runner, events *store.Store) *Server {
	return &Server{addr: addr, runner: runner, events: events}
}

func (s *Server) Start(ctx context.Context) error {
	if s.addr == "" {
		<-ctx.Done()
		return nil
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/status", s.handleStatus)
	router.GET("/events", s.handleEvents)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	s.srv = &http.Server{Addr: s.addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Infof("status server listening on %s", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.Snapshot())
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := s.events.RecentEvents(s.runner.SessionID(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}
