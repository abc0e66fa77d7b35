// Package diag is jackgo's ambient HTTP introspection surface: read-only
// chain/port/client/xrun status over gin, the same framework and routing
// shape the teacher's HealthCheckRoutes/AssistantApiRoute constructors
// use (a plain constructor function that mounts a handful of routes onto
// a caller-owned *gin.Engine), adapted from request-serving HTTP/gRPC
// handlers to a read-only diagnostics snapshot of internal/engine.
package diag

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/jackgo/jackgo/internal/engine"
	"github.com/jackgo/jackgo/internal/logging"
)

// EngineView is the subset of *engine.Engine diag needs, kept as an
// interface so tests can supply a fake rather than building a real
// Engine.
type EngineView interface {
	Clients() []engine.ClientSnapshot
	Ports() []engine.PortSnapshot
	Chain() []engine.ChainEntrySnapshot
	XRunCount() int64
}

// Server owns the HTTP listener serving the diagnostics routes.
type Server struct {
	httpServer *http.Server
	log        logging.Logger
}

// NewServer builds a diag Server bound to addr (e.g. "127.0.0.1:8090"),
// mounting the read-only routes on a fresh gin.Engine guarded by
// gin-contrib/cors (open by default — this surface carries no
// credentials and no mutating routes, only status).
func NewServer(addr string, eng EngineView, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet},
		MaxAge:          12 * time.Hour,
	}))

	Routes(r, eng, log)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r},
		log:        log,
	}
}

// Routes mounts jackgo's read-only diagnostics endpoints onto an
// existing *gin.Engine, mirroring HealthCheckRoutes' "constructor takes
// the engine and mounts a route group" shape rather than owning the
// *gin.Engine itself.
func Routes(r *gin.Engine, eng EngineView, log logging.Logger) {
	log.Info("diag: mounting introspection routes")
	group := r.Group("")
	{
		group.GET("/healthz/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		group.GET("/chain/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"chain": eng.Chain()})
		})
		group.GET("/ports/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ports": eng.Ports()})
		})
		group.GET("/clients/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"clients": eng.Clients()})
		})
		group.GET("/xruns/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"xrun_count": eng.XRunCount()})
		})
	}
}

// Start runs the HTTP listener until ctx is canceled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("diag: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("diag: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
