// Package httpapi exposes the view-syncer over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kartikbazzad/bunbase/bunsync/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsync/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunsync/internal/upstream"
	"github.com/kartikbazzad/bunbase/bunsync/internal/viewsyncer"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Service *viewsyncer.Service
	// Replica enables /api/replica/apply. Nil when replicating from Postgres.
	Replica       *upstream.MemoryReplica
	Logger        *slog.Logger
	RatePerMinute int
	Burst         int
	Metrics       bool
}

type Server struct {
	log     *slog.Logger
	svc     *viewsyncer.Service
	replica *upstream.MemoryReplica
	router  *gin.Engine
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	s := &Server{
		log:     opts.Logger,
		svc:     opts.Service,
		replica: opts.Replica,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(opts.Logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	group := router.Group("/api/sync/:group")
	group.Use(RateLimitMiddleware(opts.RatePerMinute, opts.Burst))
	group.POST("/queries", s.changeQueries)
	group.GET("/catchup", s.catchup)
	group.GET("/cvr", s.inspect)

	router.POST("/api/replica/apply", s.applyReplica)

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}
