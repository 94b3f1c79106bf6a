// FILE: server.go
// Package main – Status HTTP server.
//
// Routes:
//   GET /healthz               – liveness ("ok")
//   GET /metrics               – Prometheus exposition
//   GET /api/v1/state          – snapshot of every symbol loop
//   GET /api/v1/state/:symbol  – one symbol, 404 when not traded

package main

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// snapshotter is what the status API needs from a coordinator.
type snapshotter interface {
	Symbol() string
	Snapshot() TraderSnapshot
}

type statusServer struct {
	router  *gin.Engine
	traders map[string]snapshotter
	mode    string
	started time.Time
}

func newStatusServer(mode string, traders []*Trader) *statusServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &statusServer{
		router:  router,
		traders: make(map[string]snapshotter, len(traders)),
		mode:    mode,
		started: time.Now().UTC(),
	}
	for _, t := range traders {
		s.traders[t.Symbol()] = t
	}
	s.registerRoutes()
	return s
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *statusServer) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok\n") })
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	api.GET("/state", s.listState)
	api.GET("/state/:symbol", s.getState)
}

func (s *statusServer) listState(c *gin.Context) {
	symbols := make([]string, 0, len(s.traders))
	for sym := range s.traders {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	out := make([]TraderSnapshot, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, s.traders[sym].Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":    s.mode,
		"started": s.started,
		"symbols": out,
	})
}

func (s *statusServer) getState(c *gin.Context) {
	sym := strings.ToUpper(c.Param("symbol"))
	t, ok := s.traders[sym]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "symbol not traded: " + sym})
		return
	}
	c.JSON(http.StatusOK, t.Snapshot())
}

// serve runs the server on addr until ctx is done.
func (s *statusServer) serve(ctx context.Context, addr string, log *logrus.Logger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("[BOOT] status server on %s (/healthz /metrics /api/v1/state)", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
