// Package api serves driver status and scan statistics over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/banshee-data/velodyne-driver/internal/monitoring"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/driver"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/network"
	"github.com/banshee-data/velodyne-driver/internal/velodyne/scanstore"
	"github.com/banshee-data/velodyne-driver/internal/version"
)

// StatusProvider reports driver state.
type StatusProvider interface {
	Status() driver.Status
}

// ScanIndex is the read side of the scan store.
type ScanIndex interface {
	Recent(ctx context.Context, n int) ([]scanstore.Record, error)
	Count(ctx context.Context) (int64, error)
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr string
	// RecentLimit caps /api/scans/recent.
	RecentLimit int
	// Admin serves the /debug/ index, /debug/tailsql/ and /debug/backup when
	// set; see scanstore.Store.AttachAdminRoutes.
	Admin http.Handler
}

// Server bundles the router and its data sources.
type Server struct {
	cfg     Config
	status  StatusProvider
	tracker *ScanTracker
	index   ScanIndex
	packets []*network.PacketStats
	engine  *gin.Engine
}

// New builds the server. index may be nil when scan indexing is disabled.
func New(cfg Config, status StatusProvider, tracker *ScanTracker, index ScanIndex, packets ...*network.PacketStats) *Server {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 500
	}
	if tracker == nil {
		tracker = NewScanTracker(DefaultTrackerWindow)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if monitoring.DebugEnabled() {
		engine.Use(gin.Logger())
	}

	s := &Server{cfg: cfg, status: status, tracker: tracker, index: index, packets: packets, engine: engine}
	s.registerRoutes()
	return s
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	monitoring.Logf("status server listening on %s", s.cfg.ListenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
	})

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/scans/recent", s.handleRecentScans)
		api.GET("/stats", s.handleStats)
	}

	debug := s.engine.Group("/debug")
	{
		debug.GET("/scans/chart", s.handleScanChart)
		debug.GET("/scans/plot.png", s.handleScanPlot)
		if s.cfg.Admin != nil {
			admin := gin.WrapH(s.cfg.Admin)
			debug.GET("/", admin)
			debug.GET("/backup", admin)
			debug.Any("/tailsql/*path", admin)
		}
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "driver not running"})
		return
	}
	st := s.status.Status()
	sync := gin.H{
		"state":     st.SyncState,
		"fixes":     st.Sync.Fixes,
		"malformed": st.Sync.Malformed,
		"timeouts":  st.Sync.Timeouts,
		"rollovers": st.Sync.Rollovers,
	}
	if st.Sync.Fixes > 0 {
		sync["last_fix"] = st.Sync.LastFix.String()
	}

	packets := make([]gin.H, 0, len(s.packets))
	for _, ps := range s.packets {
		snap := ps.Totals()
		packets = append(packets, gin.H{
			"name":    ps.Name(),
			"packets": snap.Packets,
			"bytes":   snap.Bytes,
			"dropped": snap.Dropped,
			"short":   snap.Short,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"driver":  st,
		"sync":    sync,
		"packets": packets,
	})
}

func (s *Server) handleRecentScans(c *gin.Context) {
	if s.index == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan index disabled"})
		return
	}

	limit := 50
	if nStr := c.Query("n"); nStr != "" {
		n, err := strconv.Atoi(nStr)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid n"})
			return
		}
		limit = n
	}
	limit = min(limit, s.cfg.RecentLimit)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	scans, err := s.index.Recent(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if scans == nil {
		scans = []scanstore.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(scans), "scans": scans})
}

func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{"scans": s.tracker.Stats()}
	if s.index != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()
		n, err := s.index.Count(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["indexed"] = n
	}
	c.JSON(http.StatusOK, resp)
}
