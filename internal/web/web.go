package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calfeed/internal/config"
	"calfeed/internal/dispatch"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/model"
	"calfeed/internal/scheduler"
)

// Sources is the part of the scheduler the API drives.
type Sources interface {
	Status(id string) (scheduler.Status, bool)
	Statuses() []scheduler.Status
	Restart(id string) error
	Stop(id string) bool
}

// Server exposes the latest batches, source status and metrics over HTTP.
type Server struct {
	cfg     *config.Config
	sources Sources
	store   *dispatch.Store
	engine  *gin.Engine
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, sources Sources, store *dispatch.Store) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:     cfg,
		sources: sources,
		store:   store,
		engine:  gin.New(),
	}
	s.engine.Use(requestLogger(), gin.Recovery())
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth instead of locking everyone out.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) registerRoutes() {
	// /health is always served without authentication.
	s.engine.GET("/health", s.handleHealth)

	protected := s.engine.Group("/")
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		protected.Use(gin.BasicAuthForRealm(gin.Accounts{
			s.cfg.BasicAuth.Username: s.cfg.BasicAuth.Password,
		}, "calfeed"))
	}

	protected.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := protected.Group("/api")
	{
		api.GET("/events", s.handleEvents)
		api.GET("/events/:id", s.handleSourceEvents)
		api.GET("/sources", s.handleSources)
		api.POST("/sources/:id/restart", s.handleRestart)
		api.DELETE("/sources/:id", s.handleStop)
	}
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events    []model.CanonicalEvent `json:"events"`
	Calendars []calendarDTO          `json:"calendars"`
}

type calendarDTO struct {
	ID         string    `json:"calendarId"`
	Name       string    `json:"calendarName"`
	LastFetch  time.Time `json:"lastFetch"`
	EventCount int       `json:"eventCount"`
	CycleID    string    `json:"cycleId"`
}

// sourceEventsResponse is the JSON response shape for /api/events/:id.
type sourceEventsResponse struct {
	model.Batch
	Error *model.FetchFailure `json:"lastError,omitempty"`
}

// handleEvents merges the latest batch of every source.
//
// GET /api/events?limit=50
//   - limit: keep only the earliest N events (default: no limit)
func (s *Server) handleEvents(c *gin.Context) {
	limit := parseIntDefault(c.Query("limit"), 0)

	batches := s.store.Batches()
	resp := eventsResponse{
		Events:    []model.CanonicalEvent{},
		Calendars: make([]calendarDTO, 0, len(batches)),
	}
	for _, b := range batches {
		resp.Events = append(resp.Events, b.Events...)
		resp.Calendars = append(resp.Calendars, calendarDTO{
			ID:         b.SourceID,
			Name:       b.SourceName,
			LastFetch:  b.FetchedAt,
			EventCount: len(b.Events),
			CycleID:    b.CycleID,
		})
	}
	resp.Events = ics.SortAndCap(resp.Events, limit)

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSourceEvents(c *gin.Context) {
	id := c.Param("id")

	b, ok := s.store.Batch(id)
	f, failed := s.store.Failure(id)
	if !ok && !failed {
		writeError(c, http.StatusNotFound, "no events for calendar "+id)
		return
	}

	resp := sourceEventsResponse{Batch: b}
	if !ok {
		resp.SourceID = f.SourceID
		resp.SourceName = f.SourceName
	}
	if resp.Events == nil {
		resp.Events = []model.CanonicalEvent{}
	}
	if failed {
		resp.Error = &f
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sources": s.sources.Statuses()})
}

func (s *Server) handleRestart(c *gin.Context) {
	id := c.Param("id")
	if err := s.sources.Restart(id); err != nil {
		if errors.Is(err, scheduler.ErrUnknownSource) {
			writeError(c, http.StatusNotFound, err.Error())
			return
		}
		appLog.Error("api restart failed", err, "id", id)
		writeError(c, http.StatusInternalServerError, "restart failed")
		return
	}
	st, _ := s.sources.Status(id)
	c.JSON(http.StatusAccepted, st)
}

func (s *Server) handleStop(c *gin.Context) {
	id := c.Param("id")
	if !s.sources.Stop(id) {
		writeError(c, http.StatusNotFound, "unknown source: "+id)
		return
	}
	s.store.Forget(id)
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// requestLogger logs one line per request through the application logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		appLog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
