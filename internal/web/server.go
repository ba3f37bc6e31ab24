// Package web serves the status page, the JSON API used by the touchscreen
// UI, the WebSocket notification stream and the Prometheus metrics.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/monitor"
	"github.com/sweeney/nozzleflow/internal/settings"
	"github.com/sweeney/nozzleflow/internal/status"
	"github.com/sweeney/nozzleflow/internal/store"
	"github.com/sweeney/nozzleflow/internal/telemetry"
)

// Deps are the components the server reads and commands.
type Deps struct {
	Tracker  *status.Tracker
	Monitor  *monitor.Monitor
	Jobs     *store.JobStore
	Sensors  *store.SensorStore
	Settings *settings.Accessor
	// Controller is nil when no controller is attached (demo mode).
	Controller telemetry.Controller
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Log     *zap.Logger
}

// Server serves HTTP and WebSocket clients.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	hub        *Hub
	unfollow   func()
	deps       Deps
}

// New creates a Server listening on addr.
func New(addr string, d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	d.Log = d.Log.Named("web")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Log))

	s := &Server{engine: r, hub: NewHub(d.Log), deps: d}
	s.routes()
	s.unfollow = s.hub.Follow(d.Monitor, d.Jobs, d.Sensors, d.Settings)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/", s.handleIndex)
	r.GET("/index.html", s.handleIndex)
	r.GET("/index.json", s.handleStatusJSON)
	r.GET("/ws", s.hub.serve)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/status", s.handleStatusJSON)

		api.GET("/pump", s.getPump)
		api.PUT("/pump/override", s.setOverride)

		api.GET("/jobs", s.listJobs)
		api.POST("/jobs", s.createJob)
		api.GET("/jobs/:id", s.getJob)
		api.PUT("/jobs/:id", s.updateJob)
		api.DELETE("/jobs/:id", s.deleteJob)

		api.GET("/current-job", s.getCurrentJob)
		api.PUT("/current-job", s.setCurrentJob)
		api.POST("/current-job/events/viewed", s.markAllViewed)
		api.POST("/current-job/events/:eventId/viewed", s.markViewed)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.putSettings)

		api.GET("/sensors", s.getSensors)
		api.PUT("/sensors", s.putSensors)
		api.POST("/sensors/generate", s.generateSensors)

		api.POST("/controller/calibrate", s.calibrate)
		api.POST("/controller/interval", s.setInterval)

		api.GET("/navigation", s.getNavigation)
		api.PUT("/navigation", s.putNavigation)
	}
}

// Handler returns the HTTP handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown stops notifications, disconnects WebSocket clients and gracefully
// shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unfollow()
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Debug("request", fields...)
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := renderHTML(c.Writer, s.deps.Tracker.Snapshot()); err != nil {
		_ = c.Error(err)
	}
}

func (s *Server) handleStatusJSON(c *gin.Context) {
	c.Data(http.StatusOK, "application/json", status.FormatJSON(s.deps.Tracker.Snapshot()))
}
