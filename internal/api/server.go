// Package api serves the synced TrueNAS state over HTTP: snapshot reads,
// dotted-path value lookups, refresh triggers, actions and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dm/truenas-sync/internal/action"
	"github.com/dm/truenas-sync/internal/coordinator"
	"github.com/dm/truenas-sync/internal/model"
)

// Backend is the coordinator surface the API needs.
// *coordinator.Coordinator implements it.
type Backend interface {
	Snapshot() *model.Snapshot
	Status() coordinator.Status
	History() []model.RefreshRecord
	Refresh(ctx context.Context) (*model.Snapshot, error)
	RequestRefresh()
	Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error)
}

// Config holds server settings. Zero values select defaults.
type Config struct {
	Logger logrus.FieldLogger
	// Gatherer backs GET /metrics. Default prometheus.DefaultGatherer, which
	// is where a coordinator registers when its Registerer is unset.
	Gatherer prometheus.Gatherer
	// Actions resolves POST /api/actions. Default action.DefaultRegistry.
	Actions *action.Registry
	// RefreshTimeout bounds a waiting POST /api/refresh. Default 30s.
	RefreshTimeout time.Duration
}

// Server wires the HTTP routes to a Backend.
type Server struct {
	backend Backend
	actions *action.Registry
	cfg     Config
	log     logrus.FieldLogger
}

// New returns a Server for b.
func New(b Backend, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Actions == nil {
		cfg.Actions = action.DefaultRegistry()
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	return &Server{
		backend: b,
		actions: cfg.Actions,
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "api"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.log))

	api := r.Group("/api")
	api.GET("/snapshot", s.snapshotGET)
	api.GET("/value", s.valueGET)
	api.GET("/status", s.statusGET)
	api.GET("/history", s.historyGET)
	api.POST("/refresh", s.refreshPOST)
	api.GET("/actions", s.actionsGET)
	api.POST("/actions", s.actionsPOST)

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	return r
}

// requestLogger logs every request at Debug and failures at Warn.
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithError(c.Errors.Last())
		}
		if c.Writer.Status() >= 500 {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}
