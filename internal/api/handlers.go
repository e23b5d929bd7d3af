package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/dm/truenas-sync/internal/action"
	"github.com/dm/truenas-sync/internal/client"
	"github.com/dm/truenas-sync/internal/coordinator"
)

type snapshotResponse struct {
	Version     uint64         `json:"version"`
	FetchedAt   time.Time      `json:"fetched_at"`
	Degraded    []string       `json:"degraded,omitempty"`
	Collections map[string]any `json:"collections"`
}

type valueResponse struct {
	Path    string `json:"path"`
	Value   any    `json:"value"`
	Version uint64 `json:"version"`
}

type capabilitiesResponse struct {
	Kind         action.Kind         `json:"kind"`
	Capabilities []action.Capability `json:"capabilities"`
}

func (s *Server) snapshotGET(c *gin.Context) {
	snap := s.backend.Snapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot published yet"})
		return
	}
	c.JSON(http.StatusOK, snapshotResponse{
		Version:     snap.Version,
		FetchedAt:   snap.FetchedAt,
		Degraded:    snap.Degraded,
		Collections: snap.Tree(),
	})
}

// valueGET resolves ?path= against the latest snapshot. A missing value, or
// no snapshot at all, yields ?default= (null when absent) with status 200.
func (s *Server) valueGET(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	var def any
	if d, ok := c.GetQuery("default"); ok {
		def = d
	}

	snap := s.backend.Snapshot()
	resp := valueResponse{Path: path, Value: def}
	if snap != nil {
		resp.Value = snap.Get(path, def)
		resp.Version = snap.Version
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) statusGET(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

func (s *Server) historyGET(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.History())
}

// refreshPOST queues a refresh and returns 202. With ?wait=true it runs (or
// joins) a refresh and reports the published version.
func (s *Server) refreshPOST(c *gin.Context) {
	if c.Query("wait") != "true" {
		s.backend.RequestRefresh()
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RefreshTimeout)
	defer cancel()
	snap, err := s.backend.Refresh(ctx)
	if err != nil {
		_ = c.Error(err)
		c.JSON(refreshStatus(err), gin.H{
			"error":   err.Error(),
			"failure": coordinator.Classify(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": snap.Version})
}

func (s *Server) actionsGET(c *gin.Context) {
	kinds := s.actions.Kinds()
	out := make([]capabilitiesResponse, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, capabilitiesResponse{Kind: k, Capabilities: s.actions.Capabilities(k)})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) actionsPOST(c *gin.Context) {
	var req action.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON", "details": err.Error()})
		return
	}

	raw, err := action.Run(c.Request.Context(), s.backend, s.actions, req)
	if err != nil {
		_ = c.Error(err)
		c.JSON(actionStatus(err), gin.H{"error": err.Error()})
		return
	}
	s.log.WithField("action", req.String()).Info("action invoked")
	c.JSON(http.StatusOK, gin.H{"result": raw})
}

func refreshStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func actionStatus(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, action.ErrMissingID), errors.Is(err, action.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, action.ErrUnknownKind), errors.Is(err, action.ErrUnsupported):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, client.ErrAuthenticationFailed):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
