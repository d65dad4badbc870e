package proxy

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/offsync/internal/notify"
	"github.com/roach88/offsync/internal/reconcile"
	"github.com/roach88/offsync/internal/store"
)

// Status is the body of GET /__offsync/status.
type Status struct {
	Connectivity string            `json:"connectivity"`
	Since        *time.Time        `json:"since,omitempty"`
	API          string            `json:"api"`
	Site         string            `json:"site"`
	Uptime       string            `json:"uptime"`
	Store        store.Stats       `json:"store"`
	Caches       []string          `json:"caches"`
	Subscribers  int               `json:"subscribers"`
	Passes       int               `json:"passes"`
	LastSync     *reconcile.Report `json:"last_sync,omitempty"`
}

func (s *Service) registerControl(r *gin.Engine) {
	ws := notify.NewWebSocketEndpoint(s.hub, s.reconciler.Trigger, s.logger.With("component", "websocket"))

	g := r.Group(ControlPrefix)
	g.GET("/events", gin.WrapH(ws))
	g.POST("/sync", s.handleSync)
	g.GET("/status", s.handleStatus)
}

// handleSync triggers a pass. With ?wait=true it runs the pass inline and
// returns its report.
func (s *Service) handleSync(c *gin.Context) {
	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		s.reconciler.Trigger(ReasonHTTP)
		c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
		return
	}
	report, err := s.reconciler.SyncOnce(c.Request.Context())
	if err != nil {
		s.logger.Warn("sync request failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Service) handleStatus(c *gin.Context) {
	st, err := s.Status(c.Request.Context())
	if err != nil {
		s.logger.Warn("status failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Status reports connectivity, store sizes, caches and the last pass.
func (s *Service) Status(ctx context.Context) (Status, error) {
	state, since := s.monitor.State()
	out := Status{
		Connectivity: state,
		API:          s.upstream.APIBase(),
		Site:         s.upstream.SiteBase(),
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Subscribers:  s.hub.Subscribers(),
		Passes:       s.reconciler.Passes(),
	}
	if !since.IsZero() {
		out.Since = &since
	}
	if rep, ok := s.reconciler.LastReport(); ok {
		out.LastSync = &rep
	}

	var err error
	if out.Store, err = s.store.Stats(ctx); err != nil {
		return Status{}, err
	}
	if out.Caches, err = s.cache.Names(ctx); err != nil {
		return Status{}, err
	}
	return out, nil
}
