// Package httpapi exposes the local store and the scheduler over a small
// read-only JSON API.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/wesm/prtrail/internal/db"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/notify"
	"github.com/wesm/prtrail/internal/ratelimit"
	"github.com/wesm/prtrail/internal/registry"
	"github.com/wesm/prtrail/internal/sync"
)

// Controller is the part of the scheduler the API drives
type Controller interface {
	Status() sync.Status
	Refresh() bool
	Cancel() bool
}

// Handler serves the API routes
type Handler struct {
	store    *db.DB
	registry *registry.Registry
	sched    Controller
	hub      *notify.Hub
	logger   *slog.Logger
}

func NewHandler(store *db.DB, reg *registry.Registry, sched Controller, hub *notify.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, registry: reg, sched: sched, hub: hub, logger: logger}
}

func NewRouter(h *Handler, allowedOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(h.logger))
	if len(allowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: allowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", h.Status)
		v1.GET("/sections", h.Sections)
		v1.GET("/pulls", h.Pulls)
		v1.GET("/notifications", h.Notifications)
		v1.POST("/refresh", h.Refresh)
		v1.POST("/cancel", h.Cancel)
	}
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

type serverStatus struct {
	Label             string           `json:"label"`
	UserLogin         string           `json:"user_login,omitempty"`
	LastSyncAt        time.Time        `json:"last_sync_at,omitzero"`
	LastSyncSucceeded bool             `json:"last_sync_succeeded"`
	Quota             *ratelimit.Quota `json:"quota,omitempty"`
	QuotaWarning      bool             `json:"quota_warning"`
	BackoffUntil      time.Time        `json:"backoff_until,omitzero"`
}

func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	stored, err := h.store.ListServers(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	limiter := h.registry.Limiter()
	servers := make([]serverStatus, 0, len(stored))
	for _, s := range stored {
		if !h.registry.Configured(s.ID) {
			continue
		}
		st := serverStatus{
			Label:             s.Label,
			UserLogin:         s.UserLogin,
			LastSyncAt:        s.LastSyncAt,
			LastSyncSucceeded: s.LastSyncSucceeded,
			QuotaWarning:      limiter.Warning(s.ID),
			BackoffUntil:      limiter.BackoffUntil(s.ID),
		}
		if q, ok := h.registry.Quota(s.ID); ok {
			st.Quota = &q
		}
		servers = append(servers, st)
	}

	resp := gin.H{"scheduler": h.sched.Status(), "servers": servers}
	if run, err := h.store.LastRun(ctx); err == nil {
		resp["last_run"] = run
	} else if !errors.Is(err, db.ErrNotFound) {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type sectionCount struct {
	Section string `json:"section"`
	Pulls   int    `json:"pulls"`
	Unread  int    `json:"unread_comments"`
}

func (h *Handler) Sections(c *gin.Context) {
	counts, err := h.store.SectionCounts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]sectionCount, 0, len(models.Sections))
	for _, s := range models.Sections {
		n := counts[s]
		out = append(out, sectionCount{Section: s.String(), Pulls: n[0], Unread: n[1]})
	}
	c.JSON(http.StatusOK, gin.H{"sections": out})
}

func (h *Handler) Pulls(c *gin.Context) {
	section := models.SectionNone
	if v := c.Query("section"); v != "" {
		s, err := models.ParseSection(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		section = s
	}
	pulls, err := h.store.ListPullRequests(c.Request.Context(), section)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if pulls == nil {
		pulls = []db.PullSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"pulls": pulls})
}

func (h *Handler) Notifications(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"notifications": h.hub.Recent(limit)})
}

func (h *Handler) Refresh(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"queued": h.sched.Refresh()})
}

func (h *Handler) Cancel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": h.sched.Cancel()})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, context.Canceled) {
		status = http.StatusServiceUnavailable
	}
	h.logger.Error("api request failed", "path", c.FullPath(), "error", err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// Serve runs the API on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
