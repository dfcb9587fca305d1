package server

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/common/cnst"
	"github.com/amoylab/cfgstream/internal/connection"
	"github.com/amoylab/cfgstream/internal/event"
	"github.com/amoylab/cfgstream/internal/history"
	"github.com/amoylab/cfgstream/internal/subscription"
)

type connectionView struct {
	connection.Info
	Patterns []string `json:"patterns"`
	Queued   int      `json:"queued"`
}

type publishRequest struct {
	Config  any    `json:"config" binding:"required"`
	Version string `json:"version"`
}

// keyParams reads app and profile from the path and label from the query
func (s *Server) keyParams(c *gin.Context) (app, profile, label string, ok bool) {
	app, profile = c.Param("app"), c.Param("profile")
	label = c.DefaultQuery("label", s.cfg.DefaultLabel)
	if err := subscription.ValidateKey(app, profile, label); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", "", "", false
	}
	return app, profile, label, true
}

func (s *Server) handleConnections(c *gin.Context) {
	handles := s.deps.Registry.Snapshot()
	slices.SortFunc(handles, func(a, b connection.Handle) int {
		return a.Info.ConnectedAt.Compare(b.Info.ConnectedAt)
	})

	views := make([]connectionView, 0, len(handles))
	for _, h := range handles {
		views = append(views, connectionView{
			Info:     h.Info,
			Patterns: s.deps.Registry.Patterns(h.ID),
			Queued:   h.Outbox.Len(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"count":       len(views),
		"connections": views,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	exact, patterns := s.deps.Registry.IndexSize()
	resp := gin.H{
		"connections":     s.deps.Registry.Count(),
		"exact_keys":      exact,
		"patterns":        patterns,
		"history_entries": s.deps.History.Len(),
	}
	if s.deps.Broadcaster != nil {
		resp["broadcast"] = s.deps.Broadcaster.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c *gin.Context) {
	app, profile, label, ok := s.keyParams(c)
	if !ok {
		return
	}

	var entries []history.Entry
	if since := c.Query("since"); since != "" {
		var found bool
		entries, found = s.deps.History.ChangesSince(app, profile, label, since)
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found in history"})
			return
		}
	} else {
		entries = s.deps.History.Entries(app, profile, label)
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	current, _ := s.deps.History.CurrentVersion(app, profile, label)
	c.JSON(http.StatusOK, gin.H{
		"key":             connection.Key(app, profile, label),
		"current_version": current,
		"entries":         entries,
	})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	app, profile, label, ok := s.keyParams(c)
	if !ok {
		return
	}

	doc, err := s.deps.Source.GetConfig(c.Request.Context(), app, profile, label)
	if err != nil {
		if errors.Is(err, cnst.ErrConfigNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("failed to load config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load config"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":     connection.Key(app, profile, label),
		"version": doc.Version,
		"config":  doc.Config,
	})
}

// handlePublish stores a new document, distributes it locally and forwards
// it to other instances
func (s *Server) handlePublish(c *gin.Context) {
	app, profile, label, ok := s.keyParams(c)
	if !ok {
		return
	}
	if s.deps.Pump == nil {
		c.JSON(http.StatusConflict, gin.H{"error": cnst.ErrReadOnlySource.Error()})
		return
	}

	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := s.deps.Pump.Publish(c.Request.Context(), app, profile, label, req.Config, req.Version)
	switch {
	case errors.Is(err, cnst.ErrReadOnlySource):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, event.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil && ev == nil:
		s.logger.Error("failed to publish config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	case err != nil:
		// applied here, but other instances did not hear about it
		s.logger.Warn("config applied locally only", zap.String("key", ev.Key()), zap.Error(err))
	}

	if ev == nil {
		c.JSON(http.StatusOK, gin.H{"changed": false})
		return
	}
	resp := gin.H{
		"changed":     true,
		"key":         ev.Key(),
		"version":     ev.Version,
		"old_version": ev.OldVersion,
	}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
