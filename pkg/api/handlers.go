package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/scheduler"
	"github.com/loomworks/loom/pkg/store"
)

// writeError maps engine errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrUnknownApproval):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrRunNotLive),
		errors.Is(err, engine.ErrNotResumable),
		errors.Is(err, engine.ErrSessionBusy),
		errors.Is(err, registry.ErrRunActive),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pageFromQuery(c *gin.Context) models.Page {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return models.Page{Limit: limit, Offset: offset}
}

// eventFilterFromQuery builds the event read filter: ?after_order cursor,
// ?include_internal=true, ?types=a,b and ?limit.
func eventFilterFromQuery(c *gin.Context) store.Filter {
	f := store.Filter{}
	if v := c.Query("after_order"); v != "" {
		f.AfterOrder, _ = strconv.ParseInt(v, 10, 64)
	}
	f.IncludeInternal = c.Query("include_internal") == "true"
	if v := c.Query("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, models.EventType(t))
			}
		}
	}
	if v := c.Query("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	return f
}

// --- Sessions ---

type createSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.eng.CreateSession(c.Request.Context(), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	f := models.SessionFilters{NameContains: c.Query("name")}
	list, err := s.eng.ListSessions(c.Request.Context(), f, pageFromQuery(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.eng.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.eng.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Runs ---

func (s *Server) handleStartRun(c *gin.Context) {
	var req engine.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.eng.StartRun(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.eng.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleListRuns(c *gin.Context) {
	f := models.RunFilters{
		Status: c.Query("status"),
		Mode:   models.RunMode(c.Query("mode")),
	}
	list, err := s.eng.ListRuns(c.Request.Context(), c.Param("id"), f, pageFromQuery(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handlePauseRun(c *gin.Context) {
	if err := s.eng.PauseRun(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pausing"})
}

func (s *Server) handleResumeRun(c *gin.Context) {
	if err := s.eng.ResumeRun(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "resuming"})
}

func (s *Server) handleCancelRun(c *gin.Context) {
	if err := s.eng.CancelRun(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

type approvalRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) handleApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.eng.RespondToApproval(c.Param("id"), c.Param("approval_id"), req.Approved, req.Feedback)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

type playFromRequest struct {
	NodeID       string `json:"node_id" binding:"required"`
	CreateBranch bool   `json:"create_branch"`
	Hypothesis   string `json:"hypothesis,omitempty"`
}

func (s *Server) handlePlayFromNode(c *gin.Context) {
	var req playFromRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.eng.PlayFromNode(c.Request.Context(), c.Param("id"), req.NodeID, req.CreateBranch, req.Hypothesis)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// --- History ---

func (s *Server) handleRunEvents(c *gin.Context) {
	evs, err := s.eng.History(c.Request.Context(), c.Param("id"), eventFilterFromQuery(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) handleNodeEvents(c *gin.Context) {
	evs, err := s.eng.NodeHistory(c.Request.Context(), c.Param("id"), c.Param("node_id"), eventFilterFromQuery(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) handleResumableNodes(c *gin.Context) {
	nodes, err := s.eng.ListResumableNodes(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (s *Server) handleRunFiles(c *gin.Context) {
	files, err := s.eng.Files(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleRunBranches(c *gin.Context) {
	branches, err := s.eng.Branches(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}
