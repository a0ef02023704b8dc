package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/job"
)

type startRequest struct {
	URL         string `json:"url" binding:"required"`
	Destination string `json:"destination"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active": len(s.eng.ListActive())})
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.eng.StartDownload(job.Request{URL: req.URL, Destination: req.Destination})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleList(c *gin.Context) {
	snaps := s.eng.List()
	c.JSON(http.StatusOK, gin.H{"downloads": snaps, "total": len(snaps)})
}

func (s *Server) handleActive(c *gin.Context) {
	ids := s.eng.ListActive()
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"ids": ids})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, err := s.eng.QueryStatus(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.eng.CancelDownload(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": "cancelling"})
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	if err := s.eng.Acknowledge(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps engine errors to status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var invalid *engine.InvalidURLError
	var dup *engine.DuplicateDestinationError
	var exists *engine.DestinationExistsError
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}
	switch {
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &dup):
		status = http.StatusConflict
		body["job_id"] = dup.JobID
	case errors.As(err, &exists):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyTerminal), errors.Is(err, engine.ErrStillActive):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, body)
}
