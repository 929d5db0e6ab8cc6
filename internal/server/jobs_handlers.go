package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"ferry/internal/controller"
	"ferry/internal/database"
	"ferry/internal/model"
	"ferry/internal/queue"
)

const (
	defaultLimit = 20
	maxLimit     = 200

	keepAliveInterval = 15 * time.Second
)

// SuggestRequest carries the source headers to match against a schema
type SuggestRequest struct {
	Headers []string `json:"headers" binding:"required"`
}

// CreateImportHandler queues an import job
func (s *Server) CreateImportHandler(c *gin.Context) {
	var req controller.ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jc.SubmitImport(c.Request.Context(), getPrincipal(c), req)
	if err != nil {
		writeError(c, "Failed to submit import", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// CreateExportHandler queues an export job
func (s *Server) CreateExportHandler(c *gin.Context) {
	var req controller.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jc.SubmitExport(c.Request.Context(), getPrincipal(c), req)
	if err != nil {
		writeError(c, "Failed to submit export", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// GetJobHandler returns a specific job by ID
func (s *Server) GetJobHandler(c *gin.Context) {
	job, err := s.jc.GetJob(c.Request.Context(), getPrincipal(c), c.Param("id"))
	if err != nil {
		writeError(c, "Failed to get job", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobsHandler lists jobs, optionally narrowed by status, kind and principal
func (s *Server) ListJobsHandler(c *gin.Context) {
	filter, err := parseJobFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, offset := getPaginationParams(c)

	jobs, err := s.jc.ListJobs(c.Request.Context(), getPrincipal(c), filter, limit, offset)
	if err != nil {
		writeError(c, "Failed to list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "limit": limit, "offset": offset})
}

// CancelJobHandler requests cancellation. Cancelling a finished job returns
// it unchanged.
func (s *Server) CancelJobHandler(c *gin.Context) {
	job, err := s.jc.CancelJob(c.Request.Context(), getPrincipal(c), c.Param("id"))
	if err != nil {
		writeError(c, "Failed to cancel job", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// JobEventsHandler streams progress events as server-sent events until the
// job reaches a terminal state or the client goes away
func (s *Server) JobEventsHandler(c *gin.Context) {
	jobID := c.Param("id")
	sub, err := s.jc.Subscribe(c.Request.Context(), getPrincipal(c), jobID)
	if err != nil {
		writeError(c, "Failed to subscribe", err)
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	events := sub.C()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				if sub.Dropped() {
					log.Warn().Str("jobID", jobID).Msg("Progress subscriber fell behind")
					c.SSEvent("dropped", gin.H{"job_id": jobID})
				}
				return false
			}
			c.SSEvent("progress", ev)
			return !ev.Terminal
		case <-ticker.C:
			_, err := io.WriteString(w, ": keepalive\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) ListSchemasHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schemas": s.jc.Schemas()})
}

// SuggestMappingHandler proposes a mapping from source headers to schema fields
func (s *Server) SuggestMappingHandler(c *gin.Context) {
	var req SuggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	suggestions, err := s.jc.SuggestMapping(c.Request.Context(), getPrincipal(c), c.Param("id"), req.Headers)
	if err != nil {
		writeError(c, "Failed to suggest mapping", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

// writeError maps controller errors onto status codes
func writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrForbidden):
		status = http.StatusForbidden
	case controller.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	default:
		switch model.Classify(err) {
		case model.ClassConfig, model.ClassValidation:
			status = http.StatusBadRequest
		}
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
	}
	c.JSON(status, gin.H{"error": msg + ": " + err.Error()})
}

func parseJobFilter(c *gin.Context) (database.JobFilter, error) {
	var filter database.JobFilter
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := model.JobStatus(strings.TrimSpace(part))
			if !isValidJobStatus(status) {
				return filter, errors.New("invalid job status " + strconv.Quote(string(status)))
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	switch kind := model.JobKind(c.Query("kind")); kind {
	case "", model.KindImport, model.KindExport:
		filter.Kind = kind
	default:
		return filter, errors.New("invalid job kind " + strconv.Quote(string(kind)))
	}

	filter.Principal = c.Query("principal")
	return filter, nil
}

// getPaginationParams extracts pagination parameters from request
func getPaginationParams(c *gin.Context) (int, int) {
	limit := defaultLimit
	offset := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = min(parsedLimit, maxLimit)
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	return limit, offset
}

func isValidJobStatus(status model.JobStatus) bool {
	for _, s := range model.AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}
