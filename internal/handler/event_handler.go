// internal/handler/event_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"hubstream/internal/model"
	"hubstream/internal/service"
	"hubstream/internal/utils"
)

const (
	defaultMaxBodyBytes   = 8 << 20
	defaultMaxBatchEvents = 5000
	defaultRetryAfter     = 5 * time.Second
)

// EventWriter accepts canonical events for persistence
type EventWriter interface {
	Write(ctx context.Context, events []*model.CanonicalEvent) (*service.WriteSummary, error)
}

// BatchRequest is the body of POST /events:batch
type BatchRequest struct {
	BatchID string                  `json:"batch_id"`
	Events  []*model.CanonicalEvent `json:"events"`
}

// BatchResult is the outcome of one accepted batch
type BatchResult struct {
	BatchID string `json:"batch_id,omitempty"`
	*service.WriteSummary
}

// EventHandler handles event ingestion requests from the forwarder
type EventHandler struct {
	writer         EventWriter
	maxBodyBytes   int64
	maxBatchEvents int
	retryAfter     time.Duration
	logger         *utils.ServiceLogger
}

// NewEventHandler creates a new event handler
func NewEventHandler(writer EventWriter, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		writer:         writer,
		maxBodyBytes:   defaultMaxBodyBytes,
		maxBatchEvents: defaultMaxBatchEvents,
		retryAfter:     defaultRetryAfter,
		logger:         utils.NewServiceLogger(logger, "event-handler"),
	}
}

// RegisterRoutes registers event routes. The batch route is served at
// /events/batch; the router maps /events:batch onto it.
func (h *EventHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/events", h.PostEvent)
	router.POST("/events/batch", h.PostBatch)
}

// PostEvent accepts a single canonical event
// @Summary Write one event
// @Description Normalize one canonical event and queue its point for the store
// @Tags Events
// @Accept json
// @Produce json
// @Param request body model.CanonicalEvent true "Canonical event"
// @Success 200 {object} utils.APIResponse{data=service.WriteSummary} "Event accepted"
// @Failure 400 {object} utils.APIResponse "Invalid event"
// @Failure 503 {object} utils.APIResponse "Writer queue full or shutting down"
// @Failure 500 {object} utils.APIResponse "Internal server error"
// @Router /events [post]
func (h *EventHandler) PostEvent(c *gin.Context) {
	var event model.CanonicalEvent
	if !h.bind(c, &event) {
		return
	}

	summary, err := h.writer.Write(c.Request.Context(), []*model.CanonicalEvent{&event})
	if err != nil {
		h.writeFailed(c, err, zap.String("entity_id", event.EntityID))
		return
	}

	if summary.Rejected > 0 {
		rejection := summary.Rejections[0]
		utils.ErrorResponse(c, http.StatusBadRequest, "Event rejected", errors.New(rejection.Error))
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Event accepted", summary)
}

// PostBatch accepts a batch of canonical events. Invalid events are
// rejected individually and reported in the response.
// @Summary Write a batch of events
// @Description Normalize a batch of canonical events and queue their points for the store
// @Tags Events
// @Accept json
// @Produce json
// @Param request body BatchRequest true "Event batch"
// @Success 200 {object} utils.APIResponse{data=BatchResult} "Batch accepted"
// @Failure 400 {object} utils.APIResponse "Malformed batch"
// @Failure 413 {object} utils.APIResponse "Batch too large"
// @Failure 503 {object} utils.APIResponse "Writer queue full or shutting down"
// @Failure 500 {object} utils.APIResponse "Internal server error"
// @Router /events:batch [post]
func (h *EventHandler) PostBatch(c *gin.Context) {
	var req BatchRequest
	if !h.bind(c, &req) {
		return
	}

	if len(req.Events) == 0 {
		utils.ValidationErrorResponse(c, map[string]string{"events": "must contain at least one event"})
		return
	}
	if len(req.Events) > h.maxBatchEvents {
		utils.ErrorResponse(c, http.StatusRequestEntityTooLarge, "Batch too large", nil)
		return
	}

	summary, err := h.writer.Write(c.Request.Context(), req.Events)
	if err != nil {
		h.writeFailed(c, err,
			zap.String("batch_id", req.BatchID),
			zap.Int("events", len(req.Events)),
		)
		return
	}

	if summary.Rejected > 0 {
		h.logger.Warn("Batch partially rejected",
			zap.String("batch_id", req.BatchID),
			zap.Int("accepted", summary.Accepted),
			zap.Int("rejected", summary.Rejected),
		)
	}

	utils.SuccessResponse(c, http.StatusOK, "Batch accepted", BatchResult{
		BatchID:      req.BatchID,
		WriteSummary: summary,
	})
}

func (h *EventHandler) bind(c *gin.Context, v interface{}) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	if err := c.ShouldBindJSON(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			utils.ErrorResponse(c, http.StatusRequestEntityTooLarge, "Request body too large", nil)
			return false
		}
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func (h *EventHandler) writeFailed(c *gin.Context, err error, fields ...zap.Field) {
	logger := utils.LoggerWithRequestID(h.logger.Logger, c.GetString("request_id"))

	switch {
	case errors.Is(err, service.ErrQueueFull):
		logger.Warn("Writer queue full, asking sender to retry", fields...)
		utils.UnavailableResponse(c, h.retryAfter, "Writer queue full", err)
	case errors.Is(err, service.ErrShuttingDown):
		utils.UnavailableResponse(c, h.retryAfter, "Writer shutting down", err)
	default:
		utils.LogError(logger, "Failed to write events", err, fields...)
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to write events", err)
	}
}
