package livestream

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livestream/internal/authz"
	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/middleware"
	"github.com/aura-webinar/livestream/internal/models"
	"github.com/aura-webinar/livestream/internal/streams"
	"github.com/aura-webinar/livestream/pkg/response"
)

// Handler handles stream HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a stream handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// StartRequest is the body of POST /streams.
type StartRequest struct {
	Title       string `json:"title" binding:"required,max=200"`
	Description string `json:"description"`
	LowLatency  bool   `json:"low_latency"`
	Record      bool   `json:"record"`
}

// ScheduleRequest is the body of POST /streams/schedule.
type ScheduleRequest struct {
	Title          string     `json:"title" binding:"required,max=200"`
	Description    string     `json:"description"`
	LowLatency     bool       `json:"low_latency"`
	ScheduledStart time.Time  `json:"scheduled_start" binding:"required"`
	ScheduledEnd   *time.Time `json:"scheduled_end"`
}

// Start handles POST /streams. With record set, recording starts right after
// the stream goes live; a recording failure does not undo the stream.
func (h *Handler) Start(c *gin.Context) {
	req, ok := middleware.Requester(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var body StartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	stream, err := h.svc.StartLiveStream(c.Request.Context(), req.UserID, StreamConfig{
		Title:       body.Title,
		Description: body.Description,
		LowLatency:  body.LowLatency,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if !body.Record {
		response.Created(c, stream)
		return
	}
	out := gin.H{"stream": stream}
	rec, err := h.svc.StartRecording(c.Request.Context(), stream.ID, req)
	if err != nil {
		h.logger.Warn("auto record failed", zap.String("stream_id", stream.ID.String()), zap.Error(err))
		out["recording_error"] = err.Error()
	} else {
		out["recording"] = rec
	}
	response.Created(c, out)
}

// Schedule handles POST /streams/schedule.
func (h *Handler) Schedule(c *gin.Context) {
	req, ok := middleware.Requester(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var body ScheduleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	stream, err := h.svc.ScheduleLiveStream(c.Request.Context(), req.UserID, StreamConfig{
		Title:       body.Title,
		Description: body.Description,
		LowLatency:  body.LowLatency,
	}, body.ScheduledStart, body.ScheduledEnd)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, stream)
}

// GoLive handles POST /streams/:id/go-live.
func (h *Handler) GoLive(c *gin.Context) {
	id, req, ok := h.target(c)
	if !ok {
		return
	}
	stream, err := h.svc.GoLive(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, stream)
}

// End handles POST /streams/:id/end. Ending twice returns the ended stream.
func (h *Handler) End(c *gin.Context) {
	id, req, ok := h.target(c)
	if !ok {
		return
	}
	stream, err := h.svc.EndLiveStream(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, stream)
}

// List handles GET /streams?state=live&mine=true&limit=50.
func (h *Handler) List(c *gin.Context) {
	var f streams.Filter
	for _, s := range c.QueryArray("state") {
		f.States = append(f.States, models.StreamState(s))
	}
	req, ok := middleware.Requester(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	if c.Query("mine") == "true" {
		f.OwnerID = &req.UserID
	}
	if raw := c.Query("owner_id"); raw != "" {
		owner, err := uuid.Parse(raw)
		if err != nil {
			response.BadRequest(c, "invalid owner_id")
			return
		}
		f.OwnerID = &owner
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		f.Limit = n
	}
	list, err := h.svc.ListActiveStreams(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]*models.Stream, 0, len(list))
	for _, st := range list {
		out = append(out, h.svc.View(req, st))
	}
	response.OK(c, out)
}

// Status handles GET /streams/:id. Ingest credentials are only returned to
// users who can manage the stream.
func (h *Handler) Status(c *gin.Context) {
	id, req, ok := h.target(c)
	if !ok {
		return
	}
	st, err := h.svc.GetStreamStatus(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	st.Stream = h.svc.View(req, st.Stream)
	response.OK(c, st)
}

// Stats handles GET /streams/:id/stats.
func (h *Handler) Stats(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	st, err := h.svc.GetStreamStats(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, st)
}

// StartRecording handles POST /streams/:id/recording/start.
func (h *Handler) StartRecording(c *gin.Context) {
	id, req, ok := h.target(c)
	if !ok {
		return
	}
	rec, err := h.svc.StartRecording(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, rec)
}

// StopRecording handles POST /streams/:id/recording/stop.
func (h *Handler) StopRecording(c *gin.Context) {
	id, req, ok := h.target(c)
	if !ok {
		return
	}
	rec, err := h.svc.StopRecording(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, rec)
}

// RecordingStatus handles GET /streams/:id/recording.
func (h *Handler) RecordingStatus(c *gin.Context) {
	id, req, ok := h.target(c)
	if !ok {
		return
	}
	rec, err := h.svc.GetRecordingStatus(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rec == nil {
		response.NotFound(c, "stream has no recordings")
		return
	}
	response.OK(c, rec)
}

// StreamEndedCallback is the body of POST /webhooks/provider/stream-ended.
type StreamEndedCallback struct {
	ProviderStreamID string `json:"stream_id" binding:"required"`
}

// ProviderEnded handles the provider's "stream ended" webhook.
func (h *Handler) ProviderEnded(c *gin.Context) {
	var body StreamEndedCallback
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	stream, err := h.svc.HandleProviderEnded(c.Request.Context(), body.ProviderStreamID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stream_id": stream.ID, "state": stream.State})
}

func (h *Handler) target(c *gin.Context) (uuid.UUID, authz.Requester, bool) {
	id, ok := streamID(c)
	if !ok {
		return uuid.Nil, authz.Requester{}, false
	}
	req, ok := middleware.Requester(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return uuid.Nil, authz.Requester{}, false
	}
	return id, req, true
}

func streamID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := errs.Status(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, errs.ErrProviderUnavailable) {
		h.logger.Error("stream request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	response.Fail(c, status, err.Error())
}
