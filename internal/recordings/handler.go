package recordings

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/livestream/internal/authz"
	"github.com/aura-webinar/livestream/internal/errs"
	"github.com/aura-webinar/livestream/internal/middleware"
	"github.com/aura-webinar/livestream/internal/models"
	"github.com/aura-webinar/livestream/pkg/response"
)

// Presigner signs download URLs for archived recordings.
type Presigner interface {
	PresignRecording(ctx context.Context, key string) (string, time.Duration, error)
}

// Handler handles recording HTTP endpoints.
type Handler struct {
	coord  *Coordinator
	authz  authz.Authorizer
	s3     Presigner
	logger *zap.Logger
}

// NewHandler creates a recordings handler. s3 may be nil when archiving is off.
func NewHandler(coord *Coordinator, az authz.Authorizer, s3 Presigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{coord: coord, authz: az, s3: s3, logger: logger}
}

// ListMine handles GET /recordings.
func (h *Handler) ListMine(c *gin.Context) {
	req, ok := middleware.Requester(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	list, err := h.coord.ListByOwner(c.Request.Context(), req.UserID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("user_id", req.UserID.String()))
		response.Internal(c, "failed to list recordings")
		return
	}
	if list == nil {
		list = []*models.Recording{}
	}
	response.OK(c, list)
}

// GenerateDownloadURL handles GET /recordings/:id/download-url. Archived
// recordings get a presigned S3 URL, others the provider storage URL.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	req, ok := middleware.Requester(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	rec, err := h.coord.Get(c.Request.Context(), recordingID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.authz.CanManage(req, rec.OwnerID); err != nil {
		h.fail(c, err)
		return
	}
	if rec.Status != models.RecordingStatusCompleted {
		response.Conflict(c, "recording not ready for download")
		return
	}
	if rec.ArchiveKey != "" && h.s3 != nil {
		url, expires, err := h.s3.PresignRecording(c.Request.Context(), rec.ArchiveKey)
		if err != nil {
			h.logger.Error("presign recording download failed", zap.Error(err), zap.String("recording_id", recordingID.String()))
			response.Internal(c, "failed to generate download URL")
			return
		}
		response.OK(c, gin.H{"download_url": url, "expires_in": int(expires.Seconds()), "archived": true})
		return
	}
	response.OK(c, gin.H{"download_url": rec.StorageURL, "archived": false})
}

// ProviderCallback is the body of POST /webhooks/provider/recording.
type ProviderCallback struct {
	RecordingID string `json:"recording_id" binding:"required"`
	Status      string `json:"status" binding:"required,oneof=recording processing completed failed"`
}

// ProviderUpdate handles the provider's recording status callback by reconciling
// the recording immediately instead of waiting for the background loop.
func (h *Handler) ProviderUpdate(c *gin.Context) {
	var body ProviderCallback
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	rec, err := h.coord.HandleProviderUpdate(c.Request.Context(), body.RecordingID, body.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("recording webhook processed",
		zap.String("recording_id", rec.ID.String()),
		zap.String("provider_status", body.Status),
		zap.String("status", string(rec.Status)),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "recording_id": rec.ID, "status": rec.Status})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := errs.Status(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, errs.ErrProviderUnavailable) {
		h.logger.Error("recording request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	response.Fail(c, status, err.Error())
}
