package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/ensemble"
	"github.com/garvit1910/ctrl-hack-del/internal/saliency"
	"github.com/garvit1910/ctrl-hack-del/internal/usecase"
)

// statusClientClosedRequest is written when the caller went away mid-request.
const statusClientClosedRequest = 499

// retryAfterSeconds is advertised while the models are loading.
const retryAfterSeconds = "5"

type predictionResponse struct {
	ensemble.Result
	SpiralGradcam *string `json:"spiral_gradcam_base64"`
	WaveGradcam   *string `json:"wave_gradcam_base64"`
	RequestID     string  `json:"request_id"`
}

func (h *handler) newPredictionResponse(record *usecase.PredictionRecord) predictionResponse {
	return predictionResponse{
		Result:        record.Result,
		SpiralGradcam: h.overlayURI(record.RequestID, usecase.StreamSpiral, record.Spiral),
		WaveGradcam:   h.overlayURI(record.RequestID, usecase.StreamWave, record.Wave),
		RequestID:     record.RequestID,
	}
}

// overlayURI encodes an overlay for transport; an absent overlay is null.
func (h *handler) overlayURI(requestID, stream string, e usecase.Explanation) *string {
	if !e.Available() {
		return nil
	}
	uri, err := saliency.DataURI(e.Overlay)
	if err != nil {
		h.logger.Warn("failed to encode overlay",
			zap.String("request_id", requestID), zap.String("stream", stream), zap.Error(err))
		return nil
	}
	return &uri
}

func (h *handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		message := err.Error()
		var verr *apperr.ValidationError
		if errors.As(err, &verr) {
			message = verr.Error()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": message, "error_type": apperr.Kind(err)})
	case errors.Is(err, apperr.ErrModelUnavailable):
		c.Header("Retry-After", retryAfterSeconds)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "Models are still loading. Try again in a few seconds.",
			"error_type": apperr.Kind(err),
		})
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("request timed out", zap.Error(err))
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "prediction timed out", "error_type": "TimeoutError"})
	case errors.Is(err, context.Canceled):
		h.logger.Info("client cancelled request", zap.Error(err))
		c.AbortWithStatus(statusClientClosedRequest)
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "error_type": apperr.Kind(err)})
	}
}
