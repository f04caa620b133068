package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/ensemble"
	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/preprocess"
	"github.com/garvit1910/ctrl-hack-del/internal/usecase"
)

// MaxUploadSize is the default limit for one multipart upload request.
const MaxUploadSize = 10 << 20

// Predictor runs screenings and reports aggregate metrics.
type Predictor interface {
	Run(ctx context.Context, spiralImage, waveImage []byte, mode string) (*usecase.PredictionRecord, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// ModelStatus reports the model lifecycle.
type ModelStatus interface {
	Ready() bool
	Info() ([]model.Info, error)
}

// Options configure the HTTP surface.
type Options struct {
	Version        string
	ImageSize      int
	Weights        ensemble.Weights
	AllowedOrigins []string
	MaxUploadBytes int64
	Logger         *zap.Logger
}

type handler struct {
	uc     Predictor
	models ModelStatus
	opts   Options
	logger *zap.Logger
}

type predictRequest struct {
	SpiralImage string `json:"spiral_image"`
	WaveImage   string `json:"wave_image"`
	InputMode   string `json:"input_mode"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware
// guards the screening and metrics endpoints; health and model info stay public.
func RegisterRoutes(router *gin.Engine, uc Predictor, models ModelStatus, authMiddleware gin.HandlerFunc, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &handler{uc: uc, models: models, opts: opts, logger: opts.Logger.Named("http")}

	router.Use(CORS(opts.AllowedOrigins))

	router.GET("/health", h.health)
	router.GET("/model-info", h.modelInfo)

	protected := router.Group("/")
	protected.Use(authMiddleware)
	protected.POST("/predict", h.predict)
	protected.POST("/predict/upload", h.predictUpload)
	protected.GET("/metrics/summary", h.metricsSummary)
}

func (h *handler) health(c *gin.Context) {
	ready := h.models.Ready()
	status := "loading"
	if ready {
		status = "healthy"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"models_loaded": ready,
		"version":       h.opts.Version,
	})
}

func (h *handler) modelInfo(c *gin.Context) {
	infos, err := h.models.Info()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":      h.opts.Version,
		"image_size":   h.opts.ImageSize,
		"weights":      h.opts.Weights,
		"risk_tiers":   ensemble.RiskTiers,
		"vote_cutoff":  ensemble.VoteThreshold,
		"input_modes":  []ensemble.Mode{ensemble.ModeDrawn, ensemble.ModeUploaded},
		"models":       infos,
		"explanations": "grad-cam",
	})
}

func (h *handler) predict(c *gin.Context) {
	// Base64 inflates payloads by a third; leave room for two images.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 3*h.opts.MaxUploadBytes)

	var req predictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		h.respondError(c, apperr.Invalid("body", "invalid JSON: %v", err))
		return
	}
	if req.InputMode == "" {
		req.InputMode = string(ensemble.ModeDrawn)
	}

	spiral, err := decodeField("spiral_image", req.SpiralImage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	wave, err := decodeField("wave_image", req.WaveImage)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.run(c, spiral, wave, req.InputMode)
}

func (h *handler) predictUpload(c *gin.Context) {
	if c.Request.ContentLength > h.opts.MaxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)

	spiral, status, err := readImagePart(c, "spiral")
	if err != nil {
		uploadError(c, status, err)
		return
	}
	wave, status, err := readImagePart(c, "wave")
	if err != nil {
		uploadError(c, status, err)
		return
	}

	mode := c.PostForm("input_mode")
	if mode == "" {
		mode = string(ensemble.ModeUploaded)
	}
	h.run(c, spiral, wave, mode)
}

func (h *handler) run(c *gin.Context, spiral, wave []byte, mode string) {
	record, err := h.uc.Run(c.Request.Context(), spiral, wave, mode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.newPredictionResponse(record))
}

func (h *handler) metricsSummary(c *gin.Context) {
	summary, err := h.uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		if errors.Is(err, usecase.ErrAuditDisabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func uploadError(c *gin.Context, status int, err error) {
	body := gin.H{"error": err.Error()}
	if errors.Is(err, apperr.ErrValidation) {
		body["error_type"] = apperr.Kind(err)
	}
	c.JSON(status, body)
}

func decodeField(field, payload string) ([]byte, error) {
	raw, err := preprocess.DecodeEnvelope(payload)
	if err != nil {
		var verr *apperr.ValidationError
		if errors.As(err, &verr) {
			return nil, &apperr.ValidationError{Field: field, Reason: verr.Reason}
		}
		return nil, err
	}
	return raw, nil
}

func readImagePart(c *gin.Context, field string) ([]byte, int, error) {
	file, err := c.FormFile(field)
	if err != nil {
		if isTooLarge(err) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
		}
		return nil, http.StatusBadRequest, apperr.Invalid(field, "image file is required")
	}
	if ct := file.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, http.StatusUnsupportedMediaType, apperr.Invalid(field, "unsupported content type %q", ct)
	}

	data, err := readFile(file)
	if err != nil {
		return nil, http.StatusBadRequest, apperr.Invalid(field, "unable to read image")
	}
	return data, http.StatusOK, nil
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large")
}
