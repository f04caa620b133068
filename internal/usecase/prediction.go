package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/ensemble"
	"github.com/garvit1910/ctrl-hack-del/internal/logging"
	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/repository"
	"github.com/garvit1910/ctrl-hack-del/internal/saliency"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

// Stream names identify the two drawings of a screening.
const (
	StreamSpiral = "spiral"
	StreamWave   = "wave"
)

// ModelProvider hands out the loaded adapter pair.
type ModelProvider interface {
	Pair() (spiral, wave model.Adapter, err error)
}

// Normalizer turns encoded image bytes into the canonical tensor.
type Normalizer interface {
	Normalize(encoded []byte) (*tensor.Image, error)
}

// ScreeningRepository defines the persistence operations needed by the use case.
type ScreeningRepository interface {
	SaveLog(ctx context.Context, log *repository.ScreeningLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Explanation is the saliency outcome for one drawing. Exactly one of
// Overlay and Err is set.
type Explanation struct {
	Layer   model.LayerID
	Heatmap *tensor.Heatmap
	Overlay *image.RGBA
	Err     error
}

// Available reports whether an overlay was produced.
func (e Explanation) Available() bool {
	return e.Overlay != nil
}

// PredictionRecord is the outcome of one screening request. It is built
// fresh per request and never stored.
type PredictionRecord struct {
	RequestID string
	Result    ensemble.Result
	Spiral    Explanation
	Wave      Explanation
}

// PredictionUseCase orchestrates normalization, inference, ensembling and
// explanation for a spiral and wave drawing pair.
type PredictionUseCase struct {
	models         ModelProvider
	normalizer     Normalizer
	classifier     *ensemble.Classifier
	cache          Cache
	repo           ScreeningRepository
	logger         *zap.Logger
	requestTimeout time.Duration
	scoreTTL       time.Duration
	targetLayer    model.LayerID
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customizes a PredictionUseCase.
type Option func(*PredictionUseCase)

// WithScoreCache memoizes per-model scores in cache for ttl.
func WithScoreCache(cache Cache, ttl time.Duration) Option {
	return func(uc *PredictionUseCase) {
		uc.cache = cache
		uc.scoreTTL = ttl
	}
}

// WithRepository records an audit row for every completed screening.
func WithRepository(repo ScreeningRepository) Option {
	return func(uc *PredictionUseCase) { uc.repo = repo }
}

// WithRequestTimeout bounds each Run call.
func WithRequestTimeout(d time.Duration) Option {
	return func(uc *PredictionUseCase) { uc.requestTimeout = d }
}

// WithTargetLayer explains layer instead of the layer each model selects.
func WithTargetLayer(layer model.LayerID) Option {
	return func(uc *PredictionUseCase) { uc.targetLayer = layer }
}

// WithRetry overrides the cache retry policy.
func WithRetry(attempts int, initial, max time.Duration) Option {
	return func(uc *PredictionUseCase) {
		uc.retryAttempts = attempts
		uc.initialBackoff = initial
		uc.maxBackoff = max
	}
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(models ModelProvider, normalizer Normalizer, classifier *ensemble.Classifier, logger *zap.Logger, opts ...Option) *PredictionUseCase {
	uc := &PredictionUseCase{
		models:         models,
		normalizer:     normalizer,
		classifier:     classifier,
		logger:         logger.Named("prediction_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// stream carries one drawing through the pipeline.
type stream struct {
	name    string
	raw     []byte
	digest  string
	adapter model.Adapter
	image   *tensor.Image
	score   model.Score
	explain Explanation
}

// Run screens one spiral and wave pair. Normalization and scoring failures
// abort the request; explanation failures only leave that overlay empty.
func (uc *PredictionUseCase) Run(ctx context.Context, spiralImage, waveImage []byte, mode string) (*PredictionRecord, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)
	start := time.Now()

	inputMode, err := ensemble.ParseMode(mode)
	if err != nil {
		return nil, err
	}

	spiralModel, waveModel, err := uc.models.Pair()
	if err != nil {
		return nil, err
	}

	if uc.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.requestTimeout)
		defer cancel()
	}

	streams := []*stream{
		{name: StreamSpiral, raw: spiralImage, adapter: spiralModel},
		{name: StreamWave, raw: waveImage, adapter: waveModel},
	}

	if err := uc.forEach(ctx, streams, func(_ context.Context, s *stream) error {
		return uc.normalize(requestID, s)
	}); err != nil {
		opLogger.Warn("rejected input", zap.Error(err))
		return nil, err
	}

	if err := uc.forEach(ctx, streams, func(ctx context.Context, s *stream) error {
		return uc.score(ctx, requestID, s)
	}); err != nil {
		opLogger.Error("inference failed", zap.Error(err))
		return nil, err
	}

	result, err := uc.classifier.Classify(float64(streams[0].score), float64(streams[1].score), inputMode)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.classify", requestID, err)
		opLogger.Error("classification failed", zap.Error(wrapped))
		return nil, wrapped
	}

	if err := uc.forEach(ctx, streams, func(ctx context.Context, s *stream) error {
		return uc.explain(ctx, requestID, s)
	}); err != nil {
		opLogger.Error("explanation aborted", zap.Error(err))
		return nil, err
	}

	record := &PredictionRecord{
		RequestID: requestID,
		Result:    result,
		Spiral:    streams[0].explain,
		Wave:      streams[1].explain,
	}

	latency := time.Since(start)
	uc.audit(ctx, record, streams, latency)

	opLogger.Info("screening complete",
		zap.Float64("pd_probability_percent", result.ProbabilityPercent),
		zap.String("risk_tier", result.RiskTier),
		zap.Bool("spiral_overlay", record.Spiral.Available()),
		zap.Bool("wave_overlay", record.Wave.Available()),
		zap.Duration("latency", latency),
	)
	return record, nil
}

func (uc *PredictionUseCase) forEach(ctx context.Context, streams []*stream, fn func(context.Context, *stream) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		s := s
		g.Go(func() error { return fn(gctx, s) })
	}
	return g.Wait()
}

func (uc *PredictionUseCase) normalize(requestID string, s *stream) error {
	sum := sha1.Sum(s.raw)
	s.digest = hex.EncodeToString(sum[:])

	img, err := uc.normalizer.Normalize(s.raw)
	if err != nil {
		var verr *apperr.ValidationError
		if errors.As(err, &verr) {
			return &apperr.ValidationError{Field: s.name + "_image", Reason: verr.Reason}
		}
		return logging.NewStreamError("usecase.normalize", requestID, s.name, err)
	}
	s.image = img
	return nil
}

func (uc *PredictionUseCase) score(ctx context.Context, requestID string, s *stream) error {
	key := scoreKey(s.adapter.Name(), s.digest)
	if score, ok := uc.cachedScore(ctx, requestID, key); ok {
		s.score = score
		return nil
	}

	score, err := model.PredictOne(ctx, s.adapter, s.image)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return logging.NewStreamError("usecase.predict", requestID, s.name, err)
	}
	s.score = score

	if uc.cache != nil {
		value := strconv.FormatFloat(float64(score), 'g', -1, 64)
		if err := uc.withRedisRetry(ctx, requestID, "cache.set.score", func() error {
			return uc.cache.Set(ctx, key, value, uc.scoreTTL)
		}); err != nil {
			logging.WithOperation(uc.logger, "usecase.predict", requestID).Warn("failed to cache score", zap.String("stream", s.name), zap.Error(err))
		}
	}
	return nil
}

func (uc *PredictionUseCase) cachedScore(ctx context.Context, requestID, key string) (model.Score, bool) {
	if uc.cache == nil {
		return 0, false
	}
	cached, err := uc.withRedisGet(ctx, requestID, "cache.get.score", key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.predict", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return 0, false
	}
	v, err := strconv.ParseFloat(cached, 64)
	if err != nil || v < 0 || v > 1 {
		logging.WithOperation(uc.logger, "usecase.predict", requestID).Warn("ignoring malformed cached score", zap.String("key", key), zap.String("value", cached))
		return 0, false
	}
	return model.Score(v), true
}

func (uc *PredictionUseCase) explain(ctx context.Context, requestID string, s *stream) error {
	var opts []saliency.Option
	if uc.targetLayer != "" {
		opts = append(opts, saliency.WithLayer(uc.targetLayer))
	}
	res, err := saliency.Generate(ctx, s.adapter, s.image, opts...)
	if err != nil {
		if !errors.Is(err, apperr.ErrExplainability) {
			return logging.NewStreamError("usecase.explain", requestID, s.name, err)
		}
		logging.WithOperation(uc.logger, "usecase.explain", requestID).Warn("overlay unavailable",
			zap.String("stream", s.name), zap.Error(err))
		s.explain = Explanation{Err: err}
		return nil
	}
	s.explain = Explanation{Layer: res.Layer, Heatmap: res.Heatmap, Overlay: res.Overlay}
	return nil
}

func (uc *PredictionUseCase) audit(ctx context.Context, record *PredictionRecord, streams []*stream, latency time.Duration) {
	if uc.repo == nil {
		return
	}
	res := record.Result
	log := &repository.ScreeningLog{
		RequestID:          record.RequestID,
		InputMode:          string(res.InputMode),
		SpiralPercent:      res.SpiralPercent,
		WavePercent:        res.WavePercent,
		ProbabilityPercent: res.ProbabilityPercent,
		RiskTier:           res.RiskTier,
		ConfidenceScore:    res.ConfidenceScore,
		Unanimous:          res.Unanimous,
		SpiralExplained:    record.Spiral.Available(),
		WaveExplained:      record.Wave.Available(),
		SpiralSHA1:         streams[0].digest,
		WaveSHA1:           streams[1].digest,
		LatencyMs:          latency.Milliseconds(),
		CreatedAt:          time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", record.RequestID, err)
		logging.WithOperation(uc.logger, "usecase.save_log", record.RequestID).Error("failed to persist screening log", zap.Error(wrapped))
	}
}

func scoreKey(modelName, digest string) string {
	return fmt.Sprintf("score:%s:%s", modelName, digest)
}

func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
