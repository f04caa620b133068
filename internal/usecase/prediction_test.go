package usecase

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/ensemble"
	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/model/modeltest"
	"github.com/garvit1910/ctrl-hack-del/internal/preprocess"
	"github.com/garvit1910/ctrl-hack-del/internal/repository"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubModels struct {
	spiral, wave model.Adapter
	err          error
	calls        int
}

func (s *stubModels) Pair() (model.Adapter, model.Adapter, error) {
	s.calls++
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.spiral, s.wave, nil
}

type stubCache struct {
	mu      sync.Mutex
	values  map[string]string
	getErrs []error
	setErr  error
	gets    int
	sets    int
}

func (c *stubCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	if c.values == nil {
		c.values = map[string]string{}
	}
	c.values[key] = value.(string)
	return nil
}

func (c *stubCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if len(c.getErrs) > 0 {
		err := c.getErrs[0]
		c.getErrs = c.getErrs[1:]
		return "", err
	}
	v, ok := c.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

type stubRepo struct {
	mu      sync.Mutex
	logs    []*repository.ScreeningLog
	saveErr error
	agg     *repository.MetricsAggregation
	aggErr  error
}

func (r *stubRepo) SaveLog(_ context.Context, log *repository.ScreeningLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.logs = append(r.logs, log)
	return nil
}

func (r *stubRepo) AggregateMetrics(context.Context) (*repository.MetricsAggregation, error) {
	return r.agg, r.aggErr
}

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func drawingPNG(t *testing.T, stroke int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.White)
		}
	}
	for i := 4; i < 28; i++ {
		img.Set(i, stroke, color.Black)
		img.Set(stroke, i, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func featureMap(t *testing.T, data ...float32) *tensor.FeatureMap {
	t.Helper()
	fm, err := tensor.NewFeatureMap(2, 2, 1, data)
	if err != nil {
		t.Fatalf("feature map: %v", err)
	}
	return fm
}

func explainableFake(t *testing.T, name string, score model.Score) *modeltest.Fake {
	return &modeltest.Fake{
		ModelName:   name,
		Score:       score,
		LayerList:   modeltest.SpatialLayers(1),
		Activations: featureMap(t, 0, 1, 2, 3),
		Gradients:   featureMap(t, 1, 1, 1, 1),
	}
}

func newTestUseCase(t *testing.T, models ModelProvider, opts ...Option) *PredictionUseCase {
	t.Helper()
	classifier, err := ensemble.NewClassifier(ensemble.DefaultWeights)
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	opts = append([]Option{WithRetry(3, time.Millisecond, 2*time.Millisecond)}, opts...)
	return NewPredictionUseCase(models, preprocess.NewNormalizer(16), classifier, zap.NewNop(), opts...)
}

func TestRunUploadedPairProducesRecord(t *testing.T) {
	spiral := explainableFake(t, "spiral_cnn", 0.9)
	wave := explainableFake(t, "wave_cnn", 0.7)
	repo := &stubRepo{}
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave}, WithRepository(repo))

	spiralPNG, wavePNG := drawingPNG(t, 8), drawingPNG(t, 20)
	record, err := uc.Run(context.Background(), spiralPNG, wavePNG, "uploaded")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	res := record.Result
	if res.ProbabilityPercent != 80 {
		t.Fatalf("expected 80%%, got %v", res.ProbabilityPercent)
	}
	if res.RiskTier != "Elevated Risk" {
		t.Fatalf("unexpected tier %q", res.RiskTier)
	}
	if res.InputMode != ensemble.ModeUploaded {
		t.Fatalf("unexpected mode %q", res.InputMode)
	}
	if !record.Spiral.Available() || !record.Wave.Available() {
		t.Fatal("expected both overlays")
	}
	if got := record.Spiral.Overlay.Bounds(); got != image.Rect(0, 0, 16, 16) {
		t.Fatalf("overlay should match the canonical size, got %v", got)
	}
	if record.Spiral.Layer != model.CanonicalTargetLayer {
		t.Fatalf("unexpected layer %q", record.Spiral.Layer)
	}
	if record.RequestID == "" {
		t.Fatal("expected a request id")
	}

	if len(repo.logs) != 1 {
		t.Fatalf("expected one audit row, got %d", len(repo.logs))
	}
	row := repo.logs[0]
	if row.RequestID != record.RequestID || row.RiskTier != res.RiskTier || !row.SpiralExplained || !row.WaveExplained {
		t.Fatalf("unexpected audit row: %+v", row)
	}
	sum := sha1.Sum(spiralPNG)
	if row.SpiralSHA1 != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected spiral digest %s", row.SpiralSHA1)
	}
}

func TestRunIsolatesExplanationFailure(t *testing.T) {
	spiral := explainableFake(t, "spiral_cnn", 0.2)
	wave := &modeltest.Fake{ModelName: "wave_cnn", Score: 0.4, LayerList: modeltest.SpatialLayers(1), GradientErr: errors.New("no gradient graph")}
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave})

	record, err := uc.Run(context.Background(), drawingPNG(t, 8), drawingPNG(t, 20), "drawn")
	if err != nil {
		t.Fatalf("explanation failure must not abort the request: %v", err)
	}
	if !record.Spiral.Available() {
		t.Fatal("spiral overlay should survive a wave failure")
	}
	if record.Wave.Available() {
		t.Fatal("wave overlay should be absent")
	}
	if !errors.Is(record.Wave.Err, apperr.ErrExplainability) {
		t.Fatalf("expected explainability error, got %v", record.Wave.Err)
	}
	if record.Result.ProbabilityPercent != 30 {
		t.Fatalf("scores should be unaffected, got %v", record.Result.ProbabilityPercent)
	}
}

func TestRunExplainsConfiguredLayer(t *testing.T) {
	spiral := explainableFake(t, "spiral_cnn", 0.6)
	wave := explainableFake(t, "wave_cnn", 0.6)
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave}, WithTargetLayer("block_13"))

	record, err := uc.Run(context.Background(), drawingPNG(t, 8), drawingPNG(t, 20), "drawn")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if spiral.LastLayer() != "block_13" || wave.LastLayer() != "block_13" {
		t.Fatalf("expected configured layer, got %q and %q", spiral.LastLayer(), wave.LastLayer())
	}
	if record.Spiral.Layer != "block_13" {
		t.Fatalf("unexpected recorded layer %q", record.Spiral.Layer)
	}
}

func TestRunBothExplanationsMayFail(t *testing.T) {
	spiral := &modeltest.Fake{Score: 0.5}
	wave := &modeltest.Fake{Score: 0.5}
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave})

	record, err := uc.Run(context.Background(), drawingPNG(t, 8), drawingPNG(t, 20), "drawn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Spiral.Available() || record.Wave.Available() {
		t.Fatal("models without spatial layers cannot be explained")
	}
	if !errors.Is(record.Spiral.Err, apperr.ErrNoTargetLayer) {
		t.Fatalf("expected missing layer cause, got %v", record.Spiral.Err)
	}
}

func TestRunRejectsUndecodableImageBeforeInference(t *testing.T) {
	spiral := explainableFake(t, "spiral_cnn", 0.5)
	wave := explainableFake(t, "wave_cnn", 0.5)
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave})

	_, err := uc.Run(context.Background(), drawingPNG(t, 8), []byte("not an image"), "drawn")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) || verr.Field != "wave_image" {
		t.Fatalf("expected wave_image field, got %v", err)
	}
	if spiral.PredictCalls() != 0 || wave.PredictCalls() != 0 {
		t.Fatal("inference should not run after a normalization failure")
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	models := &stubModels{}
	uc := newTestUseCase(t, models)

	_, err := uc.Run(context.Background(), nil, nil, "scanned")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if models.calls != 0 {
		t.Fatal("models should not be consulted for an invalid mode")
	}
}

func TestRunReportsUnavailableModels(t *testing.T) {
	uc := newTestUseCase(t, &stubModels{err: apperr.ErrModelUnavailable})

	_, err := uc.Run(context.Background(), drawingPNG(t, 8), drawingPNG(t, 20), "drawn")
	if !errors.Is(err, apperr.ErrModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
}

func TestRunAbortsOnInferenceFailure(t *testing.T) {
	spiral := explainableFake(t, "spiral_cnn", 0.5)
	wave := &modeltest.Fake{ModelName: "wave_cnn", PredictErr: errors.New("session closed")}
	repo := &stubRepo{}
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave}, WithRepository(repo))

	_, err := uc.Run(context.Background(), drawingPNG(t, 8), drawingPNG(t, 20), "drawn")
	if err == nil {
		t.Fatal("expected inference failure")
	}
	if errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("inference failure is not a validation error: %v", err)
	}
	if len(repo.logs) != 0 {
		t.Fatal("failed screenings are not audited")
	}
}

func TestRunPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	uc := newTestUseCase(t, &stubModels{spiral: explainableFake(t, "a", 0.5), wave: explainableFake(t, "b", 0.5)})
	_, err := uc.Run(ctx, drawingPNG(t, 8), drawingPNG(t, 20), "drawn")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunUsesCachedScores(t *testing.T) {
	spiral := explainableFake(t, "spiral_cnn", 0.1)
	wave := explainableFake(t, "wave_cnn", 0.1)
	spiralPNG := drawingPNG(t, 8)
	sum := sha1.Sum(spiralPNG)
	cache := &stubCache{values: map[string]string{
		"score:spiral_cnn:" + hex.EncodeToString(sum[:]): "0.8",
	}}
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave}, WithScoreCache(cache, time.Hour))

	record, err := uc.Run(context.Background(), spiralPNG, drawingPNG(t, 20), "drawn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spiral.PredictCalls() != 0 {
		t.Fatal("cached spiral score should skip inference")
	}
	if wave.PredictCalls() != 1 {
		t.Fatalf("expected one wave inference, got %d", wave.PredictCalls())
	}
	if record.Result.SpiralPercent != 80 {
		t.Fatalf("expected cached spiral score, got %v", record.Result.SpiralPercent)
	}
	if cache.sets != 1 {
		t.Fatalf("expected only the wave score to be cached, got %d sets", cache.sets)
	}
}

func TestRunRetriesTransientCacheErrors(t *testing.T) {
	spiral := explainableFake(t, "spiral_cnn", 0.3)
	wave := explainableFake(t, "wave_cnn", 0.6)
	cache := &stubCache{getErrs: []error{transientTestError{}}}
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave}, WithScoreCache(cache, time.Hour))

	if _, err := uc.Run(context.Background(), drawingPNG(t, 8), drawingPNG(t, 20), "drawn"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.gets != 3 {
		t.Fatalf("expected one retried read, got %d reads", cache.gets)
	}
	if cache.sets != 2 {
		t.Fatalf("expected both scores cached, got %d", cache.sets)
	}
}

func TestRunFallsBackWhenCacheIsDown(t *testing.T) {
	spiral := explainableFake(t, "spiral_cnn", 0.3)
	wave := explainableFake(t, "wave_cnn", 0.6)
	down := errors.New("connection refused")
	cache := &stubCache{getErrs: []error{down, down}, setErr: down}
	repo := &stubRepo{saveErr: errors.New("database unavailable")}
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave}, WithScoreCache(cache, time.Hour), WithRepository(repo))

	record, err := uc.Run(context.Background(), drawingPNG(t, 8), drawingPNG(t, 20), "drawn")
	if err != nil {
		t.Fatalf("cache and audit failures must not fail the request: %v", err)
	}
	if record.Result.ProbabilityPercent != 45 {
		t.Fatalf("unexpected probability %v", record.Result.ProbabilityPercent)
	}
	if spiral.PredictCalls() != 1 || wave.PredictCalls() != 1 {
		t.Fatal("expected inference after cache failure")
	}
}

func TestRunIgnoresMalformedCachedScore(t *testing.T) {
	spiral := explainableFake(t, "spiral_cnn", 0.3)
	wave := explainableFake(t, "wave_cnn", 0.6)
	spiralPNG := drawingPNG(t, 8)
	sum := sha1.Sum(spiralPNG)
	cache := &stubCache{values: map[string]string{
		"score:spiral_cnn:" + hex.EncodeToString(sum[:]): "1.7",
	}}
	uc := newTestUseCase(t, &stubModels{spiral: spiral, wave: wave}, WithScoreCache(cache, time.Hour))

	record, err := uc.Run(context.Background(), spiralPNG, drawingPNG(t, 20), "drawn")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spiral.PredictCalls() != 1 {
		t.Fatal("out of range cached score should be recomputed")
	}
	if record.Result.SpiralPercent != 30 {
		t.Fatalf("unexpected spiral percent %v", record.Result.SpiralPercent)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepo{agg: &repository.MetricsAggregation{
		TotalCount:         4,
		UnanimousCount:     3,
		ExplainedCount:     2,
		AverageProbability: 51.25,
		AverageLatencyMs:   80,
		TierCounts:         map[string]int64{"High Risk": 3, "Low Risk": 1},
	}}
	uc := newTestUseCase(t, &stubModels{}, WithRepository(repo))

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalScreenings != 4 || summary.UnanimousRate != 0.75 || summary.ExplainedRate != 0.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.RiskTiers) != len(ensemble.RiskTiers) {
		t.Fatalf("every tier should be reported, got %v", summary.RiskTiers)
	}
	if summary.RiskTiers["High Risk"] != 3 || summary.RiskTiers["Mild Risk"] != 0 {
		t.Fatalf("unexpected tier counts: %v", summary.RiskTiers)
	}
}

func TestGetMetricsSummaryWithoutRepository(t *testing.T) {
	uc := newTestUseCase(t, &stubModels{})
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrAuditDisabled) {
		t.Fatalf("expected ErrAuditDisabled, got %v", err)
	}
}
