package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/garvit1910/ctrl-hack-del/internal/logging"
)

// ScreeningLog is the audit row written for every completed screening. It
// holds scores and digests only; images and overlays are never persisted.
type ScreeningLog struct {
	ID                 uint      `gorm:"primaryKey"`
	RequestID          string    `gorm:"column:request_id;uniqueIndex;size:64"`
	InputMode          string    `gorm:"column:input_mode;size:16"`
	SpiralPercent      float64   `gorm:"column:spiral_percent"`
	WavePercent        float64   `gorm:"column:wave_percent"`
	ProbabilityPercent float64   `gorm:"column:probability_percent"`
	RiskTier           string    `gorm:"column:risk_tier;size:32;index"`
	ConfidenceScore    float64   `gorm:"column:confidence_score"`
	Unanimous          bool      `gorm:"column:unanimous"`
	SpiralExplained    bool      `gorm:"column:spiral_explained"`
	WaveExplained      bool      `gorm:"column:wave_explained"`
	SpiralSHA1         string    `gorm:"column:spiral_sha1;size:40;index"`
	WaveSHA1           string    `gorm:"column:wave_sha1;size:40;index"`
	LatencyMs          int64     `gorm:"column:latency_ms"`
	CreatedAt          time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ScreeningLog) TableName() string {
	return "screening_logs"
}

// MetricsAggregation holds aggregate statistics over all screening logs.
type MetricsAggregation struct {
	TotalCount         int64
	UnanimousCount     int64
	ExplainedCount     int64
	AverageProbability float64
	AverageLatencyMs   float64
	TierCounts         map[string]int64
}

// ScreeningRepository provides persistence APIs for screening logs.
type ScreeningRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewScreeningRepository creates a new repository instance.
func NewScreeningRepository(db *gorm.DB, logger *zap.Logger) *ScreeningRepository {
	return &ScreeningRepository{
		db:             db,
		logger:         logger.Named("screening_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ScreeningRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ScreeningLog{})
}

// SaveLog persists a screening log entry.
func (r *ScreeningRepository) SaveLog(ctx context.Context, log *ScreeningLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

type totalsRow struct {
	TotalCount         int64
	UnanimousCount     int64
	ExplainedCount     int64
	AverageProbability float64
	AverageLatencyMs   float64
}

type tierRow struct {
	RiskTier string
	Count    int64
}

// AggregateMetrics summarizes every persisted screening.
func (r *ScreeningRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var totals totalsRow
	var tiers []tierRow

	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		db := r.db.WithContext(ctx)
		if err := db.Model(&ScreeningLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN unanimous THEN 1 ELSE 0 END), 0) AS unanimous_count, " +
				"COALESCE(SUM(CASE WHEN spiral_explained AND wave_explained THEN 1 ELSE 0 END), 0) AS explained_count, " +
				"COALESCE(AVG(probability_percent), 0) AS average_probability, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
		).Scan(&totals).Error; err != nil {
			return err
		}
		tiers = tiers[:0]
		return db.Model(&ScreeningLog{}).
			Select("risk_tier, COUNT(*) AS count").
			Group("risk_tier").
			Scan(&tiers).Error
	})
	if err != nil {
		return nil, err
	}
	return buildAggregation(totals, tiers), nil
}

func buildAggregation(totals totalsRow, tiers []tierRow) *MetricsAggregation {
	agg := &MetricsAggregation{
		TotalCount:         totals.TotalCount,
		UnanimousCount:     totals.UnanimousCount,
		ExplainedCount:     totals.ExplainedCount,
		AverageProbability: totals.AverageProbability,
		AverageLatencyMs:   totals.AverageLatencyMs,
		TierCounts:         make(map[string]int64, len(tiers)),
	}
	for _, row := range tiers {
		agg.TierCounts[row.RiskTier] += row.Count
	}
	return agg
}

func (r *ScreeningRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
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
