package usecase

import (
	"context"
	"errors"

	"github.com/garvit1910/ctrl-hack-del/internal/ensemble"
)

// ErrAuditDisabled is returned by GetMetricsSummary when no repository is configured.
var ErrAuditDisabled = errors.New("screening audit is not configured")

// MetricsSummary represents aggregated screening insights.
type MetricsSummary struct {
	TotalScreenings           int64            `json:"total_screenings"`
	AverageProbabilityPercent float64          `json:"average_probability_percent"`
	AverageLatencyMs          float64          `json:"average_latency_ms"`
	UnanimousRate             float64          `json:"unanimous_rate"`
	ExplainedRate             float64          `json:"explained_rate"`
	RiskTiers                 map[string]int64 `json:"risk_tiers"`
}

// GetMetricsSummary aggregates screening metrics from persisted logs.
func (uc *PredictionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalScreenings:           aggregation.TotalCount,
		AverageProbabilityPercent: aggregation.AverageProbability,
		AverageLatencyMs:          aggregation.AverageLatencyMs,
		RiskTiers:                 make(map[string]int64, len(ensemble.RiskTiers)),
	}
	for _, label := range ensemble.TierLabels() {
		summary.RiskTiers[label] = aggregation.TierCounts[label]
	}

	if aggregation.TotalCount > 0 {
		summary.UnanimousRate = float64(aggregation.UnanimousCount) / float64(aggregation.TotalCount)
		summary.ExplainedRate = float64(aggregation.ExplainedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
