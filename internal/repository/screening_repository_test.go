package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/garvit1910/ctrl-hack-del/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func newTestRepository(attempts int) *ScreeningRepository {
	return &ScreeningRepository{
		logger:         zap.NewNop(),
		retryAttempts:  attempts,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}
}

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := newTestRepository(3)

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("insert: %w", transientTestError{})
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := newTestRepository(2)

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.RequestID != "req-2" {
		t.Fatalf("unexpected request id: %s", opErr.RequestID)
	}
}

func TestExecuteWithRetryGivesUpAfterLastAttempt(t *testing.T) {
	repo := newTestRepository(3)

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-3", func() error {
		attempts++
		return transientTestError{}
	})

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, transientTestError{}) {
		t.Fatalf("expected wrapped transient error, got %v", err)
	}
}

func TestExecuteWithRetryStopsOnCancelledContext(t *testing.T) {
	repo := newTestRepository(5)
	repo.initialBackoff = time.Second
	repo.maxBackoff = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := repo.executeWithRetry(ctx, "test.operation", "req-4", func() error {
		attempts++
		cancel()
		return transientTestError{}
	})

	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBuildAggregationMergesTierRows(t *testing.T) {
	agg := buildAggregation(
		totalsRow{TotalCount: 4, UnanimousCount: 3, ExplainedCount: 2, AverageProbability: 41.5, AverageLatencyMs: 120},
		[]tierRow{{RiskTier: "Low Risk", Count: 1}, {RiskTier: "High Risk", Count: 2}, {RiskTier: "Low Risk", Count: 1}},
	)

	if agg.TotalCount != 4 || agg.UnanimousCount != 3 || agg.ExplainedCount != 2 {
		t.Fatalf("unexpected counts: %+v", agg)
	}
	if agg.TierCounts["Low Risk"] != 2 {
		t.Fatalf("expected 2 low risk rows, got %d", agg.TierCounts["Low Risk"])
	}
	if agg.TierCounts["High Risk"] != 2 {
		t.Fatalf("expected 2 high risk rows, got %d", agg.TierCounts["High Risk"])
	}
	if _, ok := agg.TierCounts["Mild Risk"]; ok {
		t.Fatal("tiers without rows should be absent")
	}
}

func TestScreeningLogTableName(t *testing.T) {
	if got := (ScreeningLog{}).TableName(); got != "screening_logs" {
		t.Fatalf("unexpected table name: %s", got)
	}
}
