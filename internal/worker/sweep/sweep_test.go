package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/authhub/internal/metrics"
)

type mockSweeper struct {
	sweepFn func(ctx context.Context, now time.Time) (int64, int64, error)
	calls   atomic.Int64
}

func (m *mockSweeper) Sweep(ctx context.Context, now time.Time) (int64, int64, error) {
	m.calls.Add(1)
	return m.sweepFn(ctx, now)
}

type sweptCollector struct {
	metrics.NopCollector
	deactivated int64
	deleted     int64
	records     int
}

func (c *sweptCollector) RecordSweptSessions(deactivated, deleted int64) {
	c.deactivated += deactivated
	c.deleted += deleted
	c.records++
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepJob_Run(t *testing.T) {
	sweeper := &mockSweeper{
		sweepFn: func(_ context.Context, now time.Time) (int64, int64, error) {
			if now.IsZero() {
				t.Error("expected non-zero sweep time")
			}
			return 5, 2, nil
		},
	}
	collector := &sweptCollector{}
	job := NewSweepJob(sweeper, testLogger(), collector)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if collector.deactivated != 5 || collector.deleted != 2 {
		t.Errorf("expected metrics 5/2, got %d/%d", collector.deactivated, collector.deleted)
	}
	if collector.records != 1 {
		t.Errorf("expected 1 metric record, got %d", collector.records)
	}
}

func TestSweepJob_Run_NoTargets(t *testing.T) {
	// 対象がない場合もエラーにならない（冪等）
	sweeper := &mockSweeper{
		sweepFn: func(context.Context, time.Time) (int64, int64, error) {
			return 0, 0, nil
		},
	}
	job := NewSweepJob(sweeper, testLogger(), nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSweepJob_Run_Error(t *testing.T) {
	sweeper := &mockSweeper{
		sweepFn: func(context.Context, time.Time) (int64, int64, error) {
			return 0, 0, errors.New("db down")
		},
	}
	collector := &sweptCollector{}
	job := NewSweepJob(sweeper, testLogger(), collector)

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if collector.records != 0 {
		t.Errorf("metrics should not be recorded on failure, got %d records", collector.records)
	}
}

func TestSweepJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	sweeper := &mockSweeper{
		sweepFn: func(context.Context, time.Time) (int64, int64, error) {
			return 0, 0, nil
		},
	}
	job := NewSweepJob(sweeper, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	// 起動直後の1回目の実行を待つ
	deadline := time.After(2 * time.Second)
	for sweeper.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("initial sweep did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not stop after context cancel")
	}
}
