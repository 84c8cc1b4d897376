// Package sweep はセッションの定期掃除ジョブを提供する。
// 有効期限を超過したアクティブセッションの非アクティブ化と、
// 保持期間（デフォルト30日）を超過した行の物理削除を定期バッチで実行する。
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authhub/internal/metrics"
)

// SessionSweeper はセッション掃除の実行インターフェース。
type SessionSweeper interface {
	// Sweep は期限切れセッションの非アクティブ化と古い行の削除を行い、
	// それぞれの件数を返す。
	Sweep(ctx context.Context, now time.Time) (deactivated, deleted int64, err error)
}

// SweepJob は期限切れセッションの定期掃除ジョブ。
// 両フェーズとも冪等であり、同一時刻で再実行しても安全。
type SweepJob struct {
	sessions  SessionSweeper
	logger    *slog.Logger
	collector metrics.MetricsCollector
}

// NewSweepJob は新しいSweepJobを生成する。
func NewSweepJob(sessions SessionSweeper, logger *slog.Logger, collector metrics.MetricsCollector) *SweepJob {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &SweepJob{
		sessions:  sessions,
		logger:    logger,
		collector: collector,
	}
}

// Start は指定間隔のティッカーでスイープを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *SweepJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションスイープを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := j.Run(ctx); err != nil {
		j.logger.Error("セッションスイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションスイープを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("セッションスイープの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run はスイープを1回実行する。
// 冪等: 対象がない場合でもエラーにならない。
func (j *SweepJob) Run(ctx context.Context) error {
	start := time.Now()

	deactivated, deleted, err := j.sessions.Sweep(ctx, start)
	if err != nil {
		return fmt.Errorf("セッションスイープの実行に失敗: %w", err)
	}

	j.collector.RecordSweptSessions(deactivated, deleted)

	duration := time.Since(start)
	j.logger.Info("セッションスイープが完了しました",
		slog.Int64("deactivated_count", deactivated),
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
