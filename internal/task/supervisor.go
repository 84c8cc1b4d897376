// Package task はバックグラウンドタスクの監督機能を提供する。
// 切り離されたタスクの失敗捕捉と、トランザクションスコープ付き実行を含む。
package task

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/authhub/internal/metrics"
	"github.com/hitoshi/authhub/internal/repository"
)

// Supervisor は呼び出し元から切り離されたバックグラウンドタスクを管理する。
// タスクの失敗（エラー・panic）は必ず捕捉・記録され、呼び出し元には伝播しない。
type Supervisor struct {
	txBeginner repository.TxBeginner
	logger     *slog.Logger
	collector  metrics.MetricsCollector
	wg         sync.WaitGroup
}

// NewSupervisor はSupervisorを生成する。
// txBeginnerはRunWithTxを使わない場合nilでもよい。
func NewSupervisor(txBeginner repository.TxBeginner, logger *slog.Logger, collector metrics.MetricsCollector) *Supervisor {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Supervisor{
		txBeginner: txBeginner,
		logger:     logger,
		collector:  collector,
	}
}

// RunDetached はタスクを独立したゴルーチンで起動し、即座に制御を返す。
// タスクのエラーとpanicは捕捉してログとメトリクスに記録するのみで、
// 呼び出し元のリクエスト処理に影響を与えることはない。
func (s *Supervisor) RunDetached(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.recordFailure(name, fmt.Errorf("panic: %v", r))
			}
		}()

		// 呼び出し元のリクエストコンテキストには紐付けない。
		// リクエスト完了後もタスクは継続する。
		if err := fn(context.Background()); err != nil {
			s.recordFailure(name, err)
			return
		}

		s.logger.Debug("バックグラウンドタスクが完了しました",
			slog.String("task", name),
		)
	}()
}

// RunWithTx はトランザクションスコープ付きでタスクを切り離し実行する。
// 正常終了時はコミット、エラー時はロールバックし、
// どちらの経路でもトランザクションは必ず解放される。
func (s *Supervisor) RunWithTx(name string, fn func(ctx context.Context, tx *sql.Tx) error) {
	s.RunDetached(name, func(ctx context.Context) error {
		tx, err := s.txBeginner.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(ctx, tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// Shutdown は実行中のタスクの完了をtimeoutまで待つ。
// 時間内に完了しなかった場合はタスクを見捨てたことをログに残して戻る。
// プロセス終了をブロックし続けることはない。
func (s *Supervisor) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("全てのバックグラウンドタスクが完了しました")
	case <-time.After(timeout):
		s.logger.Warn("バックグラウンドタスクの完了を待ちきれず終了します",
			slog.Duration("timeout", timeout),
		)
	}
}

func (s *Supervisor) recordFailure(name string, err error) {
	s.logger.Error("バックグラウンドタスクが失敗しました",
		slog.String("task", name),
		slog.String("error", err.Error()),
	)
	s.collector.RecordTaskFailure(name)
}
