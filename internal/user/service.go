// Package user はアカウントのライフサイクル操作を提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/authhub/internal/repository"
)

// SessionRevoker はアカウント削除時のセッション失効インターフェース。
type SessionRevoker interface {
	DeactivateAll(ctx context.Context, userID string) (int64, error)
}

// Service はアカウント削除のオーケストレーションを行う。
type Service struct {
	users    repository.UserRepository
	sessions SessionRevoker
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(users repository.UserRepository, sessions SessionRevoker, logger *slog.Logger) *Service {
	return &Service{
		users:    users,
		sessions: sessions,
		logger:   logger,
	}
}

// DeleteAccount はユーザーアカウントを削除する。
// 先に全セッションを失効させてから行を削除するため、削除処理中に
// 既存セッションで認証済みリクエストが通ることはない。
// identities・user_sessions・activitiesの関連行はCASCADE削除される。
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	deactivated, err := s.sessions.DeactivateAll(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate sessions: %w", err)
	}

	if err := s.users.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	s.logger.Info("アカウントを削除しました",
		slog.String("user_id", userID),
		slog.Int64("deactivated_sessions", deactivated),
	)
	return nil
}
