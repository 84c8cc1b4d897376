// Package session はセッションレジストリ（発行・検証・無効化・掃除）を提供する。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/authhub/internal/model"
	"github.com/hitoshi/authhub/internal/repository"
)

// Config はセッションレジストリの設定。
type Config struct {
	// Lifetime はセッションの有効期間。created_at起点で判定する。
	Lifetime time.Duration
	// RetentionDays は非アクティブ行も含めた物理削除までの保持日数。
	RetentionDays int
}

// Service はセッションのライフサイクル管理を提供する。
type Service struct {
	repo   repository.SessionRepository
	config Config
}

// NewService はServiceを生成する。
func NewService(repo repository.SessionRepository, config Config) *Service {
	return &Service{repo: repo, config: config}
}

// Lifetime は設定されたセッション有効期間を返す。
func (s *Service) Lifetime() time.Duration {
	return s.config.Lifetime
}

// CreateOrRefresh はセッションを発行する。同一トークンが既に存在する場合は
// 所有者・IP・メタデータを更新して再アクティブ化する（冪等）。
func (s *Service) CreateOrRefresh(ctx context.Context, userID, token, ipAddress string, meta json.RawMessage) (*model.Session, error) {
	session := &model.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Token:     token,
		IPAddress: ipAddress,
		Meta:      meta,
	}

	saved, err := s.repo.CreateOrRefresh(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return saved, nil
}

// Validate はトークンに対応する有効なセッションを返す。
// 非アクティブ、または有効期間（created_at起点）を超過している場合はnilを返す。
// 期限切れを検出した場合はその場で非アクティブ化する（失敗してもSweepが回収する）。
func (s *Service) Validate(ctx context.Context, token string, now time.Time) (*model.Session, error) {
	if token == "" {
		return nil, nil
	}

	session, err := s.repo.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	if now.Sub(session.CreatedAt) > s.config.Lifetime {
		if err := s.repo.DeactivateByToken(ctx, token); err != nil {
			slog.Warn("期限切れセッションの非アクティブ化に失敗",
				slog.String("error", err.Error()),
			)
		}
		return nil, nil
	}

	return session, nil
}

// ListActive は指定ユーザーのアクティブセッション一覧を返す。
func (s *Service) ListActive(ctx context.Context, userID string) ([]*model.Session, error) {
	sessions, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// DeactivateToken は指定トークンのセッションを無効化する（ログアウト）。
func (s *Service) DeactivateToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.repo.DeactivateByToken(ctx, token); err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

// DeactivateOthers は指定ユーザーのexcludeToken以外の全セッションを無効化し、件数を返す。
func (s *Service) DeactivateOthers(ctx context.Context, userID, excludeToken string) (int64, error) {
	count, err := s.repo.DeactivateByUserID(ctx, userID, excludeToken)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate other sessions: %w", err)
	}
	return count, nil
}

// DeactivateAll は指定ユーザーの全セッションを無効化し、件数を返す。
func (s *Service) DeactivateAll(ctx context.Context, userID string) (int64, error) {
	count, err := s.repo.DeactivateByUserID(ctx, userID, "")
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate sessions: %w", err)
	}
	return count, nil
}

// Sweep は期限切れセッションの非アクティブ化と保持期限切れ行の削除を実行する。
// 2フェーズとも冪等であり、ワーカーのティッカーとsweepサブコマンドの両方から
// 同一セマンティクスで呼ばれる。
func (s *Service) Sweep(ctx context.Context, now time.Time) (deactivated, deleted int64, err error) {
	deactivated, deleted, err = s.repo.Sweep(ctx, now, s.config.Lifetime, s.config.RetentionDays)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	return deactivated, deleted, nil
}
