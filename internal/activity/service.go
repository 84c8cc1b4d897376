// Package activity はユーザーアクティビティの記録と配信を提供する。
package activity

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

// Broadcaster はユーザー宛のリアルタイム配信のインターフェース。
type Broadcaster interface {
	Broadcast(userID string, message interface{}) (int, error)
}

// Service はアクティビティの永続化とリアルタイム通知を提供する。
// 通知はベストエフォートであり、配信失敗がDB操作を失敗させることはない。
type Service struct {
	repo   repository.ActivityRepository
	hub    Broadcaster
	logger *slog.Logger
}

// NewService はServiceを生成する。hubはnilでもよい（通知なし）。
func NewService(repo repository.ActivityRepository, hub Broadcaster, logger *slog.Logger) *Service {
	return &Service{repo: repo, hub: hub, logger: logger}
}

// Register はアクティビティを記録し、所有ユーザーの接続へ通知する。
func (s *Service) Register(ctx context.Context, userID, action string, data json.RawMessage) error {
	return s.register(ctx, nil, userID, action, data)
}

// RegisterTx はトランザクションスコープ内でアクティビティを記録する。
// 通知はDB書き込み成功後（コミット前）に行われる点に注意。
func (s *Service) RegisterTx(ctx context.Context, execer repository.Executor, userID, action string, data json.RawMessage) error {
	return s.register(ctx, execer, userID, action, data)
}

func (s *Service) register(ctx context.Context, execer repository.Executor, userID, action string, data json.RawMessage) error {
	activity := &model.Activity{
		ID:        uuid.New().String(),
		UserID:    userID,
		Action:    action,
		Data:      data,
		CreatedAt: time.Now(),
	}

	if err := s.repo.Insert(ctx, execer, activity); err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}

	s.notify(userID, action)
	return nil
}

// notify は所有ユーザーの全接続にアクティビティ発生を通知する。
func (s *Service) notify(userID, action string) {
	if s.hub == nil {
		return
	}

	message := map[string]string{
		"type":    "activity",
		"action":  action,
		"user_id": userID,
	}
	if _, err := s.hub.Broadcast(userID, message); err != nil {
		s.logger.Warn("アクティビティ通知の配信に失敗しました",
			slog.String("user_id", userID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// ListPage はアクティビティをcreated_at降順でページ取得する。
// pageは1始まり。perPageは1〜100にクランプされる。
func (s *Service) ListPage(ctx context.Context, page, perPage int) ([]*model.Activity, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	activities, total, err := s.repo.ListPage(ctx, page, perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list activities: %w", err)
	}
	return activities, total, nil
}
