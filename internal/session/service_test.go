package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hitoshi/authhub/internal/model"
	"github.com/hitoshi/authhub/internal/repository"
)

type mockSessionRepo struct {
	createOrRefreshFn    func(ctx context.Context, session *model.Session) (*model.Session, error)
	findByTokenFn        func(ctx context.Context, token string) (*model.Session, error)
	listByUserIDFn       func(ctx context.Context, userID string) ([]*model.Session, error)
	deactivateByTokenFn  func(ctx context.Context, token string) error
	deactivateByUserIDFn func(ctx context.Context, userID, excludeToken string) (int64, error)
	sweepFn              func(ctx context.Context, now time.Time, lifetime time.Duration, retentionDays int) (int64, int64, error)
}

func (m *mockSessionRepo) CreateOrRefresh(ctx context.Context, session *model.Session) (*model.Session, error) {
	if m.createOrRefreshFn != nil {
		return m.createOrRefreshFn(ctx, session)
	}
	return session, nil
}

func (m *mockSessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	if m.findByTokenFn != nil {
		return m.findByTokenFn(ctx, token)
	}
	return nil, nil
}

func (m *mockSessionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Session, error) {
	if m.listByUserIDFn != nil {
		return m.listByUserIDFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeactivateByToken(ctx context.Context, token string) error {
	if m.deactivateByTokenFn != nil {
		return m.deactivateByTokenFn(ctx, token)
	}
	return nil
}

func (m *mockSessionRepo) DeactivateByUserID(ctx context.Context, userID, excludeToken string) (int64, error) {
	if m.deactivateByUserIDFn != nil {
		return m.deactivateByUserIDFn(ctx, userID, excludeToken)
	}
	return 0, nil
}

func (m *mockSessionRepo) Sweep(ctx context.Context, now time.Time, lifetime time.Duration, retentionDays int) (int64, int64, error) {
	if m.sweepFn != nil {
		return m.sweepFn(ctx, now, lifetime, retentionDays)
	}
	return 0, 0, nil
}

var _ repository.SessionRepository = (*mockSessionRepo)(nil)

func testConfig() Config {
	return Config{Lifetime: 3600 * time.Second, RetentionDays: 30}
}

func TestCreateOrRefresh_AssignsIDAndDelegates(t *testing.T) {
	var saved *model.Session
	repo := &mockSessionRepo{
		createOrRefreshFn: func(_ context.Context, session *model.Session) (*model.Session, error) {
			saved = session
			session.IsActive = true
			return session, nil
		},
	}
	svc := NewService(repo, testConfig())

	meta := json.RawMessage(`{"user_agent":"test"}`)
	result, err := svc.CreateOrRefresh(context.Background(), "user-1", "token-1", "203.0.113.1", meta)
	if err != nil {
		t.Fatalf("CreateOrRefresh() error = %v", err)
	}
	if saved.ID == "" {
		t.Error("session ID should be assigned")
	}
	if saved.UserID != "user-1" || saved.Token != "token-1" || saved.IPAddress != "203.0.113.1" {
		t.Errorf("unexpected session: %+v", saved)
	}
	if !result.IsActive {
		t.Error("refreshed session should be active")
	}
}

func TestValidate_EmptyToken(t *testing.T) {
	svc := NewService(&mockSessionRepo{}, testConfig())

	session, err := svc.Validate(context.Background(), "", time.Now())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if session != nil {
		t.Error("empty token should not resolve to a session")
	}
}

func TestValidate_ActiveWithinLifetime(t *testing.T) {
	now := time.Now()
	repo := &mockSessionRepo{
		findByTokenFn: func(_ context.Context, token string) (*model.Session, error) {
			return &model.Session{
				ID:        "sess-1",
				UserID:    "user-1",
				Token:     token,
				IsActive:  true,
				CreatedAt: now.Add(-30 * time.Minute),
			}, nil
		},
	}
	svc := NewService(repo, testConfig())

	session, err := svc.Validate(context.Background(), "token-1", now)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if session == nil {
		t.Fatal("session within lifetime should be valid")
	}
	if session.UserID != "user-1" {
		t.Errorf("userID = %q, want %q", session.UserID, "user-1")
	}
}

func TestValidate_ExpiredSession_DeactivatesAndReturnsNil(t *testing.T) {
	now := time.Now()
	var deactivated string
	repo := &mockSessionRepo{
		findByTokenFn: func(_ context.Context, token string) (*model.Session, error) {
			// 有効期間（3600秒）を超過したアクティブセッション
			return &model.Session{
				ID:        "sess-1",
				Token:     token,
				IsActive:  true,
				CreatedAt: now.Add(-2 * time.Hour),
			}, nil
		},
		deactivateByTokenFn: func(_ context.Context, token string) error {
			deactivated = token
			return nil
		},
	}
	svc := NewService(repo, testConfig())

	session, err := svc.Validate(context.Background(), "token-1", now)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if session != nil {
		t.Error("expired session should not be valid")
	}
	if deactivated != "token-1" {
		t.Errorf("expired session should be deactivated, got %q", deactivated)
	}
}

func TestValidate_NotFound(t *testing.T) {
	svc := NewService(&mockSessionRepo{}, testConfig())

	session, err := svc.Validate(context.Background(), "unknown-token", time.Now())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if session != nil {
		t.Error("unknown token should not resolve to a session")
	}
}

func TestDeactivateOthers_ReturnsCount(t *testing.T) {
	repo := &mockSessionRepo{
		deactivateByUserIDFn: func(_ context.Context, userID, excludeToken string) (int64, error) {
			if userID != "user-1" || excludeToken != "keep-token" {
				t.Errorf("unexpected args: %s / %s", userID, excludeToken)
			}
			return 3, nil
		},
	}
	svc := NewService(repo, testConfig())

	count, err := svc.DeactivateOthers(context.Background(), "user-1", "keep-token")
	if err != nil {
		t.Fatalf("DeactivateOthers() error = %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestDeactivateAll_ExcludesNothing(t *testing.T) {
	repo := &mockSessionRepo{
		deactivateByUserIDFn: func(_ context.Context, userID, excludeToken string) (int64, error) {
			if userID != "user-1" {
				t.Errorf("userID = %s, want user-1", userID)
			}
			// 全セッション対象なので除外トークンは空であること
			if excludeToken != "" {
				t.Errorf("excludeToken = %q, want empty", excludeToken)
			}
			return 2, nil
		},
	}
	svc := NewService(repo, testConfig())

	count, err := svc.DeactivateAll(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("DeactivateAll() error = %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestSweep_PassesConfiguredWindow(t *testing.T) {
	now := time.Now()
	repo := &mockSessionRepo{
		sweepFn: func(_ context.Context, gotNow time.Time, lifetime time.Duration, retentionDays int) (int64, int64, error) {
			if !gotNow.Equal(now) {
				t.Errorf("now = %v, want %v", gotNow, now)
			}
			if lifetime != 3600*time.Second {
				t.Errorf("lifetime = %v, want 3600s", lifetime)
			}
			if retentionDays != 30 {
				t.Errorf("retentionDays = %d, want 30", retentionDays)
			}
			return 5, 2, nil
		},
	}
	svc := NewService(repo, testConfig())

	deactivated, deleted, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if deactivated != 5 || deleted != 2 {
		t.Errorf("counts = (%d, %d), want (5, 2)", deactivated, deleted)
	}
}

// Sweepは同一引数で再実行しても同じ経路を通る（2回目は0件になるだけ）。
func TestSweep_Idempotent(t *testing.T) {
	calls := 0
	repo := &mockSessionRepo{
		sweepFn: func(_ context.Context, _ time.Time, _ time.Duration, _ int) (int64, int64, error) {
			calls++
			if calls == 1 {
				return 4, 1, nil
			}
			return 0, 0, nil
		},
	}
	svc := NewService(repo, testConfig())

	now := time.Now()
	if _, _, err := svc.Sweep(context.Background(), now); err != nil {
		t.Fatalf("first Sweep() error = %v", err)
	}
	deactivated, deleted, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("second Sweep() error = %v", err)
	}
	if deactivated != 0 || deleted != 0 {
		t.Errorf("second sweep should be a no-op, got (%d, %d)", deactivated, deleted)
	}
}
