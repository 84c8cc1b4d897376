// Package auth はOAuth認証フローとアカウント照合ロジックを提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/authhub/internal/model"
	"github.com/hitoshi/authhub/internal/repository"
)

// OAuthUserInfo はOAuthプロバイダーから取得した正規化済みユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string          // "google", "github"
	RawToken       json.RawMessage // プロバイダーのトークンレスポンス（identitiesに保存）
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// 共有ロジック側にプロバイダー分岐を持ち込まないための抽象化。
type OAuthProvider interface {
	// Name はプロバイダー識別子（"google"等）を返す。
	Name() string
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、正規化済みユーザー情報を返す。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// SessionRegistry はログイン時のセッション操作のインターフェース。
type SessionRegistry interface {
	CreateOrRefresh(ctx context.Context, userID, token, ipAddress string, meta json.RawMessage) (*model.Session, error)
	DeactivateToken(ctx context.Context, token string) error
	DeactivateOthers(ctx context.Context, userID, excludeToken string) (int64, error)
}

// ActivitySink はログイン系イベントの記録先のインターフェース。
// 記録失敗はログイン処理を失敗させない。
type ActivitySink interface {
	Register(ctx context.Context, userID, action string, data json.RawMessage) error
}

// NameSanitizer はプロバイダー由来の表示名をサニタイズする。
type NameSanitizer interface {
	SanitizeName(name string) string
}

// Outcome はコールバック処理の結果種別を表す。
type Outcome string

const (
	// OutcomeLoggedInExisting は既存identityによるログイン。
	OutcomeLoggedInExisting Outcome = "logged_in_existing"
	// OutcomeLinkedExisting はメールアドレス一致による既存ユーザーへのリンク。
	OutcomeLinkedExisting Outcome = "linked_existing"
	// OutcomeCreatedNew は新規ユーザー作成。
	OutcomeCreatedNew Outcome = "created_new"
)

// ClientInfo はコールバック呼び出し元クライアントの情報。
type ClientInfo struct {
	IPAddress string
	Meta      json.RawMessage // User-Agent等の付帯情報
}

// CallerSession はコールバック時点で既に認証済みだった呼び出し元のセッション。
// 未認証の場合はnil。
type CallerSession struct {
	Token  string
	UserID string
}

// LoginResult はコールバック処理の結果。
type LoginResult struct {
	User    *model.User
	Session *model.Session
	Outcome Outcome
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// DisableMultipleSessions がtrueの場合、ログイン成功時に
	// 同一ユーザーの他セッションを全て無効化する。
	DisableMultipleSessions bool
}

// Service はOAuthコールバックのアカウント照合（ログイン/リンク/新規作成）を提供する。
type Service struct {
	providers  map[string]OAuthProvider
	userRepo   repository.UserRepository
	identRepo  repository.IdentityRepository
	sessions   SessionRegistry
	activities ActivitySink
	sanitizer  NameSanitizer
	config     ServiceConfig
}

// NewService はServiceを生成する。providersは有効化されたプロバイダーのみを渡す。
func NewService(
	providers map[string]OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessions SessionRegistry,
	activities ActivitySink,
	sanitizer NameSanitizer,
	config ServiceConfig,
) *Service {
	return &Service{
		providers:  providers,
		userRepo:   userRepo,
		identRepo:  identRepo,
		sessions:   sessions,
		activities: activities,
		sanitizer:  sanitizer,
		config:     config,
	}
}

// GetLoginURL は指定プロバイダーのOAuth認証URLを生成する。
func (s *Service) GetLoginURL(providerName, state string) (string, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return "", model.NewUnknownProviderError(providerName)
	}
	return provider.GetLoginURL(state), nil
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
//
// 照合は identities → users.email の順で行う:
//  1. (provider, provider_user_id) が既存 → そのユーザーでログイン。
//     呼び出し元が別ユーザーとして認証済みだった場合は旧セッションを先に無効化する。
//  2. メールアドレスが既存ユーザーと一致 → identityを追加してリンク。
//  3. どちらも無し → ユーザーとidentityを単一トランザクションで新規作成。
//
// プロバイダーがメールアドレスを返さない場合は永続化前にMISSING_EMAILで失敗する。
// リンク/作成の一意制約競合はロールバック後STORAGE_CONFLICTとして返す。
func (s *Service) HandleCallback(ctx context.Context, providerName, code string, client ClientInfo, caller *CallerSession) (*LoginResult, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return nil, model.NewUnknownProviderError(providerName)
	}

	// 1. 認可コードをトークンに交換し、正規化済みユーザー情報を取得
	userInfo, err := provider.ExchangeCode(ctx, code)
	if err != nil {
		slog.Warn("OAuthコード交換に失敗",
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
		)
		return nil, model.NewAuthProviderError(providerName)
	}

	// 2. メールアドレス必須。ここで失敗した場合、永続化は一切行われていない
	if userInfo.Email == "" {
		return nil, model.NewMissingEmailError(providerName)
	}

	user, outcome, err := s.reconcile(ctx, userInfo, caller)
	if err != nil {
		return nil, err
	}

	// 5. セッションを発行（同一トークンに対しては再有効化）
	token, err := generateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	session, err := s.sessions.CreateOrRefresh(ctx, user.ID, token, client.IPAddress, client.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if s.config.DisableMultipleSessions {
		if n, err := s.sessions.DeactivateOthers(ctx, user.ID, token); err != nil {
			slog.Warn("他セッションの無効化に失敗",
				slog.String("user_id", user.ID),
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			slog.Info("他セッションを無効化",
				slog.String("user_id", user.ID),
				slog.Int64("count", n),
			)
		}
	}

	s.registerActivity(ctx, user.ID, outcome, userInfo.Provider)

	return &LoginResult{User: user, Session: session, Outcome: outcome}, nil
}

// reconcile はプロバイダーのユーザー情報を既存アカウントと照合する。
func (s *Service) reconcile(ctx context.Context, userInfo *OAuthUserInfo, caller *CallerSession) (*model.User, Outcome, error) {
	// 3a. identitiesテーブルで既存ユーザーを検索
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to find identity: %w", err)
	}

	if identity != nil {
		user, err := s.userRepo.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, "", model.NewUserNotFoundError()
		}

		// 別ユーザーとして認証済みだった場合は旧セッションを先に破棄する
		if caller != nil && caller.UserID != user.ID {
			if err := s.sessions.DeactivateToken(ctx, caller.Token); err != nil {
				slog.Warn("旧セッションの無効化に失敗",
					slog.String("user_id", caller.UserID),
					slog.String("error", err.Error()),
				)
			}
		}

		slog.Info("既存ユーザーがログイン",
			slog.String("user_id", user.ID),
			slog.String("provider", userInfo.Provider),
		)
		return user, OutcomeLoggedInExisting, nil
	}

	// 3b. メールアドレスで既存ユーザーを検索
	user, err := s.userRepo.FindByEmail(ctx, userInfo.Email)
	if err != nil {
		return nil, "", fmt.Errorf("failed to find user by email: %w", err)
	}

	if user != nil {
		newIdentity := &model.Identity{
			ID:             uuid.New().String(),
			UserID:         user.ID,
			Provider:       userInfo.Provider,
			ProviderUserID: userInfo.ProviderUserID,
			Token:          userInfo.RawToken,
			CreatedAt:      time.Now(),
		}
		if err := s.identRepo.Create(ctx, newIdentity); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return nil, "", model.NewStorageConflictError()
			}
			return nil, "", fmt.Errorf("failed to link identity: %w", err)
		}

		slog.Info("既存ユーザーにidentityをリンク",
			slog.String("user_id", user.ID),
			slog.String("provider", userInfo.Provider),
		)
		return user, OutcomeLinkedExisting, nil
	}

	// 3c. 新規ユーザー: usersとidentitiesを単一トランザクションで作成
	created, err := s.createUser(ctx, userInfo)
	if err != nil {
		return nil, "", err
	}
	return created, OutcomeCreatedNew, nil
}

// createUser はユーザーとidentityを単一トランザクションで新規作成する。
// パスワードはログイン不能なランダム値とし、password_set=falseを記録する。
func (s *Service) createUser(ctx context.Context, userInfo *OAuthUserInfo) (*model.User, error) {
	password, err := generateUnusablePassword()
	if err != nil {
		return nil, fmt.Errorf("failed to generate placeholder password: %w", err)
	}

	name := userInfo.Name
	if s.sanitizer != nil {
		name = s.sanitizer.SanitizeName(name)
	}

	now := time.Now()
	newUser := &model.User{
		ID:          uuid.New().String(),
		Email:       userInfo.Email,
		Name:        name,
		Password:    password,
		PasswordSet: false,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	newIdentity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         newUser.ID,
		Provider:       userInfo.Provider,
		ProviderUserID: userInfo.ProviderUserID,
		Token:          userInfo.RawToken,
		CreatedAt:      now,
	}

	if err := s.userRepo.CreateWithIdentity(ctx, newUser, newIdentity); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.NewStorageConflictError()
		}
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("新規ユーザーを作成",
		slog.String("user_id", newUser.ID),
		slog.String("email", newUser.Email),
		slog.String("provider", userInfo.Provider),
	)
	return newUser, nil
}

// registerActivity はログイン系イベントをアクティビティとして記録する。
// 記録失敗はログに残すのみで、ログイン処理は成功として扱う。
func (s *Service) registerActivity(ctx context.Context, userID string, outcome Outcome, provider string) {
	if s.activities == nil {
		return
	}

	var action string
	switch outcome {
	case OutcomeCreatedNew:
		action = "Account Created"
	case OutcomeLinkedExisting:
		action = "Account Linked"
	default:
		action = "OAuth Login"
	}

	data, _ := json.Marshal(map[string]string{"provider": provider})
	if err := s.activities.Register(ctx, userID, action, data); err != nil {
		slog.Warn("アクティビティ記録に失敗",
			slog.String("user_id", userID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

// generateSessionToken は暗号的に安全なセッショントークンを生成する。
func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// generateUnusablePassword はパスワードログイン不能なランダム値を生成する。
// ハッシュ化された入力と一致しない生の乱数文字列であるため、照合は常に失敗する。
func generateUnusablePassword() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "!" + hex.EncodeToString(b), nil
}
