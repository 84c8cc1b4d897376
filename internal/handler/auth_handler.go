// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authhub/internal/auth"
	"github.com/hitoshi/authhub/internal/metrics"
	"github.com/hitoshi/authhub/internal/middleware"
	"github.com/hitoshi/authhub/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(providerName, state string) (string, error)
	HandleCallback(ctx context.Context, providerName, code string, client auth.ClientInfo, caller *auth.CallerSession) (*auth.LoginResult, error)
}

// SessionDeactivator はログアウトに必要なインターフェース。
type SessionDeactivator interface {
	DeactivateToken(ctx context.Context, token string) error
}

// UserFinder は現在ユーザーの取得に必要なインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	sessions  SessionDeactivator
	users     UserFinder
	collector metrics.MetricsCollector
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionDeactivator, users UserFinder, collector metrics.MetricsCollector, config AuthHandlerConfig) *AuthHandler {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &AuthHandler{
		service:   service,
		sessions:  sessions,
		users:     users,
		collector: collector,
		config:    config,
	}
}

// Login は指定プロバイダーのOAuthフローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	loginURL, err := h.service.GetLoginURL(provider, state)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	provider := chi.URLParam(r, "provider")

	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("provider", provider),
			slog.String("query_state", state),
		)
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// 3. 呼び出し元クライアント情報と既存認証状態の収集
	meta, _ := json.Marshal(map[string]string{
		"user_agent": r.UserAgent(),
	})
	client := auth.ClientInfo{
		IPAddress: middleware.GetRealIP(r),
		Meta:      meta,
	}

	var caller *auth.CallerSession
	if session, ok := middleware.SessionFromContext(r.Context()); ok {
		caller = &auth.CallerSession{Token: session.Token, UserID: session.UserID}
	}

	// 4. アカウント照合とセッション発行
	result, err := h.service.HandleCallback(r.Context(), provider, code, client, caller)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	h.collector.RecordLoginOutcome(string(result.Outcome))
	h.collector.RecordCallbackLatency(time.Since(start))

	// 5. セッションCookieを設定（HTTP Only）
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    result.Session.Token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 6. フロントエンドにリダイレクト
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		// セッションを非アクティブ化（ログアウト失敗してもCookieはクリアする）
		if logoutErr := h.sessions.DeactivateToken(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
		}
	}

	// セッションCookieをクリア
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me （セッションミドルウェア必須）
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := h.users.FindByID(r.Context(), userID)
	if err != nil {
		slog.Error("failed to get current user", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":           user.ID,
		"email":        user.Email,
		"name":         user.DisplayName(),
		"password_set": user.PasswordSet,
	})
}

// writeAuthError はAPIErrorをHTTPステータスにマッピングして書き込む。
func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.collector.RecordAuthFailure(apiErr.Code)
	slog.Warn("authentication failed",
		slog.String("code", apiErr.Code),
		slog.String("category", apiErr.Category),
	)
	middleware.WriteErrorResponse(w, statusForAPIError(apiErr), apiErr)
}

// statusForAPIError はエラーコードからHTTPステータスを決定する。
func statusForAPIError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnknownProvider:
		return http.StatusNotFound
	case model.ErrCodeMissingEmail:
		return http.StatusBadRequest
	case model.ErrCodeAuthProviderError:
		return http.StatusBadGateway
	case model.ErrCodeStorageConflict:
		return http.StatusConflict
	case model.ErrCodeUserNotFound, model.ErrCodeSessionNotFound:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
