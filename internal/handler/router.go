package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authhub/internal/metrics"
	"github.com/hitoshi/authhub/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	AuthHandler     *AuthHandler
	SessionHandler  *SessionHandler
	ActivityHandler *ActivityHandler
	AccountHandler  *AccountHandler

	// WSHandler はWebSocket接続のアップグレードを担当する。
	// オプショナルセッションミドルウェアの内側にマウントされ、
	// 未認証の接続は登録前にクローズコード4001で切断される。
	WSHandler http.Handler

	// SessionValidator はCookieのトークンからセッションを検証する。
	SessionValidator middleware.SessionValidator

	// AuthLimiter は認証エンドポイント用のIPベース・スライディングウィンドウ。
	AuthLimiter *middleware.SlidingWindowLimiter

	// RateLimiter は認証済みAPI用のユーザーベース・トークンバケット。
	RateLimiter *middleware.RateLimiter

	Collector metrics.MetricsCollector

	// MetricsHandler は /metrics にマウントされる。nilの場合はマウントしない。
	MetricsHandler http.Handler

	Logger            *slog.Logger
	CORSAllowedOrigin string
	CookieSecure      bool
	CookieDomain      string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアの適用順序:
//  1. CORS（プリフライトを最初に処理）
//  2. セキュリティヘッダー
//  3. アクセスログ
//  4. パニックリカバリー
//  5. （グループごと）セッション検証 → レート制限 → CSRF検証
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware())

	csrfConfig := middleware.CSRFConfig{
		CookieSecure: deps.CookieSecure,
		CookieDomain: deps.CookieDomain,
	}

	// ヘルスチェック（認証・レート制限なし）
	r.Get("/health", healthHandler)

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 認証フロー: セッション不要、IPベースのスライディングウィンドウで保護。
	// コールバックはオプショナルセッションを通し、ログイン済みユーザーの
	// アカウントリンクで古いセッションを破棄できるようにする。
	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.AuthLimiter.Middleware("auth", deps.Collector))

		r.Get("/{provider}/login", deps.AuthHandler.Login)
		r.With(middleware.NewOptionalSessionMiddleware(deps.SessionValidator)).
			Get("/{provider}/callback", deps.AuthHandler.Callback)
		r.Post("/logout", deps.AuthHandler.Logout)
		r.With(middleware.NewSessionMiddleware(deps.SessionValidator)).
			Get("/me", deps.AuthHandler.Me)
	})

	// WebSocket: オプショナルセッションで認証状態を解決してからアップグレード
	if deps.WSHandler != nil {
		r.With(middleware.NewOptionalSessionMiddleware(deps.SessionValidator)).
			Method(http.MethodGet, "/ws", deps.WSHandler)
	}

	r.Route("/api", func(r chi.Router) {
		// CSRFトークン取得（認証不要、フロントエンドの初期化時に使用）
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig))

		// 認証必須のAPI
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionValidator))
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Use(middleware.NewCSRFMiddleware(csrfConfig))

			r.Get("/sessions", deps.SessionHandler.List)
			r.Post("/sessions/logout-others", deps.SessionHandler.LogoutOthers)
			r.Get("/activities", deps.ActivityHandler.List)
			r.Delete("/account", deps.AccountHandler.Delete)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
