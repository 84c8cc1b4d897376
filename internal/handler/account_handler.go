package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authhub/internal/middleware"
)

// AccountDeleter はアカウントハンドラーが必要とするサービスインターフェース。
type AccountDeleter interface {
	DeleteAccount(ctx context.Context, userID string) error
}

// AccountHandler はアカウント管理関連のHTTPハンドラー。
type AccountHandler struct {
	accounts AccountDeleter
	config   AuthHandlerConfig
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(accounts AccountDeleter, config AuthHandlerConfig) *AccountHandler {
	return &AccountHandler{accounts: accounts, config: config}
}

// Delete は現在のユーザーのアカウントを削除する。
// 全セッションの失効を伴うため、削除後はどの端末からも認証できない。
// DELETE /api/account
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.accounts.DeleteAccount(r.Context(), userID); err != nil {
		slog.Error("failed to delete account",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
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

	w.WriteHeader(http.StatusNoContent)
}
