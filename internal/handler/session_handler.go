package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authhub/internal/middleware"
	"github.com/hitoshi/authhub/internal/model"
)

// SessionManager はセッションハンドラーが必要とするサービスインターフェース。
type SessionManager interface {
	ListActive(ctx context.Context, userID string) ([]*model.Session, error)
	DeactivateOthers(ctx context.Context, userID, excludeToken string) (int64, error)
}

// SessionHandler はセッション管理関連のHTTPハンドラー。
type SessionHandler struct {
	sessions SessionManager
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(sessions SessionManager) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

type sessionResponse struct {
	ID         string          `json:"id"`
	IPAddress  string          `json:"ip_address"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	Current    bool            `json:"current"`
	LastActive string          `json:"last_active"`
	CreatedAt  string          `json:"created_at"`
}

// List は現在ユーザーのアクティブセッション一覧を返す。
// トークン自体はレスポンスに含めない。
// GET /api/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	current, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessions, err := h.sessions.ListActive(r.Context(), current.UserID)
	if err != nil {
		slog.Error("failed to list sessions", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	responses := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		responses = append(responses, sessionResponse{
			ID:         s.ID,
			IPAddress:  s.IPAddress,
			Meta:       s.Meta,
			Current:    s.Token == current.Token,
			LastActive: s.LastActive.Format(time.RFC3339),
			CreatedAt:  s.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"sessions": responses,
	})
}

// LogoutOthers は現在のセッション以外を全て非アクティブ化する。
// POST /api/sessions/logout-others
func (h *SessionHandler) LogoutOthers(w http.ResponseWriter, r *http.Request) {
	current, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	count, err := h.sessions.DeactivateOthers(r.Context(), current.UserID, current.Token)
	if err != nil {
		slog.Error("failed to logout other sessions", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	slog.Info("logged out other sessions",
		slog.String("user_id", current.UserID),
		slog.Int64("count", count),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"deactivated": count,
	})
}
