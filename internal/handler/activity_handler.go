package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/authhub/internal/model"
)

// ActivityLister はアクティビティハンドラーが必要とするサービスインターフェース。
type ActivityLister interface {
	ListPage(ctx context.Context, page, perPage int) ([]*model.Activity, int, error)
}

// ActivityHandler はアクティビティログ関連のHTTPハンドラー。
type ActivityHandler struct {
	activities ActivityLister
}

// NewActivityHandler はActivityHandlerを生成する。
func NewActivityHandler(activities ActivityLister) *ActivityHandler {
	return &ActivityHandler{activities: activities}
}

type activityResponse struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// List はアクティビティログをページングで返す。
// GET /api/activities?page=1&per_page=20
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	activities, total, err := h.activities.ListPage(r.Context(), page, perPage)
	if err != nil {
		slog.Error("failed to list activities", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	responses := make([]activityResponse, 0, len(activities))
	for _, a := range activities {
		responses = append(responses, activityResponse{
			ID:        a.ID,
			UserID:    a.UserID,
			Action:    a.Action,
			Data:      a.Data,
			CreatedAt: a.CreatedAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"activities": responses,
		"total":      total,
	})
}
