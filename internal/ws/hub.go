// Package ws はユーザー単位のWebSocket接続レジストリとファンアウト配信を提供する。
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/authhub/internal/metrics"
)

// Hub はユーザーIDをキーとした接続の集合を管理する。
// 1ユーザーが複数タブ・複数端末から接続するため、キーごとにクライアントの集合を持つ。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}

	logger    *slog.Logger
	collector metrics.MetricsCollector
}

// NewHub はHubを生成する。
func NewHub(logger *slog.Logger, collector metrics.MetricsCollector) *Hub {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		logger:    logger,
		collector: collector,
	}
}

// Register はクライアントをレジストリに追加する。
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}

	h.collector.WSConnectionOpened()
	h.logger.Info("WebSocketクライアントを登録しました",
		slog.String("user_id", c.userID),
		slog.Int("connections", len(h.clients[c.userID])),
	)
}

// Unregister はクライアントをレジストリから除去する。
// そのユーザーの最後の接続だった場合はエントリごと削除する。
// 未登録のクライアントに対してはno-op（冪等）。
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, registered := conns[c]; !registered {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}

	h.collector.WSConnectionClosed()
	h.logger.Info("WebSocketクライアントを登録解除しました",
		slog.String("user_id", c.userID),
		slog.Int("connections", len(conns)),
	)
}

// Broadcast は指定ユーザーの全接続にメッセージを配信し、配信数を返す。
// userIDが空の場合は、呼び出し時点で登録されている全ユーザーの全接続に配信する。
// シリアライズは1回のみ行い、全接続で同一フレームを共有する。
// 送信キューが満杯のクライアントへのフレームは破棄する。
// エンキューより先のIO完了を待つことはない。
func (h *Hub) Broadcast(userID string, message interface{}) (int, error) {
	frame, err := json.Marshal(message)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}
	return h.BroadcastFrame(userID, frame), nil
}

// BroadcastFrame はシリアライズ済みフレームを配信する。
// userIDが空の場合は全接続、指定された場合はそのユーザーの接続のみが対象。
// 対象の確定はロック保持中のスナップショットで行われ、
// 呼び出し後に登録された接続には配信されない。
func (h *Hub) BroadcastFrame(userID string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if userID != "" {
		return h.deliverLocked(userID, frame)
	}

	delivered := 0
	for id := range h.clients {
		delivered += h.deliverLocked(id, frame)
	}
	return delivered
}

// deliverLocked は読み取りロック保持中に1ユーザー分の接続へエンキューする。
func (h *Hub) deliverLocked(userID string, frame []byte) int {
	delivered := 0
	for c := range h.clients[userID] {
		if c.enqueue(frame) {
			delivered++
			continue
		}
		h.collector.RecordDroppedFrame()
		h.logger.Warn("送信キューが満杯のためフレームを破棄しました",
			slog.String("user_id", userID),
		)
	}
	return delivered
}

// ConnectedUsers は現在1つ以上の接続を持つユーザーIDの一覧を返す。
func (h *Hub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		users = append(users, userID)
	}
	return users
}

// ConnectionCount は指定ユーザーの現在の接続数を返す。
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
