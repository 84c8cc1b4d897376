package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// CloseCodeUnauthorized は未認証接続の切断に使うアプリケーション定義クローズコード。
const CloseCodeUnauthorized = 4001

// UserIDResolver はリクエストから認証済みユーザーIDを取り出す。
// 未認証の場合は空文字を返す。
type UserIDResolver func(r *http.Request) string

// Handler はWebSocketアップグレードと接続ライフサイクルを扱うHTTPハンドラー。
type Handler struct {
	hub        *Hub
	resolver   UserIDResolver
	logger     *slog.Logger
	sendBuffer int
	upgrader   websocket.Upgrader
}

// NewHandler はHandlerを生成する。
// allowedOriginsが空の場合は同一ホストからの接続のみ許可する。
func NewHandler(hub *Hub, resolver UserIDResolver, logger *slog.Logger, sendBuffer int, allowedOrigins []string) *Handler {
	return &Handler{
		hub:        hub,
		resolver:   resolver,
		logger:     logger,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// ServeHTTP はWebSocketへアップグレードし、接続を処理する。
// 未認証の場合もハンドシェイクは受け付けた上で、レジストリに登録する前に
// クローズコード4001（Unauthorized）で切断する。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが失敗した場合はレスポンス送信済み
		h.logger.Warn("WebSocketアップグレードに失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}

	userID := h.resolver(r)
	if userID == "" {
		msg := websocket.FormatCloseMessage(CloseCodeUnauthorized, "Unauthorized")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := newClient(h.hub, conn, userID, h.sendBuffer, h.logger)
	client.Run()
}

// originChecker はOriginヘッダー検証関数を返す。
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return nil // gorillaデフォルト（同一ホストのみ許可）
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
