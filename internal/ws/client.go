package ws

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Client は1つのWebSocket接続を表す。
// 書き込みはwritePumpゴルーチンに一本化し、Hubからの配信は
// 有界の送信キュー経由で行う。
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	logger *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, userID string, sendBuffer int, logger *slog.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}
}

// UserID は接続の所有ユーザーIDを返す。
func (c *Client) UserID() string {
	return c.userID
}

// enqueue はフレームを送信キューに積む。キューが満杯の場合はfalseを返す。
// Hubのロック内から呼ばれるためブロックしてはならない。
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Run は接続を登録し、確認フレームを送った上で送受信ポンプを起動する。
// どちらかのポンプが終了したらもう一方も終了させ、両方の完了を待ってから
// 登録解除して戻る。接続のクローズ前に処理中のポンプが残ることはない。
func (c *Client) Run() {
	c.hub.Register(c)

	ack := fmt.Sprintf(`{"type":"connected","user_id":%q}`, c.userID)
	c.enqueue([]byte(ack))

	writerDone := make(chan struct{})
	go c.writePump(writerDone)

	// readPumpは接続断の検出まで戻らない
	c.readPump()

	// 登録解除後はBroadcastがこのクライアントに到達しないため、
	// 送信キューを安全にクローズできる
	c.hub.Unregister(c)
	close(c.send)
	<-writerDone

	c.conn.Close()
}

// writePump は送信キューのフレームを順に書き込む。
// 定期的にpingを送り、書き込みエラーまたはキューのクローズで終了する。
func (c *Client) writePump(done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				// 接続をクローズしてreadPump側も確実に終了させる
				c.conn.Close()
				c.drainUntilClosed()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				c.drainUntilClosed()
				return
			}
		}
	}
}

// drainUntilClosed は送信キューがクローズされるまで読み捨てる。
// Runがclose(c.send)を呼べるようにするためのもの。
func (c *Client) drainUntilClosed() {
	for range c.send {
	}
}

// readPump は受信フレームを読み捨てつつ接続断を検出する。
// クライアントからの入力は扱わないが、クローズフレームとpongの処理に読み込みが必要。
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("WebSocket接続が切断されました",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}
