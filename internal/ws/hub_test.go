package ws

import (
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/hitoshi/authhub/internal/metrics"
)

type dropCountingCollector struct {
	metrics.NopCollector
	mu      sync.Mutex
	dropped int
}

func (c *dropCountingCollector) RecordDroppedFrame() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
}

func (c *dropCountingCollector) droppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// テスト用にポンプを起動しないクライアントを作る。
func stubClient(userID string, buffer int) *Client {
	return &Client{
		userID: userID,
		send:   make(chan []byte, buffer),
		logger: testLogger(),
	}
}

func TestHub_RegisterUnregister_RemovesEmptyEntries(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	c1 := stubClient("user-1", 4)
	c2 := stubClient("user-1", 4)
	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ConnectionCount("user-1"); got != 2 {
		t.Fatalf("ConnectionCount = %d, want 2", got)
	}

	hub.Unregister(c1)
	if got := hub.ConnectionCount("user-1"); got != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", got)
	}

	hub.Unregister(c2)
	// 最後の接続が外れたらユーザーエントリごと消えること
	if users := hub.ConnectedUsers(); len(users) != 0 {
		t.Errorf("ConnectedUsers = %v, want empty", users)
	}
}

func TestHub_Unregister_Idempotent(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	c := stubClient("user-1", 4)
	hub.Register(c)
	hub.Unregister(c)
	hub.Unregister(c) // 2回目はno-op

	if users := hub.ConnectedUsers(); len(users) != 0 {
		t.Errorf("ConnectedUsers = %v, want empty", users)
	}
}

func TestHub_Broadcast_TargetsOnlyOwner(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	target1 := stubClient("user-1", 4)
	target2 := stubClient("user-1", 4)
	other := stubClient("user-2", 4)
	hub.Register(target1)
	hub.Register(target2)
	hub.Register(other)

	delivered, err := hub.Broadcast("user-1", map[string]string{"type": "activity"})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if delivered != 2 {
		t.Errorf("delivered = %d, want 2", delivered)
	}

	// 対象ユーザーの全接続にフレームが届くこと
	for i, c := range []*Client{target1, target2} {
		select {
		case frame := <-c.send:
			if len(frame) == 0 {
				t.Errorf("client %d received empty frame", i)
			}
		default:
			t.Errorf("client %d should have received a frame", i)
		}
	}

	// 他ユーザーの接続には届かないこと
	select {
	case frame := <-other.send:
		t.Errorf("other user should not receive frames, got %s", frame)
	default:
	}
}

func TestHub_Broadcast_EmptyTargetReachesAllHandles(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	clients := []*Client{
		stubClient("user-1", 4),
		stubClient("user-1", 4),
		stubClient("user-2", 4),
	}
	for _, c := range clients {
		hub.Register(c)
	}

	// 対象ユーザー未指定の配信は登録済みの全接続に届くこと
	delivered, err := hub.Broadcast("", map[string]string{"type": "announcement"})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if delivered != 3 {
		t.Errorf("delivered = %d, want 3", delivered)
	}

	for i, c := range clients {
		select {
		case frame := <-c.send:
			if len(frame) == 0 {
				t.Errorf("client %d received empty frame", i)
			}
		default:
			t.Errorf("client %d should have received a frame", i)
		}
	}

	// 配信後に登録された接続には届かないこと（呼び出し時点のスナップショット）
	late := stubClient("user-3", 4)
	hub.Register(late)
	select {
	case frame := <-late.send:
		t.Errorf("late client should not receive past frames, got %s", frame)
	default:
	}
}

func TestHub_Broadcast_EmptyTargetFullQueueDropsOnlyThatHandle(t *testing.T) {
	collector := &dropCountingCollector{}
	hub := NewHub(testLogger(), collector)

	full := stubClient("user-1", 1)
	healthy := stubClient("user-2", 4)
	hub.Register(full)
	hub.Register(healthy)

	full.send <- []byte(`{"n":0}`) // キューを埋めておく

	if n := hub.BroadcastFrame("", []byte(`{"n":1}`)); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if got := collector.droppedCount(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	select {
	case <-healthy.send:
	default:
		t.Error("healthy client should have received the frame")
	}
}

func TestHub_Broadcast_NoConnections(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	delivered, err := hub.Broadcast("nobody", map[string]string{"type": "activity"})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if delivered != 0 {
		t.Errorf("delivered = %d, want 0", delivered)
	}
}

func TestHub_Broadcast_FullQueueDropsFrame(t *testing.T) {
	collector := &dropCountingCollector{}
	hub := NewHub(testLogger(), collector)

	c := stubClient("user-1", 1)
	hub.Register(c)

	// キュー容量1に対し2フレーム配信 → 2件目は破棄
	if n := hub.BroadcastFrame("user-1", []byte(`{"n":1}`)); n != 1 {
		t.Errorf("first delivered = %d, want 1", n)
	}
	if n := hub.BroadcastFrame("user-1", []byte(`{"n":2}`)); n != 0 {
		t.Errorf("second delivered = %d, want 0", n)
	}
	if got := collector.droppedCount(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestHub_ConnectedUsers(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	hub.Register(stubClient("user-1", 4))
	hub.Register(stubClient("user-2", 4))
	hub.Register(stubClient("user-2", 4))

	users := hub.ConnectedUsers()
	sort.Strings(users)
	if len(users) != 2 || users[0] != "user-1" || users[1] != "user-2" {
		t.Errorf("ConnectedUsers = %v, want [user-1 user-2]", users)
	}
}

func TestHub_Broadcast_UnmarshalableMessage(t *testing.T) {
	hub := NewHub(testLogger(), nil)

	if _, err := hub.Broadcast("user-1", func() {}); err == nil {
		t.Error("expected marshal error for unserializable message")
	}
}
