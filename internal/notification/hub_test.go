package notification

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fisker/zsync-backend/internal/transfer"
	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClientCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count = %d, expected %d", h.ClientCount(), want)
}

// TestHubPublishDelivers 事件经缓冲通道写出到订阅端
func TestHubPublishDelivers(t *testing.T) {
	h := NewHub()
	defer h.Close()
	conn := dialHub(t, h)
	waitClientCount(t, h, 1)

	h.Publish(transfer.Event{
		TransferID: "t-1",
		JobID:      "job-1",
		Event:      transfer.EventProgress,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got transfer.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	if got.TransferID != "t-1" || got.JobID != "job-1" || got.Event != transfer.EventProgress {
		t.Errorf("event = %+v, expected transfer t-1 progress", got)
	}
}

// TestHubDropsSlowConsumer 不消费的订阅端写满缓冲后被断开，发布方不被拖住
func TestHubDropsSlowConsumer(t *testing.T) {
	h := NewHub()
	defer h.Close()
	dialHub(t, h)
	waitClientCount(t, h, 1)

	// 订阅端不读：塞远超 socket 缓冲 + 事件缓冲能吸收的量
	payload := strings.Repeat("x", 4096)
	start := time.Now()
	for i := 0; i < 4096; i++ {
		h.Publish(transfer.Event{
			TransferID: "t-slow",
			Event:      transfer.EventProgress,
			Payload:    payload,
		})
	}
	elapsed := time.Since(start)

	waitClientCount(t, h, 0)
	if elapsed > 3*time.Second {
		t.Errorf("publish storm took %v, expected non-blocking delivery", elapsed)
	}
}
