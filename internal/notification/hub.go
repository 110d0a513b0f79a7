package notification

import (
	"net/http"
	"sync"
	"time"

	"github.com/fisker/zsync-backend/internal/transfer"
	"github.com/fisker/zsync-backend/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendBufferSize 每个订阅端的事件缓冲，写满说明消费方太慢，直接断开
const sendBufferSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client 一个已连接的订阅端
// 事件先进缓冲通道，由独立的写 goroutine 串行写出，
// 发布方永远不等网络 I/O
type client struct {
	conn *websocket.Conn
	send chan transfer.Event
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writeLoop 把缓冲里的事件逐条写出，写失败即退出
func (c *client) writeLoop() {
	defer c.close()
	for {
		select {
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Hub 传输事件的 WebSocket 推送中心
// 事件投递是尽力而为：缓冲写满或写失败直接断开该订阅端，不重试不缓存
type Hub struct {
	clients sync.Map // clientID -> *client
}

func NewHub() *Hub {
	return &Hub{}
}

// Publish 向所有订阅端广播一条事件
// 非阻塞：状态机在持锁路径上调用，这里只做入队，慢消费方被丢弃
func (h *Hub) Publish(event transfer.Event) {
	h.clients.Range(func(key, value interface{}) bool {
		c := value.(*client)
		select {
		case c.send <- event:
		default:
			logger.Debugf("[Notification] Dropping slow client %v", key)
			h.clients.Delete(key)
			c.close()
		}
		return true
	})
}

// HandleWebSocket 升级 HTTP 连接为事件订阅
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("[Notification] WebSocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.New().String()
	c := &client{
		conn: conn,
		send: make(chan transfer.Event, sendBufferSize),
		done: make(chan struct{}),
	}
	h.clients.Store(clientID, c)
	logger.Infof("[Notification] Client %s connected (%d total)", clientID, h.ClientCount())

	go c.writeLoop()

	// 读循环只用于感知断开，订阅端不发业务消息
	go func() {
		defer func() {
			h.clients.Delete(clientID)
			c.close()
			logger.Infof("[Notification] Client %s disconnected", clientID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount 当前订阅端数量
func (h *Hub) ClientCount() int {
	count := 0
	h.clients.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Close 关闭所有订阅端连接
func (h *Hub) Close() {
	h.clients.Range(func(key, value interface{}) bool {
		value.(*client).close()
		h.clients.Delete(key)
		return true
	})
}
