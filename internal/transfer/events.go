package transfer

// EventType 传输事件类型
type EventType string

const (
	EventProgress EventType = "progress"
	EventStatus   EventType = "status"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Event 对外广播的传输事件
// 事件投递是 fire-and-forget：监听方丢失事件不影响持久状态
type Event struct {
	TransferID string      `json:"transfer_id"`
	JobID      string      `json:"job_id"`
	Event      EventType   `json:"event"`
	Payload    interface{} `json:"payload,omitempty"`
}

// EventSink 事件出口（WebSocket 广播等）
type EventSink interface {
	Publish(event Event)
}

// NopSink 空实现，测试和无监听方场景使用
type NopSink struct{}

func (NopSink) Publish(Event) {}
