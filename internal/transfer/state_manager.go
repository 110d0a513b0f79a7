package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/pkg/logger"
	"github.com/fisker/zsync-backend/pkg/metrics"
)

// TransferStore 传输记录的持久化接口，由 repository.TransferRepository 实现
// 测试中用内存实现替换
type TransferStore interface {
	Create(transfer *model.Transfer) error
	Save(transfer *model.Transfer) error
	FindByID(id string) (*model.Transfer, error)
	FindActiveByJobAndFile(jobID, fileID string) (*model.Transfer, error)
	FindActive() ([]model.Transfer, error)
	FindStale(before time.Time) ([]model.Transfer, error)
	CountByStatus() (map[model.TransferStatus]int64, error)
}

// validTransitions 状态机允许的边
// QUEUED → SCHEDULED → TRANSFERRING → COMPLETED
//                                   → FAILED → QUEUED (重试)
// 任意非终态 → CANCELLED
// QUEUED/SCHEDULED → FAILED（调度或连接阶段失败）
var validTransitions = map[model.TransferStatus][]model.TransferStatus{
	model.TransferStatusQueued: {
		model.TransferStatusScheduled,
		model.TransferStatusFailed,
		model.TransferStatusCancelled,
	},
	model.TransferStatusScheduled: {
		model.TransferStatusTransferring,
		model.TransferStatusFailed,
		model.TransferStatusCancelled,
	},
	model.TransferStatusTransferring: {
		model.TransferStatusCompleted,
		model.TransferStatusFailed,
		model.TransferStatusCancelled,
	},
	model.TransferStatusFailed: {
		model.TransferStatusQueued, // 仅重试路径
	},
	// COMPLETED / CANCELLED 是终态，没有出边
}

// StateManager 传输状态机
// 所有状态变更必须经过这里：先持久化，再广播事件
// 崩溃发生在两步之间时，监听方最多错过事件，不会看到未提交的状态
type StateManager struct {
	store TransferStore
	sink  EventSink
	mu    sync.Mutex
}

func NewStateManager(store TransferStore, sink EventSink) *StateManager {
	if sink == nil {
		sink = NopSink{}
	}
	return &StateManager{
		store: store,
		sink:  sink,
	}
}

// CanTransition 判断状态机是否允许 from → to
func CanTransition(from, to model.TransferStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Create 创建并持久化一条新传输记录（初始状态 QUEUED）
func (m *StateManager) Create(transfer *model.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transfer.Status = model.TransferStatusQueued
	transfer.LastStateChange = time.Now()

	if err := m.store.Create(transfer); err != nil {
		return fmt.Errorf("failed to persist transfer: %w", err)
	}

	m.sink.Publish(Event{
		TransferID: transfer.ID,
		JobID:      transfer.JobID,
		Event:      EventStatus,
		Payload:    map[string]interface{}{"status": transfer.Status},
	})
	return nil
}

// Transition 迁移传输状态，非法边返回 ConsistencyError
// 持久化成功后才广播事件（persistence-then-notify）
func (m *StateManager) Transition(transfer *model.Transfer, to model.TransferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transitionLocked(transfer, to)
}

func (m *StateManager) transitionLocked(transfer *model.Transfer, to model.TransferStatus) error {
	from := transfer.Status
	if !CanTransition(from, to) {
		return &ConsistencyError{
			Message: fmt.Sprintf("invalid transition %s → %s for transfer %s", from, to, transfer.ID),
		}
	}

	now := time.Now()
	transfer.Status = to
	transfer.LastStateChange = now

	switch to {
	case model.TransferStatusTransferring:
		transfer.StartedAt = &now
	case model.TransferStatusCompleted, model.TransferStatusCancelled:
		transfer.CompletedAt = &now
	case model.TransferStatusFailed:
		transfer.CompletedAt = &now
	}

	if err := m.store.Save(transfer); err != nil {
		// 持久化失败，回滚内存状态，调用方决定如何处理
		transfer.Status = from
		return fmt.Errorf("failed to persist transition %s → %s: %w", from, to, err)
	}

	logger.Debugf("[StateManager] Transfer %s: %s → %s", transfer.ID, from, to)

	eventType := EventStatus
	if to == model.TransferStatusCompleted {
		eventType = EventComplete
	} else if to == model.TransferStatusFailed {
		eventType = EventError
	}

	m.sink.Publish(Event{
		TransferID: transfer.ID,
		JobID:      transfer.JobID,
		Event:      eventType,
		Payload: map[string]interface{}{
			"status":        to,
			"error_message": transfer.ErrorMessage,
			"retry_count":   transfer.RetryCount,
		},
	})

	switch to {
	case model.TransferStatusCompleted, model.TransferStatusFailed, model.TransferStatusCancelled:
		metrics.TransfersTotal.WithLabelValues(string(to)).Inc()
	}

	return nil
}

// RecordProgress 记录进度并广播（调用方负责节流）
func (m *StateManager) RecordProgress(transfer *model.Transfer, progress int, speed, eta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if transfer.Status != model.TransferStatusTransferring {
		// 进程输出可能在取消后还残留几行，直接忽略
		return nil
	}

	transfer.Progress = progress
	transfer.Speed = speed
	transfer.ETA = eta
	transfer.LastStateChange = time.Now()

	if err := m.store.Save(transfer); err != nil {
		return fmt.Errorf("failed to persist progress: %w", err)
	}

	m.sink.Publish(Event{
		TransferID: transfer.ID,
		JobID:      transfer.JobID,
		Event:      EventProgress,
		Payload: map[string]interface{}{
			"progress": progress,
			"speed":    speed,
			"eta":      eta,
		},
	})
	return nil
}

// MarkFailed 标记失败并按重试策略决定是否重新入队
// 返回 true 表示已迁回 QUEUED（调用方需要重新放入队列）
// 重试以当前时间重新入队，不保留原始的 FIFO 位置（明确的公平性取舍）
func (m *StateManager) MarkFailed(transfer *model.Transfer, errMsg string, retryable bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	transfer.ErrorMessage = errMsg

	if err := m.transitionLocked(transfer, model.TransferStatusFailed); err != nil {
		return false, err
	}

	if !retryable || transfer.RetryCount >= transfer.MaxRetries {
		logger.Warnf("[StateManager] Transfer %s failed permanently (retries: %d/%d): %s",
			transfer.ID, transfer.RetryCount, transfer.MaxRetries, errMsg)
		return false, nil
	}

	// 重试：计数 +1，进度清零，回到 QUEUED
	transfer.RetryCount++
	transfer.Progress = 0
	transfer.Speed = ""
	transfer.ETA = ""
	transfer.StartedAt = nil
	transfer.CompletedAt = nil

	if err := m.transitionLocked(transfer, model.TransferStatusQueued); err != nil {
		return false, err
	}

	metrics.TransferRetries.Inc()
	logger.Infof("[StateManager] Transfer %s re-queued for retry %d/%d",
		transfer.ID, transfer.RetryCount, transfer.MaxRetries)
	return true, nil
}

// MarkCancelled 迁移到 CANCELLED 终态
func (m *StateManager) MarkCancelled(transfer *model.Transfer, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	transfer.ErrorMessage = reason
	return m.transitionLocked(transfer, model.TransferStatusCancelled)
}

// GetActiveTransfers 从持久存储读取所有非终态传输（重启后重建内存状态用）
func (m *StateManager) GetActiveTransfers() ([]model.Transfer, error) {
	return m.store.FindActive()
}

// FindActiveByJobAndFile 准入去重查询
func (m *StateManager) FindActiveByJobAndFile(jobID, fileID string) (*model.Transfer, error) {
	return m.store.FindActiveByJobAndFile(jobID, fileID)
}

// Store 返回底层存储（恢复服务的只读诊断用）
func (m *StateManager) Store() TransferStore {
	return m.store
}
