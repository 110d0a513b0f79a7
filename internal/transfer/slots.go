package transfer

import (
	"fmt"
	"sync"
)

// SlotController 任务级并发槽位控制
// 每个任务最多占用 perJobMax 个槽位，防止单个任务吃满全局并发
// 槽位编号从 0 开始，释放后的最小编号优先复用，占用内存有上界
type SlotController struct {
	mu         sync.Mutex
	defaultMax int
	jobMax     map[string]int          // 任务级上限覆盖
	occupied   map[string]map[int]bool // jobID -> 已占用的槽位编号
}

func NewSlotController(defaultMax int) *SlotController {
	if defaultMax <= 0 {
		defaultMax = 3
	}
	return &SlotController{
		defaultMax: defaultMax,
		jobMax:     make(map[string]int),
		occupied:   make(map[string]map[int]bool),
	}
}

// SetJobLimit 设置指定任务的并发上限（0 恢复为全局默认值）
func (c *SlotController) SetJobLimit(jobID string, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if max <= 0 {
		delete(c.jobMax, jobID)
		return
	}
	c.jobMax[jobID] = max
}

// TryAcquireSlot 尝试为任务获取一个槽位
// 返回 (槽位编号, true)；满了返回 (-1, false)——这不是错误，
// 队列会把传输留在待调度状态，等下一次释放事件再试
func (c *SlotController) TryAcquireSlot(jobID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	max := c.limitLocked(jobID)
	slots := c.occupied[jobID]
	if len(slots) >= max {
		return -1, false
	}

	// 复用最小的空闲编号
	for i := 0; i < max; i++ {
		if !slots[i] {
			if slots == nil {
				slots = make(map[int]bool)
				c.occupied[jobID] = slots
			}
			slots[i] = true
			return i, true
		}
	}
	return -1, false
}

// ReleaseSlot 释放槽位
// 重复释放或释放未占用的槽位视为一致性错误（槽位必须恰好释放一次）
func (c *SlotController) ReleaseSlot(jobID string, slot int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	slots := c.occupied[jobID]
	if slots == nil || !slots[slot] {
		return &ConsistencyError{
			Message: fmt.Sprintf("slot %d of job %s released but not occupied", slot, jobID),
		}
	}

	delete(slots, slot)
	if len(slots) == 0 {
		delete(c.occupied, jobID)
	}
	return nil
}

// OccupiedCount 指定任务当前占用的槽位数
func (c *SlotController) OccupiedCount(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.occupied[jobID])
}

// TotalOccupied 所有任务占用的槽位总数
func (c *SlotController) TotalOccupied() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, slots := range c.occupied {
		total += len(slots)
	}
	return total
}

// GetSlotStats 每个任务的槽位占用快照
func (c *SlotController) GetSlotStats() map[string][]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[string][]int, len(c.occupied))
	for jobID, slots := range c.occupied {
		indices := make([]int, 0, len(slots))
		for i := range slots {
			indices = append(indices, i)
		}
		stats[jobID] = indices
	}
	return stats
}

func (c *SlotController) limitLocked(jobID string) int {
	if max, ok := c.jobMax[jobID]; ok {
		return max
	}
	return c.defaultMax
}
