package handler

import (
	"net/http"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/internal/sshpool"
	"github.com/fisker/zsync-backend/internal/transfer"
	"github.com/gin-gonic/gin"
)

// SystemHandler 系统运维接口：健康检查、连接池、恢复服务
type SystemHandler struct {
	pool     *sshpool.Pool
	recovery *transfer.RecoveryService
	queue    *transfer.Queue
	started  time.Time
}

func NewSystemHandler(pool *sshpool.Pool, recovery *transfer.RecoveryService, queue *transfer.Queue) *SystemHandler {
	return &SystemHandler{pool: pool, recovery: recovery, queue: queue, started: time.Now()}
}

// Health 健康检查
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, model.Success(gin.H{
		"status":  "ok",
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"pending": h.queue.PendingCount(),
		"active":  h.queue.ActiveCount(),
	}))
}

// GetPoolStats 连接池统计
func (h *SystemHandler) GetPoolStats(c *gin.Context) {
	c.JSON(http.StatusOK, model.Success(h.pool.GetPoolStats()))
}

// TriggerRecovery 手动触发一次完整恢复
func (h *SystemHandler) TriggerRecovery(c *gin.Context) {
	result, err := h.recovery.PerformSystemRecovery()
	if err != nil {
		c.JSON(http.StatusConflict, model.Error(409, err.Error()))
		return
	}
	c.JSON(http.StatusOK, model.Success(result))
}

// ValidateConsistency 只读一致性校验
func (h *SystemHandler) ValidateConsistency(c *gin.Context) {
	report, err := h.recovery.ValidateStateConsistency()
	if err != nil {
		model.HandleError(c, http.StatusInternalServerError, err, "failed to validate consistency")
		return
	}
	c.JSON(http.StatusOK, model.Success(report))
}
