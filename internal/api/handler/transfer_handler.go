package handler

import (
	"net/http"
	"strconv"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/internal/repository"
	"github.com/fisker/zsync-backend/internal/transfer"
	"github.com/gin-gonic/gin"
)

// TransferHandler 传输查询和控制接口
type TransferHandler struct {
	repo  *repository.TransferRepository
	queue *transfer.Queue
}

func NewTransferHandler(repo *repository.TransferRepository, queue *transfer.Queue) *TransferHandler {
	return &TransferHandler{repo: repo, queue: queue}
}

// ListTransfers 分页查询传输记录，支持按任务和状态过滤
func (h *TransferHandler) ListTransfers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	jobID := c.Query("job_id")
	status := model.TransferStatus(c.Query("status"))

	transfers, total, err := h.repo.FindAll(page, pageSize, jobID, status)
	if err != nil {
		model.HandleError(c, http.StatusInternalServerError, err, "failed to list transfers")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	c.JSON(http.StatusOK, model.Success(model.PaginatedResponse{
		Data:       transfers,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}))
}

// GetTransfer 查询单条传输详情
func (h *TransferHandler) GetTransfer(c *gin.Context) {
	t, err := h.repo.FindByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, model.Error(404, "transfer not found"))
		return
	}
	c.JSON(http.StatusOK, model.Success(t))
}

// CancelTransfer 取消一个排队或执行中的传输
func (h *TransferHandler) CancelTransfer(c *gin.Context) {
	id := c.Param("id")
	if h.queue.Cancel(id) {
		c.JSON(http.StatusOK, model.Success(gin.H{"transfer_id": id, "cancelled": true}))
		return
	}

	// 队列不跟踪的记录可能已经是终态
	t, err := h.repo.FindByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, model.Error(404, "transfer not found"))
		return
	}
	c.JSON(http.StatusConflict, model.Error(409, "transfer is already "+string(t.Status)))
}

// GetQueueStats 队列统计
func (h *TransferHandler) GetQueueStats(c *gin.Context) {
	stats, err := h.queue.GetStats()
	if err != nil {
		model.HandleError(c, http.StatusInternalServerError, err, "failed to get queue stats")
		return
	}
	c.JSON(http.StatusOK, model.Success(stats))
}
