package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/internal/repository"
	"github.com/fisker/zsync-backend/internal/scheduler"
	"github.com/fisker/zsync-backend/internal/sshpool"
	"github.com/fisker/zsync-backend/pkg/sshclient"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// JobHandler 同步任务管理接口
type JobHandler struct {
	repo      *repository.SyncJobRepository
	scheduler *scheduler.SyncScheduler
	creds     sshpool.CredentialProvider
}

func NewJobHandler(repo *repository.SyncJobRepository, sched *scheduler.SyncScheduler, creds sshpool.CredentialProvider) *JobHandler {
	return &JobHandler{repo: repo, scheduler: sched, creds: creds}
}

// ListJobs 分页查询同步任务
func (h *JobHandler) ListJobs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	jobs, total, err := h.repo.FindAll(page, pageSize)
	if err != nil {
		model.HandleError(c, http.StatusInternalServerError, err, "failed to list jobs")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	c.JSON(http.StatusOK, model.Success(model.PaginatedResponse{
		Data:       jobs,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}))
}

// GetJob 查询任务详情
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.repo.FindByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, model.Error(404, "job not found"))
		return
	}
	c.JSON(http.StatusOK, model.Success(job))
}

// CreateJob 创建同步任务
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req struct {
		Name                 string `json:"name" binding:"required"`
		RemotePath           string `json:"remote_path" binding:"required"`
		LocalPath            string `json:"local_path" binding:"required"`
		Direction            string `json:"direction"`
		SSHHost              string `json:"ssh_host" binding:"required"`
		SSHPort              int    `json:"ssh_port"`
		SSHUser              string `json:"ssh_user" binding:"required"`
		CredentialID         string `json:"credential_id" binding:"required"`
		PerJobMaxConcurrency int    `json:"per_job_max_concurrency"`
		MaxRetries           int    `json:"max_retries"`
		ScanIntervalMinutes  int    `json:"scan_interval_minutes"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Error(400, err.Error()))
		return
	}

	if req.Direction == "" {
		req.Direction = string(model.TransferTypeDownload)
	}
	if _, err := model.ParseTransferType(req.Direction); err != nil {
		c.JSON(http.StatusBadRequest, model.Error(400, err.Error()))
		return
	}
	if req.SSHPort == 0 {
		req.SSHPort = 22
	}
	if req.ScanIntervalMinutes <= 0 {
		req.ScanIntervalMinutes = 60
	}

	now := time.Now()
	job := &model.SyncJob{
		ID:                   uuid.New().String(),
		Name:                 req.Name,
		Enabled:              true,
		Status:               model.JobStatusActive,
		RemotePath:           req.RemotePath,
		LocalPath:            req.LocalPath,
		Direction:            req.Direction,
		SSHHost:              req.SSHHost,
		SSHPort:              req.SSHPort,
		SSHUser:              req.SSHUser,
		CredentialID:         req.CredentialID,
		PerJobMaxConcurrency: req.PerJobMaxConcurrency,
		MaxRetries:           req.MaxRetries,
		ScanIntervalMinutes:  req.ScanIntervalMinutes,
		NextScan:             &now,
	}

	if err := h.repo.Create(job); err != nil {
		model.HandleError(c, http.StatusInternalServerError, err, "failed to create job")
		return
	}
	h.scheduler.RefreshJobs()
	c.JSON(http.StatusOK, model.Success(job))
}

// UpdateJob 更新任务（启用/禁用、并发上限、扫描间隔等）
func (h *JobHandler) UpdateJob(c *gin.Context) {
	job, err := h.repo.FindByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, model.Error(404, "job not found"))
		return
	}

	var req struct {
		Name                 *string `json:"name"`
		Enabled              *bool   `json:"enabled"`
		PerJobMaxConcurrency *int    `json:"per_job_max_concurrency"`
		MaxRetries           *int    `json:"max_retries"`
		ScanIntervalMinutes  *int    `json:"scan_interval_minutes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.Error(400, err.Error()))
		return
	}

	if req.Name != nil {
		job.Name = *req.Name
	}
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	if req.PerJobMaxConcurrency != nil {
		job.PerJobMaxConcurrency = *req.PerJobMaxConcurrency
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.ScanIntervalMinutes != nil && *req.ScanIntervalMinutes > 0 {
		job.ScanIntervalMinutes = *req.ScanIntervalMinutes
	}

	if err := h.repo.Update(job); err != nil {
		model.HandleError(c, http.StatusInternalServerError, err, "failed to update job")
		return
	}
	h.scheduler.RefreshJobs()
	c.JSON(http.StatusOK, model.Success(job))
}

// TriggerScan 手动触发一次扫描
func (h *JobHandler) TriggerScan(c *gin.Context) {
	if err := h.scheduler.TriggerJobScan(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, model.Error(409, err.Error()))
		return
	}
	c.JSON(http.StatusOK, model.Success(gin.H{"triggered": true}))
}

// ResetError 重置 ERROR 状态的任务
func (h *JobHandler) ResetError(c *gin.Context) {
	if err := h.scheduler.ResetJobError(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, model.Error(409, err.Error()))
		return
	}
	c.JSON(http.StatusOK, model.Success(gin.H{"reset": true}))
}

// GetRunningScans 正在执行中的扫描
func (h *JobHandler) GetRunningScans(c *gin.Context) {
	c.JSON(http.StatusOK, model.Success(h.scheduler.GetRunningExecutions()))
}

// TestConnection 用任务配置的凭据试连一次远端，排查连不上的问题
func (h *JobHandler) TestConnection(c *gin.Context) {
	job, err := h.repo.FindByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, model.Error(404, "job not found"))
		return
	}

	cred, err := h.creds.Resolve(job.CredentialID)
	if err != nil {
		model.HandleError(c, http.StatusInternalServerError, err, "failed to resolve credential")
		return
	}

	start := time.Now()
	if err := sshclient.TestConnection(sshclient.SSHConfig{
		Host:       job.SSHHost,
		Port:       job.SSHPort,
		Username:   job.SSHUser,
		Password:   cred.Password,
		PrivateKey: cred.PrivateKeyPEM,
		Passphrase: cred.Passphrase,
		Timeout:    10 * time.Second,
	}); err != nil {
		c.JSON(http.StatusOK, model.Success(gin.H{
			"reachable": false,
			"error":     err.Error(),
		}))
		return
	}

	c.JSON(http.StatusOK, model.Success(gin.H{
		"reachable":  true,
		"latency_ms": time.Since(start).Milliseconds(),
	}))
}
