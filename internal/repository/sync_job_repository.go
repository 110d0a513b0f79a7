package repository

import (
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"gorm.io/gorm"
)

type SyncJobRepository struct {
	db *gorm.DB
}

func NewSyncJobRepository(db *gorm.DB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

func (r *SyncJobRepository) Create(job *model.SyncJob) error {
	return r.db.Create(job).Error
}

func (r *SyncJobRepository) Update(job *model.SyncJob) error {
	return r.db.Save(job).Error
}

func (r *SyncJobRepository) FindByID(id string) (*model.SyncJob, error) {
	var job model.SyncJob
	err := r.db.Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FindEnabled 查找所有启用且未进入 error 状态的任务
func (r *SyncJobRepository) FindEnabled() ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	err := r.db.Where("enabled = ? AND status <> ?", true, model.JobStatusError).
		Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

// FindDue 查找到期需要扫描的任务（next_scan <= now 或从未扫描过）
func (r *SyncJobRepository) FindDue(now time.Time) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	err := r.db.Where("enabled = ? AND status = ? AND (next_scan IS NULL OR next_scan <= ?)",
		true, model.JobStatusActive, now).
		Order("next_scan ASC").Find(&jobs).Error
	return jobs, err
}

func (r *SyncJobRepository) FindAll(page, pageSize int) ([]model.SyncJob, int64, error) {
	var jobs []model.SyncJob
	var total int64

	query := r.db.Model(&model.SyncJob{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Offset(offset).Limit(pageSize).Order("created_at DESC").Find(&jobs).Error

	return jobs, total, err
}

// UpdateScanResult 更新扫描结果（只改调度相关字段，不碰任务配置）
func (r *SyncJobRepository) UpdateScanResult(id string, lastScan, nextScan time.Time, errorCount int, lastError string) error {
	return r.db.Model(&model.SyncJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_scan":   lastScan,
			"next_scan":   nextScan,
			"error_count": errorCount,
			"last_error":  lastError,
		}).Error
}

// MarkError 将任务标记为 error 状态（暂停自动调度）
func (r *SyncJobRepository) MarkError(id string, lastError string) error {
	return r.db.Model(&model.SyncJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.JobStatusError,
			"last_error": lastError,
		}).Error
}

// ResetError 人工重置 error 状态，恢复自动调度
func (r *SyncJobRepository) ResetError(id string) error {
	now := time.Now()
	return r.db.Model(&model.SyncJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.JobStatusActive,
			"error_count": 0,
			"last_error":  "",
			"next_scan":   now,
		}).Error
}
