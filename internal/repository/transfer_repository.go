package repository

import (
	"errors"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"gorm.io/gorm"
)

type TransferRepository struct {
	db *gorm.DB
}

func NewTransferRepository(db *gorm.DB) *TransferRepository {
	return &TransferRepository{db: db}
}

func (r *TransferRepository) Create(transfer *model.Transfer) error {
	return r.db.Create(transfer).Error
}

func (r *TransferRepository) Save(transfer *model.Transfer) error {
	return r.db.Save(transfer).Error
}

func (r *TransferRepository) FindByID(id string) (*model.Transfer, error) {
	var transfer model.Transfer
	err := r.db.Where("id = ?", id).First(&transfer).Error
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

// FindActiveByJobAndFile 查找同一 (job_id, file_id) 的非终态记录
// 用于准入去重：同一文件同一任务同时只允许一条活跃传输
func (r *TransferRepository) FindActiveByJobAndFile(jobID, fileID string) (*model.Transfer, error) {
	var transfer model.Transfer
	err := r.db.Where("job_id = ? AND file_id = ? AND status IN ?",
		jobID, fileID, activeStatuses()).First(&transfer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

// FindActive 查找所有非终态的传输（进程重启后从这里重建内存状态）
func (r *TransferRepository) FindActive() ([]model.Transfer, error) {
	var transfers []model.Transfer
	err := r.db.Where("status IN ?", activeStatuses()).
		Order("queued_at ASC").Find(&transfers).Error
	return transfers, err
}

// FindByStatus 按状态查找
func (r *TransferRepository) FindByStatus(statuses []model.TransferStatus) ([]model.Transfer, error) {
	var transfers []model.Transfer
	err := r.db.Where("status IN ?", statuses).Find(&transfers).Error
	return transfers, err
}

// FindStale 查找 last_state_change 早于指定时间且仍处于活跃状态的传输
// 恢复服务用它检测卡死的传输
func (r *TransferRepository) FindStale(before time.Time) ([]model.Transfer, error) {
	var transfers []model.Transfer
	err := r.db.Where("status IN ? AND last_state_change < ?",
		[]model.TransferStatus{model.TransferStatusScheduled, model.TransferStatusTransferring}, before).
		Find(&transfers).Error
	return transfers, err
}

// FindAll 分页查询（可按任务和状态过滤）
func (r *TransferRepository) FindAll(page, pageSize int, jobID string, status model.TransferStatus) ([]model.Transfer, int64, error) {
	var transfers []model.Transfer
	var total int64

	query := r.db.Model(&model.Transfer{})

	if jobID != "" {
		query = query.Where("job_id = ?", jobID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Offset(offset).Limit(pageSize).Order("queued_at DESC").Find(&transfers).Error

	return transfers, total, err
}

// CountByStatus 按状态分组统计
func (r *TransferRepository) CountByStatus() (map[model.TransferStatus]int64, error) {
	type row struct {
		Status model.TransferStatus
		Count  int64
	}
	var rows []row
	err := r.db.Model(&model.Transfer{}).
		Select("status, count(*) as count").
		Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.TransferStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// DeleteTerminalBefore 清理早于指定时间的终态记录（保留期之外的归档清理）
func (r *TransferRepository) DeleteTerminalBefore(before time.Time) (int64, error) {
	result := r.db.Where("status IN ? AND last_state_change < ?",
		[]model.TransferStatus{model.TransferStatusCompleted, model.TransferStatusFailed, model.TransferStatusCancelled},
		before).Delete(&model.Transfer{})
	return result.RowsAffected, result.Error
}

func activeStatuses() []model.TransferStatus {
	return []model.TransferStatus{
		model.TransferStatusQueued,
		model.TransferStatusScheduled,
		model.TransferStatusTransferring,
		// FAILED 不算活跃：重试时会被状态机迁回 QUEUED
	}
}
