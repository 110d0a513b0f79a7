package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// TransferStatus 传输状态
type TransferStatus string

const (
	TransferStatusQueued       TransferStatus = "QUEUED"
	TransferStatusScheduled    TransferStatus = "SCHEDULED"
	TransferStatusTransferring TransferStatus = "TRANSFERRING"
	TransferStatusCompleted    TransferStatus = "COMPLETED"
	TransferStatusFailed       TransferStatus = "FAILED"
	TransferStatusCancelled    TransferStatus = "CANCELLED"
)

// IsTerminal 是否为终态（终态不再参与调度）
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case TransferStatusCompleted, TransferStatusCancelled:
		return true
	}
	return false
}

// IsActive 是否为活跃状态（排队、已调度或传输中）
func (s TransferStatus) IsActive() bool {
	switch s {
	case TransferStatusQueued, TransferStatusScheduled, TransferStatusTransferring:
		return true
	}
	return false
}

// TransferType 传输类型
type TransferType string

const (
	TransferTypeUpload   TransferType = "upload"
	TransferTypeDownload TransferType = "download"
	TransferTypeSync     TransferType = "sync"
)

// ParseTransferType 解析传输类型，未知类型报错
func ParseTransferType(s string) (TransferType, error) {
	switch TransferType(s) {
	case TransferTypeUpload, TransferTypeDownload, TransferTypeSync:
		return TransferType(s), nil
	}
	return "", fmt.Errorf("unknown transfer type: %q", s)
}

// Priority 传输优先级（封闭枚举，带全序）
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank 优先级排序值，越大越优先
// 不认识的优先级返回 -1，排在所有已知优先级之后
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// ParsePriority 解析优先级字符串，未知值报错（不做运行时动态查找）
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority: %q", s)
}

// Transfer 单个文件/目录的传输记录
// 状态只能由 StateManager 按状态机迁移，其他组件不得直接改写 Status
type Transfer struct {
	ID     string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	JobID  string `json:"job_id" gorm:"type:varchar(36);not null;index:idx_transfers_job_status"`
	FileID string `json:"file_id" gorm:"type:varchar(255);not null;index"`

	Type     TransferType `json:"type" gorm:"type:varchar(16);not null"`
	Priority Priority     `json:"priority" gorm:"type:varchar(16);default:'NORMAL'"`
	Status   TransferStatus `json:"status" gorm:"type:varchar(16);default:'QUEUED';index:idx_transfers_job_status"`

	Source      string `json:"source" gorm:"type:text"`
	Destination string `json:"destination" gorm:"type:text"`
	Size        int64  `json:"size"` // 字节数，来自扫描结果，仅供展示

	// SSH 目标（凭据只存引用，凭据内容不入库、不打日志）
	SSHHost      string `json:"ssh_host" gorm:"type:varchar(255)"`
	SSHPort      int    `json:"ssh_port" gorm:"default:22"`
	SSHUser      string `json:"ssh_user" gorm:"type:varchar(64)"`
	CredentialID string `json:"credential_id" gorm:"type:varchar(64)"`

	// RsyncOptions rsync 参数（archive/compress/partial 等开关），JSON 存储
	RsyncOptions datatypes.JSON `json:"rsync_options"`

	MaxRetries int `json:"max_retries" gorm:"default:3"`
	RetryCount int `json:"retry_count" gorm:"default:0"`

	Progress int    `json:"progress" gorm:"default:0"` // 0-100
	Speed    string `json:"speed" gorm:"type:varchar(32)"`
	ETA      string `json:"eta" gorm:"type:varchar(32)"`

	ErrorMessage string `json:"error_message" gorm:"type:text"`

	// ConcurrencySlot 占用的任务级并发槽位（nil 表示未占用）
	ConcurrencySlot *int `json:"concurrency_slot"`

	QueuedAt        time.Time  `json:"queued_at" gorm:"autoCreateTime"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	LastStateChange time.Time  `json:"last_state_change" gorm:"index"`
}

func (Transfer) TableName() string {
	return "transfers"
}

// RsyncFlags rsync 参数开关，序列化进 Transfer.RsyncOptions
type RsyncFlags struct {
	Archive  bool `json:"archive"`
	Compress bool `json:"compress"`
	Partial  bool `json:"partial"`
	Delete   bool `json:"delete"`
	// BWLimitKBps 带宽限制（KB/s），0 表示不限制
	BWLimitKBps int `json:"bwlimit_kbps"`
}

// TransferStats 队列统计
type TransferStats struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
