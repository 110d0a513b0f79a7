package model

import (
	"time"
)

// SyncJob 状态常量
const (
	JobStatusActive   = "active"
	JobStatusDisabled = "disabled"
	JobStatusError    = "error" // 连续扫描失败达到上限，暂停自动调度，需要人工重置
)

// SyncJob 同步任务配置
// 描述一个远端目录与本地目录之间的同步关系，调度器按 NextScan 触发扫描
type SyncJob struct {
	ID      string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name    string `json:"name" gorm:"type:varchar(255);not null"`
	Enabled bool   `json:"enabled" gorm:"default:true;index"`
	Status  string `json:"status" gorm:"type:varchar(16);default:'active';index"`

	RemotePath string `json:"remote_path" gorm:"type:text;not null"`
	LocalPath  string `json:"local_path" gorm:"type:text;not null"`
	Direction  string `json:"direction" gorm:"type:varchar(16);default:'download'"` // upload, download, sync

	// SSH 目标（凭据只存引用）
	SSHHost      string `json:"ssh_host" gorm:"type:varchar(255);not null"`
	SSHPort      int    `json:"ssh_port" gorm:"default:22"`
	SSHUser      string `json:"ssh_user" gorm:"type:varchar(64);not null"`
	CredentialID string `json:"credential_id" gorm:"type:varchar(64)"`

	// PerJobMaxConcurrency 此任务的并发上限（0 表示使用全局默认值）
	PerJobMaxConcurrency int `json:"per_job_max_concurrency" gorm:"default:0"`

	// MaxRetries 此任务下传输的最大重试次数（0 表示使用全局默认值）
	MaxRetries int `json:"max_retries" gorm:"default:0"`

	// ScanIntervalMinutes 扫描间隔（分钟）
	ScanIntervalMinutes int `json:"scan_interval_minutes" gorm:"default:60"`

	NextScan *time.Time `json:"next_scan" gorm:"index"`
	LastScan *time.Time `json:"last_scan"`

	// ErrorCount 连续扫描失败次数，成功后清零
	ErrorCount   int    `json:"error_count" gorm:"default:0"`
	LastError    string `json:"last_error" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (SyncJob) TableName() string {
	return "sync_jobs"
}

// FileEntry 变更动作常量
const (
	FileActionCreate = "create"
	FileActionUpdate = "update"
	FileActionDelete = "delete"
)

// FileEntry 目录扫描结果中的一项
// 扫描器的输出契约，调度器按此批量准入传输
type FileEntry struct {
	FileID       string `json:"file_id"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
	IsDirectory  bool   `json:"is_directory"`
	Action       string `json:"action"` // create, update, delete
}
