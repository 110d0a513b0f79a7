package transfer

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError 传输参数校验失败（准入时拒绝，不会入队）
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ConnectionError SSH 连接失败（不可达或认证失败，按任务策略可重试）
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TransferError rsync 进程非零退出
// Permanent 表示该退出码属于永久性错误（如权限拒绝、参数错误），不再重试
type TransferError struct {
	ExitCode  int
	Message   string
	Permanent bool
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (exit code %d): %s", e.ExitCode, e.Message)
}

// TimeoutError 扫描超时或传输卡死超过阈值（触发恢复流程，不是崩溃）
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
}

// ConsistencyError 持久状态与内存状态不一致（由恢复服务上报并修复，不允许静默忽略）
type ConsistencyError struct {
	Message string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("state consistency violation: %s", e.Message)
}

// IsRetryable 判断错误是否可以按重试策略重新入队
func IsRetryable(err error) bool {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}

	var terr *TransferError
	if errors.As(err, &terr) {
		return !terr.Permanent
	}

	// 连接失败、超时默认可重试
	return true
}
