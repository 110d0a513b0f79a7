package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/pkg/distributed"
	"github.com/fisker/zsync-backend/pkg/logger"
	"github.com/fisker/zsync-backend/pkg/metrics"
	"github.com/go-redis/redis/v8"
)

const recoveryLockKey = "zsync:recovery:lock"

// RecoveryRecord 一条恢复发现的异常传输
type RecoveryRecord struct {
	TransferID      string               `json:"transfer_id"`
	JobID           string               `json:"job_id"`
	Status          model.TransferStatus `json:"status"`
	LastStateChange time.Time            `json:"last_state_change"`
	StuckDuration   string               `json:"stuck_duration,omitempty"`
}

// ConsistencyReport 状态一致性校验结果（只读，不做任何修改）
type ConsistencyReport struct {
	StoredActive   int64     `json:"stored_active"`
	TrackedPending int       `json:"tracked_pending"`
	TrackedActive  int       `json:"tracked_active"`
	OccupiedSlots  int       `json:"occupied_slots"`
	RunningProcs   int       `json:"running_procs"`
	Consistent     bool      `json:"consistent"`
	Findings       []string  `json:"findings,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// RecoveryResult 一次完整恢复的汇总
type RecoveryResult struct {
	OrphanedFound     int              `json:"orphaned_found"`
	OrphanedRecovered int              `json:"orphaned_recovered"`
	StuckFound        int              `json:"stuck_found"`
	StuckRecovered    int              `json:"stuck_recovered"`
	Requeued          int              `json:"requeued"`
	Report            *ConsistencyReport `json:"report"`
	StartedAt         time.Time        `json:"started_at"`
	Duration          string           `json:"duration"`
}

// RecoveryService 孤儿与卡死传输的恢复服务
// 启动时和运维触发时各跑一次完整恢复；同一时刻只允许一次恢复在跑，
// 多实例部署时再叠加 Redis 分布式锁
type RecoveryService struct {
	states      *StateManager
	queue       *Queue
	slots       *SlotController
	runner      *Runner
	redisClient *redis.Client

	stuckThreshold time.Duration

	mu      sync.Mutex
	running bool
}

func NewRecoveryService(states *StateManager, queue *Queue, slots *SlotController, runner *Runner, redisClient *redis.Client, stuckThreshold time.Duration) *RecoveryService {
	if stuckThreshold <= 0 {
		stuckThreshold = 30 * time.Minute
	}
	return &RecoveryService{
		states:         states,
		queue:          queue,
		slots:          slots,
		runner:         runner,
		redisClient:    redisClient,
		stuckThreshold: stuckThreshold,
	}
}

// DetectOrphanedTransfers 找出存储里执行中但队列不再跟踪的传输
// 典型成因：进程崩溃后残留的 SCHEDULED / TRANSFERRING 记录
// QUEUED 的记录不算孤儿：它们没有开始执行，由队列重启时原样恢复，
// 不应消耗重试次数
func (s *RecoveryService) DetectOrphanedTransfers() ([]RecoveryRecord, error) {
	transfers, err := s.states.GetActiveTransfers()
	if err != nil {
		return nil, fmt.Errorf("failed to load active transfers: %w", err)
	}

	var orphaned []RecoveryRecord
	for i := range transfers {
		t := &transfers[i]
		if t.Status == model.TransferStatusQueued {
			continue
		}
		if s.queue.IsTracked(t.ID) {
			continue
		}
		orphaned = append(orphaned, RecoveryRecord{
			TransferID:      t.ID,
			JobID:           t.JobID,
			Status:          t.Status,
			LastStateChange: t.LastStateChange,
		})
	}
	return orphaned, nil
}

// CleanupOrphanedTransfer 清理一条孤儿传输
// 先迁移到 FAILED；还有重试余量的会迁回 QUEUED 并重新入队
func (s *RecoveryService) CleanupOrphanedTransfer(transferID string) (requeued bool, err error) {
	t, err := s.states.Store().FindByID(transferID)
	if err != nil {
		return false, fmt.Errorf("failed to load transfer %s: %w", transferID, err)
	}
	if t.Status.IsTerminal() || t.Status == model.TransferStatusQueued {
		return false, nil
	}
	if s.queue.IsTracked(t.ID) {
		return false, nil
	}

	// 孤儿可能还占着槽位（执行器挂掉时没走释放路径）
	if t.ConcurrencySlot != nil {
		if rerr := s.slots.ReleaseSlot(t.JobID, *t.ConcurrencySlot); rerr != nil {
			logger.Debugf("[Recovery] Slot for orphaned transfer %s already free: %v", t.ID, rerr)
		}
		t.ConcurrencySlot = nil
	}

	requeued, err = s.states.MarkFailed(t, "orphaned transfer recovered", true)
	if err != nil {
		return false, err
	}

	metrics.OrphanedTransfersRecovered.Inc()
	if requeued {
		s.queue.Requeue(t)
		logger.Infof("[Recovery] Orphaned transfer %s requeued (retry %d/%d)", t.ID, t.RetryCount, t.MaxRetries)
	} else {
		logger.Warnf("[Recovery] Orphaned transfer %s failed permanently (retries exhausted)", t.ID)
	}
	return requeued, nil
}

// DetectStuckTransfers 找出超过阈值没有任何状态变化的活跃传输
func (s *RecoveryService) DetectStuckTransfers() ([]RecoveryRecord, error) {
	cutoff := time.Now().Add(-s.stuckThreshold)
	transfers, err := s.states.Store().FindStale(cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to load stale transfers: %w", err)
	}

	var stuck []RecoveryRecord
	for i := range transfers {
		t := &transfers[i]
		stuck = append(stuck, RecoveryRecord{
			TransferID:      t.ID,
			JobID:           t.JobID,
			Status:          t.Status,
			LastStateChange: t.LastStateChange,
			StuckDuration:   time.Since(t.LastStateChange).Round(time.Second).String(),
		})
	}
	return stuck, nil
}

// RecoverStuckTransfer 恢复一条卡死的传输
// 还在队列跟踪中的先取消执行（杀掉 rsync 进程），让正常失败路径收尾；
// 不在跟踪中的按孤儿处理
func (s *RecoveryService) RecoverStuckTransfer(transferID string) (requeued bool, err error) {
	if s.queue.CancelActive(transferID) {
		// 取消会走执行器的终止路径，这里只负责触发
		metrics.StuckTransfersRecovered.Inc()
		logger.Infof("[Recovery] Cancelled stuck transfer %s, runner will finalize", transferID)
		return false, nil
	}

	if s.runner.IsRunning(transferID) {
		s.runner.Kill(transferID)
	}

	requeued, err = s.CleanupOrphanedTransfer(transferID)
	if err != nil {
		return false, err
	}
	metrics.StuckTransfersRecovered.Inc()
	return requeued, nil
}

// ValidateStateConsistency 交叉校验存储计数、队列跟踪、槽位占用和进程数
// 只生成报告，不做任何修复动作
func (s *RecoveryService) ValidateStateConsistency() (*ConsistencyReport, error) {
	counts, err := s.states.Store().CountByStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to count transfers: %w", err)
	}

	report := &ConsistencyReport{
		StoredActive: counts[model.TransferStatusQueued] +
			counts[model.TransferStatusScheduled] +
			counts[model.TransferStatusTransferring],
		TrackedPending: s.queue.PendingCount(),
		TrackedActive:  s.queue.ActiveCount(),
		OccupiedSlots:  s.slots.TotalOccupied(),
		RunningProcs:   s.runner.RunningCount(),
		CheckedAt:      time.Now(),
	}

	tracked := int64(report.TrackedPending + report.TrackedActive)
	if report.StoredActive != tracked {
		report.Findings = append(report.Findings,
			fmt.Sprintf("storage has %d active transfers but queue tracks %d", report.StoredActive, tracked))
	}
	if report.OccupiedSlots != report.TrackedActive {
		report.Findings = append(report.Findings,
			fmt.Sprintf("%d slots occupied but %d transfers executing", report.OccupiedSlots, report.TrackedActive))
	}
	if report.RunningProcs > report.TrackedActive {
		report.Findings = append(report.Findings,
			fmt.Sprintf("%d rsync processes running but only %d transfers executing", report.RunningProcs, report.TrackedActive))
	}

	report.Consistent = len(report.Findings) == 0
	return report, nil
}

// PerformSystemRecovery 执行一次完整恢复：孤儿清理、卡死恢复、一致性校验
// 进程内互斥 + Redis 分布式锁（未配置 Redis 时退化为进程内互斥）
func (s *RecoveryService) PerformSystemRecovery() (*RecoveryResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("recovery already in progress")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	lock := distributed.NewRedisLock(s.redisClient, recoveryLockKey, 5*time.Minute)
	acquired, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire recovery lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("recovery lock held by another instance")
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil {
			logger.Warnf("[Recovery] Failed to release recovery lock: %v", uerr)
		}
	}()

	started := time.Now()
	result := &RecoveryResult{StartedAt: started}
	logger.Infof("[Recovery] System recovery started")

	orphaned, err := s.DetectOrphanedTransfers()
	if err != nil {
		return nil, err
	}
	result.OrphanedFound = len(orphaned)
	for _, rec := range orphaned {
		requeued, cerr := s.CleanupOrphanedTransfer(rec.TransferID)
		if cerr != nil {
			logger.Errorf("[Recovery] Failed to clean up orphaned transfer %s: %v", rec.TransferID, cerr)
			continue
		}
		result.OrphanedRecovered++
		if requeued {
			result.Requeued++
		}
	}

	stuck, err := s.DetectStuckTransfers()
	if err != nil {
		return nil, err
	}
	result.StuckFound = len(stuck)
	for _, rec := range stuck {
		requeued, rerr := s.RecoverStuckTransfer(rec.TransferID)
		if rerr != nil {
			logger.Errorf("[Recovery] Failed to recover stuck transfer %s: %v", rec.TransferID, rerr)
			continue
		}
		result.StuckRecovered++
		if requeued {
			result.Requeued++
		}
	}

	report, err := s.ValidateStateConsistency()
	if err != nil {
		logger.Errorf("[Recovery] Consistency validation failed: %v", err)
	} else {
		result.Report = report
		if !report.Consistent {
			for _, f := range report.Findings {
				logger.Warnf("[Recovery] Consistency finding: %s", f)
			}
		}
	}

	result.Duration = time.Since(started).Round(time.Millisecond).String()
	logger.Infof("[Recovery] ✅ System recovery completed: %d orphaned, %d stuck, %d requeued (took %s)",
		result.OrphanedRecovered, result.StuckRecovered, result.Requeued, result.Duration)
	return result, nil
}
