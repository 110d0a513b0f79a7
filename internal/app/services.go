package app

import (
	"time"

	"github.com/fisker/zsync-backend/internal/notification"
	"github.com/fisker/zsync-backend/internal/scanner"
	"github.com/fisker/zsync-backend/internal/scheduler"
	"github.com/fisker/zsync-backend/internal/sshpool"
	"github.com/fisker/zsync-backend/internal/transfer"
	"github.com/fisker/zsync-backend/pkg/config"
	"github.com/fisker/zsync-backend/pkg/logger"
	pkgredis "github.com/fisker/zsync-backend/pkg/redis"
)

// Services 核心服务实例
type Services struct {
	Hub      *notification.Hub
	States   *transfer.StateManager
	Slots    *transfer.SlotController
	Pool     *sshpool.Pool
	Runner   *transfer.Runner
	Queue    *transfer.Queue
	Recovery *transfer.RecoveryService
	Scanner  scanner.DirectoryScanner
	Creds    sshpool.CredentialProvider
}

// InitializeServices 按依赖顺序组装核心服务
func InitializeServices(repos *Repositories, cfg *config.Config) *Services {
	hub := notification.NewHub()
	states := transfer.NewStateManager(repos.Transfer, hub)
	slots := transfer.NewSlotController(cfg.Transfer.PerJobMaxConcurrency)

	creds := sshpool.NewFileCredentialProvider(cfg.SSHPool.CredentialDir)
	pool := sshpool.NewPool(cfg.SSHPool, creds)

	runner := transfer.NewRunner(
		cfg.Transfer.RsyncPath,
		time.Duration(cfg.Transfer.CancelGraceSeconds)*time.Second,
		time.Duration(cfg.Transfer.ProgressIntervalMs)*time.Millisecond,
	)

	queue := transfer.NewQueue(states, slots, pool, runner, cfg.Transfer.MaxConcurrent, cfg.Transfer.MaxRetries)

	recovery := transfer.NewRecoveryService(
		states, queue, slots, runner,
		pkgredis.GetClient(),
		time.Duration(cfg.Recovery.StuckThresholdMinutes)*time.Minute,
	)

	return &Services{
		Hub:      hub,
		States:   states,
		Slots:    slots,
		Pool:     pool,
		Runner:   runner,
		Queue:    queue,
		Recovery: recovery,
		Scanner:  scanner.NewRsyncScanner(cfg.Transfer.RsyncPath, creds),
		Creds:    creds,
	}
}

// BackgroundServices 后台服务实例
type BackgroundServices struct {
	Scheduler *scheduler.SyncScheduler

	retentionStop chan struct{}
	recoveryStop  chan struct{}
}

// InitializeBackgroundServices 初始化后台服务
func InitializeBackgroundServices(repos *Repositories, services *Services, cfg *config.Config) *BackgroundServices {
	return &BackgroundServices{
		Scheduler: scheduler.NewSyncScheduler(
			repos.SyncJob, services.Scanner, services.Queue, services.Pool, cfg.Scheduler,
		),
		retentionStop: make(chan struct{}),
		recoveryStop:  make(chan struct{}),
	}
}

// Start 启动后台服务
// 队列先启动并恢复排队记录，让恢复服务看到的跟踪状态是完整的，
// 再跑系统恢复处理崩溃残留（SCHEDULED / TRANSFERRING 的孤儿），最后开调度
func (b *BackgroundServices) Start(repos *Repositories, services *Services, cfg *config.Config) {
	services.Queue.Start()

	if err := services.Queue.RestoreFromStore(); err != nil {
		logger.Errorf("[App] Failed to restore queued transfers: %v", err)
	}
	if _, err := services.Recovery.PerformSystemRecovery(); err != nil {
		logger.Warnf("[App] Startup recovery skipped: %v", err)
	}

	b.Scheduler.Start()
	go b.retentionLoop(repos, cfg.Transfer.RetentionDays)
	if cfg.Recovery.AutoIntervalMinutes > 0 {
		go b.recoveryLoop(services, time.Duration(cfg.Recovery.AutoIntervalMinutes)*time.Minute)
	}
}

// Stop 按依赖的反序停止
func (b *BackgroundServices) Stop(services *Services) {
	close(b.retentionStop)
	close(b.recoveryStop)
	b.Scheduler.Stop()
	services.Queue.Stop()
	services.Pool.Stop()
	services.Hub.Close()
}

// retentionLoop 周期清理过期的终态传输记录
func (b *BackgroundServices) retentionLoop(repos *Repositories, retentionDays int) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			deleted, err := repos.Transfer.DeleteTerminalBefore(cutoff)
			if err != nil {
				logger.Errorf("[App] Retention cleanup failed: %v", err)
				continue
			}
			if deleted > 0 {
				logger.Infof("[App] Retention cleanup removed %d terminal transfers", deleted)
			}
		case <-b.retentionStop:
			return
		}
	}
}

// recoveryLoop 周期执行自动恢复（可选，AutoIntervalMinutes > 0 时启用）
func (b *BackgroundServices) recoveryLoop(services *Services, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := services.Recovery.PerformSystemRecovery(); err != nil {
				logger.Debugf("[App] Periodic recovery skipped: %v", err)
			}
		case <-b.recoveryStop:
			return
		}
	}
}
