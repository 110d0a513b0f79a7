package scheduler

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/internal/repository"
	"github.com/fisker/zsync-backend/internal/scanner"
	"github.com/fisker/zsync-backend/internal/sshpool"
	"github.com/fisker/zsync-backend/internal/transfer"
	"github.com/fisker/zsync-backend/pkg/config"
	"github.com/fisker/zsync-backend/pkg/logger"
	"github.com/fisker/zsync-backend/pkg/metrics"
)

// ScanExecution 一次正在进行的扫描
type ScanExecution struct {
	JobID     string    `json:"job_id"`
	JobName   string    `json:"job_name"`
	StartedAt time.Time `json:"started_at"`
}

// SyncScheduler 同步任务调度器
// 周期检查到期任务，触发目录扫描并把扫描结果准入传输队列
// 连续失败达到上限的任务进入 ERROR 状态暂停调度，需人工重置
type SyncScheduler struct {
	jobRepo *repository.SyncJobRepository
	scanner scanner.DirectoryScanner
	queue   *transfer.Queue
	pool    *sshpool.Pool
	cfg     config.SchedulerConfig

	scanSem     chan struct{}
	refreshChan chan struct{}

	mu      sync.Mutex
	running map[string]*ScanExecution

	stopChan    chan struct{}
	stoppedChan chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewSyncScheduler(jobRepo *repository.SyncJobRepository, sc scanner.DirectoryScanner, queue *transfer.Queue, pool *sshpool.Pool, cfg config.SchedulerConfig) *SyncScheduler {
	return &SyncScheduler{
		jobRepo:     jobRepo,
		scanner:     sc,
		queue:       queue,
		pool:        pool,
		cfg:         cfg,
		scanSem:     make(chan struct{}, cfg.MaxConcurrentScans),
		refreshChan: make(chan struct{}, 1),
		running:     make(map[string]*ScanExecution),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start 启动调度循环和健康检查循环
func (s *SyncScheduler) Start() {
	s.wg.Add(2)
	go s.scheduleLoop()
	go s.healthLoop()
	logger.Infof("[Scheduler] 📅 Sync scheduler started (check interval: %ds, max concurrent scans: %d)",
		s.cfg.CheckInterval, s.cfg.MaxConcurrentScans)
}

// Stop 停止调度器，等待进行中的扫描退出
func (s *SyncScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("[Scheduler] ⏹️ Sync scheduler stopped")
	case <-time.After(10 * time.Second):
		logger.Warnf("[Scheduler] Timeout waiting for scans to stop")
	}
	close(s.stoppedChan)
}

func (s *SyncScheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.CheckInterval) * time.Second)
	defer ticker.Stop()

	// 启动后先跑一轮，不等第一个 tick
	s.checkDueJobs()

	for {
		select {
		case <-ticker.C:
			s.checkDueJobs()
		case <-s.refreshChan:
			s.checkDueJobs()
		case <-s.stopChan:
			return
		}
	}
}

// RefreshJobs 立即重新拉取到期任务，不等下一个 tick
// 任务配置变更（新建/启停）后由 API 层调用
func (s *SyncScheduler) RefreshJobs() {
	select {
	case s.refreshChan <- struct{}{}:
	default:
	}
}

// checkDueJobs 找出到期任务并尽量并发扫描
// 拿不到并发额度的任务留给下一个 tick，不排队堆积
func (s *SyncScheduler) checkDueJobs() {
	jobs, err := s.jobRepo.FindDue(time.Now())
	if err != nil {
		logger.Errorf("[Scheduler] Failed to query due jobs: %v", err)
		return
	}

	for i := range jobs {
		job := jobs[i]

		s.mu.Lock()
		_, alreadyRunning := s.running[job.ID]
		s.mu.Unlock()
		if alreadyRunning {
			continue
		}

		select {
		case s.scanSem <- struct{}{}:
		default:
			logger.Debugf("[Scheduler] Scan slots full, job %s deferred to next tick", job.ID)
			return
		}

		s.mu.Lock()
		s.running[job.ID] = &ScanExecution{JobID: job.ID, JobName: job.Name, StartedAt: time.Now()}
		s.mu.Unlock()

		s.wg.Add(1)
		go func(job model.SyncJob) {
			defer s.wg.Done()
			defer func() { <-s.scanSem }()
			defer func() {
				s.mu.Lock()
				delete(s.running, job.ID)
				s.mu.Unlock()
			}()
			s.scanJob(&job)
		}(job)
	}
}

// scanJob 扫描单个任务并把变更准入传输队列
func (s *SyncScheduler) scanJob(job *model.SyncJob) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ScanTimeout)*time.Second)
	defer cancel()

	entries, err := s.scanner.Scan(ctx, job)
	metrics.ScanDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = &transfer.TimeoutError{Op: "scan", Timeout: time.Duration(s.cfg.ScanTimeout) * time.Second}
		}
		s.handleScanFailure(job, err)
		return
	}

	admitted := s.admitEntries(job, entries)
	metrics.ScansTotal.WithLabelValues("success").Inc()

	now := time.Now()
	nextScan := now.Add(time.Duration(job.ScanIntervalMinutes) * time.Minute)
	if uerr := s.jobRepo.UpdateScanResult(job.ID, now, nextScan, 0, ""); uerr != nil {
		logger.Errorf("[Scheduler] Failed to record scan result for job %s: %v", job.ID, uerr)
		return
	}
	logger.Infof("[Scheduler] Job %s scan completed: %d changes, %d admitted (next scan: %s)",
		job.ID, len(entries), admitted, nextScan.Format("15:04:05"))
}

// admitEntries 把扫描出的变更转换为传输请求并批量入队
// 目录和删除动作不产生传输：目录由 rsync 隐式创建，删除交给带 --delete 的全量同步
func (s *SyncScheduler) admitEntries(job *model.SyncJob, entries []model.FileEntry) int {
	if len(entries) == 0 {
		return 0
	}

	limit := job.PerJobMaxConcurrency
	s.queue.SetJobLimit(job.ID, limit)

	maxRetries := job.MaxRetries

	specs := make([]transfer.TransferSpec, 0, len(entries))
	for _, e := range entries {
		if e.IsDirectory || e.Action == model.FileActionDelete {
			continue
		}

		spec := transfer.TransferSpec{
			JobID:        job.ID,
			FileID:       e.FileID,
			Type:         model.TransferType(job.Direction),
			Priority:     model.PriorityNormal,
			Size:         e.Size,
			SSHHost:      job.SSHHost,
			SSHPort:      job.SSHPort,
			SSHUser:      job.SSHUser,
			CredentialID: job.CredentialID,
			MaxRetries:   maxRetries,
		}
		switch job.Direction {
		case string(model.TransferTypeUpload):
			spec.Source = filepath.Join(job.LocalPath, e.RelativePath)
			spec.Destination = path.Join(job.RemotePath, e.RelativePath)
		default:
			spec.Source = path.Join(job.RemotePath, e.RelativePath)
			spec.Destination = filepath.Join(job.LocalPath, e.RelativePath)
		}
		specs = append(specs, spec)
	}

	ids := s.queue.AddBatch(specs)
	return len(ids)
}

// handleScanFailure 累计失败次数，按指数退避安排重试
// 达到上限后任务进入 ERROR 状态，不再自动调度
func (s *SyncScheduler) handleScanFailure(job *model.SyncJob, scanErr error) {
	metrics.ScansTotal.WithLabelValues("failure").Inc()

	errorCount := job.ErrorCount + 1
	errMsg := scanErr.Error()

	if errorCount >= s.cfg.MaxErrorCount {
		if merr := s.jobRepo.MarkError(job.ID, errMsg); merr != nil {
			logger.Errorf("[Scheduler] Failed to mark job %s as error: %v", job.ID, merr)
			return
		}
		metrics.JobsInError.Inc()
		logger.Errorf("[Scheduler] Job %s suspended after %d consecutive failures: %s", job.ID, errorCount, errMsg)
		return
	}

	now := time.Now()
	nextScan := now.Add(s.errorRetryDelay(errorCount))
	if uerr := s.jobRepo.UpdateScanResult(job.ID, now, nextScan, errorCount, errMsg); uerr != nil {
		logger.Errorf("[Scheduler] Failed to record scan failure for job %s: %v", job.ID, uerr)
		return
	}
	logger.Warnf("[Scheduler] Job %s scan failed (%d/%d): %s, retry at %s",
		job.ID, errorCount, s.cfg.MaxErrorCount, errMsg, nextScan.Format("15:04:05"))
}

// errorRetryDelay 按连续失败次数取指数退避延迟
func (s *SyncScheduler) errorRetryDelay(errorCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(s.cfg.ErrorRetryDelay) * time.Second
	b.MaxInterval = 30 * time.Minute
	b.RandomizationFactor = 0.1
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < errorCount; i++ {
		if next := b.NextBackOff(); next != backoff.Stop {
			delay = next
		}
	}
	return delay
}

// healthLoop 周期上报运行时健康信息
func (s *SyncScheduler) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.HealthCheckInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportHealth()
		case <-s.stopChan:
			return
		}
	}
}

func (s *SyncScheduler) reportHealth() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	poolStats := s.pool.GetPoolStats()

	logger.Infof("[Scheduler] Health: goroutines=%d, heap=%dMB, pool_conns=%d, queue_pending=%d, queue_active=%d, scans_running=%d",
		runtime.NumGoroutine(), m.HeapAlloc/1024/1024, poolStats.Total,
		s.queue.PendingCount(), s.queue.ActiveCount(), len(s.GetRunningExecutions()))
}

// TriggerJobScan 手动触发一次扫描（运维接口）
// 不经过到期检查，但仍受并发额度限制
func (s *SyncScheduler) TriggerJobScan(jobID string) error {
	job, err := s.jobRepo.FindByID(jobID)
	if err != nil {
		return fmt.Errorf("job %s not found: %w", jobID, err)
	}
	if !job.Enabled {
		return fmt.Errorf("job %s is disabled", jobID)
	}

	s.mu.Lock()
	if _, ok := s.running[jobID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s scan already in progress", jobID)
	}
	s.mu.Unlock()

	select {
	case s.scanSem <- struct{}{}:
	default:
		return fmt.Errorf("scan slots full, try again later")
	}

	s.mu.Lock()
	s.running[jobID] = &ScanExecution{JobID: jobID, JobName: job.Name, StartedAt: time.Now()}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.scanSem }()
		defer func() {
			s.mu.Lock()
			delete(s.running, jobID)
			s.mu.Unlock()
		}()
		s.scanJob(job)
	}()

	logger.Infof("[Scheduler] Manual scan triggered for job %s", jobID)
	return nil
}

// ResetJobError 重置 ERROR 状态的任务，恢复自动调度
func (s *SyncScheduler) ResetJobError(jobID string) error {
	job, err := s.jobRepo.FindByID(jobID)
	if err != nil {
		return fmt.Errorf("job %s not found: %w", jobID, err)
	}
	if job.Status != model.JobStatusError {
		return fmt.Errorf("job %s is not in error status", jobID)
	}

	if err := s.jobRepo.ResetError(jobID); err != nil {
		return err
	}
	metrics.JobsInError.Dec()
	logger.Infof("[Scheduler] Job %s error state reset, scheduling resumed", jobID)
	return nil
}

// GetScheduledJobs 当前启用的任务列表
func (s *SyncScheduler) GetScheduledJobs() ([]model.SyncJob, error) {
	return s.jobRepo.FindEnabled()
}

// GetRunningExecutions 正在扫描中的任务
func (s *SyncScheduler) GetRunningExecutions() []ScanExecution {
	s.mu.Lock()
	defer s.mu.Unlock()

	execs := make([]ScanExecution, 0, len(s.running))
	for _, e := range s.running {
		execs = append(execs, *e)
	}
	return execs
}
