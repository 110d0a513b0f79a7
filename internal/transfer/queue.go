package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/internal/sshpool"
	"github.com/fisker/zsync-backend/pkg/logger"
	"github.com/fisker/zsync-backend/pkg/metrics"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TransferSpec 准入请求（扫描器产出的候选传输）
type TransferSpec struct {
	JobID        string
	FileID       string
	Type         model.TransferType
	Priority     model.Priority
	Source       string
	Destination  string
	Size         int64
	SSHHost      string
	SSHPort      int
	SSHUser      string
	CredentialID string
	RsyncFlags   *model.RsyncFlags
	MaxRetries   int
}

// queueItem 待调度队列中的一项
// seq 是准入顺序号，同优先级内按 seq 保证 FIFO
type queueItem struct {
	transfer *model.Transfer
	seq      uint64
}

// activeEntry 正在执行的传输
type activeEntry struct {
	transfer   *model.Transfer
	cancel     context.CancelFunc
	slot       int
	cancelled  bool // 用户主动取消，终态 CANCELLED
	recovering bool // 恢复服务终止的卡死传输，按可重试失败处理
}

// Queue 传输队列：所有新工作的准入点
// 严格按优先级出队，同优先级 FIFO；出队同时受全局并发上限
// 和任务级槽位控制约束，不满足就留在队列里，等释放事件再评估
type Queue struct {
	states *StateManager
	slots  *SlotController
	pool   *sshpool.Pool
	runner *Runner

	maxConcurrent     int
	defaultMaxRetries int

	mu      sync.Mutex
	pending []*queueItem
	active  map[string]*activeEntry
	seq     uint64

	baseCtx  context.Context
	baseStop context.CancelFunc
	notify   chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewQueue(states *StateManager, slots *SlotController, pool *sshpool.Pool, runner *Runner, maxConcurrent, defaultMaxRetries int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		states:            states,
		slots:             slots,
		pool:              pool,
		runner:            runner,
		maxConcurrent:     maxConcurrent,
		defaultMaxRetries: defaultMaxRetries,
		active:            make(map[string]*activeEntry),
		baseCtx:           ctx,
		baseStop:          cancel,
		notify:            make(chan struct{}, 1),
		stopChan:          make(chan struct{}),
	}
}

// Start 启动调度循环
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.dispatchLoop()
	logger.Infof("[Queue] Transfer queue started (max concurrent: %d)", q.maxConcurrent)
}

// RestoreFromStore 进程启动时从持久存储恢复排队中的传输
// 只恢复 QUEUED；SCHEDULED / TRANSFERRING 的残留记录属于孤儿，
// 留给随后的系统恢复处理
func (q *Queue) RestoreFromStore() error {
	transfers, err := q.states.GetActiveTransfers()
	if err != nil {
		return fmt.Errorf("failed to load active transfers: %w", err)
	}

	restored := 0
	q.mu.Lock()
	for i := range transfers {
		t := transfers[i]
		if t.Status != model.TransferStatusQueued {
			continue
		}
		if q.isTrackedLocked(t.ID) {
			continue
		}
		q.seq++
		q.pending = append(q.pending, &queueItem{transfer: &t, seq: q.seq})
		restored++
	}
	q.mu.Unlock()

	if restored > 0 {
		logger.Infof("[Queue] Restored %d queued transfers from storage", restored)
		q.wake()
	}
	return nil
}

// Add 准入一个传输
// 同一 (jobID, fileID) 已有非终态记录时不重复创建，返回已存在的ID（幂等准入）
func (q *Queue) Add(spec TransferSpec) (string, error) {
	if err := validateSpec(&spec); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// 先查内存（含并发准入的串行化），再查持久存储
	if id, ok := q.findTrackedLocked(spec.JobID, spec.FileID); ok {
		return id, nil
	}
	if existing, err := q.states.FindActiveByJobAndFile(spec.JobID, spec.FileID); err != nil {
		return "", fmt.Errorf("failed to check duplicate admission: %w", err)
	} else if existing != nil {
		return existing.ID, nil
	}

	transfer, err := q.buildTransfer(&spec)
	if err != nil {
		return "", err
	}

	if err := q.states.Create(transfer); err != nil {
		return "", err
	}

	q.seq++
	q.pending = append(q.pending, &queueItem{transfer: transfer, seq: q.seq})
	q.wake()

	logger.Debugf("[Queue] Admitted transfer %s (job: %s, file: %s, priority: %s)",
		transfer.ID, spec.JobID, spec.FileID, transfer.Priority)
	return transfer.ID, nil
}

// AddBatch 批量准入（扫描结果入队）
// 单项校验失败只跳过该项并记日志，不影响批次里的其他项
func (q *Queue) AddBatch(specs []TransferSpec) []string {
	ids := make([]string, 0, len(specs))
	for i := range specs {
		id, err := q.Add(specs[i])
		if err != nil {
			logger.Warnf("[Queue] Rejected transfer spec (job: %s, file: %s): %v",
				specs[i].JobID, specs[i].FileID, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Cancel 取消一个传输
// 还在排队：立即移除并迁移到 CANCELLED
// 正在执行：通知执行器终止进程，进程退出后迁移到 CANCELLED
// 返回 false 表示没有找到可取消的传输
func (q *Queue) Cancel(transferID string) bool {
	q.mu.Lock()

	// 排队中：直接移除
	for i, item := range q.pending {
		if item.transfer.ID == transferID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()

			if err := q.states.MarkCancelled(item.transfer, "cancelled while queued"); err != nil {
				logger.Errorf("[Queue] Failed to mark transfer %s cancelled: %v", transferID, err)
			}
			return true
		}
	}

	// 执行中：取消上下文，terminate 由执行器完成
	if entry, ok := q.active[transferID]; ok {
		entry.cancelled = true
		q.mu.Unlock()
		entry.cancel()
		return true
	}

	q.mu.Unlock()
	return false
}

// CancelActive 终止正在执行的传输（恢复服务处理卡死传输用）
// 与用户取消不同：进程退出后按可重试失败处理，还有重试余量的会重新入队
func (q *Queue) CancelActive(transferID string) bool {
	q.mu.Lock()
	entry, ok := q.active[transferID]
	if ok {
		entry.recovering = true
	}
	q.mu.Unlock()

	if ok {
		entry.cancel()
	}
	return ok
}

// Requeue 把一个已迁回 QUEUED 的传输重新放入队列（重试和恢复路径）
// 以当前时间的顺序号入队，不保留原始 FIFO 位置
// 已在跟踪中的ID直接忽略，同一传输在队列里只能出现一次
func (q *Queue) Requeue(transfer *model.Transfer) {
	if transfer.Status != model.TransferStatusQueued {
		logger.Warnf("[Queue] Refusing to requeue transfer %s in status %s", transfer.ID, transfer.Status)
		return
	}

	q.mu.Lock()
	if q.isTrackedLocked(transfer.ID) {
		q.mu.Unlock()
		logger.Warnf("[Queue] Transfer %s already tracked, skipping requeue", transfer.ID)
		return
	}
	q.seq++
	q.pending = append(q.pending, &queueItem{transfer: transfer, seq: q.seq})
	q.mu.Unlock()
	q.wake()
}

// SetJobLimit 设置任务级并发上限（调度器在准入一批传输前调用）
func (q *Queue) SetJobLimit(jobID string, max int) {
	q.slots.SetJobLimit(jobID, max)
	q.wake()
}

// IsTracked 队列当前是否跟踪该传输（排队或执行中）
// 恢复服务用它判定孤儿记录
func (q *Queue) IsTracked(transferID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isTrackedLocked(transferID)
}

func (q *Queue) isTrackedLocked(transferID string) bool {
	if _, ok := q.active[transferID]; ok {
		return true
	}
	for _, item := range q.pending {
		if item.transfer.ID == transferID {
			return true
		}
	}
	return false
}

// PendingCount 排队中的数量
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ActiveCount 执行中的数量
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// GetStats 队列统计（持久计数 + 内存活跃数）
func (q *Queue) GetStats() (model.TransferStats, error) {
	counts, err := q.states.Store().CountByStatus()
	if err != nil {
		return model.TransferStats{}, err
	}

	stats := model.TransferStats{
		Queued:    counts[model.TransferStatusQueued],
		Completed: counts[model.TransferStatusCompleted],
		Failed:    counts[model.TransferStatusFailed],
		Active:    counts[model.TransferStatusScheduled] + counts[model.TransferStatusTransferring],
	}
	for _, c := range counts {
		stats.Total += c
	}
	return stats, nil
}

// Stop 停止队列：取消所有执行中的传输并等待 goroutine 退出
// 被打断的传输按可重试失败处理，重启后自动恢复
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopChan)
	})
	q.baseStop()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("[Queue] Transfer queue stopped")
	case <-time.After(30 * time.Second):
		logger.Warnf("[Queue] Timeout waiting for active transfers to stop")
	}
}

// dispatchLoop 调度循环：每次唤醒时尽量派发可执行的传输
func (q *Queue) dispatchLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.notify:
			q.dispatch()
		case <-q.stopChan:
			return
		}
	}
}

// dispatch 派发尽可能多的待执行传输
// 全局上限和任务槽位都满足才出队，否则留在队列等下次释放事件
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()

		if len(q.active) >= q.maxConcurrent || len(q.pending) == 0 {
			q.updateGaugesLocked()
			q.mu.Unlock()
			return
		}

		item := q.takeDispatchableLocked()
		if item == nil {
			q.updateGaugesLocked()
			q.mu.Unlock()
			return
		}

		ctx, cancel := context.WithCancel(q.baseCtx)
		entry := &activeEntry{
			transfer: item.transfer,
			cancel:   cancel,
			slot:     *item.transfer.ConcurrencySlot,
		}
		q.active[item.transfer.ID] = entry
		q.updateGaugesLocked()
		q.mu.Unlock()

		q.wg.Add(1)
		go q.runTransfer(ctx, entry)
	}
}

// takeDispatchableLocked 取出优先级最高、最早准入、且能拿到任务槽位的传输
// 拿不到槽位的跳过（不阻塞后面优先级较低但不同任务的传输）
func (q *Queue) takeDispatchableLocked() *queueItem {
	sort.SliceStable(q.pending, func(i, j int) bool {
		ri, rj := q.pending[i].transfer.Priority.Rank(), q.pending[j].transfer.Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return q.pending[i].seq < q.pending[j].seq
	})

	for i, item := range q.pending {
		slot, ok := q.slots.TryAcquireSlot(item.transfer.JobID)
		if !ok {
			continue
		}
		item.transfer.ConcurrencySlot = &slot
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return item
	}
	return nil
}

// runTransfer 执行单个传输的完整生命周期
// 槽位和连接的获取/释放通过显式调用交接，不跨结构持锁
func (q *Queue) runTransfer(ctx context.Context, entry *activeEntry) {
	defer q.wg.Done()

	t := entry.transfer

	if err := q.states.Transition(t, model.TransferStatusScheduled); err != nil {
		logger.Errorf("[Queue] Failed to schedule transfer %s: %v", t.ID, err)
		q.finishTransfer(entry)
		return
	}

	target := sshpool.Target{
		Host:         t.SSHHost,
		Port:         t.SSHPort,
		User:         t.SSHUser,
		CredentialID: t.CredentialID,
	}

	conn, err := q.pool.Acquire(ctx, target)
	if err != nil {
		q.handleFailure(entry, &ConnectionError{Target: target.Addr(), Err: err})
		return
	}

	if err := q.states.Transition(t, model.TransferStatusTransferring); err != nil {
		logger.Errorf("[Queue] Failed to start transfer %s: %v", t.ID, err)
		conn.Release()
		q.finishTransfer(entry)
		return
	}

	started := time.Now()
	onProgress := func(p Progress) {
		if err := q.states.RecordProgress(t, p.Percent, p.Speed, p.ETA); err != nil {
			logger.Debugf("[Queue] Failed to record progress for %s: %v", t.ID, err)
		}
	}

	err = q.runner.Execute(ctx, t, conn.IdentityFile, onProgress)

	switch {
	case err == nil:
		conn.Release()
		clearSlotField(t)
		if terr := q.states.Transition(t, model.TransferStatusCompleted); terr != nil {
			logger.Errorf("[Queue] Failed to complete transfer %s: %v", t.ID, terr)
		}
		metrics.TransferDuration.WithLabelValues(string(t.Type)).Observe(time.Since(started).Seconds())
		metrics.TransferBytes.WithLabelValues(string(t.Type)).Add(float64(t.Size))
		q.finishTransfer(entry)

	case errors.Is(err, context.Canceled):
		conn.Release()
		q.resolveInterrupted(entry)

	default:
		// SSH 层失败时连接可能已坏，丢弃而非归还
		var cerr *ConnectionError
		var terr *TransferError
		if errors.As(err, &cerr) || (errors.As(err, &terr) && terr.ExitCode == 255) {
			conn.Discard()
		} else {
			conn.Release()
		}
		q.handleFailure(entry, err)
	}
}

// resolveInterrupted 进程被取消后的收尾
// 用户取消 → 终态 CANCELLED
// 恢复服务终止的卡死传输 / 进程停机打断 → 可重试失败，有余量就重新入队
func (q *Queue) resolveInterrupted(entry *activeEntry) {
	t := entry.transfer
	clearSlotField(t)

	switch {
	case entry.cancelled:
		if terr := q.states.MarkCancelled(t, "transfer cancelled"); terr != nil {
			logger.Errorf("[Queue] Failed to mark transfer %s cancelled: %v", t.ID, terr)
		}
		q.finishTransfer(entry)
	case entry.recovering:
		q.handleFailureNoAcquire(entry, "stuck transfer recovered", true)
	default:
		q.handleFailureNoAcquire(entry, "interrupted by shutdown", true)
	}
}

// handleFailure 失败处理：按重试策略决定重新入队还是终态失败
func (q *Queue) handleFailure(entry *activeEntry, err error) {
	q.handleFailureNoAcquire(entry, err.Error(), IsRetryable(err))
}

func (q *Queue) handleFailureNoAcquire(entry *activeEntry, errMsg string, retryable bool) {
	t := entry.transfer
	clearSlotField(t)

	requeued, err := q.states.MarkFailed(t, errMsg, retryable)
	if err != nil {
		logger.Errorf("[Queue] Failed to record failure for transfer %s: %v", t.ID, err)
	}

	q.finishTransfer(entry)

	if requeued {
		q.Requeue(t)
	}
}

// finishTransfer 释放槽位、移出活跃表、唤醒调度
func (q *Queue) finishTransfer(entry *activeEntry) {
	if err := q.slots.ReleaseSlot(entry.transfer.JobID, entry.slot); err != nil {
		logger.Errorf("[Queue] %v", err)
	}

	q.mu.Lock()
	delete(q.active, entry.transfer.ID)
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.wake()
}

func (q *Queue) buildTransfer(spec *TransferSpec) (*model.Transfer, error) {
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.defaultMaxRetries
	}

	priority := spec.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	var opts datatypes.JSON
	if spec.RsyncFlags != nil {
		data, err := json.Marshal(spec.RsyncFlags)
		if err != nil {
			return nil, &ValidationError{Field: "rsync_flags", Reason: err.Error()}
		}
		opts = datatypes.JSON(data)
	}

	port := spec.SSHPort
	if port == 0 {
		port = 22
	}

	return &model.Transfer{
		ID:           uuid.New().String(),
		JobID:        spec.JobID,
		FileID:       spec.FileID,
		Type:         spec.Type,
		Priority:     priority,
		Source:       spec.Source,
		Destination:  spec.Destination,
		Size:         spec.Size,
		SSHHost:      spec.SSHHost,
		SSHPort:      port,
		SSHUser:      spec.SSHUser,
		CredentialID: spec.CredentialID,
		RsyncOptions: opts,
		MaxRetries:   maxRetries,
		QueuedAt:     time.Now(),
	}, nil
}

func (q *Queue) findTrackedLocked(jobID, fileID string) (string, bool) {
	for _, item := range q.pending {
		if item.transfer.JobID == jobID && item.transfer.FileID == fileID {
			return item.transfer.ID, true
		}
	}
	for id, entry := range q.active {
		if entry.transfer.JobID == jobID && entry.transfer.FileID == fileID {
			return id, true
		}
	}
	return "", false
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) updateGaugesLocked() {
	metrics.QueuedTransfers.Set(float64(len(q.pending)))
	metrics.ActiveTransfers.Set(float64(len(q.active)))
}

func validateSpec(spec *TransferSpec) error {
	if spec.JobID == "" {
		return &ValidationError{Field: "job_id", Reason: "required"}
	}
	if spec.FileID == "" {
		return &ValidationError{Field: "file_id", Reason: "required"}
	}
	if spec.Source == "" {
		return &ValidationError{Field: "source", Reason: "required"}
	}
	if spec.Destination == "" {
		return &ValidationError{Field: "destination", Reason: "required"}
	}
	if spec.SSHHost == "" {
		return &ValidationError{Field: "ssh_host", Reason: "required"}
	}
	if spec.SSHUser == "" {
		return &ValidationError{Field: "ssh_user", Reason: "required"}
	}
	if _, err := model.ParseTransferType(string(spec.Type)); err != nil {
		return &ValidationError{Field: "type", Reason: err.Error()}
	}
	if spec.Priority != "" {
		if _, err := model.ParsePriority(string(spec.Priority)); err != nil {
			return &ValidationError{Field: "priority", Reason: err.Error()}
		}
	}
	return nil
}

func clearSlotField(t *model.Transfer) {
	t.ConcurrencySlot = nil
}
