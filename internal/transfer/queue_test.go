package transfer

import (
	"errors"
	"testing"

	"github.com/fisker/zsync-backend/internal/model"
)

func newTestQueue(t *testing.T, store TransferStore, maxConcurrent int) *Queue {
	t.Helper()
	states := NewStateManager(store, nil)
	slots := NewSlotController(3)
	return NewQueue(states, slots, nil, nil, maxConcurrent, 3)
}

func testSpec(jobID, fileID string, priority model.Priority) TransferSpec {
	return TransferSpec{
		JobID:        jobID,
		FileID:       fileID,
		Type:         model.TransferTypeDownload,
		Priority:     priority,
		Source:       "/remote/" + fileID,
		Destination:  "/local/" + fileID,
		SSHHost:      "backup.example.com",
		SSHUser:      "sync",
		CredentialID: "cred-1",
	}
}

// TestQueueAddValidation 缺字段和非法枚举被拒绝
func TestQueueAddValidation(t *testing.T) {
	q := newTestQueue(t, newMemStore(), 10)

	tests := []struct {
		name   string
		mutate func(*TransferSpec)
	}{
		{"缺任务ID", func(s *TransferSpec) { s.JobID = "" }},
		{"缺文件ID", func(s *TransferSpec) { s.FileID = "" }},
		{"缺源路径", func(s *TransferSpec) { s.Source = "" }},
		{"缺目标路径", func(s *TransferSpec) { s.Destination = "" }},
		{"缺主机", func(s *TransferSpec) { s.SSHHost = "" }},
		{"缺用户", func(s *TransferSpec) { s.SSHUser = "" }},
		{"非法类型", func(s *TransferSpec) { s.Type = "mirror" }},
		{"非法优先级", func(s *TransferSpec) { s.Priority = "CRITICAL" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec("job-1", "f1", model.PriorityNormal)
			tt.mutate(&spec)

			_, err := q.Add(spec)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}
}

// TestQueueAddIdempotent 同一 (jobID, fileID) 的非终态记录不重复准入
func TestQueueAddIdempotent(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(t, store, 10)

	id1, err := q.Add(testSpec("job-1", "f1", model.PriorityNormal))
	if err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	id2, err := q.Add(testSpec("job-1", "f1", model.PriorityHigh))
	if err != nil {
		t.Fatalf("duplicate Add failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate admission created new transfer: %s != %s", id1, id2)
	}
	if q.PendingCount() != 1 {
		t.Errorf("pending = %d, expected 1", q.PendingCount())
	}

	// 不同文件正常准入
	id3, err := q.Add(testSpec("job-1", "f2", model.PriorityNormal))
	if err != nil {
		t.Fatalf("Add f2 failed: %v", err)
	}
	if id3 == id1 {
		t.Error("distinct file returned same transfer id")
	}
}

// TestQueueAddRestoredDuplicate 重启后存储里已有的排队记录同样挡住重复准入
func TestQueueAddRestoredDuplicate(t *testing.T) {
	store := newMemStore()
	existing := newTestTransfer("restored-1")
	existing.JobID = "job-1"
	existing.FileID = "f1"
	existing.Status = model.TransferStatusQueued
	store.Create(existing)

	q := newTestQueue(t, store, 10)

	id, err := q.Add(testSpec("job-1", "f1", model.PriorityNormal))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if id != "restored-1" {
		t.Errorf("expected existing id restored-1, got %s", id)
	}
}

// TestQueueDispatchOrder 严格优先级，同优先级 FIFO
func TestQueueDispatchOrder(t *testing.T) {
	q := newTestQueue(t, newMemStore(), 10)

	q.Add(testSpec("job-a", "low-1", model.PriorityLow))
	q.Add(testSpec("job-b", "urgent-1", model.PriorityUrgent))
	q.Add(testSpec("job-c", "normal-1", model.PriorityNormal))
	q.Add(testSpec("job-d", "normal-2", model.PriorityNormal))
	q.Add(testSpec("job-e", "urgent-2", model.PriorityUrgent))

	wantOrder := []string{"urgent-1", "urgent-2", "normal-1", "normal-2", "low-1"}
	for i, want := range wantOrder {
		q.mu.Lock()
		item := q.takeDispatchableLocked()
		q.mu.Unlock()
		if item == nil {
			t.Fatalf("takeDispatchable #%d returned nil", i)
		}
		if item.transfer.FileID != want {
			t.Errorf("dispatch #%d = %s, expected %s", i, item.transfer.FileID, want)
		}
	}
}

// TestQueueDispatchSkipsJobsWithoutSlots 槽位满的任务不阻塞其他任务
func TestQueueDispatchSkipsJobsWithoutSlots(t *testing.T) {
	store := newMemStore()
	states := NewStateManager(store, nil)
	slots := NewSlotController(1)
	q := NewQueue(states, slots, nil, nil, 10, 3)

	q.Add(testSpec("job-a", "a1", model.PriorityHigh))
	q.Add(testSpec("job-a", "a2", model.PriorityHigh))
	q.Add(testSpec("job-b", "b1", model.PriorityLow))

	q.mu.Lock()
	first := q.takeDispatchableLocked()
	second := q.takeDispatchableLocked()
	third := q.takeDispatchableLocked()
	q.mu.Unlock()

	if first == nil || first.transfer.FileID != "a1" {
		t.Fatalf("first dispatch = %v, expected a1", first)
	}
	// job-a 的槽位用完，低优先级的 job-b 顶上
	if second == nil || second.transfer.FileID != "b1" {
		t.Fatalf("second dispatch should skip slotless job-a and pick b1")
	}
	if third != nil {
		t.Fatalf("third dispatch = %s, expected nil (no slots left)", third.transfer.FileID)
	}
}

// TestQueueCancelPending 取消排队中的传输
func TestQueueCancelPending(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(t, store, 10)

	id, _ := q.Add(testSpec("job-1", "f1", model.PriorityNormal))
	if !q.Cancel(id) {
		t.Fatal("Cancel returned false for pending transfer")
	}
	if q.PendingCount() != 0 {
		t.Errorf("pending = %d after cancel", q.PendingCount())
	}

	stored, _ := store.FindByID(id)
	if stored.Status != model.TransferStatusCancelled {
		t.Errorf("status = %s, expected CANCELLED", stored.Status)
	}

	// 再取消一次：传输已不被跟踪
	if q.Cancel(id) {
		t.Error("Cancel returned true for already-cancelled transfer")
	}
}

// TestQueueRestoreFromStore 重启时只恢复 QUEUED 的记录
func TestQueueRestoreFromStore(t *testing.T) {
	store := newMemStore()

	queued := newTestTransfer("r-queued")
	queued.Status = model.TransferStatusQueued
	store.Create(queued)

	transferring := newTestTransfer("r-active")
	transferring.Status = model.TransferStatusTransferring
	store.Create(transferring)

	q := newTestQueue(t, store, 10)
	if err := q.RestoreFromStore(); err != nil {
		t.Fatalf("RestoreFromStore failed: %v", err)
	}

	if !q.IsTracked("r-queued") {
		t.Error("queued transfer not restored")
	}
	// TRANSFERRING 的残留是孤儿，归恢复服务处理
	if q.IsTracked("r-active") {
		t.Error("transferring orphan must not be restored into queue")
	}
}

// TestQueueRequeueSkipsTracked 同一传输不会在队列里出现两份
func TestQueueRequeueSkipsTracked(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(t, store, 10)

	tr := newTestTransfer("rq-1")
	tr.Status = model.TransferStatusQueued
	store.Create(tr)

	q.Requeue(tr)
	if q.PendingCount() != 1 {
		t.Fatalf("pending = %d, expected 1", q.PendingCount())
	}

	q.Requeue(tr)
	if q.PendingCount() != 1 {
		t.Errorf("pending = %d after duplicate requeue, expected 1", q.PendingCount())
	}
}

// TestQueueRestoreFromStoreIdempotent 重复恢复不产生重复排队项
func TestQueueRestoreFromStoreIdempotent(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(t, store, 10)

	tr := newTestTransfer("restore-dup")
	tr.Status = model.TransferStatusQueued
	store.Create(tr)

	for i := 0; i < 2; i++ {
		if err := q.RestoreFromStore(); err != nil {
			t.Fatalf("RestoreFromStore failed: %v", err)
		}
	}
	if q.PendingCount() != 1 {
		t.Errorf("pending = %d, expected 1", q.PendingCount())
	}
}

// TestQueueStuckRecoveryRequeues 恢复服务终止的传输按可重试失败收尾，不是终态取消
func TestQueueStuckRecoveryRequeues(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(t, store, 10)

	tr := newTestTransfer("stuck-active")
	tr.Status = model.TransferStatusTransferring
	store.Create(tr)

	slot, ok := q.slots.TryAcquireSlot(tr.JobID)
	if !ok {
		t.Fatal("failed to acquire slot for setup")
	}
	entry := &activeEntry{transfer: tr, cancel: func() {}, slot: slot}
	q.mu.Lock()
	q.active[tr.ID] = entry
	q.mu.Unlock()

	if !q.CancelActive(tr.ID) {
		t.Fatal("CancelActive did not find active transfer")
	}
	if entry.cancelled {
		t.Error("recovery termination must not set the user-cancel flag")
	}

	q.resolveInterrupted(entry)

	got, err := store.FindByID(tr.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Status != model.TransferStatusQueued {
		t.Errorf("status = %s, expected QUEUED (retryable failure)", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, expected 1", got.RetryCount)
	}
	if q.PendingCount() != 1 {
		t.Errorf("pending = %d, expected requeued transfer", q.PendingCount())
	}
}

// TestQueueUserCancelActiveIsTerminal 用户取消执行中的传输进入终态 CANCELLED
func TestQueueUserCancelActiveIsTerminal(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(t, store, 10)

	tr := newTestTransfer("cancel-active")
	tr.Status = model.TransferStatusTransferring
	store.Create(tr)

	slot, ok := q.slots.TryAcquireSlot(tr.JobID)
	if !ok {
		t.Fatal("failed to acquire slot for setup")
	}
	entry := &activeEntry{transfer: tr, cancel: func() {}, slot: slot}
	q.mu.Lock()
	q.active[tr.ID] = entry
	q.mu.Unlock()

	if !q.Cancel(tr.ID) {
		t.Fatal("Cancel did not find active transfer")
	}

	q.resolveInterrupted(entry)

	got, err := store.FindByID(tr.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if got.Status != model.TransferStatusCancelled {
		t.Errorf("status = %s, expected CANCELLED", got.Status)
	}
	if q.PendingCount() != 0 {
		t.Errorf("pending = %d, cancelled transfer must not requeue", q.PendingCount())
	}
}
