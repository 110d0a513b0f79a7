package transfer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
)

// memStore 内存版 TransferStore，测试用
type memStore struct {
	mu        sync.Mutex
	transfers map[string]*model.Transfer
	failSave  bool
}

func newMemStore() *memStore {
	return &memStore{transfers: make(map[string]*model.Transfer)}
}

func (s *memStore) Create(t *model.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.transfers[t.ID] = &cp
	return nil
}

func (s *memStore) Save(t *model.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return fmt.Errorf("store unavailable")
	}
	cp := *t
	s.transfers[t.ID] = &cp
	return nil
}

func (s *memStore) FindByID(id string) (*model.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("transfer %s not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) FindActiveByJobAndFile(jobID, fileID string) (*model.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transfers {
		if t.JobID == jobID && t.FileID == fileID && !t.Status.IsTerminal() && t.Status != model.TransferStatusFailed {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) FindActive() ([]model.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transfer
	for _, t := range s.transfers {
		if !t.Status.IsTerminal() && t.Status != model.TransferStatusFailed {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) FindStale(before time.Time) ([]model.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transfer
	for _, t := range s.transfers {
		if (t.Status == model.TransferStatusScheduled || t.Status == model.TransferStatusTransferring) &&
			t.LastStateChange.Before(before) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *memStore) CountByStatus() (map[model.TransferStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.TransferStatus]int64)
	for _, t := range s.transfers {
		counts[t.Status]++
	}
	return counts, nil
}

// recordingSink 记录事件顺序的 EventSink
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func newTestTransfer(id string) *model.Transfer {
	return &model.Transfer{
		ID:         id,
		JobID:      "job-1",
		FileID:     "file-" + id,
		Type:       model.TransferTypeDownload,
		Priority:   model.PriorityNormal,
		Source:     "/remote/src",
		Destination: "/local/dst",
		MaxRetries: 3,
		QueuedAt:   time.Now(),
	}
}

// TestCanTransition 测试状态机允许和拒绝的边
func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    model.TransferStatus
		to      model.TransferStatus
		allowed bool
	}{
		{"排队到调度", model.TransferStatusQueued, model.TransferStatusScheduled, true},
		{"调度到传输", model.TransferStatusScheduled, model.TransferStatusTransferring, true},
		{"传输到完成", model.TransferStatusTransferring, model.TransferStatusCompleted, true},
		{"传输到失败", model.TransferStatusTransferring, model.TransferStatusFailed, true},
		{"失败到排队（重试）", model.TransferStatusFailed, model.TransferStatusQueued, true},
		{"排队到取消", model.TransferStatusQueued, model.TransferStatusCancelled, true},
		{"调度到取消", model.TransferStatusScheduled, model.TransferStatusCancelled, true},
		{"传输到取消", model.TransferStatusTransferring, model.TransferStatusCancelled, true},
		{"排队到失败（调度阶段失败）", model.TransferStatusQueued, model.TransferStatusFailed, true},

		{"跳过调度直接传输", model.TransferStatusQueued, model.TransferStatusTransferring, false},
		{"完成后再传输", model.TransferStatusCompleted, model.TransferStatusTransferring, false},
		{"完成后取消", model.TransferStatusCompleted, model.TransferStatusCancelled, false},
		{"取消后重新排队", model.TransferStatusCancelled, model.TransferStatusQueued, false},
		{"失败直接完成", model.TransferStatusFailed, model.TransferStatusCompleted, false},
		{"失败到取消", model.TransferStatusFailed, model.TransferStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, expected %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

// TestTransitionRejectsInvalidEdge 非法迁移返回 ConsistencyError 且不落库
func TestTransitionRejectsInvalidEdge(t *testing.T) {
	store := newMemStore()
	m := NewStateManager(store, nil)

	tr := newTestTransfer("t1")
	if err := m.Create(tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := m.Transition(tr, model.TransferStatusTransferring)
	var cerr *ConsistencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConsistencyError, got %v", err)
	}

	stored, _ := store.FindByID("t1")
	if stored.Status != model.TransferStatusQueued {
		t.Errorf("status changed to %s despite invalid transition", stored.Status)
	}
}

// TestTransitionPersistsBeforeNotify 先持久化再广播
func TestTransitionPersistsBeforeNotify(t *testing.T) {
	store := newMemStore()
	sink := &recordingSink{}
	m := NewStateManager(store, sink)

	tr := newTestTransfer("t2")
	if err := m.Create(tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := m.Transition(tr, model.TransferStatusScheduled); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Event != EventStatus {
		t.Errorf("expected status event, got %s", events[1].Event)
	}

	stored, _ := store.FindByID("t2")
	if stored.Status != model.TransferStatusScheduled {
		t.Errorf("stored status = %s, expected SCHEDULED", stored.Status)
	}
}

// TestTransitionRollbackOnPersistFailure 落库失败时回滚内存状态且不广播
func TestTransitionRollbackOnPersistFailure(t *testing.T) {
	store := newMemStore()
	sink := &recordingSink{}
	m := NewStateManager(store, sink)

	tr := newTestTransfer("t3")
	if err := m.Create(tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	store.failSave = true
	eventsBefore := len(sink.all())

	if err := m.Transition(tr, model.TransferStatusScheduled); err == nil {
		t.Fatal("expected error when store fails")
	}
	if tr.Status != model.TransferStatusQueued {
		t.Errorf("in-memory status = %s, expected rollback to QUEUED", tr.Status)
	}
	if len(sink.all()) != eventsBefore {
		t.Error("event published despite persist failure")
	}
}

// TestMarkFailedRequeuesWithinRetryBudget 可重试失败回到 QUEUED，计数 +1
func TestMarkFailedRequeuesWithinRetryBudget(t *testing.T) {
	store := newMemStore()
	m := NewStateManager(store, nil)

	tr := newTestTransfer("t4")
	tr.MaxRetries = 2
	if err := m.Create(tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m.Transition(tr, model.TransferStatusScheduled)
	m.Transition(tr, model.TransferStatusTransferring)
	tr.Progress = 42

	requeued, err := m.MarkFailed(tr, "connection reset", true)
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if !requeued {
		t.Fatal("expected requeue on first retryable failure")
	}
	if tr.Status != model.TransferStatusQueued {
		t.Errorf("status = %s, expected QUEUED", tr.Status)
	}
	if tr.RetryCount != 1 {
		t.Errorf("retry count = %d, expected 1", tr.RetryCount)
	}
	if tr.Progress != 0 {
		t.Errorf("progress = %d, expected reset to 0", tr.Progress)
	}
}

// TestMarkFailedExhaustsRetries 重试耗尽后停在 FAILED
func TestMarkFailedExhaustsRetries(t *testing.T) {
	store := newMemStore()
	m := NewStateManager(store, nil)

	tr := newTestTransfer("t5")
	tr.MaxRetries = 1
	if err := m.Create(tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 第一次失败：重试
	m.Transition(tr, model.TransferStatusScheduled)
	requeued, _ := m.MarkFailed(tr, "timeout", true)
	if !requeued {
		t.Fatal("first failure should requeue")
	}

	// 第二次失败：预算用完
	m.Transition(tr, model.TransferStatusScheduled)
	requeued, _ = m.MarkFailed(tr, "timeout", true)
	if requeued {
		t.Fatal("second failure should not requeue")
	}
	if tr.Status != model.TransferStatusFailed {
		t.Errorf("status = %s, expected FAILED", tr.Status)
	}
	if tr.RetryCount != 1 {
		t.Errorf("retry count = %d, expected 1", tr.RetryCount)
	}
}

// TestMarkFailedPermanentError 永久性错误不重试
func TestMarkFailedPermanentError(t *testing.T) {
	store := newMemStore()
	m := NewStateManager(store, nil)

	tr := newTestTransfer("t6")
	if err := m.Create(tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	m.Transition(tr, model.TransferStatusScheduled)

	requeued, err := m.MarkFailed(tr, "syntax error in rsync options", false)
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if requeued {
		t.Fatal("permanent error must not requeue")
	}
	if tr.Status != model.TransferStatusFailed {
		t.Errorf("status = %s, expected FAILED", tr.Status)
	}
}

// TestRecordProgressIgnoredOutsideTransferring 非传输中状态的进度直接忽略
func TestRecordProgressIgnoredOutsideTransferring(t *testing.T) {
	store := newMemStore()
	sink := &recordingSink{}
	m := NewStateManager(store, sink)

	tr := newTestTransfer("t7")
	if err := m.Create(tr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	eventsBefore := len(sink.all())

	if err := m.RecordProgress(tr, 50, "1.2MB/s", "0:00:30"); err != nil {
		t.Fatalf("RecordProgress returned error: %v", err)
	}
	if tr.Progress != 0 {
		t.Errorf("progress recorded in QUEUED state: %d", tr.Progress)
	}
	if len(sink.all()) != eventsBefore {
		t.Error("progress event published in QUEUED state")
	}
}

// TestMarkCancelledFromAnyActiveState 任意非终态都可以取消
func TestMarkCancelledFromAnyActiveState(t *testing.T) {
	for _, status := range []model.TransferStatus{
		model.TransferStatusQueued,
		model.TransferStatusScheduled,
		model.TransferStatusTransferring,
	} {
		t.Run(string(status), func(t *testing.T) {
			store := newMemStore()
			m := NewStateManager(store, nil)

			tr := newTestTransfer("t8-" + string(status))
			m.Create(tr)
			tr.Status = status
			store.Save(tr)

			if err := m.MarkCancelled(tr, "operator request"); err != nil {
				t.Fatalf("MarkCancelled from %s failed: %v", status, err)
			}
			if tr.Status != model.TransferStatusCancelled {
				t.Errorf("status = %s, expected CANCELLED", tr.Status)
			}
		})
	}
}
