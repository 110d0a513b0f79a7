package transfer

import (
	"math/rand"
	"testing"
)

// TestSlotAcquireRelease 基本的占用和释放
func TestSlotAcquireRelease(t *testing.T) {
	c := NewSlotController(3)

	slots := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		slot, ok := c.TryAcquireSlot("job-a")
		if !ok {
			t.Fatalf("acquire %d failed under limit", i)
		}
		slots = append(slots, slot)
	}

	// 超出上限：返回失败而不是错误
	if _, ok := c.TryAcquireSlot("job-a"); ok {
		t.Fatal("acquire succeeded beyond job limit")
	}

	// 其他任务不受影响
	if _, ok := c.TryAcquireSlot("job-b"); !ok {
		t.Fatal("job-b acquire failed, jobs should be independent")
	}

	for _, s := range slots {
		if err := c.ReleaseSlot("job-a", s); err != nil {
			t.Fatalf("release slot %d failed: %v", s, err)
		}
	}
	if c.OccupiedCount("job-a") != 0 {
		t.Errorf("occupied = %d after releasing all", c.OccupiedCount("job-a"))
	}
}

// TestSlotLowestIndexReuse 槽位释放后优先复用最小下标
func TestSlotLowestIndexReuse(t *testing.T) {
	c := NewSlotController(3)

	s0, _ := c.TryAcquireSlot("job-a")
	s1, _ := c.TryAcquireSlot("job-a")
	s2, _ := c.TryAcquireSlot("job-a")
	if s0 != 0 || s1 != 1 || s2 != 2 {
		t.Fatalf("initial slots = %d,%d,%d, expected 0,1,2", s0, s1, s2)
	}

	c.ReleaseSlot("job-a", 1)
	got, ok := c.TryAcquireSlot("job-a")
	if !ok || got != 1 {
		t.Errorf("reacquired slot = %d, expected lowest free index 1", got)
	}
}

// TestSlotDoubleReleaseFails 重复释放返回 ConsistencyError
func TestSlotDoubleReleaseFails(t *testing.T) {
	c := NewSlotController(2)

	slot, _ := c.TryAcquireSlot("job-a")
	if err := c.ReleaseSlot("job-a", slot); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	if err := c.ReleaseSlot("job-a", slot); err == nil {
		t.Fatal("double release should fail")
	}

	// 未占用任务的释放同样报错
	if err := c.ReleaseSlot("job-unknown", 0); err == nil {
		t.Fatal("release on unknown job should fail")
	}
}

// TestSlotPerJobOverride 任务级上限覆盖全局默认值
func TestSlotPerJobOverride(t *testing.T) {
	c := NewSlotController(3)
	c.SetJobLimit("job-small", 1)

	if _, ok := c.TryAcquireSlot("job-small"); !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok := c.TryAcquireSlot("job-small"); ok {
		t.Fatal("acquire succeeded beyond per-job limit 1")
	}

	// 清除覆盖后恢复全局默认
	c.SetJobLimit("job-small", 0)
	if _, ok := c.TryAcquireSlot("job-small"); !ok {
		t.Fatal("acquire failed after removing override")
	}
}

// TestSlotInvariantUnderRandomOps 随机占用释放后占用数始终不超上限
func TestSlotInvariantUnderRandomOps(t *testing.T) {
	const limit = 4
	c := NewSlotController(limit)
	rng := rand.New(rand.NewSource(7))

	held := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		if rng.Intn(2) == 0 {
			slot, ok := c.TryAcquireSlot("job-x")
			if ok {
				if held[slot] {
					t.Fatalf("slot %d granted twice", slot)
				}
				held[slot] = true
			} else if len(held) < limit {
				t.Fatalf("acquire failed with only %d/%d held", len(held), limit)
			}
		} else if len(held) > 0 {
			for slot := range held {
				if err := c.ReleaseSlot("job-x", slot); err != nil {
					t.Fatalf("release failed: %v", err)
				}
				delete(held, slot)
				break
			}
		}

		if c.OccupiedCount("job-x") > limit {
			t.Fatalf("occupied %d exceeds limit %d", c.OccupiedCount("job-x"), limit)
		}
		if c.OccupiedCount("job-x") != len(held) {
			t.Fatalf("occupied %d != held %d", c.OccupiedCount("job-x"), len(held))
		}
	}
}
