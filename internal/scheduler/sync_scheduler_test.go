package scheduler

import (
	"testing"
	"time"

	"github.com/fisker/zsync-backend/pkg/config"
)

// TestErrorRetryDelayGrows 扫描失败的重试延迟随失败次数指数增长
func TestErrorRetryDelayGrows(t *testing.T) {
	s := &SyncScheduler{
		cfg: config.SchedulerConfig{ErrorRetryDelay: 60},
	}

	d1 := s.errorRetryDelay(1)
	d2 := s.errorRetryDelay(2)
	d3 := s.errorRetryDelay(3)

	// 随机因子 0.1，首个延迟在基准值附近
	base := 60 * time.Second
	if d1 < time.Duration(float64(base)*0.85) || d1 > time.Duration(float64(base)*1.15) {
		t.Errorf("first delay = %v, expected around %v", d1, base)
	}
	if d2 <= d1 {
		t.Errorf("delay not increasing: %v -> %v", d1, d2)
	}
	if d3 <= d2 {
		t.Errorf("delay not increasing: %v -> %v", d2, d3)
	}
}

// TestErrorRetryDelayCapped 延迟封顶在最大值
func TestErrorRetryDelayCapped(t *testing.T) {
	s := &SyncScheduler{
		cfg: config.SchedulerConfig{ErrorRetryDelay: 60},
	}

	d := s.errorRetryDelay(50)
	if d > 33*time.Minute {
		t.Errorf("delay = %v, expected capped around 30 minutes", d)
	}
}
