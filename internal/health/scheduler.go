package health

import (
	"context"
	"sync"
	"time"

	"github.com/hewenyu/service-mesh/internal/config"
	"go.uber.org/zap"
)

// DefaultInterval 默认的周期性探测间隔
const DefaultInterval = 30 * time.Second

// Checker 批量探测的能力
type Checker interface {
	CheckAll(ctx context.Context) map[string]bool
}

// Scheduler 周期性调用CheckAll的调度器
type Scheduler struct {
	checker  Checker
	interval time.Duration
	logger   config.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler 创建调度器，interval不大于0时使用默认间隔
func NewScheduler(checker Checker, interval time.Duration, logger config.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{checker: checker, interval: interval, logger: logger}
}

// Start 启动周期性探测，重复调用会先停止已有任务
func (s *Scheduler) Start(ctx context.Context) {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	s.logger.Info("健康检查调度已启动", zap.Duration("interval", s.interval))
}

// Stop 停止周期性探测并等待当前一轮结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) sweep(ctx context.Context) {
	results := s.checker.CheckAll(ctx)
	online := 0
	for _, healthy := range results {
		if healthy {
			online++
		}
	}
	s.logger.Info("健康检查完成", zap.Int("online", online), zap.Int("total", len(results)))
}
