package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"grid-swap-go/infrastructure/logger"
)

// SchedulerState 调度器状态
type SchedulerState int

const (
	// SchedulerIdle 未启动
	SchedulerIdle SchedulerState = iota
	// SchedulerRunning 运行中
	SchedulerRunning
	// SchedulerStopped 已停止
	SchedulerStopped
)

// String 返回状态名称
func (s SchedulerState) String() string {
	switch s {
	case SchedulerIdle:
		return "IDLE"
	case SchedulerRunning:
		return "RUNNING"
	case SchedulerStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// SchedulerStats 调度统计
type SchedulerStats struct {
	Fired   int64
	Skipped int64
}

// Scheduler 固定周期触发 tick，保证单飞：上一个 tick 未结束时本次直接跳过，不排队。
type Scheduler struct {
	interval time.Duration
	fn       func(ctx context.Context)
	logger   *logger.Logger

	// OnSkip 每次跳过时回调（用于计数指标），可为空。
	OnSkip func()

	inFlight atomic.Bool
	fired    atomic.Int64
	skipped  atomic.Int64
	wg       sync.WaitGroup

	state    SchedulerState
	mu       sync.Mutex
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewScheduler 创建调度器
func NewScheduler(interval time.Duration, fn func(ctx context.Context), log *logger.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	if fn == nil {
		return nil, errors.New("tick func required")
	}
	if log == nil {
		return nil, errors.New("logger required")
	}
	return &Scheduler{
		interval: interval,
		fn:       fn,
		logger:   log,
		state:    SchedulerIdle,
	}, nil
}

// Start 立即触发一次，之后每个周期触发一次。
// tick 使用与 ctx 取消解耦的上下文运行，退出时等正在执行的 tick 自然结束，避免成交后状态未落盘。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SchedulerRunning {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started (state: %s)", s.state)
	}
	s.state = SchedulerRunning
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.mu.Unlock()

	tickCtx := context.WithoutCancel(ctx)
	s.Fire(tickCtx)
	go s.run(ctx, tickCtx)

	s.logger.Info("Scheduler started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) run(ctx, tickCtx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Context done, stopping scheduler")
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Fire(tickCtx)
		}
	}
}

// Fire 尝试启动一次 tick。已有 tick 在执行时返回 false 并计入 Skipped。
func (s *Scheduler) Fire(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn("Previous tick still running, skipping")
		if s.OnSkip != nil {
			s.OnSkip()
		}
		return false
	}
	s.fired.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Tick panicked", zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		s.fn(ctx)
	}()
	return true
}

// Running 是否有 tick 正在执行
func (s *Scheduler) Running() bool {
	return s.inFlight.Load()
}

// State 调度器状态
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats 调度统计
func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{Fired: s.fired.Load(), Skipped: s.skipped.Load()}
}

// Stop 停止周期触发，并等待正在执行的 tick 结束（最多 timeout）。
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != SchedulerRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = SchedulerStopped
	close(s.stopChan)
	done := s.doneChan
	s.mu.Unlock()

	<-done

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	if timeout <= 0 {
		<-waited
	} else {
		select {
		case <-waited:
		case <-time.After(timeout):
			return fmt.Errorf("timeout waiting for in-flight tick after %s", timeout)
		}
	}
	s.logger.Info("Scheduler stopped",
		zap.Int64("fired", s.fired.Load()),
		zap.Int64("skipped", s.skipped.Load()))
	return nil
}

// Runner 在 tick 之间保存 TickState，把引擎接到 Scheduler 上。
type Runner struct {
	engine *GridEngine

	mu    sync.Mutex
	state TickState
	last  TickResult
}

// NewRunner 以初始状态创建 Runner
func NewRunner(e *GridEngine, initial TickState) *Runner {
	return &Runner{engine: e, state: initial}
}

// Tick 供 Scheduler 调用。单飞由 Scheduler 保证，锁只保护读取方。
func (r *Runner) Tick(ctx context.Context) {
	r.mu.Lock()
	st := r.state
	r.mu.Unlock()

	next, res, _ := r.engine.Tick(ctx, st)

	r.mu.Lock()
	r.state = next
	r.last = res
	r.mu.Unlock()
}

// State 当前状态
func (r *Runner) State() TickState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastResult 最近一次 tick 的结果
func (r *Runner) LastResult() TickResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
