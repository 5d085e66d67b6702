package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meter-collector/internal/collector"
)

// State of the scheduler.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrCycleInProgress = errors.New("collection cycle already in progress")
	ErrStopped         = errors.New("scheduler stopped")
	ErrNotStarted      = errors.New("scheduler not started")
	ErrAlreadyStarted  = errors.New("scheduler already started")
)

// RunFunc executes one cycle. drain is closed when the scheduler stops.
type RunFunc func(ctx context.Context, trigger string, drain <-chan struct{}) collector.CycleResult

// Scheduler fires RunFunc on a fixed interval and on demand. At most one
// cycle runs at a time; a fire while running is dropped.
type Scheduler struct {
	interval time.Duration
	run      RunFunc
	logger   *zap.Logger

	state atomic.Int32

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	drain    chan struct{}
	inflight chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

// New constructs a stopped scheduler that calls run every interval.
func New(interval time.Duration, run RunFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		interval: interval,
		run:      run,
		logger:   logger.Named("scheduler"),
		drain:    make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Start launches the ticker loop. ctx bounds every cycle the scheduler runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StateIdle:
	case StateStopping, StateStopped:
		return ErrStopped
	default:
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state.Store(int32(StateScheduled))
	go s.loop()
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.drain:
			return
		case <-t.C:
			if err := s.RunNow(); err != nil {
				s.logger.Warn("scheduled cycle dropped", zap.Error(err))
			}
		}
	}
}

// RunNow starts a scheduled cycle in the background without waiting for
// the next tick.
func (s *Scheduler) RunNow() error {
	done, err := s.begin()
	if err != nil {
		return err
	}
	go s.execute(collector.TriggerScheduled, done)
	return nil
}

// begin claims the gate. The returned channel is closed by execute.
func (s *Scheduler) begin() (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StateIdle:
		return nil, ErrNotStarted
	case StateRunning:
		return nil, ErrCycleInProgress
	case StateStopping, StateStopped:
		return nil, ErrStopped
	}
	s.state.Store(int32(StateRunning))
	s.inflight = make(chan struct{})
	return s.inflight, nil
}

func (s *Scheduler) execute(trigger string, done chan struct{}) collector.CycleResult {
	defer func() {
		s.mu.Lock()
		if s.State() == StateRunning {
			s.state.Store(int32(StateScheduled))
		}
		s.inflight = nil
		s.mu.Unlock()
		close(done)
	}()
	res := s.run(s.ctx, trigger, s.drain)
	s.logger.Debug("cycle finished", zap.String("cycle_id", res.CycleID), zap.String("trigger", trigger))
	return res
}

// Trigger runs a manual cycle and waits for its result. It returns
// ErrCycleInProgress immediately when a cycle is already running.
func (s *Scheduler) Trigger() (collector.CycleResult, error) {
	done, err := s.begin()
	if err != nil {
		return collector.CycleResult{}, err
	}
	return s.execute(collector.TriggerManual, done), nil
}

// Stop prevents new cycles and waits for an in-flight one. When ctx
// expires first the running cycle is cancelled and Stop still waits for it
// to return. Calling Stop again is a no-op.
func (s *Scheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.State() != StateIdle
		s.state.Store(int32(StateStopping))
		close(s.drain)
		inflight := s.inflight
		cancel := s.cancel
		s.mu.Unlock()

		if inflight != nil {
			select {
			case <-inflight:
			case <-ctx.Done():
				s.logger.Warn("stop deadline reached, cancelling cycle")
				cancel()
				<-inflight
			}
		}
		if started {
			<-s.loopDone
			cancel()
		}
		s.state.Store(int32(StateStopped))
		s.logger.Info("scheduler stopped")
	})
}
