package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meter-collector/internal/catalog"
	"meter-collector/internal/collector"
	"meter-collector/internal/config"
	"meter-collector/internal/protocol"
	"meter-collector/internal/scheduler"
	"meter-collector/internal/status"
)

var (
	ErrBusy    = errors.New("collection already in progress")
	ErrStopped = errors.New("agent stopped")
)

// Catalog is the configuration cache the agent collects from.
type Catalog interface {
	Reload(ctx context.Context) error
	Loaded() bool
	ListDevices() []catalog.Device
	Report() catalog.Report
}

// Notifier is told about every finished cycle.
type Notifier interface {
	PublishCycle(res collector.CycleResult) error
}

type Option func(*Agent)

func WithNotifier(n Notifier) Option {
	return func(a *Agent) { a.notifier = n }
}

// Agent ties the catalog, cycle manager, scheduler and status reporter
// together.
type Agent struct {
	cfg      *config.Config
	catalog  Catalog
	manager  *collector.Manager
	sched    *scheduler.Scheduler
	reporter *status.Reporter
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs an agent; Start must be called before it collects.
func New(cfg *config.Config, cat Catalog, reader collector.Reader, committer collector.Committer, logger *zap.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		cfg:     cfg,
		catalog: cat,
		logger:  logger.Named("agent").With(zap.String("agent_id", cfg.Agent.ID)),
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.sched = scheduler.New(cfg.Collection.Interval.Duration, a.runCycle, logger)
	a.reporter = status.NewReporter(cfg.Agent.ID, cfg.Status.History, func() string { return a.sched.State().String() })
	a.manager = collector.NewManager(reader, committer, logger,
		collector.WithWorkers(cfg.Collection.MaxWorkers),
		collector.WithObserver(a.reporter))
	return a
}

// Start loads the catalog and starts the scheduler. A catalog that cannot
// be loaded at all is a startup failure.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.catalog.Reload(ctx); err != nil {
		return fmt.Errorf("initial catalog load: %w", err)
	}
	s := a.catalog.Report().Summary
	a.logger.Info("catalog loaded",
		zap.Int("meters", s.Total),
		zap.Int("with_registers", s.WithRegisters),
		zap.Int("without_registers", s.WithoutRegisters),
		zap.Strings("missing_device_ids", s.MissingDeviceIDs))

	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	if a.cfg.Collection.RunOnStart {
		if err := a.sched.RunNow(); err != nil {
			a.logger.Warn("initial cycle not started", zap.Error(err))
		}
	}
	return nil
}

// Stop drains the running cycle and stops the scheduler.
func (a *Agent) Stop(ctx context.Context) {
	a.sched.Stop(ctx)
	a.logger.Info("agent stopped", zap.Any("totals", a.reporter.Status().Totals))
}

// TriggerCollection runs a manual cycle and returns its result. ErrBusy is
// returned at once when a cycle is running.
func (a *Agent) TriggerCollection(ctx context.Context) (collector.CycleResult, error) {
	if err := ctx.Err(); err != nil {
		return collector.CycleResult{}, err
	}
	res, err := a.sched.Trigger()
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		return collector.CycleResult{}, ErrBusy
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, scheduler.ErrNotStarted):
		return collector.CycleResult{}, fmt.Errorf("%w: %v", ErrStopped, err)
	case err != nil:
		return collector.CycleResult{}, err
	}
	return res, nil
}

func (a *Agent) Status() status.AgentStatus { return a.reporter.Status() }

func (a *Agent) ConfigurationReport() catalog.Report { return a.catalog.Report() }

// runCycle reloads the catalog and executes one cycle against it.
func (a *Agent) runCycle(ctx context.Context, trigger string, drain <-chan struct{}) collector.CycleResult {
	res := collector.CycleResult{
		CycleID:   uuid.NewString(),
		Trigger:   trigger,
		StartTime: a.now(),
		Success:   true,
	}
	log := a.logger.With(zap.String("cycle_id", res.CycleID), zap.String("trigger", trigger))

	var reloadErr *collector.CollectionError
	if err := a.catalog.Reload(ctx); err != nil {
		if !a.catalog.Loaded() {
			log.Error("catalog unavailable, cycle skipped", zap.Error(err))
			res.Success = false
			res.Errors = []collector.CollectionError{{
				Operation: collector.OpConfig,
				Message:   fmt.Sprintf("catalog reload failed: %v", err),
				Timestamp: a.now(),
			}}
			res.EndTime = a.now()
			a.reporter.RecordCycleStart(res)
			a.finish(log, res)
			return res
		}
		log.Warn("catalog reload failed, using last good snapshot", zap.Error(err))
		reloadErr = &collector.CollectionError{
			Operation: collector.OpConfig,
			Message:   fmt.Sprintf("catalog reload failed, using last good snapshot: %v", err),
			Timestamp: a.now(),
		}
		res.Errors = append(res.Errors, *reloadErr)
	}
	a.reporter.RecordCycleStart(res)

	out := a.manager.ExecuteCycle(ctx, collector.Plan{
		CycleID:   res.CycleID,
		Trigger:   trigger,
		StartTime: res.StartTime,
		Devices:   a.catalog.ListDevices(),
		Read: protocol.ReadOptions{
			BatchTimeout:      a.cfg.Collection.BatchTimeout.Duration,
			SequentialTimeout: a.cfg.Collection.SequentialTimeout.Duration,
			Sequential:        !a.cfg.Collection.Batching,
		},
		Drain: drain,
	})
	if reloadErr != nil {
		out.Errors = append([]collector.CollectionError{*reloadErr}, out.Errors...)
	}
	a.finish(log, out)
	return out
}

func (a *Agent) finish(log *zap.Logger, res collector.CycleResult) {
	a.reporter.RecordCycleEnd(res)
	log.Info("cycle finished",
		zap.Bool("success", res.Success),
		zap.Bool("interrupted", res.Interrupted),
		zap.Int("meters_processed", res.MetersProcessed),
		zap.Int("readings_collected", res.ReadingsCollected),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", res.Duration()))
	if a.notifier == nil {
		return
	}
	if err := a.notifier.PublishCycle(res); err != nil {
		log.Warn("cycle notification failed", zap.Error(err))
	}
}
