package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/pkg/workerpool"
)

// Scheduler fans an operation out over an ordered target list.
type Scheduler struct {
	logger    lg.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	observers []func(Transition)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l lg.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver registers fn for every task transition. fn is called from
// worker goroutines concurrently and must be safe for that.
func WithObserver(fn func(Transition)) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, fn) }
}

// WithClock overrides the time source used for task and run timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleep overrides how backoff delays are waited out.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: lg.Discard,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// outcomes is the index-keyed result map shared by all workers.
type outcomes struct {
	mu sync.Mutex
	m  map[int]Outcome
}

func (o *outcomes) put(out Outcome) {
	o.mu.Lock()
	o.m[out.Index] = out
	o.mu.Unlock()
}

// Run executes op against every target and blocks until each one is
// terminal or ctx is cancelled. Per-target failures are reported in the
// returned RunReport; the error is non-nil only for a ConfigurationError,
// in which case no task was started.
func (s *Scheduler) Run(ctx context.Context, name string, targets []Target, op Operation, cfg TaskConfig) (*RunReport, error) {
	if len(targets) == 0 {
		return nil, Errorf(KindConfiguration, "schedule", "no targets to run %q against", name)
	}
	if op == nil {
		return nil, Errorf(KindConfiguration, "schedule", "no operation given for %q", name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	info := RunInfo{ID: uuid.New(), Operation: name, StartedAt: s.now(), Config: cfg}
	logger := s.logger.With(lg.String("run", info.ID.String()), lg.String("operation", name))
	logger.Info("run started",
		lg.Int("targets", len(targets)),
		lg.Int("workers", min(cfg.MaxWorkers, len(targets))),
		lg.Duration("timeout", cfg.PerTaskTimeout),
		lg.Int("max_attempts", cfg.MaxAttempts))

	runner := &taskRunner{
		op:      op,
		policy:  cfg.RetryPolicy(),
		timeout: cfg.PerTaskTimeout,
		sleep:   s.sleep,
	}
	if cfg.LaunchRate > 0 {
		burst := max(cfg.LaunchBurst, 1)
		limiter := rate.NewLimiter(rate.Limit(cfg.LaunchRate), burst)
		runner.wait = limiter.Wait
	}

	notify := s.notifier(logger)
	results := &outcomes{m: make(map[int]Outcome, len(targets))}
	pool := workerpool.NewPool[Target](cfg.MaxWorkers, logger)
	skipped := pool.Run(ctx, targets, func(ctx context.Context, idx int, target Target) {
		t := newTask(idx, target, s.now, notify)
		runner.execute(ctx, t)
		results.put(t.Outcome())
	})

	info.FinishedAt = s.now()
	info.Cancelled = ctx.Err() != nil
	report := Aggregate(info, targets, results.m)

	logger.Info("run finished",
		lg.String("status", string(report.OverallStatus)),
		lg.Int("succeeded", report.Summary.Succeeded),
		lg.Int("failed", report.Summary.Failed),
		lg.Int("cancelled", report.Summary.Cancelled),
		lg.Int("never_started", len(skipped)),
		lg.Int32("peak_workers", pool.PeakWorkers()),
		lg.Duration("elapsed", info.FinishedAt.Sub(info.StartedAt)))
	return report, nil
}

func (s *Scheduler) notifier(logger lg.Logger) func(Transition) {
	return func(tr Transition) {
		logger.Debug("task transition",
			lg.Int("index", tr.Index),
			lg.String("target", tr.Target),
			lg.String("from", string(tr.From)),
			lg.String("to", string(tr.To)),
			lg.Int("attempt", tr.Attempt),
			lg.String("kind", string(tr.Kind)))
		for _, fn := range s.observers {
			fn(tr)
		}
	}
}
