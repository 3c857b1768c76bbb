package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runningTracker observes transitions and records the peak number of tasks
// in RUNNING plus the per-target state history.
type runningTracker struct {
	mu      sync.Mutex
	running int
	peak    int
	history map[int][]TaskState
}

func newRunningTracker() *runningTracker {
	return &runningTracker{history: make(map[int][]TaskState)}
}

func (r *runningTracker) observe(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr.To == StateRunning {
		r.running++
		r.peak = max(r.peak, r.running)
	}
	if tr.From == StateRunning {
		r.running--
	}
	if len(r.history[tr.Index]) == 0 {
		r.history[tr.Index] = append(r.history[tr.Index], tr.From)
	}
	r.history[tr.Index] = append(r.history[tr.Index], tr.To)
}

func fastConfig(workers, attempts int) TaskConfig {
	return TaskConfig{
		MaxWorkers:     workers,
		PerTaskTimeout: time.Second,
		MaxAttempts:    attempts,
		BackoffBase:    time.Millisecond,
	}
}

func TestScheduler_RejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		targets []Target
		op      Operation
		cfg     TaskConfig
	}{
		{name: "zero workers", targets: Targets("a"), op: okOp, cfg: fastConfig(0, 1)},
		{name: "zero attempts", targets: Targets("a"), op: okOp, cfg: fastConfig(1, 0)},
		{name: "zero timeout", targets: Targets("a"), op: okOp, cfg: TaskConfig{MaxWorkers: 1, MaxAttempts: 1}},
		{name: "negative backoff", targets: Targets("a"), op: okOp, cfg: TaskConfig{MaxWorkers: 1, MaxAttempts: 1, PerTaskTimeout: time.Second, BackoffBase: -1}},
		{name: "no targets", targets: nil, op: okOp, cfg: fastConfig(1, 1)},
		{name: "no operation", targets: Targets("a"), op: nil, cfg: fastConfig(1, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var transitions, calls int32
			s := NewScheduler(WithObserver(func(Transition) { atomic.AddInt32(&transitions, 1) }))
			op := tt.op
			if op != nil {
				op = func(ctx context.Context, a Attempt) (any, error) {
					atomic.AddInt32(&calls, 1)
					return tt.op(ctx, a)
				}
			}

			report, err := s.Run(context.Background(), "test", tt.targets, op, tt.cfg)
			require.Error(t, err)
			assert.Nil(t, report)
			assert.True(t, IsConfigurationError(err), "got %v", err)
			assert.Zero(t, atomic.LoadInt32(&transitions))
			assert.Zero(t, atomic.LoadInt32(&calls))
		})
	}
}

func okOp(context.Context, Attempt) (any, error) { return "ok", nil }

func TestScheduler_PreservesInputOrder(t *testing.T) {
	t.Parallel()

	ids := make([]string, 40)
	for i := range ids {
		ids[i] = fmt.Sprintf("10.0.0.%d", i+1)
	}
	targets := Targets(ids...)

	op := func(ctx context.Context, a Attempt) (any, error) {
		// later targets tend to finish first
		time.Sleep(time.Duration(rand.Intn(5)+(len(ids)-a.Index)/8) * time.Millisecond)
		if a.Index%7 == 3 {
			return nil, NewError(KindValidation, "validate", errors.New("bad"))
		}
		return a.Target.ID, nil
	}

	report, err := NewScheduler().Run(context.Background(), "order", targets, op, fastConfig(8, 1))
	require.NoError(t, err)
	require.Len(t, report.Results, len(targets))
	for i, res := range report.Results {
		assert.Equal(t, targets[i].ID, res.Target)
		assert.Equal(t, i, res.Index)
		if i%7 == 3 {
			assert.Equal(t, StateFailed, res.Status)
		} else {
			assert.Equal(t, StateSucceeded, res.Status)
			assert.Equal(t, targets[i].ID, res.Payload)
		}
	}
	assert.Equal(t, StatusPartial, report.OverallStatus)
}

func TestScheduler_BoundsRunningTasks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		workers, targets int
	}{
		{workers: 1, targets: 5},
		{workers: 3, targets: 12},
		{workers: 10, targets: 4},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("W%d_N%d", tt.workers, tt.targets), func(t *testing.T) {
			t.Parallel()

			tracker := newRunningTracker()
			s := NewScheduler(WithObserver(tracker.observe))
			op := func(ctx context.Context, a Attempt) (any, error) {
				time.Sleep(15 * time.Millisecond)
				if a.Number == 1 && a.Index%2 == 0 {
					return nil, NewError(KindConnection, "connect", errors.New("flaky"))
				}
				return nil, nil
			}

			report, err := s.Run(context.Background(), "bound", Targets(make([]string, tt.targets)...), op, fastConfig(tt.workers, 2))
			require.NoError(t, err)
			assert.Equal(t, StatusAllSuccess, report.OverallStatus)
			assert.LessOrEqual(t, tracker.peak, min(tt.workers, tt.targets))
			assert.Equal(t, 0, tracker.running)
		})
	}
}

func TestScheduler_RetryableFailureUsesEveryAttempt(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		delays []time.Duration
		calls  int32
	)
	s := NewScheduler(WithSleep(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}))

	cfg := TaskConfig{MaxWorkers: 1, PerTaskTimeout: time.Second, MaxAttempts: 4, BackoffBase: 100 * time.Millisecond}
	op := func(ctx context.Context, a Attempt) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NewError(KindConnection, "connect", errors.New("refused"))
	}

	report, err := s.Run(context.Background(), "retry", Targets("r1"), op, cfg)
	require.NoError(t, err)

	res := report.Results[0]
	assert.Equal(t, StateFailed, res.Status)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, KindConnection, res.ErrorKind)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)
	assert.Equal(t, StatusAllFailed, report.OverallStatus)
}

func TestScheduler_BackoffActuallyWaits(t *testing.T) {
	t.Parallel()

	cfg := TaskConfig{MaxWorkers: 1, PerTaskTimeout: time.Second, MaxAttempts: 3, BackoffBase: 20 * time.Millisecond}
	var starts []time.Time
	op := func(ctx context.Context, a Attempt) (any, error) {
		starts = append(starts, time.Now())
		return nil, NewError(KindCommand, "execute", errors.New("transient"))
	}

	report, err := NewScheduler().Run(context.Background(), "wait", Targets("r1"), op, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Results[0].Attempts)
	require.Len(t, starts, 3)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, starts[2].Sub(starts[1]), 40*time.Millisecond)
}

func TestScheduler_NonRetryableFailsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	for _, kind := range []ErrorKind{KindAuthentication, KindValidation} {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()

			var calls int32
			op := func(ctx context.Context, a Attempt) (any, error) {
				atomic.AddInt32(&calls, 1)
				return nil, NewError(kind, "op", errors.New("nope"))
			}
			report, err := NewScheduler().Run(context.Background(), "once", Targets("r1"), op, fastConfig(1, 5))
			require.NoError(t, err)
			assert.Equal(t, StateFailed, report.Results[0].Status)
			assert.Equal(t, 1, report.Results[0].Attempts)
			assert.Equal(t, kind, report.Results[0].ErrorKind)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestScheduler_TimeoutScenario(t *testing.T) {
	t.Parallel()

	cfg := TaskConfig{MaxWorkers: 2, PerTaskTimeout: time.Second, MaxAttempts: 1, BackoffBase: time.Millisecond}
	targets := Targets("#1", "#2", "#3")
	op := func(ctx context.Context, a Attempt) (any, error) {
		if a.Target.ID == "#2" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		select {
		case <-time.After(100 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	start := time.Now()
	report, err := NewScheduler().Run(context.Background(), "scenario", targets, op, cfg)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Len(t, report.Results, 3)
	assert.Equal(t, "#1", report.Results[0].Target)
	assert.Equal(t, StateSucceeded, report.Results[0].Status)
	assert.Equal(t, "#2", report.Results[1].Target)
	assert.Equal(t, StateFailed, report.Results[1].Status)
	assert.Equal(t, KindTimeout, report.Results[1].ErrorKind)
	assert.Equal(t, "#3", report.Results[2].Target)
	assert.Equal(t, StateSucceeded, report.Results[2].Status)
	assert.Equal(t, StatusPartial, report.OverallStatus)
}

func TestScheduler_TimeoutAbandonsStuckOperation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	cfg := TaskConfig{MaxWorkers: 1, PerTaskTimeout: 50 * time.Millisecond, MaxAttempts: 2, BackoffBase: time.Millisecond}
	op := func(ctx context.Context, a Attempt) (any, error) {
		<-release // ignores ctx entirely
		return nil, nil
	}

	start := time.Now()
	report, err := NewScheduler().Run(context.Background(), "stuck", Targets("r1"), op, cfg)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateFailed, report.Results[0].Status)
	assert.Equal(t, KindTimeout, report.Results[0].ErrorKind)
	assert.Equal(t, 2, report.Results[0].Attempts)
}

func TestScheduler_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var blocked int32
	allBlocked := make(chan struct{})
	op := func(ctx context.Context, a Attempt) (any, error) {
		if a.Index == 0 {
			return "fast", nil
		}
		if atomic.AddInt32(&blocked, 1) == 2 {
			close(allBlocked)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	go func() {
		<-allBlocked
		cancel()
	}()

	tracker := newRunningTracker()
	s := NewScheduler(WithObserver(tracker.observe))
	report, err := s.Run(ctx, "cancel", Targets("t0", "t1", "t2", "t3", "t4"), op, fastConfig(2, 3))
	require.NoError(t, err)
	assert.True(t, report.Cancelled)

	assert.Equal(t, StateSucceeded, report.Results[0].Status)
	for i := 1; i <= 2; i++ {
		assert.Equal(t, StateCancelled, report.Results[i].Status, "in-flight target %d", i)
		assert.Equal(t, 1, report.Results[i].Attempts, "cancellation never retries")
		assert.Equal(t, KindCancelled, report.Results[i].ErrorKind)
	}
	for i := 3; i <= 4; i++ {
		assert.Equal(t, StateCancelled, report.Results[i].Status, "unstarted target %d", i)
		assert.Equal(t, 0, report.Results[i].Attempts)
	}
	assert.Equal(t, StatusPartial, report.OverallStatus)
	assert.Equal(t, Summary{Total: 5, Succeeded: 1, Cancelled: 4}, report.Summary)
}

func TestScheduler_CancelDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := TaskConfig{MaxWorkers: 1, PerTaskTimeout: time.Second, MaxAttempts: 3, BackoffBase: time.Hour}
	op := func(ctx context.Context, a Attempt) (any, error) {
		time.AfterFunc(10*time.Millisecond, cancel)
		return nil, NewError(KindTimeout, "execute", errors.New("slow"))
	}

	report, err := NewScheduler().Run(ctx, "backoff-cancel", Targets("r1"), op, cfg)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, report.Results[0].Status)
	assert.Equal(t, 1, report.Results[0].Attempts)
	assert.Contains(t, report.Results[0].Error, "slow")
}

func TestScheduler_StatesAreMonotonic(t *testing.T) {
	t.Parallel()

	tracker := newRunningTracker()
	op := func(ctx context.Context, a Attempt) (any, error) {
		if a.Number < 3 && a.Index%3 != 0 {
			return nil, NewError(KindCommand, "execute", errors.New("again"))
		}
		if a.Index%3 == 0 && a.Index > 0 {
			return nil, NewError(KindAuthentication, "authenticate", errors.New("denied"))
		}
		return a.Number, nil
	}

	report, err := NewScheduler(WithObserver(tracker.observe)).Run(context.Background(), "mono", Targets(make([]string, 9)...), op, fastConfig(4, 3))
	require.NoError(t, err)

	for i, res := range report.Results {
		hist := tracker.history[i]
		require.NotEmpty(t, hist)
		assert.Equal(t, StatePending, hist[0])
		for j := 1; j < len(hist); j++ {
			assert.True(t, hist[j-1].CanTransition(hist[j]), "target %d: %s -> %s", i, hist[j-1], hist[j])
		}
		assert.Equal(t, res.Status, hist[len(hist)-1])
		assert.LessOrEqual(t, res.Attempts, 3)
	}
}

func TestScheduler_RecoversPanics(t *testing.T) {
	t.Parallel()

	op := func(ctx context.Context, a Attempt) (any, error) {
		if a.Index == 1 {
			panic("driver bug")
		}
		return nil, nil
	}
	report, err := NewScheduler().Run(context.Background(), "panic", Targets("a", "b", "c"), op, fastConfig(3, 1))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, report.Results[1].Status)
	assert.Equal(t, KindCommand, report.Results[1].ErrorKind)
	assert.Contains(t, report.Results[1].Error, "driver bug")
	assert.Equal(t, StateSucceeded, report.Results[0].Status)
	assert.Equal(t, StateSucceeded, report.Results[2].Status)
}

func TestScheduler_LaunchRateLimit(t *testing.T) {
	t.Parallel()

	cfg := fastConfig(4, 1)
	cfg.LaunchRate = 20
	cfg.LaunchBurst = 1

	start := time.Now()
	report, err := NewScheduler().Run(context.Background(), "rate", Targets("a", "b", "c", "d", "e"), okOp, cfg)
	require.NoError(t, err)
	assert.Equal(t, StatusAllSuccess, report.OverallStatus)
	// five starts at 20/s with a burst of one need at least 200ms
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}
