package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Transition is emitted for every state change of a task.
type Transition struct {
	Index   int
	Target  string
	From    TaskState
	To      TaskState
	Attempt int
	Kind    ErrorKind
	At      time.Time
}

// Outcome is the terminal snapshot of a task handed to the aggregator.
type Outcome struct {
	Index      int
	Target     Target
	State      TaskState
	Attempts   int
	Kind       ErrorKind
	Err        error
	Payload    any
	StartedAt  time.Time
	FinishedAt time.Time
}

// Task tracks one target through its attempts. It is owned by exactly one
// worker; nothing else reads it until it is terminal.
type Task struct {
	target     Target
	index      int
	attempt    int
	state      TaskState
	startedAt  time.Time
	finishedAt time.Time
	err        error
	kind       ErrorKind
	payload    any

	now    func() time.Time
	notify func(Transition)
}

func newTask(index int, target Target, now func() time.Time, notify func(Transition)) *Task {
	if now == nil {
		now = time.Now
	}
	return &Task{target: target, index: index, state: StatePending, now: now, notify: notify}
}

func (t *Task) State() TaskState { return t.state }
func (t *Task) Attempt() int     { return t.attempt }

func (t *Task) transition(to TaskState) error {
	if err := t.state.validateTransition(to); err != nil {
		return err
	}
	from := t.state
	t.state = to
	at := t.now()
	switch {
	case to == StateRunning && from == StatePending:
		t.startedAt = at
	case to.IsTerminal():
		t.finishedAt = at
	}
	if t.notify != nil {
		t.notify(Transition{
			Index:   t.index,
			Target:  t.target.ID,
			From:    from,
			To:      to,
			Attempt: t.attempt,
			Kind:    t.kind,
			At:      at,
		})
	}
	return nil
}

// mustTransition panics on an illegal transition; the executor below only
// issues transitions allowed by the table.
func (t *Task) mustTransition(to TaskState) {
	if err := t.transition(to); err != nil {
		panic(err)
	}
}

// Outcome returns the terminal snapshot. Calling it before the task is
// terminal returns the current, partial view.
func (t *Task) Outcome() Outcome {
	return Outcome{
		Index:      t.index,
		Target:     t.target,
		State:      t.state,
		Attempts:   t.attempt,
		Kind:       t.kind,
		Err:        t.err,
		Payload:    t.payload,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
	}
}

// taskRunner carries the per-run collaborators a task needs to execute.
type taskRunner struct {
	op      Operation
	policy  RetryPolicy
	timeout time.Duration
	// wait blocks until an attempt may start; nil means no limit.
	wait  func(ctx context.Context) error
	sleep func(ctx context.Context, d time.Duration) error
}

// execute drives t to a terminal state. Every error is recorded on the task;
// nothing propagates to the caller.
func (r *taskRunner) execute(ctx context.Context, t *Task) {
	for {
		if ctx.Err() != nil {
			t.cancel()
			return
		}
		if r.wait != nil {
			if err := r.wait(ctx); err != nil {
				t.cancel()
				return
			}
		}

		t.attempt++
		t.mustTransition(StateRunning)
		payload, err := r.attempt(ctx, t)
		if err == nil {
			t.payload = payload
			t.err, t.kind = nil, KindNone
			t.mustTransition(StateSucceeded)
			return
		}
		if ctx.Err() != nil {
			t.cancel()
			return
		}

		t.err, t.kind = err, KindOf(err)
		d := r.policy.Decide(t.attempt, t.kind)
		if !d.Retry {
			t.mustTransition(StateFailed)
			return
		}
		t.mustTransition(StateRetrying)
		if err := r.sleep(ctx, d.Delay); err != nil {
			t.cancel()
			return
		}
	}
}

func (t *Task) cancel() {
	t.kind = KindCancelled
	if t.err == nil {
		t.err = context.Canceled
	} else {
		t.err = fmt.Errorf("%w (after: %v)", context.Canceled, t.err)
	}
	t.mustTransition(StateCancelled)
}

type attemptResult struct {
	payload any
	err     error
}

// attempt runs one try under its own deadline. When the deadline fires the
// attempt is abandoned: the operation's context is already done, which
// closes any session it opened, and its late result is discarded.
func (r *taskRunner) attempt(ctx context.Context, t *Task) (any, error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	a := Attempt{Target: t.target, Index: t.index, Number: t.attempt}
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{err: &Error{
					Kind:   KindCommand,
					Op:     "operation",
					Target: t.target.ID,
					Err:    fmt.Errorf("panic: %v\n%s", p, debug.Stack()),
				}}
			}
		}()
		payload, err := r.op(actx, a)
		done <- attemptResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, timeoutError(t.target.ID, r.timeout, res.err)
		}
		return res.payload, res.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(t.target.ID, r.timeout, actx.Err())
	}
}

func timeoutError(target string, d time.Duration, cause error) *Error {
	return &Error{
		Kind:   KindTimeout,
		Op:     "attempt",
		Target: target,
		Err:    fmt.Errorf("exceeded per-task timeout %s: %w", d, cause),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
