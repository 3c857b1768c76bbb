package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Decide(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, BackoffBase: 100 * time.Millisecond}

	tests := []struct {
		name    string
		attempt int
		kind    ErrorKind
		want    Decision
	}{
		{name: "timeout first attempt", attempt: 1, kind: KindTimeout, want: Decision{Retry: true, Delay: 100 * time.Millisecond}},
		{name: "connection second attempt", attempt: 2, kind: KindConnection, want: Decision{Retry: true, Delay: 200 * time.Millisecond}},
		{name: "command last attempt", attempt: 3, kind: KindCommand, want: Decision{}},
		{name: "authentication never", attempt: 1, kind: KindAuthentication, want: Decision{}},
		{name: "validation never", attempt: 1, kind: KindValidation, want: Decision{}},
		{name: "not found first attempt", attempt: 1, kind: KindNotFound, want: Decision{Retry: true, Delay: 100 * time.Millisecond}},
		{name: "not found last attempt", attempt: 3, kind: KindNotFound, want: Decision{}},
		{name: "cancelled never", attempt: 1, kind: KindCancelled, want: Decision{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, p.Decide(tt.attempt, tt.kind))
		})
	}
}

func TestRetryPolicy_DelayIsExponential(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 10, BackoffBase: 50 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		want := 50 * time.Millisecond * time.Duration(1<<(attempt-1))
		assert.Equal(t, want, p.Delay(attempt), "attempt %d", attempt)
	}
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 10, BackoffBase: time.Second, BackoffMax: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(60))

	small := RetryPolicy{MaxAttempts: 3, BackoffBase: 10 * time.Second, BackoffMax: time.Second}
	assert.Equal(t, time.Second, small.Delay(1))
}

func TestRetryPolicy_JitterStaysInBounds(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 5, BackoffBase: 100 * time.Millisecond, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond+time.Nanosecond)
	}
}

func TestRetryPolicy_ZeroBaseMeansNoDelay(t *testing.T) {
	t.Parallel()
	assert.Equal(t, time.Duration(0), RetryPolicy{MaxAttempts: 3}.Delay(2))
}

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

var _ net.Error = timeoutNetErr{}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "typed", err: NewError(KindAuthentication, "authenticate", errors.New("denied")), want: KindAuthentication},
		{name: "wrapped typed", err: fmt.Errorf("outer: %w", NewError(KindNotFound, "resolve", errors.New("x"))), want: KindNotFound},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "net timeout", err: &net.OpError{Op: "dial", Err: timeoutNetErr{}}, want: KindTimeout},
		{name: "cancelled", err: context.Canceled, want: KindCancelled},
		{name: "unclassified", err: errors.New("boom"), want: KindCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := &Error{Kind: KindConnection, Op: "connect", Target: "r1", Err: errors.New("refused")}
	assert.Equal(t, "ConnectionError during connect on r1: refused", err.Error())
	assert.True(t, errors.Is(fmt.Errorf("x: %w", err), err.Err))
}
