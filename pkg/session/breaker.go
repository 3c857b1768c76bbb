package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

// BreakerConfig tunes the per-host circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures connect failures in a row open the breaker.
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" json:"consecutive_failures" validate:"gte=1"`
	MaxRequests         uint32        `yaml:"max_requests" json:"max_requests"`
	Interval            time.Duration `yaml:"interval" json:"interval"`
	OpenTimeout         time.Duration `yaml:"open_timeout" json:"open_timeout"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		MaxRequests:         1,
		Interval:            time.Minute,
		OpenTimeout:         30 * time.Second,
	}
}

// BreakerConnector guards another Connector with one circuit breaker per
// host, so a dead device fails fast instead of burning every attempt's
// connect timeout.
type BreakerConnector struct {
	next   Connector
	cfg    BreakerConfig
	logger lg.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerConnector(next Connector, cfg BreakerConfig, logger lg.Logger) *BreakerConnector {
	if cfg.ConsecutiveFailures == 0 {
		cfg = DefaultBreakerConfig()
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &BreakerConnector{next: next, cfg: cfg, logger: logger, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *BreakerConnector) Connect(ctx context.Context, ep Endpoint) (Link, error) {
	cb := b.breaker(ep.Address())
	res, err := cb.Execute(func() (any, error) {
		return b.next.Connect(ctx, ep)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &engine.Error{Kind: engine.KindConnection, Op: "connect", Target: ep.Hostname(),
				Err: fmt.Errorf("%s: %w", cb.Name(), err)}
		}
		return nil, err
	}
	return res.(Link), nil
}

// State reports the breaker state for an address, for diagnostics.
func (b *BreakerConnector) State(address string) gobreaker.State {
	return b.breaker(address).State()
}

func (b *BreakerConnector) breaker(address string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[address]; ok {
		return cb
	}
	threshold := b.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "connect:" + address,
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// cancelled runs say nothing about the device
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				lg.String("breaker", name), lg.Stringer("from", from), lg.Stringer("to", to))
		},
	})
	b.breakers[address] = cb
	return cb
}
