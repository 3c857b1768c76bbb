// Package executor builds the engine operations behind the batch commands:
// SSH command batches, configuration backups and TCP probes.
package executor

import (
	"context"
	"time"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/internal/processor"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/inventory"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

const DefaultSessionTimeout = 30 * time.Second

// Executor opens one device session per attempt. It holds no per-target
// state and is safe for concurrent use by every worker of a run.
type Executor struct {
	resolver  inventory.Resolver
	connector session.Connector
	timeout   time.Duration
	chain     *processor.ProcessorChain
	logger    lg.Logger
}

type Option func(*Executor)

// WithConnector sets the transport; nil keeps the SSH default.
func WithConnector(c session.Connector) Option { return func(e *Executor) { e.connector = c } }

// WithSessionTimeout bounds connect, login and every wait for a prompt.
func WithSessionTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(l lg.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func New(resolver inventory.Resolver, opts ...Option) *Executor {
	e := &Executor{
		resolver: resolver,
		timeout:  DefaultSessionTimeout,
		chain:    processor.NewProcessorChain(),
		logger:   lg.Discard,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// open resolves the attempt's target and opens a session on it. The
// session closes itself when ctx ends; callers still Close it when done.
func (e *Executor) open(ctx context.Context, a engine.Attempt) (*session.Session, session.Endpoint, error) {
	ep, err := e.resolver.Resolve(a.Target.ID)
	if err != nil {
		return nil, ep, err
	}
	if ep.Dialect == "" {
		ep.Dialect = inventory.DefaultVendor
	}
	d, err := session.LookupDialect(ep.Dialect)
	if err != nil {
		return nil, ep, err
	}

	logger := e.logger.With(lg.String("target", a.Target.ID), lg.Int("attempt", a.Number))
	opts := []session.Option{session.WithLogger(logger)}
	if e.connector != nil {
		opts = append(opts, session.WithConnector(e.connector))
	}
	s, err := session.Open(ctx, ep, d, e.timeout, opts...)
	if err != nil {
		return nil, ep, err
	}
	logger.Debug("session ready", lg.String("state", string(s.State())))
	return s, ep, nil
}

// DeviceType resolves the dialect name configured for ref, or "" when the
// reference cannot be resolved.
func (e *Executor) DeviceType(ref string) string {
	ep, err := e.resolver.Resolve(ref)
	if err != nil {
		return ""
	}
	if ep.Dialect == "" {
		return inventory.DefaultVendor
	}
	return ep.Dialect
}
