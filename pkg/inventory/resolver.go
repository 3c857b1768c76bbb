package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/pkg/config/configstore"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

// Static resolves any syntactically valid address with the same login.
type Static struct {
	Defaults session.Endpoint
}

func (s Static) Resolve(ref string) (session.Endpoint, error) {
	if err := engine.ValidateAddress(ref); err != nil {
		return session.Endpoint{}, err
	}
	ep := s.Defaults
	ep.Host = ref
	if ep.Dialect == "" {
		ep.Dialect = DefaultVendor
	}
	return ep, nil
}

// Chain tries each resolver in turn, moving on only when a resolver does not
// know the reference at all.
type Chain []Resolver

func (c Chain) Resolve(ref string) (session.Endpoint, error) {
	var last error = &engine.Error{Kind: engine.KindNotFound, Op: "resolve", Target: ref, Err: ErrNotFound}
	for _, r := range c {
		if r == nil {
			continue
		}
		ep, err := r.Resolve(ref)
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return session.Endpoint{}, err
		}
		last = err
	}
	return session.Endpoint{}, last
}

// Override forces fields on every endpoint another resolver returns. Empty
// fields of With are left alone.
type Override struct {
	Next Resolver
	With session.Endpoint
}

func (o Override) Resolve(ref string) (session.Endpoint, error) {
	ep, err := o.Next.Resolve(ref)
	if err != nil {
		return ep, err
	}
	if o.With.Dialect != "" {
		ep.Dialect = o.With.Dialect
	}
	if o.With.Username != "" {
		ep.Username = o.With.Username
	}
	if o.With.Password != "" {
		ep.Password = o.With.Password
	}
	if o.With.Secret != "" {
		ep.Secret = o.With.Secret
	}
	if o.With.Port != 0 {
		ep.Port = o.With.Port
	}
	return ep, nil
}

// Live holds the current inventory snapshot and swaps it on reload. Live is
// not a Resolver: callers take a snapshot with Current and resolve against
// that, so a run never sees a reload.
type Live struct {
	store  configstore.ConfigStore
	logger lg.Logger
	cur    atomic.Pointer[Inventory]
}

func NewLive(store configstore.ConfigStore, logger lg.Logger) (*Live, error) {
	if logger == nil {
		logger = lg.Discard
	}
	l := &Live{store: store, logger: logger}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns the latest snapshot.
func (l *Live) Current() *Inventory { return l.cur.Load() }

// Reload replaces the snapshot; on error the previous one stays active.
func (l *Live) Reload() error {
	inv, err := Load(l.store)
	if err != nil {
		return err
	}
	l.cur.Store(inv)
	l.logger.Info("inventory loaded", lg.Int("devices", inv.Len()), lg.Strings("groups", inv.Groups()))
	return nil
}

// Watch reloads on every change reported by the store until ctx ends.
func (l *Live) Watch(ctx context.Context) error {
	w, ok := l.store.(configstore.Watcher)
	if !ok {
		return fmt.Errorf("inventory store: %w", configstore.ErrWatchUnsupported)
	}
	return w.Watch(ctx, func() {
		if err := l.Reload(); err != nil {
			l.logger.Warn("inventory reload failed, keeping previous snapshot", lg.Err(err))
		}
	})
}

// IsNotFound reports whether err is an unknown reference.
func IsNotFound(err error) bool {
	return engine.KindOf(err) == engine.KindNotFound
}
