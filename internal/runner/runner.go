// Package runner turns a RunRequest into an engine run: it expands the
// targets, picks the task configuration and builds the operation.
package runner

import (
	"context"
	"time"

	"github.com/nevergoodstudy-hub/netops/internal/executor"
	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/internal/targets"
	"github.com/nevergoodstudy-hub/netops/pkg/backup"
	"github.com/nevergoodstudy-hub/netops/pkg/config"
	"github.com/nevergoodstudy-hub/netops/pkg/config/filestore"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/inventory"
	"github.com/nevergoodstudy-hub/netops/pkg/models"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

// DefaultPorts is scanned when a tcp-scan request names no ports.
const DefaultPorts = "common"

const maxBannerWait = 2 * time.Second

type Runner struct {
	settings  config.Settings
	logger    lg.Logger
	login     session.Endpoint
	inv       *inventory.Live
	static    inventory.Static
	connector session.Connector
	backups   *backup.Store
	dial      executor.DialFunc
	observers []func(engine.Transition)
}

type Option func(*Runner)

// WithLogin sets the credentials used for addresses missing from the
// inventory. Non-empty fields also override inventory credentials.
func WithLogin(ep session.Endpoint) Option { return func(r *Runner) { r.login = ep } }

// WithConnector replaces the SSH transport. The per-host breaker still
// wraps it.
func WithConnector(c session.Connector) Option { return func(r *Runner) { r.connector = c } }

func WithDial(d executor.DialFunc) Option { return func(r *Runner) { r.dial = d } }

func WithObserver(fn func(engine.Transition)) Option {
	return func(r *Runner) { r.observers = append(r.observers, fn) }
}

func New(settings config.Settings, logger lg.Logger, opts ...Option) (*Runner, error) {
	if logger == nil {
		logger = lg.Discard
	}
	r := &Runner{settings: settings, logger: logger}
	for _, o := range opts {
		o(r)
	}

	r.static = inventory.Static{Defaults: session.Endpoint{
		Username: r.login.Username,
		Password: r.login.Password,
		Secret:   r.login.Secret,
		KeyPath:  r.login.KeyPath,
		Port:     r.login.Port,
	}}
	if settings.Inventory != "" {
		store := filestore.New(settings.Inventory)
		store.Logger = logger
		live, err := inventory.NewLive(store, logger)
		if err != nil {
			return nil, err
		}
		r.inv = live
	}

	if r.connector == nil {
		r.connector = session.NewSSHConnector(settings.SSH)
	}
	r.connector = session.NewBreakerConnector(r.connector, settings.Breaker, logger)
	r.backups = backup.NewStore(settings.Backup.Dir, settings.Backup.Retention, backup.WithLogger(logger))
	return r, nil
}

func (r *Runner) Backups() *backup.Store { return r.backups }

// Inventory returns the live inventory, or nil when none is configured.
func (r *Runner) Inventory() *inventory.Live { return r.inv }

// WatchInventory reloads the inventory whenever its file changes, until
// ctx ends. Without an inventory it does nothing.
func (r *Runner) WatchInventory(ctx context.Context) error {
	if r.inv == nil {
		return nil
	}
	return r.inv.Watch(ctx)
}

// snapshot returns the inventory a run works from, or nil without one.
func (r *Runner) snapshot() *inventory.Inventory {
	if r.inv == nil {
		return nil
	}
	return r.inv.Current()
}

// resolver builds the resolver of one run over a fixed inventory snapshot:
// inventory devices first, then bare addresses with the login, with the
// login credentials and device type forced on top.
func (r *Runner) resolver(snap *inventory.Inventory, deviceType string) inventory.Resolver {
	var base inventory.Resolver = r.static
	if snap != nil {
		base = inventory.Chain{snap, r.static}
	}
	return inventory.Override{Next: base, With: session.Endpoint{
		Username: r.login.Username,
		Password: r.login.Password,
		Secret:   r.login.Secret,
		Dialect:  deviceType,
	}}
}

// Run validates req and executes it. The error is non-nil only when the
// run could not start; per-target failures are in the report. The run
// resolves every target against the inventory as it was when the run
// started, whatever reloads happen meanwhile.
func (r *Runner) Run(ctx context.Context, req models.RunRequest) (*engine.RunReport, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	snap := r.snapshot()
	tgts, err := r.targets(req, snap)
	if err != nil {
		return nil, err
	}

	cfg := r.settings.Probe
	if req.Operation.Session() {
		cfg = r.settings.Session
	}
	cfg = req.Overrides.Apply(cfg)

	exec := executor.New(r.resolver(snap, req.DeviceType),
		executor.WithConnector(r.connector),
		executor.WithLogger(r.logger),
		executor.WithSessionTimeout(min(cfg.PerTaskTimeout, executor.DefaultSessionTimeout)))

	var op engine.Operation
	switch req.Operation {
	case models.OpSSHBatch:
		spec := executor.BatchSpec{Commands: executor.ParseCommands(req.Commands, req.Config), Save: req.Save}
		if len(spec.Commands) == 0 && !spec.Save {
			return nil, engine.Errorf(engine.KindValidation, "request", "ssh-batch needs commands or --save")
		}
		op = exec.Batch(spec)
	case models.OpBackup:
		op = exec.Backup(r.backups)
	case models.OpTCPScan:
		opts := executor.ProbeOptions{Dial: r.dial}
		if req.Banner {
			opts.BannerWait = min(cfg.PerTaskTimeout/2, maxBannerWait)
		}
		op = executor.Probe(opts)
	}

	sopts := []engine.Option{engine.WithLogger(r.logger)}
	for _, fn := range r.observers {
		sopts = append(sopts, engine.WithObserver(fn))
	}
	rep, err := engine.NewScheduler(sopts...).Run(ctx, string(req.Operation), tgts, op, cfg)
	if err != nil {
		return nil, err
	}
	if req.Operation == models.OpBackup {
		exec.RecordBackupFailures(r.backups, rep)
	}
	return rep, nil
}

// Targets expands the request's target expressions, group and tag into
// the ordered target list against the current inventory. tcp-scan targets
// are host:port pairs.
func (r *Runner) Targets(req models.RunRequest) ([]engine.Target, error) {
	return r.targets(req, r.snapshot())
}

func (r *Runner) targets(req models.RunRequest, snap *inventory.Inventory) ([]engine.Target, error) {
	var (
		hosts []string
		seen  = make(map[string]bool)
	)
	add := func(list []string) {
		for _, h := range list {
			if !seen[h] {
				seen[h] = true
				hosts = append(hosts, h)
			}
		}
	}
	for _, expr := range req.Targets {
		list, err := targets.Parse(expr)
		if err != nil {
			return nil, err
		}
		add(list)
	}
	if req.Group != "" {
		if snap == nil {
			return nil, engine.Errorf(engine.KindConfiguration, "group", "group %q given but no inventory is configured", req.Group)
		}
		members, err := snap.Group(req.Group)
		if err != nil {
			return nil, err
		}
		add(members)
	}
	if req.Tag != "" {
		if snap == nil {
			return nil, engine.Errorf(engine.KindConfiguration, "tag", "tag %q given but no inventory is configured", req.Tag)
		}
		members := snap.Tagged(req.Tag)
		if len(members) == 0 {
			return nil, &engine.Error{Kind: engine.KindNotFound, Op: "tag", Target: req.Tag, Err: inventory.ErrNotFound}
		}
		add(members)
	}
	if len(hosts) == 0 {
		return nil, engine.Errorf(engine.KindValidation, "parse targets", "no targets given")
	}

	if req.Operation != models.OpTCPScan {
		return engine.Targets(hosts...), nil
	}
	expr := req.Ports
	if expr == "" {
		expr = DefaultPorts
	}
	ports, err := targets.ParsePorts(expr)
	if err != nil {
		return nil, err
	}
	if n := len(hosts) * len(ports); n > targets.MaxHosts {
		return nil, engine.Errorf(engine.KindValidation, "parse targets", "%d host:port pairs exceed the limit of %d", n, targets.MaxHosts)
	}
	return targets.WithPorts(hosts, ports), nil
}
