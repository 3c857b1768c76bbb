// Command netops runs one operation against many network devices at once:
// SSH command batches, configuration backups and TCP port scans.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/internal/report"
	"github.com/nevergoodstudy-hub/netops/internal/runner"
	"github.com/nevergoodstudy-hub/netops/pkg/config"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/models"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

const serviceName = "netops"

// Exit codes.
const (
	exitOK          = 0
	exitTargetsFail = 1
	exitUsage       = 2
	exitInterrupted = 130
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// globalFlags are shared by every operation.
type globalFlags struct {
	settings  string
	logFormat string
	debug     bool

	targets    []string
	group      string
	tag        string
	export     string
	deviceType string

	workers    int
	attempts   int
	timeout    time.Duration
	backoff    time.Duration
	backoffMax time.Duration

	username string
	password string
	secret   string
	quiet    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer, ropts ...runner.Option) int {
	root := newRootCmd(stdout, ropts...)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "netops:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(stderr, "netops:", err)
	return exitUsage
}

func newRootCmd(stdout io.Writer, ropts ...runner.Option) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Run operations against many network devices concurrently",
		Long: `netops fans one operation out over a list of devices with a bounded
number of workers, a per-target timeout and bounded retries, then prints one
result per target in input order.

Targets are addresses, comma lists, CIDR blocks (10.0.0.0/24), last-octet
ranges (10.0.0.1-20) or inventory device names; --group adds every member of
an inventory group and --tag every device carrying a tag.

Examples:
  netops ssh-batch --targets 10.0.0.1,10.0.0.2 -u admin -- "show version" "show clock"
  netops ssh-batch --group core --config --save -- "ntp server 10.0.0.53"
  netops backup --group core -w 10 --export backup-report.csv
  netops tcp-scan --targets 10.0.0.0/28 --ports ssh,web`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.settings, "settings", os.Getenv("NETOPS_SETTINGS"), "settings YAML file")
	pf.StringVar(&g.logFormat, "log-format", "", "log encoding: console or json")
	pf.BoolVar(&g.debug, "debug", false, "enable debug logging")
	pf.StringSliceVarP(&g.targets, "targets", "t", nil, "targets: IPs, names, CIDR blocks or ranges (repeatable, comma separated)")
	pf.StringVarP(&g.group, "group", "g", "", "inventory group to target")
	pf.StringVar(&g.tag, "tag", "", "target every inventory device carrying this tag")
	pf.StringVarP(&g.export, "export", "o", "", "also write the report to a .json, .csv or .md file")
	pf.StringVar(&g.deviceType, "device-type", "", "device type for every target, e.g. cisco_ios, huawei, juniper")
	pf.IntVarP(&g.workers, "workers", "w", 0, "maximum concurrent targets")
	pf.IntVar(&g.attempts, "attempts", 0, "maximum attempts per target")
	pf.DurationVar(&g.timeout, "timeout", 0, "timeout of each attempt")
	pf.DurationVar(&g.backoff, "backoff", 0, "delay before the first retry, doubled on each further retry")
	pf.DurationVar(&g.backoffMax, "backoff-max", 0, "cap on the retry delay")
	pf.StringVarP(&g.username, "username", "u", "", "login username (overrides inventory credentials)")
	pf.StringVar(&g.password, "password", "", "login password, defaults to $NETOPS_PASSWORD")
	pf.StringVar(&g.secret, "secret", "", "enable secret, defaults to $NETOPS_SECRET")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "print only the summary line")

	run := func(cmd *cobra.Command, req models.RunRequest) error {
		return runRequest(cmd, g, req, stdout, ropts...)
	}
	root.AddCommand(newSSHBatchCmd(g, run), newBackupCmd(g, run), newScanCmd(g, run))
	return root
}

// overrides copies the task flags that were set explicitly.
func (g *globalFlags) overrides(cmd *cobra.Command) models.Overrides {
	var o models.Overrides
	fl := cmd.Flags()
	if fl.Changed("workers") {
		o.Workers = &g.workers
	}
	if fl.Changed("attempts") {
		o.Attempts = &g.attempts
	}
	if fl.Changed("timeout") {
		o.Timeout = g.timeout.String()
	}
	if fl.Changed("backoff") {
		o.Backoff = g.backoff.String()
	}
	if fl.Changed("backoff-max") {
		o.BackoffMax = g.backoffMax.String()
	}
	return o
}

func (g *globalFlags) login() session.Endpoint {
	ep := session.Endpoint{Username: g.username, Password: g.password, Secret: g.secret}
	if ep.Password == "" {
		ep.Password = os.Getenv("NETOPS_PASSWORD")
	}
	if ep.Secret == "" {
		ep.Secret = os.Getenv("NETOPS_SECRET")
	}
	return ep
}

func (g *globalFlags) request(cmd *cobra.Command, op models.Operation) models.RunRequest {
	return models.RunRequest{
		Operation:  op,
		Targets:    g.targets,
		Group:      g.group,
		Tag:        g.tag,
		DeviceType: g.deviceType,
		Overrides:  g.overrides(cmd),
	}
}

func runRequest(cmd *cobra.Command, g *globalFlags, req models.RunRequest, stdout io.Writer, ropts ...runner.Option) error {
	ctx := cmd.Context()
	settings, err := config.LoadFile(g.settings)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if g.logFormat != "" {
		settings.Log.Format = g.logFormat
	}
	logger := lg.New(&lg.Config{ServiceName: serviceName, Debug: g.debug || settings.Log.Debug, Format: settings.Log.Format})
	defer logger.Sync()

	sinks := report.Multi{}
	if !g.quiet {
		sinks = append(sinks, report.Writer(stdout))
	}
	if g.export != "" {
		fileSink, err := report.NewFileSink(g.export)
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		sinks = append(sinks, fileSink)
	}

	opts := append([]runner.Option{runner.WithLogin(g.login())}, ropts...)
	r, err := runner.New(settings, logger, opts...)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	rep, err := r.Run(lg.Attach(ctx, logger), req)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if g.quiet {
		fmt.Fprintf(stdout, "%s: %s (%d ok, %d failed, %d cancelled)\n", rep.Operation, rep.OverallStatus,
			rep.Summary.Succeeded, rep.Summary.Failed, rep.Summary.Cancelled)
	}
	if err := sinks.Write(context.WithoutCancel(ctx), rep); err != nil {
		logger.Error("failed to write report", lg.Err(err))
		return &exitError{code: exitTargetsFail, err: err}
	}
	return statusError(rep)
}

// statusError maps a report to the exit code: only a run in which every
// target succeeded exits zero.
func statusError(rep *engine.RunReport) error {
	switch {
	case rep.Cancelled:
		return &exitError{code: exitInterrupted}
	case rep.OverallStatus == engine.StatusAllSuccess:
		return nil
	default:
		return &exitError{code: exitTargetsFail}
	}
}
