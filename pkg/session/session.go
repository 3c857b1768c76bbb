// Package session drives an interactive CLI session on a network device:
// login, prompt tracking, privileged and configuration modes, command
// execution and saving the running configuration.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

var ErrClosed = errors.New("session closed")

// State is the CLI mode the session believes the device is in.
type State string

const (
	StateDisconnected     State = "DISCONNECTED"
	StateConnected        State = "CONNECTED"
	StateAuthenticated    State = "AUTHENTICATED"
	StateInCommandMode    State = "IN_COMMAND_MODE"
	StateInPrivilegedMode State = "IN_PRIVILEGED_MODE"
	StateInConfigMode     State = "IN_CONFIG_MODE"
	StateClosed           State = "CLOSED"
)

// CommandClass selects how a command is sent.
type CommandClass int

const (
	ClassPlain CommandClass = iota
	// ClassConfig commands are sent from inside the configuration mode.
	ClassConfig
)

type Command struct {
	Text  string       `json:"text" yaml:"text"`
	Class CommandClass `json:"class" yaml:"class"`
}

func Plain(text string) Command  { return Command{Text: text, Class: ClassPlain} }
func Config(text string) Command { return Command{Text: text, Class: ClassConfig} }

// CommandResult pairs a command with its cleaned output.
type CommandResult struct {
	Command string `json:"command" bson:"command"`
	Output  string `json:"output" bson:"output"`
}

var passwordPrompt = regexp.MustCompile(`(?i)password:?$`)

const maxConfirmations = 3

// Session is a single authenticated CLI channel. Commands are serialized;
// Close may be called from any goroutine.
type Session struct {
	endpoint Endpoint
	dialect  Dialect
	timeout  time.Duration
	logger   lg.Logger

	// mu serializes command exchanges on ch.
	mu sync.Mutex
	ch Channel

	smu   sync.Mutex
	state State
	stop  func() bool

	reads     chan []byte
	readErr   error
	closed    chan struct{}
	closeOnce sync.Once
}

type options struct {
	connector Connector
	logger    lg.Logger
}

// Option configures Open.
type Option func(*options)

// WithConnector replaces the default SSH transport.
func WithConnector(c Connector) Option {
	return func(o *options) { o.connector = c }
}

func WithLogger(l lg.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open connects, authenticates and readies the CLI. Connecting and
// authenticating are each bounded by timeout, which also bounds every later
// wait for a prompt. The session is closed automatically when ctx ends.
func Open(ctx context.Context, ep Endpoint, d Dialect, timeout time.Duration, opts ...Option) (*Session, error) {
	o := options{logger: lg.FromContext(ctx)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.connector == nil {
		o.connector = NewSSHConnector(SSHConfig{})
	}
	host := ep.Hostname()
	if host == "" {
		return nil, &engine.Error{Kind: engine.KindValidation, Op: "open", Err: errors.New("endpoint has no host")}
	}
	if timeout <= 0 {
		return nil, &engine.Error{Kind: engine.KindValidation, Op: "open", Target: host, Err: fmt.Errorf("invalid session timeout %s", timeout)}
	}

	s := &Session{
		endpoint: ep,
		dialect:  d,
		timeout:  timeout,
		logger:   o.logger.With(lg.String("host", host), lg.String("dialect", d.Name)),
		state:    StateDisconnected,
		reads:    make(chan []byte, 64),
		closed:   make(chan struct{}),
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	link, err := o.connector.Connect(cctx, ep)
	cancel()
	if err != nil {
		return nil, s.stepError(ctx, engine.KindConnection, "connect", err)
	}
	s.setState(StateConnected)

	actx, cancel := context.WithTimeout(ctx, timeout)
	ch, err := link.Authenticate(actx, ep)
	cancel()
	if err != nil {
		_ = link.Close()
		return nil, s.stepError(ctx, engine.KindAuthentication, "authenticate", err)
	}
	s.ch = ch
	s.setState(StateAuthenticated)

	go s.pump()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	s.smu.Lock()
	s.stop = stop
	s.smu.Unlock()

	if err := s.prepare(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// stepError classifies a failed connect or authenticate step. An ended
// parent context wins over the step's own kind.
func (s *Session) stepError(ctx context.Context, kind engine.ErrorKind, op string, err error) error {
	host := s.endpoint.Hostname()
	if ctx.Err() != nil {
		return &engine.Error{Kind: engine.KindOf(ctx.Err()), Op: op, Target: host, Err: err}
	}
	var typed *engine.Error
	if errors.As(err, &typed) {
		if typed.Target == "" {
			typed.Target = host
		}
		return typed
	}
	s.logger.Debug("session step failed", lg.String("step", op), lg.Err(err))
	return &engine.Error{Kind: kind, Op: op, Target: host, Err: err}
}

func (s *Session) prepare(ctx context.Context) error {
	if _, err := s.readUntil(ctx, s.atPrompt); err != nil {
		return s.wrap("login", err)
	}
	if s.dialect.PagingDisableCommand != "" {
		if _, err := s.run(ctx, s.dialect.PagingDisableCommand); err != nil {
			return err
		}
	}
	if s.dialect.NeedsEnable() && s.endpoint.Secret != "" && s.State() == StateInCommandMode {
		return s.enable(ctx)
	}
	return nil
}

// State returns the current mode.
func (s *Session) State() State {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.smu.Lock()
	prev := s.state
	if prev != StateClosed {
		s.state = st
	}
	s.smu.Unlock()
	if prev != st && prev != StateClosed {
		s.logger.Debug("session state changed", lg.String("from", string(prev)), lg.String("to", string(st)))
	}
}

// Endpoint returns the endpoint the session was opened against.
func (s *Session) Endpoint() Endpoint { return s.endpoint }

// Dialect returns the profile driving the session.
func (s *Session) Dialect() Dialect { return s.dialect }

// Execute sends one command and returns its output without the echo and
// the trailing prompt. Config class commands are wrapped in the
// configuration mode and the previous mode is restored afterwards.
func (s *Session) Execute(ctx context.Context, cmd Command) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable("execute"); err != nil {
		return "", err
	}
	if cmd.Class == ClassConfig {
		outs, err := s.configure(ctx, []string{cmd.Text})
		if len(outs) > 0 {
			return outs[0], err
		}
		return "", err
	}
	return s.run(ctx, cmd.Text)
}

// ExecuteAll runs cmds in order and stops at the first failure, returning
// the results gathered so far. Consecutive config commands share one visit
// to the configuration mode.
func (s *Session) ExecuteAll(ctx context.Context, cmds []Command) ([]CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable("execute"); err != nil {
		return nil, err
	}

	results := make([]CommandResult, 0, len(cmds))
	for i := 0; i < len(cmds); {
		if cmds[i].Class != ClassConfig {
			out, err := s.run(ctx, cmds[i].Text)
			if err != nil {
				return results, err
			}
			results = append(results, CommandResult{Command: cmds[i].Text, Output: out})
			i++
			continue
		}

		j := i
		var block []string
		for ; j < len(cmds) && cmds[j].Class == ClassConfig; j++ {
			block = append(block, cmds[j].Text)
		}
		outs, err := s.configure(ctx, block)
		for k, out := range outs {
			results = append(results, CommandResult{Command: block[k], Output: out})
		}
		if err != nil {
			return results, err
		}
		i = j
	}
	return results, nil
}

// ShowConfig returns the running configuration.
func (s *Session) ShowConfig(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable("show config"); err != nil {
		return "", err
	}
	if s.dialect.ShowConfigCommand == "" {
		return "", s.unsupported("show config")
	}
	if s.dialect.NeedsEnable() && s.State() == StateInCommandMode {
		if err := s.enable(ctx); err != nil {
			return "", err
		}
	}
	return s.run(ctx, s.dialect.ShowConfigCommand)
}

// Save persists the running configuration using the dialect's save command.
func (s *Session) Save(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable("save"); err != nil {
		return "", err
	}
	if s.dialect.SaveCommand == "" {
		return "", s.unsupported("save")
	}
	if s.dialect.SaveFromConfig {
		outs, err := s.configure(ctx, []string{s.dialect.SaveCommand})
		if len(outs) > 0 {
			return outs[0], err
		}
		return "", err
	}
	if s.dialect.NeedsEnable() && s.State() == StateInCommandMode {
		if err := s.enable(ctx); err != nil {
			return "", err
		}
	}
	return s.run(ctx, s.dialect.SaveCommand)
}

// Close tears down the channel. It is safe to call more than once and
// concurrently with a running command, which then fails with ErrClosed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.smu.Lock()
		stop := s.stop
		s.smu.Unlock()
		if stop != nil {
			stop()
		}
		close(s.closed)
		if s.ch != nil {
			err = s.ch.Close()
		}
		s.setState(StateClosed)
		s.logger.Debug("session closed")
	})
	return err
}

func (s *Session) usable(op string) error {
	select {
	case <-s.closed:
		return &engine.Error{Kind: engine.KindConnection, Op: op, Target: s.endpoint.Hostname(), Err: ErrClosed}
	default:
		return nil
	}
}

func (s *Session) unsupported(op string) error {
	return &engine.Error{
		Kind:   engine.KindValidation,
		Op:     op,
		Target: s.endpoint.Hostname(),
		Err:    fmt.Errorf("device type %s does not support %s", s.dialect.Name, op),
	}
}

// configure runs texts inside the configuration mode. The caller holds mu.
func (s *Session) configure(ctx context.Context, texts []string) ([]string, error) {
	if !s.dialect.HasConfigMode() {
		return nil, s.unsupported("configure")
	}

	enabled := false
	if s.dialect.NeedsEnable() && s.State() == StateInCommandMode {
		if err := s.enable(ctx); err != nil {
			return nil, err
		}
		enabled = true
	}
	if s.State() != StateInConfigMode {
		if _, err := s.run(ctx, s.dialect.EnterConfigCommand); err != nil {
			return nil, err
		}
		if s.State() != StateInConfigMode {
			return nil, &engine.Error{Kind: engine.KindCommand, Op: "configure", Target: s.endpoint.Hostname(),
				Err: fmt.Errorf("%q did not reach configuration mode", s.dialect.EnterConfigCommand)}
		}
	}

	outs := make([]string, 0, len(texts))
	for _, text := range texts {
		out, err := s.run(ctx, text)
		if err != nil {
			outs = append(outs, out)
			if engine.KindOf(err) == engine.KindCommand {
				_ = s.leaveConfig(ctx, enabled)
			}
			return outs, err
		}
		outs = append(outs, out)
	}
	return outs, s.leaveConfig(ctx, enabled)
}

func (s *Session) leaveConfig(ctx context.Context, disable bool) error {
	if s.State() == StateInConfigMode {
		if _, err := s.run(ctx, s.dialect.ExitConfigCommand); err != nil {
			return err
		}
	}
	if disable && s.dialect.DisableCommand != "" {
		if _, err := s.run(ctx, s.dialect.DisableCommand); err != nil {
			return err
		}
	}
	return nil
}

// enable enters privileged mode, answering a password prompt with the
// endpoint secret. The caller holds mu or is still inside Open.
func (s *Session) enable(ctx context.Context) error {
	if err := s.send(s.dialect.EnableCommand); err != nil {
		return err
	}
	raw, err := s.readUntil(ctx, func(line string) bool {
		return passwordPrompt.MatchString(line) || s.atPrompt(line)
	})
	if err != nil {
		return s.wrap("enable", err)
	}
	if passwordPrompt.MatchString(lastLine(raw)) {
		if err := s.send(s.endpoint.Secret); err != nil {
			return err
		}
		raw, err = s.readUntil(ctx, s.atPrompt)
		if err != nil {
			return s.wrap("enable", err)
		}
	}
	s.trackMode(raw)
	if s.State() != StateInPrivilegedMode {
		return &engine.Error{Kind: engine.KindAuthentication, Op: "enable", Target: s.endpoint.Hostname(),
			Err: errors.New("privileged mode rejected")}
	}
	return nil
}

// run sends text and collects its output up to the next prompt, answering
// confirmation questions on the way. The caller holds mu.
func (s *Session) run(ctx context.Context, text string) (string, error) {
	if err := s.send(text); err != nil {
		return "", err
	}

	var raw strings.Builder
	for confirmations := 0; ; confirmations++ {
		chunk, err := s.readUntil(ctx, func(line string) bool {
			return s.atPrompt(line) || s.atConfirm(line)
		})
		raw.WriteString(chunk)
		if err != nil {
			return cleanOutput(raw.String(), text), s.wrap("execute "+text, err)
		}
		if s.atPrompt(lastLine(chunk)) || confirmations >= maxConfirmations {
			break
		}
		if err := s.send(s.dialect.ConfirmAnswer); err != nil {
			return cleanOutput(raw.String(), text), err
		}
	}

	s.trackMode(raw.String())
	out := cleanOutput(raw.String(), text)
	if s.dialect.ErrorPattern != nil && s.dialect.ErrorPattern.MatchString(out) {
		return out, &engine.Error{Kind: engine.KindCommand, Op: "execute", Target: s.endpoint.Hostname(),
			Err: fmt.Errorf("device rejected %q: %s", text, firstMatchLine(s.dialect.ErrorPattern, out))}
	}
	return out, nil
}

func (s *Session) send(text string) error {
	if _, err := s.ch.Write([]byte(text + "\n")); err != nil {
		if s.usable("write") != nil {
			err = ErrClosed
		}
		return &engine.Error{Kind: engine.KindConnection, Op: "write", Target: s.endpoint.Hostname(), Err: err}
	}
	return nil
}

// readUntil collects output until the last line satisfies match. Each call
// waits at most the session timeout.
func (s *Session) readUntil(ctx context.Context, match func(line string) bool) (string, error) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	var buf []byte
	for {
		if len(buf) > 0 && match(lastLine(string(buf))) {
			return string(buf), nil
		}
		select {
		case chunk, ok := <-s.reads:
			if !ok {
				return string(buf), s.channelError()
			}
			buf = append(buf, chunk...)
		case <-timer.C:
			return string(buf), &engine.Error{Kind: engine.KindTimeout, Op: "read", Target: s.endpoint.Hostname(),
				Err: fmt.Errorf("no prompt within %s", s.timeout)}
		case <-ctx.Done():
			return string(buf), ctx.Err()
		case <-s.closed:
			return string(buf), ErrClosed
		}
	}
}

func (s *Session) pump() {
	defer close(s.reads)
	buf := make([]byte, 4096)
	for {
		n, err := s.ch.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case s.reads <- chunk:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			s.readErr = err
			return
		}
	}
}

func (s *Session) channelError() error {
	if s.usable("read") != nil {
		return ErrClosed
	}
	return fmt.Errorf("connection lost: %w", s.readErr)
}

// wrap types an untyped read failure. Lost or closed channels are
// connection errors; context errors keep their own classification.
func (s *Session) wrap(op string, err error) error {
	var typed *engine.Error
	if errors.As(err, &typed) {
		return err
	}
	kind := engine.KindOf(err)
	if kind == engine.KindCommand {
		kind = engine.KindConnection
	}
	return &engine.Error{Kind: kind, Op: op, Target: s.endpoint.Hostname(), Err: err}
}

func (s *Session) atPrompt(line string) bool {
	_, ok := s.dialect.modeOf(line)
	return ok
}

func (s *Session) atConfirm(line string) bool {
	return s.dialect.ConfirmPattern != nil && s.dialect.ConfirmAnswer != "" && s.dialect.ConfirmPattern.MatchString(line)
}

func (s *Session) trackMode(raw string) {
	if st, ok := s.dialect.modeOf(lastLine(raw)); ok {
		s.setState(st)
	}
}

// lastLine returns the final line of raw without trailing whitespace.
func lastLine(raw string) string {
	if i := strings.LastIndexByte(raw, '\n'); i >= 0 {
		raw = raw[i+1:]
	}
	if i := strings.LastIndexByte(raw, '\r'); i >= 0 && strings.TrimSpace(raw[i+1:]) != "" {
		raw = raw[i+1:]
	}
	return strings.TrimRight(raw, " \t\r")
}

// cleanOutput drops the command echo and the trailing prompt.
func cleanOutput(raw, cmd string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	if len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > 0 && strings.TrimSpace(cmd) != "" && strings.Contains(lines[0], strings.TrimSpace(cmd)) {
		lines = lines[1:]
	}
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

func firstMatchLine(re *regexp.Regexp, out string) string {
	for _, l := range strings.Split(out, "\n") {
		if re.MatchString(l) {
			return strings.TrimSpace(l)
		}
	}
	return strings.TrimSpace(out)
}
