// Package sessiontest provides an in-memory device speaking a Cisco IOS
// style CLI, for exercising sessions without a network.
package sessiontest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

var ErrAuth = errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain")

const invalidInput = "% Invalid input detected at '^' marker."

// Device is a scripted cisco_ios device. Zero values give a device that
// accepts any credentials and starts in privileged mode.
type Device struct {
	Hostname string
	Username string
	Password string
	// Secret, when set, makes logins land in user mode and guards enable.
	Secret string
	// Config is returned by show running-config.
	Config string
	// Outputs maps exec commands to their output.
	Outputs map[string]string
	// Reject lists commands the device answers with an invalid input error.
	Reject map[string]bool
	// Hang lists commands the device never answers.
	Hang map[string]bool
	// ConfirmSave makes write memory ask for confirmation.
	ConfirmSave bool

	// ConnectErr fails every connect; HangConnect blocks until the
	// connect context ends.
	ConnectErr  error
	HangConnect bool
	// FailConnects fails that many connects before succeeding.
	FailConnects int

	mu       sync.Mutex
	received []string
	connects int
	logins   int
	open     int
	saves    int
}

func (d *Device) hostname() string {
	if d.Hostname == "" {
		return "Router"
	}
	return d.Hostname
}

// Connector dials this device.
func (d *Device) Connector() session.Connector {
	return session.ConnectorFunc(func(ctx context.Context, ep session.Endpoint) (session.Link, error) {
		d.mu.Lock()
		d.connects++
		fail := d.FailConnects > 0
		if fail {
			d.FailConnects--
		}
		d.mu.Unlock()

		if d.HangConnect {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if d.ConnectErr != nil {
			return nil, d.ConnectErr
		}
		if fail {
			return nil, fmt.Errorf("dial tcp %s: connect: connection refused", ep.Address())
		}
		return &link{d: d}, nil
	})
}

// Received returns every line the device has read, across sessions.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

func (d *Device) Connects() int { d.mu.Lock(); defer d.mu.Unlock(); return d.connects }
func (d *Device) Logins() int   { d.mu.Lock(); defer d.mu.Unlock(); return d.logins }
func (d *Device) Saves() int    { d.mu.Lock(); defer d.mu.Unlock(); return d.saves }

// OpenChannels counts channels not yet closed.
func (d *Device) OpenChannels() int { d.mu.Lock(); defer d.mu.Unlock(); return d.open }

// WaitClosed polls until every channel is closed or the timeout passes.
func (d *Device) WaitClosed(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.OpenChannels() == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return d.OpenChannels() == 0
}

type link struct{ d *Device }

func (l *link) Close() error { return nil }

func (l *link) Authenticate(ctx context.Context, ep session.Endpoint) (session.Channel, error) {
	d := l.d
	if (d.Username != "" && ep.Username != d.Username) || (d.Password != "" && ep.Password != d.Password) {
		return nil, ErrAuth
	}
	d.mu.Lock()
	d.logins++
	d.open++
	d.mu.Unlock()

	ch := &channel{d: d, out: make(chan []byte, 256), closed: make(chan struct{}), mode: modePriv}
	if d.Secret != "" {
		ch.mode = modeUser
	}
	ch.emit("\r\nUser Access Verification\r\n\r\n" + ch.prompt())
	return ch, nil
}

type mode int

const (
	modeUser mode = iota
	modePriv
	modeConfig
)

type channel struct {
	d       *Device
	mode    mode
	secret  bool
	confirm bool
	in      []byte
	pending []byte
	out     chan []byte
	closed  chan struct{}
	once    sync.Once
}

func (c *channel) prompt() string {
	switch c.mode {
	case modeUser:
		return c.d.hostname() + ">"
	case modeConfig:
		return c.d.hostname() + "(config)#"
	default:
		return c.d.hostname() + "#"
	}
}

func (c *channel) emit(s string) {
	select {
	case c.out <- []byte(s):
	case <-c.closed:
	}
}

func (c *channel) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case b := <-c.out:
			c.pending = b
		case <-c.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *channel) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	c.in = append(c.in, p...)
	for {
		i := bytes.IndexByte(c.in, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(c.in[:i]), "\r")
		c.in = c.in[i+1:]
		c.handle(line)
	}
	return len(p), nil
}

func (c *channel) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.d.mu.Lock()
		c.d.open--
		c.d.mu.Unlock()
	})
	return nil
}

func (c *channel) handle(line string) {
	d := c.d
	d.mu.Lock()
	d.received = append(d.received, line)
	d.mu.Unlock()

	if c.secret {
		c.secret = false
		if line == d.Secret {
			c.mode = modePriv
			c.emit("\r\n" + c.prompt())
		} else {
			c.emit("\r\n% Access denied\r\n\r\n" + c.prompt())
		}
		return
	}
	if c.confirm {
		c.confirm = false
		if strings.HasPrefix(strings.ToLower(line), "y") {
			c.save()
		} else {
			c.emit(line + "\r\n" + c.prompt())
		}
		return
	}

	cmd := strings.TrimSpace(line)
	echo := line + "\r\n"
	if d.Hang[cmd] {
		c.emit(echo)
		return
	}
	if d.Reject[cmd] {
		c.emit(echo + "        ^\r\n" + invalidInput + "\r\n\r\n" + c.prompt())
		return
	}

	switch {
	case cmd == "":
		c.emit("\r\n" + c.prompt())
	case cmd == "terminal length 0":
		c.emit(echo + c.prompt())
	case cmd == "enable" && c.mode == modeUser:
		c.secret = true
		c.emit(echo + "Password: ")
	case cmd == "enable":
		c.emit(echo + c.prompt())
	case cmd == "disable" && c.mode == modePriv:
		c.mode = modeUser
		c.emit(echo + c.prompt())
	case cmd == "configure terminal" && c.mode == modePriv:
		c.mode = modeConfig
		c.emit(echo + "Enter configuration commands, one per line.  End with CNTL/Z.\r\n" + c.prompt())
	case cmd == "end" && c.mode == modeConfig:
		c.mode = modePriv
		c.emit(echo + c.prompt())
	case c.mode == modeConfig:
		c.emit(echo + c.prompt())
	case c.mode == modeUser && (cmd == "configure terminal" || cmd == "write memory" || cmd == "show running-config"):
		c.emit(echo + "        ^\r\n" + invalidInput + "\r\n\r\n" + c.prompt())
	case cmd == "write memory":
		if d.ConfirmSave {
			c.confirm = true
			c.emit(echo + "Overwrite the previous NVRAM configuration?[confirm]")
			return
		}
		c.emit(echo)
		c.save()
	case cmd == "show running-config":
		c.emit(echo + "Building configuration...\r\n\r\n" + strings.ReplaceAll(c.runningConfig(), "\n", "\r\n") + "\r\n" + c.prompt())
	default:
		out, ok := d.Outputs[cmd]
		if !ok {
			c.emit(echo + "        ^\r\n" + invalidInput + "\r\n\r\n" + c.prompt())
			return
		}
		if out != "" {
			out = strings.ReplaceAll(out, "\n", "\r\n") + "\r\n"
		}
		c.emit(echo + out + c.prompt())
	}
}

func (c *channel) save() {
	c.d.mu.Lock()
	c.d.saves++
	c.d.mu.Unlock()
	c.emit("Building configuration...\r\n[OK]\r\n" + c.prompt())
}

func (c *channel) runningConfig() string {
	if c.d.Config != "" {
		return c.d.Config
	}
	body := fmt.Sprintf("!\nversion 15.2\nhostname %s\n!\ninterface GigabitEthernet0/0\n ip address dhcp\n!\nend", c.d.hostname())
	return fmt.Sprintf("Current configuration : %d bytes\n%s", len(body), body)
}

// Lab routes connections to devices by endpoint host.
type Lab map[string]*Device

// Connector dials the device registered for the endpoint's host. Unknown
// hosts refuse the connection.
func (l Lab) Connector() session.Connector {
	return session.ConnectorFunc(func(ctx context.Context, ep session.Endpoint) (session.Link, error) {
		d, ok := l[ep.Hostname()]
		if !ok {
			return nil, fmt.Errorf("dial tcp %s: connect: connection refused", ep.Address())
		}
		return d.Connector().Connect(ctx, ep)
	})
}
