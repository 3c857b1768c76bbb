package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

// SSHConfig tunes the SSH transport.
type SSHConfig struct {
	// KnownHostsFile enables host key checking; empty accepts any key.
	KnownHostsFile string `yaml:"known_hosts_file" json:"known_hosts_file"`
	// KeyPath is the default private key used when an endpoint has none.
	KeyPath      string `yaml:"key_path" json:"key_path"`
	TerminalType string `yaml:"terminal_type" json:"terminal_type"`
	Width        int    `yaml:"width" json:"width"`
	Height       int    `yaml:"height" json:"height"`
}

// SSHConnector opens interactive PTY shells over SSH.
type SSHConnector struct {
	cfg    SSHConfig
	dialer net.Dialer
}

func NewSSHConnector(cfg SSHConfig) *SSHConnector {
	if cfg.TerminalType == "" {
		cfg.TerminalType = "vt100"
	}
	if cfg.Width <= 0 {
		cfg.Width = 511
	}
	if cfg.Height <= 0 {
		cfg.Height = 24
	}
	return &SSHConnector{cfg: cfg}
}

// Connect opens the TCP connection only; the SSH handshake belongs to the
// authenticate step.
func (c *SSHConnector) Connect(ctx context.Context, ep Endpoint) (Link, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Address(), err)
	}
	return &sshLink{cfg: c.cfg, conn: conn}, nil
}

type sshLink struct {
	cfg  SSHConfig
	conn net.Conn
}

func (l *sshLink) Close() error { return l.conn.Close() }

func (l *sshLink) Authenticate(ctx context.Context, ep Endpoint) (Channel, error) {
	clientCfg, err := l.clientConfig(ep)
	if err != nil {
		return nil, err
	}

	// the handshake has no context parameter
	if dl, ok := ctx.Deadline(); ok {
		_ = l.conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = l.conn.SetDeadline(time.Now()) })
	defer stop()

	cc, chans, reqs, err := ssh.NewClientConn(l.conn, ep.Address(), clientCfg)
	if err != nil {
		return nil, classifyHandshake(err)
	}
	_ = l.conn.SetDeadline(time.Time{})
	client := ssh.NewClient(cc, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, &engine.Error{Kind: engine.KindConnection, Op: "open channel", Err: err}
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(l.cfg.TerminalType, l.cfg.Height, l.cfg.Width, modes); err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, &engine.Error{Kind: engine.KindConnection, Op: "request pty", Err: err}
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sess.Shell(); err != nil {
		_ = client.Close()
		return nil, &engine.Error{Kind: engine.KindConnection, Op: "start shell", Err: err}
	}
	return &sshChannel{client: client, sess: sess, stdin: stdin, stdout: stdout}, nil
}

func (l *sshLink) clientConfig(ep Endpoint) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	keyPath := ep.KeyPath
	if keyPath == "" {
		keyPath = l.cfg.KeyPath
	}
	if keyPath != "" {
		signer, err := loadSigner(keyPath)
		if err != nil {
			return nil, &engine.Error{Kind: engine.KindConfiguration, Op: "load key", Err: err}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if ep.Password != "" {
		password := ep.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if l.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(l.cfg.KnownHostsFile)
		if err != nil {
			return nil, &engine.Error{Kind: engine.KindConfiguration, Op: "load known_hosts", Err: err}
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		BannerCallback:  func(string) error { return nil },
	}, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return signer, nil
}

// classifyHandshake separates credential and host key rejections from
// transport failures during the SSH handshake.
func classifyHandshake(err error) error {
	var keyErr *knownhosts.KeyError
	switch {
	case errors.As(err, &keyErr):
		return &engine.Error{Kind: engine.KindAuthentication, Op: "host key", Err: err}
	case strings.Contains(err.Error(), "unable to authenticate"):
		return &engine.Error{Kind: engine.KindAuthentication, Op: "authenticate", Err: err}
	case errors.Is(err, os.ErrDeadlineExceeded):
		return err
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return err
		}
		return &engine.Error{Kind: engine.KindConnection, Op: "handshake", Err: err}
	}
}

type sshChannel struct {
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	once   sync.Once
}

func (c *sshChannel) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sshChannel) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *sshChannel) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.sess.Close()
		err = c.client.Close()
	})
	return err
}
