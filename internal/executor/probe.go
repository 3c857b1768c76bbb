package executor

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

// ProbeResult is the payload of an open port.
type ProbeResult struct {
	Host    string        `json:"host" bson:"host"`
	Port    int           `json:"port" bson:"port"`
	Service string        `json:"service,omitempty" bson:"service,omitempty"`
	Latency time.Duration `json:"latency" bson:"latency"`
	Banner  string        `json:"banner,omitempty" bson:"banner,omitempty"`
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type ProbeOptions struct {
	// BannerWait, when positive, reads whatever the service sends first
	// for at most this long.
	BannerWait time.Duration
	Dial       DialFunc
}

const maxBanner = 64

var services = map[int]string{
	20: "ftp-data", 21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp", 53: "dns",
	80: "http", 110: "pop3", 143: "imap", 161: "snmp", 443: "https", 445: "smb",
	830: "netconf", 993: "imaps", 995: "pop3s", 1433: "mssql", 1521: "oracle",
	3306: "mysql", 3389: "rdp", 5432: "postgresql", 5900: "vnc", 6379: "redis",
	8080: "http-alt", 8443: "https-alt", 9092: "kafka", 27017: "mongodb",
}

// ServiceName returns the well-known service for port, or "".
func ServiceName(port int) string { return services[port] }

// Probe checks that a TCP connection to each target's host:port can be
// established. A refused connection is a ConnectionError, a silent port a
// TimeoutError.
func Probe(opts ProbeOptions) engine.Operation {
	dial := opts.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	return func(ctx context.Context, a engine.Attempt) (any, error) {
		host, portStr, err := net.SplitHostPort(a.Target.ID)
		if err != nil {
			return nil, &engine.Error{Kind: engine.KindValidation, Op: "probe", Target: a.Target.ID, Err: err}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, engine.Errorf(engine.KindValidation, "probe", "invalid port %q in %s", portStr, a.Target.ID)
		}

		start := time.Now()
		conn, err := dial(ctx, "tcp", a.Target.ID)
		if err != nil {
			return nil, &engine.Error{Kind: dialKind(ctx, err), Op: "probe", Target: a.Target.ID, Err: err}
		}
		defer conn.Close()

		res := &ProbeResult{Host: host, Port: port, Service: ServiceName(port), Latency: time.Since(start)}
		if opts.BannerWait > 0 {
			res.Banner = readBanner(ctx, conn, opts.BannerWait)
		}
		return res, nil
	}
}

func dialKind(ctx context.Context, err error) engine.ErrorKind {
	if ctx.Err() != nil {
		return engine.KindOf(ctx.Err())
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return engine.KindTimeout
	}
	return engine.KindConnection
}

func readBanner(ctx context.Context, conn net.Conn, wait time.Duration) string {
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	buf := make([]byte, 256)
	n, _ := conn.Read(buf)
	banner := strings.TrimSpace(string(buf[:n]))
	if len(banner) > maxBanner {
		banner = banner[:maxBanner]
	}
	return strings.ToValidUTF8(banner, "")
}

func (r *ProbeResult) Brief() string {
	s := "open " + r.Latency.Round(time.Millisecond).String()
	if r.Service != "" {
		s += " " + r.Service
	}
	if r.Banner != "" {
		s += " " + strconv.Quote(r.Banner)
	}
	return s
}
