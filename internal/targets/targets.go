// Package targets expands command line target and port expressions.
package targets

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

// MaxHosts caps how many addresses one expression may expand to.
const MaxHosts = 1 << 16

// Parse expands a comma separated list of addresses, CIDR blocks,
// last-octet ranges (10.0.0.1-20) and names. Duplicates are dropped,
// keeping first occurrence order. Network and broadcast addresses of IPv4
// blocks larger than /31 are skipped.
func Parse(expr string) ([]string, error) {
	var (
		out  []string
		seen = make(map[string]bool)
	)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		hosts, err := expand(part)
		if err != nil {
			return nil, engine.NewError(engine.KindValidation, "parse targets", err)
		}
		for _, h := range hosts {
			add(h)
		}
		if len(out) > MaxHosts {
			return nil, engine.Errorf(engine.KindValidation, "parse targets", "more than %d targets", MaxHosts)
		}
	}
	return out, nil
}

func expand(part string) ([]string, error) {
	switch {
	case strings.Contains(part, "/"):
		prefix, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", part, err)
		}
		return expandPrefix(prefix.Masked())
	case strings.Contains(part, "-") && !strings.Contains(part, ":"):
		if hosts, ok, err := expandRange(part); ok || err != nil {
			return hosts, err
		}
	}
	return []string{part}, nil
}

func expandPrefix(p netip.Prefix) ([]string, error) {
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits > 16 {
		return nil, fmt.Errorf("%s expands to more than %d addresses", p, MaxHosts)
	}
	size := 1 << hostBits
	skipEdges := p.Addr().Is4() && hostBits >= 2

	out := make([]string, 0, size)
	addr := p.Addr()
	for i := 0; i < size; i++ {
		if !(skipEdges && (i == 0 || i == size-1)) {
			out = append(out, addr.String())
		}
		addr = addr.Next()
	}
	return out, nil
}

// expandRange handles a.b.c.x-y. ok is false when part is not shaped like
// a range, such as a hostname containing a dash.
func expandRange(part string) (hosts []string, ok bool, err error) {
	left, right, _ := strings.Cut(part, "-")
	start, perr := netip.ParseAddr(left)
	if perr != nil || !start.Is4() {
		return nil, false, nil
	}
	last, aerr := strconv.Atoi(right)
	if aerr != nil {
		return nil, false, nil
	}
	b := start.As4()
	if last < int(b[3]) || last > 255 {
		return nil, true, fmt.Errorf("invalid range %q", part)
	}
	for i := int(b[3]); i <= last; i++ {
		b[3] = byte(i)
		hosts = append(hosts, netip.AddrFrom4(b).String())
	}
	return hosts, true, nil
}

var commonPorts = map[string][]int{
	"web":    {80, 443, 8080, 8443},
	"ssh":    {22},
	"telnet": {23},
	"ftp":    {20, 21},
	"dns":    {53},
	"smtp":   {25, 465, 587},
	"mgmt":   {22, 23, 80, 161, 443, 830},
	"common": {21, 22, 23, 25, 53, 80, 110, 143, 443, 445, 3306, 3389, 5432, 6379, 8080, 27017},
}

// ParsePorts parses "22,80,8000-8010" or a named set such as "web" or
// "common" into sorted unique ports.
func ParsePorts(expr string) ([]int, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(expr, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if named, ok := commonPorts[part]; ok {
			for _, p := range named {
				set[p] = true
			}
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := port(lo)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = port(hi); err != nil {
				return nil, err
			}
			if end < start {
				return nil, engine.Errorf(engine.KindValidation, "parse ports", "invalid port range %q", part)
			}
		}
		for p := start; p <= end; p++ {
			set[p] = true
		}
	}
	if len(set) == 0 {
		return nil, engine.Errorf(engine.KindValidation, "parse ports", "no ports in %q", expr)
	}
	ports := make([]int, 0, len(set))
	for p := range set {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

func port(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, engine.Errorf(engine.KindValidation, "parse ports", "invalid port %q", s)
	}
	return p, nil
}

// WithPorts crosses hosts with ports into host:port targets, host major.
func WithPorts(hosts []string, ports []int) []engine.Target {
	out := make([]engine.Target, 0, len(hosts)*len(ports))
	for _, h := range hosts {
		for _, p := range ports {
			out = append(out, engine.Target{ID: net.JoinHostPort(h, strconv.Itoa(p))})
		}
	}
	return out
}
