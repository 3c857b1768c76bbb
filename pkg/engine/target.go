package engine

import (
	"context"
	"strings"
)

// Target is one unit of a batch run. ID is the address, hostname or
// inventory reference; Payload carries operation specific input such as
// commands or ports. Neither may be mutated once a run starts.
type Target struct {
	ID      string `json:"id"`
	Payload any    `json:"payload,omitempty"`
}

// Targets builds payload-less targets from identifiers, preserving order.
func Targets(ids ...string) []Target {
	out := make([]Target, len(ids))
	for i, id := range ids {
		out[i] = Target{ID: id}
	}
	return out
}

// Attempt identifies one try of one target. Number is 1-based.
type Attempt struct {
	Target Target
	Index  int
	Number int
}

// Operation performs the work for one attempt. The context carries the
// per-attempt deadline and run cancellation; implementations must release
// every resource they acquire before returning.
type Operation func(ctx context.Context, a Attempt) (any, error)

// ValidateAddress checks that id is an IP address or an RFC 1123 hostname,
// optionally followed by a port.
func ValidateAddress(id string) error {
	host := strings.TrimSpace(id)
	if host == "" {
		return Errorf(KindValidation, "validate", "empty target")
	}
	if err := validate.Var(host, "ip|hostname_port|hostname_rfc1123"); err != nil {
		return &Error{Kind: KindValidation, Op: "validate", Target: id, Err: err}
	}
	return nil
}
