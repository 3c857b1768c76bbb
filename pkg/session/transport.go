package session

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
)

// Endpoint is everything needed to reach and log into one device.
type Endpoint struct {
	Host     string `yaml:"host" json:"host" bson:"host" validate:"required"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty" bson:"port,omitempty" validate:"gte=0,lte=65535"`
	Username string `yaml:"username" json:"username" bson:"username"`
	Password string `yaml:"password,omitempty" json:"-" bson:"-"`
	Secret   string `yaml:"secret,omitempty" json:"-" bson:"-"`
	Dialect  string `yaml:"device_type" json:"device_type" bson:"device_type"`
	KeyPath  string `yaml:"key_path,omitempty" json:"key_path,omitempty" bson:"key_path,omitempty"`
}

const DefaultPort = 22

// Address returns host:port. A port already present in Host wins over an
// unset Port.
func (e Endpoint) Address() string {
	if e.Port == 0 {
		if _, _, err := net.SplitHostPort(e.Host); err == nil {
			return e.Host
		}
		return net.JoinHostPort(e.Host, strconv.Itoa(DefaultPort))
	}
	host := e.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Hostname strips any port from Host.
func (e Endpoint) Hostname() string {
	if h, _, err := net.SplitHostPort(e.Host); err == nil {
		return h
	}
	return strings.TrimSpace(e.Host)
}

// Channel is an interactive, PTY-like byte stream to the device CLI.
type Channel interface {
	io.ReadWriteCloser
}

// Link is a connected but unauthenticated transport.
type Link interface {
	// Authenticate logs in and opens the interactive channel. The link is
	// owned by the returned channel on success.
	Authenticate(ctx context.Context, ep Endpoint) (Channel, error)
	Close() error
}

// Connector establishes the transport to an endpoint.
type Connector interface {
	Connect(ctx context.Context, ep Endpoint) (Link, error)
}

// ConnectorFunc adapts a function to a Connector.
type ConnectorFunc func(ctx context.Context, ep Endpoint) (Link, error)

func (f ConnectorFunc) Connect(ctx context.Context, ep Endpoint) (Link, error) { return f(ctx, ep) }
