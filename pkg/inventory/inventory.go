// Package inventory resolves target references to device endpoints from a
// YAML device inventory with groups and credential aliases.
package inventory

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nevergoodstudy-hub/netops/pkg/config/configstore"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

var (
	ErrNotFound          = errors.New("not found in inventory")
	ErrUnknownCredential = errors.New("unknown credential alias")
)

const DefaultVendor = "cisco_ios"

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("dialect", validateDialect)
}

func validateDialect(fl validator.FieldLevel) bool {
	_, err := session.LookupDialect(fl.Field().String())
	return err == nil
}

// Credential is a named login referenced by groups and devices.
type Credential struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password,omitempty"`
	// PasswordEnv names an environment variable read at resolve time.
	PasswordEnv string `yaml:"password_env,omitempty"`
	Secret      string `yaml:"secret,omitempty"`
	SecretEnv   string `yaml:"secret_env,omitempty"`
	KeyPath     string `yaml:"key_path,omitempty"`
}

type Device struct {
	Name        string   `yaml:"name" validate:"required"`
	IP          string   `yaml:"ip" validate:"required,ip|hostname_rfc1123"`
	Port        int      `yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	Vendor      string   `yaml:"vendor,omitempty" validate:"omitempty,dialect"`
	Credentials string   `yaml:"credentials,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
	Group       string   `yaml:"-"`
}

type Group struct {
	Vendor      string   `yaml:"vendor,omitempty" validate:"omitempty,dialect"`
	Credentials string   `yaml:"credentials,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Devices     []Device `yaml:"devices" validate:"dive"`
}

// File is the on-disk inventory document.
type File struct {
	Credentials map[string]Credential `yaml:"credentials" validate:"dive"`
	Groups      map[string]Group      `yaml:"groups" validate:"dive"`
	Standalone  []Device              `yaml:"standalone_devices" validate:"dive"`
}

// Inventory is an immutable, indexed snapshot of a File.
type Inventory struct {
	devices map[string]Device
	byIP    map[string]string
	groups  map[string][]string
	creds   map[string]Credential
	order   []string
}

// Resolver turns a target reference into an endpoint.
type Resolver interface {
	Resolve(ref string) (session.Endpoint, error)
}

// New validates f and indexes it. Group settings are inherited by member
// devices unless the device overrides them.
func New(f File) (*Inventory, error) {
	if err := validate.Struct(f); err != nil {
		return nil, engine.NewError(engine.KindConfiguration, "load inventory", err)
	}

	inv := &Inventory{
		devices: make(map[string]Device),
		byIP:    make(map[string]string),
		groups:  make(map[string][]string),
		creds:   f.Credentials,
	}
	if inv.creds == nil {
		inv.creds = map[string]Credential{}
	}

	add := func(d Device) error {
		if _, dup := inv.devices[d.Name]; dup {
			return engine.Errorf(engine.KindConfiguration, "load inventory", "duplicate device name %q", d.Name)
		}
		if d.Vendor == "" {
			d.Vendor = DefaultVendor
		}
		inv.devices[d.Name] = d
		inv.order = append(inv.order, d.Name)
		if _, seen := inv.byIP[d.IP]; !seen {
			inv.byIP[d.IP] = d.Name
		}
		return nil
	}

	groupNames := make([]string, 0, len(f.Groups))
	for name := range f.Groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)
	for _, name := range groupNames {
		g := f.Groups[name]
		members := make([]string, 0, len(g.Devices))
		for _, d := range g.Devices {
			d.Group = name
			if d.Vendor == "" {
				d.Vendor = g.Vendor
			}
			if d.Credentials == "" {
				d.Credentials = g.Credentials
			}
			if err := add(d); err != nil {
				return nil, err
			}
			members = append(members, d.Name)
		}
		inv.groups[name] = members
	}
	for _, d := range f.Standalone {
		if err := add(d); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// Load reads and indexes the inventory document from store.
func Load(store configstore.ConfigStore) (*Inventory, error) {
	var f File
	if err := store.Load(&f); err != nil {
		return nil, engine.NewError(engine.KindConfiguration, "load inventory", err)
	}
	return New(f)
}

// Device returns a device by name or address.
func (inv *Inventory) Device(ref string) (Device, bool) {
	ref = strings.TrimSpace(ref)
	if d, ok := inv.devices[ref]; ok {
		return d, true
	}
	if name, ok := inv.byIP[ref]; ok {
		return inv.devices[name], true
	}
	return Device{}, false
}

// Resolve maps a device name or address to its endpoint. Unknown devices
// and dangling credential aliases are NotFoundErrors.
func (inv *Inventory) Resolve(ref string) (session.Endpoint, error) {
	d, ok := inv.Device(ref)
	if !ok {
		return session.Endpoint{}, &engine.Error{Kind: engine.KindNotFound, Op: "resolve", Target: ref, Err: ErrNotFound}
	}
	ep := session.Endpoint{Host: d.IP, Port: d.Port, Dialect: d.Vendor}
	if d.Credentials == "" {
		return ep, nil
	}
	cred, ok := inv.creds[d.Credentials]
	if !ok {
		return session.Endpoint{}, &engine.Error{Kind: engine.KindNotFound, Op: "resolve credentials", Target: ref,
			Err: fmt.Errorf("%w %q", ErrUnknownCredential, d.Credentials)}
	}
	return cred.apply(ep), nil
}

func (c Credential) apply(ep session.Endpoint) session.Endpoint {
	ep.Username = c.Username
	ep.Password = c.Password
	if c.PasswordEnv != "" {
		if v, ok := os.LookupEnv(c.PasswordEnv); ok {
			ep.Password = v
		}
	}
	ep.Secret = c.Secret
	if c.SecretEnv != "" {
		if v, ok := os.LookupEnv(c.SecretEnv); ok {
			ep.Secret = v
		}
	}
	ep.KeyPath = c.KeyPath
	return ep
}

// Group returns the member device names of a group in file order.
func (inv *Inventory) Group(name string) ([]string, error) {
	members, ok := inv.groups[name]
	if !ok {
		return nil, &engine.Error{Kind: engine.KindNotFound, Op: "group", Target: name, Err: ErrNotFound}
	}
	return append([]string(nil), members...), nil
}

// Tagged returns the names of devices carrying tag, in inventory order.
func (inv *Inventory) Tagged(tag string) []string {
	var out []string
	for _, name := range inv.order {
		for _, t := range inv.devices[name].Tags {
			if t == tag {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// Groups returns the group names, sorted.
func (inv *Inventory) Groups() []string {
	names := make([]string, 0, len(inv.groups))
	for n := range inv.groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (inv *Inventory) Len() int { return len(inv.devices) }
