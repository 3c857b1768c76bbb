// Package models holds the messages exchanged with the netops daemon.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

// Operation names a runnable operation.
type Operation string

const (
	OpSSHBatch Operation = "ssh-batch"
	OpBackup   Operation = "backup"
	OpTCPScan  Operation = "tcp-scan"
)

// Session reports whether the operation opens a device session per target.
func (o Operation) Session() bool { return o == OpSSHBatch || o == OpBackup }

// Overrides replaces individual TaskConfig fields; unset fields keep the
// configured defaults. Out-of-range counts are left for the engine to
// reject as a ConfigurationError.
type Overrides struct {
	Workers    *int   `json:"workers,omitempty" yaml:"workers,omitempty"`
	Attempts   *int   `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Timeout    string `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`
	Backoff    string `json:"backoff,omitempty" yaml:"backoff,omitempty" validate:"omitempty,duration"`
	BackoffMax string `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty" validate:"omitempty,duration"`
}

// RunRequest asks for one operation against a set of targets.
type RunRequest struct {
	ID        uuid.UUID `json:"id"`
	Operation Operation `json:"operation" validate:"required,oneof=ssh-batch backup tcp-scan"`
	// Targets are addresses, comma lists, CIDR blocks, last-octet ranges
	// or inventory device names.
	Targets []string `json:"targets,omitempty" validate:"required_without_all=Group Tag"`
	Group   string   `json:"group,omitempty"`
	// Tag selects every inventory device carrying it.
	Tag string `json:"tag,omitempty"`

	Commands []string `json:"commands,omitempty"`
	// Config sends Commands in configuration mode.
	Config     bool   `json:"config,omitempty"`
	Save       bool   `json:"save,omitempty"`
	DeviceType string `json:"device_type,omitempty" validate:"omitempty,dialect"`
	Ports      string `json:"ports,omitempty"`
	// Banner makes tcp-scan read what open ports send first.
	Banner bool `json:"banner,omitempty"`

	Overrides Overrides `json:"overrides,omitempty"`
}

// RunResponse acknowledges a queued RunRequest.
type RunResponse struct {
	ID uuid.UUID `json:"id"`
}

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("dialect", func(fl validator.FieldLevel) bool {
		_, err := session.LookupDialect(fl.Field().String())
		return err == nil
	})
	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
}

// Validate checks the request shape. Semantic errors such as an unknown
// group surface later as NotFoundErrors.
func (r *RunRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		if r.Operation == OpTCPScan && (r.Group != "" || r.Tag != "") {
			return engine.Errorf(engine.KindValidation, "request", "tcp-scan does not accept inventory groups or tags")
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return engine.NewError(engine.KindValidation, "request", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return engine.Errorf(engine.KindValidation, "request", "invalid run request: %s", strings.Join(msgs, "; "))
}

// Apply returns base with the overrides applied. Validate must have
// passed.
func (o Overrides) Apply(base engine.TaskConfig) engine.TaskConfig {
	if o.Workers != nil {
		base.MaxWorkers = *o.Workers
	}
	if o.Attempts != nil {
		base.MaxAttempts = *o.Attempts
	}
	if d, err := time.ParseDuration(o.Timeout); err == nil {
		base.PerTaskTimeout = d
	}
	if d, err := time.ParseDuration(o.Backoff); err == nil {
		base.BackoffBase = d
	}
	if d, err := time.ParseDuration(o.BackoffMax); err == nil {
		base.BackoffMax = d
	}
	return base
}
