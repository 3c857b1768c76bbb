package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// TaskConfig holds the per-run scheduling parameters.
type TaskConfig struct {
	MaxWorkers     int           `yaml:"max_workers" json:"max_workers" validate:"min=1"`
	PerTaskTimeout time.Duration `yaml:"per_task_timeout" json:"per_task_timeout" validate:"gt=0"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts" validate:"min=1"`
	BackoffBase    time.Duration `yaml:"backoff_base" json:"backoff_base" validate:"gte=0"`
	// BackoffMax caps the exponential delay; zero leaves it uncapped.
	BackoffMax time.Duration `yaml:"backoff_max" json:"backoff_max" validate:"gte=0"`
	// BackoffJitter is the randomization factor applied to each delay.
	BackoffJitter float64 `yaml:"backoff_jitter" json:"backoff_jitter" validate:"gte=0,lte=1"`
	// LaunchRate limits attempt starts per second across the run; zero disables it.
	LaunchRate  float64 `yaml:"launch_rate" json:"launch_rate" validate:"gte=0"`
	LaunchBurst int     `yaml:"launch_burst" json:"launch_burst" validate:"gte=0"`
}

// SessionDefaults suits operations holding a live device session per worker.
func SessionDefaults() TaskConfig {
	return TaskConfig{
		MaxWorkers:     5,
		PerTaskTimeout: 60 * time.Second,
		MaxAttempts:    2,
		BackoffBase:    time.Second,
		BackoffMax:     30 * time.Second,
	}
}

// ProbeDefaults suits short, connection-less probes.
func ProbeDefaults() TaskConfig {
	return TaskConfig{
		MaxWorkers:     64,
		PerTaskTimeout: 3 * time.Second,
		MaxAttempts:    1,
		BackoffBase:    200 * time.Millisecond,
		BackoffMax:     2 * time.Second,
	}
}

// Validate rejects configurations that must abort a run before any task starts.
func (c TaskConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return Errorf(KindConfiguration, "validate", "invalid task config: %s", strings.Join(msgs, "; "))
		}
		return NewError(KindConfiguration, "validate", err)
	}
	return nil
}

// RetryPolicy derives the retry policy this configuration implies.
func (c TaskConfig) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		BackoffBase: c.BackoffBase,
		BackoffMax:  c.BackoffMax,
		Jitter:      c.BackoffJitter,
	}
}
