package configstore

import (
	"context"
	"errors"
)

var ErrWatchUnsupported = errors.New("store does not support watching")

// ConfigStore loads and saves one configuration document.
type ConfigStore interface {
	Load(out any) error
	Save(data any) error
}

// Watcher is implemented by stores that can report changes. onChange runs
// on the watcher goroutine until ctx ends.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
