package lg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	assert.Equal(t, defaultLogger{}, FromContext(context.Background()))

	l := New(&Config{ServiceName: "test", Format: "json"})
	ctx := Attach(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))

	ctx = Attach(context.Background(), Discard)
	assert.Equal(t, Discard, FromContext(ctx))
}

func TestFlatten(t *testing.T) {
	assert.Empty(t, flatten())

	out := flatten(String("host", "r1"), Duration("elapsed", 1500*time.Millisecond), Err(errors.New("refused")))
	assert.Contains(t, out, `"host": "r1"`)
	assert.Contains(t, out, `"elapsed": "1.5s"`)
	assert.Contains(t, out, `"error": "refused"`)
}

func TestDiscard(t *testing.T) {
	l := Discard.With(String("k", "v"))
	l.Info("ignored")
	l.Error("ignored", Int("n", 1))
	assert.NoError(t, l.Sync())
}
