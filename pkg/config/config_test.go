package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevergoodstudy-hub/netops/pkg/config"
	"github.com/nevergoodstudy-hub/netops/pkg/config/filestore"
)

const sampleSettings = `
log:
  format: json
session:
  max_workers: 8
  per_task_timeout: 45s
  max_attempts: 3
  backoff_base: 2s
  backoff_max: 20s
inventory: devices.yaml
backup:
  dir: /var/lib/netops/backups
  retention: 30
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "netops.yaml", sampleSettings)

	s, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, 8, s.Session.MaxWorkers)
	assert.Equal(t, 45*time.Second, s.Session.PerTaskTimeout)
	assert.Equal(t, 20*time.Second, s.Session.BackoffMax)
	assert.Equal(t, 64, s.Probe.MaxWorkers, "untouched sections keep defaults")
	assert.Equal(t, filepath.Join(dir, "devices.yaml"), s.Inventory)
	assert.Equal(t, 30, s.Backup.Retention)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, s.Kafka.Brokers)
	assert.Equal(t, "netops.reports", s.Kafka.ReportTopic)
}

func TestLoad_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "zero workers", body: "session:\n  max_workers: 0\n"},
		{name: "zero attempts", body: "probe:\n  max_attempts: 0\n"},
		{name: "unknown key", body: "sesion:\n  max_workers: 2\n"},
		{name: "bad log format", body: "log:\n  format: xml\n"},
		{name: "bad broker", body: "kafka:\n  brokers: [\"not a broker\"]\n"},
		{name: "empty file", body: "   \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeFile(t, t.TempDir(), "netops.yaml", tt.body)
			_, err := config.LoadFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_EmptyPathGivesDefaults(t *testing.T) {
	t.Parallel()

	s, err := config.LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), s)
	assert.NoError(t, s.Validate())
}

func TestNewStore(t *testing.T) {
	t.Parallel()

	store, err := config.NewStore(config.FileStore, &config.FileConfig{Path: "x.yaml"})
	require.NoError(t, err)
	assert.IsType(t, &filestore.FileStore{}, store)

	_, err = config.NewStore(config.FileStore, &config.MongoConfig{})
	assert.Error(t, err)

	_, err = config.NewStore(config.StoreType(42), nil)
	assert.True(t, errors.Is(err, config.ErrInvalidStoreType))

	st, err := config.ParseStoreType("Mongo")
	require.NoError(t, err)
	assert.Equal(t, config.MongoStore, st)
	_, err = config.ParseStoreType("etcd")
	assert.ErrorIs(t, err, config.ErrInvalidStoreType)
}

func TestFileStore_SaveIsAtomicAndWatched(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "netops.yaml")
	store := filestore.New(path)
	require.NoError(t, store.Save(config.Defaults()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 4)
	require.NoError(t, store.Watch(ctx, func() { changed <- struct{}{} }))

	s := config.Defaults()
	s.Session.MaxWorkers = 11
	require.NoError(t, store.Save(s))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification")
	}

	got, err := config.Load(store)
	require.NoError(t, err)
	assert.Equal(t, 11, got.Session.MaxWorkers)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
