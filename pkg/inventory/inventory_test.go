package inventory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevergoodstudy-hub/netops/internal/persistence"
	"github.com/nevergoodstudy-hub/netops/pkg/config/filestore"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/inventory"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

const devicesYAML = `
credentials:
  core:
    username: admin
    password: plain
    password_env: NETOPS_TEST_CORE_PW
    secret: enable
  edge:
    username: ops
    key_path: /keys/ops
groups:
  core:
    vendor: cisco_ios
    credentials: core
    devices:
      - name: core-sw1
        ip: 10.0.0.1
        tags: [dc1]
      - name: core-sw2
        ip: 10.0.0.2
        vendor: arista_eos
        tags: [dc2]
  edge:
    vendor: huawei
    credentials: edge
    devices:
      - name: edge-r1
        ip: 10.1.0.1
        port: 2222
        tags: [dc1]
standalone_devices:
  - name: lab
    ip: lab.example.net
    vendor: juniper
  - name: orphan
    ip: 10.9.9.9
    credentials: missing
`

func load(t *testing.T, body string) *inventory.Inventory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	inv, err := inventory.Load(filestore.New(path))
	require.NoError(t, err)
	return inv
}

func TestResolve(t *testing.T) {
	inv := load(t, devicesYAML)

	ep, err := inv.Resolve("core-sw1")
	require.NoError(t, err)
	assert.Equal(t, session.Endpoint{Host: "10.0.0.1", Username: "admin", Password: "plain", Secret: "enable", Dialect: "cisco_ios"}, ep)

	ep, err = inv.Resolve("10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, "arista_eos", ep.Dialect, "device vendor overrides group vendor")

	ep, err = inv.Resolve("edge-r1")
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.1:2222", ep.Address())
	assert.Equal(t, "/keys/ops", ep.KeyPath)
	assert.Equal(t, "huawei", ep.Dialect)

	ep, err = inv.Resolve("lab")
	require.NoError(t, err)
	assert.Empty(t, ep.Username)

	t.Setenv("NETOPS_TEST_CORE_PW", "from-env")
	ep, err = inv.Resolve("core-sw2")
	require.NoError(t, err)
	assert.Equal(t, "from-env", ep.Password)
}

func TestResolve_NotFound(t *testing.T) {
	t.Parallel()
	inv := load(t, devicesYAML)

	for _, ref := range []string{"nope", "10.0.0.99", "orphan"} {
		_, err := inv.Resolve(ref)
		require.Error(t, err, ref)
		assert.Equal(t, engine.KindNotFound, engine.KindOf(err), ref)
		assert.True(t, inventory.IsNotFound(err))
	}

	_, err := inv.Group("dc3")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestGroupsAndTags(t *testing.T) {
	t.Parallel()
	inv := load(t, devicesYAML)

	core, err := inv.Group("core")
	require.NoError(t, err)
	assert.Equal(t, []string{"core-sw1", "core-sw2"}, core)
	assert.Equal(t, []string{"core", "edge"}, inv.Groups())
	assert.Equal(t, []string{"core-sw1", "edge-r1"}, inv.Tagged("dc1"))
	assert.Equal(t, 5, inv.Len())
}

func TestLoad_RejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"unknown vendor":   "standalone_devices:\n  - name: a\n    ip: 10.0.0.1\n    vendor: nokia\n",
		"missing ip":       "standalone_devices:\n  - name: a\n",
		"bad ip":           "standalone_devices:\n  - name: a\n    ip: 'not an ip!'\n",
		"duplicate name":   "standalone_devices:\n  - {name: a, ip: 10.0.0.1}\n  - {name: a, ip: 10.0.0.2}\n",
		"credential login": "credentials:\n  x:\n    password: p\nstandalone_devices:\n  - {name: a, ip: 10.0.0.1}\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "devices.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := inventory.Load(filestore.New(path))
			require.Error(t, err)
			assert.Equal(t, engine.KindConfiguration, engine.KindOf(err))
		})
	}
}

func TestChainAndStatic(t *testing.T) {
	t.Parallel()
	inv := load(t, devicesYAML)

	chain := inventory.Chain{inv, inventory.Static{Defaults: session.Endpoint{Username: "cli", Password: "pw"}}}

	ep, err := chain.Resolve("core-sw1")
	require.NoError(t, err)
	assert.Equal(t, "admin", ep.Username)

	ep, err = chain.Resolve("192.0.2.10")
	require.NoError(t, err)
	assert.Equal(t, "cli", ep.Username)
	assert.Equal(t, inventory.DefaultVendor, ep.Dialect)

	_, err = chain.Resolve("bad host!")
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	_, err = chain.Resolve("orphan")
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err), "a known device with a dangling alias is not retried elsewhere")

	over := inventory.Override{Next: chain, With: session.Endpoint{Dialect: "linux"}}
	ep, err = over.Resolve("core-sw1")
	require.NoError(t, err)
	assert.Equal(t, "linux", ep.Dialect)
}

func TestLive_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte("standalone_devices:\n  - {name: a, ip: 10.0.0.1}\n"), 0o600))

	live, err := inventory.NewLive(filestore.New(path), nil)
	require.NoError(t, err)
	before := live.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, live.Watch(ctx))

	// a broken edit keeps the old snapshot
	require.NoError(t, persistence.WriteAtomic(path, []byte("standalone_devices: [ {name: b} ]\n"), 0o600))
	time.Sleep(400 * time.Millisecond)
	assert.Same(t, before, live.Current())

	require.NoError(t, persistence.WriteAtomic(path, []byte("standalone_devices:\n  - {name: a, ip: 10.0.0.1}\n  - {name: b, ip: 10.0.0.2}\n"), 0o600))
	require.Eventually(t, func() bool { return live.Current().Len() == 2 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, before.Len(), "old snapshots are never mutated")
}
