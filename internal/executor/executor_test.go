package executor_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevergoodstudy-hub/netops/internal/executor"
	"github.com/nevergoodstudy-hub/netops/pkg/backup"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/inventory"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
	"github.com/nevergoodstudy-hub/netops/pkg/session/sessiontest"
)

var login = inventory.Static{Defaults: session.Endpoint{Username: "admin", Password: "pw"}}

func newExecutor(lab sessiontest.Lab) *executor.Executor {
	return executor.New(login,
		executor.WithConnector(lab.Connector()),
		executor.WithSessionTimeout(2*time.Second))
}

func runConfig(workers, attempts int) engine.TaskConfig {
	return engine.TaskConfig{MaxWorkers: workers, PerTaskTimeout: 5 * time.Second, MaxAttempts: attempts}
}

func TestBackup_TwoTargets(t *testing.T) {
	lab := sessiontest.Lab{
		"10.0.0.1": {Hostname: "r1"},
		"10.0.0.2": {Hostname: "r2"},
	}
	store := backup.NewStore(t.TempDir(), 0)

	rep, err := engine.NewScheduler().Run(context.Background(), "backup",
		engine.Targets("10.0.0.1", "10.0.0.2"), newExecutor(lab).Backup(store), runConfig(2, 1))
	require.NoError(t, err)
	assert.Equal(t, engine.StatusAllSuccess, rep.OverallStatus)

	dirs, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, dirs, 2)

	for host, name := range map[string]string{"10.0.0.1": "r1", "10.0.0.2": "r2"} {
		dir := store.HostDir(host)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)

		var snapshots []string
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "config_") && e.Name() != backup.LatestFile {
				snapshots = append(snapshots, e.Name())
			}
		}
		require.Len(t, snapshots, 1, host)

		snap, err := os.ReadFile(filepath.Join(dir, snapshots[0]))
		require.NoError(t, err)
		latest, err := os.ReadFile(filepath.Join(dir, backup.LatestFile))
		require.NoError(t, err)
		assert.Equal(t, string(snap), string(latest))
		assert.Contains(t, string(snap), "hostname "+name)
		assert.NotContains(t, string(snap), "Building configuration")
		assert.NotContains(t, string(snap), name+"#")

		raw, err := os.ReadFile(filepath.Join(dir, backup.MetadataFile))
		require.NoError(t, err)
		var meta struct {
			Host    string `json:"host"`
			Backups []struct {
				Status       string `json:"status"`
				AttemptsUsed int    `json:"attempts_used"`
				Hash         string `json:"hash"`
			} `json:"backups"`
		}
		require.NoError(t, json.Unmarshal(raw, &meta))
		assert.Equal(t, host, meta.Host)
		require.Len(t, meta.Backups, 1)
		assert.Equal(t, "SUCCEEDED", meta.Backups[0].Status)
		assert.Equal(t, 1, meta.Backups[0].AttemptsUsed)
		assert.NotEmpty(t, meta.Backups[0].Hash)

		assert.True(t, lab[host].WaitClosed(time.Second), "session left open on %s", host)
	}

	rec, ok := rep.Results[0].Payload.(backup.Record)
	require.True(t, ok)
	assert.True(t, rec.Changed)
}

func TestBackup_RetriedAttemptIsRecorded(t *testing.T) {
	lab := sessiontest.Lab{"10.0.0.1": {FailConnects: 1}}
	store := backup.NewStore(t.TempDir(), 0)

	rep, err := engine.NewScheduler().Run(context.Background(), "backup",
		engine.Targets("10.0.0.1"), newExecutor(lab).Backup(store), runConfig(1, 2))
	require.NoError(t, err)
	require.Equal(t, engine.StateSucceeded, rep.Results[0].Status)
	assert.Equal(t, 2, rep.Results[0].Attempts)

	meta, err := store.Metadata("10.0.0.1")
	require.NoError(t, err)
	require.Len(t, meta.Backups, 1)
	assert.Equal(t, 2, meta.Backups[0].AttemptsUsed)
}

func TestBackup_FailuresAreRecorded(t *testing.T) {
	lab := sessiontest.Lab{"10.0.0.1": {}}
	store := backup.NewStore(t.TempDir(), 0)
	exec := newExecutor(lab)

	rep, err := engine.NewScheduler().Run(context.Background(), "backup",
		engine.Targets("10.0.0.1", "10.0.0.9", "bad host!"), exec.Backup(store), runConfig(3, 1))
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPartial, rep.OverallStatus)
	assert.Equal(t, engine.KindConnection, rep.Results[1].ErrorKind)
	assert.Equal(t, engine.KindValidation, rep.Results[2].ErrorKind)

	exec.RecordBackupFailures(store, rep)

	meta, err := store.Metadata("10.0.0.9")
	require.NoError(t, err)
	require.Len(t, meta.Backups, 1)
	assert.Equal(t, engine.StateFailed, meta.Backups[0].Status)
	assert.Equal(t, inventory.DefaultVendor, meta.DeviceType)
	_, err = os.Stat(filepath.Join(store.HostDir("10.0.0.9"), backup.LatestFile))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(store.HostDir("bad host!"))
	assert.True(t, os.IsNotExist(err), "invalid targets get no directory")
}

func TestBackup_TimeoutWritesNothing(t *testing.T) {
	dev := &sessiontest.Device{Hang: map[string]bool{"show running-config": true}}
	store := backup.NewStore(t.TempDir(), 0)
	exec := executor.New(login, executor.WithConnector(sessiontest.Lab{"10.0.0.1": dev}.Connector()))

	cfg := engine.TaskConfig{MaxWorkers: 1, PerTaskTimeout: 200 * time.Millisecond, MaxAttempts: 1}
	rep, err := engine.NewScheduler().Run(context.Background(), "backup", engine.Targets("10.0.0.1"), exec.Backup(store), cfg)
	require.NoError(t, err)
	assert.Equal(t, engine.KindTimeout, rep.Results[0].ErrorKind)
	assert.True(t, dev.WaitClosed(time.Second))

	_, err = os.Stat(store.HostDir("10.0.0.1"))
	assert.True(t, os.IsNotExist(err))
}

func TestBatch(t *testing.T) {
	dev := &sessiontest.Device{
		Hostname: "sw1",
		Secret:   "en",
		Outputs:  map[string]string{"show clock": "*10:00:00.000 UTC Sun Mar 1 2026"},
	}
	exec := executor.New(inventory.Static{Defaults: session.Endpoint{Username: "admin", Secret: "en"}},
		executor.WithConnector(sessiontest.Lab{"10.0.0.5": dev}.Connector()))

	spec := executor.BatchSpec{
		Commands: append(executor.ParseCommands([]string{"show clock"}, false),
			executor.ParseCommands([]string{"interface Gi0/1", " description uplink", ""}, true)...),
		Save: true,
	}
	rep, err := engine.NewScheduler().Run(context.Background(), "ssh-batch", engine.Targets("10.0.0.5"), exec.Batch(spec), runConfig(1, 1))
	require.NoError(t, err)
	require.Equal(t, engine.StateSucceeded, rep.Results[0].Status, rep.Results[0].Error)

	res, ok := rep.Results[0].Payload.(*executor.BatchResult)
	require.True(t, ok)
	assert.True(t, res.Saved)
	assert.Equal(t, "cisco_ios", res.DeviceType)
	require.Len(t, res.Outputs, 3)
	assert.Equal(t, "show clock", res.Outputs[0].Command)
	assert.Equal(t, "*10:00:00.000 UTC Sun Mar 1 2026\n", res.Outputs[0].Output)
	assert.Equal(t, "3 commands, saved", res.Brief())

	assert.Equal(t, 1, dev.Saves())
	received := dev.Received()
	assert.Subset(t, received, []string{"enable", "configure terminal", "interface Gi0/1", "description uplink", "end", "write memory"})
	assert.True(t, dev.WaitClosed(time.Second))
}

func TestBatch_RejectedCommandFailsTarget(t *testing.T) {
	dev := &sessiontest.Device{Reject: map[string]bool{"show bogus": true}}
	exec := newExecutor(sessiontest.Lab{"10.0.0.1": dev})

	spec := executor.BatchSpec{Commands: executor.ParseCommands([]string{"show bogus"}, false)}
	rep, err := engine.NewScheduler().Run(context.Background(), "ssh-batch", engine.Targets("10.0.0.1"), exec.Batch(spec), runConfig(1, 1))
	require.NoError(t, err)
	assert.Equal(t, engine.StateFailed, rep.Results[0].Status)
	assert.Equal(t, engine.KindCommand, rep.Results[0].ErrorKind)
}

func TestBatch_NoCommands(t *testing.T) {
	op := newExecutor(sessiontest.Lab{}).Batch(executor.BatchSpec{})
	_, err := op(context.Background(), engine.Attempt{Target: engine.Target{ID: "10.0.0.1"}, Number: 1})
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte("SSH-2.0-netops_test\r\n"))
			_ = c.Close()
		}
	}()

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := closed.Addr().String()
	require.NoError(t, closed.Close())

	op := executor.Probe(executor.ProbeOptions{BannerWait: time.Second})
	attempt := func(id string) engine.Attempt { return engine.Attempt{Target: engine.Target{ID: id}, Number: 1} }

	payload, err := op(context.Background(), attempt(ln.Addr().String()))
	require.NoError(t, err)
	res := payload.(*executor.ProbeResult)
	assert.Equal(t, "127.0.0.1", res.Host)
	assert.Equal(t, "SSH-2.0-netops_test", res.Banner)

	_, err = op(context.Background(), attempt(closedAddr))
	assert.Equal(t, engine.KindConnection, engine.KindOf(err))

	_, err = op(context.Background(), attempt("10.0.0.1"))
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))

	_, err = op(context.Background(), attempt("10.0.0.1:0"))
	assert.Equal(t, engine.KindValidation, engine.KindOf(err))
}

func TestProbe_SilentPortTimesOut(t *testing.T) {
	hang := executor.Probe(executor.ProbeOptions{Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	cfg := engine.TaskConfig{MaxWorkers: 2, PerTaskTimeout: 50 * time.Millisecond, MaxAttempts: 1}
	rep, err := engine.NewScheduler().Run(context.Background(), "tcp-scan",
		engine.Targets("192.0.2.1:22", "192.0.2.1:23"), hang, cfg)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusAllFailed, rep.OverallStatus)
	for _, r := range rep.Results {
		assert.Equal(t, engine.KindTimeout, r.ErrorKind)
	}
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "ssh", executor.ServiceName(22))
	assert.Empty(t, executor.ServiceName(4))
}
