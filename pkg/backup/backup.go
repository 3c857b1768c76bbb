// Package backup stores device configuration snapshots with per-host
// history metadata and change detection.
//
// Layout under the store root:
//
//	<host>/config_<timestamp>.txt
//	<host>/config_latest.txt
//	<host>/metadata.json
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nevergoodstudy-hub/netops/internal/lg"
	"github.com/nevergoodstudy-hub/netops/internal/persistence"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
)

const (
	DefaultRetention = 100
	LatestFile       = "config_latest.txt"
	MetadataFile     = "metadata.json"
	TimestampLayout  = "20060102_150405.000"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Record is one entry of a host's backup history.
type Record struct {
	Timestamp    string           `json:"timestamp"`
	DeviceType   string           `json:"device_type"`
	AttemptsUsed int              `json:"attempts_used"`
	Status       engine.TaskState `json:"status"`
	Hash         string           `json:"hash,omitempty"`
	Changed      bool             `json:"changed"`
	File         string           `json:"file,omitempty"`
	Diff         *DiffSummary     `json:"diff,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Metadata is the content of a host's metadata.json.
type Metadata struct {
	Host       string   `json:"host"`
	DeviceType string   `json:"device_type"`
	LastBackup string   `json:"last_backup,omitempty"`
	Backups    []Record `json:"backups"`
}

// Snapshot is a successfully retrieved configuration.
type Snapshot struct {
	Host         string
	DeviceType   string
	Config       string
	AttemptsUsed int
}

// Store writes snapshots below Dir. Every file is replaced atomically so a
// cancelled or crashed run never leaves a truncated file behind.
type Store struct {
	dir       string
	retention int
	now       func() time.Time
	logger    lg.Logger

	mu    sync.Mutex
	hosts map[string]*sync.Mutex
}

type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithLogger(l lg.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewStore(dir string, retention int, opts ...Option) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &Store{
		dir:       dir,
		retention: retention,
		now:       time.Now,
		logger:    lg.Discard,
		hosts:     make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

// HostDir returns the directory for host. Characters that are unsafe in
// file names become underscores.
func (s *Store) HostDir(host string) string {
	return filepath.Join(s.dir, SanitizeHost(host))
}

func SanitizeHost(host string) string {
	name := unsafeChars.ReplaceAllString(strings.TrimSpace(host), "_")
	if name == "" {
		return "_"
	}
	return name
}

// lock serializes writers of one host directory. Hosts that sanitize to the
// same directory share the lock.
func (s *Store) lock(host string) func() {
	key := SanitizeHost(host)
	s.mu.Lock()
	m, ok := s.hosts[key]
	if !ok {
		m = &sync.Mutex{}
		s.hosts[key] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Write stores snap as a new timestamped snapshot, refreshes the latest
// copy and appends a SUCCEEDED record to the metadata.
func (s *Store) Write(ctx context.Context, snap Snapshot) (Record, error) {
	if strings.TrimSpace(snap.Config) == "" {
		return Record{}, engine.Errorf(engine.KindCommand, "backup", "empty configuration from %s", snap.Host)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	defer s.lock(snap.Host)()

	dir := s.HostDir(snap.Host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create backup dir %s: %w", dir, err)
	}

	ts := s.now()
	name, err := snapshotName(dir, ts)
	if err != nil {
		return Record{}, err
	}

	sum := sha256.Sum256([]byte(snap.Config))
	rec := Record{
		Timestamp:    ts.Format(TimestampLayout),
		DeviceType:   snap.DeviceType,
		AttemptsUsed: snap.AttemptsUsed,
		Status:       engine.StateSucceeded,
		Hash:         hex.EncodeToString(sum[:]),
		Changed:      true,
		File:         name,
	}

	latestPath := filepath.Join(dir, LatestFile)
	prev, err := os.ReadFile(latestPath)
	switch {
	case err == nil:
		rec.Changed = string(prev) != snap.Config
		if rec.Changed {
			d := Diff(string(prev), snap.Config)
			rec.Diff = &d
		}
	case !errors.Is(err, os.ErrNotExist):
		return Record{}, fmt.Errorf("read %s: %w", latestPath, err)
	}

	if err := persistence.WriteAtomic(filepath.Join(dir, name), []byte(snap.Config), 0o644); err != nil {
		return Record{}, err
	}
	if err := persistence.WriteAtomic(latestPath, []byte(snap.Config), 0o644); err != nil {
		return Record{}, err
	}
	if err := s.appendRecord(snap.Host, snap.DeviceType, rec); err != nil {
		return Record{}, err
	}

	s.logger.Info("configuration saved",
		lg.String("host", snap.Host),
		lg.String("file", name),
		lg.Bool("changed", rec.Changed))
	return rec, nil
}

// RecordFailure appends a record for a target whose backup did not
// succeed. No snapshot is written.
func (s *Store) RecordFailure(res engine.Result, deviceType string) error {
	defer s.lock(res.Target)()

	dir := s.HostDir(res.Target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir %s: %w", dir, err)
	}
	rec := Record{
		Timestamp:    s.now().Format(TimestampLayout),
		DeviceType:   deviceType,
		AttemptsUsed: res.Attempts,
		Status:       res.Status,
		Error:        res.Error,
	}
	return s.appendRecord(res.Target, deviceType, rec)
}

// caller holds the host lock
func (s *Store) appendRecord(host, deviceType string, rec Record) error {
	meta, err := s.Metadata(host)
	if err != nil {
		s.logger.Warn("unreadable backup metadata, starting fresh", lg.String("host", host), lg.Err(err))
		meta = Metadata{}
	}
	meta.Host = host
	if deviceType != "" {
		meta.DeviceType = deviceType
	}
	if rec.Status == engine.StateSucceeded {
		meta.LastBackup = rec.Timestamp
	}
	meta.Backups = append(meta.Backups, rec)
	if over := len(meta.Backups) - s.retention; over > 0 {
		meta.Backups = append([]Record(nil), meta.Backups[over:]...)
	}
	return persistence.WriteJSON(meta, filepath.Join(s.HostDir(host), MetadataFile))
}

// Metadata reads host's history. A host without backups yields an empty
// Metadata and no error.
func (s *Store) Metadata(host string) (Metadata, error) {
	path := filepath.Join(s.HostDir(host), MetadataFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Metadata{Host: host, Backups: []Record{}}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read %s: %w", path, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return meta, nil
}

// Latest returns the most recent configuration stored for host.
func (s *Store) Latest(host string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.HostDir(host), LatestFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func snapshotName(dir string, ts time.Time) (string, error) {
	base := "config_" + ts.Format(TimestampLayout)
	name := base + ".txt"
	for i := 1; ; i++ {
		_, err := os.Stat(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
		name = fmt.Sprintf("%s_%d.txt", base, i)
	}
}

func (r Record) Brief() string {
	if r.Status != engine.StateSucceeded {
		return string(r.Status)
	}
	short := r.Hash
	if len(short) > 12 {
		short = short[:12]
	}
	if !r.Changed {
		return r.File + " unchanged " + short
	}
	if r.Diff != nil {
		return fmt.Sprintf("%s changed +%d -%d %s", r.File, r.Diff.Added, r.Diff.Removed, short)
	}
	return r.File + " new " + short
}
