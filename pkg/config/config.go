// Package config holds the application settings and the stores they are
// loaded from.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nevergoodstudy-hub/netops/pkg/config/configstore"
	"github.com/nevergoodstudy-hub/netops/pkg/config/filestore"
	"github.com/nevergoodstudy-hub/netops/pkg/config/mongostore"
	"github.com/nevergoodstudy-hub/netops/pkg/engine"
	"github.com/nevergoodstudy-hub/netops/pkg/session"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var ErrInvalidStoreType = errors.New("invalid store type")

// Config combines loading, saving and optional watching.
type Config interface {
	configstore.ConfigStore
	configstore.Watcher
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"`
}

func NewStore(storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// ParseStoreType maps "file" and "mongo" to a StoreType.
func ParseStoreType(s string) (StoreType, error) {
	switch strings.ToLower(s) {
	case "", "file", "yaml":
		return FileStore, nil
	case "mongo", "mongodb":
		return MongoStore, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStoreType, s)
}

type LogSettings struct {
	Format string `yaml:"format" json:"format" bson:"format" validate:"omitempty,oneof=json console"`
	Debug  bool   `yaml:"debug" json:"debug" bson:"debug"`
}

type BackupSettings struct {
	Dir string `yaml:"dir" json:"dir" bson:"dir" validate:"required"`
	// Retention bounds the records kept in each target's metadata.
	Retention int `yaml:"retention" json:"retention" bson:"retention" validate:"gte=1"`
}

type KafkaSettings struct {
	Brokers      []string `yaml:"brokers" json:"brokers" bson:"brokers" validate:"omitempty,dive,hostname_port"`
	RequestTopic string   `yaml:"request_topic" json:"request_topic" bson:"request_topic"`
	ReportTopic  string   `yaml:"report_topic" json:"report_topic" bson:"report_topic"`
	GroupID      string   `yaml:"group_id" json:"group_id" bson:"group_id"`
}

type MongoSettings struct {
	URI        string `yaml:"uri" json:"uri" bson:"uri"`
	DBName     string `yaml:"db" json:"db" bson:"db"`
	Collection string `yaml:"collection" json:"collection" bson:"collection"`
}

type HealthSettings struct {
	Port string `yaml:"port" json:"port" bson:"port" validate:"omitempty,numeric"`
}

// Settings is the application configuration document.
type Settings struct {
	Log LogSettings `yaml:"log" json:"log" bson:"log"`
	// Session applies to operations that hold a device session per worker,
	// Probe to connection-less probes.
	Session   engine.TaskConfig     `yaml:"session" json:"session" bson:"session"`
	Probe     engine.TaskConfig     `yaml:"probe" json:"probe" bson:"probe"`
	Inventory string                `yaml:"inventory" json:"inventory" bson:"inventory"`
	Backup    BackupSettings        `yaml:"backup" json:"backup" bson:"backup"`
	SSH       session.SSHConfig     `yaml:"ssh" json:"ssh" bson:"ssh"`
	Breaker   session.BreakerConfig `yaml:"breaker" json:"breaker" bson:"breaker"`
	Kafka     KafkaSettings         `yaml:"kafka" json:"kafka" bson:"kafka"`
	Mongo     MongoSettings         `yaml:"mongo" json:"mongo" bson:"mongo"`
	Health    HealthSettings        `yaml:"health" json:"health" bson:"health"`
}

func Defaults() Settings {
	return Settings{
		Log:     LogSettings{Format: "console"},
		Session: engine.SessionDefaults(),
		Probe:   engine.ProbeDefaults(),
		Backup:  BackupSettings{Dir: "backups", Retention: 100},
		Breaker: session.DefaultBreakerConfig(),
		Kafka: KafkaSettings{
			RequestTopic: "netops.requests",
			ReportTopic:  "netops.reports",
			GroupID:      "netopsd",
		},
		Mongo:  MongoSettings{DBName: "netops", Collection: "reports"},
		Health: HealthSettings{Port: "8081"},
	}
}

var validate = validator.New()

// Validate checks the document, including both task configurations.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := s.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := s.Probe.Validate(); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	return nil
}

// Load reads settings over the defaults and validates the result. A
// relative inventory path is resolved against the settings file.
func Load(store configstore.ConfigStore) (Settings, error) {
	s := Defaults()
	if err := store.Load(&s); err != nil {
		return Settings{}, err
	}
	if fs, ok := store.(*filestore.FileStore); ok && s.Inventory != "" && !filepath.IsAbs(s.Inventory) {
		s.Inventory = filepath.Join(filepath.Dir(fs.Path), s.Inventory)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadFile loads settings from a YAML file; an empty path yields defaults.
func LoadFile(path string) (Settings, error) {
	if path == "" {
		return Defaults(), nil
	}
	return Load(filestore.New(path))
}
