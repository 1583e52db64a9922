// Package config loads server settings: defaults, then a YAML file, then
// HH_* environment overrides. Command-line flags are applied by the binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	GameAddr        string `yaml:"game_addr" json:"game_addr" env:"GAME_ADDR"`
	AdminAddr       string `yaml:"admin_addr" json:"admin_addr" env:"ADMIN_ADDR"`
	MaxParticipants int    `yaml:"max_participants" json:"max_participants" env:"MAX_PARTICIPANTS"`
	AutoStart       bool   `yaml:"auto_start" json:"auto_start" env:"AUTO_START"`
	// AutoLoadSave is a snapshot path, "latest", or empty for a fresh world.
	AutoLoadSave string `yaml:"auto_load_save" json:"auto_load_save" env:"AUTO_LOAD_SAVE"`

	DataDir string `yaml:"data_dir" json:"data_dir" env:"DATA_DIR"`
	WorldID string `yaml:"world_id" json:"world_id" env:"WORLD_ID"`

	TickRateHz         int `yaml:"tick_rate_hz" json:"tick_rate_hz" env:"TICK_RATE_HZ"`
	ChunkSize          int `yaml:"chunk_size" json:"chunk_size" env:"CHUNK_SIZE"`
	QueueCapacity      int `yaml:"queue_capacity" json:"queue_capacity" env:"QUEUE_CAPACITY"`
	StallCycles        int `yaml:"stall_cycles" json:"stall_cycles" env:"STALL_CYCLES"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks" json:"snapshot_every_ticks" env:"SNAPSHOT_EVERY_TICKS"`
	// SnapshotKeep bounds how many snapshot files are kept on disk; 0 keeps all.
	SnapshotKeep int `yaml:"snapshot_keep" json:"snapshot_keep" env:"SNAPSHOT_KEEP"`

	IndexBackend string `yaml:"index_backend" json:"index_backend" env:"INDEX_BACKEND"`
	// IndexHTTPURL and IndexHTTPToken configure the "http" index backend.
	IndexHTTPURL   string `yaml:"index_http_url" json:"index_http_url,omitempty" env:"INDEX_HTTP_URL"`
	IndexHTTPToken string `yaml:"index_http_token" json:"-" env:"INDEX_HTTP_TOKEN"`

	// Mirror* enable off-site copies of saved snapshots to an S3-compatible
	// bucket. Mirroring is off unless an endpoint is set.
	MirrorEndpoint  string `yaml:"mirror_endpoint" json:"mirror_endpoint,omitempty" env:"MIRROR_ENDPOINT"`
	MirrorBucket    string `yaml:"mirror_bucket" json:"mirror_bucket,omitempty" env:"MIRROR_BUCKET"`
	MirrorPrefix    string `yaml:"mirror_prefix" json:"mirror_prefix,omitempty" env:"MIRROR_PREFIX"`
	MirrorAccessKey string `yaml:"mirror_access_key" json:"-" env:"MIRROR_ACCESS_KEY"`
	MirrorSecretKey string `yaml:"mirror_secret_key" json:"-" env:"MIRROR_SECRET_KEY"`
	MirrorWorkers   int    `yaml:"mirror_workers" json:"mirror_workers,omitempty" env:"MIRROR_WORKERS"`

	// BroadcastMap adds action kind -> notify op entries to the built-in table.
	BroadcastMap map[string]string `yaml:"broadcast_map" json:"broadcast_map,omitempty"`
}

func Defaults() Config {
	return Config{
		GameAddr:           ":7777",
		AdminAddr:          "127.0.0.1:8080",
		MaxParticipants:    16,
		AutoStart:          true,
		AutoLoadSave:       "latest",
		DataDir:            "./data",
		WorldID:            "world_1",
		TickRateHz:         64,
		ChunkSize:          30000,
		QueueCapacity:      4096,
		StallCycles:        1000,
		SnapshotEveryTicks: 64 * 60 * 5,
		SnapshotKeep:       8,
		IndexBackend:       "sqlite",
		MirrorWorkers:      2,
	}
}

// Load reads path over Defaults and applies environment overrides. A missing
// file is not an error when path is empty.
func Load(path string) (Config, error) {
	c, err := LoadFile(path)
	if err != nil {
		return c, err
	}
	if err := ParseEnv(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// LoadFile reads path over Defaults without environment overrides or
// validation. It is the base the admin config write edits, so values that
// only come from the environment are never copied into the file.
func LoadFile(path string) (Config, error) {
	c := Defaults()
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseEnv loads HH_* environment variables into target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: "HH_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.TickRateHz <= 0 || c.TickRateHz > 1000 {
		errs = append(errs, fmt.Errorf("tick_rate_hz out of range: %d", c.TickRateHz))
	}
	if c.ChunkSize < utf8.UTFMax {
		errs = append(errs, fmt.Errorf("chunk_size must be at least %d bytes: %d", utf8.UTFMax, c.ChunkSize))
	}
	if c.MaxParticipants <= 0 {
		errs = append(errs, fmt.Errorf("max_participants must be positive: %d", c.MaxParticipants))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be positive: %d", c.QueueCapacity))
	}
	if c.StallCycles <= 0 {
		errs = append(errs, fmt.Errorf("stall_cycles must be positive: %d", c.StallCycles))
	}
	switch strings.ToLower(c.IndexBackend) {
	case "sqlite", "none", "off", "disabled", "":
	case "http":
		if strings.TrimSpace(c.IndexHTTPURL) == "" {
			errs = append(errs, errors.New("index_backend http requires index_http_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported index_backend: %s", c.IndexBackend))
	}
	if strings.TrimSpace(c.MirrorEndpoint) != "" {
		if c.MirrorBucket == "" || c.MirrorAccessKey == "" || c.MirrorSecretKey == "" {
			errs = append(errs, errors.New("mirror_endpoint requires mirror_bucket, mirror_access_key and mirror_secret_key"))
		}
	}
	return errors.Join(errs...)
}

// Save writes c as YAML through a temp file in the same directory.
func Save(path string, c Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
