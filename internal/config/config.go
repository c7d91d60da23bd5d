package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Occupancy OccupancyConfig `json:"occupancy" yaml:"occupancy"`
	Feed      FeedConfig      `json:"feed" yaml:"feed"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Snapshots SnapshotsConfig `json:"snapshots" yaml:"snapshots"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone    string `json:"timezone" yaml:"timezone"`
	DefaultZone int64  `json:"default_zone" yaml:"default_zone"`
}

type OccupancyConfig struct {
	// NoiseThreshold is the strict lower bound on probe-request sightings
	// before an address counts as a genuine visit.
	NoiseThreshold     int             `json:"noise_threshold" yaml:"noise_threshold"`
	CongestedThreshold int             `json:"congested_threshold" yaml:"congested_threshold"`
	SpaciousThreshold  int             `json:"spacious_threshold" yaml:"spacious_threshold"`
	LiveWindows        []time.Duration `json:"live_windows" yaml:"live_windows"`
	DedupeWindow       time.Duration   `json:"dedupe_window" yaml:"dedupe_window"`
	MaxFutureSkew      time.Duration   `json:"max_future_skew" yaml:"max_future_skew"`
	// Exclusions lists device addresses that never count: infrastructure
	// APs, the sensors themselves, staff devices.
	Exclusions []string `json:"exclusions" yaml:"exclusions"`
}

type FeedConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Interval     time.Duration `json:"interval" yaml:"interval"`
	BatchMin     int           `json:"batch_min" yaml:"batch_min"`
	BatchMax     int           `json:"batch_max" yaml:"batch_max"`
	Timezone     string        `json:"timezone" yaml:"timezone"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	HistoryLimit int           `json:"history_limit" yaml:"history_limit"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type SnapshotsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC", DefaultZone: 0},
		},
		Occupancy: OccupancyConfig{
			NoiseThreshold:     25,
			CongestedThreshold: 50,
			SpaciousThreshold:  10,
			LiveWindows:        []time.Duration{5 * time.Minute, 1 * time.Hour},
			DedupeWindow:       1 * time.Second,
			MaxFutureSkew:      5 * time.Second,
		},
		Feed: FeedConfig{
			Enabled:      true,
			Interval:     5 * time.Second,
			BatchMin:     10,
			BatchMax:     80,
			Timezone:     "UTC",
			WriteTimeout: 10 * time.Second,
			HistoryLimit: 100,
		},
		API:       APIConfig{Enabled: true, Addr: ":8081"},
		Storage:   StorageConfig{Driver: "sqlite", DSN: "file:crowdsense.db?_pragma=busy_timeout(5000)"},
		Snapshots: SnapshotsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from defaults plus environment overrides, for
// running without a config file.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	applyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Occupancy.NoiseThreshold <= 0 {
		cfg.Occupancy.NoiseThreshold = 25
	}
	if cfg.Occupancy.CongestedThreshold <= 0 {
		cfg.Occupancy.CongestedThreshold = 50
	}
	if cfg.Occupancy.SpaciousThreshold <= 0 {
		cfg.Occupancy.SpaciousThreshold = 10
	}
	if len(cfg.Occupancy.LiveWindows) == 0 {
		cfg.Occupancy.LiveWindows = []time.Duration{5 * time.Minute, 1 * time.Hour}
	}
	if cfg.Feed.Interval <= 0 {
		cfg.Feed.Interval = 5 * time.Second
	}
	if cfg.Feed.BatchMin <= 0 {
		cfg.Feed.BatchMin = 10
	}
	if cfg.Feed.BatchMax <= 0 {
		cfg.Feed.BatchMax = 80
	}
	if cfg.Feed.Timezone == "" {
		cfg.Feed.Timezone = "UTC"
	}
	if cfg.Feed.WriteTimeout <= 0 {
		cfg.Feed.WriteTimeout = 10 * time.Second
	}
	if cfg.Feed.HistoryLimit <= 0 {
		cfg.Feed.HistoryLimit = 100
	}
	if cfg.Snapshots.StoreLimit <= 0 {
		cfg.Snapshots.StoreLimit = 1000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
}

// applyEnv lets the deploy environment override the tunables without a
// config file edit: the noise threshold, feed interval, and batch bounds.
func applyEnv(cfg *Config) {
	if v, ok := envInt("CROWDSENSE_NOISE_THRESHOLD"); ok {
		cfg.Occupancy.NoiseThreshold = v
	}
	if v, ok := envDuration("CROWDSENSE_FEED_INTERVAL"); ok {
		cfg.Feed.Interval = v
	}
	if v, ok := envInt("CROWDSENSE_FEED_BATCH_MIN"); ok {
		cfg.Feed.BatchMin = v
	}
	if v, ok := envInt("CROWDSENSE_FEED_BATCH_MAX"); ok {
		cfg.Feed.BatchMax = v
	}
	if v := strings.TrimSpace(os.Getenv("CROWDSENSE_STORAGE_DSN")); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CROWDSENSE_STORAGE_DRIVER")); v != "" {
		cfg.Storage.Driver = v
	}
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(name string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Occupancy.NoiseThreshold < 0 {
		return errors.New("occupancy.noise_threshold must be >= 0")
	}
	if cfg.Occupancy.SpaciousThreshold >= cfg.Occupancy.CongestedThreshold {
		return errors.New("occupancy.spacious_threshold must be below congested_threshold")
	}
	for _, win := range cfg.Occupancy.LiveWindows {
		if win <= 0 {
			return fmt.Errorf("occupancy.live_windows contains non-positive duration: %s", win)
		}
	}
	if cfg.Feed.BatchMin > cfg.Feed.BatchMax {
		return fmt.Errorf("feed.batch_min %d exceeds feed.batch_max %d", cfg.Feed.BatchMin, cfg.Feed.BatchMax)
	}
	if cfg.Feed.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Feed.Timezone); err != nil {
			return fmt.Errorf("feed.timezone: %w", err)
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; used when no config file is
// given and everything runs on defaults plus env overrides.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
		applyEnv(cfg)
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
