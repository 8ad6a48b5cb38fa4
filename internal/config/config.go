package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	LogFile  LogFileConfig  `json:"log_file" yaml:"log_file"`
	Device   DeviceConfig   `json:"device" yaml:"device"`
	Sensor   SensorConfig   `json:"sensor" yaml:"sensor"`
	Vision   VisionConfig   `json:"vision" yaml:"vision"`
	Scoring  ScoringConfig  `json:"scoring" yaml:"scoring"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	API      APIConfig      `json:"api" yaml:"api"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Feed     FeedConfig     `json:"feed" yaml:"feed"`
}

type LogFileConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// DeviceConfig identifies the wearable this process monitors.
type DeviceConfig struct {
	DeviceID     string `json:"device_id" yaml:"device_id"`
	DriverID     string `json:"driver_id" yaml:"driver_id"`
	DriverName   string `json:"driver_name" yaml:"driver_name"`
	DriverEmail  string `json:"driver_email" yaml:"driver_email"`
	AutoRegister bool   `json:"auto_register" yaml:"auto_register"`
}

type SensorConfig struct {
	Link             string          `json:"link" yaml:"link"`
	ChannelBuffer    int             `json:"channel_buffer" yaml:"channel_buffer"`
	Cooldown         time.Duration   `json:"cooldown" yaml:"cooldown"`
	WarningCount     int             `json:"warning_count" yaml:"warning_count"`
	ScoreEventFrames bool            `json:"score_event_frames" yaml:"score_event_frames"`
	SummarySize      int             `json:"summary_size" yaml:"summary_size"`
	TCP              TCPLinkConfig   `json:"tcp" yaml:"tcp"`
	Replay           ReplayConfig    `json:"replay" yaml:"replay"`
	Kafka            KafkaLinkConfig `json:"kafka" yaml:"kafka"`
	HTTP             HTTPLinkConfig  `json:"http" yaml:"http"`
}

type TCPLinkConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type ReplayConfig struct {
	File   string        `json:"file" yaml:"file"`
	Follow bool          `json:"follow" yaml:"follow"`
	Pace   time.Duration `json:"pace" yaml:"pace"`
}

type KafkaLinkConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type HTTPLinkConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

type VisionConfig struct {
	Source         string        `json:"source" yaml:"source"`
	Addr           string        `json:"addr" yaml:"addr"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	FramesForAlert int           `json:"frames_for_alert" yaml:"frames_for_alert"`
	ClosedEyeRatio float64       `json:"closed_eye_ratio" yaml:"closed_eye_ratio"`
	Cooldown       time.Duration `json:"cooldown" yaml:"cooldown"`
	WaitInterval   time.Duration `json:"wait_interval" yaml:"wait_interval"`
	FrameStale     time.Duration `json:"frame_stale" yaml:"frame_stale"`
}

type ScoringConfig struct {
	Initial          int            `json:"initial" yaml:"initial"`
	Penalties        map[string]int `json:"penalties" yaml:"penalties"`
	DefaultPenalty   int            `json:"default_penalty" yaml:"default_penalty"`
	RecoveryInterval time.Duration  `json:"recovery_interval" yaml:"recovery_interval"`
	RecoveryPoints   int            `json:"recovery_points" yaml:"recovery_points"`
}

type SessionConfig struct {
	Heartbeat         time.Duration `json:"heartbeat" yaml:"heartbeat"`
	Recovery          time.Duration `json:"recovery" yaml:"recovery"`
	TimeoutCheck      time.Duration `json:"timeout_check" yaml:"timeout_check"`
	LivenessTimeout   time.Duration `json:"liveness_timeout" yaml:"liveness_timeout"`
	CompleteOnRelease bool          `json:"complete_on_release" yaml:"complete_on_release"`
	WriteQueue        int           `json:"write_queue" yaml:"write_queue"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type NotifyConfig struct {
	Kafka   NotifyKafkaConfig `json:"kafka" yaml:"kafka"`
	Timeout time.Duration     `json:"timeout" yaml:"timeout"`
}

type NotifyKafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type FeedConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultPenalties() map[string]int {
	return map[string]int{
		"HARSH_BRAKE": 6,
		"AGGRESSIVE":  10,
		"SWERVING":    2,
		"DROWSY":      10,
		"EYES_CLOSED": 10,
		"DISTRACTED":  6,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogFile:  LogFileConfig{MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14},
		Device:   DeviceConfig{DeviceID: "arduino-01", AutoRegister: true},
		Sensor: SensorConfig{
			Link:          "tcp",
			ChannelBuffer: 1024,
			Cooldown:      3 * time.Second,
			WarningCount:  5,
			SummarySize:   5,
			TCP:           TCPLinkConfig{Addr: ":9100"},
			HTTP:          HTTPLinkConfig{Addr: ":9101"},
		},
		Vision: VisionConfig{
			Source:         "stdin",
			PollInterval:   500 * time.Millisecond,
			FramesForAlert: 3,
			ClosedEyeRatio: 0.0003,
			Cooldown:       5 * time.Second,
			WaitInterval:   3 * time.Second,
			FrameStale:     2 * time.Second,
		},
		Scoring: ScoringConfig{
			Initial:          100,
			Penalties:        DefaultPenalties(),
			DefaultPenalty:   6,
			RecoveryInterval: 5 * time.Second,
			RecoveryPoints:   2,
		},
		Session: SessionConfig{
			Heartbeat:       10 * time.Second,
			Recovery:        5 * time.Second,
			TimeoutCheck:    60 * time.Second,
			LivenessTimeout: 300 * time.Second,
			WriteQueue:      256,
			WriteTimeout:    5 * time.Second,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:drivewatch.db?_pragma=busy_timeout(5000)"},
		Notify:  NotifyConfig{Timeout: 5 * time.Second},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Metrics: MetricsConfig{StoreLimit: 100},
		Feed:    FeedConfig{StoreLimit: 500},
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
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when set; otherwise it returns defaults with the
// environment applied.
func LoadOrDefault(path string) (*Config, error) {
	if strings.TrimSpace(path) != "" {
		return Load(path)
	}
	cfg := DefaultConfig()
	ApplyEnv(cfg)
	applyDefaults(cfg)
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
	def := DefaultConfig()
	if cfg.Sensor.ChannelBuffer <= 0 {
		cfg.Sensor.ChannelBuffer = def.Sensor.ChannelBuffer
	}
	if cfg.Sensor.WarningCount <= 0 {
		cfg.Sensor.WarningCount = def.Sensor.WarningCount
	}
	if cfg.Sensor.SummarySize <= 0 {
		cfg.Sensor.SummarySize = def.Sensor.SummarySize
	}
	if cfg.Vision.PollInterval <= 0 {
		cfg.Vision.PollInterval = def.Vision.PollInterval
	}
	if cfg.Vision.FramesForAlert <= 0 {
		cfg.Vision.FramesForAlert = def.Vision.FramesForAlert
	}
	if cfg.Vision.ClosedEyeRatio <= 0 {
		cfg.Vision.ClosedEyeRatio = def.Vision.ClosedEyeRatio
	}
	if cfg.Vision.WaitInterval <= 0 {
		cfg.Vision.WaitInterval = def.Vision.WaitInterval
	}
	if cfg.Scoring.Initial <= 0 {
		cfg.Scoring.Initial = def.Scoring.Initial
	}
	if cfg.Scoring.Penalties == nil {
		cfg.Scoring.Penalties = DefaultPenalties()
	}
	if cfg.Scoring.DefaultPenalty <= 0 {
		cfg.Scoring.DefaultPenalty = def.Scoring.DefaultPenalty
	}
	if cfg.Scoring.RecoveryInterval <= 0 {
		cfg.Scoring.RecoveryInterval = def.Scoring.RecoveryInterval
	}
	if cfg.Scoring.RecoveryPoints <= 0 {
		cfg.Scoring.RecoveryPoints = def.Scoring.RecoveryPoints
	}
	if cfg.Session.Heartbeat <= 0 {
		cfg.Session.Heartbeat = def.Session.Heartbeat
	}
	if cfg.Session.Recovery <= 0 {
		cfg.Session.Recovery = def.Session.Recovery
	}
	if cfg.Session.TimeoutCheck <= 0 {
		cfg.Session.TimeoutCheck = def.Session.TimeoutCheck
	}
	if cfg.Session.LivenessTimeout <= 0 {
		cfg.Session.LivenessTimeout = def.Session.LivenessTimeout
	}
	if cfg.Session.WriteQueue <= 0 {
		cfg.Session.WriteQueue = def.Session.WriteQueue
	}
	if cfg.Session.WriteTimeout <= 0 {
		cfg.Session.WriteTimeout = def.Session.WriteTimeout
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = def.Notify.Timeout
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Feed.StoreLimit <= 0 {
		cfg.Feed.StoreLimit = def.Feed.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Device.DeviceID) == "" {
		return errors.New("device.device_id required")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	switch strings.ToLower(cfg.Sensor.Link) {
	case "tcp":
		if cfg.Sensor.TCP.Addr == "" {
			return errors.New("sensor.tcp.addr required when sensor.link is tcp")
		}
	case "replay":
		if cfg.Sensor.Replay.File == "" {
			return errors.New("sensor.replay.file required when sensor.link is replay")
		}
	case "kafka":
		if len(cfg.Sensor.Kafka.Brokers) == 0 || cfg.Sensor.Kafka.Topic == "" || cfg.Sensor.Kafka.GroupID == "" {
			return errors.New("sensor.kafka requires brokers, topic, group_id")
		}
	case "http":
		if cfg.Sensor.HTTP.Addr == "" {
			return errors.New("sensor.http.addr required when sensor.link is http")
		}
	default:
		return fmt.Errorf("unsupported sensor.link: %q", cfg.Sensor.Link)
	}
	switch strings.ToLower(cfg.Vision.Source) {
	case "stdin":
	case "tcp":
		if cfg.Vision.Addr == "" {
			return errors.New("vision.addr required when vision.source is tcp")
		}
	default:
		return fmt.Errorf("unsupported vision.source: %q", cfg.Vision.Source)
	}
	if cfg.Notify.Kafka.Enabled {
		if len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "" {
			return errors.New("notify.kafka requires brokers and topic")
		}
	}
	if cfg.Sensor.Cooldown < 0 || cfg.Vision.Cooldown < 0 {
		return errors.New("cooldown must be >= 0")
	}
	if cfg.Scoring.Initial > 100 {
		return errors.New("scoring.initial must be <= 100")
	}
	for name, p := range cfg.Scoring.Penalties {
		if p < 0 {
			return fmt.Errorf("scoring.penalties.%s must be >= 0", name)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

// NewStaticManager wraps an already built config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
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

// Update validates cfg, persists it when the manager is file backed and
// makes it current.
func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
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
