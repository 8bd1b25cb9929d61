package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string                  `json:"log_level" yaml:"log_level"`
	Network  NetworkConfig           `json:"network" yaml:"network"`
	Sensors  map[string]SensorConfig `json:"sensors" yaml:"sensors"`
	ML       MLConfig                `json:"ml" yaml:"ml"`
	API      APIConfig               `json:"api" yaml:"api"`
	Storage  StorageConfig           `json:"storage" yaml:"storage"`
	Bridge   BridgeConfig            `json:"bridge" yaml:"bridge"`
	Alerts   AlertsConfig            `json:"alerts" yaml:"alerts"`
}

type NetworkConfig struct {
	ESP32IP  string `json:"esp32_ip" yaml:"esp32_ip"`
	Port     int    `json:"port" yaml:"port"`
	Protocol string `json:"protocol" yaml:"protocol"`
	WSPath   string `json:"ws_path" yaml:"ws_path"`

	// Intervals are expressed in seconds, matching the device configuration files.
	AutoReconnect        bool    `json:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectInterval    float64 `json:"reconnect_interval" yaml:"reconnect_interval"`
	MaxReconnectInterval float64 `json:"max_reconnect_interval" yaml:"max_reconnect_interval"`
	MaxAttempts          int     `json:"max_attempts" yaml:"max_attempts"`
	DialTimeout          float64 `json:"dial_timeout" yaml:"dial_timeout"`
	StopGrace            float64 `json:"stop_grace" yaml:"stop_grace"`
}

type SensorConfig struct {
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	WarningThreshold float64 `json:"warning_threshold,omitempty" yaml:"warning_threshold,omitempty"`
	DangerThreshold  float64 `json:"danger_threshold,omitempty" yaml:"danger_threshold,omitempty"`
	Unit             string  `json:"unit,omitempty" yaml:"unit,omitempty"`
	SamplingRate     float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty"`
}

type MLConfig struct {
	FallDetection FallDetectionConfig `json:"fall_detection" yaml:"fall_detection"`
}

type FallDetectionConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	ModelPath  string  `json:"model_path" yaml:"model_path"`
	Threshold  float64 `json:"threshold" yaml:"threshold"`
	WindowSize int     `json:"window_size" yaml:"window_size"`

	// Debounce in seconds; 0 derives it from window_size and the accelerometer sampling rate.
	Debounce      float64 `json:"debounce" yaml:"debounce"`
	VarianceLimit float64 `json:"variance_limit" yaml:"variance_limit"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`

	// SaveReadings also records every sensor reading, not just alerts.
	SaveReadings  bool `json:"save_readings" yaml:"save_readings"`
	RetentionDays int  `json:"retention_days" yaml:"retention_days"`
}

type BridgeConfig struct {
	QueueSize int         `json:"queue_size" yaml:"queue_size"`
	MQTT      MQTTConfig  `json:"mqtt" yaml:"mqtt"`
	Kafka     KafkaConfig `json:"kafka" yaml:"kafka"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Prefix   string `json:"prefix" yaml:"prefix"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`

	// HazardCooldown in seconds between repeated hazard alerts of the same sensor and level.
	HazardCooldown float64 `json:"hazard_cooldown" yaml:"hazard_cooldown"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Network: NetworkConfig{
			ESP32IP:           "192.168.1.100",
			Port:              8080,
			Protocol:          "websocket",
			WSPath:            "/",
			AutoReconnect:     true,
			ReconnectInterval: 5,
			MaxAttempts:       5,
			DialTimeout:       5,
			StopGrace:         5,
		},
		Sensors: DefaultSensors(),
		ML: MLConfig{
			FallDetection: FallDetectionConfig{
				Enabled:       true,
				ModelPath:     "",
				Threshold:     0.7,
				WindowSize:    50,
				VarianceLimit: 5.0,
			},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:helmetwatch.db?_pragma=busy_timeout(5000)", RetentionDays: 30},
		Bridge: BridgeConfig{
			QueueSize: 1024,
			MQTT:      MQTTConfig{Enabled: false, Prefix: "helmetwatch"},
			Kafka:     KafkaConfig{Enabled: false, Topic: "helmet-telemetry"},
		},
		Alerts: AlertsConfig{StoreLimit: 1000, HazardCooldown: 10},
	}
}

func DefaultSensors() map[string]SensorConfig {
	return map[string]SensorConfig{
		"gas":           {Enabled: true, WarningThreshold: 50, DangerThreshold: 100, Unit: "ppm"},
		"temperature":   {Enabled: true, WarningThreshold: 40, DangerThreshold: 50, Unit: "°C"},
		"humidity":      {Enabled: true, Unit: "%"},
		"gps":           {Enabled: true},
		"accelerometer": {Enabled: true, SamplingRate: 100},
		"gyroscope":     {Enabled: true, SamplingRate: 100},
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
	// Sensor entries from the file replace defaults one by one.
	cfg.Sensors = nil

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
	defaults := DefaultSensors()
	if cfg.Sensors == nil {
		cfg.Sensors = defaults
	} else {
		for name, sc := range defaults {
			if _, ok := cfg.Sensors[name]; !ok {
				cfg.Sensors[name] = sc
			}
		}
	}
	cfg.Network.Protocol = strings.ToLower(strings.TrimSpace(cfg.Network.Protocol))
	if cfg.Network.Protocol == "" {
		cfg.Network.Protocol = "websocket"
	}
	if cfg.Network.WSPath == "" {
		cfg.Network.WSPath = "/"
	}
	if cfg.Network.ReconnectInterval <= 0 {
		cfg.Network.ReconnectInterval = 5
	}
	if cfg.Network.MaxAttempts <= 0 {
		cfg.Network.MaxAttempts = 5
	}
	if cfg.Network.DialTimeout <= 0 {
		cfg.Network.DialTimeout = 5
	}
	if cfg.Network.StopGrace <= 0 {
		cfg.Network.StopGrace = 5
	}
	if cfg.ML.FallDetection.Threshold <= 0 {
		cfg.ML.FallDetection.Threshold = 0.7
	}
	if cfg.ML.FallDetection.WindowSize <= 0 {
		cfg.ML.FallDetection.WindowSize = 50
	}
	if cfg.ML.FallDetection.VarianceLimit <= 0 {
		cfg.ML.FallDetection.VarianceLimit = 5.0
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Bridge.QueueSize <= 0 {
		cfg.Bridge.QueueSize = 1024
	}
	if cfg.Bridge.MQTT.Prefix == "" {
		cfg.Bridge.MQTT.Prefix = "helmetwatch"
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.Network.ESP32IP == "" {
		return errors.New("network.esp32_ip required")
	}
	if cfg.Network.Port <= 0 || cfg.Network.Port > 65535 {
		return fmt.Errorf("network.port out of range: %d", cfg.Network.Port)
	}
	switch cfg.Network.Protocol {
	case "tcp", "websocket":
	default:
		return fmt.Errorf("network.protocol must be tcp or websocket, got %q", cfg.Network.Protocol)
	}
	if cfg.Network.MaxReconnectInterval > 0 && cfg.Network.MaxReconnectInterval < cfg.Network.ReconnectInterval {
		return errors.New("network.max_reconnect_interval must be >= reconnect_interval")
	}
	fd := cfg.ML.FallDetection
	if fd.Threshold > 1 {
		return fmt.Errorf("ml.fall_detection.threshold must be within [0,1], got %v", fd.Threshold)
	}
	if fd.Debounce < 0 {
		return errors.New("ml.fall_detection.debounce must be >= 0")
	}
	for name, sc := range cfg.Sensors {
		if sc.WarningThreshold > 0 && sc.DangerThreshold > 0 && sc.DangerThreshold < sc.WarningThreshold {
			return fmt.Errorf("sensors.%s.danger_threshold must be >= warning_threshold", name)
		}
	}
	switch cfg.Storage.Driver {
	case "sqlite", "postgres", "postgresql", "bolt":
	default:
		return fmt.Errorf("storage.driver must be sqlite, postgres or bolt, got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.RetentionDays < 0 {
		return errors.New("storage.retention_days must be >= 0")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Bridge.MQTT.Enabled && cfg.Bridge.MQTT.Broker == "" {
		return errors.New("bridge.mqtt.broker required when bridge.mqtt.enabled is true")
	}
	if cfg.Bridge.MQTT.QoS > 2 {
		return errors.New("bridge.mqtt.qos must be 0, 1 or 2")
	}
	if cfg.Bridge.Kafka.Enabled && (len(cfg.Bridge.Kafka.Brokers) == 0 || cfg.Bridge.Kafka.Topic == "") {
		return errors.New("bridge.kafka requires brokers and topic")
	}
	return nil
}

// Address is the device endpoint in host:port form.
func (n NetworkConfig) Address() string {
	return fmt.Sprintf("%s:%d", n.ESP32IP, n.Port)
}

func (n NetworkConfig) ReconnectDelay() time.Duration {
	return Seconds(n.ReconnectInterval)
}

func (n NetworkConfig) MaxReconnectDelay() time.Duration {
	return Seconds(n.MaxReconnectInterval)
}

// SensorEnabled reports whether readings of the named sensor should be published.
// Unknown sensors are enabled.
func (c *Config) SensorEnabled(name string) bool {
	sc, ok := c.Sensors[name]
	if !ok {
		return true
	}
	return sc.Enabled
}

// DebounceDuration resolves the fall alert debounce interval. Without an explicit
// value it is two window durations at the accelerometer rate: one for the
// impact to leave the window and one for the wearer to settle.
func (c *Config) DebounceDuration() time.Duration {
	fd := c.ML.FallDetection
	if fd.Debounce > 0 {
		return Seconds(fd.Debounce)
	}
	rate := c.Sensors["accelerometer"].SamplingRate
	if rate <= 0 {
		rate = 100
	}
	return Seconds(2 * float64(fd.WindowSize) / rate)
}

// Seconds converts a configuration value in seconds to a duration.
func Seconds(v float64) time.Duration {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

type Manager struct {
	path string
	cfg  atomic.Value

	// mu guards modTime, shared by Watch and Update callers.
	mu      sync.Mutex
	modTime time.Time
}

func (m *Manager) setModTime(t time.Time) {
	m.mu.Lock()
	m.modTime = t
	m.mu.Unlock()
}

func (m *Manager) lastModTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modTime
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
		m.setModTime(info.ModTime())
	}
	return m, nil
}

// NewStaticManager serves cfg without a backing file.
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
		m.setModTime(info.ModTime())
	}
	return cfg, nil
}

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
			m.setModTime(info.ModTime())
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
	return info.ModTime().After(m.lastModTime()), nil
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
