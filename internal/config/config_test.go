package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "helmet.yaml", `
network:
  esp32_ip: 10.0.0.7
  port: 9000
  protocol: TCP
  auto_reconnect: false
  reconnect_interval: 2
sensors:
  gas:
    enabled: true
    warning_threshold: 30
    danger_threshold: 80
    unit: ppm
ml:
  fall_detection:
    enabled: true
    threshold: 0.8
    window_size: 25
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Network.Protocol)
	assert.Equal(t, "10.0.0.7:9000", cfg.Network.Address())
	assert.False(t, cfg.Network.AutoReconnect)
	assert.Equal(t, 2*time.Second, cfg.Network.ReconnectDelay())
	assert.Equal(t, 30.0, cfg.Sensors["gas"].WarningThreshold)
	// sensors missing from the file fall back to defaults
	assert.Equal(t, 100.0, cfg.Sensors["accelerometer"].SamplingRate)
	assert.Equal(t, 0.8, cfg.ML.FallDetection.Threshold)
	assert.Equal(t, time.Second, cfg.DebounceDuration())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "helmet.json", `{
  "network": {"esp32_ip": "192.168.4.1", "port": 81, "protocol": "websocket", "auto_reconnect": true, "reconnect_interval": 5},
  "ml": {"fall_detection": {"enabled": true, "threshold": 0.7, "window_size": 50, "debounce": 3}}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "websocket", cfg.Network.Protocol)
	assert.Equal(t, 3*time.Second, cfg.DebounceDuration())
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.yaml", "  \n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad protocol", func(c *Config) { c.Network.Protocol = "udp" }},
		{"bad port", func(c *Config) { c.Network.Port = 0 }},
		{"threshold above one", func(c *Config) { c.ML.FallDetection.Threshold = 1.5 }},
		{"inverted sensor thresholds", func(c *Config) {
			c.Sensors["gas"] = SensorConfig{Enabled: true, WarningThreshold: 100, DangerThreshold: 50}
		}},
		{"mqtt without broker", func(c *Config) { c.Bridge.MQTT.Enabled = true }},
		{"kafka without brokers", func(c *Config) { c.Bridge.Kafka.Enabled = true }},
		{"max interval below interval", func(c *Config) { c.Network.MaxReconnectInterval = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestSensorEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sensors["humidity"] = SensorConfig{Enabled: false}
	assert.False(t, cfg.SensorEnabled("humidity"))
	assert.True(t, cfg.SensorEnabled("gas"))
	assert.True(t, cfg.SensorEnabled("unknown"))
}

func TestDefaultDebounceFromWindow(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceDuration())
}

func TestManagerUpdateAndReload(t *testing.T) {
	path := writeFile(t, "helmet.yaml", "network:\n  esp32_ip: 10.0.0.1\n  port: 8080\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", m.Get().Network.ESP32IP)

	next := *m.Get()
	next.Network.ESP32IP = "10.0.0.2"
	require.NoError(t, m.Update(&next))

	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", cfg.Network.ESP32IP)
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(DefaultConfig())
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
	assert.Equal(t, 8080, m.Get().Network.Port)
}

func TestManagerConcurrentUpdateAndWatch(t *testing.T) {
	path := writeFile(t, "helmet.yaml", "network:\n  esp32_ip: 10.0.0.1\n  port: 8080\n")
	m, err := NewManager(path)
	require.NoError(t, err)

	stop := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		m.Watch(time.Millisecond, nil, nil, stop)
	}()

	for i := 0; i < 20; i++ {
		next := *m.Get()
		next.Network.Port = 8000 + i
		require.NoError(t, m.Update(&next))
		_, err := m.NeedsReload()
		require.NoError(t, err)
	}
	close(stop)
	<-watched
	assert.Equal(t, 8019, m.Get().Network.Port)
}
