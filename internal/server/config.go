package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/kestrel-dash/internal/kestrel"
	"github.com/shaunagostinho/kestrel-dash/internal/logger"
	"github.com/shaunagostinho/kestrel-dash/internal/storage"
)

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	Device   DeviceConfig   `yaml:"device" json:"device"`
	Recorder logger.Config  `yaml:"recorder" json:"recorder"`
	Redis    storage.Config `yaml:"redis" json:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Server   ServerConfig   `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type              string `yaml:"type" json:"type"`          // "kestrel" or "demo"
	PortPath          string `yaml:"port_path" json:"portPath"` // e.g. /dev/rfcomm0
	BaudRate          int    `yaml:"baud_rate" json:"baudRate"`
	ResponseTimeoutMs int    `yaml:"response_timeout_ms" json:"responseTimeoutMs"`
	FramePadding      int    `yaml:"frame_padding" json:"framePadding"`
	RecordSize        int    `yaml:"record_size" json:"recordSize"` // 41 for a Kestrel 5500, 0 to skip
	BufferSize        int    `yaml:"buffer_size" json:"bufferSize"`
	PollMs            int    `yaml:"poll_ms" json:"pollMs"` // snapshot interval, 0 disables
	TimeZone          string `yaml:"time_zone" json:"timeZone"`
	DemoRecords       int    `yaml:"demo_records" json:"demoRecords"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type LogConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"` // "text" or "json"
	Output   string `yaml:"output" json:"output"` // "stdout" or "file"
	FilePath string `yaml:"file_path" json:"filePath"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:              "demo",
			PortPath:          "/dev/rfcomm0",
			BaudRate:          115200,
			ResponseTimeoutMs: 3000,
			FramePadding:      20,
			RecordSize:        0,
			BufferSize:        512,
			PollMs:            5000,
			TimeZone:          "UTC",
			DemoRecords:       120,
		},
		Recorder: logger.Config{
			Enabled: false,
			Path:    "/var/log/kestrel-dash",
			MaxRows: 100_000,
		},
		Redis: storage.Config{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   10,
			Channel:    "kestrel:events",
			Device:     "default",
			MaxRecords: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

var configLog = logrus.WithField("component", "config")

// DefaultConfigPath is where Save writes a config that was not loaded from
// a file.
var DefaultConfigPath = "/etc/kestrel-dash/config.yaml"

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		configLog.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		configLog.Warnf("error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		configLog.Infof("loaded from %s", path)
	}

	// .env next to the config wins over one in the working directory
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	configLog.Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_TYPE, DEVICE_PORT, DEVICE_BAUD, RESPONSE_TIMEOUT_MS,
// LISTEN_ADDR, LOG_LEVEL, RECORDER_ENABLED, RECORDER_PATH, REDIS_ENABLED,
// REDIS_ADDR, REDIS_CHANNEL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("DEVICE_PORT"); v != "" {
		c.Device.PortPath = v
	}
	if v := os.Getenv("DEVICE_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.BaudRate = n
		}
	}
	if v := os.Getenv("RESPONSE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.ResponseTimeoutMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RECORDER_ENABLED"); v != "" {
		c.Recorder.Enabled = truthy(v)
	}
	if v := os.Getenv("RECORDER_PATH"); v != "" {
		c.Recorder.Path = v
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		c.Redis.Enabled = truthy(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_CHANNEL"); v != "" {
		c.Redis.Channel = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Kestrel translates the device section into a driver config.
func (c *Config) Kestrel(l logrus.FieldLogger) (kestrel.Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	loc := time.UTC
	if tz := c.Device.TimeZone; tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return kestrel.Config{}, fmt.Errorf("config: device.time_zone: %w", err)
		}
	}
	return kestrel.Config{
		PortPath:        c.Device.PortPath,
		BaudRate:        c.Device.BaudRate,
		ResponseTimeout: time.Duration(c.Device.ResponseTimeoutMs) * time.Millisecond,
		FramePadding:    c.Device.FramePadding,
		RecordSize:      c.Device.RecordSize,
		BufferSize:      c.Device.BufferSize,
		Location:        loc,
		Logger:          l,
	}, nil
}

// RecorderEnabled reports the current recorder switch.
func (c *Config) RecorderEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Recorder.Enabled
}

// PollInterval is the snapshot interval, zero when polling is off.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Device.PollMs <= 0 {
		return 0
	}
	return time.Duration(c.Device.PollMs) * time.Millisecond
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
