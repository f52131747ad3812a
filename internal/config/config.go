// Package config handles pod-agent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./podagent.yaml, ~/.config/podagent/podagent.yaml,
// /etc/podagent/podagent.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"podagent.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "podagent", "podagent.yaml"))
	}

	paths = append(paths, "/etc/podagent/podagent.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all pod-agent configuration.
type Config struct {
	// ListingID identifies the physical pod to the backend.
	ListingID string `yaml:"listing_id"`
	// PodID is the hardware identifier mixed into the auth hash.
	PodID  string `yaml:"pod_id"`
	APIKey string `yaml:"api_key"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	Debug    bool   `yaml:"debug"`

	Serial    SerialConfig    `yaml:"serial"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
}

// SerialConfig defines the microcontroller link settings.
type SerialConfig struct {
	// Port pins the device path. Empty means probe candidates in order.
	Port string `yaml:"port"`
	// ExtraPorts are probed after the built-in /dev/ttyUSB0..31 range.
	ExtraPorts []string `yaml:"extra_ports"`
	BaudRate   int      `yaml:"baud_rate"`
	// ReadTimeoutSec bounds a single line read.
	ReadTimeoutSec int `yaml:"read_timeout_sec"`
	// WatchdogTimeoutSec is how long the link may stay silent before a
	// forced close-and-reopen.
	WatchdogTimeoutSec int `yaml:"watchdog_timeout_sec"`
}

// MQTTConfig defines the primary transport settings.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BrokerHost string `yaml:"broker_host"`
	BrokerPort int    `yaml:"broker_port"`

	UseTLS      bool   `yaml:"use_tls"`
	TLSCACert   string `yaml:"tls_ca_cert"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	QoS          int  `yaml:"qos"`
	Retain       bool `yaml:"retain"`
	KeepaliveSec int  `yaml:"keepalive_sec"`

	ConnectTimeoutSec    int `yaml:"connect_timeout_sec"`
	ReconnectDelaySec    int `yaml:"reconnect_delay_sec"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	OfflineBufferSize    int `yaml:"offline_buffer_size"`

	// Topic templates. "{listing_id}" is replaced with the configured
	// listing ID.
	SensorDataTopic string `yaml:"sensor_data_topic"`
	StatusTopic     string `yaml:"status_topic"`
	CommandsTopic   string `yaml:"commands_topic"`
}

// FallbackConfig defines the secondary HTTP transport.
type FallbackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// TelemetryConfig controls the send cycle.
type TelemetryConfig struct {
	SendIntervalSec int `yaml:"send_interval_sec"`
	// SendOnChange switches from send-every-cycle to true change
	// detection. Off by default: downstream consumers depend on the
	// cadence, not on real deltas.
	SendOnChange bool `yaml:"send_on_change"`
}

// ScheduleConfig defines the fixed daily jobs.
type ScheduleConfig struct {
	Enabled bool `yaml:"enabled"`
	// DisinfectStart and DisinfectEnd are local wall-clock times in
	// "HH:MM" form bounding the scheduled disinfection window.
	DisinfectStart string `yaml:"disinfect_start"`
	DisinfectEnd   string `yaml:"disinfect_end"`
	// RestartAt, when set, requests a process restart at the given time.
	RestartAt string `yaml:"restart_at"`
	// Timezone is an IANA location name; empty means system local.
	Timezone string `yaml:"timezone"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all non-identity defaults filled
// in. Identity fields (listing_id, pod_id, api_key) have no defaults
// and are enforced by Validate.
func Default() *Config {
	return &Config{
		DataDir: ".",
		Serial: SerialConfig{
			BaudRate:           115200,
			ReadTimeoutSec:     10,
			WatchdogTimeoutSec: 15,
		},
		MQTT: MQTTConfig{
			Enabled:              true,
			BrokerPort:           1883,
			QoS:                  1,
			KeepaliveSec:         60,
			ConnectTimeoutSec:    10,
			ReconnectDelaySec:    5,
			MaxReconnectAttempts: 10,
			OfflineBufferSize:    100,
			SensorDataTopic:      "gomama/devices/{listing_id}/sensor_data",
			StatusTopic:          "gomama/devices/{listing_id}/status",
			CommandsTopic:        "gomama/devices/{listing_id}/commands",
		},
		Fallback: FallbackConfig{
			Enabled:    true,
			TimeoutSec: 15,
		},
		Telemetry: TelemetryConfig{
			SendIntervalSec: 1,
		},
		Schedule: ScheduleConfig{
			DisinfectStart: "06:00",
			DisinfectEnd:   "06:10",
		},
	}
}

// Validate checks required fields. A missing field is a fatal
// configuration error: the process must not start without it.
func (c *Config) Validate() error {
	var missing []string

	if c.APIKey == "" {
		missing = append(missing, "api_key")
	}
	if c.ListingID == "" {
		missing = append(missing, "listing_id")
	}
	if c.PodID == "" {
		missing = append(missing, "pod_id")
	}

	if c.MQTT.Enabled {
		if c.MQTT.BrokerHost == "" {
			missing = append(missing, "mqtt.broker_host")
		}
		if c.MQTT.BrokerPort == 0 {
			missing = append(missing, "mqtt.broker_port")
		}
	}

	if c.Fallback.Enabled && c.Fallback.URL == "" {
		missing = append(missing, "fallback.url")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration field(s): %s", strings.Join(missing, ", "))
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS)
	}

	return nil
}

// Topic expands a topic template with the configured listing ID.
func (c *Config) Topic(template string) string {
	return strings.ReplaceAll(template, "{listing_id}", c.ListingID)
}
