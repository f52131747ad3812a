package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "podagent.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const validYAML = `
listing_id: "1013995107100112091"
pod_id: "10000000abcdef12"
api_key: "secret"
mqtt:
  broker_host: broker.example.com
  broker_port: 8883
fallback:
  url: https://api.example.com/v1/listings/sensor
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.ListingID != "1013995107100112091" {
		t.Errorf("ListingID = %q", cfg.ListingID)
	}
	if cfg.MQTT.BrokerHost != "broker.example.com" {
		t.Errorf("BrokerHost = %q", cfg.MQTT.BrokerHost)
	}
	if cfg.MQTT.BrokerPort != 8883 {
		t.Errorf("BrokerPort = %d", cfg.MQTT.BrokerPort)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Serial.BaudRate != 115200 {
		t.Errorf("Serial.BaudRate = %d, want 115200", cfg.Serial.BaudRate)
	}
	if cfg.Serial.WatchdogTimeoutSec != 15 {
		t.Errorf("Serial.WatchdogTimeoutSec = %d, want 15", cfg.Serial.WatchdogTimeoutSec)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT.QoS = %d, want 1", cfg.MQTT.QoS)
	}
	if cfg.MQTT.OfflineBufferSize != 100 {
		t.Errorf("MQTT.OfflineBufferSize = %d, want 100", cfg.MQTT.OfflineBufferSize)
	}
	if cfg.Telemetry.SendIntervalSec != 1 {
		t.Errorf("Telemetry.SendIntervalSec = %d, want 1", cfg.Telemetry.SendIntervalSec)
	}
}

func TestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no api_key", func(c *Config) { c.APIKey = "" }, "api_key"},
		{"no listing_id", func(c *Config) { c.ListingID = "" }, "listing_id"},
		{"no pod_id", func(c *Config) { c.PodID = "" }, "pod_id"},
		{"no broker host", func(c *Config) { c.MQTT.BrokerHost = "" }, "mqtt.broker_host"},
		{"no fallback url", func(c *Config) { c.Fallback.URL = "" }, "fallback.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error %q does not name %q", err, tt.want)
			}
		})
	}
}

func TestValidateDisabledTransportsSkipChecks(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.MQTT.Enabled = false
	cfg.MQTT.BrokerHost = ""
	cfg.Fallback.Enabled = false
	cfg.Fallback.URL = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v (disabled transports should not require fields)", err)
	}
}

func TestValidateQoSRange(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.MQTT.QoS = 3

	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for qos 3")
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("POD_TEST_KEY", "expanded-key")

	yaml := strings.Replace(validYAML, `api_key: "secret"`, "api_key: $POD_TEST_KEY", 1)
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.APIKey != "expanded-key" {
		t.Errorf("APIKey = %q, want %q", cfg.APIKey, "expanded-key")
	}
}

func TestTopicExpansion(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	got := cfg.Topic(cfg.MQTT.SensorDataTopic)
	want := "gomama/devices/1013995107100112091/sensor_data"
	if got != want {
		t.Errorf("Topic() = %q, want %q", got, want)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
