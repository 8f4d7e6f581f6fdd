package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
device:
  hostname: bench-node
  notes: "lab bench"
sensor:
  driver: simulated
wifi:
  enabled: true
  connect_timeout: 8s
networks:
  - ssid: Home
    password: ${ENVNODE_TEST_WIFI_PASS}
    broker_host: 192.168.1.10
  - ssid: Shop
    password: shop-pass
    broker_host: broker.shop.lan
    broker_port: 8883
network_index: 1
mqtt:
  topic_root: sensors/bench/
  reconnect_cooldown: 30s
schedule:
  poll: 2s
  publish: 30s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("ENVNODE_TEST_WIFI_PASS", "hunter2")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Device.Hostname != "bench-node" {
		t.Errorf("Hostname = %q", cfg.Device.Hostname)
	}
	if cfg.Networks[0].Password != "hunter2" {
		t.Errorf("env expansion failed: %q", cfg.Networks[0].Password)
	}
	if cfg.Networks[0].BrokerPort != DefaultBrokerPort {
		t.Errorf("default broker port = %d", cfg.Networks[0].BrokerPort)
	}
	if cfg.Networks[1].BrokerPort != 8883 {
		t.Errorf("broker port = %d", cfg.Networks[1].BrokerPort)
	}
	if cfg.NetworkIndex != 1 {
		t.Errorf("NetworkIndex = %d", cfg.NetworkIndex)
	}
	if cfg.WiFi.ConnectTimeout != 8*time.Second {
		t.Errorf("ConnectTimeout = %v", cfg.WiFi.ConnectTimeout)
	}
	if cfg.MQTT.TopicRoot != "sensors/bench" {
		t.Errorf("TopicRoot = %q", cfg.MQTT.TopicRoot)
	}
	if cfg.MQTT.CommandTopic != "sensors/bench/command" {
		t.Errorf("CommandTopic = %q", cfg.MQTT.CommandTopic)
	}
	if cfg.MQTT.CombinedTopic != "sensors/bench/json" {
		t.Errorf("CombinedTopic = %q", cfg.MQTT.CombinedTopic)
	}
	if cfg.MQTT.AvailabilityTopic != "sensors/bench/availability" {
		t.Errorf("AvailabilityTopic = %q", cfg.MQTT.AvailabilityTopic)
	}
	if cfg.MQTT.ReconnectCooldown != 30*time.Second {
		t.Errorf("ReconnectCooldown = %v", cfg.MQTT.ReconnectCooldown)
	}
	if cfg.MQTT.BufferSize != DefaultBufferSize {
		t.Errorf("BufferSize = %d", cfg.MQTT.BufferSize)
	}
	if cfg.Schedule.Poll != 2*time.Second || cfg.Schedule.Blink != DefaultBlinkInterval {
		t.Errorf("Schedule = %+v", cfg.Schedule)
	}
	if !cfg.API.Enabled || !cfg.LED.Enabled || !cfg.MQTT.Discovery {
		t.Error("enabled-by-default sections were switched off")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvNetworkIndex, "0")
	t.Setenv(EnvMQTTUsername, "node")
	t.Setenv(EnvAPINoAuth, "yes")
	t.Setenv("ENVNODE_TEST_WIFI_PASS", "x")

	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NetworkIndex != 0 {
		t.Errorf("NetworkIndex = %d; want 0", cfg.NetworkIndex)
	}
	if cfg.MQTT.Username != "node" {
		t.Errorf("Username = %q", cfg.MQTT.Username)
	}
	if !cfg.API.NoAuth {
		t.Error("NoAuth override not applied")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"default ok", func(c *Config) {}, ""},
		{"no networks", func(c *Config) { c.Networks = nil }, "at least one network"},
		{"too many networks", func(c *Config) {
			c.Networks = make([]Network, MaxNetworks+1)
			for i := range c.Networks {
				c.Networks[i] = Network{BrokerHost: "h", BrokerPort: 1883}
			}
		}, "at most"},
		{"empty ssid with wifi", func(c *Config) { c.WiFi.Enabled = true }, "ssid cannot be empty"},
		{"empty broker", func(c *Config) { c.Networks[0].BrokerHost = "" }, "broker_host"},
		{"index out of range", func(c *Config) { c.NetworkIndex = 3 }, "out of range"},
		{"unknown driver", func(c *Config) { c.Sensor.Driver = "dht22" }, "unknown sensor driver"},
		{"poll too short", func(c *Config) { c.Schedule.Poll = 50 * time.Millisecond }, "poll"},
		{"tick above blink", func(c *Config) { c.Schedule.Tick = 2 * time.Second }, "tick"},
		{"wildcard topic", func(c *Config) { c.MQTT.TopicRoot = "a/#" }, "wildcards"},
		{"bad listen", func(c *Config) { c.API.Listen = "8266" }, "listen"},
		{"influx without bucket", func(c *Config) { c.Influx.URL = "http://influx:8086" }, "bucket"},
		{"ota without key", func(c *Config) { c.OTA.Enabled = true }, "public_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v; want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestFindConfig(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit path")
	}

	path := writeConfig(t, "log_level: debug\n")
	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Errorf("FindConfig = %q, %v", got, err)
	}
}

func TestParseEnvFile(t *testing.T) {
	input := `
# comment
ENVNODE_MQTT_USERNAME=node
export ENVNODE_JWT_SECRET="abc=def"
BROKEN LINE
ENVNODE_HOSTNAME = 'greenhouse'
`
	values, err := ParseEnvFile(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"ENVNODE_MQTT_USERNAME": "node",
		"ENVNODE_JWT_SECRET":    "abc=def",
		"ENVNODE_HOSTNAME":      "greenhouse",
	}
	if len(values) != len(want) {
		t.Fatalf("got %d values: %v", len(values), values)
	}
	for k, v := range want {
		if values[k] != v {
			t.Errorf("%s = %q; want %q", k, values[k], v)
		}
	}
}

func TestLoadEnvFileKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("ENVNODE_TEST_A=file\nENVNODE_TEST_B=file\n"), 0600)

	t.Setenv("ENVNODE_TEST_A", "process")
	t.Setenv("ENVNODE_TEST_B", "")

	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("ENVNODE_TEST_A"); got != "process" {
		t.Errorf("existing variable overridden: %q", got)
	}
	if got := os.Getenv("ENVNODE_TEST_B"); got != "file" {
		t.Errorf("ENVNODE_TEST_B = %q; want file", got)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "none")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "1", "YES", " on "} {
		if !parseBool(s) {
			t.Errorf("parseBool(%q) = false", s)
		}
	}
	for _, s := range []string{"false", "0", "no", ""} {
		if parseBool(s) {
			t.Errorf("parseBool(%q) = true", s)
		}
	}
}
