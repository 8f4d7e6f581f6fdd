// Package config loads envnode configuration from a YAML file, a .env file
// and ENVNODE_* environment overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names
const (
	EnvLogLevel       = "ENVNODE_LOG_LEVEL"
	EnvDataDir        = "ENVNODE_DATA_DIR"
	EnvHostname       = "ENVNODE_HOSTNAME"
	EnvNetworkIndex   = "ENVNODE_NETWORK_INDEX"
	EnvSensorDriver   = "ENVNODE_SENSOR_DRIVER"
	EnvWiFiEnabled    = "ENVNODE_WIFI_ENABLED"
	EnvMQTTUsername   = "ENVNODE_MQTT_USERNAME"
	EnvMQTTPassword   = "ENVNODE_MQTT_PASSWORD"
	EnvMQTTTopicRoot  = "ENVNODE_MQTT_TOPIC_ROOT"
	EnvAPIListen      = "ENVNODE_API_LISTEN"
	EnvAPINoAuth      = "ENVNODE_API_NO_AUTH"
	EnvJWTSecret      = "ENVNODE_JWT_SECRET"
	EnvInfluxURL      = "ENVNODE_INFLUX_URL"
	EnvInfluxToken    = "ENVNODE_INFLUX_TOKEN"
	EnvOTAFeedURL     = "ENVNODE_OTA_FEED_URL"
	EnvOTAPublicKey   = "ENVNODE_OTA_PUBLIC_KEY"
	EnvOTAServiceName = "ENVNODE_OTA_SERVICE"
)

// Default values
const (
	DefaultLogLevel     = "info"
	DefaultDataDir      = "/var/lib/envnode"
	DefaultSketchName   = "envnode"
	DefaultSensorName   = "htu21d"
	DefaultSensorDriver = "htu21d"
	DefaultI2CAddress   = 0x40
	DefaultLEDPin       = "GPIO2"
	DefaultInterface    = "wlan0"
	DefaultBrokerPort   = 1883

	DefaultWiFiConnectTimeout = 10 * time.Second

	DefaultTopicRoot         = "envnode"
	DefaultBufferSize        = 512
	DefaultConnectTimeout    = 5 * time.Second
	DefaultReconnectDelay    = time.Second
	DefaultReconnectCooldown = 20 * time.Second
	DefaultMaxAttempts       = 2

	DefaultPollInterval    = 10 * time.Second
	DefaultPublishInterval = 60 * time.Second
	DefaultBlinkInterval   = time.Second
	DefaultTick            = 10 * time.Millisecond

	DefaultAPIListen     = ":8266"
	DefaultJWTExpiration = 24 * time.Hour
	DefaultServiceName   = "envnode"

	// MaxNetworks is the number of credential slots.
	MaxNetworks = 4
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/envnode/config.yaml, /etc/envnode/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "envnode", "config.yaml"))
	}

	paths = append(paths, "/etc/envnode/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all envnode configuration.
type Config struct {
	Device       DeviceConfig   `yaml:"device"`
	Sensor       SensorConfig   `yaml:"sensor"`
	LED          LEDConfig      `yaml:"led"`
	WiFi         WiFiConfig     `yaml:"wifi"`
	Networks     []Network      `yaml:"networks"`
	NetworkIndex int            `yaml:"network_index"`
	MQTT         MQTTConfig     `yaml:"mqtt"`
	Schedule     ScheduleConfig `yaml:"schedule"`
	API          APIConfig      `yaml:"api"`
	OTA          OTAConfig      `yaml:"ota"`
	Influx       InfluxConfig   `yaml:"influx"`
	DataDir      string         `yaml:"data_dir"`
	LogLevel     string         `yaml:"log_level"`
}

// DeviceConfig names the device in published telemetry.
type DeviceConfig struct {
	// Hostname defaults to the OS hostname.
	Hostname   string `yaml:"hostname"`
	SketchName string `yaml:"sketch_name"`
	Notes      string `yaml:"notes"`
}

// SensorConfig selects the telemetry source.
type SensorConfig struct {
	// Driver is "htu21d" or "simulated".
	Driver  string `yaml:"driver"`
	Name    string `yaml:"name"`
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
}

// LEDConfig describes the status LED.
type LEDConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Pin      string `yaml:"pin"`
	Inverted bool   `yaml:"inverted"`
}

// WiFiConfig controls association. With Enabled false the host is assumed
// to be wired and only the interface identity is resolved.
type WiFiConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interface      string        `yaml:"interface"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ScanBeforeJoin bool          `yaml:"scan_before_join"`
}

// Network is one credential candidate: an access point and the broker
// reachable through it.
type Network struct {
	SSID       string `yaml:"ssid"`
	Password   string `yaml:"password"`
	BrokerHost string `yaml:"broker_host"`
	BrokerPort int    `yaml:"broker_port"`
}

// MQTTConfig holds broker session and topic settings.
type MQTTConfig struct {
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	ClientID          string        `yaml:"client_id"`
	TopicRoot         string        `yaml:"topic_root"`
	CombinedTopic     string        `yaml:"combined_topic"`
	StatsTopic        string        `yaml:"stats_topic"`
	CommandTopic      string        `yaml:"command_topic"`
	AvailabilityTopic string        `yaml:"availability_topic"`
	BufferSize        int           `yaml:"buffer_size"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	ReconnectCooldown time.Duration `yaml:"reconnect_cooldown"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Discovery         bool          `yaml:"discovery"`
	DiscoveryPrefix   string        `yaml:"discovery_prefix"`
}

// ScheduleConfig holds the periodic action intervals.
type ScheduleConfig struct {
	Poll    time.Duration `yaml:"poll"`
	Publish time.Duration `yaml:"publish"`
	Blink   time.Duration `yaml:"blink"`
	Tick    time.Duration `yaml:"tick"`
}

// APIConfig configures the local HTTP API.
type APIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Listen        string        `yaml:"listen"`
	NoAuth        bool          `yaml:"no_auth"`
	JWTSecret     string        `yaml:"jwt_secret"`
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
}

// OTAConfig configures firmware updates.
type OTAConfig struct {
	Enabled bool `yaml:"enabled"`
	// FeedURL is a GitHub-compatible "latest release" endpoint.
	FeedURL   string `yaml:"feed_url"`
	PublicKey string `yaml:"public_key"`
	// WorkDir is the install directory holding the envnode binary.
	WorkDir string `yaml:"work_dir"`
	Service string `yaml:"service"`
	Restart bool   `yaml:"restart"`
}

// InfluxConfig configures the optional telemetry mirror.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether the mirror is configured.
func (c InfluxConfig) Enabled() bool {
	return c.URL != "" && c.Bucket != ""
}

// Default returns a configuration with every default applied, Wi-Fi
// disabled and a single network pointing at a local broker.
func Default() *Config {
	cfg := &Config{
		LED:  LEDConfig{Enabled: true},
		WiFi: WiFiConfig{Enabled: false},
		API:  APIConfig{Enabled: true},
		MQTT: MQTTConfig{Discovery: true},
		Networks: []Network{
			{BrokerHost: "localhost", BrokerPort: DefaultBrokerPort},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expands ${VAR} references and applies
// ENVNODE_* overrides and defaults. The result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		LED:  LEDConfig{Enabled: true},
		WiFi: WiFiConfig{Enabled: true, ScanBeforeJoin: true},
		API:  APIConfig{Enabled: true},
		MQTT: MQTTConfig{Discovery: true},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}

	if c.Device.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Device.Hostname = h
		} else {
			c.Device.Hostname = DefaultSketchName
		}
	}
	if c.Device.SketchName == "" {
		c.Device.SketchName = DefaultSketchName
	}

	if c.Sensor.Driver == "" {
		c.Sensor.Driver = DefaultSensorDriver
	}
	if c.Sensor.Name == "" {
		c.Sensor.Name = DefaultSensorName
	}
	if c.Sensor.Address == 0 {
		c.Sensor.Address = DefaultI2CAddress
	}

	if c.LED.Pin == "" {
		c.LED.Pin = DefaultLEDPin
	}

	if c.WiFi.Interface == "" {
		c.WiFi.Interface = DefaultInterface
	}
	if c.WiFi.ConnectTimeout == 0 {
		c.WiFi.ConnectTimeout = DefaultWiFiConnectTimeout
	}

	for i := range c.Networks {
		if c.Networks[i].BrokerPort == 0 {
			c.Networks[i].BrokerPort = DefaultBrokerPort
		}
	}

	m := &c.MQTT
	if m.TopicRoot == "" {
		m.TopicRoot = DefaultTopicRoot
	}
	m.TopicRoot = strings.TrimSuffix(m.TopicRoot, "/")
	if m.CombinedTopic == "" {
		m.CombinedTopic = m.TopicRoot + "/json"
	}
	if m.StatsTopic == "" {
		m.StatsTopic = m.TopicRoot + "/stats"
	}
	if m.CommandTopic == "" {
		m.CommandTopic = m.TopicRoot + "/command"
	}
	if m.AvailabilityTopic == "" {
		m.AvailabilityTopic = m.TopicRoot + "/availability"
	}
	if m.BufferSize == 0 {
		m.BufferSize = DefaultBufferSize
	}
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = DefaultConnectTimeout
	}
	if m.ReconnectDelay == 0 {
		m.ReconnectDelay = DefaultReconnectDelay
	}
	if m.ReconnectCooldown == 0 {
		m.ReconnectCooldown = DefaultReconnectCooldown
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = DefaultMaxAttempts
	}
	if m.DiscoveryPrefix == "" {
		m.DiscoveryPrefix = "homeassistant"
	}

	s := &c.Schedule
	if s.Poll == 0 {
		s.Poll = DefaultPollInterval
	}
	if s.Publish == 0 {
		s.Publish = DefaultPublishInterval
	}
	if s.Blink == 0 {
		s.Blink = DefaultBlinkInterval
	}
	if s.Tick == 0 {
		s.Tick = DefaultTick
	}

	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
	if c.API.JWTExpiration == 0 {
		c.API.JWTExpiration = DefaultJWTExpiration
	}

	if c.OTA.Service == "" {
		c.OTA.Service = DefaultServiceName
	}
	if c.OTA.WorkDir == "" {
		if exe, err := os.Executable(); err == nil {
			c.OTA.WorkDir = filepath.Dir(exe)
		}
	}
}

// applyEnv applies ENVNODE_* overrides. getenv is os.Getenv outside tests.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	set(EnvLogLevel, &c.LogLevel)
	set(EnvDataDir, &c.DataDir)
	set(EnvHostname, &c.Device.Hostname)
	set(EnvSensorDriver, &c.Sensor.Driver)
	set(EnvMQTTUsername, &c.MQTT.Username)
	set(EnvMQTTPassword, &c.MQTT.Password)
	set(EnvMQTTTopicRoot, &c.MQTT.TopicRoot)
	set(EnvAPIListen, &c.API.Listen)
	set(EnvJWTSecret, &c.API.JWTSecret)
	set(EnvInfluxURL, &c.Influx.URL)
	set(EnvInfluxToken, &c.Influx.Token)
	set(EnvOTAFeedURL, &c.OTA.FeedURL)
	set(EnvOTAPublicKey, &c.OTA.PublicKey)
	set(EnvOTAServiceName, &c.OTA.Service)

	if v := getenv(EnvNetworkIndex); v != "" {
		if idx, err := strconv.Atoi(v); err == nil {
			c.NetworkIndex = idx
		}
	}
	if v := getenv(EnvWiFiEnabled); v != "" {
		c.WiFi.Enabled = parseBool(v)
	}
	if v := getenv(EnvAPINoAuth); v != "" {
		c.API.NoAuth = parseBool(v)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return errors.New("at least one network must be configured")
	}
	if len(c.Networks) > MaxNetworks {
		return fmt.Errorf("at most %d networks may be configured, got %d", MaxNetworks, len(c.Networks))
	}
	for i, n := range c.Networks {
		if c.WiFi.Enabled && n.SSID == "" {
			return fmt.Errorf("networks[%d]: ssid cannot be empty", i)
		}
		if n.BrokerHost == "" {
			return fmt.Errorf("networks[%d]: broker_host cannot be empty", i)
		}
		if n.BrokerPort < 1 || n.BrokerPort > 65535 {
			return fmt.Errorf("networks[%d]: invalid broker port %d", i, n.BrokerPort)
		}
	}
	if c.NetworkIndex < 0 || c.NetworkIndex >= len(c.Networks) {
		return fmt.Errorf("network_index %d out of range [0,%d)", c.NetworkIndex, len(c.Networks))
	}

	switch c.Sensor.Driver {
	case "htu21d", "simulated":
	default:
		return fmt.Errorf("unknown sensor driver %q", c.Sensor.Driver)
	}

	if c.MQTT.BufferSize < 64 {
		return fmt.Errorf("mqtt buffer_size must be at least 64, got %d", c.MQTT.BufferSize)
	}
	if c.MQTT.MaxAttempts < 1 {
		return errors.New("mqtt max_attempts must be at least 1")
	}
	if c.MQTT.ReconnectDelay < 0 || c.MQTT.ReconnectCooldown < 0 || c.MQTT.ConnectTimeout < 0 {
		return errors.New("mqtt timings cannot be negative")
	}
	if strings.ContainsAny(c.MQTT.TopicRoot, "#+") {
		return fmt.Errorf("mqtt topic_root %q contains wildcards", c.MQTT.TopicRoot)
	}

	s := c.Schedule
	if s.Poll < 100*time.Millisecond {
		return errors.New("schedule poll must be at least 100ms")
	}
	if s.Publish < time.Second {
		return errors.New("schedule publish must be at least 1s")
	}
	if s.Blink <= 0 || s.Tick <= 0 {
		return errors.New("schedule blink and tick must be positive")
	}
	if s.Tick > s.Blink {
		return fmt.Errorf("schedule tick %v must not exceed blink interval %v", s.Tick, s.Blink)
	}

	if c.API.Enabled {
		if err := validateListen(c.API.Listen); err != nil {
			return err
		}
		if c.API.JWTExpiration < time.Minute {
			return errors.New("JWT expiration must be at least 1 minute")
		}
		if c.API.JWTExpiration > 365*24*time.Hour {
			return errors.New("JWT expiration cannot exceed 1 year")
		}
	}

	if c.OTA.Enabled && c.OTA.PublicKey == "" {
		return errors.New("ota public_key is required when ota is enabled")
	}

	if c.Influx.URL != "" && c.Influx.Bucket == "" {
		return errors.New("influx bucket is required when url is set")
	}

	return nil
}

func validateListen(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid api listen address: %s", addr)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("invalid port number: %s", port)
	}
	return nil
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	secretDisplay := "[not set]"
	if c.API.JWTSecret != "" {
		secretDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Host: %q, Sensor: %s, Networks: %d, Index: %d, TopicRoot: %q, API: %q, JWTSecret: %s}",
		c.Device.Hostname, c.Sensor.Driver, len(c.Networks), c.NetworkIndex, c.MQTT.TopicRoot, c.API.Listen, secretDisplay,
	)
}

// GenerateSecret generates a cryptographically secure random hex string.
func GenerateSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no, on, off (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
