package mqtt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"envnode/internal/logger"
	"envnode/internal/storage"
)

// SensorType defines the type of sensor for Home Assistant
type SensorType string

const (
	SensorTypeTemperature SensorType = "temperature"
	SensorTypeHumidity    SensorType = "humidity"
)

// SensorConfig contains sensor configuration for Home Assistant Discovery
type SensorConfig struct {
	SensorID    string     // Unique sensor ID
	Name        string     // Display name
	SensorType  SensorType // Device class
	Unit        string     // °C, °F, %
	StateTopic  string     // Full topic carrying the value
	StateClass  string     // measurement
	Precision   int
	DeviceInfo  *DeviceInfo
	Available   string // Availability topic, optional
}

// DeviceInfo contains device information for grouping in Home Assistant
type DeviceInfo struct {
	Identifiers  []string // Unique device identifiers
	Name         string   // Device name
	Model        string   // Model
	Manufacturer string   // Manufacturer
	SWVersion    string   // Firmware version
}

// DiscoveryManager manages Home Assistant MQTT Discovery
type DiscoveryManager struct {
	transport Transport
	log       *logger.Logger
	storage   storage.Storage
	prefix    string
}

// NewDiscoveryManager creates a new DiscoveryManager instance
func NewDiscoveryManager(transport Transport, store storage.Storage, prefix string, log *logger.Logger) *DiscoveryManager {
	if prefix == "" {
		prefix = "homeassistant"
	}
	return &DiscoveryManager{
		transport: transport,
		log:       log,
		storage:   store,
		prefix:    strings.TrimSuffix(prefix, "/"),
	}
}

// TelemetryConfigs returns discovery configs for the tempC, tempF and
// humidity topics of p.
func TelemetryConfigs(p *Publisher, device *DeviceInfo, availabilityTopic string) []*SensorConfig {
	base := sanitizeID(p.config.SketchName + "_" + p.config.SensorName)
	if len(device.Identifiers) > 0 {
		base = sanitizeID(strings.ReplaceAll(device.Identifiers[0], ":", "")) + "_" + sanitizeID(p.config.SensorName)
	}

	mk := func(quantity, name string, typ SensorType, unit string) *SensorConfig {
		return &SensorConfig{
			SensorID:   base + "_" + strings.ToLower(quantity),
			Name:       name,
			SensorType: typ,
			Unit:       unit,
			StateTopic: p.SensorTopic(quantity),
			StateClass: "measurement",
			Precision:  2,
			DeviceInfo: device,
			Available:  availabilityTopic,
		}
	}

	return []*SensorConfig{
		mk("tempC", "Temperature", SensorTypeTemperature, "°C"),
		mk("tempF", "Temperature (F)", SensorTypeTemperature, "°F"),
		mk("humidity", "Humidity", SensorTypeHumidity, "%"),
	}
}

// signature identifies a sensor set so a change triggers a republish
func signature(configs []*SensorConfig) string {
	ids := make([]string, 0, len(configs))
	for _, cfg := range configs {
		ids = append(ids, cfg.SensorID+"@"+cfg.StateTopic)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// ShouldPublish reports whether configs differ from the last published set
func (d *DiscoveryManager) ShouldPublish(configs []*SensorConfig) bool {
	published, err := d.storage.GetString(storage.NamespaceDiscovery, "signature")
	if err != nil {
		return true // First time
	}
	return published != signature(configs)
}

// Publish publishes retained discovery configs when the sensor set changed
// since the last successful publish. It returns the number published.
func (d *DiscoveryManager) Publish(configs []*SensorConfig) (int, error) {
	if !d.ShouldPublish(configs) {
		return 0, nil
	}

	published := 0
	for _, cfg := range configs {
		if err := d.PublishDiscoveryConfig(cfg); err != nil {
			return published, fmt.Errorf("discovery for %s: %w", cfg.SensorID, err)
		}
		published++
	}

	// Mark as published
	if err := d.storage.SetString(storage.NamespaceDiscovery, "signature", signature(configs)); err != nil {
		d.log.Warnw("Failed to mark discovery as published", "error", err)
	}

	d.log.Infow("Published Home Assistant discovery", "sensors", published)
	return published, nil
}

// Topic returns the discovery topic of cfg
func (d *DiscoveryManager) Topic(cfg *SensorConfig) string {
	// Topic: homeassistant/sensor/{sensor_id}/config
	return d.prefix + "/sensor/" + cfg.SensorID + "/config"
}

// PublishDiscoveryConfig publishes discovery config for a single sensor
func (d *DiscoveryManager) PublishDiscoveryConfig(cfg *SensorConfig) error {
	payload, err := generateDiscoveryConfig(cfg)
	if err != nil {
		return err
	}
	return d.transport.Publish(d.Topic(cfg), payload, true)
}

// generateDiscoveryConfig builds the config using Home Assistant's
// abbreviated keys so it fits the device buffer.
func generateDiscoveryConfig(cfg *SensorConfig) ([]byte, error) {
	discoveryConfig := map[string]interface{}{
		"name":         cfg.Name,
		"uniq_id":      cfg.SensorID,
		"stat_t":       cfg.StateTopic,
		"unit_of_meas": cfg.Unit,
		"dev_cla":      string(cfg.SensorType),
	}

	if cfg.StateClass != "" {
		discoveryConfig["stat_cla"] = cfg.StateClass
	}
	if cfg.Precision > 0 {
		discoveryConfig["sug_dsp_prc"] = cfg.Precision
	}
	if cfg.Available != "" {
		discoveryConfig["avty_t"] = cfg.Available
	}

	// Device information for grouping in Home Assistant
	if cfg.DeviceInfo != nil {
		dev := map[string]interface{}{
			"ids":  cfg.DeviceInfo.Identifiers,
			"name": cfg.DeviceInfo.Name,
		}
		if cfg.DeviceInfo.Model != "" {
			dev["mdl"] = cfg.DeviceInfo.Model
		}
		if cfg.DeviceInfo.Manufacturer != "" {
			dev["mf"] = cfg.DeviceInfo.Manufacturer
		}
		if cfg.DeviceInfo.SWVersion != "" {
			dev["sw"] = cfg.DeviceInfo.SWVersion
		}
		discoveryConfig["dev"] = dev
	}

	payload, err := json.Marshal(discoveryConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal discovery config: %w", err)
	}
	return payload, nil
}
