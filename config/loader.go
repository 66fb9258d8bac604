package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "MICROTIME"

// durationKeys are the fields whose string values ("10s", "14d") are parsed
// into nanoseconds before decoding.
var durationKeys = map[string]bool{
	"connect_timeout":  true,
	"retry_delay":      true,
	"publish_timeout":  true,
	"sample_every":     true,
	"live_every":       true,
	"durable_every":    true,
	"error_window":     true,
	"reinit_delay":     true,
	"press_every":      true,
	"shutdown_timeout": true,
	"max_age":          true,
	"write_timeout":    true,
	"breaker_delay":    true,
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation func(*Config) error
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with MICROTIME_ env overrides.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation runs fn on the merged configuration. Pass
// (*Config).ValidateDevice or (*Config).ValidateBroker to check one binary's
// sections only.
func (l *Loader) EnableValidation(fn func(*Config) error) {
	l.validation = fn
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation != nil {
		if err := l.validation(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the configuration used when no file sets a field.
func Defaults() *Config {
	return &Config{
		Device: DeviceConfig{
			ID: "microtime-1",
			Uplink: TransportConfig{
				Kind:           TransportMQTT,
				URL:            "tcp://localhost:1883",
				Prefix:         "microtime",
				ConnectTimeout: 5 * time.Second,
			},
			Outbox: OutboxConfig{Capacity: 3000, LiveQueueSize: 32, Rebase: "now"},
			Link: LinkConfig{
				MaxConnectAttempts: 7,
				RetryDelay:         10 * time.Second,
				PublishTimeout:     5 * time.Second,
			},
			Sensors: DefaultSensors(),
		},
		Broker: BrokerConfig{
			Transport: TransportConfig{
				Kind:           TransportMQTT,
				URL:            "tcp://localhost:1883",
				Prefix:         "microtime",
				ConnectTimeout: 5 * time.Second,
			},
			HTTP: HTTPConfig{Addr: ":8080", WSPath: "/ws/", ShutdownTimeout: 10 * time.Second},
			Hub:  HubConfig{SubscriberBuffer: 16, FrameRate: 10, FrameBurst: 20},
			Store: StoreConfig{
				Kind:            StoreNone,
				TablePrefix:     "telemetry",
				Database:        "microtime",
				Stream:          "TELEMETRY",
				Workers:         4,
				QueueSize:       1024,
				WriteTimeout:    5 * time.Second,
				BreakerFailures: 5,
				BreakerDelay:    15 * time.Second,
			},
		},
		Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// DefaultSensors is one loop per driver at the firmware cadences. A zero
// live or durable spacing sends every produced payload.
func DefaultSensors() []SensorConfig {
	return []SensorConfig{
		{Kind: "temperature", Bus: "i2c0", SampleEvery: 2 * time.Second, LiveEvery: 2 * time.Second, DurableEvery: 10 * time.Second},
		{Kind: "optical", Bus: "i2c0", SampleEvery: 40 * time.Millisecond, LiveEvery: time.Second, DurableEvery: 10 * time.Second},
		{Kind: "motion", Bus: "i2c1", SampleEvery: 50 * time.Millisecond, LiveEvery: 5 * time.Second, DurableEvery: 3 * time.Second},
		{Kind: "alert", Bus: "gpio", SampleEvery: 200 * time.Millisecond},
	}
}

// loadRaw reads a JSON or YAML layer into a map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := checkNesting(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Slices are replaced, not merged.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations walks data and converts duration strings to nanoseconds.
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					if err := parseDurations(m); err != nil {
						return err
					}
				}
			}
		case string:
			if !durationKeys[k] {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return nil
		}
		if err := checkEnvValue(key, val); err != nil {
			return err
		}
		*dst = val
		return nil
	}
	num := func(name string, dst *int) error {
		var s string
		if err := str(name, &s); err != nil || s == "" {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	overrides := []error{
		str("DEVICE_ID", &cfg.Device.ID),
		str("DEVICE_UPLINK_KIND", &cfg.Device.Uplink.Kind),
		str("DEVICE_UPLINK_URL", &cfg.Device.Uplink.URL),
		str("DEVICE_UPLINK_USERNAME", &cfg.Device.Uplink.Username),
		str("DEVICE_UPLINK_PASSWORD", &cfg.Device.Uplink.Password),
		str("DEVICE_UPLINK_TOKEN", &cfg.Device.Uplink.Token),
		num("DEVICE_OUTBOX_CAPACITY", &cfg.Device.Outbox.Capacity),
		str("DEVICE_OUTBOX_REBASE", &cfg.Device.Outbox.Rebase),
		str("BROKER_TRANSPORT_KIND", &cfg.Broker.Transport.Kind),
		str("BROKER_TRANSPORT_URL", &cfg.Broker.Transport.URL),
		str("BROKER_TRANSPORT_USERNAME", &cfg.Broker.Transport.Username),
		str("BROKER_TRANSPORT_PASSWORD", &cfg.Broker.Transport.Password),
		str("BROKER_TRANSPORT_TOKEN", &cfg.Broker.Transport.Token),
		str("BROKER_HTTP_ADDR", &cfg.Broker.HTTP.Addr),
		str("BROKER_STORE_KIND", &cfg.Broker.Store.Kind),
		str("BROKER_STORE_DSN", &cfg.Broker.Store.DSN),
		num("METRICS_PORT", &cfg.Metrics.Port),
		str("LOG_LEVEL", &cfg.Log.Level),
		str("LOG_FORMAT", &cfg.Log.Format),
	}
	for _, err := range overrides {
		if err != nil {
			return err
		}
	}
	return nil
}
