package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/pkg/security"
)

// Transport kinds.
const (
	TransportMQTT = "mqtt"
	TransportNATS = "nats"
)

// Store kinds.
const (
	StorePostgres  = "postgres"
	StoreMongo     = "mongo"
	StoreJetStream = "jetstream"
	StoreNone      = "none"
)

// Config is the full configuration of both binaries. Each binary reads the
// sections it needs.
type Config struct {
	Version string        `json:"version,omitempty"`
	Device  DeviceConfig  `json:"device"`
	Broker  BrokerConfig  `json:"broker"`
	Metrics MetricsConfig `json:"metrics"`
	Log     LogConfig     `json:"log"`
}

// TransportConfig selects and configures the message bus client.
type TransportConfig struct {
	Kind     string `json:"kind"`
	URL      string `json:"url"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	// Prefix is the MQTT topic prefix or the NATS subject prefix.
	Prefix         string                   `json:"prefix,omitempty"`
	QoS            int                      `json:"qos,omitempty"`
	ConnectTimeout time.Duration            `json:"connect_timeout,omitempty"`
	TLS            security.ClientTLSConfig `json:"tls,omitempty"`
}

// DeviceConfig configures the edge binary.
type DeviceConfig struct {
	ID      string          `json:"id"`
	Uplink  TransportConfig `json:"uplink"`
	Outbox  OutboxConfig    `json:"outbox"`
	Link    LinkConfig      `json:"link"`
	Sensors []SensorConfig  `json:"sensors"`
}

// OutboxConfig sizes the store-and-forward buffer.
type OutboxConfig struct {
	Capacity      int    `json:"capacity"`
	LiveQueueSize int    `json:"live_queue_size,omitempty"`
	Rebase        string `json:"rebase,omitempty"`
}

// LinkConfig bounds reconnects before the device gives up.
type LinkConfig struct {
	MaxConnectAttempts int           `json:"max_connect_attempts"`
	RetryDelay         time.Duration `json:"retry_delay"`
	PublishTimeout     time.Duration `json:"publish_timeout,omitempty"`
}

// SensorConfig configures one acquisition loop. Kind is the driver name.
type SensorConfig struct {
	Kind         string        `json:"kind"`
	Name         string        `json:"name,omitempty"`
	Bus          string        `json:"bus,omitempty"`
	Disabled     bool          `json:"disabled,omitempty"`
	SampleEvery  time.Duration `json:"sample_every"`
	LiveEvery    time.Duration `json:"live_every"`
	DurableEvery time.Duration `json:"durable_every"`
	ErrorCeiling int           `json:"error_ceiling,omitempty"`
	ErrorWindow  time.Duration `json:"error_window,omitempty"`
	ReinitDelay  time.Duration `json:"reinit_delay,omitempty"`
	Sim          SimConfig     `json:"sim,omitempty"`
}

// SimConfig tunes the synthetic drivers.
type SimConfig struct {
	ReadFailureRate float64       `json:"read_failure_rate,omitempty"`
	FailReinit      bool          `json:"fail_reinit,omitempty"`
	Seed            int64         `json:"seed,omitempty"`
	BPM             float64       `json:"bpm,omitempty"`
	StepRate        float64       `json:"step_rate,omitempty"`
	PressEvery      time.Duration `json:"press_every,omitempty"`
}

// BrokerConfig configures the backend binary.
type BrokerConfig struct {
	Transport TransportConfig `json:"transport"`
	HTTP      HTTPConfig      `json:"http"`
	Hub       HubConfig       `json:"hub"`
	Store     StoreConfig     `json:"store"`
}

// HTTPConfig is the websocket listener.
type HTTPConfig struct {
	Addr            string                   `json:"addr"`
	WSPath          string                   `json:"ws_path"`
	AllowedOrigins  []string                 `json:"allowed_origins,omitempty"`
	ShutdownTimeout time.Duration            `json:"shutdown_timeout,omitempty"`
	TLS             security.ServerTLSConfig `json:"tls,omitempty"`
}

// HubConfig sizes subscriber queues and bounds inbound session frames.
type HubConfig struct {
	SubscriberBuffer int     `json:"subscriber_buffer"`
	FrameRate        float64 `json:"frame_rate,omitempty"`
	FrameBurst       int     `json:"frame_burst,omitempty"`
}

// StoreConfig selects the durable backend and its writer.
type StoreConfig struct {
	Kind     string `json:"kind"`
	DSN      string `json:"dsn,omitempty"`
	Database string `json:"database,omitempty"`
	// TablePrefix names the per-driver Postgres tables.
	TablePrefix string        `json:"table_prefix,omitempty"`
	Migrate     bool          `json:"migrate,omitempty"`
	Stream      string        `json:"stream,omitempty"`
	MaxAge      time.Duration `json:"max_age,omitempty"`

	Workers         int           `json:"workers"`
	QueueSize       int           `json:"queue_size"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	BreakerFailures int           `json:"breaker_failures"`
	BreakerDelay    time.Duration `json:"breaker_delay"`
}

// MetricsConfig is the prometheus and health listener. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validating it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config cannot be nil", errors.ErrMissingConfig)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, t := range []*TransportConfig{&masked.Device.Uplink, &masked.Broker.Transport} {
		if t.Password != "" {
			t.Password = "***"
		}
		if t.Token != "" {
			t.Token = "***"
		}
	}
	if masked.Broker.Store.DSN != "" {
		masked.Broker.Store.DSN = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks both binaries' sections.
func (c *Config) Validate() error {
	if err := c.ValidateDevice(); err != nil {
		return err
	}
	return c.ValidateBroker()
}

// ValidateDevice checks the sections the device binary reads.
func (c *Config) ValidateDevice() error {
	d := c.Device
	if d.ID == "" {
		return invalid("device.id is required")
	}
	if !isValidSubjectPart(d.ID) {
		return invalid("device.id %q must be alphanumeric with dashes, underscores or dots", d.ID)
	}
	if err := d.Uplink.validate("device.uplink"); err != nil {
		return err
	}
	if d.Outbox.Capacity <= 0 {
		return invalid("device.outbox.capacity must be positive, got %d", d.Outbox.Capacity)
	}
	switch d.Outbox.Rebase {
	case "", "now", "queue_age", "capture":
	default:
		return invalid("device.outbox.rebase %q must be now, queue_age or capture", d.Outbox.Rebase)
	}
	if d.Link.MaxConnectAttempts <= 0 {
		return invalid("device.link.max_connect_attempts must be positive")
	}
	if d.Link.RetryDelay < 0 {
		return invalid("device.link.retry_delay must not be negative")
	}

	seen := make(map[string]bool, len(d.Sensors))
	for i, s := range d.Sensors {
		if _, err := message.ParseDriver(s.Kind); err != nil {
			return invalid("device.sensors[%d].kind %q is not a known driver", i, s.Kind)
		}
		name := s.Name
		if name == "" {
			name = s.Kind
		}
		if seen[name] {
			return invalid("device.sensors[%d]: duplicate sensor name %q", i, name)
		}
		seen[name] = true
		if s.SampleEvery <= 0 {
			return invalid("device.sensors[%d].sample_every must be positive", i)
		}
		if s.Sim.ReadFailureRate < 0 || s.Sim.ReadFailureRate > 1 {
			return invalid("device.sensors[%d].sim.read_failure_rate must be within [0,1]", i)
		}
	}
	return c.validateCommon()
}

// ValidateBroker checks the sections the broker binary reads.
func (c *Config) ValidateBroker() error {
	b := c.Broker
	if err := b.Transport.validate("broker.transport"); err != nil {
		return err
	}
	if b.HTTP.Addr == "" {
		return invalid("broker.http.addr is required")
	}
	if b.HTTP.WSPath == "" || b.HTTP.WSPath[0] != '/' {
		return invalid("broker.http.ws_path %q must start with /", b.HTTP.WSPath)
	}
	if b.HTTP.TLS.Enabled && (b.HTTP.TLS.CertFile == "" || b.HTTP.TLS.KeyFile == "") {
		return invalid("broker.http.tls needs cert_file and key_file")
	}
	if b.Hub.SubscriberBuffer <= 0 {
		return invalid("broker.hub.subscriber_buffer must be positive")
	}
	if b.Hub.FrameRate < 0 || b.Hub.FrameBurst < 0 {
		return invalid("broker.hub.frame_rate and frame_burst must not be negative")
	}

	s := b.Store
	switch s.Kind {
	case StorePostgres:
		if s.DSN == "" {
			return invalid("broker.store.dsn is required for postgres")
		}
	case StoreMongo:
		if s.DSN == "" {
			return invalid("broker.store.dsn is required for mongo")
		}
	case StoreJetStream:
		if b.Transport.Kind != TransportNATS && s.DSN == "" {
			return invalid("broker.store.dsn is required for jetstream unless the transport is nats")
		}
	case StoreNone:
	default:
		return invalid("broker.store.kind %q must be postgres, mongo, jetstream or none", s.Kind)
	}
	if s.Workers <= 0 || s.QueueSize <= 0 {
		return invalid("broker.store.workers and queue_size must be positive")
	}
	if s.BreakerFailures <= 0 {
		return invalid("broker.store.breaker_failures must be positive")
	}
	return c.validateCommon()
}

func (c *Config) validateCommon() error {
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return invalid("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}

func (t TransportConfig) validate(section string) error {
	switch t.Kind {
	case TransportMQTT, TransportNATS:
	default:
		return invalid("%s.kind %q must be mqtt or nats", section, t.Kind)
	}
	if t.URL == "" {
		return invalid("%s.url is required", section)
	}
	if t.QoS < 0 || t.QoS > 2 {
		return invalid("%s.qos must be 0, 1 or 2", section)
	}
	if t.Kind == TransportNATS && t.Prefix != "" && !isValidSubjectPart(t.Prefix) {
		return invalid("%s.prefix %q is not valid for NATS subjects", section, t.Prefix)
	}
	if (t.TLS.CertFile == "") != (t.TLS.KeyFile == "") {
		return invalid("%s.tls cert_file and key_file must be set together", section)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "validate configuration")
}

// isValidSubjectPart reports whether s is usable inside a NATS subject.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}
