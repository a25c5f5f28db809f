package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/srg/blefleet/internal/device"
	"github.com/srg/blefleet/internal/publish"
)

// EnvPrefix prefixes environment overrides, e.g. BLEFLEET_MQTT_BROKER.
const EnvPrefix = "BLEFLEET"

// MQTTConfig describes the optional status/telemetry publisher.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled" default:"false"`
	Broker         string        `mapstructure:"broker" default:"tcp://localhost:1883"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix" default:"blefleet"`
	QoS            uint8         `mapstructure:"qos" default:"1"`
	KeepAlive      time.Duration `mapstructure:"keep_alive" default:"60s"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" default:"10s"`
	OutboxSize     uint32        `mapstructure:"outbox_size" default:"256"`
}

// Config holds application configuration
type Config struct {
	LogLevel              string        `mapstructure:"log_level" default:"info"`
	RSSIMin               int           `mapstructure:"rssi_min" default:"-90"`
	RSSIMax               int           `mapstructure:"rssi_max" default:"-15"`
	AllowDuplicatesInScan bool          `mapstructure:"allow_duplicates_in_scan" default:"false"`
	StayConnected         bool          `mapstructure:"stay_connected" default:"false"`
	SpecFile              string        `mapstructure:"spec_file"`
	ScanDuration          time.Duration `mapstructure:"scan_duration" default:"10s"`
	ResponseTimeout       time.Duration `mapstructure:"response_timeout" default:"5s"`
	OutputFormat          string        `mapstructure:"output_format" default:"table"`
	MQTT                  MQTTConfig    `mapstructure:"mqtt"`
}

// OutputFormats lists the accepted OutputFormat values.
var OutputFormats = []string{"table", "json"}

// keys are bound to the environment; viper only resolves env vars for known keys.
var keys = []string{
	"log_level", "rssi_min", "rssi_max", "allow_duplicates_in_scan", "stay_connected",
	"spec_file", "scan_duration", "response_timeout", "output_format",
	"mqtt.enabled", "mqtt.broker", "mqtt.client_id", "mqtt.username", "mqtt.password",
	"mqtt.topic_prefix", "mqtt.qos", "mqtt.keep_alive", "mqtt.connect_timeout", "mqtt.outbox_size",
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load overlays the YAML file at path (optional) and BLEFLEET_* environment
// variables on the defaults, then validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.RSSIMin >= c.RSSIMax {
		errs = append(errs, fmt.Errorf("rssi range [%d, %d) is empty", c.RSSIMin, c.RSSIMax))
	}
	if c.ScanDuration < 0 {
		errs = append(errs, fmt.Errorf("scan_duration must not be negative"))
	}
	if c.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("response_timeout must be positive"))
	}
	valid := false
	for _, f := range OutputFormats {
		if c.OutputFormat == f {
			valid = true
			break
		}
	}
	if !valid {
		errs = append(errs, fmt.Errorf("output_format %q is not one of %s", c.OutputFormat, strings.Join(OutputFormats, ", ")))
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker is required when mqtt is enabled"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS))
		}
		if c.MQTT.OutboxSize == 0 || c.MQTT.OutboxSize > publish.MaxOutboxSize {
			errs = append(errs, fmt.Errorf("mqtt.outbox_size must be in 1..%d", publish.MaxOutboxSize))
		}
	}
	return errors.Join(errs...)
}

// Level parses LogLevel, falling back to Info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// SpecRegistry returns the built-in device specs plus those of SpecFile.
func (c *Config) SpecRegistry() (*device.SpecRegistry, error) {
	if c.SpecFile == "" {
		return device.DefaultSpecRegistry(), nil
	}
	f, err := os.Open(c.SpecFile)
	if err != nil {
		return nil, fmt.Errorf("open spec file: %w", err)
	}
	defer f.Close()

	specs, err := device.LoadSpecs(f)
	if err != nil {
		return nil, fmt.Errorf("load spec file %s: %w", c.SpecFile, err)
	}
	return device.DefaultSpecRegistry(specs...), nil
}

// DriverOptions projects the configuration into driver options.
func (c *Config) DriverOptions(logger *logrus.Logger) ([]device.Option, error) {
	registry, err := c.SpecRegistry()
	if err != nil {
		return nil, err
	}
	return []device.Option{
		device.WithLogger(logger),
		device.WithAllowDuplicatesInScan(c.AllowDuplicatesInScan),
		device.WithStayConnected(c.StayConnected),
		device.WithRSSIRange(c.RSSIMin, c.RSSIMax),
		device.WithSpecRegistry(registry),
	}, nil
}

// ClientConfig projects the MQTT section into a broker connection config.
func (m MQTTConfig) ClientConfig() publish.Config {
	return publish.Config{
		Broker:         m.Broker,
		ClientID:       m.ClientID,
		Username:       m.Username,
		Password:       m.Password,
		KeepAlive:      m.KeepAlive,
		ConnectTimeout: m.ConnectTimeout,
		AutoReconnect:  true,
	}
}

// PublisherOptions projects the MQTT section into publisher options.
func (m MQTTConfig) PublisherOptions(logger *logrus.Logger) []publish.Option {
	return []publish.Option{
		publish.WithLogger(logger),
		publish.WithTopicPrefix(m.TopicPrefix),
		publish.WithQoS(m.QoS),
		publish.WithOutboxSize(m.OutboxSize),
	}
}
