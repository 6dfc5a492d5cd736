// Package config loads bendlink settings from an optional YAML file on top of
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/datalog"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	DataLog     DataLogConfig     `yaml:"datalog"`
	Calibration CalibrationConfig `yaml:"calibration"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DiscoveryConfig selects which advertisements are listed.
type DiscoveryConfig struct {
	Name                string        `yaml:"name" default:"ads_eval_kit"`
	ServiceUUID         string        `yaml:"service_uuid"`
	Duration            time.Duration `yaml:"duration" default:"10s"`
	AllowNonConnectable bool          `yaml:"allow_non_connectable" default:"false"`
	AllowList           []string      `yaml:"allow_list"`
	BlockList           []string      `yaml:"block_list"`
}

// SensorConfig describes the sensor connection.
type SensorConfig struct {
	Address string `yaml:"address"`
	// AngleService overrides telemetry service auto-detection.
	AngleService         string        `yaml:"angle_service"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" default:"30s"`
	WriteWithoutResponse bool          `yaml:"write_without_response" default:"false"`
	// Stretch enables stretch readings on one axis sensors after connecting.
	Stretch bool `yaml:"stretch" default:"false"`
}

// TelemetryConfig tunes the ingestion ring and the consumer tick.
type TelemetryConfig struct {
	Tick         time.Duration `yaml:"tick" default:"25ms"`
	RingCapacity int           `yaml:"ring_capacity" default:"300"`
	ChartWindow  int           `yaml:"chart_window" default:"300"`
	AutoScale    bool          `yaml:"auto_scale" default:"false"`
}

// DataLogConfig controls CSV recording.
type DataLogConfig struct {
	Enabled         bool   `yaml:"enabled" default:"false"`
	Prefix          string `yaml:"prefix"`
	RotationMinutes int    `yaml:"rotation_minutes" default:"1"`
	Dir             string `yaml:"dir"`
}

// CalibrationConfig controls the pre-write countdown.
type CalibrationConfig struct {
	Countdown         bool          `yaml:"countdown" default:"true"`
	CountdownDuration time.Duration `yaml:"countdown_duration" default:"5s"`
}

// MQTTConfig enables the optional telemetry publisher.
type MQTTConfig struct {
	Enabled  bool          `yaml:"enabled" default:"false"`
	Broker   string        `yaml:"broker" default:"tcp://localhost:1883"`
	ClientID string        `yaml:"client_id" default:"bendlink"`
	Topic    string        `yaml:"topic" default:"bendlink/telemetry"`
	QoS      int           `yaml:"qos" default:"0"`
	Retained bool          `yaml:"retained" default:"false"`
	Timeout  time.Duration `yaml:"timeout" default:"5s"`
}

// LoggingConfig sets the process log level.
type LoggingConfig struct {
	Level string `yaml:"level" default:"info"`
}

var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges the components would otherwise reject at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.DataLog.RotationMinutes < datalog.MinRotationMinutes || c.DataLog.RotationMinutes > datalog.MaxRotationMinutes {
		errs = append(errs, fmt.Errorf("datalog.rotation_minutes must be between %d and %d, got %d",
			datalog.MinRotationMinutes, datalog.MaxRotationMinutes, c.DataLog.RotationMinutes))
	}
	if c.Telemetry.Tick <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.tick must be positive, got %s", c.Telemetry.Tick))
	}
	if c.Telemetry.RingCapacity <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.ring_capacity must be positive, got %d", c.Telemetry.RingCapacity))
	}
	if c.Telemetry.ChartWindow <= 0 {
		errs = append(errs, fmt.Errorf("telemetry.chart_window must be positive, got %d", c.Telemetry.ChartWindow))
	}
	if c.Calibration.CountdownDuration < 0 {
		errs = append(errs, fmt.Errorf("calibration.countdown_duration must not be negative"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, fmt.Errorf("mqtt.broker is required when mqtt is enabled"))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// LogLevel returns the parsed level, Info when unset or invalid.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(c.Logging.Level))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
