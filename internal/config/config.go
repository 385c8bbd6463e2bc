// Package config loads the YAML configuration file shared by the
// sensor-monitor commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agsys/sensor-monitor/internal/logger"
	"github.com/agsys/sensor-monitor/internal/notify"
	"github.com/agsys/sensor-monitor/internal/relay"
	"github.com/agsys/sensor-monitor/internal/series"
)

// ErrInvalid is returned for a configuration that fails validation
var ErrInvalid = errors.New("invalid configuration")

// Environment variables that override secrets from the file
const (
	EnvInfluxToken  = "SENSOR_INFLUX_TOKEN"
	EnvSMTPPassword = "SENSOR_SMTP_PASSWORD"
	EnvSMSAPIKey    = "SENSOR_SMS_API_KEY"
	EnvMQTTPassword = "SENSOR_MQTT_PASSWORD"
)

// Config represents the configuration file structure
type Config struct {
	Site struct {
		Name     string `yaml:"name"`
		Timezone string `yaml:"timezone"`
	} `yaml:"site"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Influx struct {
		URL           string `yaml:"url"`
		Token         string `yaml:"token"`
		Bucket        string `yaml:"bucket"`
		Org           string `yaml:"org"`
		QueryTimeout  int    `yaml:"query_timeout"`  // seconds
		FieldLookback int    `yaml:"field_lookback"` // seconds
	} `yaml:"influx"`

	Sweep struct {
		Interval        int `yaml:"interval"`         // seconds
		DefaultLookback int `yaml:"default_lookback"` // seconds
	} `yaml:"sweep"`

	Email struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
		TLS      string `yaml:"tls"`
		Timeout  int    `yaml:"timeout"` // seconds
	} `yaml:"email"`

	SMS struct {
		URL     string `yaml:"url"`
		APIKey  string `yaml:"api_key"`
		Sender  string `yaml:"sender"`
		Timeout int    `yaml:"timeout"` // seconds
	} `yaml:"sms"`

	MQTT struct {
		Broker   string   `yaml:"broker"`
		ClientID string   `yaml:"client_id"`
		Username string   `yaml:"username"`
		Password string   `yaml:"password"`
		Topics   []string `yaml:"topics"`
		QoS      int      `yaml:"qos"`
	} `yaml:"mqtt"`

	Relay struct {
		ListenAddr  string `yaml:"listen_addr"`
		WSPath      string `yaml:"ws_path"`
		ZMQEndpoint string `yaml:"zmq_endpoint"`
		Capacity    int    `yaml:"capacity"`
		Retention   int    `yaml:"retention"` // seconds
	} `yaml:"relay"`

	Health struct {
		Addr string `yaml:"addr"`
	} `yaml:"health"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
		Debug bool   `yaml:"debug"`
	} `yaml:"logging"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.Site.Name = notify.DefaultProduct
	cfg.Database.Path = "/var/lib/sensor-monitor/monitor.db"
	cfg.Influx.QueryTimeout = 30
	cfg.Influx.FieldLookback = 3600
	cfg.Sweep.Interval = 300
	cfg.Sweep.DefaultLookback = 3600
	cfg.Email.Port = 587
	cfg.Email.TLS = "mandatory"
	cfg.Email.Timeout = 30
	cfg.SMS.Timeout = 30
	cfg.MQTT.ClientID = "sensor-monitor-relay"
	cfg.MQTT.Topics = []string{"#"}
	cfg.Relay.ListenAddr = ":8090"
	cfg.Relay.WSPath = "/ws"
	cfg.Relay.Capacity = 500
	cfg.Relay.Retention = 3600
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads path over the defaults, applies environment overrides and
// validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvInfluxToken); v != "" {
		c.Influx.Token = v
	}
	if v := os.Getenv(EnvSMTPPassword); v != "" {
		c.Email.Password = v
	}
	if v := os.Getenv(EnvSMSAPIKey); v != "" {
		c.SMS.APIKey = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	var problems []string
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Site.Timezone != "" {
		if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("site.timezone %q is unknown", c.Site.Timezone))
		}
	}
	if c.Sweep.Interval <= 0 {
		problems = append(problems, "sweep.interval must be positive")
	}
	if c.Sweep.DefaultLookback <= 0 {
		problems = append(problems, "sweep.default_lookback must be positive")
	}
	if c.Email.Host != "" && c.Email.From == "" {
		problems = append(problems, "email.from is required when email.host is set")
	}
	switch c.Email.TLS {
	case "", "mandatory", "opportunistic", "none":
	default:
		problems = append(problems, fmt.Sprintf("email.tls %q must be mandatory, opportunistic or none", c.Email.TLS))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		problems = append(problems, "mqtt.qos must be 0, 1 or 2")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// SweepInterval is the delay between sweeps of the run command
func (c *Config) SweepInterval() time.Duration {
	return secondsToDuration(c.Sweep.Interval)
}

// DefaultLookback is the window used when no checkpoint is stored
func (c *Config) DefaultLookback() time.Duration {
	return secondsToDuration(c.Sweep.DefaultLookback)
}

// SeriesConfig returns the time-series connection settings from the file.
// Blank fields are filled from the database settings by the engine.
func (c *Config) SeriesConfig() series.Config {
	sc := series.DefaultConfig()
	sc.URL = c.Influx.URL
	sc.Token = c.Influx.Token
	sc.Bucket = c.Influx.Bucket
	sc.Org = c.Influx.Org
	if c.Influx.QueryTimeout > 0 {
		sc.QueryTimeout = secondsToDuration(c.Influx.QueryTimeout)
	}
	if c.Influx.FieldLookback > 0 {
		sc.FieldLookback = secondsToDuration(c.Influx.FieldLookback)
	}
	return sc
}

// SMTPConfig returns the mail settings and whether email is configured
func (c *Config) SMTPConfig() (notify.SMTPConfig, bool) {
	return notify.SMTPConfig{
		Host:     c.Email.Host,
		Port:     c.Email.Port,
		Username: c.Email.Username,
		Password: c.Email.Password,
		From:     c.Email.From,
		TLS:      c.Email.TLS,
		Timeout:  secondsToDuration(c.Email.Timeout),
	}, c.Email.Host != ""
}

// SMSConfig returns the SMS gateway settings and whether SMS is configured
func (c *Config) SMSConfig() (notify.SMSConfig, bool) {
	return notify.SMSConfig{
		URL:     c.SMS.URL,
		APIKey:  c.SMS.APIKey,
		Sender:  c.SMS.Sender,
		Timeout: secondsToDuration(c.SMS.Timeout),
	}, c.SMS.URL != ""
}

// MQTTConfig returns the broker settings for the relay
func (c *Config) MQTTConfig() relay.MQTTConfig {
	return relay.MQTTConfig{
		Broker:   c.MQTT.Broker,
		ClientID: c.MQTT.ClientID,
		Username: c.MQTT.Username,
		Password: c.MQTT.Password,
		Topics:   c.MQTT.Topics,
		QoS:      byte(c.MQTT.QoS),
	}
}

// RelayConfig returns the relay history settings
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		Capacity:  c.Relay.Capacity,
		Retention: secondsToDuration(c.Relay.Retention),
	}
}

// LoggerConfig returns the logger settings
func (c *Config) LoggerConfig() logger.Config {
	lc := logger.DefaultConfig()
	if c.Logging.Level != "" {
		lc.Level = c.Logging.Level
	}
	if c.Logging.File != "" {
		lc.Output = c.Logging.File
	}
	lc.Debug = c.Logging.Debug
	return lc
}
