// Package config loads the tracker configuration from a YAML file, the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/sweeney/fmip-tracker/internal/logger"
)

// DefaultUpdateInterval is used for accounts that do not set update_interval.
const DefaultUpdateInterval = 5

// Config is the full tracker configuration.
type Config struct {
	Log          logger.Config `yaml:"log"`
	MQTT         MQTT          `yaml:"mqtt"`
	HTTP         HTTP          `yaml:"http"`
	FMIP         FMIP          `yaml:"fmip"`
	Influx       Influx        `yaml:"influx"`
	KnownDevices string        `yaml:"known_devices" env:"FMIP_KNOWN_DEVICES"`
	Accounts     []Account     `yaml:"accounts"`

	// Single account from the environment, used when Accounts is empty.
	EnvUsername string `yaml:"-" env:"FMIP_USERNAME"`
	EnvPassword string `yaml:"-" env:"FMIP_PASSWORD"`
}

// MQTT configures the broker connection. An empty broker disables MQTT.
type MQTT struct {
	Broker       string        `yaml:"broker" env:"MQTT_BROKER"`
	ClientID     string        `yaml:"client_id" env:"MQTT_CLIENT_ID" env-default:"fmip-tracker"`
	TopicPrefix  string        `yaml:"topic_prefix" env:"MQTT_TOPIC_PREFIX" env-default:"fmip"`
	CommandTopic string        `yaml:"command_topic" env:"MQTT_COMMAND_TOPIC"`
	BufferSize   int           `yaml:"buffer_size" env:"MQTT_BUFFER_SIZE" env-default:"1000"`
	Heartbeat    time.Duration `yaml:"heartbeat" env:"MQTT_HEARTBEAT" env-default:"15m"`
}

// HTTP configures the status server. An empty address disables it.
type HTTP struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
}

// FMIP configures the upstream device service.
type FMIP struct {
	BaseURL string        `yaml:"base_url" env:"FMIP_BASE_URL" env-default:"https://fmipmobile.icloud.com/fmipservice/device"`
	Timeout time.Duration `yaml:"timeout" env:"FMIP_TIMEOUT" env-default:"30s"`
}

// Influx configures position history. It is disabled unless URL is set.
type Influx struct {
	URL    string `yaml:"url" env:"INFLUX_URL"`
	Token  string `yaml:"token" env:"INFLUX_TOKEN"`
	Org    string `yaml:"org" env:"INFLUX_ORG"`
	Bucket string `yaml:"bucket" env:"INFLUX_BUCKET" env-default:"fmip"`
}

// Enabled reports whether an InfluxDB URL is configured.
func (i Influx) Enabled() bool { return i.URL != "" }

// Account is one set of upstream credentials.
type Account struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	UpdateInterval *int   `yaml:"update_interval"`
}

// Interval returns the configured interval, or DefaultUpdateInterval.
func (a Account) Interval() int {
	if a.UpdateInterval == nil {
		return DefaultUpdateInterval
	}
	return *a.UpdateInterval
}

// Load reads .env (if present), then the YAML file at path (if set), then
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and fills in derived values. Intervals
// below one minute are clamped to one with a warning.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 && c.EnvUsername != "" {
		c.Accounts = []Account{{Username: c.EnvUsername, Password: c.EnvPassword}}
	}
	if len(c.Accounts) == 0 {
		return errors.New("config: no accounts configured")
	}

	seen := make(map[string]bool, len(c.Accounts))
	log := logger.WithComponent("config")
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Username = strings.TrimSpace(a.Username)
		if a.Username == "" {
			return fmt.Errorf("config: account %d: username is required", i)
		}
		if a.Password == "" {
			return fmt.Errorf("config: account %s: password is required", a.Username)
		}
		if seen[a.Username] {
			return fmt.Errorf("config: account %s listed twice", a.Username)
		}
		seen[a.Username] = true

		if a.UpdateInterval != nil && *a.UpdateInterval < 1 {
			log.Warn().Str("account", a.Username).Int("update_interval", *a.UpdateInterval).
				Msg("update_interval below 1, using 1")
			one := 1
			a.UpdateInterval = &one
		}
	}

	if c.MQTT.CommandTopic == "" && c.MQTT.TopicPrefix != "" {
		c.MQTT.CommandTopic = strings.TrimSuffix(c.MQTT.TopicPrefix, "/") + "/command"
	}
	if c.Influx.Enabled() && c.Influx.Org == "" {
		return errors.New("config: influx.org is required when influx.url is set")
	}
	if c.FMIP.Timeout < 0 {
		return errors.New("config: fmip.timeout must not be negative")
	}
	return nil
}
