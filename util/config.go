package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

const Name = "tusk"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// FederationConfig tunes the ActivityPub federation engine.
type FederationConfig struct {
	ActorCacheTTL     time.Duration `yaml:"actorCacheTtl"`
	FetchTimeout      time.Duration `yaml:"fetchTimeout"`
	FetchMaxAttempts  int           `yaml:"fetchMaxAttempts"`
	DeliveryTimeout   time.Duration `yaml:"deliveryTimeout"`
	DeliveryWorkers   int           `yaml:"deliveryWorkers"`
	DeliveryQueueSize int           `yaml:"deliveryQueueSize"`
	RequireDigest     bool          `yaml:"requireDigest"`
	MaxClockSkew      time.Duration `yaml:"maxClockSkew"`
	DedupRetention    time.Duration `yaml:"dedupRetention"`
	SignedFetch       string        `yaml:"signedFetch"` // username of the local actor signing outbound GETs
}

// Validate validates the federation configuration.
func (c *FederationConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ActorCacheTTL, validation.Required),
		validation.Field(&c.FetchTimeout, validation.Required),
		validation.Field(&c.FetchMaxAttempts, validation.Required, validation.Min(1), validation.Max(10)),
		validation.Field(&c.DeliveryTimeout, validation.Required),
		validation.Field(&c.DeliveryWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.DeliveryQueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxClockSkew, validation.Required),
		validation.Field(&c.DedupRetention, validation.Required),
	)
}

// RedisConfig selects the optional Redis backed replay guard.
// An empty Addr keeps the replay guard in SQLite.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int `yaml:"db"`
}

type AppConfig struct {
	// Source is the file the configuration was read from, empty when only
	// the embedded defaults apply.
	Source string `yaml:"-"`

	Conf struct {
		Host       string
		HttpPort   int    `yaml:"httpPort"`
		SslDomain  string `yaml:"sslDomain"`
		Database   string
		LogLevel   string `yaml:"logLevel"`
		LogFormat  string `yaml:"logFormat"`
		Federation FederationConfig
		Redis      RedisConfig
	}
}

// Validate validates the whole configuration.
func (c *AppConfig) Validate() error {
	if err := validation.ValidateStruct(&c.Conf,
		validation.Field(&c.Conf.HttpPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Conf.SslDomain, validation.Required),
		validation.Field(&c.Conf.Database, validation.Required),
		validation.Field(&c.Conf.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Conf.LogFormat, validation.In("text", "json", "logfmt")),
	); err != nil {
		return err
	}
	return c.Conf.Federation.Validate()
}

// BaseURL returns the public origin of this instance, e.g. https://example.com
func (c *AppConfig) BaseURL() string {
	return fmt.Sprintf("https://%s", c.Conf.SslDomain)
}

// ReadConf loads the configuration from path. An empty path resolves
// config.yaml in the working directory first and the user config directory
// second; when neither exists the embedded defaults are used.
func ReadConf(path string) (*AppConfig, error) {
	c := &AppConfig{}

	// Defaults first so a partial file only overrides what it names
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}

	configPath, found := path, true
	if configPath == "" {
		configPath, found = lookupFile(ConfigFileName)
	}

	if found {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(buf, c); err != nil {
			return nil, fmt.Errorf("in config file: %w", err)
		}
		c.Source = configPath
	}

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return c, nil
}

func applyEnv(c *AppConfig) error {
	envHost := os.Getenv("TUSK_HOST")
	envHttpPort := os.Getenv("TUSK_HTTPPORT")
	envSslDomain := os.Getenv("TUSK_SSLDOMAIN")
	envDatabase := os.Getenv("TUSK_DATABASE")
	envLogLevel := os.Getenv("TUSK_LOG_LEVEL")
	envRedisAddr := os.Getenv("TUSK_REDIS_ADDR")
	envRedisPassword := os.Getenv("TUSK_REDIS_PASSWORD")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			return fmt.Errorf("invalid TUSK_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envDatabase != "" {
		c.Conf.Database = envDatabase
	}

	if envLogLevel != "" {
		c.Conf.LogLevel = envLogLevel
	}

	if envRedisAddr != "" {
		c.Conf.Redis.Addr = envRedisAddr
	}

	if envRedisPassword != "" {
		c.Conf.Redis.Password = envRedisPassword
	}

	return nil
}
