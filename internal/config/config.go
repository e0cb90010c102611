package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALLCTL_"

type Config struct {
	Client    ClientConfig    `yaml:"client" envPrefix:"CLIENT_"`
	MQTT      MQTTConfig      `yaml:"mqtt" envPrefix:"MQTT_"`
	Timing    TimingConfig    `yaml:"timing" envPrefix:"TIMING_"`
	Directory DirectoryConfig `yaml:"directory" envPrefix:"DIRECTORY_"`
	History   HistoryConfig   `yaml:"history" envPrefix:"HISTORY_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type ClientConfig struct {
	Extension     string `yaml:"extension" env:"EXTENSION"`
	Studio        string `yaml:"studio" env:"STUDIO"`
	Role          string `yaml:"role" env:"ROLE"`
	LookupWorkers int    `yaml:"lookup_workers" env:"LOOKUP_WORKERS"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"BROKER"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`
	Topic    string `yaml:"topic" env:"TOPIC"`
	QoS      int    `yaml:"qos" env:"QOS"`
}

type TimingConfig struct {
	ClickGrace          time.Duration `yaml:"click_grace" env:"CLICK_GRACE"`
	BlinkInterval       time.Duration `yaml:"blink_interval" env:"BLINK_INTERVAL"`
	AnswerRetryInterval time.Duration `yaml:"answer_retry_interval" env:"ANSWER_RETRY_INTERVAL"`
	AnswerRetryAttempts int           `yaml:"answer_retry_attempts" env:"ANSWER_RETRY_ATTEMPTS"`
	FlushPoll           time.Duration `yaml:"flush_poll" env:"FLUSH_POLL"`
	FlushWindow         time.Duration `yaml:"flush_window" env:"FLUSH_WINDOW"`
}

type DirectoryConfig struct {
	// Extensions maps internal extensions to display names.
	Extensions map[string]string `yaml:"extensions"`
	Redis      RedisConfig       `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig enables the Redis person directory when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// HistoryConfig enables the SQLite history log when Path is set.
type HistoryConfig struct {
	Path          string        `yaml:"path" env:"PATH"`
	Retention     time.Duration `yaml:"retention" env:"RETENTION"`
	PruneInterval time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// ZerologLevel returns the parsed level. Load has already validated it.
func (c *LogConfig) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func defaults() *Config {
	return &Config{
		Client: ClientConfig{
			Role:          "operator",
			LookupWorkers: 2,
		},
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
			Topic:  "callctl/control",
			QoS:    1,
		},
		Timing: TimingConfig{
			ClickGrace:          3 * time.Second,
			BlinkInterval:       500 * time.Millisecond,
			AnswerRetryInterval: 500 * time.Millisecond,
			AnswerRetryAttempts: 3,
			FlushPoll:           100 * time.Millisecond,
			FlushWindow:         1000 * time.Millisecond,
		},
		Directory: DirectoryConfig{
			Redis: RedisConfig{Prefix: "callctl:directory"},
		},
		History: HistoryConfig{
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadEnv loads the dotenv file named by ENV_FILE, or .env, into the
// process environment. A missing default .env is not an error.
func LoadEnv() error {
	if envfile := os.Getenv("ENV_FILE"); envfile != "" {
		if err := godotenv.Load(envfile); err != nil {
			return fmt.Errorf("loading %s: %w", envfile, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// Load reads the YAML file at path over the defaults, applies CALLCTL_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "callctl-" + uuid.NewString()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Client.Extension == "" {
		return fmt.Errorf("client.extension is required")
	}
	if c.Client.Role != "operator" && c.Client.Role != "studio" {
		return fmt.Errorf("client.role must be operator or studio, got %q", c.Client.Role)
	}
	if c.Client.LookupWorkers < 1 {
		return fmt.Errorf("client.lookup_workers must be at least 1, got %d", c.Client.LookupWorkers)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be between 0 and 2, got %d", c.MQTT.QoS)
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"timing.click_grace", c.Timing.ClickGrace},
		{"timing.blink_interval", c.Timing.BlinkInterval},
		{"timing.answer_retry_interval", c.Timing.AnswerRetryInterval},
		{"timing.flush_poll", c.Timing.FlushPoll},
		{"timing.flush_window", c.Timing.FlushWindow},
	} {
		if t.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", t.name, t.d)
		}
	}
	if c.Timing.AnswerRetryAttempts < 1 {
		return fmt.Errorf("timing.answer_retry_attempts must be at least 1, got %d", c.Timing.AnswerRetryAttempts)
	}
	if c.History.Path != "" && c.History.Retention <= 0 {
		return fmt.Errorf("history.retention must be positive, got %s", c.History.Retention)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	return nil
}
