package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	WorkerID string        `yaml:"worker_id"`
	Port     string        `yaml:"port"`
	Redis    RedisConfig   `yaml:"redis"`
	Database DBConfig      `yaml:"database"`
	Switch   SwitchConfig  `yaml:"switch"`
	Kafka    KafkaConfig   `yaml:"kafka"`
	Lease    LeaseConfig   `yaml:"lease"`
	Dialer   DialerConfig  `yaml:"dialer"`
	Queue    QueueConfig   `yaml:"queue"`
	Logging  LoggingConfig `yaml:"logging"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

// SwitchConfig points at the switch management interface (AMI).
type SwitchConfig struct {
	Addr           string        `yaml:"addr"`
	Username       string        `yaml:"username"`
	Secret         string        `yaml:"secret"`
	Context        string        `yaml:"context"`
	Extension      string        `yaml:"extension"`
	ChannelPrefix  string        `yaml:"channel_prefix"`
	CallerID       string        `yaml:"caller_id"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	ActionTimeout  time.Duration `yaml:"action_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	CallCeiling    time.Duration `yaml:"call_ceiling"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// Outcomes buffered in memory while the brokers are slow.
	Buffer int `yaml:"buffer"`
}

type LeaseConfig struct {
	LockTTL           time.Duration `yaml:"lock_ttl"`
	LivenessWindow    time.Duration `yaml:"liveness_window"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClaimInterval     time.Duration `yaml:"claim_interval"`
	MaxCampaigns      int           `yaml:"max_campaigns"`
}

type DialerConfig struct {
	CycleInterval time.Duration `yaml:"cycle_interval"`
	StatsWindow   time.Duration `yaml:"stats_window"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

type QueueConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryDelayBase  time.Duration `yaml:"retry_delay_base"`
	ResultTTL       time.Duration `yaml:"result_ttl"`
	DeadLetterTTL   time.Duration `yaml:"dead_letter_ttl"`
	OrphanTimeout   time.Duration `yaml:"orphan_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	PopTimeout      time.Duration `yaml:"pop_timeout"`
	Consumers       int           `yaml:"consumers"`
	HeartbeatTTL    time.Duration `yaml:"heartbeat_ttl"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration usable against a local Redis and switch.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		WorkerID: host,
		Port:     "8080",
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "dialer",
		},
		Database: DBConfig{Path: "dialer.db"},
		Switch: SwitchConfig{
			Addr:           "localhost:5038",
			Username:       "dialer",
			Context:        "dialer-outbound",
			Extension:      "s",
			ChannelPrefix:  "Local/",
			DialTimeout:    30 * time.Second,
			ActionTimeout:  5 * time.Second,
			PingInterval:   20 * time.Second,
			ReconnectDelay: 2 * time.Second,
			CallCeiling:    time.Hour,
		},
		Kafka: KafkaConfig{Topic: "dialer.call-outcomes", Buffer: 1024},
		Lease: LeaseConfig{
			LockTTL:           60 * time.Second,
			LivenessWindow:    2 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			ClaimInterval:     5 * time.Second,
			MaxCampaigns:      16,
		},
		Dialer: DialerConfig{
			CycleInterval: time.Second,
			StatsWindow:   time.Hour,
			MaxBackoff:    time.Hour,
		},
		Queue: QueueConfig{
			MaxAttempts:     5,
			RetryDelayBase:  5 * time.Second,
			ResultTTL:       24 * time.Hour,
			DeadLetterTTL:   7 * 24 * time.Hour,
			OrphanTimeout:   5 * time.Minute,
			SweepInterval:   time.Second,
			PopTimeout:      2 * time.Second,
			Consumers:       2,
			HeartbeatTTL:    15 * time.Second,
			HeartbeatPeriod: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.WorkerID = getEnv("WORKER_ID", cfg.WorkerID)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Database.Path = getEnv("DB_PATH", cfg.Database.Path)
	cfg.Switch.Addr = getEnv("AMI_ADDR", cfg.Switch.Addr)
	cfg.Switch.Username = getEnv("AMI_USER", cfg.Switch.Username)
	cfg.Switch.Secret = getEnv("AMI_SECRET", cfg.Switch.Secret)
	cfg.Switch.Context = getEnv("AMI_CONTEXT", cfg.Switch.Context)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.Kafka.Brokers = splitCSV(v)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.Buffer = getEnvInt("KAFKA_BUFFER", cfg.Kafka.Buffer)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Lease.MaxCampaigns = getEnvInt("MAX_CAMPAIGNS", cfg.Lease.MaxCampaigns)
	cfg.Queue.Consumers = getEnvInt("QUEUE_CONSUMERS", cfg.Queue.Consumers)
}

// Validate rejects timing combinations that break lease or queue semantics.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WorkerID) == "" {
		errs = append(errs, errors.New("worker_id is required"))
	}
	if c.Lease.LockTTL <= 0 {
		errs = append(errs, errors.New("lease.lock_ttl must be positive"))
	}
	if c.Lease.HeartbeatInterval <= 0 || c.Lease.HeartbeatInterval >= c.Lease.LivenessWindow {
		errs = append(errs, errors.New("lease.heartbeat_interval must be positive and shorter than lease.liveness_window"))
	}
	if c.Dialer.CycleInterval <= 0 {
		errs = append(errs, errors.New("dialer.cycle_interval must be positive"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.HeartbeatPeriod <= 0 || c.Queue.HeartbeatPeriod >= c.Queue.HeartbeatTTL {
		errs = append(errs, errors.New("queue.heartbeat_period must be positive and shorter than queue.heartbeat_ttl"))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, err := fmt.Sscanf(v, "%d", &n)
		if err == nil {
			return n
		}
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
