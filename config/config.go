package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the aggregation service
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Distribution DistributionConfig `mapstructure:"distribution"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	Env      string `mapstructure:"env"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string        `mapstructure:"address"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr joins host and port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string, preferring the explicit url.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// DistributionConfig controls channel-to-session assignment.
type DistributionConfig struct {
	MaxChannelsPerAccount int           `mapstructure:"max_channels_per_account"`
	LockTTL               time.Duration `mapstructure:"lock_ttl"`
	SessionDir            string        `mapstructure:"session_dir"`
}

// Normalize applies defaults for unset distribution values.
func (d DistributionConfig) Normalize() DistributionConfig {
	if d.MaxChannelsPerAccount <= 0 {
		d.MaxChannelsPerAccount = 20
	}
	if d.LockTTL <= 0 {
		d.LockTTL = 300 * time.Second
	}
	d.SessionDir = strings.TrimSpace(d.SessionDir)
	if d.SessionDir == "" {
		d.SessionDir = "sessions"
	}
	return d
}

// QueueConfig describes the task stream consumed by workers.
type QueueConfig struct {
	Stream    string        `mapstructure:"stream"`
	Group     string        `mapstructure:"group"`
	ResultTTL time.Duration `mapstructure:"result_ttl"`
	Block     time.Duration `mapstructure:"block"`
	MaxLen    int64         `mapstructure:"max_len"`
}

// Normalize applies defaults for unset queue values.
func (q QueueConfig) Normalize() QueueConfig {
	if strings.TrimSpace(q.Stream) == "" {
		q.Stream = "distribution.tasks"
	}
	if strings.TrimSpace(q.Group) == "" {
		q.Group = "distribution-workers"
	}
	if q.ResultTTL <= 0 {
		q.ResultTTL = 24 * time.Hour
	}
	if q.Block <= 0 {
		q.Block = 5 * time.Second
	}
	if q.MaxLen <= 0 {
		q.MaxLen = 10000
	}
	return q
}

// SchedulerConfig holds cron specs for periodic maintenance. Empty specs disable the job.
type SchedulerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	CleanDupsCron  string        `mapstructure:"clean_duplicates_cron"`
	DistributeCron string        `mapstructure:"distribute_cron"`
	Tick           time.Duration `mapstructure:"tick"`
}

// Normalize applies defaults for unset scheduler values.
func (s SchedulerConfig) Normalize() SchedulerConfig {
	if s.Tick <= 0 {
		s.Tick = time.Minute
	}
	s.CleanDupsCron = strings.TrimSpace(s.CleanDupsCron)
	s.DistributeCron = strings.TrimSpace(s.DistributeCron)
	return s
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

// Load reads and validates the configuration without panicking.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.token_ttl", "24h")
	v.SetDefault("telemetry.service_name", "teleagg")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("distribution.max_channels_per_account", 20)
	v.SetDefault("distribution.lock_ttl", "300s")
	v.SetDefault("scheduler.clean_duplicates_cron", "@daily")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TELEAGG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (TELEAGG_*)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.Distribution = config.Distribution.Normalize()
	config.Queue = config.Queue.Normalize()
	config.Scheduler = config.Scheduler.Normalize()

	if err := config.Server.Validate(); err != nil {
		return nil, err
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		return nil, err
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
