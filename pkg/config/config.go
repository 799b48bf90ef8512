package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	ScanEngine   ScanEngineConfig
	Assistant    AssistantConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Housekeeping HousekeepingConfig
}

type ServerConfig struct {
	Host string
	Port int
	Env  string
}

type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       int
	User       string
	Password   string
	Name       string
	SSLMode    string
	SQLitePath string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	// SnapshotTTLMinutes bounds how long the latest scan snapshot is kept.
	SnapshotTTLMinutes int
}

type ScanEngineConfig struct {
	URL                   string
	APIKey                string
	TimeoutSeconds        int
	PollIntervalMillis    int
	InitialPollDelayMilli int
	ProgressFloor         int
	ProgressCap           int
}

type AssistantConfig struct {
	GatewayURL     string
	APIKey         string
	Model          string
	TimeoutSeconds int
}

type RateLimitConfig struct {
	Requests      int
	WindowSeconds int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type HousekeepingConfig struct {
	// Schedule is a five-field cron expression.
	Schedule          string
	SessionMaxAgeMins int
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

func (d *DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (r *RedisConfig) SnapshotTTL() time.Duration {
	return time.Duration(r.SnapshotTTLMinutes) * time.Minute
}

func (s *ScanEngineConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s *ScanEngineConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

func (s *ScanEngineConfig) InitialPollDelay() time.Duration {
	return time.Duration(s.InitialPollDelayMilli) * time.Millisecond
}

func (a *AssistantConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (h *HousekeepingConfig) SessionMaxAge() time.Duration {
	return time.Duration(h.SessionMaxAgeMins) * time.Minute
}

func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *ServerConfig) IsDevelopment() bool {
	return s.Env == "development"
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_ENV", "development")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "escanv")
	v.SetDefault("DATABASE_PASSWORD", "escanv_secret")
	v.SetDefault("DATABASE_NAME", "escanv")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_SQLITE_PATH", "escanv.db")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_SNAPSHOT_TTL_MINUTES", 1440)
	v.SetDefault("SCAN_ENGINE_URL", "http://localhost:54321/functions/v1/hostedscan")
	v.SetDefault("SCAN_ENGINE_API_KEY", "")
	v.SetDefault("SCAN_ENGINE_TIMEOUT_SECONDS", 30)
	v.SetDefault("SCAN_POLL_INTERVAL_MS", 5000)
	v.SetDefault("SCAN_INITIAL_POLL_DELAY_MS", 2000)
	v.SetDefault("SCAN_PROGRESS_FLOOR", 10)
	v.SetDefault("SCAN_PROGRESS_CAP", 95)
	v.SetDefault("ASSISTANT_GATEWAY_URL", "https://ai.gateway.lovable.dev/v1/chat/completions")
	v.SetDefault("ASSISTANT_API_KEY", "")
	v.SetDefault("ASSISTANT_MODEL", "google/gemini-3-flash-preview")
	v.SetDefault("ASSISTANT_TIMEOUT_SECONDS", 60)
	v.SetDefault("RATE_LIMIT_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("HOUSEKEEPING_SCHEDULE", "*/10 * * * *")
	v.SetDefault("HOUSEKEEPING_SESSION_MAX_AGE_MINUTES", 120)
}

// Load reads configuration from defaults, an optional .env file and the
// environment, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	// Load from .env file if present
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetInt("SERVER_PORT"),
			Env:  v.GetString("SERVER_ENV"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(v.GetString("DATABASE_DRIVER")),
			Host:       v.GetString("DATABASE_HOST"),
			Port:       v.GetInt("DATABASE_PORT"),
			User:       v.GetString("DATABASE_USER"),
			Password:   v.GetString("DATABASE_PASSWORD"),
			Name:       v.GetString("DATABASE_NAME"),
			SSLMode:    v.GetString("DATABASE_SSLMODE"),
			SQLitePath: v.GetString("DATABASE_SQLITE_PATH"),
		},
		Redis: RedisConfig{
			Host:               v.GetString("REDIS_HOST"),
			Port:               v.GetInt("REDIS_PORT"),
			Password:           v.GetString("REDIS_PASSWORD"),
			SnapshotTTLMinutes: v.GetInt("REDIS_SNAPSHOT_TTL_MINUTES"),
		},
		ScanEngine: ScanEngineConfig{
			URL:                   v.GetString("SCAN_ENGINE_URL"),
			APIKey:                v.GetString("SCAN_ENGINE_API_KEY"),
			TimeoutSeconds:        v.GetInt("SCAN_ENGINE_TIMEOUT_SECONDS"),
			PollIntervalMillis:    v.GetInt("SCAN_POLL_INTERVAL_MS"),
			InitialPollDelayMilli: v.GetInt("SCAN_INITIAL_POLL_DELAY_MS"),
			ProgressFloor:         v.GetInt("SCAN_PROGRESS_FLOOR"),
			ProgressCap:           v.GetInt("SCAN_PROGRESS_CAP"),
		},
		Assistant: AssistantConfig{
			GatewayURL:     v.GetString("ASSISTANT_GATEWAY_URL"),
			APIKey:         v.GetString("ASSISTANT_API_KEY"),
			Model:          v.GetString("ASSISTANT_MODEL"),
			TimeoutSeconds: v.GetInt("ASSISTANT_TIMEOUT_SECONDS"),
		},
		RateLimit: RateLimitConfig{
			Requests:      v.GetInt("RATE_LIMIT_REQUESTS"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		},
		Housekeeping: HousekeepingConfig{
			Schedule:          v.GetString("HOUSEKEEPING_SCHEDULE"),
			SessionMaxAgeMins: v.GetInt("HOUSEKEEPING_SESSION_MAX_AGE_MINUTES"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.ScanEngine.ProgressCap <= c.ScanEngine.ProgressFloor || c.ScanEngine.ProgressCap >= 100 {
		return fmt.Errorf("scan progress cap %d must be between floor %d and 100", c.ScanEngine.ProgressCap, c.ScanEngine.ProgressFloor)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
