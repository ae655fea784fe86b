package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds runtime configuration values for the messaging service.
type Config struct {
	AppName             string
	AppEnv              string
	AppPort             string
	AllowOrigins        []string
	DatabaseDriver      string
	DatabaseURL         string
	AutoMigrate         bool
	RedisURL            string
	NATSURL             string
	ChannelBase         string
	JWTSecret           string
	LastEventTTL        time.Duration
	StreamKeepAlive     time.Duration
	SendRateLimit       int
	SendRateWindow      time.Duration
	ResolverConcurrency int
	MessagePageSize     int
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// IsProduction reports whether the service runs with production settings.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	v.SetDefault("app.name", "GEMA Messaging")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.allow_origins", "*")
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("realtime.channel", "gema:messaging")
	v.SetDefault("realtime.last_event_ttl", "30m")
	v.SetDefault("realtime.keepalive", "25s")
	v.SetDefault("messaging.send_rate_limit", 20)
	v.SetDefault("messaging.send_rate_window", "10s")
	v.SetDefault("messaging.resolver_concurrency", 8)
	v.SetDefault("messaging.page_size", 100)

	lastEventTTL, err := durationValue(v, "realtime.last_event_ttl")
	if err != nil {
		return Config{}, err
	}
	keepAlive, err := durationValue(v, "realtime.keepalive")
	if err != nil {
		return Config{}, err
	}
	sendWindow, err := durationValue(v, "messaging.send_rate_window")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppName:             v.GetString("app.name"),
		AppEnv:              v.GetString("app.env"),
		AppPort:             v.GetString("app.port"),
		AllowOrigins:        splitList(v.GetString("app.allow_origins")),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
		DatabaseURL:         v.GetString("database.url"),
		AutoMigrate:         v.GetBool("database.auto_migrate"),
		RedisURL:            v.GetString("redis.url"),
		NATSURL:             v.GetString("nats.url"),
		ChannelBase:         v.GetString("realtime.channel"),
		JWTSecret:           v.GetString("jwt.secret"),
		LastEventTTL:        lastEventTTL,
		StreamKeepAlive:     keepAlive,
		SendRateLimit:       v.GetInt("messaging.send_rate_limit"),
		SendRateWindow:      sendWindow,
		ResolverConcurrency: v.GetInt("messaging.resolver_concurrency"),
		MessagePageSize:     v.GetInt("messaging.page_size"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	if cfg.ResolverConcurrency <= 0 {
		cfg.ResolverConcurrency = 8
	}
	if cfg.MessagePageSize <= 0 {
		cfg.MessagePageSize = 100
	}

	return cfg, nil
}

func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
