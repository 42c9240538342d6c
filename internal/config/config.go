package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	// DatabaseDriver selects postgres or sqlite.
	DatabaseDriver string
	RedisURL       string
	NATSURL        string
	ChannelBase    string
	JWTSecret      string
	// CORSAllowOrigins is the comma separated list of browser origins allowed to call the API.
	CORSAllowOrigins string

	ChatJoinTimeout        time.Duration
	ChatRetryBackoff       time.Duration
	ChatRetryMaxBackoff    time.Duration
	ChatTypingIdle         time.Duration
	ChatTypingTTL          time.Duration
	ChatPageSize           int
	ChatErrorDisplayWindow time.Duration
	ChatSubscriberBuffer   int
	PresenceTTL            time.Duration
	MembershipCacheTTL     time.Duration
	ChatRateLimit          int
	ChatRateWindow         time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Chat")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("channel.base", "gema")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("chat.join_timeout", "10s")
	v.SetDefault("chat.retry_backoff", "3s")
	v.SetDefault("chat.retry_max_backoff", "3s")
	v.SetDefault("chat.typing_idle", "2s")
	v.SetDefault("chat.typing_ttl", "3s")
	v.SetDefault("chat.page_size", 50)
	v.SetDefault("chat.error_window", "5s")
	v.SetDefault("chat.subscriber_buffer", 64)
	v.SetDefault("chat.presence_ttl", "2m")
	v.SetDefault("chat.membership_cache_ttl", "5m")
	v.SetDefault("chat.rate_limit", 20)
	v.SetDefault("chat.rate_window", "10s")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseURL:            v.GetString("database.url"),
		DatabaseDriver:         strings.ToLower(strings.TrimSpace(v.GetString("database.driver"))),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		ChannelBase:            v.GetString("channel.base"),
		JWTSecret:              v.GetString("jwt.secret"),
		CORSAllowOrigins:       v.GetString("cors.allow_origins"),
		ChatPageSize:           v.GetInt("chat.page_size"),
		ChatSubscriberBuffer:   v.GetInt("chat.subscriber_buffer"),
		ChatRateLimit:          v.GetInt("chat.rate_limit"),
	}
	durations["chat.join_timeout"] = &cfg.ChatJoinTimeout
	durations["chat.retry_backoff"] = &cfg.ChatRetryBackoff
	durations["chat.retry_max_backoff"] = &cfg.ChatRetryMaxBackoff
	durations["chat.typing_idle"] = &cfg.ChatTypingIdle
	durations["chat.typing_ttl"] = &cfg.ChatTypingTTL
	durations["chat.error_window"] = &cfg.ChatErrorDisplayWindow
	durations["chat.presence_ttl"] = &cfg.PresenceTTL
	durations["chat.membership_cache_ttl"] = &cfg.MembershipCacheTTL
	durations["chat.rate_window"] = &cfg.ChatRateWindow

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", key)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	if cfg.ChatRetryMaxBackoff < cfg.ChatRetryBackoff {
		cfg.ChatRetryMaxBackoff = cfg.ChatRetryBackoff
	}

	if cfg.ChatPageSize <= 0 || cfg.ChatPageSize > 100 {
		cfg.ChatPageSize = 50
	}

	if cfg.ChatSubscriberBuffer <= 0 {
		cfg.ChatSubscriberBuffer = 64
	}

	return cfg, nil
}
