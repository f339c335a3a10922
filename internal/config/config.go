package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Backend BackendConfig
	Stream  StreamConfig
	HTTP    HTTPConfig
	DB      DBConfig
	Auth    AuthConfig
	Log     LogConfig
}

type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
}

type StreamConfig struct {
	ReconnectAttempts  int
	PingInterval       time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	FrameStaleTimeout  time.Duration
	Debug              bool
}

type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
}

type DBConfig struct {
	DSN string
}

// Enabled reports whether the ride journal should be written.
func (c DBConfig) Enabled() bool { return c.DSN != "" }

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type LogConfig struct {
	Level  string
	Pretty bool
}

var envBindings = map[string]string{
	"backend.base_url":            "API_BASE_URL",
	"backend.timeout":             "BACKEND_TIMEOUT",
	"stream.reconnect_attempts":   "WS_RECONNECT_ATTEMPTS",
	"stream.ping_interval_ms":     "WS_PING_INTERVAL",
	"stream.reconnect_base_delay": "WS_RECONNECT_BASE_DELAY",
	"stream.reconnect_max_delay":  "WS_RECONNECT_MAX_DELAY",
	"stream.frame_stale_timeout":  "WS_FRAME_STALE_TIMEOUT",
	"stream.debug":                "DEBUG_WEBSOCKET",
	"http.addr":                   "HTTP_ADDR",
	"http.allowed_origins":        "HTTP_ALLOWED_ORIGINS",
	"db.dsn":                      "DB_DSN",
	"auth.jwt_secret":             "JWT_SECRET",
	"auth.token_ttl":              "JWT_TTL",
	"log.level":                   "LOG_LEVEL",
	"log.pretty":                  "LOG_PRETTY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:5455")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("stream.reconnect_attempts", 5)
	v.SetDefault("stream.ping_interval_ms", 30000)
	v.SetDefault("stream.reconnect_base_delay", "2s")
	v.SetDefault("stream.reconnect_max_delay", "60s")
	v.SetDefault("stream.frame_stale_timeout", "5s")
	v.SetDefault("stream.debug", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", "*")
	v.SetDefault("db.dsn", "")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		Backend: BackendConfig{
			BaseURL: strings.TrimSpace(v.GetString("backend.base_url")),
			Timeout: v.GetDuration("backend.timeout"),
		},
		Stream: StreamConfig{
			ReconnectAttempts:  v.GetInt("stream.reconnect_attempts"),
			PingInterval:       time.Duration(v.GetInt64("stream.ping_interval_ms")) * time.Millisecond,
			ReconnectBaseDelay: v.GetDuration("stream.reconnect_base_delay"),
			ReconnectMaxDelay:  v.GetDuration("stream.reconnect_max_delay"),
			FrameStaleTimeout:  v.GetDuration("stream.frame_stale_timeout"),
			Debug:              v.GetBool("stream.debug"),
		},
		HTTP: HTTPConfig{
			Addr:           v.GetString("http.addr"),
			AllowedOrigins: splitList(v.GetString("http.allowed_origins")),
		},
		DB: DBConfig{
			DSN: strings.TrimSpace(v.GetString("db.dsn")),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			TokenTTL:  v.GetDuration("auth.token_ttl"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Pretty: v.GetBool("log.pretty"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("API_BASE_URL is required"))
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("BACKEND_TIMEOUT must be positive"))
	}
	if c.Stream.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("WS_RECONNECT_ATTEMPTS must not be negative"))
	}
	if c.Stream.PingInterval <= 0 {
		errs = append(errs, errors.New("WS_PING_INTERVAL must be positive"))
	}
	if c.Stream.ReconnectBaseDelay <= 0 || c.Stream.ReconnectMaxDelay <= 0 {
		errs = append(errs, errors.New("reconnect delays must be positive"))
	} else if c.Stream.ReconnectBaseDelay > c.Stream.ReconnectMaxDelay {
		errs = append(errs, errors.New("WS_RECONNECT_BASE_DELAY must not exceed WS_RECONNECT_MAX_DELAY"))
	}
	if c.Stream.FrameStaleTimeout <= 0 {
		errs = append(errs, errors.New("WS_FRAME_STALE_TIMEOUT must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
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
