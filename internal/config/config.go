package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type SignalConfig struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	Backpressure string        `mapstructure:"backpressure"`
}

type SessionConfig struct {
	MaxParticipants int    `mapstructure:"max_participants"`
	CookieName      string `mapstructure:"cookie_name"`
	DevLogin        bool   `mapstructure:"dev_login"`
}

type RecordingConfig struct {
	Countdown        time.Duration `mapstructure:"countdown"`
	MicLevelInterval time.Duration `mapstructure:"mic_level_interval"`
	MaxUploadBytes   int64         `mapstructure:"max_upload_bytes"`
}

type StorageConfig struct {
	Backend           string        `mapstructure:"backend"`
	Region            string        `mapstructure:"region"`
	SessionsTable     string        `mapstructure:"sessions_table"`
	UsersTable        string        `mapstructure:"users_table"`
	UserSessionsTable string        `mapstructure:"user_sessions_table"`
	Bucket            string        `mapstructure:"bucket"`
	RedisAddr         string        `mapstructure:"redis_addr"`
	RedisDB           int           `mapstructure:"redis_db"`
	PresignTTL        time.Duration `mapstructure:"presign_ttl"`
	RecordingPrefix   string        `mapstructure:"recording_prefix"`
}

type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
	Stdout       bool   `mapstructure:"stdout"`
}

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	LogLevel   string `mapstructure:"log_level"`

	Signal    SignalConfig    `mapstructure:"signal"`
	Session   SessionConfig   `mapstructure:"session"`
	Recording RecordingConfig `mapstructure:"recording"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("log_level", "info")

	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.pong_wait", "60s")
	v.SetDefault("signal.send_buffer", 32)
	v.SetDefault("signal.rate_limit", 100)
	v.SetDefault("signal.rate_interval", "1s")
	v.SetDefault("signal.backpressure", "drop")

	v.SetDefault("session.max_participants", 4)
	v.SetDefault("session.cookie_name", "usid")
	v.SetDefault("session.dev_login", false)

	v.SetDefault("recording.countdown", "10s")
	v.SetDefault("recording.mic_level_interval", "100ms")
	v.SetDefault("recording.max_upload_bytes", 64<<20)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.sessions_table", "jamsync-sessions")
	v.SetDefault("storage.users_table", "jamsync-users")
	v.SetDefault("storage.user_sessions_table", "jamsync-user-sessions")
	v.SetDefault("storage.bucket", "jamsync-recordings")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.presign_ttl", "1h")
	v.SetDefault("storage.recording_prefix", "recordings")

	v.SetDefault("telemetry.service_name", "jamsync")
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults.
// JAMSYNC_* environment variables override both.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("jamsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("storage", cfg.Storage.Backend).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.Session.MaxParticipants < 1 {
		errs = append(errs, fmt.Errorf("session.max_participants must be at least 1"))
	}
	if c.Recording.Countdown < 0 {
		errs = append(errs, fmt.Errorf("recording.countdown must not be negative"))
	}
	if c.Recording.MicLevelInterval <= 0 {
		errs = append(errs, fmt.Errorf("recording.mic_level_interval must be positive"))
	}
	if c.Signal.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("signal.send_buffer must be positive"))
	}
	if c.Signal.RateLimit <= 0 || c.Signal.RateInterval <= 0 {
		errs = append(errs, fmt.Errorf("signal.rate_limit and signal.rate_interval must be positive"))
	}
	if c.Signal.PongWait > 0 && c.Signal.PingPeriod >= c.Signal.PongWait {
		errs = append(errs, fmt.Errorf("signal.ping_period must be shorter than signal.pong_wait"))
	}
	switch c.Storage.Backend {
	case "memory", "dynamodb", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	return errors.Join(errs...)
}
