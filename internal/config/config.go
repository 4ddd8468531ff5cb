package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	Stream       string
	StreamMaxLen int64
}

type SecurityConfig struct {
	JWTSecret      string
	TokenTTL       time.Duration
	LoginRateLimit float64
	LoginBurst     int
}

type SessionsConfig struct {
	ConflictPolicy  string
	SweepInterval   time.Duration
	StatsInterval   time.Duration
	DefaultDuration time.Duration
	PendingTTL      time.Duration
	LookupTimeout   time.Duration
	Storage         string
}

type LockoutConfig struct {
	Threshold int
	Window    time.Duration
}

type CredentialsConfig struct {
	Source   string
	SeedFile string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Security         SecurityConfig
	Sessions         SessionsConfig
	Lockout          LockoutConfig
	Credentials      CredentialsConfig
	AllowCORSOrigins []string
}

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"

	SourcePostgres = "postgres"
	SourceFile     = "file"
)

// Load reads config.yaml (or file, when given), then SESSIONGATE_* environment variables.
func Load(file string) (*AppConfig, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/sessiongate")
	}

	v.SetEnvPrefix("SESSIONGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	switch c.Sessions.ConflictPolicy {
	case "prevent", "force", "ask":
	default:
		return fmt.Errorf("sessions.conflictpolicy: unknown policy %q", c.Sessions.ConflictPolicy)
	}
	switch c.Sessions.Storage {
	case StorageMemory, StorageRedis:
	default:
		return fmt.Errorf("sessions.storage: unknown backend %q", c.Sessions.Storage)
	}
	switch c.Credentials.Source {
	case SourcePostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required when credentials.source is postgres")
		}
	case SourceFile:
		if c.Credentials.SeedFile == "" {
			return errors.New("credentials.seedfile is required when credentials.source is file")
		}
	default:
		return fmt.Errorf("credentials.source: unknown source %q", c.Credentials.Source)
	}
	if c.Lockout.Threshold <= 0 {
		return errors.New("lockout.threshold must be positive")
	}
	if c.Environment == "production" && c.Security.JWTSecret == "" {
		return errors.New("security.jwtsecret is required in production")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 20)
	v.SetDefault("postgres.maxidle", 5)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "sessiongate")
	v.SetDefault("redis.stream", "sessiongate:events")
	v.SetDefault("redis.streammaxlen", 10000)

	v.SetDefault("security.jwtsecret", "")
	v.SetDefault("security.tokenttl", "24h")
	v.SetDefault("security.loginratelimit", 1.0)
	v.SetDefault("security.loginburst", 10)

	v.SetDefault("sessions.conflictpolicy", "prevent")
	v.SetDefault("sessions.sweepinterval", "5m")
	v.SetDefault("sessions.statsinterval", "30s")
	v.SetDefault("sessions.defaultduration", "24h")
	v.SetDefault("sessions.pendingttl", "5m")
	v.SetDefault("sessions.lookuptimeout", "3s")
	v.SetDefault("sessions.storage", StorageMemory)

	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.window", "15m")

	v.SetDefault("credentials.source", SourceFile)
	v.SetDefault("credentials.seedfile", "identities.yaml")

	v.SetDefault("allowcorsorigins", []string{"*"})
}
