package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "STOREFRONT"

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds

	AllowedOrigins []string `mapstructure:"allowed_origins"` // CORS; empty disables
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ShardConfig names one catalog shard. An empty path puts the shard file
// next to the main database as rank<name>.db.
type ShardConfig struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

type PaymentsConfig struct {
	Method             string        `mapstructure:"method"`
	ValidityWindow     time.Duration `mapstructure:"validity_window"`
	CodeLength         int           `mapstructure:"code_length"`
	ExtendedCodeLength int           `mapstructure:"extended_code_length"`
	CodeAttempts       int           `mapstructure:"code_attempts"`
}

type LolzConfig struct {
	APIURL    string        `mapstructure:"api_url"`
	PayURL    string        `mapstructure:"pay_url"`
	Recipient string        `mapstructure:"recipient"`
	APIToken  string        `mapstructure:"api_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Currency  string        `mapstructure:"currency"`
}

type AdminConfig struct {
	Identities string `mapstructure:"identities"` // comma or whitespace separated
}

type PollerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Workers   int           `mapstructure:"workers"`
	BatchSize int           `mapstructure:"batch_size"`
}

// Config is the storefront server configuration.
type Config struct {
	Debug     bool           `mapstructure:"debug"`
	SentryDSN string         `mapstructure:"sentry_dsn"`
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Shards    []ShardConfig  `mapstructure:"shards"`
	Payments  PaymentsConfig `mapstructure:"payments"`
	Lolz      LolzConfig     `mapstructure:"lolz"`
	Admin     AdminConfig    `mapstructure:"admin"`
	Poller    PollerConfig   `mapstructure:"poller"`
}

// Load reads configFile (or config.yaml from the usual places), .env files
// from envPath, and STOREFRONT_* environment variables, in increasing order
// of precedence. A missing config file is not an error.
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.idle_timeout", 60)
	v.SetDefault("database.path", "./data/shop.db")
	v.SetDefault("shards", []map[string]any{
		{"name": "8"},
		{"name": "7"},
		{"name": "6"},
	})
	v.SetDefault("payments.method", "lolz")
	v.SetDefault("payments.validity_window", "1h")
	v.SetDefault("payments.code_length", 14)
	v.SetDefault("payments.extended_code_length", 16)
	v.SetDefault("payments.code_attempts", 5)
	v.SetDefault("lolz.api_url", "https://prod-api.lzt.market")
	v.SetDefault("lolz.pay_url", "https://lzt.market/balance/transfer")
	v.SetDefault("lolz.timeout", "30s")
	v.SetDefault("lolz.currency", "rub")
	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", "1m")
	v.SetDefault("poller.workers", 4)
	v.SetDefault("poller.batch_size", 100)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.resolveShards(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveShards fills default shard paths and rejects empty or repeated names.
func (c *Config) resolveShards() error {
	if len(c.Shards) == 0 {
		return errors.New("at least one shard must be configured")
	}
	dir := filepath.Dir(c.Database.Path)
	seen := make(map[string]bool, len(c.Shards))
	for i := range c.Shards {
		sh := &c.Shards[i]
		sh.Name = strings.TrimSpace(sh.Name)
		if sh.Name == "" {
			return fmt.Errorf("shard %d: empty name", i)
		}
		if seen[sh.Name] {
			return fmt.Errorf("shard %q configured twice", sh.Name)
		}
		seen[sh.Name] = true
		if sh.Path == "" {
			sh.Path = filepath.Join(dir, "rank"+sh.Name+".db")
		}
	}
	return nil
}

func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees env values for keys viper already knows about.
	for _, key := range []string{
		"debug",
		"sentry_dsn",
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		"server.allowed_origins",
		"database.path",
		"payments.method",
		"payments.validity_window",
		"payments.code_length",
		"payments.extended_code_length",
		"payments.code_attempts",
		"lolz.api_url",
		"lolz.pay_url",
		"lolz.recipient",
		"lolz.api_token",
		"lolz.timeout",
		"lolz.currency",
		"admin.identities",
		"poller.enabled",
		"poller.interval",
		"poller.workers",
		"poller.batch_size",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// loadEnv loads .env then .env.local from envPath; later files win.
func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "config/"
	}
	for _, name := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, name))
	}
}
