package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig
	DB          DBConfig
	Log         LogConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Loyalty     LoyaltyConfig
	WooCommerce WooCommerceConfig
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port            string `envconfig:"SERVER_PORT" default:"3000"`
	ShutdownTimeout int    `envconfig:"SHUTDOWN_TIMEOUT" default:"30"` // seconds
}

// DBConfig holds database-related configuration.
// WARNING: Default password is for local development only.
// In production, always set DB_PASSWORD via environment variable.
type DBConfig struct {
	Host       string `envconfig:"DB_HOST" default:"localhost"`
	Port       int    `envconfig:"DB_PORT" default:"5432"`
	User       string `envconfig:"DB_USER" default:"postgres"`
	Password   string `envconfig:"DB_PASSWORD" default:"postgres"`
	Name       string `envconfig:"DB_NAME" default:"loyalty_db"`
	SSLMode    string `envconfig:"DB_SSLMODE" default:"disable"`
	MaxConns   int    `envconfig:"DB_MAX_CONNS" default:"25"`
	MinConns   int    `envconfig:"DB_MIN_CONNS" default:"5"`
	MaxRetries int    `envconfig:"DB_CONNECT_RETRIES" default:"5"`
	Migrate    bool   `envconfig:"DB_MIGRATE" default:"true"`
}

// DSN returns the PostgreSQL connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d&pool_min_conns=%d",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode, c.MaxConns, c.MinConns)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// RedisConfig holds Redis configuration. An empty Addr disables rate limiting,
// job locks and event publishing.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// Enabled reports whether a Redis server is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// AuthConfig holds admin API authentication settings.
type AuthConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET"`
}

// LoyaltyConfig holds program tuning knobs.
type LoyaltyConfig struct {
	PointsExpiryDays   int           `envconfig:"POINTS_EXPIRY_DAYS" default:"365"`
	TierDowngradeDays  int           `envconfig:"TIER_DOWNGRADE_DAYS" default:"90"`
	RulesFile          string        `envconfig:"RULES_FILE"`
	RewardTimeout      time.Duration `envconfig:"REWARD_TIMEOUT" default:"10s"`
	SettleAfter        time.Duration `envconfig:"PENDING_SETTLE_AFTER" default:"15m"`
	RecentTransactions int           `envconfig:"RECENT_TRANSACTIONS" default:"10"`
	MaxAttempts        int           `envconfig:"CONFLICT_MAX_ATTEMPTS" default:"3"`
	RedeemRateLimit    int           `envconfig:"REDEEM_RATE_LIMIT" default:"10"`
	RedeemRateWindow   time.Duration `envconfig:"REDEEM_RATE_WINDOW" default:"1m"`
}

// WooCommerceConfig holds credentials for issuing store coupons. An empty BaseURL
// makes the service issue locally generated codes instead.
type WooCommerceConfig struct {
	BaseURL        string `envconfig:"WOOCOMMERCE_URL"`
	ConsumerKey    string `envconfig:"WOOCOMMERCE_CONSUMER_KEY"`
	ConsumerSecret string `envconfig:"WOOCOMMERCE_CONSUMER_SECRET"`
}

// Load reads an optional .env file and parses environment variables into the Config struct.
// Variables already set in the environment take precedence over the file.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.Loyalty.PointsExpiryDays < 0 || cfg.Loyalty.TierDowngradeDays < 0 {
		return nil, errors.New("POINTS_EXPIRY_DAYS and TIER_DOWNGRADE_DAYS must not be negative")
	}
	if cfg.Loyalty.MaxAttempts < 1 {
		cfg.Loyalty.MaxAttempts = 1
	}
	return &cfg, nil
}
