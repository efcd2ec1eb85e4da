package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server   ServerConfig
	App      AppConfig
	Log      LogConfig
	Auth     AuthConfig
	Cache    CacheConfig
	Store    StoreConfig
	Sweep    SweepConfig
	Realtime RealtimeConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
}

// AppConfig holds application-level settings.
type AppConfig struct {
	Name        string `envconfig:"APP_NAME" default:"bloodbank-api"`
	Environment string `envconfig:"APP_ENV" default:"development"`
	Version     string `envconfig:"APP_VERSION" default:"1.0.0"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"console"` // console or json
}

// AuthConfig holds admin gate settings. Either a JWT secret or at least one
// API key must be configured for the admin routes to accept anyone.
type AuthConfig struct {
	JWTSecret string   `envconfig:"JWT_SECRET" default:""`
	JWTIssuer string   `envconfig:"JWT_ISSUER" default:""`
	APIKeys   []string `envconfig:"ADMIN_API_KEYS" default:""`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Type string        `envconfig:"CACHE_TYPE" default:"memory"` // memory or redis
	TTL  time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Type string `envconfig:"STORE_TYPE" default:"sqlite"` // sqlite, mysql, postgres, or mongodb
	Path string `envconfig:"SQLITE_PATH" default:"./data/bloodbank.db"`
	// MySQL / PostgreSQL settings
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"0"`
	Name     string `envconfig:"DB_NAME" default:"bloodbank"`
	User     string `envconfig:"DB_USER" default:""`
	Password string `envconfig:"DB_PASS" default:""`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	// MongoDB settings
	MongoURI      string `envconfig:"MONGODB_URI" default:""`
	MongoDatabase string `envconfig:"MONGODB_DATABASE" default:"bloodbank"`
}

// SweepConfig controls the expiry sweeper.
type SweepConfig struct {
	Enabled  bool          `envconfig:"SWEEP_ENABLED" default:"true"`
	Interval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
}

// RealtimeConfig controls the change feed.
type RealtimeConfig struct {
	RedisChannel string        `envconfig:"REALTIME_REDIS_CHANNEL" default:"bloodbank:changes"`
	Heartbeat    time.Duration `envconfig:"REALTIME_HEARTBEAT" default:"30s"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisAddress returns the Redis address in host:port format.
func (c *CacheConfig) RedisAddress() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PostgresDSN returns the PostgreSQL connection string.
func (s *StoreConfig) PostgresDSN() string {
	port := s.Port
	if port == 0 {
		port = 5432
	}
	user := s.User
	if user == "" {
		user = "postgres"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		user, s.Password, s.Host, port, s.Name, s.SSLMode)
}

// MySQLDSN returns the MySQL data source name.
func (s *StoreConfig) MySQLDSN() string {
	port := s.Port
	if port == 0 {
		port = 3306
	}
	user := s.User
	if user == "" {
		user = "root"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		user, s.Password, s.Host, port, s.Name)
}

// IsDevelopment returns true if running in development mode.
func (a *AppConfig) IsDevelopment() bool {
	return a.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (a *AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "sqlite", "mysql", "postgres":
	case "mongodb":
		if c.Store.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required when STORE_TYPE=mongodb")
		}
	default:
		return fmt.Errorf("unsupported STORE_TYPE %q", c.Store.Type)
	}

	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported CACHE_TYPE %q", c.Cache.Type)
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported LOG_FORMAT %q", c.Log.Format)
	}

	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.IsAuthOpen() && c.App.IsProduction() {
		return fmt.Errorf("JWT_SECRET or ADMIN_API_KEYS must be set in production")
	}
	return nil
}

// IsAuthOpen reports whether no admin credential source is configured.
func (c *Config) IsAuthOpen() bool {
	if c.Auth.JWTSecret != "" {
		return false
	}
	for _, k := range c.Auth.APIKeys {
		if strings.TrimSpace(k) != "" {
			return false
		}
	}
	return true
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}
