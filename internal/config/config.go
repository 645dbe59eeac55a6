// Package config loads the server configuration from the environment.
//
// A .env file in the working directory is read first when present; variables
// already set in the real environment win over it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/account-auth/internal/auth"
	"github.com/sakif/account-auth/internal/media"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Tokens   auth.TokenConfig
	Password PasswordConfig
	Lockout  auth.LockoutPolicy
	Google   GoogleConfig
	Media    MediaConfig
	LogLevel slog.Level
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// FrontendURL receives the browser after Google login.
	FrontendURL string
	// CORSOrigins may call the API with credentials. Empty disables CORS.
	CORSOrigins []string
	// SecureCookies marks session cookies Secure. Enable behind HTTPS.
	SecureCookies bool
}

// DatabaseConfig selects the account store.
type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	Path   string // sqlite file
	URL    string // postgres DSN
}

type PasswordConfig struct {
	Cost int
}

// GoogleConfig enables Google login when ClientID is set.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// Enabled reports whether Google login is configured.
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != ""
}

// MediaConfig selects where uploaded avatars go.
type MediaConfig struct {
	Driver  string // "local" or "s3"
	Dir     string // local: directory served under BaseURL
	BaseURL string // local: URL prefix of Dir
	S3      media.S3Config
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	// best-effort: a missing .env is normal in production
	_ = godotenv.Load()

	port := getEnvInt("PORT", 8080)

	cfg := &Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     getEnvDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			FrontendURL:     getEnv("FRONTEND_URL", "http://localhost:3000"),
			CORSOrigins:     getEnvList("CORS_ORIGIN"),
			SecureCookies:   getEnvBool("SECURE_COOKIES", false),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			Path:   getEnv("DB_PATH", "data/accounts.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Tokens: auth.TokenConfig{
			AccessSecret:  os.Getenv("ACCESS_TOKEN_SECRET"),
			RefreshSecret: os.Getenv("REFRESH_TOKEN_SECRET"),
			AccessTTL:     getEnvDuration("ACCESS_TOKEN_TTL", auth.DefaultTokenConfig().AccessTTL),
			RefreshTTL:    getEnvDuration("REFRESH_TOKEN_TTL", auth.DefaultTokenConfig().RefreshTTL),
			Issuer:        getEnv("TOKEN_ISSUER", auth.DefaultTokenConfig().Issuer),
		},
		Password: PasswordConfig{
			Cost: getEnvInt("BCRYPT_COST", auth.DefaultPasswordCost),
		},
		Lockout: auth.LockoutPolicy{
			Threshold: getEnvInt("LOCKOUT_THRESHOLD", auth.DefaultLockoutPolicy().Threshold),
			Window:    getEnvDuration("LOCKOUT_WINDOW", auth.DefaultLockoutPolicy().Window),
		},
		Google: GoogleConfig{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			CallbackURL:  getEnv("GOOGLE_CALLBACK_URL", fmt.Sprintf("http://localhost:%d/auth/google/callback", port)),
		},
		Media: MediaConfig{
			Driver:  getEnv("MEDIA_DRIVER", "local"),
			Dir:     getEnv("MEDIA_DIR", "data/media"),
			BaseURL: getEnv("MEDIA_BASE_URL", "/media"),
			S3: media.S3Config{
				Bucket:    os.Getenv("S3_BUCKET"),
				Region:    getEnv("S3_REGION", "us-east-1"),
				Endpoint:  os.Getenv("S3_ENDPOINT"),
				AccessKey: os.Getenv("S3_ACCESS_KEY"),
				SecretKey: os.Getenv("S3_SECRET_KEY"),
				PublicURL: os.Getenv("S3_PUBLIC_URL"),
			},
		},
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}

	if err := c.Tokens.Validate(); err != nil {
		return err
	}

	if c.Password.Cost < bcrypt.MinCost || c.Password.Cost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.Password.Cost)
	}

	if c.Lockout.Threshold < 1 {
		return errors.New("LOCKOUT_THRESHOLD must be at least 1")
	}
	if c.Lockout.Window <= 0 {
		return errors.New("LOCKOUT_WINDOW must be positive")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid DB_DRIVER %q (must be sqlite or postgres)", c.Database.Driver)
	}

	switch c.Media.Driver {
	case "local":
		if c.Media.Dir == "" {
			return errors.New("MEDIA_DIR is required for the local media driver")
		}
	case "s3":
		if c.Media.S3.Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 media driver")
		}
	default:
		return fmt.Errorf("invalid MEDIA_DRIVER %q (must be local or s3)", c.Media.Driver)
	}

	if c.Google.Enabled() && c.Google.ClientSecret == "" {
		return errors.New("GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set")
	}

	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
