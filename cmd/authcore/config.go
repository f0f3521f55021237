package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/authcore/internal/logger"
)

const (
	defaultListenAddr       = "localhost:8000"
	defaultLoggingLevel     = logger.LevelInfo
	defaultEnvironment      = logger.EnvProduction
	defaultRedisURI         = "redis://localhost:6379/0"
	defaultSecretsFile      = ".secrets.env"
	defaultAccessTokenTTL   = time.Hour
	defaultRefreshTTLDays   = 7
	defaultRateLimitMax     = 5
	defaultRateLimitWindow  = 15 * time.Minute
	defaultStoreTimeout     = 5 * time.Second
	defaultCleanupInterval  = time.Hour
	defaultTokenIssuer      = "authcore"
	defaultTokenAudience    = "authcore"
	defaultShutdownDeadline = 5 * time.Second
)

type Config struct {
	// Default logging level
	LogLevel string `validate:"oneof=debug info warn error"`

	// Environment the service runs in. Relaxed api key mode is refused in production
	Environment string `validate:"oneof=development staging production"`

	// Address on which the service will be run
	ListenAddr string `validate:"required,hostname_port"`

	// Credential store: postgres://... or mongodb://...
	DatabaseDSN string `validate:"required,startswith=postgres|startswith=mongodb"`

	// Shared counters and one time codes
	RedisURI string `validate:"required,startswith=redis"`

	// Key to sign tokens with
	SecretKey string `validate:"required,min=32"`

	// Salt for api key hashes. Changing it invalidates every issued key
	ApiKeySalt string `validate:"required,min=32"`

	// Env file where service keys are distributed
	SecretsFile string `validate:"required"`

	TokenIssuer          string        `validate:"required"`
	TokenAudience        string        `validate:"required"`
	AccessTokenTTL       time.Duration `validate:"min=1m"`
	RefreshTokenTTLDays  int           `validate:"min=1"`
	TokenCleanupInterval time.Duration `validate:"min=1m"`

	RateLimitMax    int           `validate:"min=1"`
	RateLimitWindow time.Duration `validate:"min=1s"`

	// Deadline for every credential store call
	StoreTimeout time.Duration `validate:"min=100ms"`

	// Development api key allowed to pass with missing scopes in relaxed mode
	DevApiKey       string
	ApiKeyRelaxMode bool
}

func NewConfig() *Config {
	return &Config{
		LogLevel:             defaultLoggingLevel,
		Environment:          defaultEnvironment,
		ListenAddr:           defaultListenAddr,
		RedisURI:             defaultRedisURI,
		SecretsFile:          defaultSecretsFile,
		TokenIssuer:          defaultTokenIssuer,
		TokenAudience:        defaultTokenAudience,
		AccessTokenTTL:       defaultAccessTokenTTL,
		RefreshTokenTTLDays:  defaultRefreshTTLDays,
		TokenCleanupInterval: defaultCleanupInterval,
		RateLimitMax:         defaultRateLimitMax,
		RateLimitWindow:      defaultRateLimitWindow,
		StoreTimeout:         defaultStoreTimeout,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = n
			return nil
		}
	}
	setBool := func(o *bool) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			b, err := strconv.ParseBool(value)
			if err != nil {
				return err
			}
			*o = b
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":            setString(&c.ListenAddr),
		"DATABASE_URI":           setString(&c.DatabaseDSN),
		"REDIS_URI":              setString(&c.RedisURI),
		"SECRET_KEY":             setString(&c.SecretKey),
		"API_KEY_SALT":           setString(&c.ApiKeySalt),
		"SECRETS_FILE":           setString(&c.SecretsFile),
		"LOG_LEVEL":              setString(&c.LogLevel),
		"ENVIRONMENT":            setString(&c.Environment),
		"TOKEN_ISSUER":           setString(&c.TokenIssuer),
		"TOKEN_AUDIENCE":         setString(&c.TokenAudience),
		"GLOBAL_DEV_API_KEY":     setString(&c.DevApiKey),
		"ACCESS_TOKEN_TTL":       setDuration(&c.AccessTokenTTL),
		"TOKEN_CLEANUP_INTERVAL": setDuration(&c.TokenCleanupInterval),
		"RATE_LIMIT_WINDOW":      setDuration(&c.RateLimitWindow),
		"STORE_TIMEOUT":          setDuration(&c.StoreTimeout),
		"REFRESH_TOKEN_TTL_DAYS": setInt(&c.RefreshTokenTTLDays),
		"RATE_LIMIT_MAX":         setInt(&c.RateLimitMax),
		"API_KEY_RELAXED_MODE":   setBool(&c.ApiKeyRelaxMode),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("authcore", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Credential store connection string (postgres:// or mongodb://)")
	fs.StringVarP(&c.RedisURI, "redis", "r", c.RedisURI, "Redis connection string")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Token signing key")
	fs.StringVar(&c.ApiKeySalt, "api-key-salt", c.ApiKeySalt, "Api key hashing salt")
	fs.StringVar(&c.SecretsFile, "secrets-file", c.SecretsFile, "Env file to distribute service keys to")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, staging, production)")
	fs.StringVar(&c.TokenIssuer, "token-issuer", c.TokenIssuer, "Token issuer claim")
	fs.StringVar(&c.TokenAudience, "token-audience", c.TokenAudience, "Token audience claim")
	fs.DurationVar(&c.AccessTokenTTL, "access-ttl", c.AccessTokenTTL, "Access token lifetime")
	fs.IntVar(&c.RefreshTokenTTLDays, "refresh-ttl-days", c.RefreshTokenTTLDays, "Refresh token lifetime in days")
	fs.DurationVar(&c.TokenCleanupInterval, "token-cleanup-interval", c.TokenCleanupInterval, "How often expired refresh tokens are removed")
	fs.IntVar(&c.RateLimitMax, "rate-limit-max", c.RateLimitMax, "Failed attempts allowed per window")
	fs.DurationVar(&c.RateLimitWindow, "rate-limit-window", c.RateLimitWindow, "Rate limit window")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", c.StoreTimeout, "Credential store call deadline")
	fs.StringVar(&c.DevApiKey, "dev-api-key", c.DevApiKey, "Global development api key")
	fs.BoolVar(&c.ApiKeyRelaxMode, "api-key-relaxed", c.ApiKeyRelaxMode, "Let development key pass with missing scopes")

	return fs.Parse(args)
}

// Validate checks the final config. Service must not start with weak secrets
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ApiKeyRelaxMode && c.Environment == logger.EnvProduction {
		return errors.New("invalid config: relaxed api key mode is not allowed in production")
	}
	return nil
}
