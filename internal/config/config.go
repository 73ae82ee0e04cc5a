package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Store and archive drivers.
const (
	StoreMemory   = "memory"
	StoreHTTP     = "http"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	ArchiveMemory = "memory"
	ArchiveS3     = "s3"
	ArchiveNone   = "none"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	StoreDriver  string        `mapstructure:"STORE_DRIVER"`
	StoreURL     string        `mapstructure:"STORE_URL"`
	StoreToken   string        `mapstructure:"STORE_TOKEN"`
	StoreTimeout time.Duration `mapstructure:"STORE_TIMEOUT"`
	DatabaseURL  string        `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath   string        `mapstructure:"SQLITE_PATH"`
	SeedFile     string        `mapstructure:"SEED_FILE"`

	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	ArchiveDriver      string `mapstructure:"ARCHIVE_DRIVER"`
	ArchiveS3Bucket    string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint  string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle bool   `mapstructure:"ARCHIVE_S3_PATH_STYLE"`
	ArchiveS3AccessKey string `mapstructure:"ARCHIVE_S3_ACCESS_KEY_ID"`
	ArchiveS3SecretKey string `mapstructure:"ARCHIVE_S3_SECRET_ACCESS_KEY"`

	HL7ForwardAddr    string        `mapstructure:"HL7_FORWARD_ADDR"`
	HL7ForwardTimeout time.Duration `mapstructure:"HL7_FORWARD_TIMEOUT"`
	MLLPAddr          string        `mapstructure:"MLLP_ADDR"`

	StrictInventory bool `mapstructure:"STRICT_INVENTORY"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "REQUEST_TIMEOUT",
	"STORE_DRIVER", "STORE_URL", "STORE_TOKEN", "STORE_TIMEOUT",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH", "SEED_FILE",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"ARCHIVE_DRIVER", "ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT",
	"ARCHIVE_S3_PATH_STYLE", "ARCHIVE_S3_ACCESS_KEY_ID", "ARCHIVE_S3_SECRET_ACCESS_KEY",
	"HL7_FORWARD_ADDR", "HL7_FORWARD_TIMEOUT", "MLLP_ADDR",
	"STRICT_INVENTORY",
}

// Load reads configuration from the environment, overlaid on an optional
// .env file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("STORE_TIMEOUT", "10s")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "lis.db")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ARCHIVE_DRIVER", ArchiveMemory)
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")
	v.SetDefault("HL7_FORWARD_TIMEOUT", "10s")
	v.SetDefault("STRICT_INVENTORY", false)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.ArchiveDriver = strings.ToLower(strings.TrimSpace(cfg.ArchiveDriver))

	if cfg.IsDev() {
		log.Warn().Msg("running in development mode: every request is treated as an admin actor")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the driver-specific requirements.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreHTTP:
		if c.StoreURL == "" {
			return fmt.Errorf("STORE_URL is required when STORE_DRIVER is %q", StoreHTTP)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be memory, http, postgres or sqlite, got %q", c.StoreDriver)
	}

	switch c.ArchiveDriver {
	case ArchiveMemory, ArchiveNone, "":
	case ArchiveS3:
		if c.ArchiveS3Bucket == "" {
			return fmt.Errorf("ARCHIVE_S3_BUCKET is required when ARCHIVE_DRIVER is %q", ArchiveS3)
		}
	default:
		return fmt.Errorf("ARCHIVE_DRIVER must be memory, s3 or none, got %q", c.ArchiveDriver)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set outside development (ENV=%q)", c.Env)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	return nil
}
