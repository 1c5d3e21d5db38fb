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

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// URAConfig holds the authority API client configuration
type URAConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	AccessKey         string        `mapstructure:"access_key"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	BatchCount        int           `mapstructure:"batch_count"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// ThresholdsConfig holds the shadow comparator's per-metric tolerances,
// expressed as absolute percent deltas run-over-run
type ThresholdsConfig struct {
	RowCountDropPct  float64 `mapstructure:"row_count_drop_pct"`
	MedianPSFPct     float64 `mapstructure:"median_psf_pct"`
	MeanPricePct     float64 `mapstructure:"mean_price_pct"`
	NewSaleSharePct  float64 `mapstructure:"new_sale_share_pct"`
	TreatBreachFatal bool    `mapstructure:"treat_breach_fatal"`
}

// SyncPolicyConfig holds the kill-switch and windowing policy for one run.
// Resolved fresh at the start of every run so operators can change policy
// between runs without redeploying.
type SyncPolicyConfig struct {
	Enabled              bool             `mapstructure:"enabled"`
	Mode                 string           `mapstructure:"mode"`
	RevisionWindowMonths int              `mapstructure:"revision_window_months"`
	CutoffYears          int              `mapstructure:"cutoff_years"`
	Thresholds           ThresholdsConfig `mapstructure:"thresholds"`
	GitRevision          string           `mapstructure:"git_revision"`
	FetchConcurrency     int              `mapstructure:"fetch_concurrency"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
	IdleTimeout  int    `mapstructure:"idle_timeout"`  // in seconds
}

// AuthConfig holds authentication configuration for the ops endpoints
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// SyncConfig holds configuration for the ura-sync binary
type SyncConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig   `mapstructure:"database"`
	URA        URAConfig        `mapstructure:"ura"`
	Sync       SyncPolicyConfig `mapstructure:"sync"`
}

// APIConfig holds configuration for the API server
type APIConfig struct {
	BaseConfig `mapstructure:",squash"`
	Server     ServerConfig   `mapstructure:"server"`
	Database   DatabaseConfig `mapstructure:"database"`
	Auth       AuthConfig     `mapstructure:"auth"`
}

// LoadSyncConfig loads configuration for the ura-sync binary
func LoadSyncConfig(configFile string, envPath string) (*SyncConfig, error) {
	v := configureViper("ura-sync", configFile, envPath)

	// Set defaults
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("ura.base_url", "https://eservice.ura.gov.sg/uraDataService")
	v.SetDefault("ura.http_timeout", "30s")
	v.SetDefault("ura.token_ttl", "24h")
	v.SetDefault("ura.batch_count", 4)
	v.SetDefault("ura.requests_per_minute", 6)
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.mode", "shadow")
	v.SetDefault("sync.revision_window_months", 3)
	v.SetDefault("sync.cutoff_years", 5)
	v.SetDefault("sync.fetch_concurrency", 2)
	v.SetDefault("sync.thresholds.row_count_drop_pct", 5)
	v.SetDefault("sync.thresholds.median_psf_pct", 10)
	v.SetDefault("sync.thresholds.mean_price_pct", 15)
	v.SetDefault("sync.thresholds.new_sale_share_pct", 20)
	v.SetDefault("sync.thresholds.treat_breach_fatal", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use environment variables
	}

	var config SyncConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// LoadAPIConfig loads configuration for the API server
func LoadAPIConfig(configFile string, envPath string) (*APIConfig, error) {
	v := configureViper("api", configFile, envPath)

	// Set defaults
	v.SetDefault("debug", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use environment variables
	}

	var config APIConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// configureViper returns a viper instance with the config file and environment
// variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	// Load environment variables
	loadEnv(envPath, service)

	// Set config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	// Set environment variables
	v.SetEnvPrefix("PROPSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables.
// This is required for viper to map env vars to config struct fields when no
// config file exists
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		// Database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// URA
		"ura.base_url",
		"ura.access_key",
		"ura.http_timeout",
		"ura.token_ttl",
		"ura.batch_count",
		"ura.requests_per_minute",
		// Sync policy
		"sync.enabled",
		"sync.mode",
		"sync.revision_window_months",
		"sync.cutoff_years",
		"sync.fetch_concurrency",
		"sync.git_revision",
		"sync.thresholds.row_count_drop_pct",
		"sync.thresholds.median_psf_pct",
		"sync.thresholds.mean_price_pct",
		"sync.thresholds.new_sale_share_pct",
		"sync.thresholds.treat_breach_fatal",
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.idle_timeout",
		// Auth
		"auth.jwt_secret",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Validate checks the policy for values that would make a run meaningless
func (p *SyncPolicyConfig) Validate() error {
	if p.RevisionWindowMonths < 0 {
		return errors.New("sync.revision_window_months must be >= 0")
	}
	if p.CutoffYears <= 0 {
		return errors.New("sync.cutoff_years must be > 0")
	}
	if p.FetchConcurrency <= 0 {
		return errors.New("sync.fetch_concurrency must be > 0")
	}
	return nil
}

// CutoffDate returns the oldest date boundary the sync engine will ever fetch:
// the first of the month, CutoffYears before today
func (p *SyncPolicyConfig) CutoffDate(today time.Time) time.Time {
	return firstOfMonth(today.AddDate(-p.CutoffYears, 0, 0))
}

// RevisionWindowDate returns the start of the trailing range re-fetched every
// run to catch retroactive corrections: the first of the month,
// RevisionWindowMonths before today. Never earlier than the cutoff date.
func (p *SyncPolicyConfig) RevisionWindowDate(today time.Time) time.Time {
	rev := firstOfMonth(today.AddDate(0, -p.RevisionWindowMonths, 0))
	if cutoff := p.CutoffDate(today); rev.Before(cutoff) {
		return cutoff
	}
	return rev
}

func firstOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
