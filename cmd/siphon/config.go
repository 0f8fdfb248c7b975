package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/siphon/internal/model"
)

const (
	destinationDuckDB   = "duckdb"
	destinationBigQuery = "bigquery"
	destinationPostgres = "postgres"

	defaultBindHost       = "127.0.0.1"
	defaultAPIPort        = 3000
	defaultHTTPRetries    = 3
	defaultBigQueryLoc    = "US"
	defaultBackupInterval = 6 * time.Hour
	defaultBackupKeepLast = 24
)

// ErrUnknownDestination is returned for a destination name siphon cannot load into.
var ErrUnknownDestination = errors.New("unknown destination")

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Destination  string        `mapstructure:"destination"`
	PipelineName string        `mapstructure:"pipeline-name"`
	Dataset      string        `mapstructure:"dataset"`
	Catalog      string        `mapstructure:"catalog"`
	BaseURL      string        `mapstructure:"base-url"`
	Resources    []string      `mapstructure:"resources"`
	WorkDir      string        `mapstructure:"work-dir"`
	DBPath       string        `mapstructure:"db-path"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`

	HTTPTimeout time.Duration `mapstructure:"http-timeout"`
	HTTPRetries int           `mapstructure:"http-retries"`
	HTTPRate    float64       `mapstructure:"http-rate"`

	PostgresDSN string `mapstructure:"postgres-dsn"`

	BigQueryCredentialsPath string `mapstructure:"bigquery-credentials-path"`
	BigQueryProjectID       string `mapstructure:"bigquery-project-id"`
	BigQueryDataset         string `mapstructure:"bigquery-dataset"`
	BigQueryLocation        string `mapstructure:"bigquery-location"`

	APIPort  int           `mapstructure:"api-port"`
	APIAddr  string        `mapstructure:"api-addr"`
	RunEvery time.Duration `mapstructure:"run-every"`

	BackupEnabled        bool          `mapstructure:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	Verbose    bool   `mapstructure:"verbose"`
	ConfigPath string `mapstructure:"-"` // not from config file
}

// effectiveDataset is the dataset the configured destination writes to.
func (c appConfig) effectiveDataset() string {
	if c.Destination == destinationBigQuery && c.BigQueryDataset != "" {
		return c.BigQueryDataset
	}
	return c.Dataset
}

func loadConfig(configPath string, flags *pflag.FlagSet) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".local", "share", "siphon")

	v := viper.New()
	v.SetEnvPrefix("SIPHON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("destination", destinationDuckDB)
	v.SetDefault("pipeline-name", model.DefaultPipelineName)
	v.SetDefault("dataset", model.DefaultDataset)
	v.SetDefault("catalog", "")
	v.SetDefault("base-url", "")
	v.SetDefault("resources", []string{"users", "posts"})
	v.SetDefault("work-dir", filepath.Join(dataDir, "pipelines"))
	v.SetDefault("db-path", filepath.Join(dataDir, model.DefaultPipelineName+".duckdb"))
	v.SetDefault("query-timeout", model.DefaultQueryTimeout)
	v.SetDefault("http-timeout", model.DefaultHTTPTimeout)
	v.SetDefault("http-retries", defaultHTTPRetries)
	v.SetDefault("http-rate", 0)
	v.SetDefault("postgres-dsn", "")
	v.SetDefault("bigquery-credentials-path", "")
	v.SetDefault("bigquery-project-id", "")
	v.SetDefault("bigquery-dataset", "")
	v.SetDefault("bigquery-location", defaultBigQueryLoc)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("run-every", time.Duration(0))
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", filepath.Join(dataDir, "backups"))
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("backup-s3-use-ssl", true)
	v.SetDefault("verbose", false)

	// The warehouse variables keep their conventional unprefixed names.
	bindings := map[string][]string{
		"bigquery-credentials-path": {"SIPHON_BIGQUERY_CREDENTIALS_PATH", "BIGQUERY_CREDENTIALS_PATH", "GOOGLE_APPLICATION_CREDENTIALS"},
		"bigquery-project-id":       {"SIPHON_BIGQUERY_PROJECT_ID", "BIGQUERY_PROJECT_ID"},
		"bigquery-dataset":          {"SIPHON_BIGQUERY_DATASET", "BIGQUERY_DATASET"},
		"bigquery-location":         {"SIPHON_BIGQUERY_LOCATION", "BIGQUERY_LOCATION"},
		"postgres-dsn":              {"SIPHON_POSTGRES_DSN", "DATABASE_URL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return cfg, err
		}
	}

	if flags != nil {
		for _, name := range []string{"destination", "dataset", "pipeline-name", "catalog", "verbose"} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(name, f); err != nil {
					return cfg, err
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "siphon", "config.yml"))
	}
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if v.ConfigFileUsed() != "" {
		if _, err := os.Stat(v.ConfigFileUsed()); err == nil {
			cfg.ConfigPath = v.ConfigFileUsed()
		}
	}

	cfg.Destination = strings.ToLower(strings.TrimSpace(cfg.Destination))
	switch cfg.Destination {
	case destinationDuckDB, destinationBigQuery, destinationPostgres:
	default:
		return cfg, fmt.Errorf("%w %q (want duckdb, bigquery or postgres)", ErrUnknownDestination, cfg.Destination)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.HTTPRetries < 0 {
		return cfg, fmt.Errorf("invalid http-retries: %d", cfg.HTTPRetries)
	}
	if cfg.RunEvery < 0 {
		return cfg, fmt.Errorf("invalid run-every: %s", cfg.RunEvery)
	}

	for _, p := range []*string{&cfg.DBPath, &cfg.WorkDir, &cfg.Catalog, &cfg.BackupLocalDir, &cfg.BigQueryCredentialsPath} {
		*p = expandHome(*p, home)
	}

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(defaultBindHost, strconv.Itoa(cfg.APIPort))
	}
	return cfg, nil
}

func expandHome(p, home string) string {
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
