package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Config holds all configuration for a waveflow process.
type Config struct {
	Storage struct {
		Dir      string `mapstructure:"dir"`
		DataRoot string `mapstructure:"data_root"`
	} `mapstructure:"storage"`

	Lineage struct {
		HashPrefixLength int `mapstructure:"hash_prefix_length"`
	} `mapstructure:"lineage"`

	Executor struct {
		Profiles map[string]ExecutorProfileConfig `mapstructure:"profiles"`
		LoadBalancerEnabled bool `mapstructure:"load_balancer_enabled"`
	} `mapstructure:"executor"`

	Stream struct {
		DefaultBatchSize int `mapstructure:"default_batch_size"`
	} `mapstructure:"stream"`

	Database struct {
		Host         string `mapstructure:"host"`
		Port         int    `mapstructure:"port"`
		User         string `mapstructure:"user"`
		Password     string `mapstructure:"password"`
		Name         string `mapstructure:"name"`
		SSLMode      string `mapstructure:"sslmode"`
		MaxConns     int    `mapstructure:"max_conns"`
		IdleConns    int    `mapstructure:"idle_conns"`
		ConnLifetime int    `mapstructure:"conn_lifetime"` // minutes
	} `mapstructure:"database"`

	Notify struct {
		NATSURL string `mapstructure:"nats_url"`
	} `mapstructure:"notify"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`

	Maintenance struct {
		Enabled bool `mapstructure:"enabled"`
		// IntervalSeconds drives the sweep when CronExpr is empty.
		IntervalSeconds int `mapstructure:"interval_seconds"`
		// CronExpr, when set, schedules the sweep on a five-field cron
		// expression (e.g. "0 3 * * *" for 3am daily) instead of a fixed
		// interval. Ignored when UseClusterLock is true, since the
		// advisory-lock singleton task is interval-only.
		CronExpr        string `mapstructure:"cron_expr"`
		CleanupStrategy string `mapstructure:"cleanup_strategy"`
		TargetSizeMB    int64  `mapstructure:"target_size_mb"`
		KeepRecentDays  int    `mapstructure:"keep_recent_days"`
		UseClusterLock  bool   `mapstructure:"use_cluster_lock"`
	} `mapstructure:"maintenance"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// ExecutorProfileConfig overrides one executor profile's worker bounds.
type ExecutorProfileConfig struct {
	MinWorkers int `mapstructure:"min_workers"`
	MaxWorkers int `mapstructure:"max_workers"`
	QueueSize  int `mapstructure:"queue_size"`
}

var (
	config *Config
	once   sync.Once
)

// Load initializes and loads the config exactly once per process.
func Load(configPath string) (*Config, error) {
	var err error
	once.Do(func() {
		err = loadConfig(configPath)
	})
	return config, err
}

// Get returns the current config, panics if config is not loaded.
func Get() *Config {
	if config == nil {
		panic("config is not loaded")
	}
	return config
}

func loadConfig(configPath string) error {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		fmt.Printf("No config file found, using defaults and environment variables\n")
	}

	v.SetEnvPrefix("WAVEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("storage.dir")
	v.BindEnv("storage.data_root")
	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.name")
	v.BindEnv("notify.nats_url")
	v.BindEnv("maintenance.enabled")
	v.BindEnv("maintenance.use_cluster_lock")

	setDefaults(v)

	config = &Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return validate(config)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.dir", "./waveflow-data")
	v.SetDefault("storage.data_root", "DAQ")

	v.SetDefault("lineage.hash_prefix_length", 8)

	v.SetDefault("executor.load_balancer_enabled", false)

	v.SetDefault("stream.default_batch_size", 0) // 0 means the stream engine's default (30)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "waveflow")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.idle_conns", 2)
	v.SetDefault("database.conn_lifetime", 5)

	v.SetDefault("notify.nats_url", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.interval_seconds", 3600)
	v.SetDefault("maintenance.cron_expr", "")
	v.SetDefault("maintenance.cleanup_strategy", "LRU")
	v.SetDefault("maintenance.target_size_mb", 0)
	v.SetDefault("maintenance.keep_recent_days", 7)
	v.SetDefault("maintenance.use_cluster_lock", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// BuildDSN builds a PostgreSQL connection string from config, used only
// when maintenance.use_cluster_lock or a Postgres-backed batch ledger is
// enabled; the storage backend itself never touches a database.
func (c *Config) BuildDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func validate(cfg *Config) error {
	if cfg.Storage.Dir == "" {
		return fmt.Errorf("storage.dir must not be empty")
	}

	if cfg.Lineage.HashPrefixLength < 1 || cfg.Lineage.HashPrefixLength > 40 {
		return fmt.Errorf("invalid lineage.hash_prefix_length: %d", cfg.Lineage.HashPrefixLength)
	}

	if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", cfg.Database.Port)
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s", cfg.Logging.Format)
	}

	if cfg.Maintenance.Enabled && cfg.Maintenance.IntervalSeconds < 1 {
		return fmt.Errorf("invalid maintenance.interval_seconds: must be at least 1")
	}

	return nil
}
