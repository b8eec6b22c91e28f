package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/DRSY/codalab-worksheets/internal/backend/awsbatch"
	"github.com/DRSY/codalab-worksheets/internal/backend/docker"
	"github.com/DRSY/codalab-worksheets/internal/pool"
)

// CLConfig holds the application configuration
type CLConfig struct {
	Worker struct {
		ID                  string `mapstructure:"id"`
		WorkDir             string `mapstructure:"work_dir"`
		CommitFile          string `mapstructure:"commit_file"`
		SweepIntervalSec    int    `mapstructure:"sweep_interval_sec"`
		SnapshotIntervalSec int    `mapstructure:"snapshot_interval_sec"`
	} `mapstructure:"worker"`

	Backend struct {
		Kind   string          `mapstructure:"kind"` // awsbatch or docker
		AWS    awsbatch.Config `mapstructure:"aws"`
		Docker docker.Config   `mapstructure:"docker"`
	} `mapstructure:"backend"`

	Snapshot struct {
		Kind string `mapstructure:"kind"` // file or postgres
	} `mapstructure:"snapshot"`

	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Queue struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	Pool struct {
		pool.Config          `mapstructure:",squash"`
		ReconcileIntervalSec int `mapstructure:"reconcile_interval_sec"`
	} `mapstructure:"pool"`

	Server struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"server"`

	LogLevel string `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*CLConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("CL_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// setDefaults sets default values for configuration
func newViper() *viper.Viper {
	v := viper.New()

	// Worker defaults
	v.SetDefault("worker.work_dir", "/tmp/codalab-worker")
	v.SetDefault("worker.commit_file", "/tmp/codalab-worker/runs.json")
	v.SetDefault("worker.sweep_interval_sec", 5)
	v.SetDefault("worker.snapshot_interval_sec", 30)

	// Backend defaults
	v.SetDefault("backend.kind", "docker")
	v.SetDefault("backend.docker.stop_timeout_seconds", 10)

	// Snapshot defaults
	v.SetDefault("snapshot.kind", "file")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "codalab")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	// Pool defaults
	v.SetDefault("pool.target_workers", 1)
	v.SetDefault("pool.max_per_tick", 1)
	v.SetDefault("pool.job_name", "codalab-worker")
	v.SetDefault("pool.cpus", 1)
	v.SetDefault("pool.gpus", 0)
	v.SetDefault("pool.memory_mb", 2048)
	v.SetDefault("pool.idle_seconds", 600)
	v.SetDefault("pool.reconcile_interval_sec", 60)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("CL")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*CLConfig, error) {
	var config CLConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *CLConfig) GetDatabaseURL() string {
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

// Level parses the configured log level, defaulting to info.
func (c *CLConfig) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
