package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/sqlupgrade/internal/database"
	"github.com/example/sqlupgrade/internal/logging"
)

// Config captures the settings of one upgrader process.
type Config struct {
	Driver   string   `yaml:"driver"`
	DSN      string   `yaml:"dsn"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Sources  []string `yaml:"sources"`
	Bundle   string   `yaml:"bundle"`
	Pool     Pool     `yaml:"pool"`
	Log      Log      `yaml:"log"`
}

// Pool mirrors the connection pool knobs of database.PoolConfig.
type Pool struct {
	InitialSize int           `yaml:"initial_size"`
	MinIdle     int           `yaml:"min_idle"`
	MaxIdle     int           `yaml:"max_idle"`
	MaxTotal    int           `yaml:"max_total"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// Log selects the logger output.
type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	pool := database.DefaultPoolConfig(database.DriverSQLite, "")
	return Config{
		Driver: database.DriverSQLite,
		Pool: Pool{
			InitialSize: pool.InitialSize,
			MinIdle:     pool.MinIdle,
			MaxIdle:     pool.MaxIdle,
			MaxTotal:    pool.MaxTotal,
			MaxWait:     pool.MaxWait,
		},
		Log: Log{
			Level:     "info",
			Format:    "json",
			MaxSizeMB: 100,
		},
	}
}

// Load builds the configuration from, in increasing precedence: defaults, the YAML file
// named by SQLUPGRADE_CONFIG, the dotenv file named by SQLUPGRADE_ENV_FILE (".env" by
// default, optional) and the SQLUPGRADE_* environment variables.
//
// Load does not check for required values; call Validate once every layer, including
// command line flags, has been applied.
func Load() (Config, error) {
	return LoadFrom("")
}

// LoadFrom is Load with an explicit YAML file path, which takes the place of
// SQLUPGRADE_CONFIG when non-empty.
func LoadFrom(configPath string) (Config, error) {
	envFile := strings.TrimSpace(os.Getenv("SQLUPGRADE_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	if configPath == "" {
		configPath = os.Getenv("SQLUPGRADE_CONFIG")
	}

	cfg := Default()
	if path := strings.TrimSpace(configPath); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}

	invalid := make([]string, 0, 2)

	setString := func(key string, dst *string) {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*dst = value
		}
	}
	setInt := func(key string, dst *int) {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				invalid = append(invalid, key)
				return
			}
			*dst = n
		}
	}

	setString("SQLUPGRADE_DRIVER", &cfg.Driver)
	setString("SQLUPGRADE_DSN", &cfg.DSN)
	setString("SQLUPGRADE_USERNAME", &cfg.Username)
	setString("SQLUPGRADE_BUNDLE", &cfg.Bundle)
	if password, ok := os.LookupEnv("SQLUPGRADE_PASSWORD"); ok && password != "" {
		cfg.Password = password
	}
	if sources := strings.TrimSpace(os.Getenv("SQLUPGRADE_SOURCES")); sources != "" {
		cfg.Sources = SplitList(sources)
	}

	setInt("SQLUPGRADE_POOL_INITIAL_SIZE", &cfg.Pool.InitialSize)
	setInt("SQLUPGRADE_POOL_MIN_IDLE", &cfg.Pool.MinIdle)
	setInt("SQLUPGRADE_POOL_MAX_IDLE", &cfg.Pool.MaxIdle)
	setInt("SQLUPGRADE_POOL_MAX_TOTAL", &cfg.Pool.MaxTotal)
	if waitValue := strings.TrimSpace(os.Getenv("SQLUPGRADE_POOL_MAX_WAIT")); waitValue != "" {
		wait, err := time.ParseDuration(waitValue)
		if err != nil || wait <= 0 {
			invalid = append(invalid, "SQLUPGRADE_POOL_MAX_WAIT")
		} else {
			cfg.Pool.MaxWait = wait
		}
	}

	setString("SQLUPGRADE_LOG_LEVEL", &cfg.Log.Level)
	setString("SQLUPGRADE_LOG_FORMAT", &cfg.Log.Format)
	setString("SQLUPGRADE_LOG_FILE", &cfg.Log.File)
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		invalid = append(invalid, "SQLUPGRADE_LOG_LEVEL")
	}

	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variable values: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

// LoadFile overlays the YAML document at path onto cfg. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports required values that are still missing.
func (c Config) Validate() error {
	missing := make([]string, 0, 2)
	if strings.TrimSpace(c.Driver) == "" {
		missing = append(missing, "SQLUPGRADE_DRIVER")
	}
	if strings.TrimSpace(c.DSN) == "" {
		missing = append(missing, "SQLUPGRADE_DSN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required configuration values are not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PoolConfig converts the settings into a database.PoolConfig.
func (c Config) PoolConfig() database.PoolConfig {
	pool := database.DefaultPoolConfig(c.Driver, c.DSN)
	pool.Username = c.Username
	pool.Password = c.Password
	pool.InitialSize = c.Pool.InitialSize
	pool.MinIdle = c.Pool.MinIdle
	pool.MaxIdle = c.Pool.MaxIdle
	pool.MaxTotal = c.Pool.MaxTotal
	if c.Pool.MaxWait > 0 {
		pool.MaxWait = c.Pool.MaxWait
	}
	return pool
}

// LoggingOptions converts the settings into logging.Options.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

// SplitList splits a comma separated list, dropping blank entries.
func SplitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
