package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"port"`
	DBPath           string        `mapstructure:"db_path"`
	Workers          int           `mapstructure:"workers"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	CheckpointEvery  int           `mapstructure:"checkpoint_every"`
	StatusCheckEvery int           `mapstructure:"status_check_every"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	RecoverySchedule string        `mapstructure:"recovery_schedule"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
}

var defaults = map[string]any{
	"port":               "8080",
	"db_path":            "backfill.db",
	"workers":            2,
	"poll_interval":      5 * time.Second,
	"checkpoint_every":   10,
	"status_check_every": 1,
	"stale_after":        10 * time.Minute,
	"recovery_schedule":  "@every 1m",
	"log_level":          "info",
	"log_format":         "text",
}

// Load reads configuration from environment variables (PORT, DB_PATH, ...),
// an optional .env file in the working directory and an optional config file.
// Environment variables win over the config file.
func Load(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg.normalize(), nil
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10
	}
	if c.StatusCheckEvery <= 0 {
		c.StatusCheckEvery = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	return c
}
