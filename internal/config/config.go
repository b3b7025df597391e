// Package config loads reprolock settings from defaults, an optional config
// file and REPROLOCK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"reprolock/internal/lock"
	"reprolock/internal/logging"
)

// EnvPrefix is prepended to every environment override, so "lock.mode" is
// read from REPROLOCK_LOCK_MODE.
const EnvPrefix = "REPROLOCK"

// Config holds all settings of the CLI.
type Config struct {
	// DataRoot is the artifact root used by emit. DATA_ROOT in the
	// environment takes precedence over the config file.
	DataRoot string        `mapstructure:"data_root"`
	Log      LogConfig     `mapstructure:"log"`
	Lock     LockConfig    `mapstructure:"lock"`
	Verify   VerifyConfig  `mapstructure:"verify"`
	Signing  SigningConfig `mapstructure:"signing"`
	History  HistoryConfig `mapstructure:"history"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func (c LogConfig) Validate() error {
	if _, err := logging.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Format {
	case "text", "json":
		return nil
	}
	return fmt.Errorf("log.format must be text or json, got %q", c.Format)
}

// Logging converts the section into a logger configuration.
func (c LogConfig) Logging() logging.Config {
	lvl, _ := logging.ParseLevel(c.Level)
	return logging.Config{Level: lvl, JSON: c.Format == "json", Service: "reprolock"}
}

// LockConfig mirrors lock.Config.
type LockConfig struct {
	Mode            string `mapstructure:"mode"`
	StrictCanonical bool   `mapstructure:"strict_canonical"`
	MissingField    string `mapstructure:"missing_field"`
	BundleSchema    string `mapstructure:"bundle_schema"`
	// Exclude lists glob patterns for JSON files that are not artifacts.
	Exclude []string `mapstructure:"exclude"`
}

// Builder returns the lock builder configuration.
func (c LockConfig) Builder() lock.Config {
	return lock.Config{
		Mode:            lock.Mode(c.Mode),
		StrictCanonical: c.StrictCanonical,
		MissingField:    lock.MissingFieldAction(c.MissingField),
		BundleSchema:    c.BundleSchema,
		Exclude:         append([]string(nil), c.Exclude...),
	}
}

type VerifyConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	TailBytes int           `mapstructure:"tail_bytes"`
	// KeepScratch leaves the scratch root in place after a successful run.
	KeepScratch bool `mapstructure:"keep_scratch"`
}

func (c VerifyConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("verify.timeout must not be negative, got %s", c.Timeout)
	}
	if c.TailBytes <= 0 {
		return fmt.Errorf("verify.tail_bytes must be > 0, got %d", c.TailBytes)
	}
	return nil
}

type SigningConfig struct {
	// Secret enables detached HMAC signatures on bundles.
	Secret string `mapstructure:"secret"`
}

type HistoryConfig struct {
	Dir string `mapstructure:"dir"`
}

type MetricsConfig struct {
	// File is a node-exporter textfile written when a command finishes.
	File string `mapstructure:"file"`
}

// Validate reports every invalid section at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Lock.Builder().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("lock: %w", err))
	}
	if err := c.Verify.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	def := lock.DefaultConfig()
	v.SetDefault("data_root", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("lock.mode", string(def.Mode))
	v.SetDefault("lock.strict_canonical", def.StrictCanonical)
	v.SetDefault("lock.missing_field", string(def.MissingField))
	v.SetDefault("lock.bundle_schema", def.BundleSchema)
	v.SetDefault("lock.exclude", []string{})
	v.SetDefault("verify.timeout", 10*time.Minute)
	v.SetDefault("verify.tail_bytes", 4096)
	v.SetDefault("verify.keep_scratch", true)
	v.SetDefault("signing.secret", "")
	v.SetDefault("history.dir", "")
	v.SetDefault("metrics.file", "")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply. An explicitly named file that cannot
// be read is an error.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-provided viper instance, so flags bound to
// it take part in resolution.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DATA_ROOT is the conventional variable producers already honor.
	if err := v.BindEnv("data_root", EnvPrefix+"_DATA_ROOT", "DATA_ROOT"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
