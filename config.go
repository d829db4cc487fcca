package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Config struct {
	Bind                  string `toml:"bind"`
	Debug                 bool   `toml:"debug"`
	DatabasePath          string `toml:"database_path"`
	UploadDir             string `toml:"upload_dir"`
	ExpiresDays           int    `toml:"expires_days"`
	MaxUploadMB           int64  `toml:"max_upload_mb"`
	PasswordLength        int    `toml:"password_length"`
	SessionExpiresMinutes int    `toml:"session_expires_minutes"`
	LogLevel              string `toml:"log_level"`
	SecureCookie          bool   `toml:"secure_cookie"`
	// MetricsBind is a separate, private listener for /metrics. Empty
	// disables it.
	MetricsBind           string `toml:"metrics_bind"`
}

// cliOptions holds the command-line overrides. Empty values keep whatever
// the file or environment configured.
type cliOptions struct {
	configFile    string
	configFileSet bool
	bind          string
	databasePath  string
	uploadDir     string
	debug         bool
}

// Default config
func defaultConfig() Config {
	return Config{
		Bind:                  "0.0.0.0:3001",
		DatabasePath:          "./tmpbox.db",
		UploadDir:             "./files",
		ExpiresDays:           7,
		MaxUploadMB:           100,
		PasswordLength:        12,
		SessionExpiresMinutes: 60,
		LogLevel:              "info",
		MetricsBind:           "127.0.0.1:9091",
	}
}

// GenerateConfig builds the configuration with the precedence
// defaults < config file < environment < command line.
func GenerateConfig(opts cliOptions) (Config, error) {
	configFile := opts.configFile
	if configFile == "" {
		configFile = "config.toml"
	}

	var config Config
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if opts.configFileSet {
			return Config{}, errors.Errorf("config file %v specified but not found", configFile)
		}
		fmt.Fprintf(os.Stderr, "Config file %v not found. Using defaults.\n", configFile)
		config = defaultConfig()
	} else if err != nil {
		return Config{}, errors.Wrapf(err, "error accessing config file %v", configFile)
	} else {
		fmt.Fprintf(os.Stderr, "Loading config from %v\n", configFile)
		config, err = loadConfig(configFile)
		if err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&config); err != nil {
		return Config{}, err
	}
	applyOptions(&config, opts)

	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func loadConfig(configFile string) (Config, error) {
	config := defaultConfig()

	if _, err := toml.DecodeFile(configFile, &config); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config file %v", configFile)
	}

	return config, nil
}

// applyEnv overrides config with TMPBOX_* environment variables (if set).
func applyEnv(config *Config) error {
	stringVars := map[string]*string{
		"TMPBOX_BIND":          &config.Bind,
		"TMPBOX_DATABASE_PATH": &config.DatabasePath,
		"TMPBOX_UPLOAD_DIR":    &config.UploadDir,
		"TMPBOX_LOG_LEVEL":     &config.LogLevel,
		"TMPBOX_METRICS_BIND":  &config.MetricsBind,
	}
	for name, field := range stringVars {
		if v := os.Getenv(name); v != "" {
			*field = v
		}
	}

	if envDebug := os.Getenv("TMPBOX_DEBUG"); envDebug == "true" || envDebug == "1" {
		config.Debug = true
	}

	intVars := map[string]*int{
		"TMPBOX_EXPIRES_DAYS":            &config.ExpiresDays,
		"TMPBOX_PASSWORD_LENGTH":         &config.PasswordLength,
		"TMPBOX_SESSION_EXPIRES_MINUTES": &config.SessionExpiresMinutes,
	}
	for name, field := range intVars {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid %s", name)
		}
		*field = n
	}

	if v := os.Getenv("TMPBOX_MAX_UPLOAD_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid TMPBOX_MAX_UPLOAD_MB")
		}
		config.MaxUploadMB = n
	}
	return nil
}

// applyOptions overrides config with command-line flags (highest priority).
func applyOptions(config *Config, opts cliOptions) {
	options := map[*string]*string{
		&opts.bind:         &config.Bind,
		&opts.databasePath: &config.DatabasePath,
		&opts.uploadDir:    &config.UploadDir,
	}

	for option, configField := range options {
		if *option != "" {
			*configField = *option
		}
	}

	if opts.debug {
		config.Debug = true
	}
}

func (c Config) validate() error {
	switch {
	case c.DatabasePath == "":
		return errors.New("database_path is required")
	case c.UploadDir == "":
		return errors.New("upload_dir is required")
	case c.ExpiresDays < 1 || c.ExpiresDays > maxExpiresDays:
		return errors.Errorf("expires_days must be between 1 and %d", maxExpiresDays)
	case c.MaxUploadMB < 1:
		return errors.New("max_upload_mb must be positive")
	case c.PasswordLength < minPasswordLength || c.PasswordLength > maxPasswordLength:
		return errors.Errorf("password_length must be between %d and %d", minPasswordLength, maxPasswordLength)
	case c.SessionExpiresMinutes < 1:
		return errors.New("session_expires_minutes must be positive")
	}
	return nil
}

func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}
