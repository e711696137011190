/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package config loads the user-editable appguard configuration.
// Values come from built-in defaults, then the YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig controls where and how the protected-app store is opened.
type StorageConfig struct {
	Dir            string `yaml:"dir"`
	CompactOnClear bool   `yaml:"compact_on_clear"`
	BusyTimeoutMs  int    `yaml:"busy_timeout_ms"`
	MaxReadConns   int    `yaml:"max_read_conns"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the metrics endpoint
}

// AppConfig is persisted as YAML in the user scope.
// config_version: bump when the structure changes in a backward-incompatible way.
type AppConfig struct {
	ConfigVersion int           `yaml:"config_version"`
	Storage       StorageConfig `yaml:"storage"`
	Logging       LoggingConfig `yaml:"logging"`
	Metrics       MetricsConfig `yaml:"metrics"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Storage:       StorageConfig{Dir: defaultDataDir(), CompactOnClear: false, BusyTimeoutMs: 5000, MaxReadConns: 4},
		Logging:       LoggingConfig{Level: "info", Format: "console"},
	}
}

// Env var names used as overrides.
const (
	EnvConfigFile     = "APPGUARD_CONFIG"
	EnvDataDir        = "APPGUARD_DATA_DIR"
	EnvCompactOnClear = "APPGUARD_COMPACT_ON_CLEAR"
	EnvBusyTimeoutMs  = "APPGUARD_BUSY_TIMEOUT_MS"
	EnvMaxReadConns   = "APPGUARD_MAX_READ_CONNS"
	EnvMetricsAddr    = "APPGUARD_METRICS_ADDR"
	EnvLogLevel       = "APPGUARD_LOG_LEVEL"
	EnvLogFormat      = "APPGUARD_LOG_FORMAT"
	EnvLogSource      = "APPGUARD_LOG_SOURCE"
	EnvLogFile        = "APPGUARD_LOG_FILE"
)

// ConfigPath returns the per-user config file path. APPGUARD_CONFIG wins when set.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigFile)); p != "" {
		return p, nil
	}
	base := userBase(os.Getenv("XDG_CONFIG_HOME"), ".config")
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

func defaultDataDir() string {
	base := userBase(os.Getenv("XDG_DATA_HOME"), filepath.Join(".local", "share"))
	if base == "" {
		return filepath.Join(os.TempDir(), "appguard")
	}
	return base
}

// userBase resolves the per-OS application directory.
// On linux xdg overrides $HOME/<fallback>.
func userBase(xdg, fallback string) string {
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("AppData")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		return filepath.Join(base, "AppGuard")
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "AppGuard")
	default:
		if xdg != "" {
			return filepath.Join(xdg, "appguard")
		}
		home := os.Getenv("HOME")
		if home == "" {
			return ""
		}
		return filepath.Join(home, fallback, "appguard")
	}
}

// Load reads the user config file (if present), applies defaults, and merges environment overrides.
func Load() (AppConfig, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Defaults()
		applyEnvOverrides(&cfg)
		return cfg, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit file path. A missing file is not an error;
// a file that exists but does not parse is.
func LoadFrom(path string) (AppConfig, error) {
	cfg, err := ReadFile(path)
	applyEnvOverrides(&cfg)
	return cfg, err
}

// ReadFile returns the defaults merged with the file at path, without environment
// overrides. It is the starting point for editing and saving the file.
func ReadFile(path string) (AppConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		mergeInto(&cfg, &fileCfg)
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to the per-user config path.
func Save(cfg AppConfig) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes cfg as YAML to path, creating parent directories.
func SaveTo(path string, cfg AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	if v := strings.TrimSpace(src.Storage.Dir); v != "" {
		dst.Storage.Dir = v
	}
	// booleans: copy directly from the file so user preferences persist
	dst.Storage.CompactOnClear = src.Storage.CompactOnClear
	if src.Storage.BusyTimeoutMs > 0 {
		dst.Storage.BusyTimeoutMs = src.Storage.BusyTimeoutMs
	}
	if src.Storage.MaxReadConns > 0 {
		dst.Storage.MaxReadConns = src.Storage.MaxReadConns
	}
	if v := strings.TrimSpace(src.Logging.Level); v != "" {
		dst.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(src.Logging.Format); v != "" {
		dst.Logging.Format = strings.ToLower(v)
	}
	dst.Logging.Source = src.Logging.Source
	if v := strings.TrimSpace(src.Logging.File); v != "" {
		dst.Logging.File = v
	}
	if v := strings.TrimSpace(src.Metrics.Addr); v != "" {
		dst.Metrics.Addr = v
	}
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.Storage.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCompactOnClear)); v != "" {
		cfg.Storage.CompactOnClear = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvBusyTimeoutMs)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Storage.BusyTimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxReadConns)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Storage.MaxReadConns = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvMetricsAddr)); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

func parseBool(v string) bool {
	lv := strings.ToLower(strings.TrimSpace(v))
	return lv == "1" || lv == "true" || lv == "on" || lv == "yes"
}

// Keys lists the settable keys in display order.
var Keys = []string{
	"storage.dir",
	"storage.compact_on_clear",
	"storage.busy_timeout_ms",
	"storage.max_read_conns",
	"metrics.addr",
	"logging.level",
	"logging.format",
	"logging.source",
	"logging.file",
}

var envNames = map[string]string{
	"storage.dir":              EnvDataDir,
	"storage.compact_on_clear": EnvCompactOnClear,
	"storage.busy_timeout_ms":  EnvBusyTimeoutMs,
	"storage.max_read_conns":   EnvMaxReadConns,
	"metrics.addr":             EnvMetricsAddr,
	"logging.level":            EnvLogLevel,
	"logging.format":           EnvLogFormat,
	"logging.source":           EnvLogSource,
	"logging.file":             EnvLogFile,
}

// EnvOverrideFor returns the env var name if the field is overridden by environment variables.
func EnvOverrideFor(key string) (string, bool) {
	name, ok := envNames[key]
	if !ok || os.Getenv(name) == "" {
		return "", false
	}
	return name, true
}

// Value returns the value of key formatted as it would be passed to Set.
func (c AppConfig) Value(key string) (string, error) {
	switch key {
	case "storage.dir":
		return c.Storage.Dir, nil
	case "storage.compact_on_clear":
		return strconv.FormatBool(c.Storage.CompactOnClear), nil
	case "storage.busy_timeout_ms":
		return strconv.Itoa(c.Storage.BusyTimeoutMs), nil
	case "storage.max_read_conns":
		return strconv.Itoa(c.Storage.MaxReadConns), nil
	case "metrics.addr":
		return c.Metrics.Addr, nil
	case "logging.level":
		return c.Logging.Level, nil
	case "logging.format":
		return c.Logging.Format, nil
	case "logging.source":
		return strconv.FormatBool(c.Logging.Source), nil
	case "logging.file":
		return c.Logging.File, nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// Set parses value and assigns it to key.
func (c *AppConfig) Set(key, value string) error {
	value = strings.TrimSpace(value)
	positive := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s: want a positive integer, got %q", key, value)
		}
		return n, nil
	}
	boolean := func() (bool, error) {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("%s: want true or false, got %q", key, value)
		}
		return b, nil
	}
	switch key {
	case "storage.dir":
		if value == "" {
			return errors.New("storage.dir must not be empty")
		}
		c.Storage.Dir = value
	case "storage.compact_on_clear":
		b, err := boolean()
		if err != nil {
			return err
		}
		c.Storage.CompactOnClear = b
	case "storage.busy_timeout_ms":
		n, err := positive()
		if err != nil {
			return err
		}
		c.Storage.BusyTimeoutMs = n
	case "storage.max_read_conns":
		n, err := positive()
		if err != nil {
			return err
		}
		c.Storage.MaxReadConns = n
	case "metrics.addr":
		c.Metrics.Addr = value
	case "logging.level":
		switch lv := strings.ToLower(value); lv {
		case "debug", "info", "warn", "error":
			c.Logging.Level = lv
		default:
			return fmt.Errorf("logging.level: want debug, info, warn or error, got %q", value)
		}
	case "logging.format":
		switch f := strings.ToLower(value); f {
		case "console", "json":
			c.Logging.Format = f
		default:
			return fmt.Errorf("logging.format: want console or json, got %q", value)
		}
	case "logging.source":
		b, err := boolean()
		if err != nil {
			return err
		}
		c.Logging.Source = b
	case "logging.file":
		c.Logging.File = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// BusyTimeout returns the configured SQLite busy timeout.
func (s StorageConfig) BusyTimeout() time.Duration {
	if s.BusyTimeoutMs <= 0 {
		return time.Duration(Defaults().Storage.BusyTimeoutMs) * time.Millisecond
	}
	return time.Duration(s.BusyTimeoutMs) * time.Millisecond
}
