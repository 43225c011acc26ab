package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

const (
	// AppName names the per-user data directory and the env prefix.
	AppName = "repliktor"
	// RegistryFilename is the JSON document holding every backup entry.
	RegistryFilename = "backup_entries.json"
	envPrefix        = "REPLIKTOR"
)

// Config represents the top-level YAML configuration file.
type Config struct {
	Registry  RegistryConfig  `mapstructure:"registry"  yaml:"registry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Archive   ArchiveConfig   `mapstructure:"archive"   yaml:"archive"`
	Log       LogConfig       `mapstructure:"log"       yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
}

// RegistryConfig locates the registry file and names its cross-process lock.
type RegistryConfig struct {
	Path     string `mapstructure:"path"      yaml:"path"`
	LockName string `mapstructure:"lock_name" yaml:"lock_name"`
}

// SchedulerConfig tunes the background tick.
type SchedulerConfig struct {
	Period     time.Duration `mapstructure:"period"       yaml:"period"`
	RunOnStart bool          `mapstructure:"run_on_start" yaml:"run_on_start"`
}

// ArchiveConfig tunes the zstd engine.
type ArchiveConfig struct {
	Level   int `mapstructure:"level"   yaml:"level"`
	Workers int `mapstructure:"workers" yaml:"workers"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"       yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
}

// DefaultRegistryPath returns <user config dir>/repliktor/backup_entries.json.
func DefaultRegistryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, AppName, RegistryFilename)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry.path", DefaultRegistryPath())
	v.SetDefault("registry.lock_name", AppName+"-registry")
	v.SetDefault("scheduler.period", time.Hour)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("archive.level", 3)
	v.SetDefault("archive.workers", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
	v.SetDefault("metrics.listen", "")
}

// Load reads the configuration from the given YAML file using Viper, applies
// REPLIKTOR_* environment overrides, and decodes into the Config struct.
// An empty path loads defaults and environment only.
func (c *Config) Load(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read config %s: %v", ErrLoadConfig, path, err)
		}
	}

	if err := decode(settings(v), c); err != nil {
		return fmt.Errorf("%w: decode config: %v", ErrLoadConfig, err)
	}
	return c.Validate()
}

// settings collects every known key through v.Get so that environment
// overrides, which AllSettings alone does not surface for unset file keys,
// are honoured.
func settings(v *viper.Viper) map[string]any {
	out := map[string]any{}
	for _, key := range v.AllKeys() {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = v.Get(key)
	}
	return out
}

func decode(input map[string]any, c *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           c,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// Validate checks the decoded configuration.
func (c *Config) Validate() error {
	switch {
	case c.Registry.Path == "":
		return fmt.Errorf("%w: registry.path is empty", ErrValidateConfig)
	case c.Registry.LockName == "":
		return fmt.Errorf("%w: registry.lock_name is empty", ErrValidateConfig)
	case c.Scheduler.Period <= 0:
		return fmt.Errorf("%w: scheduler.period must be positive, got %s", ErrValidateConfig, c.Scheduler.Period)
	case c.Archive.Level < 1 || c.Archive.Level > 22:
		return fmt.Errorf("%w: archive.level must be within 1..22, got %d", ErrValidateConfig, c.Archive.Level)
	case c.Archive.Workers < 0:
		return fmt.Errorf("%w: archive.workers must not be negative", ErrValidateConfig)
	}
	return nil
}
