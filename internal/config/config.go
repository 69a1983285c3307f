package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix  = "SN_WATCHER"
	configName = "config"
	appDir     = "sn-watcher"
)

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type Config struct {
	Log                 LogConfig     `mapstructure:"log" yaml:"log"`
	Debug               bool          `mapstructure:"debug" yaml:"debug"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MonitorPrefix       string        `mapstructure:"monitor_prefix" yaml:"monitor_prefix"`
	AdvertiseHost       bool          `mapstructure:"advertise_host" yaml:"advertise_host"`
	PropertyTimeout     time.Duration `mapstructure:"property_timeout" yaml:"property_timeout"`
	IconDebounce        time.Duration `mapstructure:"icon_debounce" yaml:"icon_debounce"`
	TmpfileCleanupDelay time.Duration `mapstructure:"tmpfile_cleanup_delay" yaml:"tmpfile_cleanup_delay"`
	FallbackIconSize    int           `mapstructure:"fallback_icon_size" yaml:"fallback_icon_size"`
	TmpDir              string        `mapstructure:"tmp_dir" yaml:"tmp_dir"`
	EnabledDesktops     []string      `mapstructure:"enabled_desktops" yaml:"enabled_desktops"`
	ActivationWhitelist []string      `mapstructure:"activation_whitelist" yaml:"activation_whitelist"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		IdleTimeout:         30 * time.Second,
		MonitorPrefix:       "org.x.StatusIconMonitor",
		AdvertiseHost:       true,
		PropertyTimeout:     5 * time.Second,
		IconDebounce:        25 * time.Millisecond,
		TmpfileCleanupDelay: time.Second,
		FallbackIconSize:    24,
		TmpDir:              os.TempDir(),
		EnabledDesktops:     []string{},
		ActivationWhitelist: []string{},
	}
}

// LogLevel is the effective log level, with Debug taking precedence.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.Log.Level
}

// DesktopEnabled reports whether the daemon should run in a session whose
// XDG_CURRENT_DESKTOP is current. An empty EnabledDesktops enables every
// desktop.
func (c *Config) DesktopEnabled(current string) bool {
	if len(c.EnabledDesktops) == 0 {
		return true
	}

	for desktop := range strings.SplitSeq(current, ":") {
		if slices.Contains(c.EnabledDesktops, desktop) {
			return true
		}
	}

	return false
}

// Loader reads the configuration and keeps track of the file it came from,
// so that it can be watched later.
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

func (l *Loader) Load(cfgFile string) (*Config, error) {
	def := Default()

	setDefaults(l.v, def)

	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName(configName)
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(Dir())
	}

	l.v.SetEnvPrefix(envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: failed to read: %w", err)
		}
	}

	return l.decode()
}

// Watch calls onChange with the reloaded configuration each time the config
// file changes. Invalid files are reported through onError and otherwise
// ignored.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}

		onChange(cfg)
	})
	l.v.WatchConfig()
}

// ConfigFileUsed is the path of the file the configuration was read from, or
// "" if only defaults and environment were used.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) decode() (*Config, error) {
	cfg := Default()

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}

	if cfg.FallbackIconSize <= 0 {
		return nil, fmt.Errorf("config: fallback_icon_size must be positive, got %d", cfg.FallbackIconSize)
	}

	if cfg.IdleTimeout < 0 {
		return nil, fmt.Errorf("config: idle_timeout must not be negative, got %s", cfg.IdleTimeout)
	}

	return cfg, nil
}

// Load reads the configuration from cfgFile, or from the default location if
// cfgFile is empty. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	return NewLoader().Load(cfgFile)
}

// WriteDefault writes the default configuration to path as YAML. An empty
// path means the default location.
func WriteDefault(path string) (string, error) {
	if path == "" {
		path = filepath.Join(Dir(), configName+".yaml")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("config: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("config: failed to encode: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("config: %w", err)
	}

	return path, nil
}

// Dir is the directory holding config.yaml.
func Dir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appDir)
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appDir)
	}

	return filepath.Join(os.Getenv("HOME"), ".config", appDir)
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("debug", def.Debug)
	v.SetDefault("idle_timeout", def.IdleTimeout)
	v.SetDefault("monitor_prefix", def.MonitorPrefix)
	v.SetDefault("advertise_host", def.AdvertiseHost)
	v.SetDefault("property_timeout", def.PropertyTimeout)
	v.SetDefault("icon_debounce", def.IconDebounce)
	v.SetDefault("tmpfile_cleanup_delay", def.TmpfileCleanupDelay)
	v.SetDefault("fallback_icon_size", def.FallbackIconSize)
	v.SetDefault("tmp_dir", def.TmpDir)
	v.SetDefault("enabled_desktops", def.EnabledDesktops)
	v.SetDefault("activation_whitelist", def.ActivationWhitelist)
}
