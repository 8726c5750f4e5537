// Package config loads jsonkit settings from defaults, a config file,
// the environment and command-line flags, in increasing priority.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file read when none is given explicitly.
const DefaultFile = "config.json"

// EnvPrefix prefixes environment overrides: JSONKIT_SERVER_PORT sets
// server.port.
const EnvPrefix = "JSONKIT"

// Config is the complete jsonkit configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" json:"server" yaml:"server" toml:"server"`
	App        AppConfig        `mapstructure:"app" json:"app" yaml:"app" toml:"app"`
	Navigation NavigationConfig `mapstructure:"navigation" json:"navigation" yaml:"navigation" toml:"navigation"`
	Watcher    WatcherConfig    `mapstructure:"watcher" json:"watcher" yaml:"watcher" toml:"watcher"`
	Client     ClientConfig     `mapstructure:"client" json:"client" yaml:"client" toml:"client"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging" yaml:"logging" toml:"logging"`
}

// ServerConfig configures the HTTP and push listeners. A non-zero PortWss
// starts a dedicated push listener.
type ServerConfig struct {
	Port        int        `mapstructure:"port" json:"port" yaml:"port" toml:"port"`
	PortWss     int        `mapstructure:"portWss" json:"portWss" yaml:"portWss" toml:"portWss"`
	StaticFiles string     `mapstructure:"staticFiles" json:"staticFiles" yaml:"staticFiles" toml:"staticFiles"`
	CORS        CORSConfig `mapstructure:"cors" json:"cors" yaml:"cors" toml:"cors"`
}

// CORSConfig configures cross-origin access.
type CORSConfig struct {
	Enabled bool     `mapstructure:"enabled" json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `mapstructure:"origins" json:"origins" yaml:"origins" toml:"origins"`
}

// AppConfig is shown to clients.
type AppConfig struct {
	Title   string `mapstructure:"title" json:"title" yaml:"title" toml:"title"`
	Version string `mapstructure:"version" json:"version" yaml:"version" toml:"version"`
}

// NavigationConfig selects the served directory and the extraction rules.
type NavigationConfig struct {
	JSONDirectory     string            `mapstructure:"jsonDirectory" json:"jsonDirectory" yaml:"jsonDirectory" toml:"jsonDirectory"`
	ExtData           map[string]string `mapstructure:"extData" json:"extData" yaml:"extData" toml:"extData"`
	ExtDataFilterSize int               `mapstructure:"extDataFilterSize" json:"extDataFilterSize" yaml:"extDataFilterSize" toml:"extDataFilterSize"`
}

// WatcherConfig tunes write settling.
type WatcherConfig struct {
	StabilityThreshold time.Duration `mapstructure:"stabilityThreshold" json:"stabilityThreshold" yaml:"stabilityThreshold" toml:"stabilityThreshold"`
	PollInterval       time.Duration `mapstructure:"pollInterval" json:"pollInterval" yaml:"pollInterval" toml:"pollInterval"`
}

// ClientConfig tunes the follow client.
type ClientConfig struct {
	ReconnectDelay time.Duration `mapstructure:"reconnectDelay" json:"reconnectDelay" yaml:"reconnectDelay" toml:"reconnectDelay"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level" toml:"level"`
	File       string `mapstructure:"file" json:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB" json:"maxSizeMB" yaml:"maxSizeMB" toml:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups" json:"maxBackups" yaml:"maxBackups" toml:"maxBackups"`
}

// defaults are registered with viper so that every key is known to the
// environment lookup.
var defaults = map[string]any{
	"server.port":                  3000,
	"server.portWss":               0,
	"server.staticFiles":           "public",
	"server.cors.enabled":          false,
	"server.cors.origins":          []string{},
	"app.title":                    "JSON Kit",
	"app.version":                  "0.0",
	"navigation.jsonDirectory":     ".",
	"navigation.extData":           map[string]string{},
	"navigation.extDataFilterSize": 3,
	"watcher.stabilityThreshold":   500 * time.Millisecond,
	"watcher.pollInterval":         100 * time.Millisecond,
	"client.reconnectDelay":        time.Second,
	"logging.level":                "info",
	"logging.file":                 "",
	"logging.maxSizeMB":            10,
	"logging.maxBackups":           5,
}

// Loader reads and re-reads the configuration.
type Loader struct {
	v        *viper.Viper
	path     string
	explicit bool
	logger   *slog.Logger

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader for the file at path. An empty path selects
// DefaultFile, which may be absent; an explicit path must exist.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// JSON_DIR is the historical override for the served directory.
	_ = v.BindEnv("navigation.jsonDirectory", EnvPrefix+"_NAVIGATION_JSONDIRECTORY", "JSON_DIR")
	v.SetConfigFile(path)

	return &Loader{v: v, path: path, explicit: explicit, logger: logger}
}

// BindFlag lets a command-line flag override key when it is set.
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind to %s", key)
	}
	return l.v.BindPFlag(key, flag)
}

// ConfigFile returns the path of the config file in use, or "" when
// running on defaults.
func (l *Loader) ConfigFile() string {
	if _, err := os.Stat(l.path); err != nil {
		return ""
	}
	return l.path
}

// Load reads all sources and returns the validated configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, fs.ErrNotExist):
			if l.explicit {
				return nil, fmt.Errorf("config file %s not found: %w", l.path, err)
			}
			l.logger.Debug("no config file, using defaults", slog.String("path", l.path))
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := l.restoreRuleNames(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// restoreRuleNames re-reads navigation.extData from the file, because viper
// lowercases map keys and rule names are shown to users as written.
func (l *Loader) restoreRuleNames(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}

	var raw struct {
		Navigation struct {
			ExtData map[string]string `json:"extData" yaml:"extData" toml:"extData"`
		} `json:"navigation" yaml:"navigation" toml:"navigation"`
	}
	switch strings.ToLower(filepath.Ext(l.path)) {
	case ".json":
		err = json.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		_, err = toml.Decode(string(data), &raw)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read extraction rules from %s: %w", l.path, err)
	}
	if len(raw.Navigation.ExtData) > 0 {
		cfg.Navigation.ExtData = raw.Navigation.ExtData
	}
	return nil
}

// Watch reloads the configuration whenever the file changes and passes
// every valid result to onChange. Invalid edits are logged and skipped.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.ConfigFile() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			l.logger.Warn("ignoring invalid config change",
				slog.String("path", e.Name),
				slog.String("error", err.Error()))
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()

		l.logger.Info("config reloaded", slog.String("path", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Validate checks ranges and paths.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.PortWss < 0 || c.Server.PortWss > 65535 {
		return fmt.Errorf("server.portWss must be 0 or between 1 and 65535, got %d", c.Server.PortWss)
	}
	if c.Navigation.JSONDirectory == "" {
		return errors.New("navigation.jsonDirectory must not be empty")
	}
	for _, seg := range strings.Split(filepath.ToSlash(c.Navigation.JSONDirectory), "/") {
		if seg == ".." {
			return fmt.Errorf("navigation.jsonDirectory must not contain '..', got %s", c.Navigation.JSONDirectory)
		}
	}
	if c.Navigation.ExtDataFilterSize < 0 {
		return fmt.Errorf("navigation.extDataFilterSize must be non-negative, got %d", c.Navigation.ExtDataFilterSize)
	}
	for name, query := range c.Navigation.ExtData {
		if strings.TrimSpace(query) == "" {
			return fmt.Errorf("navigation.extData.%s has an empty query", name)
		}
	}
	if c.Watcher.StabilityThreshold <= 0 {
		return fmt.Errorf("watcher.stabilityThreshold must be positive, got %s", c.Watcher.StabilityThreshold)
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("watcher.pollInterval must be positive, got %s", c.Watcher.PollInterval)
	}
	if c.Client.ReconnectDelay <= 0 {
		return fmt.Errorf("client.reconnectDelay must be positive, got %s", c.Client.ReconnectDelay)
	}
	return nil
}

// Resolve returns p as an absolute path. Relative paths are taken relative
// to base (the config file's directory), or to the working directory when
// base is empty.
func Resolve(base, p string) (string, error) {
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return abs, nil
}

// JSONRoot returns the absolute served directory. configFile is the file
// the config was loaded from, or "".
func (c *Config) JSONRoot(configFile string) (string, error) {
	return Resolve(dirOf(configFile), c.Navigation.JSONDirectory)
}

// StaticRoot returns the absolute asset directory, excluded from serving.
func (c *Config) StaticRoot(configFile string) (string, error) {
	if c.Server.StaticFiles == "" {
		return "", nil
	}
	return Resolve(dirOf(configFile), c.Server.StaticFiles)
}

func dirOf(file string) string {
	if file == "" {
		return ""
	}
	return filepath.Dir(file)
}

// Encode writes c in the given format: json, yaml or toml.
func (c *Config) Encode(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		if err := toml.NewEncoder(w).Encode(c); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	case "json", "":
		// Go through yaml so durations read as "500ms" rather than
		// nanosecond counts.
		data, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		var generic map[string]any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unknown format %q (want json, yaml or toml)", format)
	}
}
