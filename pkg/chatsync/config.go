package chatsync

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// TransportConfig configures the broker-push delta feed. When AMQPURL is
// empty the engine streams directly from the backend collaborator.
type TransportConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// Config holds the engine tunables. Cluster window and badge policy are
// hot-reloadable via WatchConfig.
type Config struct {
	// CachePath is the SQLite file backing the local cache. Empty disables
	// persistence.
	CachePath string `yaml:"cache_path"`

	// ClusterWindow is the message-grouping time window.
	ClusterWindow time.Duration `yaml:"-"`
	// RawClusterWindow is the yaml-facing duration string ("5m").
	RawClusterWindow string `yaml:"cluster_window"`

	// BadgeIncludeMuted counts muted conversations in the badge. Default
	// false: muted conversations keep their unread flag but don't add to
	// the badge.
	BadgeIncludeMuted bool `yaml:"badge_include_muted"`

	Transport TransportConfig `yaml:"transport"`

	LogLevel string `yaml:"log_level"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	if err := node.Decode((*umConfig)(c)); err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.RawClusterWindow == "" {
		c.ClusterWindow = DefaultClusterWindow
		return nil
	}
	window, err := time.ParseDuration(c.RawClusterWindow)
	if err != nil {
		return fmt.Errorf("invalid cluster_window: %w", err)
	}
	if window <= 0 {
		return fmt.Errorf("cluster_window must be positive, got %s", window)
	}
	c.ClusterWindow = window
	return nil
}

// DefaultConfig returns the built-in defaults (the embedded example).
func DefaultConfig() *Config {
	var cfg Config
	// The embedded example always parses; a failure here is a build error.
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		panic(fmt.Sprintf("embedded example config is invalid: %v", err))
	}
	return &cfg
}

// LoadConfig reads a config file, falling back to defaults when the path is
// empty or absent.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "cache_path")
	helper.Copy(up.Str, "cluster_window")
	helper.Copy(up.Bool, "badge_include_muted")
	helper.Copy(up.Str, "transport", "amqp_url")
	helper.Copy(up.Str, "transport", "exchange")
	helper.Copy(up.Str, "log_level")
}

// ConfigUpgrader exposes the example config and field upgrader so the
// embedding client can migrate user config files across engine versions.
func (c *Config) ConfigUpgrader() (string, any, up.Upgrader) {
	return ExampleConfig, c, up.SimpleUpgrader(upgradeConfig)
}

// WatchConfig re-reads the file on every write and hands the parsed result
// to onReload. Parse failures keep the previous config and are logged.
// Returns a stop func.
func WatchConfig(path string, log zerolog.Logger, onReload func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	log = log.With().Str("component", "config_watch").Logger()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					log.Warn().Err(err).Msg("Config reload failed, keeping previous config")
					continue
				}
				log.Info().Str("path", path).Msg("Config reloaded")
				onReload(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}
