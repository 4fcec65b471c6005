// Package config loads and hot-reloads Rally's configuration: one YAML
// file merged with RALLY_*-prefixed environment variables (defaults,
// then file, then env).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"rally/internal/permission"
	"rally/pkg/logger"
)

// Config is the root configuration structure, holding every tunable
// this module recognises plus the ambient logging and optional webview
// knobs this module adds.
type Config struct {
	AdvisorBaseURL             string   `mapstructure:"advisor_base_url" yaml:"advisor_base_url"`
	AdvisorModel               string   `mapstructure:"advisor_model" yaml:"advisor_model"`
	AssistantBinaryName        string   `mapstructure:"assistant_binary_name" yaml:"assistant_binary_name"`
	AssistantVersionConstraint string   `mapstructure:"assistant_version_constraint" yaml:"assistant_version_constraint,omitempty"`
	HandoffDir                 string   `mapstructure:"handoff_dir" yaml:"handoff_dir"`
	MaxInstancesDefault        int      `mapstructure:"max_instances_default" yaml:"max_instances_default"`
	MaxInstancesHardCeiling    int      `mapstructure:"max_instances_hard_ceiling" yaml:"max_instances_hard_ceiling"`
	StallInitialSeconds        int      `mapstructure:"stall_initial_s" yaml:"stall_initial_s"`
	StallMaxSeconds            int      `mapstructure:"stall_max_s" yaml:"stall_max_s"`
	StallMinCheckIntervalS     int      `mapstructure:"stall_min_check_interval_s" yaml:"stall_min_check_interval_s"`
	RegistrySocketPath         string   `mapstructure:"registry_socket_path" yaml:"registry_socket_path"`
	SafeToolsWhitelist         []string `mapstructure:"safe_tools_whitelist" yaml:"safe_tools_whitelist"`
	MCPConfigPath              string   `mapstructure:"mcp_config_path" yaml:"mcp_config_path,omitempty"`

	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Webview WebviewConfig `mapstructure:"webview" yaml:"webview"`
}

// LogConfig mirrors pkg/logger.LogConfig's fields for mapstructure
// decoding; Config.ToLoggerConfig translates it into a logger.LogConfig.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// WebviewConfig controls the optional, out-of-core HTTP/websocket
// mirror of the tab state.
type WebviewConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

var (
	mu         sync.RWMutex
	current    *Config
	configPath string
)

// Load reads configuration from path (if non-empty), layering
// RALLY_*-prefixed environment variables on top of the file and the
// named defaults. Command-line flags are not bound here. An absent
// file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("RALLY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expanded, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expanded
		viper.SetConfigFile(expanded)
		if err := viper.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigParseError); ok {
					return nil, fmt.Errorf("config: parse %s: %w", expanded, err)
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	current = &cfg
	return &cfg, nil
}

// Reset clears viper's global state and the cached Config, used
// between tests that call Load with different files.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	viper.Reset()
	current = nil
	configPath = ""
}

// Get returns the most recently loaded configuration, or a
// default-only configuration if Load has not been called.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		SetDefaults()
		var cfg Config
		_ = viper.Unmarshal(&cfg)
		return &cfg
	}
	return current
}

// ToLoggerConfig adapts Config's Log section to pkg/logger's
// LogConfig shape.
func (c *Config) ToLoggerConfig() logger.LogConfig {
	return logger.LogConfig{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}

// WatchSafeToolsWhitelist watches a standalone whitelist YAML file (if
// configured separately from the main config) for edits and pushes
// updates into wl without requiring an orchestrator restart. A no-op
// if path is empty.
func WatchSafeToolsWhitelist(path string, wl *permission.Whitelist) (*fsnotify.Watcher, error) {
	if path == "" {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create whitelist watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	reload := func() {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warnf("config: reload whitelist %s: %v", path, err)
			return
		}
		var names []string
		if err := yaml.Unmarshal(data, &names); err != nil {
			logger.Warnf("config: parse whitelist %s: %v", path, err)
			return
		}
		wl.Reload(names)
		logger.Infof("config: reloaded safe-tools whitelist from %s (%d tools)", path, len(names))
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == filepath.Clean(path) && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("config: whitelist watcher error: %v", err)
			}
		}
	}()

	return watcher, nil
}

// WriteTemplate marshals cfg to YAML and writes it to path, creating
// parent directories as needed. Used both for the first-run default
// template and by `rally set instances` to persist a single updated
// field without discarding the rest of an already-loaded Config.
func WriteTemplate(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal template: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// WriteDefaultTemplate writes a YAML template with every default value
// to path, so the on-disk file documents every recognised key. No CLI
// command calls it; `rally start` does not write a template on first
// run.
func WriteDefaultTemplate(path string) error {
	cfg := Config{
		AdvisorBaseURL:          DefaultAdvisorBaseURL,
		AdvisorModel:            DefaultAdvisorModel,
		AssistantBinaryName:     DefaultAssistantBinaryName,
		HandoffDir:              DefaultHandoffDir,
		MaxInstancesDefault:     DefaultMaxInstances,
		MaxInstancesHardCeiling: DefaultMaxInstancesHardCeiling,
		StallInitialSeconds:     DefaultStallInitialSeconds,
		StallMaxSeconds:         DefaultStallMaxSeconds,
		StallMinCheckIntervalS:  DefaultStallMinCheckIntervalS,
		RegistrySocketPath:      DefaultRegistrySocketPath(),
		SafeToolsWhitelist:      DefaultSafeToolsWhitelist(),
		Log:                     LogConfig{Level: "info", Format: "console"},
	}
	return WriteTemplate(path, &cfg)
}
