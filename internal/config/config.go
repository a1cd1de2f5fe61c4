// Package config loads the daemon's YAML configuration from a
// platform-appropriate directory: ConfigDir/ConfigPath resolution, tilde
// expansion, and a LoadOrDefault that never fails startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the on-disk name of the config file.
	FileName = "config.yml"
	// AppDirName names the app's config/data subdirectory.
	AppDirName = "grabd"
)

// ConfigDir returns the standard config directory.
// Windows: %APPDATA%\grabd\  macOS/Linux: ~/.config/grabd/
func ConfigDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppDirName), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", AppDirName), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// DataDir returns the directory the history snapshot lives under, which is
// the config directory itself.
func DataDir() (string, error) { return ConfigDir() }

// ServerConfig configures the local control endpoint and management API.
type ServerConfig struct {
	Port          int    `yaml:"port,omitempty"`
	APIKey        string `yaml:"api_key,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty"`
}

// Config is the daemon's full YAML-backed configuration.
type Config struct {
	OutputDir string `yaml:"output_dir,omitempty"`

	// SpeedLimitBps is the global rate budget in bytes/second; 0 = unlimited.
	SpeedLimitBps int64 `yaml:"speed_limit_bps,omitempty"`
	// SpeedLimitEnabled mirrors the source's speedLimitEnabled flag,
	// re-homed onto explicit scheduler configuration per design note §9.
	SpeedLimitEnabled bool `yaml:"speed_limit_enabled,omitempty"`

	// ProxyURL, if set, routes every Transport Client request through it.
	ProxyURL string `yaml:"proxy_url,omitempty"`

	// VideoSites lists hostnames routed through the Helper Process
	// Supervisor instead of the Transport Client.
	VideoSites []string `yaml:"video_sites,omitempty"`
	// HelperProgram is the external tool invoked for video-site URLs.
	HelperProgram string `yaml:"helper_program,omitempty"`

	// PromptOverwrite enables the Enqueue API's overwrite confirmation.
	PromptOverwrite bool `yaml:"prompt_overwrite,omitempty"`

	Server ServerConfig `yaml:"server,omitempty"`
}

// Default returns the built-in defaults used when no config file exists.
func Default() *Config {
	return &Config{
		VideoSites:    []string{"youtube.com", "youtu.be", "bilibili.com"},
		HelperProgram: "yt-dlp",
		Server: ServerConfig{
			Port:          8080,
			MaxConcurrent: 3,
		},
	}
}

// Exists reports whether a config file is present.
func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Load reads and parses the config file.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the config file, falling back to defaults on any
// error (missing file, parse failure) rather than aborting startup.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to the config path, creating the directory if needed.
func (c *Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	header := []byte("# grabd configuration\n")
	return os.WriteFile(path, append(header, data...), 0644)
}

// ExpandHome expands a leading "~/" to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// IsVideoHost reports whether host (or a parent domain of it) is in cfg's
// configured video-site set.
func (c *Config) IsVideoHost(host string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	for _, site := range c.VideoSites {
		site = strings.ToLower(strings.TrimPrefix(site, "www."))
		if host == site || strings.HasSuffix(host, "."+site) {
			return true
		}
	}
	return false
}
