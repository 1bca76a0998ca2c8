package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BadgerOps/fastdl/internal/engine"
	"github.com/BadgerOps/fastdl/internal/rules"
	"github.com/caarlos0/env/v6"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Sync    SyncConfig            `yaml:"sync"`
	History HistoryConfig         `yaml:"history"`
	Log     LogConfig             `yaml:"log"`
	Games   map[string]GameConfig `yaml:"games"`
	Targets []TargetConfig        `yaml:"targets"`
}

// SyncConfig holds engine tuning
type SyncConfig struct {
	Workers          int    `yaml:"workers"`
	MinCompressSize  string `yaml:"min_compress_size"`
	MaxCompressSize  string `yaml:"max_compress_size"`
	CompressionLevel int    `yaml:"compression_level"`
	DigestCacheSize  int    `yaml:"digest_cache_size"`
}

// HistoryConfig holds run history settings. An empty DBPath disables history.
type HistoryConfig struct {
	DBPath string `yaml:"db_path"`
}

// LogConfig holds logging defaults; command-line flags take precedence.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GameConfig is the folder rule list of one game type
type GameConfig struct {
	Folders []FolderConfig `yaml:"folders"`
}

// FolderConfig is a single folder rule. Recursive defaults to true.
type FolderConfig struct {
	Path       string   `yaml:"path"`
	Extensions []string `yaml:"extensions"`
	Recursive  *bool    `yaml:"recursive,omitempty"`
	Exclude    []string `yaml:"exclude,omitempty"`
}

// TargetConfig is a FastDL distribution tree and the servers feeding it
type TargetConfig struct {
	Name    string         `yaml:"name"`
	Game    string         `yaml:"game"`
	Path    string         `yaml:"path"`
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig is a game server content root
type ServerConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// envOverrides are read from the environment after the YAML file.
type envOverrides struct {
	Workers   int    `env:"FASTDL_WORKERS"`
	HistoryDB string `env:"FASTDL_HISTORY_DB"`
	LogLevel  string `env:"FASTDL_LOG_LEVEL"`
	LogFormat string `env:"FASTDL_LOG_FORMAT"`
}

func folder(path string, extensions ...string) FolderConfig {
	return FolderConfig{Path: path, Extensions: extensions}
}

// DefaultGames returns the built-in rule table.
func DefaultGames() map[string]GameConfig {
	return map[string]GameConfig{
		"csgo": {
			Folders: []FolderConfig{
				folder("maps", ".bsp", ".ain", ".nav", ".jpg", ".txt"),
				folder("materials", ".vtf", ".vmt", ".vbf", ".png", ".svg"),
				folder("models", ".vtx", ".vvd", ".mdl", ".phy", ".jpg", ".png"),
				folder("particles", ".pcf"),
				folder("sound", ".wav", ".mp3", ".ogg"),
				folder("resource/flash/econ", ".png"),
				folder("demo", ".dem"),
			},
		},
	}
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			Workers:          4,
			MinCompressSize:  "1 MiB",
			MaxCompressSize:  "149999616",
			CompressionLevel: 9,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Games: DefaultGames(),
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"fastdl.yaml",
		"/etc/fastdl/fastdl.yaml",
	}

	if home, err := homedir.Dir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "fastdl", "fastdl.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// ApplyEnv loads the given dotenv files (".env" when none are named; a
// missing file is not an error) and overlays FASTDL_* variables.
func (c *Config) ApplyEnv(envFiles ...string) error {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading env file: %w", err)
	}

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	if o.Workers > 0 {
		c.Sync.Workers = o.Workers
	}
	if o.HistoryDB != "" {
		c.History.DBPath = o.HistoryDB
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Log.Format = o.LogFormat
	}
	return nil
}

// HistoryPath returns the expanded run history database path, or "" when
// history is disabled.
func (c *Config) HistoryPath() (string, error) {
	if c.History.DBPath == "" || c.History.DBPath == ":memory:" {
		return c.History.DBPath, nil
	}
	return homedir.Expand(c.History.DBPath)
}

// Settings converts the sync section into engine settings.
func (c *Config) Settings() (engine.Settings, error) {
	s := engine.DefaultSettings()

	if c.Sync.Workers < 0 {
		return s, fmt.Errorf("sync.workers must not be negative: %d", c.Sync.Workers)
	}
	if c.Sync.Workers > 0 {
		s.Workers = c.Sync.Workers
	}

	if c.Sync.MinCompressSize != "" {
		n, err := humanize.ParseBytes(c.Sync.MinCompressSize)
		if err != nil {
			return s, fmt.Errorf("sync.min_compress_size: %w", err)
		}
		s.MinCompressSize = int64(n)
	}
	if c.Sync.MaxCompressSize != "" {
		n, err := humanize.ParseBytes(c.Sync.MaxCompressSize)
		if err != nil {
			return s, fmt.Errorf("sync.max_compress_size: %w", err)
		}
		s.MaxCompressSize = int64(n)
	}
	if s.MinCompressSize >= s.MaxCompressSize {
		return s, fmt.Errorf("sync.min_compress_size (%d) must be below sync.max_compress_size (%d)", s.MinCompressSize, s.MaxCompressSize)
	}

	switch {
	case c.Sync.CompressionLevel == 0:
	case c.Sync.CompressionLevel < 1 || c.Sync.CompressionLevel > 9:
		return s, fmt.Errorf("sync.compression_level must be between 1 and 9: %d", c.Sync.CompressionLevel)
	default:
		s.CompressionLevel = c.Sync.CompressionLevel
	}

	s.DigestCacheSize = c.Sync.DigestCacheSize
	return s, nil
}

// RuleTable compiles the games section.
func (c *Config) RuleTable() (*rules.Table, error) {
	games := make(map[rules.GameType][]rules.FolderRule, len(c.Games))
	for name, game := range c.Games {
		var folders []rules.FolderRule
		for _, f := range game.Folders {
			recursive := true
			if f.Recursive != nil {
				recursive = *f.Recursive
			}
			rule, err := rules.NewFolderRule(f.Path, f.Extensions, recursive, f.Exclude)
			if err != nil {
				return nil, fmt.Errorf("game %q: %w", name, err)
			}
			folders = append(folders, rule)
		}
		games[rules.GameType(name)] = folders
	}
	return rules.NewTable(games)
}

// Resolve validates the configuration and produces the engine inputs.
func (c *Config) Resolve() (*engine.Layout, engine.Settings, error) {
	settings, err := c.Settings()
	if err != nil {
		return nil, settings, err
	}

	table, err := c.RuleTable()
	if err != nil {
		return nil, settings, err
	}

	layout := &engine.Layout{Rules: table}
	for _, tc := range c.Targets {
		root, err := expandRoot(tc.Path)
		if err != nil {
			return nil, settings, fmt.Errorf("target %q: %w", tc.Name, err)
		}
		if _, ok := c.Games[tc.Game]; !ok {
			return nil, settings, fmt.Errorf("target %q: unknown game %q (configured: %s)",
				tc.Name, tc.Game, strings.Join(c.GameNames(), ", "))
		}
		t := engine.Target{
			Name: tc.Name,
			Game: rules.GameType(tc.Game),
			Root: root,
		}
		for _, sc := range tc.Servers {
			sroot, err := expandRoot(sc.Path)
			if err != nil {
				return nil, settings, fmt.Errorf("server %q: %w", sc.Name, err)
			}
			t.Servers = append(t.Servers, engine.Server{
				Name: sc.Name,
				Game: t.Game,
				Root: sroot,
			})
		}
		layout.Targets = append(layout.Targets, t)
	}

	if err := layout.Validate(); err != nil {
		return nil, settings, err
	}
	return layout, settings, nil
}

// GameNames returns the configured game types in sorted order.
func (c *Config) GameNames() []string {
	names := make([]string, 0, len(c.Games))
	for name := range c.Games {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandRoot(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", p, err)
	}
	return filepath.Clean(expanded), nil
}
