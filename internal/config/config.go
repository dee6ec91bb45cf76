package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"

	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

const (
	DriverFile     = "file"
	DriverPostgres = "postgres"

	defaultHomeFolder = ".ratifact"
	defaultConfigName = "config.yml"
	defaultStateName  = "state.json"
	defaultLogName    = "ratifact.log"
)

type Config struct {
	Ratifact  Ratifact  `yaml:"ratifact"`
	Logger    Logger    `yaml:"logger"`
	Store     Store     `yaml:"store"`
	Scan      Scan      `yaml:"scan"`
	Retention Retention `yaml:"retention"`
	Watcher   Watcher   `yaml:"watcher"`
	Jobs      Jobs      `yaml:"jobs"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-"`
}

type Ratifact struct {
	HomeFolder string `yaml:"home_folder"`
}

type Logger struct {
	Level           string `yaml:"level"`
	DisableTime     *bool  `yaml:"disable_time,omitempty"`
	JSONFormat      *bool  `yaml:"json_format,omitempty"`
	IncludeLocation *bool  `yaml:"include_location,omitempty"`
	File            string `yaml:"file,omitempty"`
}

type Store struct {
	Driver    string `yaml:"driver"`
	Path      string `yaml:"path,omitempty"`
	DSN       string `yaml:"dsn,omitempty"`
	CacheSize int    `yaml:"cache_size,omitempty"`
}

// Pattern is an additional build-output rule appended to the built-in table.
type Pattern struct {
	Language    string   `yaml:"language"`
	BuildSystem string   `yaml:"build_system,omitempty"`
	Dirs        []string `yaml:"dirs"`
	Markers     []string `yaml:"markers"`
}

type Scan struct {
	Paths    []string  `yaml:"paths"`
	MaxDepth int       `yaml:"max_depth"`
	Patterns []Pattern `yaml:"patterns,omitempty"`
}

type Retention struct {
	Days             int           `yaml:"days"`
	AutomaticRemoval bool          `yaml:"automatic_removal"`
	CycleInterval    time.Duration `yaml:"cycle_interval"`
}

type Watcher struct {
	Enabled          *bool         `yaml:"enabled,omitempty"`
	Debounce         time.Duration `yaml:"debounce"`
	MaxWait          time.Duration `yaml:"max_wait"`
	FallbackInterval time.Duration `yaml:"fallback_interval"`
}

type Jobs struct {
	MaxConcurrent    int               `yaml:"max_concurrent"`
	ElevationCommand string            `yaml:"elevation_command"`
	RebuildTimeout   time.Duration     `yaml:"rebuild_timeout"`
	RebuildCommands  map[string]string `yaml:"rebuild_commands,omitempty"`
}

// DefaultRebuildCommands maps a build system to the shell command that rebuilds it.
func DefaultRebuildCommands() map[string]string {
	return map[string]string{
		"cargo":  "cargo build",
		"npm":    "npm run build",
		"maven":  "mvn -q package",
		"gradle": "gradle build",
		"cmake":  "cmake --build build",
		"go":     "go build ./...",
		"make":   "make",
	}
}

// Default returns a configuration populated with default values.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultConfigPath returns RATIFACT_CONFIG if set, otherwise ~/.ratifact/config.yml.
func DefaultConfigPath() (string, error) {
	if p := os.Getenv("RATIFACT_CONFIG"); p != "" {
		return files.ExpandPath(p)
	}
	home, err := resolveHome("")
	if err != nil {
		return "", err
	}
	return filepath.Join(home, defaultConfigName), nil
}

// LoadDotEnv loads environment variables from .env files, ignoring missing files.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file %q: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads the YAML configuration at configPath and applies defaults and
// environment overrides. A missing file is an error only when explicit is true.
func LoadConfig(configPath string, explicit bool) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", configPath, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file %q: %w", configPath, err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	cfg.Source = configPath
	return cfg, nil
}

// SaveConfig writes cfg to configPath as YAML.
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := files.WriteFileAtomic(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %q: %w", configPath, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if home := os.Getenv("RATIFACT_HOME"); home != "" {
		cfg.Ratifact.HomeFolder = home
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.Driver = DriverPostgres
		cfg.Store.DSN = dsn
	}
}

func applyDefaults(cfg *Config) {
	if home, err := resolveHome(cfg.Ratifact.HomeFolder); err == nil {
		cfg.Ratifact.HomeFolder = home
	}

	cfg.Logger.Level = SetThen(cfg.Logger.Level, "INFO")

	cfg.Store.Driver = SetThen(cfg.Store.Driver, DriverFile)
	cfg.Store.Path = SetThen(cfg.Store.Path, filepath.Join(cfg.Ratifact.HomeFolder, defaultStateName))
	cfg.Store.CacheSize = SetThen(cfg.Store.CacheSize, 1024)

	if len(cfg.Scan.Paths) == 0 {
		cfg.Scan.Paths = []string{"."}
	}
	cfg.Scan.MaxDepth = SetThen(cfg.Scan.MaxDepth, 6)

	cfg.Retention.Days = SetThen(cfg.Retention.Days, 30)
	cfg.Retention.CycleInterval = SetThen(cfg.Retention.CycleInterval, time.Hour)

	cfg.Watcher.Debounce = SetThen(cfg.Watcher.Debounce, 500*time.Millisecond)
	cfg.Watcher.MaxWait = SetThen(cfg.Watcher.MaxWait, 5*time.Second)
	cfg.Watcher.FallbackInterval = SetThen(cfg.Watcher.FallbackInterval, 5*time.Minute)

	cfg.Jobs.ElevationCommand = SetThen(cfg.Jobs.ElevationCommand, "sudo")
	cfg.Jobs.RebuildTimeout = SetThen(cfg.Jobs.RebuildTimeout, 30*time.Minute)
	commands := DefaultRebuildCommands()
	for k, v := range cfg.Jobs.RebuildCommands {
		commands[k] = v
	}
	cfg.Jobs.RebuildCommands = commands
}

// resolveHome expands folder or falls back to ~/.ratifact.
func resolveHome(folder string) (string, error) {
	if folder == "" {
		if env := os.Getenv("RATIFACT_HOME"); env != "" {
			folder = env
		} else {
			userHome, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("unable to get user home folder: %w", err)
			}
			folder = filepath.Join(userHome, defaultHomeFolder)
		}
	}
	return files.ExpandPath(folder)
}

// GetRatifactHome returns the state directory, creating it if needed.
func GetRatifactHome(cfg *Config) (string, error) {
	home, err := resolveHome(cfg.Ratifact.HomeFolder)
	if err != nil {
		return "", err
	}
	if err := files.CreateFolderIfNotExists(home); err != nil {
		return "", fmt.Errorf("failed to create home folder %q: %w", home, err)
	}
	return home, nil
}

// DefaultLogFile returns the log file used when output must stay off the terminal.
func DefaultLogFile(cfg *Config) string {
	if cfg.Logger.File != "" {
		return cfg.Logger.File
	}
	return filepath.Join(cfg.Ratifact.HomeFolder, defaultLogName)
}

// WatcherEnabled reports whether live change notification is turned on.
func WatcherEnabled(cfg *Config) bool {
	return GetBoolValue(cfg, "Watcher.Enabled", true)
}
