package config

import (
	"fmt"
	"time"

	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// ValidateConfig checks if the global configurations have valid values.
// Scan paths are normalized to absolute form in place.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("YAML global config: configuration object is nil")
	}
	if err := ValidateStoreConfig(&cfg.Store); err != nil {
		return fmt.Errorf("YAML global config: store directive is invalid: %w", err)
	}
	if err := ValidateScanConfig(&cfg.Scan); err != nil {
		return fmt.Errorf("YAML global config: scan directive is invalid: %w", err)
	}
	if err := ValidateRetentionConfig(&cfg.Retention); err != nil {
		return fmt.Errorf("YAML global config: retention directive is invalid: %w", err)
	}
	if err := ValidateWatcherConfig(&cfg.Watcher); err != nil {
		return fmt.Errorf("YAML global config: watcher directive is invalid: %w", err)
	}
	if err := ValidateJobsConfig(&cfg.Jobs); err != nil {
		return fmt.Errorf("YAML global config: jobs directive is invalid: %w", err)
	}
	return nil
}

// ValidateStoreConfig checks the store driver and its connection settings.
func ValidateStoreConfig(store *Store) error {
	switch store.Driver {
	case DriverFile:
		if store.Path == "" {
			return fmt.Errorf("path is required for the %q driver", DriverFile)
		}
		expanded, err := files.ExpandPath(store.Path)
		if err != nil {
			return err
		}
		store.Path = expanded
	case DriverPostgres:
		if store.DSN == "" {
			return fmt.Errorf("dsn is required for the %q driver", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown driver %q", store.Driver)
	}
	if store.CacheSize < 0 {
		return fmt.Errorf("cache_size cannot be negative: %d", store.CacheSize)
	}
	return nil
}

// ValidateScanConfig checks that every scan path is an existing readable directory.
func ValidateScanConfig(scan *Scan) error {
	if scan.MaxDepth < 1 || scan.MaxDepth > 64 {
		return fmt.Errorf("max_depth must be between 1 and 64: %d", scan.MaxDepth)
	}
	for i, p := range scan.Paths {
		normalized, err := ValidateScanPath(p)
		if err != nil {
			return err
		}
		scan.Paths[i] = normalized
	}
	for _, pattern := range scan.Patterns {
		if pattern.Language == "" {
			return fmt.Errorf("pattern language is required")
		}
		if len(pattern.Dirs) == 0 {
			return fmt.Errorf("pattern %q needs at least one directory name", pattern.Language)
		}
	}
	return nil
}

// ValidateScanPath normalizes p and checks it is a readable directory.
func ValidateScanPath(p string) (string, error) {
	normalized, err := files.NormalizePath(p)
	if err != nil {
		return "", err
	}
	if err := files.ValidateReadableDir(normalized); err != nil {
		return "", fmt.Errorf("scan path %q: %w", p, err)
	}
	return normalized, nil
}

// ValidateRetentionConfig checks the retention period and cycle interval.
func ValidateRetentionConfig(retention *Retention) error {
	if retention.Days < 1 {
		return fmt.Errorf("days must be a positive integer: %d", retention.Days)
	}
	if err := validateDuration(retention.CycleInterval, "cycle_interval", 7*24*time.Hour); err != nil {
		return err
	}
	if retention.CycleInterval < time.Minute {
		return fmt.Errorf("cycle_interval must be at least 1m: %v", retention.CycleInterval)
	}
	return nil
}

// ValidateWatcherConfig checks debounce and fallback intervals.
func ValidateWatcherConfig(watcher *Watcher) error {
	durations := []struct {
		name  string
		value time.Duration
		max   time.Duration
	}{
		{"debounce", watcher.Debounce, time.Minute},
		{"max_wait", watcher.MaxWait, 10 * time.Minute},
		{"fallback_interval", watcher.FallbackInterval, 24 * time.Hour},
	}
	for _, d := range durations {
		if err := validateDuration(d.value, d.name, d.max); err != nil {
			return err
		}
	}
	if watcher.MaxWait < watcher.Debounce {
		return fmt.Errorf("max_wait %v is shorter than debounce %v", watcher.MaxWait, watcher.Debounce)
	}
	if watcher.FallbackInterval < time.Second {
		return fmt.Errorf("fallback_interval must be at least 1s: %v", watcher.FallbackInterval)
	}
	return nil
}

// ValidateJobsConfig checks the executor settings.
func ValidateJobsConfig(jobs *Jobs) error {
	if jobs.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent cannot be negative: %d", jobs.MaxConcurrent)
	}
	if jobs.ElevationCommand == "" {
		return fmt.Errorf("elevation_command is required")
	}
	if err := validateDuration(jobs.RebuildTimeout, "rebuild_timeout", 24*time.Hour); err != nil {
		return err
	}
	return nil
}

// validateDuration checks that a time.Duration is valid and within a specified maximum duration.
func validateDuration(d time.Duration, name string, max time.Duration) error {
	if d < 0 {
		return fmt.Errorf("invalid duration for %q: %v cannot be negative", name, d)
	}
	if d > max {
		return fmt.Errorf("%q duration is too long: %v exceeds maximum of %v", name, d, max)
	}
	return nil
}
