// Package config holds the file-location and TOML helpers shared by the
// scanbridge binary and its tests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	appDir   = "ScanBridge"
	unixName = "scanbridge"
)

// EnvPrefix prefixes every scanbridge environment variable.
const EnvPrefix = "SCANBRIDGE"

// ResolveConfigPath returns the config path to use. The flag value wins over
// SCANBRIDGE_CONFIG; an empty result means "search the default locations".
func ResolveConfigPath(flagValue string) string {
	if val := strings.TrimSpace(flagValue); val != "" {
		return val
	}
	return strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG"))
}

// FindConfigFile returns the first readable file named filename in the
// search path.
func FindConfigFile(filename string) (string, []byte, error) {
	for _, path := range GetConfigSearchPaths(filename) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}
	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// GetConfigSearchPaths returns candidate config locations, highest priority first:
// system dir, user dir, executable dir, working dir.
func GetConfigSearchPaths(filename string) []string {
	var searchPaths []string

	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), appDir, filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", appDir, filename))
	default:
		searchPaths = append(searchPaths, filepath.Join("/etc", unixName, filename))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "AppData", "Local", appDir, filename))
		case "darwin":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "Library", "Application Support", appDir, filename))
		default:
			searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", unixName, filename))
		}
	}

	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	searchPaths = append(searchPaths, filepath.Join(".", filename))
	return searchPaths
}

// GetDataDirectory returns (and creates) the directory for the audit database.
// Services use a system-wide location, interactive runs a per-user one.
func GetDataDirectory(isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), appDir)
		default:
			dataDir = filepath.Join("/var/lib", unixName)
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", appDir)
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", appDir)
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", unixName)
		}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// GetLogDirectory returns (and creates) the log directory.
func GetLogDirectory(isService bool) (string, error) {
	logDir := "logs"
	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), appDir, "logs")
		default:
			logDir = filepath.Join("/var/log", unixName)
		}
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return logDir, nil
}

// WriteDefaultTOML encodes cfg to configPath. It refuses to overwrite an
// existing file.
func WriteDefaultTOML(configPath string, cfg interface{}) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file %s already exists", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadTOML decodes configPath into cfg. Keys the struct does not know are
// reported as an error so typos do not silently fall back to defaults.
func LoadTOML(configPath string, cfg interface{}) error {
	meta, err := toml.DecodeFile(configPath, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys in %s: %s", configPath, strings.Join(keys, ", "))
	}
	return nil
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `toml:"level"`
	// TraceTags limits TRACE output to the named tags (e.g. "protocol",
	// "process_output"). Empty means every tag when Level is "trace".
	TraceTags []string `toml:"trace_tags"`
}

// ApplyLoggingEnvOverrides applies LOG_LEVEL.
func ApplyLoggingEnvOverrides(cfg *LoggingConfig) {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Level = val
	}
}

// ParseBool accepts the true-ish spellings used in env overrides.
func ParseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
