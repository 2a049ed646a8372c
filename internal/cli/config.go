package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tailscale/hujson"
)

// ConfigFileName is the project config file looked up in the working
// directory.
const ConfigFileName = ".birddb.json"

// Config errors.
var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config")
	errCacheTableEmpty    = errors.New("cache table name cannot be empty")
	errLogLevelInvalid    = errors.New("log_level must be one of debug, info, warn, error")
)

// Config holds the shell's settings.
type Config struct {
	ReadOnly   bool     `json:"read_only,omitempty"`   //nolint:tagliatelle // snake_case for config file
	Monitor    bool     `json:"monitor,omitempty"`     //nolint:tagliatelle // snake_case for config file
	LogQueries bool     `json:"log_queries,omitempty"` //nolint:tagliatelle // snake_case for config file
	LogParams  bool     `json:"log_params,omitempty"`  //nolint:tagliatelle // snake_case for config file
	LogChanges bool     `json:"log_changes,omitempty"` //nolint:tagliatelle // snake_case for config file
	LogLevel   string   `json:"log_level,omitempty"`   //nolint:tagliatelle // snake_case for config file
	Cache      []string `json:"cache,omitempty"`
	History    string   `json:"history,omitempty"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration. History defaults to
// ~/.birddb_history when HOME is known.
func DefaultConfig(env map[string]string) Config {
	cfg := Config{LogLevel: "info"}

	if home := env["HOME"]; home != "" {
		cfg.History = filepath.Join(home, ".birddb_history")
	}

	return cfg
}

// globalConfigPath returns $XDG_CONFIG_HOME/birddb/config.json, or
// ~/.config/birddb/config.json. Empty when neither is known.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "birddb", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "birddb", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/birddb/config.json)
// 3. Project config file (.birddb.json in workDir, if it exists)
// 4. Explicit config file via configPath (replaces 3, must exist)
//
// Flags are applied on top by the caller.
func LoadConfig(workDir, configPath string, env map[string]string) (Config, ConfigSources, error) {
	cfg := DefaultConfig(env)

	var sources ConfigSources

	if path := globalConfigPath(env); path != "" {
		globalCfg, loaded, err := loadConfigFile(path, false)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		if loaded {
			sources.Global = path
			cfg = mergeConfig(cfg, globalCfg)
		}
	}

	projectPath := filepath.Join(workDir, ConfigFileName)
	mustExist := false

	if configPath != "" {
		projectPath = configPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true

		_, statErr := os.Stat(projectPath)
		if statErr != nil {
			return Config{}, ConfigSources{}, fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	}

	projectCfg, loaded, err := loadConfigFile(projectPath, mustExist)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	if loaded {
		sources.Project = projectPath
		cfg = mergeConfig(cfg, projectCfg)
	}

	return cfg, sources, nil
}

// loadConfigFile loads a config file. If mustExist is false, a missing file
// returns a zero config and loaded=false.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s: %w", errConfigFileRead, path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	err = validateConfig(cfg)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// mergeConfig overlays the set fields of overlay onto base. Booleans can
// only be switched on; cache tables accumulate.
func mergeConfig(base, overlay Config) Config {
	base.ReadOnly = base.ReadOnly || overlay.ReadOnly
	base.Monitor = base.Monitor || overlay.Monitor
	base.LogQueries = base.LogQueries || overlay.LogQueries
	base.LogParams = base.LogParams || overlay.LogParams
	base.LogChanges = base.LogChanges || overlay.LogChanges

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.History != "" {
		base.History = overlay.History
	}

	for _, table := range overlay.Cache {
		if !slices.Contains(base.Cache, table) {
			base.Cache = append(base.Cache, table)
		}
	}

	return base
}

func validateConfig(cfg Config) error {
	if slices.Contains(cfg.Cache, "") {
		return errCacheTableEmpty
	}

	if cfg.LogLevel != "" {
		_, err := parseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
	}

	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: %q", errLogLevelInvalid, s)
	}
}

// FormatConfig returns the config as formatted JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
