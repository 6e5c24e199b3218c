// Package appconfig loads filehash's one piece of ambient configuration:
// which subdirectory of ~/.cache holds the stat cache's backing file. A
// missing config file is not an error — it just means the default applies.
package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// DefaultCacheAppDir is used when no config file sets cache_app_dir.
const DefaultCacheAppDir = "filehash"

// Config is filehash's whole configuration surface.
type Config struct {
	CacheAppDir string `json:"cache_app_dir,omitempty"` //nolint:tagliatelle // snake_case for config file
}

// Default returns the zero-config defaults.
func Default() Config {
	return Config{CacheAppDir: DefaultCacheAppDir}
}

// Load reads the global config file (JSONC) if present and overlays it onto
// Default. A missing file is not an error; a present-but-malformed file is.
// env is searched for XDG_CONFIG_HOME the same way the teacher's global
// config lookup does, falling back to os.UserHomeDir.
func Load(env []string) (Config, error) {
	cfg := Default()

	path := configPath(env)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("appconfig: read %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("appconfig: %q is not valid JSONC: %w", path, err)
	}

	var fileCfg Config

	if err := json.Unmarshal(standardized, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("appconfig: %q: %w", path, err)
	}

	if fileCfg.CacheAppDir != "" {
		cfg.CacheAppDir = fileCfg.CacheAppDir
	}

	return cfg, nil
}

func configPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok && after != "" {
			return filepath.Join(after, "filehash", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "filehash", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "filehash", "config.json")
}
