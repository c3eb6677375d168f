package modcd

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"
)

const defaultVolumeID = "CUSTOM_LIVECD"

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/modcd.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// A missing file is fine, everything has a default.
	file, err := os.Open(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge MODCD_* env overrides
	mergeEnvOverrides(cfg)

	if tmp := cfg.Values["MODCD_TMPDIR"]; tmp == "" {
		cfg.Values["MODCD_TMPDIR"] = os.TempDir()
	}
	if cfg.Values["MODCD_VOLUME_ID"] == "" {
		cfg.Values["MODCD_VOLUME_ID"] = defaultVolumeID
	}

	return cfg, nil
}

// Merge MODCD_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "MODCD_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func (c *Config) Get(key string) string {
	if c == nil {
		return ""
	}
	return c.Values[key]
}

func (c *Config) Bool(key string) bool {
	switch strings.ToLower(c.Get(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (c *Config) TmpDir() string   { return c.Get("MODCD_TMPDIR") }
func (c *Config) VolumeID() string { return c.Get("MODCD_VOLUME_ID") }
func (c *Config) Debug() bool      { return c.Bool("MODCD_DEBUG") }
