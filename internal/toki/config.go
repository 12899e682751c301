package toki

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/toki.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
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

	// Merge TOKI_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge TOKI_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "TOKI_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	CacheDir = cfg.Values["TOKI_CACHE_DIR"]
	if CacheDir == "" {
		CacheDir = "/var/cache/toki"
	}

	Debug = cfg.Values["TOKI_DEBUG"] == "1"

	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	if mirror, exists := cfg.Values["TOKI_MIRROR"]; exists && mirror != "" {
		ArtifactMirror = strings.TrimRight(mirror, "/")
		debugf("=> Using artifact mirror: %s\n", ArtifactMirror)
	}

	SourcesDir = filepath.Join(CacheDir, "sources")
	CacheStore = filepath.Join(SourcesDir, "_cache")
	ToolchainDir = filepath.Join(CacheDir, "toolchains")
	ArtifactDir = filepath.Join(CacheDir, "artifacts")
	LogDir = filepath.Join(CacheDir, "logs")
	BinDir = "bin" // relative to the project directory
}
