// Copyright (c) 2024 The BitFS developers
// Use of this source code is governed by the Open BSV License v5
// that can be found in the LICENSE file.

// Package config loads and saves the vault's configuration file and builds
// the objects the configuration describes.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bitfsorg/sealvault/keys"
)

const (
	// configFileName is the name of the configuration file inside the data
	// directory.
	configFileName = "config"

	// defaultDirName is the data directory created under the home directory.
	defaultDirName = ".sealvault"

	// MasterKeyEnv overrides the masterkey setting when non-empty.
	MasterKeyEnv = "SEALVAULT_MASTER_KEY"

	defaultMaxUpload    = 100 << 20
	defaultQuota        = 1 << 30
	defaultKDFThreads   = 1
	configFileMode      = 0600
	configDirectoryMode = 0700
)

// Config holds the settings read from the configuration file.
type Config struct {
	DataDir  string
	LogLevel string
	LogFile  string

	// MasterKey is the passphrase that wraps principals' secrets. Empty
	// leaves sealed principals without a usable key.
	MasterKey string

	MaxUpload    int64
	DefaultQuota int64

	// Argon2id cost of master-key wrapping.
	KDFTime   uint32
	KDFMemory uint32 // KiB
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		DataDir:      DefaultDataDir(),
		LogLevel:     "info",
		MaxUpload:    defaultMaxUpload,
		DefaultQuota: defaultQuota,
		KDFTime:      keys.DefaultKDFParams.Time,
		KDFMemory:    keys.DefaultKDFParams.Memory,
	}
}

// DefaultDataDir returns ~/.sealvault, or .sealvault in the working
// directory when the home directory cannot be determined.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDirName
	}
	return filepath.Join(home, defaultDirName)
}

// ConfigPath returns the path of the configuration file in dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// KDFParams returns the master-key cost parameters.
func (c Config) KDFParams() keys.KDFParams {
	return keys.KDFParams{Time: c.KDFTime, Memory: c.KDFMemory, Threads: defaultKDFThreads}
}

// NewMasterKey builds the master key from the configured passphrase. It
// returns nil, nil when no passphrase is configured.
func (c Config) NewMasterKey() (*keys.MasterKey, error) {
	if c.MasterKey == "" {
		return nil, nil
	}
	mk, err := keys.NewMasterKey(c.MasterKey, c.KDFParams())
	if err != nil {
		return nil, fmt.Errorf("config: master key: %w", err)
	}
	return mk, nil
}

// LoadConfig reads a key = value configuration file. Lines starting with #
// and blank lines are skipped, unknown keys are ignored and unset keys keep
// their defaults. The master key environment variable, when set, overrides
// the file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, err := parseKeyValue(line)
		if err != nil {
			return Config{}, fmt.Errorf("%w: line %d", err, lineNo)
		}
		if err := cfg.set(key, value); err != nil {
			return Config{}, fmt.Errorf("%w: line %d: %w", ErrInvalidConfigLine, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	ApplyEnv(&cfg)
	return cfg, nil
}

// ApplyEnv applies environment overrides to cfg.
func ApplyEnv(cfg *Config) {
	if mk := os.Getenv(MasterKeyEnv); mk != "" {
		cfg.MasterKey = mk
	}
}

// parseKeyValue splits a line on its first '='.
func parseKeyValue(line string) (string, string, error) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", ErrInvalidConfigLine
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "", "", ErrInvalidConfigLine
	}
	return key, strings.TrimSpace(value), nil
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "datadir":
		c.DataDir = value
	case "loglevel":
		c.LogLevel = value
	case "logfile":
		c.LogFile = value
	case "masterkey":
		c.MasterKey = value
	case "maxupload":
		c.MaxUpload, err = strconv.ParseInt(value, 10, 64)
	case "defaultquota":
		c.DefaultQuota, err = strconv.ParseInt(value, 10, 64)
	case "kdftime":
		c.KDFTime, err = parseUint32(value)
	case "kdfmemory":
		c.KDFMemory, err = parseUint32(value)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

// SaveConfig writes cfg to path, creating parent directories as needed.
// The file is written owner-readable only since it may hold the master key.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirectoryMode); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# SealVault Configuration\n\n")
	fmt.Fprintf(&b, "datadir = %s\n", cfg.DataDir)
	fmt.Fprintf(&b, "loglevel = %s\n", cfg.LogLevel)
	fmt.Fprintf(&b, "logfile = %s\n", cfg.LogFile)
	fmt.Fprintf(&b, "masterkey = %s\n", cfg.MasterKey)
	fmt.Fprintf(&b, "maxupload = %d\n", cfg.MaxUpload)
	fmt.Fprintf(&b, "defaultquota = %d\n", cfg.DefaultQuota)
	fmt.Fprintf(&b, "kdftime = %d\n", cfg.KDFTime)
	fmt.Fprintf(&b, "kdfmemory = %d\n", cfg.KDFMemory)

	if err := os.WriteFile(path, []byte(b.String()), configFileMode); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
