package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "sechat"
	// DefaultKeyTTLSeconds is the conversation key lifetime when unset.
	DefaultKeyTTLSeconds = 24 * 60 * 60
	// DefaultTypingTimeoutMillis clears a typing flag after this much silence.
	DefaultTypingTimeoutMillis = 5000
	// DefaultRedisAddr is used when neither the file nor the env names a server.
	DefaultRedisAddr = "localhost:6379"
	// PolicyReject drops status updates that skip a step.
	PolicyReject = "reject"
	// PolicyAutoPromote walks skipped steps forward.
	PolicyAutoPromote = "auto_promote"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	UserID                string `json:"user_id"`
	DisplayName           string `json:"display_name"`
	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	X25519PrivateKeyPath  string `json:"x25519_private_key_path"`
	KeyTTLSeconds         int    `json:"key_ttl_seconds"`
	TypingTimeoutMillis   int    `json:"typing_timeout_ms"`
	TransitionPolicy      string `json:"transition_policy"`
	SuppressSelfTyping    bool   `json:"suppress_self_typing"`
	RedisAddr             string `json:"redis_addr"`
	RedisPassword         string `json:"redis_password,omitempty"`
	RedisDB               int    `json:"redis_db"`
	LogLevel              string `json:"log_level"`
	LogFormat             string `json:"log_format"`
	MetricsAddr           string `json:"metrics_addr,omitempty"`
}

// KeyTTL returns the conversation key lifetime.
func (c *ClientConfig) KeyTTL() time.Duration {
	return time.Duration(c.KeyTTLSeconds) * time.Second
}

// TypingTimeout returns how long a typing flag stays set without a refresh.
func (c *ClientConfig) TypingTimeout() time.Duration {
	return time.Duration(c.TypingTimeoutMillis) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SECHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("SECHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned value only and are
// never written back.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}

	applyEnv(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	cfg := &ClientConfig{SuppressSelfTyping: true}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "SeChat User"
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setPositive := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	if _, err := uuid.Parse(cfg.UserID); err != nil {
		cfg.UserID = uuid.NewString()
		updated = true
	}
	setString(&cfg.DisplayName, defaultDisplayName())
	setString(&cfg.Ed25519PrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.X25519PrivateKeyPath, filepath.Join(keysDir, "x25519_private.pem"))
	setPositive(&cfg.KeyTTLSeconds, DefaultKeyTTLSeconds)
	setPositive(&cfg.TypingTimeoutMillis, DefaultTypingTimeoutMillis)
	setString(&cfg.RedisAddr, DefaultRedisAddr)
	setString(&cfg.LogLevel, "info")
	setString(&cfg.LogFormat, "json")

	policy := normalizePolicy(cfg.TransitionPolicy)
	if cfg.TransitionPolicy != policy {
		cfg.TransitionPolicy = policy
		updated = true
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
		updated = true
	}

	return updated
}

func normalizePolicy(policy string) string {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case PolicyAutoPromote:
		return PolicyAutoPromote
	default:
		return PolicyReject
	}
}

func applyEnv(cfg *ClientConfig) {
	if v := os.Getenv("SECHAT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SECHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SECHAT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}
