package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"

	"gopad/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "gopad"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "GOPAD_DATA_DIR"
	// DefaultListeningPort is the host TCP port used in fixed mode without a value.
	DefaultListeningPort = 8789
	// DefaultControlAddress is the local control surface listen address.
	DefaultControlAddress = "127.0.0.1:8790"
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultThreshold   = 0.5
	DefaultDeadzone    = 0.1
	DefaultSensitivity = 10.0

	configFileName = "config.json"
)

// TranslationConfig tunes how the host turns controller input into OS input.
type TranslationConfig struct {
	Threshold   float64           `json:"threshold"`
	Deadzone    float64           `json:"deadzone"`
	Sensitivity float64           `json:"sensitivity"`
	KeyMap      map[string]string `json:"key_map,omitempty"`
}

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID              string            `json:"device_id"`
	DeviceName            string            `json:"device_name"`
	Role                  models.Role       `json:"role"`
	PortMode              string            `json:"port_mode"`
	ListeningPort         int               `json:"listening_port"`
	Ed25519PrivateKeyPath string            `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string            `json:"ed25519_public_key_path"`
	KeyFingerprint        string            `json:"key_fingerprint"`
	AutoAccept            *bool             `json:"auto_accept"`
	ControlAddress        string            `json:"control_address"`
	Translation           TranslationConfig `json:"translation"`
}

// AutoAcceptEnabled reports the host invitation policy. Unset means accept.
func (c *DeviceConfig) AutoAcceptEnabled() bool {
	return c.AutoAccept == nil || *c.AutoAccept
}

// ListenAddress returns the host TCP listen address for the port mode.
func (c *DeviceConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return ":" + strconv.Itoa(c.ListeningPort)
	}
	return ":0"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GOPAD_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path, and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Gopad Device"
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if role, err := models.ParseRole(string(cfg.Role)); err != nil {
		cfg.Role = models.RoleHost
		updated = true
	} else if role != cfg.Role {
		cfg.Role = role
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}
	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}

	if cfg.AutoAccept == nil {
		accept := true
		cfg.AutoAccept = &accept
		updated = true
	}
	if cfg.ControlAddress == "" {
		cfg.ControlAddress = DefaultControlAddress
		updated = true
	}

	tr := &cfg.Translation
	if tr.Threshold <= 0 || tr.Threshold >= 1 {
		tr.Threshold = DefaultThreshold
		updated = true
	}
	if tr.Deadzone <= 0 || tr.Deadzone >= 1 {
		tr.Deadzone = DefaultDeadzone
		updated = true
	}
	if tr.Sensitivity <= 0 {
		tr.Sensitivity = DefaultSensitivity
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
