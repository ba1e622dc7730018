package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for quill.
type Config struct {
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	Remote   RemoteConfig   `toml:"remote"`
	Database DatabaseConfig `toml:"database"`
	Store    StoreConfig    `toml:"store"`
	Sync     SyncConfig     `toml:"sync"`
	Import   ImportConfig   `toml:"import"`
}

// RemoteConfig points at the book service and the externally managed
// bearer token.
type RemoteConfig struct {
	BaseURL   string `toml:"base_url"`
	TokenPath string `toml:"token_path"`
}

// DatabaseConfig configures the ledger database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StoreConfig configures the local content store.
type StoreConfig struct {
	Root string `toml:"root"`
}

// SyncConfig tunes the background sync cycle.
type SyncConfig struct {
	IntervalSeconds int `toml:"interval_seconds"` // defaults to 30
	UploadWorkers   int `toml:"upload_workers"`   // defaults to 2
}

// Interval returns the sync interval as a duration, 0 meaning default.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ImportConfig bounds what import accepts.
type ImportConfig struct {
	MaxUploadSize int64    `toml:"max_upload_size"`
	AllowedTypes  []string `toml:"allowed_types"`
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir, serverURL string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Remote: RemoteConfig{
			BaseURL:   serverURL,
			TokenPath: filepath.Join(baseDir, "token"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Store: StoreConfig{
			Root: filepath.Join(baseDir, "store"),
		},
		Sync: SyncConfig{
			IntervalSeconds: 30,
			UploadWorkers:   2,
		},
		Import: ImportConfig{
			MaxUploadSize: 25 << 20, // 25 MiB
			AllowedTypes: []string{
				"image/png", "image/jpeg", "image/gif", "image/webp",
				"application/pdf",
			},
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
