// Package config handles helpdesk-sync configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/helpdesk-sync/config.yaml,
// /etc/helpdesk-sync/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "helpdesk-sync", "config.yaml"))
	}

	paths = append(paths, "/etc/helpdesk-sync/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all helpdesk-sync configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Sync      SyncConfig      `yaml:"sync"`
	Mailboxes []MailboxConfig `yaml:"mailboxes"`
	LogLevel  string          `yaml:"log_level"`
}

// DatabaseConfig defines where messages are persisted.
type DatabaseConfig struct {
	// Path is the SQLite database file (default: "helpdesk.db").
	Path string `yaml:"path"`
}

// StorageConfig defines where attachment blobs land.
type StorageConfig struct {
	// Dir is the blob directory (default: "attachments").
	Dir string `yaml:"dir"`
	// BaseURL prefixes the public URL of every stored blob
	// (e.g., "https://desk.example.com").
	BaseURL string `yaml:"base_url"`
}

// SyncConfig defines run-mode settings shared by all mailboxes.
type SyncConfig struct {
	// Mode selects which messages to discover: unread, latest, recent.
	Mode string `yaml:"mode"`
	// Limit caps discovery in latest mode (0 = mode default).
	Limit int `yaml:"limit"`
	// PollIntervalSec spaces out poll cycles in poll mode (default 300).
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// MailboxConfig defines one mailbox to ingest and the tenant scope its
// messages are stored under.
type MailboxConfig struct {
	TenantID string `yaml:"tenant_id"`
	StoreID  string `yaml:"store_id"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // default 993
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Insecure disables implicit TLS. Off by default.
	Insecure bool   `yaml:"insecure"`
	Folder   string `yaml:"folder"` // default "INBOX"
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so passwords can stay out of the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "helpdesk.db"},
		Storage:  StorageConfig{Dir: "attachments"},
		Sync: SyncConfig{
			Mode:            "unread",
			PollIntervalSec: 300,
		},
	}
}

// Validate checks that the configuration is complete enough to run.
func (c *Config) Validate() error {
	if len(c.Mailboxes) == 0 {
		return fmt.Errorf("config: no mailboxes defined")
	}
	for i, mb := range c.Mailboxes {
		if mb.Host == "" {
			return fmt.Errorf("config: mailboxes[%d]: host is required", i)
		}
		if mb.Username == "" {
			return fmt.Errorf("config: mailboxes[%d]: username is required", i)
		}
		if mb.Password == "" {
			return fmt.Errorf("config: mailboxes[%d]: password is required", i)
		}
	}
	return nil
}
