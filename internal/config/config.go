// Package config handles loading and managing mailsweep configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// AccountSchedule defines the sync schedule for a single account.
type AccountSchedule struct {
	Email    string `toml:"email"`    // Gmail account email
	Schedule string `toml:"schedule"` // Cron expression (e.g., "0 2 * * *" for 2am daily)
	Enabled  bool   `toml:"enabled"`  // Whether scheduled sync is active
}

// Config represents the mailsweep configuration.
type Config struct {
	Data     DataConfig        `toml:"data"`
	OAuth    OAuthConfig       `toml:"oauth"`
	Sync     SyncConfig        `toml:"sync"`
	Archive  ArchiveConfig     `toml:"archive"`
	Accounts []AccountSchedule `toml:"accounts"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// DataConfig holds data storage configuration.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// OAuthConfig holds OAuth configuration.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"`
}

// SyncConfig holds sync-related configuration.
type SyncConfig struct {
	RateLimitQPS int `toml:"rate_limit_qps"`
	Workers      int `toml:"workers"`    // concurrent fetchers
	QueueSize    int `toml:"queue_size"` // pending ids buffered between lister and workers
	PageSize     int `toml:"page_size"`  // ids per list request (max 500)
	BatchSize    int `toml:"batch_size"` // messages per cache flush
}

// ArchiveConfig holds bulk-archive configuration.
type ArchiveConfig struct {
	ChunkSize      int `toml:"chunk_size"`      // ids per batchModify call (max 100)
	ChunksPerMin   int `toml:"chunks_per_min"`  // pacing between remote mutations
	SelectionLimit int `toml:"selection_limit"` // max messages a criterion may select
}

// DefaultHome returns the default mailsweep home directory.
// Respects MAILSWEEP_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILSWEEP_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailsweep"
	}
	return filepath.Join(home, ".mailsweep")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.mailsweep/config.toml).
func Load(path string) (*Config, error) {
	homeDir := DefaultHome()

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		// Defaults
		Data: DataConfig{
			DataDir: homeDir,
		},
		Sync: SyncConfig{
			RateLimitQPS: 5,
			Workers:      10,
			QueueSize:    1000,
			PageSize:     500,
			BatchSize:    50,
		},
		Archive: ArchiveConfig{
			ChunkSize:      100,
			ChunksPerMin:   60,
			SelectionLimit: 200,
		},
		Accounts: []AccountSchedule{},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Expand ~ in paths
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.OAuth.ClientSecrets = expandPath(cfg.OAuth.ClientSecrets)

	cfg.clamp()

	return cfg, nil
}

// clamp forces tunables back into their valid ranges. The page size and
// chunk size caps come from the remote API; the rest guard against
// zero or negative values from a hand-edited file.
func (c *Config) clamp() {
	if c.Sync.Workers < 1 {
		c.Sync.Workers = 1
	}
	if c.Sync.QueueSize < 1 {
		c.Sync.QueueSize = 1
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 500 {
		c.Sync.PageSize = 500
	}
	if c.Sync.BatchSize < 1 {
		c.Sync.BatchSize = 50
	}
	if c.Archive.ChunkSize < 1 || c.Archive.ChunkSize > 100 {
		c.Archive.ChunkSize = 100
	}
	if c.Archive.ChunksPerMin < 1 {
		c.Archive.ChunksPerMin = 60
	}
	if c.Archive.SelectionLimit < 1 {
		c.Archive.SelectionLimit = 200
	}
}

// DatabasePath returns the path to the SQLite cache for an account.
// Each account has its own database file so purging one account's
// cache never touches another's.
func (c *Config) DatabasePath(email string) string {
	return filepath.Join(c.Data.DataDir, sanitizeEmail(email)+".db")
}

// TokensDir returns the path to the OAuth tokens directory.
func (c *Config) TokensDir() string {
	return filepath.Join(c.Data.DataDir, "tokens")
}

// ScheduledAccounts returns accounts with scheduling enabled.
func (c *Config) ScheduledAccounts() []AccountSchedule {
	var scheduled []AccountSchedule
	for _, acc := range c.Accounts {
		if acc.Enabled && acc.Schedule != "" {
			scheduled = append(scheduled, acc)
		}
	}
	return scheduled
}

// GetAccountSchedule returns the schedule for a specific account email.
// Returns nil if the account is not configured for scheduling.
func (c *Config) GetAccountSchedule(email string) *AccountSchedule {
	for i := range c.Accounts {
		if c.Accounts[i].Email == email {
			return &c.Accounts[i]
		}
	}
	return nil
}

// sanitizeEmail makes an email safe to use as a file name component.
func sanitizeEmail(email string) string {
	safe := strings.ReplaceAll(email, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return safe
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
