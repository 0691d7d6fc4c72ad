// Package config holds the server configuration loaded once at startup.
package config

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalidConfig reports a configuration value that cannot be used.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the whole server configuration. It is decoded from TOML and
// passed explicitly to every constructor that needs a setting.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Database DatabaseConfig `toml:"database"`
	Storage  StorageConfig  `toml:"storage"`
	Monorepo MonorepoConfig `toml:"monorepo"`
	HTTP     HTTPConfig     `toml:"http"`
	SSH      SSHConfig      `toml:"ssh"`
	Git      GitConfig      `toml:"git"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type DatabaseConfig struct {
	// Path of the SQLite database file. ":memory:" keeps everything in RAM.
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

type StorageConfig struct {
	// Objects larger than this many KiB go to the raw store when
	// RawStorage is enabled.
	BigObjThresholdKB int    `toml:"big_obj_threshold_kb"`
	RawStorage        bool   `toml:"raw_storage"`
	ObjLocalPath      string `toml:"obj_local_path"`
	BatchChunkSize    int    `toml:"batch_chunk_size"`
}

type MonorepoConfig struct {
	// RootName is the alias clients may use for the monorepo root "/".
	RootName      string   `toml:"root_name"`
	RootDirs      []string `toml:"root_dirs"`
	DefaultBranch string   `toml:"default_branch"`
	AuthorName    string   `toml:"author_name"`
	AuthorEmail   string   `toml:"author_email"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type SSHConfig struct {
	// Addr is empty to disable the SSH listener.
	Addr        string `toml:"addr"`
	HostKeyPath string `toml:"host_key_path"`
	// AuthorizedKeysPath lists the client keys allowed to connect. When
	// empty every key is accepted.
	AuthorizedKeysPath string `toml:"authorized_keys_path"`
}

type GitConfig struct {
	// Addr of the read-only git:// daemon, disabled when empty.
	Addr string `toml:"addr"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Path:         "monogit.db",
			MaxOpenConns: 1,
		},
		Storage: StorageConfig{
			BigObjThresholdKB: 1024,
			RawStorage:        true,
			ObjLocalPath:      "objects",
			BatchChunkSize:    1000,
		},
		Monorepo: MonorepoConfig{
			RootName:      "root",
			RootDirs:      []string{"projects", "docs", "third_party"},
			DefaultBranch: "main",
			AuthorName:    "MEGA",
			AuthorEmail:   "admin@mega.com",
		},
		HTTP: HTTPConfig{Addr: ":8000"},
		SSH:  SSHConfig{Addr: ":2222", HostKeyPath: "ssh_host_ed25519_key"},
		Git:  GitConfig{Addr: ""},
	}
}

// Load reads a TOML file on top of Default. Keys absent from the file keep
// their default values.
func Load(file string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(file, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", file, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("load config %s: %w: unknown keys %s", file, ErrInvalidConfig, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", file, err)
	}
	return cfg, nil
}

// Parse decodes TOML text on top of Default.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is empty", ErrInvalidConfig)
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("%w: database.max_open_conns must be positive", ErrInvalidConfig)
	}
	if c.Storage.BatchChunkSize < 1 {
		return fmt.Errorf("%w: storage.batch_chunk_size must be positive", ErrInvalidConfig)
	}
	if c.Storage.BigObjThresholdKB < 0 {
		return fmt.Errorf("%w: storage.big_obj_threshold_kb is negative", ErrInvalidConfig)
	}
	if c.Storage.RawStorage && c.Storage.ObjLocalPath == "" {
		return fmt.Errorf("%w: storage.obj_local_path is required with raw_storage", ErrInvalidConfig)
	}
	if c.Monorepo.DefaultBranch == "" || strings.ContainsAny(c.Monorepo.DefaultBranch, " \t\n~^:?*[\\") {
		return fmt.Errorf("%w: monorepo.default_branch %q", ErrInvalidConfig, c.Monorepo.DefaultBranch)
	}
	if strings.Contains(c.Monorepo.RootName, "/") {
		return fmt.Errorf("%w: monorepo.root_name must not contain '/'", ErrInvalidConfig)
	}
	for _, dir := range c.Monorepo.RootDirs {
		if dir == "" || strings.Contains(dir, "/") || dir == "." || dir == ".." {
			return fmt.Errorf("%w: monorepo.root_dirs entry %q", ErrInvalidConfig, dir)
		}
	}
	return nil
}

// DefaultRef returns the fully qualified default branch ref name.
func (c *Config) DefaultRef() string {
	return "refs/heads/" + c.Monorepo.DefaultBranch
}

// BigObjThreshold returns the raw-store threshold in bytes, or 0 when large
// objects stay in the database.
func (c *Config) BigObjThreshold() int {
	if !c.Storage.RawStorage {
		return 0
	}
	return c.Storage.BigObjThresholdKB * 1024
}

// NormalizeRepoPath cleans a request path into the canonical repository
// path: rooted, without trailing slash or ".git" suffix. The configured root
// name maps to "/".
func (c *Config) NormalizeRepoPath(p string) string {
	p = path.Clean("/" + strings.TrimSpace(p))
	p = strings.TrimSuffix(p, ".git")
	if p == "" {
		p = "/"
	}
	if c.Monorepo.RootName != "" && p == "/"+c.Monorepo.RootName {
		return "/"
	}
	return p
}
