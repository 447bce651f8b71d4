package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the config file.
const (
	EnvRemoteHost     = "CASTLETRACKER_REMOTE_HOST"
	EnvRemotePort     = "CASTLETRACKER_REMOTE_PORT"
	EnvRemoteUser     = "CASTLETRACKER_REMOTE_USER"
	EnvRemotePassword = "CASTLETRACKER_REMOTE_PASSWORD"
	EnvRemotePath     = "CASTLETRACKER_REMOTE_PATH"
	EnvLocalPath      = "CASTLETRACKER_LOCAL_PATH"
	EnvRcloneBinary   = "CASTLETRACKER_RCLONE_BINARY"
)

// Config is the top-level configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Rclone RcloneConfig `yaml:"rclone"`
	Remote RemoteConfig `yaml:"remote"`
	Local  LocalConfig  `yaml:"local"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen    string `yaml:"listen"`
	DataDir   string `yaml:"data_dir"`
	DBPath    string `yaml:"db_path"`
	LogFile   string `yaml:"log_file"`
	ReportDir string `yaml:"report_dir"`
}

// RcloneConfig locates the external transfer tool
type RcloneConfig struct {
	Binary string `yaml:"binary"`
}

// RemoteConfig describes the SFTP source
type RemoteConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Path     string `yaml:"path"`
}

// LocalConfig describes the local destination
type LocalConfig struct {
	Path    string   `yaml:"path"`
	Exclude []string `yaml:"exclude"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:    "0.0.0.0:5000",
			DataDir:   "/var/lib/castletracker",
			DBPath:    "",
			LogFile:   "castletracker.log",
			ReportDir: "reports",
		},
		Rclone: RcloneConfig{
			Binary: "rclone",
		},
		Remote: RemoteConfig{
			Port: 22,
		},
		Local: LocalConfig{
			Exclude: []string{},
		},
	}
}

// Load reads a config file from the given path. A .env file in the same
// directory is loaded first so environment overrides can live next to it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides config values with any CASTLETRACKER_* variables set
// in the process environment.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvRemoteHost); v != "" {
		c.Remote.Host = v
	}
	if v := os.Getenv(EnvRemotePort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvRemotePort, v, err)
		}
		c.Remote.Port = port
	}
	if v := os.Getenv(EnvRemoteUser); v != "" {
		c.Remote.User = v
	}
	if v := os.Getenv(EnvRemotePassword); v != "" {
		c.Remote.Password = v
	}
	if v := os.Getenv(EnvRemotePath); v != "" {
		c.Remote.Path = v
	}
	if v := os.Getenv(EnvLocalPath); v != "" {
		c.Local.Path = v
	}
	if v := os.Getenv(EnvRcloneBinary); v != "" {
		c.Rclone.Binary = v
	}
	return nil
}

// Validate checks that the settings needed to reach the remote are present.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Rclone.Binary) == "" {
		problems = append(problems, "rclone.binary is required")
	}
	if strings.TrimSpace(c.Remote.Host) == "" {
		problems = append(problems, "remote.host is required")
	}
	if strings.TrimSpace(c.Remote.User) == "" {
		problems = append(problems, "remote.user is required")
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		problems = append(problems, fmt.Sprintf("remote.port %d is out of range", c.Remote.Port))
	}
	if strings.TrimSpace(c.Local.Path) == "" {
		problems = append(problems, "local.path is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"castletracker.yaml",
		"/etc/castletracker/castletracker.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "castletracker", "castletracker.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DataPath resolves p against the data directory unless it is already absolute.
func (c *Config) DataPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Server.DataDir, p)
}

// DatabasePath returns the SQLite path, defaulting to castletracker.db in the data dir.
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "castletracker.db")
}
