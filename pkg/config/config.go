package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "dbgpdap"
	legacyConfigDir string = ".dbgpdap"
	configFile      string = "config.yml"
)

// Defaults used when neither the config file nor the command line set a
// value.
const (
	DefaultDBGpHost        = "127.0.0.1"
	DefaultDBGpPort        = 9005
	DefaultConnectTimeout  = 10 * time.Second
	DefaultRequestTimeout  = 5 * time.Second
	DefaultMaxTimeouts     = 3
	DefaultMaxChildren     = 1000
	DefaultMaxData         = 65536
	DefaultWriteQueueBound = 64
)

// SubstitutePathRule describes a rule for substitution of path to source code file.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches `From`.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// RuntimePath is the interpreter used to run programs in launch mode.
	RuntimePath string `yaml:"runtime-path,omitempty"`
	// RuntimeInstallDir is searched for versioned runtime directories
	// (name_1.2.3) when RuntimePath is not set.
	RuntimeInstallDir string `yaml:"runtime-install-dir,omitempty"`

	// Address the bridge listens on for DBGp connections.
	DBGpHost string `yaml:"dbgp-host,omitempty"`
	DBGpPort *int   `yaml:"dbgp-port,omitempty"`

	// Durations use time.ParseDuration syntax ("10s", "500ms").
	ConnectTimeout string `yaml:"connect-timeout,omitempty"`
	RequestTimeout string `yaml:"request-timeout,omitempty"`
	// MaxTimeouts is the number of consecutive request timeouts after
	// which the session is terminated. Zero disables escalation.
	MaxTimeouts *int `yaml:"max-timeouts,omitempty"`

	// MaxChildren and MaxData are sent to the runtime with feature_set.
	MaxChildren *int `yaml:"max-children,omitempty"`
	MaxData     *int `yaml:"max-data,omitempty"`

	// WriteQueueBound is the number of runtime commands buffered before the
	// writer starts reporting backpressure in the logs.
	WriteQueueBound *int `yaml:"write-queue-bound,omitempty"`

	// Source code path substitution rules.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`
}

// Addr returns the DBGp listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetDBGpHost(), c.GetDBGpPort())
}

func (c *Config) GetDBGpHost() string {
	if c.DBGpHost == "" {
		return DefaultDBGpHost
	}
	return c.DBGpHost
}

func (c *Config) GetDBGpPort() int { return intOr(c.DBGpPort, DefaultDBGpPort) }

// GetConnectTimeout returns how long to wait for the runtime to connect.
func (c *Config) GetConnectTimeout() time.Duration {
	return durationOr(c.ConnectTimeout, DefaultConnectTimeout)
}

// GetRequestTimeout returns the per-request timeout for runtime commands.
func (c *Config) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, DefaultRequestTimeout)
}

func (c *Config) GetMaxTimeouts() int     { return intOr(c.MaxTimeouts, DefaultMaxTimeouts) }
func (c *Config) GetMaxChildren() int     { return intOr(c.MaxChildren, DefaultMaxChildren) }
func (c *Config) GetMaxData() int         { return intOr(c.MaxData, DefaultMaxData) }
func (c *Config) GetWriteQueueBound() int { return intOr(c.WriteQueueBound, DefaultWriteQueueBound) }

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Validate reports the first malformed value in c.
func (c *Config) Validate() error {
	for _, s := range []struct{ name, val string }{
		{"connect-timeout", c.ConnectTimeout},
		{"request-timeout", c.RequestTimeout},
	} {
		if s.val == "" {
			continue
		}
		if _, err := time.ParseDuration(s.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", s.name, s.val, err)
		}
	}
	if c.DBGpPort != nil && (*c.DBGpPort < 0 || *c.DBGpPort > 65535) {
		return fmt.Errorf("invalid dbgp-port %d", *c.DBGpPort)
	}
	for _, r := range c.SubstitutePath {
		if r.From == "" {
			return fmt.Errorf("substitute-path rule with empty 'from' (to %q)", r.To)
		}
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// A missing file is created with the commented defaults. Problems are
// reported on stderr and result in an empty configuration so that the
// bridge can still start.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}
	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v.\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration at path, creating a default one
// if it does not exist.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := createDefaultConfig(path); err != nil {
			return nil, err
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return os.WriteFile(fullConfigFile, out, 0600)
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %w", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %w", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the dbgpdap debug bridge.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Interpreter used in launch mode. When unset the newest runtime found in
# runtime-install-dir is used, then the one on $PATH.
# runtime-path: /usr/local/bin/AutoHotkey
# runtime-install-dir: ~/.local/share/dbgpdap/runtimes

# Address the bridge listens on for the runtime's DBGp connection.
# dbgp-host: 127.0.0.1
# dbgp-port: 9005

# How long to wait for the runtime to connect, and for each command to be
# answered.
# connect-timeout: 10s
# request-timeout: 5s

# Terminate the session after this many consecutive command timeouts.
# max-timeouts: 3

# Limits sent to the runtime with feature_set.
# max-children: 1000
# max-data: 65536

# Define sources path substitution rules. Can be used to rewrite a source
# path reported by the runtime when the sources were moved to a different
# place.
substitute-path:
  # - {from: path, to: path}
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
// The legacy ~/.dbgpdap directory is used if it exists, otherwise the
// user configuration directory.
func GetConfigFilePath(file string) (string, error) {
	if home, err := os.UserHomeDir(); err == nil {
		legacy := filepath.Join(home, legacyConfigDir)
		if fi, err := os.Stat(legacy); err == nil && fi.IsDir() {
			return filepath.Join(legacy, file), nil
		}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configDir, file), nil
}
