package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file looked up in the working directory
const DefaultFile = ".gut.yml"

// DefaultRevisionFile is the remote marker holding the last deployed revision
const DefaultRevisionFile = ".revision"

// AdapterKind selects the storage backend of a location
type AdapterKind string

const (
	AdapterLocal  AdapterKind = "local"
	AdapterMemory AdapterKind = "memory"
	AdapterFTP    AdapterKind = "ftp"
	AdapterS3     AdapterKind = "s3"
	AdapterNull   AdapterKind = "null"
)

// DefaultListenAddr is the webhook listen address used by serve
const DefaultListenAddr = "127.0.0.1:8787"

// Config represents the complete gut configuration
type Config struct {
	RevisionFile string                    `yaml:"revision_file"`
	RepoDir      string                    `yaml:"repo_dir"`
	Locations    map[string]LocationConfig `yaml:"locations"`
	Serve        ServeConfig               `yaml:"serve"`
}

// ServeConfig configures the push webhook server
type ServeConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	SecretFile        string   `yaml:"secret_file"`
	AllowedEventTypes []string `yaml:"allowed_event_types"`
	AllowedRefs       []string `yaml:"allowed_refs"`
	// Pull fast-forwards the working copy before every deploy
	Pull bool `yaml:"pull"`
}

// LocationConfig configures one deployment target
type LocationConfig struct {
	Adapter AdapterKind `yaml:"adapter"`

	// local
	Path string `yaml:"path"`

	// ftp
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Root        string        `yaml:"root"`
	DisableEPSV bool          `yaml:"disable_epsv"`
	Timeout     time.Duration `yaml:"timeout"`

	// s3
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`

	// Skip lists glob patterns of paths that are never deployed
	Skip []string `yaml:"skip"`
	// Purge lists remote folders cleared by a purge
	Purge []string `yaml:"purge"`
	// PurgeOn lists glob patterns; a deployed change matching one triggers a purge
	PurgeOn []string `yaml:"purge_on"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	// the working tree is opened as a base path filesystem, which only
	// resolves names below an absolute root
	repoDir, err := filepath.Abs(cfg.RepoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo_dir: %w", err)
	}
	cfg.RepoDir = repoDir

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in connection settings so secrets
// can stay out of the file
func (c *Config) expandEnv() {
	c.RepoDir = os.ExpandEnv(c.RepoDir)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	for name, loc := range c.Locations {
		loc.Path = os.ExpandEnv(loc.Path)
		loc.Host = os.ExpandEnv(loc.Host)
		loc.Username = os.ExpandEnv(loc.Username)
		loc.Password = os.ExpandEnv(loc.Password)
		loc.Root = os.ExpandEnv(loc.Root)
		loc.Endpoint = os.ExpandEnv(loc.Endpoint)
		loc.Bucket = os.ExpandEnv(loc.Bucket)
		loc.AccessKey = os.ExpandEnv(loc.AccessKey)
		loc.SecretKey = os.ExpandEnv(loc.SecretKey)
		c.Locations[name] = loc
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.RevisionFile == "" {
		c.RevisionFile = DefaultRevisionFile
	}
	if c.RepoDir == "" {
		c.RepoDir = "."
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	for name, loc := range c.Locations {
		if loc.Adapter == "" {
			loc.Adapter = AdapterNull
		}
		if loc.Adapter == AdapterFTP {
			if loc.Port == 0 {
				loc.Port = 21
			}
			if loc.Timeout == 0 {
				loc.Timeout = 30 * time.Second
			}
		}
		c.Locations[name] = loc
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Locations) == 0 {
		return fmt.Errorf("no locations configured")
	}
	if c.RevisionFile == "" {
		return fmt.Errorf("revision_file must not be empty")
	}
	if path.IsAbs(c.RevisionFile) {
		return fmt.Errorf("revision_file must be relative to the location root: %s", c.RevisionFile)
	}

	for _, pattern := range c.Serve.AllowedRefs {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("serve.allowed_refs: invalid glob pattern %q", pattern)
		}
	}

	for _, name := range c.LocationNames() {
		if err := c.Locations[name].validate(); err != nil {
			return fmt.Errorf("location %q: %w", name, err)
		}
	}
	return nil
}

func (l LocationConfig) validate() error {
	switch l.Adapter {
	case AdapterLocal:
		if l.Path == "" {
			return fmt.Errorf("path is required for the local adapter")
		}
	case AdapterFTP:
		if l.Host == "" {
			return fmt.Errorf("host is required for the ftp adapter")
		}
	case AdapterS3:
		if l.Endpoint == "" || l.Bucket == "" {
			return fmt.Errorf("endpoint and bucket are required for the s3 adapter")
		}
	case AdapterMemory, AdapterNull:
		// nothing to check
	default:
		return fmt.Errorf("invalid adapter: %s (must be local, ftp, s3, memory or null)", l.Adapter)
	}

	for _, pattern := range append(append([]string{}, l.Skip...), l.PurgeOn...) {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid glob pattern %q", pattern)
		}
	}
	for _, folder := range l.Purge {
		if folder == "" || folder == "." || folder == "/" {
			return fmt.Errorf("refusing to purge the location root")
		}
	}
	return nil
}

// LocationNames returns the configured location names in sorted order
func (c *Config) LocationNames() []string {
	names := make([]string, 0, len(c.Locations))
	for name := range c.Locations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the requested location names, or every location when none
// are requested
func (c *Config) Select(names []string) ([]string, error) {
	if len(names) == 0 {
		return c.LocationNames(), nil
	}
	seen := make(map[string]bool)
	var selected []string
	for _, name := range names {
		if _, ok := c.Locations[name]; !ok {
			return nil, fmt.Errorf("location %q not found", name)
		}
		if !seen[name] {
			seen[name] = true
			selected = append(selected, name)
		}
	}
	return selected, nil
}

// DirtyFile returns the remote marker listing files pushed outside a commit
func (c *Config) DirtyFile() string {
	return c.RevisionFile + ".dirty"
}
