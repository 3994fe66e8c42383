// CLAUDE:SUMMARY Defines formsafe config structs and parses YAML configuration files with defaults.
package formkeeper

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/formsafe/field"
	"github.com/hazyhaar/formsafe/formkeeper/internal/restore"
	"github.com/hazyhaar/formsafe/formkeeper/internal/store"
	"github.com/hazyhaar/formsafe/formkeeper/internal/tracker"
)

// Config is the top-level formsafe configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Tracker TrackerConfig `yaml:"tracker"`
	Restore RestoreConfig `yaml:"restore"`
	Browser BrowserConfig `yaml:"browser"`
	Journal JournalConfig `yaml:"journal"`
	Pages   []PageConfig  `yaml:"pages"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	DSN string `yaml:"dsn"` // memory: | sqlite://path | path | postgres://...

	// CapacityBytes is the quota eviction works against; 0 picks the
	// default and a negative value leaves it unknown, disabling eviction.
	CapacityBytes int64   `yaml:"capacity_bytes"`
	EvictRatio    float64 `yaml:"evict_ratio"`
	Key           string  `yaml:"key"`
}

// TrackerConfig controls change tracking.
type TrackerConfig struct {
	Debounce     time.Duration `yaml:"debounce"`
	ExcludeTypes []string      `yaml:"exclude_types"`
}

// RestoreConfig controls restore attempts.
type RestoreConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Threshold int           `yaml:"threshold"`
}

// JournalConfig sets where restore attempts are logged. Empty Path
// disables the journal.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// BrowserConfig controls the Chrome instance pages are opened in.
type BrowserConfig struct {
	Remote  string `yaml:"remote"`  // ws:// control URL of a running Chrome
	Stealth string `yaml:"stealth"` // headless | headful
	Bin     string `yaml:"bin"`
}

// PageConfig defines a page to keep.
type PageConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`

	// AutoRestore restores the saved record as soon as the page is opened.
	AutoRestore bool `yaml:"auto_restore"`
}

// HTTPConfig sets the messaging API listener. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("formkeeper: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and validates pages.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("formkeeper: parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig is the configuration of an empty file.
func DefaultConfig() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Store.DSN == "" {
		c.Store.DSN = "memory:"
	}
	if c.Store.CapacityBytes == 0 {
		c.Store.CapacityBytes = store.DefaultCapacity
	}
	if c.Store.EvictRatio <= 0 || c.Store.EvictRatio > 1 {
		c.Store.EvictRatio = store.DefaultEvictRatio
	}
	if c.Store.Key == "" {
		c.Store.Key = store.DefaultKey
	}
	if c.Tracker.Debounce <= 0 {
		c.Tracker.Debounce = tracker.DefaultDebounce
	}
	if c.Restore.Timeout <= 0 {
		c.Restore.Timeout = restore.DefaultTimeout
	}
	if c.Restore.Threshold <= 0 {
		c.Restore.Threshold = field.MatchThreshold
	}
	if c.Journal.Path != "" && c.Journal.Retention <= 0 {
		c.Journal.Retention = 30 * 24 * time.Hour
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Pages))
	for i, p := range c.Pages {
		if err := checkPageID(p.ID); err != nil {
			return fmt.Errorf("formkeeper: config: pages[%d]: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("formkeeper: config: duplicate page id %q", p.ID)
		}
		seen[p.ID] = true
		if _, err := field.PageKeyOf(p.URL); err != nil {
			return fmt.Errorf("formkeeper: config: page %q: %w", p.ID, err)
		}
	}
	return nil
}

// checkPageID accepts IDs usable as a URL path segment: letters, digits,
// underscore, hyphen and dot, at most 128 bytes.
func checkPageID(id string) error {
	if id == "" {
		return fmt.Errorf("missing id")
	}
	if len(id) > 128 {
		return fmt.Errorf("id too long (max 128)")
	}
	for _, r := range id {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
		if !ok {
			return fmt.Errorf("invalid character %q in id %q", r, id)
		}
	}
	return nil
}

// Classifier builds the control classifier from tracker settings.
func (c *Config) Classifier() field.Classifier {
	return field.Classifier{Exclude: c.Tracker.ExcludeTypes}
}
