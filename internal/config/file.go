// CLAUDE:SUMMARY framepatch YAML configuration: browser, target page, observer defaults, store and inline features.
// Package config loads the framepatch YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/framepatch/frameobs"
	"github.com/hazyhaar/framepatch/patch"
)

// Config is the top-level framepatch configuration.
type Config struct {
	Browser  BrowserConfig   `yaml:"browser"`
	Target   TargetConfig    `yaml:"target"`
	Observer ObserverConfig  `yaml:"observer"`
	Store    StoreConfig     `yaml:"store"`
	Admin    AdminConfig     `yaml:"admin"`
	Features []patch.Feature `yaml:"features"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // plain | headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// TargetConfig says which page hosts the frames. With a remote browser the
// first tab whose URL starts with Match is adopted; otherwise URL is opened.
type TargetConfig struct {
	URL   string `yaml:"url"`
	Match string `yaml:"match"`
}

// ObserverConfig holds defaults for features that do not set their own.
type ObserverConfig struct {
	Frame           string        `yaml:"frame"`
	ProcessInterval time.Duration `yaml:"process_interval"`
	DebounceDelay   time.Duration `yaml:"debounce_delay"`
	Trailing        bool          `yaml:"trailing"`
}

// StoreConfig enables the SQLite feature table and audit trail.
type StoreConfig struct {
	Path           string        `yaml:"path"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Debounce       time.Duration `yaml:"debounce"`
	EventRetention time.Duration `yaml:"event_retention"`
}

// AdminConfig exposes the status endpoint. Empty HTTP disables it.
type AdminConfig struct {
	HTTP string `yaml:"http"`
}

// Override adjusts a decoded configuration before defaults and validation,
// typically from command-line flags.
type Override func(*Config)

// LoadFile reads and validates a YAML configuration file.
func LoadFile(path string, overrides ...Override) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data, overrides...)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies overrides and defaults, and validates.
func Parse(data []byte, overrides ...Override) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Target.Match == "" {
		c.Target.Match = c.Target.URL
	}
	if c.Observer.Frame == "" {
		c.Observer.Frame = frameobs.DefaultFrameName
	}
	if c.Observer.ProcessInterval <= 0 {
		c.Observer.ProcessInterval = frameobs.DefaultProcessInterval
	}
	if c.Observer.DebounceDelay <= 0 {
		c.Observer.DebounceDelay = frameobs.DefaultDebounceDelay
	}
	if c.Store.PollInterval <= 0 {
		c.Store.PollInterval = 200 * time.Millisecond
	}
	if c.Store.Debounce <= 0 {
		c.Store.Debounce = 500 * time.Millisecond
	}
	if c.Store.EventRetention <= 0 {
		c.Store.EventRetention = 30 * 24 * time.Hour
	}
}

// Validate checks the target and every inline feature.
func (c *Config) Validate() error {
	var errs []error
	if c.Target.URL == "" && c.Target.Match == "" {
		errs = append(errs, errors.New("target.url or target.match is required"))
	}
	if c.Browser.Remote == "" && c.Target.URL == "" {
		errs = append(errs, errors.New("target.url is required when launching a browser"))
	}
	switch c.Browser.Stealth {
	case "plain", "headless", "headful":
	default:
		errs = append(errs, fmt.Errorf("browser.stealth: unknown level %q", c.Browser.Stealth))
	}
	seen := make(map[string]bool)
	for _, f := range c.Features {
		if err := f.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[f.Name] {
			errs = append(errs, fmt.Errorf("duplicate feature %q", f.Name))
		}
		seen[f.Name] = true
	}
	return errors.Join(errs...)
}

// ObserverFor resolves a feature's effective observer settings.
func (c *Config) ObserverFor(f patch.Feature) ObserverConfig {
	o := c.Observer
	if f.Frame != "" {
		o.Frame = f.Frame
	}
	if f.ProcessInterval > 0 {
		o.ProcessInterval = f.ProcessInterval.Std()
	}
	if f.DebounceDelay > 0 {
		o.DebounceDelay = f.DebounceDelay.Std()
	}
	o.Trailing = o.Trailing || f.Trailing
	return o
}
