// Package config holds the fabric tuning knobs with their documented defaults
// and optional YAML overrides.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config bundles every fabric knob. Zero values are replaced by defaults
	// during validation, so partial YAML documents are fine.
	Config struct {
		Accumulation Accumulation `yaml:"accumulation"`
		Mutex        Mutex        `yaml:"mutex"`
		Index        Index        `yaml:"index"`
		RateLimit    RateLimit    `yaml:"rate_limit"`
	}

	// Accumulation tunes the adaptive message accumulation window.
	Accumulation struct {
		// MinWait and MaxWait clamp every suggested wait.
		MinWait time.Duration `yaml:"min_wait"`
		MaxWait time.Duration `yaml:"max_wait"`
		// ChannelDefaults maps channel tokens to their base wait. A zero
		// entry means the channel bypasses accumulation entirely.
		ChannelDefaults map[string]time.Duration `yaml:"channel_defaults"`
		// UnknownChannelDefault applies to channels missing from the map.
		UnknownChannelDefault time.Duration `yaml:"unknown_channel_default"`
	}

	// Mutex tunes the distributed session mutex.
	Mutex struct {
		// LockTimeout is the auto-expiry lease on a held mutex.
		LockTimeout time.Duration `yaml:"lock_timeout"`
		// BlockingTimeout bounds how long acquisition blocks.
		BlockingTimeout time.Duration `yaml:"blocking_timeout"`
	}

	// Index tunes the active turn index.
	Index struct {
		// TTL bounds how long an index entry outlives its writer. Must be at
		// least the mutex lock timeout.
		TTL time.Duration `yaml:"ttl"`
	}

	// RateLimit tunes gateway admission control.
	RateLimit struct {
		// Window is the measurement window for tier limits.
		Window time.Duration `yaml:"window"`
		// TierLimits maps tier names to admitted requests per window.
		TierLimits map[string]int `yaml:"tier_limits"`
		// DefaultTier applies to tenants with no explicit tier.
		DefaultTier string `yaml:"default_tier"`
	}
)

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Accumulation: Accumulation{
			MinWait: 200 * time.Millisecond,
			MaxWait: 3 * time.Second,
			ChannelDefaults: map[string]time.Duration{
				"whatsapp": 1200 * time.Millisecond,
				"telegram": 1000 * time.Millisecond,
				"sms":      800 * time.Millisecond,
				"web":      600 * time.Millisecond,
				"webchat":  600 * time.Millisecond,
				"slack":    800 * time.Millisecond,
				"teams":    800 * time.Millisecond,
				"email":    0,
				"voice":    0,
				"api":      0,
			},
			UnknownChannelDefault: 800 * time.Millisecond,
		},
		Mutex: Mutex{
			LockTimeout:     30 * time.Second,
			BlockingTimeout: 5 * time.Second,
		},
		Index: Index{
			TTL: 300 * time.Second,
		},
		RateLimit: RateLimit{
			Window: time.Minute,
			TierLimits: map[string]int{
				"free":       60,
				"pro":        600,
				"enterprise": 6000,
			},
			DefaultTier: "free",
		},
	}
}

// Load parses a YAML document over the defaults and validates the result.
// Durations are Go duration strings ("800ms", "5s"); bare integers are read
// as nanoseconds.
func Load(data []byte) (Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse fabric config: %w", err)
	}
	cfg := raw.config()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type (
	// rawConfig mirrors Config for YAML decoding. yaml.v3 does not parse
	// duration strings into time.Duration, so duration fields decode through
	// the duration wrapper and convert afterwards.
	rawConfig struct {
		Accumulation rawAccumulation `yaml:"accumulation"`
		Mutex        rawMutex        `yaml:"mutex"`
		Index        rawIndex        `yaml:"index"`
		RateLimit    rawRateLimit    `yaml:"rate_limit"`
	}

	rawAccumulation struct {
		MinWait               duration            `yaml:"min_wait"`
		MaxWait               duration            `yaml:"max_wait"`
		ChannelDefaults       map[string]duration `yaml:"channel_defaults"`
		UnknownChannelDefault duration            `yaml:"unknown_channel_default"`
	}

	rawMutex struct {
		LockTimeout     duration `yaml:"lock_timeout"`
		BlockingTimeout duration `yaml:"blocking_timeout"`
	}

	rawIndex struct {
		TTL duration `yaml:"ttl"`
	}

	rawRateLimit struct {
		Window      duration       `yaml:"window"`
		TierLimits  map[string]int `yaml:"tier_limits"`
		DefaultTier string         `yaml:"default_tier"`
	}

	duration time.Duration
)

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %w", err)
	}
	*d = duration(n)
	return nil
}

func (r rawConfig) config() Config {
	cfg := Config{
		Accumulation: Accumulation{
			MinWait:               time.Duration(r.Accumulation.MinWait),
			MaxWait:               time.Duration(r.Accumulation.MaxWait),
			UnknownChannelDefault: time.Duration(r.Accumulation.UnknownChannelDefault),
		},
		Mutex: Mutex{
			LockTimeout:     time.Duration(r.Mutex.LockTimeout),
			BlockingTimeout: time.Duration(r.Mutex.BlockingTimeout),
		},
		Index: Index{
			TTL: time.Duration(r.Index.TTL),
		},
		RateLimit: RateLimit{
			Window:      time.Duration(r.RateLimit.Window),
			TierLimits:  r.RateLimit.TierLimits,
			DefaultTier: r.RateLimit.DefaultTier,
		},
	}
	if r.Accumulation.ChannelDefaults != nil {
		cfg.Accumulation.ChannelDefaults = make(map[string]time.Duration, len(r.Accumulation.ChannelDefaults))
		for ch, d := range r.Accumulation.ChannelDefaults {
			cfg.Accumulation.ChannelDefaults[ch] = time.Duration(d)
		}
	}
	return cfg
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Accumulation.MinWait <= 0 {
		c.Accumulation.MinWait = def.Accumulation.MinWait
	}
	if c.Accumulation.MaxWait <= 0 {
		c.Accumulation.MaxWait = def.Accumulation.MaxWait
	}
	if c.Accumulation.ChannelDefaults == nil {
		c.Accumulation.ChannelDefaults = def.Accumulation.ChannelDefaults
	}
	if c.Accumulation.UnknownChannelDefault <= 0 {
		c.Accumulation.UnknownChannelDefault = def.Accumulation.UnknownChannelDefault
	}
	if c.Mutex.LockTimeout <= 0 {
		c.Mutex.LockTimeout = def.Mutex.LockTimeout
	}
	if c.Mutex.BlockingTimeout <= 0 {
		c.Mutex.BlockingTimeout = def.Mutex.BlockingTimeout
	}
	if c.Index.TTL <= 0 {
		c.Index.TTL = def.Index.TTL
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = def.RateLimit.Window
	}
	if c.RateLimit.TierLimits == nil {
		c.RateLimit.TierLimits = def.RateLimit.TierLimits
	}
	if c.RateLimit.DefaultTier == "" {
		c.RateLimit.DefaultTier = def.RateLimit.DefaultTier
	}
}

// Validate enforces cross-knob constraints.
func (c Config) Validate() error {
	if c.Accumulation.MinWait > c.Accumulation.MaxWait {
		return fmt.Errorf("accumulation: min_wait %v exceeds max_wait %v", c.Accumulation.MinWait, c.Accumulation.MaxWait)
	}
	if c.Index.TTL < c.Mutex.LockTimeout {
		return fmt.Errorf("index: ttl %v below mutex lock_timeout %v", c.Index.TTL, c.Mutex.LockTimeout)
	}
	for tier, limit := range c.RateLimit.TierLimits {
		if limit <= 0 {
			return fmt.Errorf("rate_limit: tier %q has non-positive limit %d", tier, limit)
		}
	}
	if _, ok := c.RateLimit.TierLimits[c.RateLimit.DefaultTier]; !ok {
		return fmt.Errorf("rate_limit: default tier %q has no limit", c.RateLimit.DefaultTier)
	}
	return nil
}
