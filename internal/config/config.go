package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.matchwire/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Profile is the per-profile profile.toml: where to connect, who we are
// and every tunable of the delivery core.
type Profile struct {
	Server    Server    `toml:"server"`
	Backoff   Backoff   `toml:"backoff"`
	Heartbeat Heartbeat `toml:"heartbeat"`
	Dedup     Dedup     `toml:"dedup"`
	Typing    Typing    `toml:"typing"`
	Outbox    Outbox    `toml:"outbox"`
}

type Server struct {
	URL         string   `toml:"url"`
	UserID      string   `toml:"user_id"`
	Token       string   `toml:"token"`
	AuthTimeout Duration `toml:"auth_timeout"`
	DialTimeout Duration `toml:"dial_timeout"`
}

type Backoff struct {
	Base        Duration `toml:"base"`
	Max         Duration `toml:"max"`
	Jitter      Duration `toml:"jitter"`
	MaxAttempts int      `toml:"max_attempts"`
}

type Heartbeat struct {
	Interval Duration `toml:"interval"`
	// MissedPongs is how many intervals without a pong mark the
	// connection as a zombie.
	MissedPongs int `toml:"missed_pongs"`
}

type Dedup struct {
	MemoryTTL            Duration `toml:"memory_ttl"`
	DurableTTL           Duration `toml:"durable_ttl"`
	SweepInterval        Duration `toml:"sweep_interval"`
	DurableSweepInterval Duration `toml:"durable_sweep_interval"`
	PrefixLength         int      `toml:"prefix_length"`
}

type Typing struct {
	Refresh  Duration `toml:"refresh"`
	Debounce Duration `toml:"debounce"`
	Expiry   Duration `toml:"expiry"`
}

type Outbox struct {
	// MaxAge cancels envelopes that waited longer than this. Zero keeps
	// them forever.
	MaxAge Duration `toml:"max_age"`
}

// Duration is a time.Duration that reads and writes as "1m30s" in TOML.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the tunables used when profile.toml leaves them out.
func Defaults() Profile {
	return Profile{
		Server: Server{
			URL:         "ws://127.0.0.1:8080/ws",
			AuthTimeout: D(10 * time.Second),
			DialTimeout: D(15 * time.Second),
		},
		Backoff: Backoff{
			Base:        D(time.Second),
			Max:         D(30 * time.Second),
			Jitter:      D(200 * time.Millisecond),
			MaxAttempts: 10,
		},
		Heartbeat: Heartbeat{
			Interval:    D(25 * time.Second),
			MissedPongs: 3,
		},
		Dedup: Dedup{
			MemoryTTL:            D(10 * time.Minute),
			DurableTTL:           D(24 * time.Hour),
			SweepInterval:        D(time.Minute),
			DurableSweepInterval: D(time.Hour),
			PrefixLength:         100,
		},
		Typing: Typing{
			Refresh:  D(4 * time.Second),
			Debounce: D(800 * time.Millisecond),
			Expiry:   D(6 * time.Second),
		},
	}
}

// Load reads config from the given path. Returns nil config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile decodes a profile.toml on top of Defaults. A missing file
// yields the defaults without error.
func LoadProfile(path string) (*Profile, error) {
	p := Defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &p, nil
	}
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &p, nil
}

// Validate rejects values the delivery core cannot run with.
func (p *Profile) Validate() error {
	switch {
	case p.Server.URL == "":
		return fmt.Errorf("server.url is required")
	case p.Backoff.Base.Duration <= 0:
		return fmt.Errorf("backoff.base must be positive")
	case p.Backoff.Max.Duration < p.Backoff.Base.Duration:
		return fmt.Errorf("backoff.max must be >= backoff.base")
	case p.Backoff.Jitter.Duration < 0:
		return fmt.Errorf("backoff.jitter must not be negative")
	case p.Backoff.Jitter.Duration > p.Backoff.Base.Duration/2:
		// Successive delays grow by at least base/2.
		return fmt.Errorf("backoff.jitter must be <= backoff.base/2")
	case p.Backoff.MaxAttempts <= 0:
		return fmt.Errorf("backoff.max_attempts must be positive")
	case p.Heartbeat.Interval.Duration <= 0:
		return fmt.Errorf("heartbeat.interval must be positive")
	case p.Heartbeat.MissedPongs <= 0:
		return fmt.Errorf("heartbeat.missed_pongs must be positive")
	case p.Dedup.PrefixLength <= 0:
		return fmt.Errorf("dedup.prefix_length must be positive")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
