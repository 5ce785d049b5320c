package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultProfile: "work"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadProfileMissingUsesDefaults(t *testing.T) {
	p, err := LoadProfile(filepath.Join(t.TempDir(), "profile.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Backoff.MaxAttempts != 10 {
		t.Errorf("max_attempts = %d, want 10", p.Backoff.MaxAttempts)
	}
	if p.Dedup.MemoryTTL.Duration != 10*time.Minute {
		t.Errorf("memory_ttl = %v, want 10m", p.Dedup.MemoryTTL)
	}
}

func TestLoadProfileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	content := `
[server]
url = "wss://chat.example.com/ws"
user_id = "7"

[backoff]
base = "500ms"
max_attempts = 4

[typing]
debounce = "1s"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Server.URL != "wss://chat.example.com/ws" || p.Server.UserID != "7" {
		t.Errorf("server = %+v", p.Server)
	}
	if p.Backoff.Base.Duration != 500*time.Millisecond {
		t.Errorf("backoff.base = %v, want 500ms", p.Backoff.Base)
	}
	if p.Backoff.MaxAttempts != 4 {
		t.Errorf("max_attempts = %d, want 4", p.Backoff.MaxAttempts)
	}
	// Untouched keys keep their defaults.
	if p.Backoff.Max.Duration != 30*time.Second {
		t.Errorf("backoff.max = %v, want 30s", p.Backoff.Max)
	}
	if p.Typing.Debounce.Duration != time.Second {
		t.Errorf("typing.debounce = %v, want 1s", p.Typing.Debounce)
	}
}

func TestLoadProfileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	if err := os.WriteFile(path, []byte("[heartbeat]\ninterval = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Error("LoadProfile() expected error for unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{"empty url", func(p *Profile) { p.Server.URL = "" }},
		{"zero base", func(p *Profile) { p.Backoff.Base = D(0) }},
		{"max below base", func(p *Profile) { p.Backoff.Max = D(time.Millisecond) }},
		{"negative jitter", func(p *Profile) { p.Backoff.Jitter = D(-time.Millisecond) }},
		{"jitter above half base", func(p *Profile) { p.Backoff.Jitter = D(600 * time.Millisecond) }},
		{"zero attempts", func(p *Profile) { p.Backoff.MaxAttempts = 0 }},
		{"zero heartbeat", func(p *Profile) { p.Heartbeat.Interval = D(0) }},
		{"zero prefix", func(p *Profile) { p.Dedup.PrefixLength = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Defaults()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("Validate() expected error")
			}
		})
	}

	p := Defaults()
	if err := p.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v", err)
	}
	p.Backoff.Jitter = D(p.Backoff.Base.Duration / 2)
	if err := p.Validate(); err != nil {
		t.Errorf("jitter at base/2: Validate() = %v", err)
	}
}

func TestProfileRoundTripKeepsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.toml")
	p := Defaults()
	p.Heartbeat.Interval = D(12 * time.Second)
	if err := Save(path, &p); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Heartbeat.Interval.Duration != 12*time.Second {
		t.Errorf("interval = %v, want 12s", loaded.Heartbeat.Interval)
	}
}
