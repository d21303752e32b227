package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents a config.toml. The global ~/.parley/config.toml
// carries default_session; a session's own config.toml carries the
// server coordinates and credentials, so files are written 0600.
type Config struct {
	DefaultSession string `toml:"default_session,omitempty"`

	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
	SelfID    string `toml:"self_id"`
	SelfName  string `toml:"self_name"`

	Timing Timing `toml:"timing"`
}

// Timing tunes debounce and retry behavior. Zero values fall back to
// each component's default.
type Timing struct {
	TypingDebounce     Duration `toml:"typing_debounce"`
	TypingIdleTimeout  Duration `toml:"typing_idle_timeout"`
	DedupWindow        Duration `toml:"dedup_window"`
	ReconnectBaseDelay Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `toml:"reconnect_max_delay"`
}

// Duration unmarshals TOML strings like "1200ms" into a
// time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
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
