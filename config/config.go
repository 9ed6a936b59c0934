package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/Zelalemaklilu/fruity-pink-messenger/secret"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSupabase = "supabase"
)

// Config is the messenger configuration file.
type Config struct {
	Backend   string    `toml:"backend" validate:"oneof=memory supabase"`
	Supabase  Supabase  `toml:"supabase"`
	Session   Session   `toml:"session"`
	Cache     Cache     `toml:"cache"`
	Send      Send      `toml:"send"`
	Log       Log       `toml:"log"`
	Telemetry Telemetry `toml:"telemetry"`
}

// Supabase configures the Supabase backend.
type Supabase struct {
	URL          string `toml:"url" validate:"omitempty,url"`
	AnonKey      string `toml:"anon_key"`
	AccessToken  string `toml:"access_token,omitempty"`
	RefreshToken string `toml:"refresh_token,omitempty"`

	// JWTSecret verifies HS256 access tokens. JWKSURL verifies asymmetric
	// ones. With neither, token expiry is read without verification.
	JWTSecret string `toml:"jwt_secret,omitempty"`
	JWKSURL   string `toml:"jwks_url,omitempty" validate:"omitempty,url"`
	Audience  string `toml:"audience,omitempty"`
}

// Session configures the session resolver.
type Session struct {
	MaxAge     Duration `toml:"max_age" validate:"gt=0"`
	MaxRetries int      `toml:"max_retries" validate:"min=0,max=20"`
	RetryDelay Duration `toml:"retry_delay" validate:"gt=0"`
}

// Cache configures the entity stores.
type Cache struct {
	ProfileTTL   Duration `toml:"profile_ttl" validate:"gt=0"`
	ChatListTTL  Duration `toml:"chat_list_ttl" validate:"gt=0"`
	MessageTTL   Duration `toml:"message_ttl" validate:"gt=0"`
	FetchTimeout Duration `toml:"fetch_timeout" validate:"gt=0"`
	ErrorBackoff Duration `toml:"error_backoff" validate:"min=0"`
}

// Send configures the message pipeline.
type Send struct {
	Timeout       Duration `toml:"timeout" validate:"gt=0"`
	FailurePolicy string   `toml:"failure_policy" validate:"oneof=retain remove"`
}

// Log configures logging.
type Log struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

// Telemetry configures tracing and metrics exporters.
type Telemetry struct {
	Tracing   string  `toml:"tracing" validate:"oneof=none stdout otlp jaeger"`
	Metrics   string  `toml:"metrics" validate:"oneof=none stdout otlp prometheus"`
	SamplePct float64 `toml:"sample_pct" validate:"min=0,max=1"`
}

// Duration is a time.Duration written as a string in the file.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the duration in time.Duration notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Backend: BackendMemory,
		Session: Session{
			MaxAge:     Duration(750 * time.Millisecond),
			MaxRetries: 4,
			RetryDelay: Duration(200 * time.Millisecond),
		},
		Cache: Cache{
			ProfileTTL:   Duration(5 * time.Minute),
			ChatListTTL:  Duration(30 * time.Second),
			MessageTTL:   Duration(time.Minute),
			FetchTimeout: Duration(10 * time.Second),
			ErrorBackoff: Duration(5 * time.Second),
		},
		Send: Send{
			Timeout:       Duration(10 * time.Second),
			FailurePolicy: "retain",
		},
		Log: Log{Level: "info"},
		Telemetry: Telemetry{
			Tracing:   "none",
			Metrics:   "none",
			SamplePct: 1,
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/messenger/config.toml, or the
// platform equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locate config dir: %w", err)
	}
	return filepath.Join(dir, "messenger", "config.toml"), nil
}

// Decode parses TOML over the defaults. It neither resolves secrets nor
// validates.
func Decode(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Load reads the file at path, resolves secrets with r and validates the
// result. A nil r leaves values as written.
func Load(ctx context.Context, path string, r *secret.Resolver) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Decode(data)
	if err != nil {
		return Config{}, err
	}
	if r != nil {
		if err := cfg.ResolveSecrets(ctx, r); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory.
func Save(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Encode renders cfg as TOML.
func (c Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// ResolveSecrets expands every string value in place.
func (c *Config) ResolveSecrets(ctx context.Context, r *secret.Resolver) error {
	err := r.ResolveAll(ctx,
		&c.Backend,
		&c.Supabase.URL,
		&c.Supabase.AnonKey,
		&c.Supabase.AccessToken,
		&c.Supabase.RefreshToken,
		&c.Supabase.JWTSecret,
		&c.Supabase.JWKSURL,
		&c.Supabase.Audience,
		&c.Send.FailurePolicy,
		&c.Log.Level,
		&c.Telemetry.Tracing,
		&c.Telemetry.Metrics,
	)
	if err != nil {
		return fmt.Errorf("config: resolve secrets: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the chosen backend is fully
// configured.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Backend == BackendSupabase {
		if c.Supabase.URL == "" {
			return fmt.Errorf("%w: supabase.url is required for the supabase backend", ErrInvalid)
		}
		if c.Supabase.AnonKey == "" {
			return fmt.Errorf("%w: supabase.anon_key is required for the supabase backend", ErrInvalid)
		}
	}
	if c.Supabase.JWTSecret != "" && c.Supabase.JWKSURL != "" {
		return fmt.Errorf("%w: set either supabase.jwt_secret or supabase.jwks_url, not both", ErrInvalid)
	}
	return nil
}
