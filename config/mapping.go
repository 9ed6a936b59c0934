package config

import (
	"github.com/Zelalemaklilu/fruity-pink-messenger/auth"
	"github.com/Zelalemaklilu/fruity-pink-messenger/cache"
	"github.com/Zelalemaklilu/fruity-pink-messenger/chat"
	"github.com/Zelalemaklilu/fruity-pink-messenger/messenger"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

// Messenger maps the file onto a messenger configuration.
func (c Config) Messenger() (messenger.Config, error) {
	policy, err := chat.ParseFailurePolicy(c.Send.FailurePolicy)
	if err != nil {
		return messenger.Config{}, err
	}
	policyFor := func(ttl Duration) cache.Policy {
		return cache.Policy{
			TTL:          ttl.Std(),
			FetchTimeout: c.Cache.FetchTimeout.Std(),
			ErrorBackoff: c.Cache.ErrorBackoff.Std(),
		}
	}

	maxRetries := c.Session.MaxRetries
	if maxRetries == 0 {
		// The resolver reads zero as "use the default".
		maxRetries = -1
	}

	return messenger.Config{
		Session: auth.ResolverConfig{
			MaxAge:     c.Session.MaxAge.Std(),
			MaxRetries: maxRetries,
			RetryDelay: c.Session.RetryDelay.Std(),
			Verifier:   c.Verifier(),
		},
		Profiles:      policyFor(c.Cache.ProfileTTL),
		Chats:         policyFor(c.Cache.ChatListTTL),
		Messages:      policyFor(c.Cache.MessageTTL),
		SendTimeout:   c.Send.Timeout.Std(),
		FailurePolicy: policy,
	}, nil
}

// Verifier returns the access token verifier, or nil when none is
// configured.
func (c Config) Verifier() *auth.TokenVerifier {
	vc := auth.VerifierConfig{Audience: c.Supabase.Audience}
	switch {
	case c.Supabase.JWTSecret != "":
		return auth.NewTokenVerifier(vc, auth.NewStaticKeyProvider([]byte(c.Supabase.JWTSecret)))
	case c.Supabase.JWKSURL != "":
		return auth.NewTokenVerifier(vc, auth.NewJWKSKeyProvider(auth.JWKSConfig{URL: c.Supabase.JWKSURL}))
	default:
		return nil
	}
}

// Observe maps the file onto an observer configuration.
func (c Config) Observe(service, version string) observe.Config {
	return observe.Config{
		ServiceName: service,
		Version:     version,
		Attributes:  map[string]string{"messenger.backend": c.Backend},
		Tracing: observe.TracingConfig{
			Enabled:   c.Telemetry.Tracing != "none",
			Exporter:  c.Telemetry.Tracing,
			SamplePct: c.Telemetry.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  c.Telemetry.Metrics != "none",
			Exporter: c.Telemetry.Metrics,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   c.Log.Level,
		},
	}
}
