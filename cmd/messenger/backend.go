package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/Zelalemaklilu/fruity-pink-messenger/auth"
	"github.com/Zelalemaklilu/fruity-pink-messenger/config"
	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway/supabase"
	"github.com/Zelalemaklilu/fruity-pink-messenger/health"
	"github.com/Zelalemaklilu/fruity-pink-messenger/messenger"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
	"github.com/Zelalemaklilu/fruity-pink-messenger/secret"
)

// Demo data served by the memory backend.
const (
	demoUserID = "demo-user"
	demoPeerID = "demo-peer"
	demoChatID = "demo-chat"
)

// app is one command's connection to a backend.
type app struct {
	client   *messenger.Client
	observer observe.Observer
}

// loadConfig reads the config file. A missing file at the default path
// yields the defaults; a missing explicit path is an error.
func (o *options) loadConfig(ctx context.Context) (config.Config, string, error) {
	path := o.configPath
	explicit := path != ""
	if !explicit {
		p, err := config.DefaultPath()
		if err != nil {
			return config.Config{}, "", err
		}
		path = p
	}

	r, err := secret.NewDefaultResolver(filepath.Dir(path))
	if err != nil {
		return config.Config{}, "", err
	}

	cfg, err := config.Load(ctx, path, r)
	switch {
	case errors.Is(err, config.ErrNotFound) && !explicit:
		cfg = config.Default()
	case err != nil:
		return config.Config{}, "", err
	}

	if o.backend != "" {
		cfg.Backend = o.backend
		if err := cfg.Validate(); err != nil {
			return config.Config{}, "", err
		}
	}
	return cfg, path, nil
}

// open loads the config and connects to the configured backend.
func (o *options) open(ctx context.Context) (*app, error) {
	cfg, path, err := o.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	oc := cfg.Observe("messenger", version)
	oc.Logging.Writer = o.logOut
	oc.Global = true
	obs, err := observe.NewObserver(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	logger := obs.Logger()

	mc, err := cfg.Messenger()
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}

	deps := messenger.Deps{Logger: logger, Observer: obs}
	switch cfg.Backend {
	case config.BackendSupabase:
		client, err := supabase.New(supabase.Config{
			URL:     cfg.Supabase.URL,
			AnonKey: cfg.Supabase.AnonKey,
			Logger:  logger,
		})
		if err != nil {
			_ = obs.Shutdown(ctx)
			return nil, err
		}
		deps.Gateway = client
		deps.Provider = supabase.NewAuth(client, initialSession(cfg.Supabase))
		deps.Realtime = client.Realtime()
		deps.Checkers = []health.Checker{client.Guards()}
	default:
		mem := seedDemo(time.Now())
		deps.Gateway = mem
		deps.Provider = mem
	}

	client, err := messenger.New(mc, deps)
	if err != nil {
		_ = obs.Shutdown(ctx)
		return nil, err
	}

	logger.Debug(ctx, "messenger: connected",
		observe.Field{Key: "backend", Value: cfg.Backend},
		observe.Field{Key: "config", Value: path})

	return &app{client: client, observer: obs}, nil
}

func (a *app) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return errors.Join(a.client.Close(), a.observer.Shutdown(ctx))
}

// run opens the backend, calls fn and closes the backend.
func (o *options) run(ctx context.Context, fn func(*app) error) error {
	a, err := o.open(ctx)
	if err != nil {
		return err
	}
	return errors.Join(fn(a), a.close(ctx))
}

// initialSession builds the session the config carries. The expiry comes
// from the access token; a session with only a refresh token is treated as
// expired so the first lookup refreshes it.
func initialSession(sc config.Supabase) *auth.Session {
	if sc.AccessToken == "" && sc.RefreshToken == "" {
		return nil
	}
	s := &auth.Session{
		AccessToken:  sc.AccessToken,
		RefreshToken: sc.RefreshToken,
		TokenType:    "bearer",
	}
	if claims, err := auth.ParseUnverified(sc.AccessToken); err == nil {
		s.ExpiresAt = claims.ExpiresAt
		s.User = claims.User()
	} else {
		s.ExpiresAt = time.Unix(0, 0)
	}
	return s
}

// seedDemo returns a memory backend with a signed-in user, a peer and one
// chat holding a short conversation.
func seedDemo(now time.Time) *gateway.Memory {
	mem := gateway.NewMemory()

	mem.PutProfile(gateway.Profile{ID: demoUserID, Username: "demo", DisplayName: "Demo User", IsOnline: true})
	mem.PutProfile(gateway.Profile{ID: demoPeerID, Username: "peer", DisplayName: "Demo Peer"})

	lines := []string{"Welcome to the demo chat.", "Messages you send here stay in memory."}
	var last gateway.Message
	for i, content := range lines {
		last = mem.PutMessage(gateway.Message{
			ChatID:    demoChatID,
			SenderID:  demoPeerID,
			Content:   content,
			Type:      gateway.MessageText,
			CreatedAt: now.Add(time.Duration(i-len(lines)) * time.Minute),
		})
	}

	mem.PutChat(gateway.Chat{
		ID:            demoChatID,
		Name:          "Demo",
		Participants:  []string{demoUserID, demoPeerID},
		LastMessage:   last.Content,
		LastMessageAt: &last.CreatedAt,
		LastSenderID:  demoPeerID,
		UnreadCounts:  map[string]int{demoUserID: len(lines)},
		CreatedAt:     now.Add(-time.Hour),
	})

	mem.SignIn(auth.User{ID: demoUserID, Email: "demo@example.com"}, "demo-token", time.Time{})
	return mem
}

// printf writes to w, ignoring errors of the terminal.
func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
