package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zelalemaklilu/fruity-pink-messenger/chat"
	"github.com/Zelalemaklilu/fruity-pink-messenger/config"
	"github.com/Zelalemaklilu/fruity-pink-messenger/health"
	"github.com/Zelalemaklilu/fruity-pink-messenger/messenger"
)

// ============================================================================
// Session and profiles
// ============================================================================

func newWhoamiCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return opts.run(cmd.Context(), func(a *app) error {
				snap, err := a.client.Session(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(out, snap.User)
				}
				if !snap.Authenticated() {
					printf(out, "Not signed in.\n")
					return nil
				}
				printf(out, "User ID: %s\n", snap.User.ID)
				if snap.User.Email != "" {
					printf(out, "Email:   %s\n", snap.User.Email)
				}
				return nil
			})
		},
	}
}

func newProfileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "profile [user-id]",
		Short: "Show a profile, the signed-in user's by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return opts.run(ctx, func(a *app) error {
				userID, err := userOrSelf(ctx, a, args)
				if err != nil {
					return err
				}
				p, err := a.client.RefreshProfile(ctx, userID)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(out, p)
				}
				printf(out, "%s (@%s)\n", p.Name(), p.Username)
				printf(out, "ID:     %s\n", p.ID)
				printf(out, "Online: %t\n", p.IsOnline)
				if p.Bio != "" {
					printf(out, "Bio:    %s\n", p.Bio)
				}
				return nil
			})
		},
	}
}

func userOrSelf(ctx context.Context, a *app, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	snap, err := a.client.Session(ctx)
	if err != nil {
		return "", err
	}
	if !snap.Authenticated() {
		return "", messenger.ErrNotSignedIn
	}
	return snap.UserID(), nil
}

// ============================================================================
// Chats and messages
// ============================================================================

func newChatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List your chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return opts.run(ctx, func(a *app) error {
				chats, err := a.client.RefreshChats(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(out, chats)
				}
				if len(chats) == 0 {
					printf(out, "No chats.\n")
					return nil
				}
				snap, err := a.client.Session(ctx)
				if err != nil {
					return err
				}
				for _, ch := range chats {
					name := ch.Name
					if name == "" {
						name = strings.Join(ch.Others(snap.UserID()), ", ")
					}
					printf(out, "%-20s %-24s unread %d\n", ch.ID, name, ch.Unread(snap.UserID()))
					if ch.LastMessage != "" {
						printf(out, "  %s\n", truncate(ch.LastMessage, 60))
					}
				}
				return nil
			})
		},
	}
}

func newMessagesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "messages <chat-id>",
		Short: "Print a chat's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return opts.run(ctx, func(a *app) error {
				msgs, err := a.client.Pipeline().Refresh(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(out, msgs)
				}
				if len(msgs) == 0 {
					printf(out, "No messages.\n")
					return nil
				}
				for _, m := range msgs {
					printMessage(out, m)
				}
				return nil
			})
		},
	}
}

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <chat-id> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return opts.run(ctx, func(a *app) error {
				m, err := a.client.Send(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return fmt.Errorf("send failed: %w", err)
				}
				if opts.jsonOutput {
					return writeJSON(out, m)
				}
				printf(out, "Sent %s at %s\n", m.ID, m.CreatedAt.Local().Format(time.Kitchen))
				return nil
			})
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch <chat-id>",
		Short: "Follow a chat until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			out := cmd.OutOrStdout()
			return opts.run(ctx, func(a *app) error {
				return watch(ctx, a, args[0], out)
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// watch prints every message of chatID once it settles, then each new one
// as it arrives.
func watch(ctx context.Context, a *app, chatID string, out io.Writer) error {
	seen := make(map[string]bool)
	errs := make(chan error, 1)

	stop := a.client.UseMessages(ctx, chatID, func(v messenger.View[[]chat.Message]) {
		if v.Err != nil {
			select {
			case errs <- v.Err:
			default:
			}
			return
		}
		for _, m := range v.Value {
			if m.Pending() || seen[m.Key()] {
				continue
			}
			seen[m.Key()] = true
			printMessage(out, m)
		}
	})
	defer stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}

func printMessage(out io.Writer, m chat.Message) {
	status := ""
	if m.Status != chat.StatusConfirmed {
		status = " [" + m.Status.String() + "]"
	}
	printf(out, "%s  %-12s %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Content, status)
}

// ============================================================================
// Health and config
// ============================================================================

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the backend, the session and realtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return opts.run(ctx, func(a *app) error {
				report := a.client.HealthChecks().Run(ctx)
				if opts.jsonOutput {
					if err := writeJSON(out, report); err != nil {
						return err
					}
				} else {
					printf(out, "Overall: %s\n", report.Status)
					for _, name := range report.Order {
						r := report.Checks[name]
						line := fmt.Sprintf("  %-10s %s", name, r.Status)
						if r.Message != "" {
							line += "  " + r.Message
						}
						if r.Error != nil {
							line += "  (" + r.Error.Error() + ")"
						}
						printf(out, "%s\n", line)
					}
				}
				if report.Status == health.StatusUnhealthy {
					return errors.New("unhealthy")
				}
				return nil
			})
		},
	}
}

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the config file",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := opts.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			masked := cfg
			masked.Supabase.AnonKey = maskKey(cfg.Supabase.AnonKey)
			masked.Supabase.AccessToken = maskKey(cfg.Supabase.AccessToken)
			masked.Supabase.RefreshToken = maskKey(cfg.Supabase.RefreshToken)
			masked.Supabase.JWTSecret = maskKey(cfg.Supabase.JWTSecret)

			data, err := masked.Encode()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printf(out, "# %s\n", path)
			_, err = out.Write(data)
			return err
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.configPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			if !force {
				if _, err := config.Load(cmd.Context(), path, nil); !errors.Is(err, config.ErrNotFound) {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(show, initCmd)
	return cmd
}

// ============================================================================
// Output helpers
// ============================================================================

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	switch {
	case key == "":
		return ""
	case len(key) <= 12:
		return "****"
	default:
		return key[:4] + "..." + key[len(key)-4:]
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
