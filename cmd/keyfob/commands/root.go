// Package commands implements the keyfob CLI: thin glue over the
// SharedTokenClient facade so shell sessions and cron jobs can share one
// logical token with any other process using the same token file.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/fdverney/keyfob"
	"github.com/fdverney/keyfob/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:  "keyfob",
		Usage: "OIDC token lifecycle manager",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelWarn.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json|otel)",
				Value: "text",
			},
			&cli.StringFlag{
				Name:  "server-url",
				Usage: "identity provider base URL",
			},
			&cli.StringFlag{
				Name:  "realm-name",
				Usage: "realm the client belongs to",
			},
			&cli.StringFlag{
				Name:  "client-id",
				Usage: "OIDC client id",
			},
			&cli.StringFlag{
				Name:  "token-file",
				Usage: "path of the shared token file",
			},
		},
		Commands: []*cli.Command{
			initCommand(),
			accessTokenCommand(),
			refreshCommand(),
			userInfoCommand(),
			exchangeCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "establish the shared token set",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "authenticate with password credentials (prompts for the password)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			username := cmd.String("username")
			if username == "" {
				set, err := client.InitializeTokens(ctx)
				if err != nil {
					return err
				}
				slog.InfoContext(ctx, "tokens initialized", "access_expiry", set.AccessExpiry)
				return nil
			}

			fmt.Fprintf(os.Stderr, "password for %s: ", username)
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}

			set, err := client.InitializeWithPassword(ctx, username, string(password))
			if err != nil {
				return err
			}
			slog.InfoContext(ctx, "tokens initialized", "access_expiry", set.AccessExpiry)
			return nil
		},
	}
}

func accessTokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "access-token",
		Usage: "print a usable access token, refreshing first if needed",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			token, err := client.AccessToken(ctx)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "redeem the refresh token for a new token set",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			set, err := client.Refresh(ctx)
			if err != nil {
				return err
			}
			slog.InfoContext(ctx, "tokens refreshed",
				"access_expiry", set.AccessExpiry,
				"refresh_expiry", set.RefreshExpiry,
			)
			return nil
		},
	}
}

func userInfoCommand() *cli.Command {
	return &cli.Command{
		Name:  "userinfo",
		Usage: "print the identity claims behind the access token",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			info, err := client.UserInfo(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func exchangeCommand() *cli.Command {
	return &cli.Command{
		Name:  "exchange",
		Usage: "obtain a token scoped to another audience",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "audience",
				Aliases:  []string{"a"},
				Usage:    "target audience / client",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			set, err := client.Exchange(ctx, cmd.String("audience"))
			if err != nil {
				return err
			}
			fmt.Println(set.AccessToken)
			return nil
		},
	}
}

// newClient loads configuration, installs logging, and builds the shared
// facade. Every CLI invocation is its own process, so the shared store is
// the only store that makes sense here.
func newClient(cmd *cli.Command) (*keyfob.SharedTokenClient, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cmd.String("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if err := observability.Instrument(level, cmd.String("log-format")); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	return keyfob.NewSharedTokenClient(*cfg)
}
