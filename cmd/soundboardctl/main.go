package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"soundboard.app/internal/auth"
	"soundboard.app/internal/config"
	"soundboard.app/internal/migrate"
	"soundboard.app/internal/obs"
	"soundboard.app/internal/reconcile"
	"soundboard.app/internal/store/pg"
	"soundboard.app/internal/upstream"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "soundboardctl",
		Short: "Operator tooling for the soundboard control plane",
		Long: `Operator tooling for the soundboard control plane.

Settings are read from the same SOUNDBOARD_* environment variables as the API.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(createMigrateCmd())
	rootCmd.AddCommand(createTokenCmd())
	rootCmd.AddCommand(createReconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func createMigrateCmd() *cobra.Command {
	var dsn string

	withManager := func(fn func(ctx context.Context, m *migrate.Manager) error) error {
		if dsn == "" {
			return fmt.Errorf("missing DSN: provide via --dsn or SOUNDBOARD_PG_DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		st, err := pg.Open(dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer st.Close()
		return fn(ctx, migrate.NewManager(st.DB()))
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("SOUNDBOARD_PG_DSN"), "PostgreSQL DSN")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *migrate.Manager) error {
				applied, err := m.Up(ctx)
				for _, name := range applied {
					color.Green("applied %s", name)
				}
				if err == nil && len(applied) == 0 {
					color.Yellow("schema is up to date")
				}
				return err
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *migrate.Manager) error {
				name, err := m.Down(ctx)
				if err != nil {
					return err
				}
				color.Green("rolled back %s", name)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(func(ctx context.Context, m *migrate.Manager) error {
				history, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, item := range history {
					fmt.Println(item)
				}
				return nil
			})
		},
	})
	return cmd
}

func createTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue credentials",
	}
	executor := &cobra.Command{
		Use:   "executor <name>",
		Short: "Issue a credential for a playback executor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := auth.NewExecutorTokens(os.Getenv("SOUNDBOARD_EXECUTOR_SECRET"))
			if err != nil {
				return err
			}
			token, exp, err := tokens.Generate(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			color.New(color.FgHiBlack).Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	executor.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "credential lifetime")
	cmd.AddCommand(executor)
	return cmd
}

func createReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one group reconciliation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			obs.Configure(cfg.LogLevel)

			st, err := pg.Open(cfg.PGDSN)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			client := upstream.NewClient(cfg.UpstreamURL, cfg.BotToken, upstream.WithLogger(obs.Named("upstream")))
			res, err := reconcile.New(client, st, 0, obs.Named("reconcile")).RunOnce(ctx)
			if err != nil {
				return err
			}
			color.Green("activated %d, deactivated %d", res.Activated, res.Deactivated)
			return nil
		},
	}
}
