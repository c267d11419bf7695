package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/PortNumber53/botbuilder/backend/internal/config"
	"github.com/PortNumber53/botbuilder/backend/internal/logging"
	"github.com/PortNumber53/botbuilder/backend/internal/migrations"
)

func main() {
	_ = godotenv.Load(
		"../.env",
		".env",
	)
	logging.Init(os.Getenv("LOG_LEVEL"), "console")

	rootCmd := &cobra.Command{
		Use:          "dbtool",
		Short:        "Manage the subscriber database schema",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(upCmd())
	rootCmd.AddCommand(fixCmd())
	rootCmd.AddCommand(forceCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *sql.DB) error {
				log.Info().Msg("applying migrations")
				return migrations.Up(db)
			})
		},
	}
}

func fixCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix",
		Short: "Clear a dirty schema version left by a failed migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *sql.DB) error {
				if err := migrations.FixDirtyDatabase(db); err != nil {
					return fmt.Errorf("fix dirty database: %w", err)
				}
				log.Info().Msg("database fixed")
				return nil
			})
		},
	}
}

func forceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <version>",
		Short: "Record a schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid version number %q: %w", args[0], err)
			}
			return withDB(cmd.Context(), func(db *sql.DB) error {
				if err := migrations.ForceVersion(db, uint(v)); err != nil {
					return err
				}
				log.Info().Uint64("version", v).Msg("database version forced")
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(db *sql.DB) error {
				version, dirty, err := migrations.Status(db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
				return nil
			})
		},
	}
}

func withDB(ctx context.Context, fn func(db *sql.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return fn(db)
}
