package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carelink/gateway/internal/config"
	"github.com/carelink/gateway/internal/platform/auth"
	"github.com/carelink/gateway/internal/platform/db"
	"github.com/carelink/gateway/internal/platform/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

const (
	shutdownTimeout      = 10 * time.Second
	stateCleanupInterval = time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "carelink-server",
		Short:        "SMART on FHIR gateway for the CareLink dashboard",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema for the pending-grant store",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openMigrationPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, db.Migrations, "migrations").Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openMigrationPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations, "migrations").Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openMigrationPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for migrations")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

func tokenCmd() *cobra.Command {
	var (
		id, name, email, role, patient, scope string
		ttl                                   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			tok, err := mintToken(cfg, id, name, email, role, patient, scope, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Principal id (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&role, "role", string(auth.RolePatient), "patient, provider or admin")
	cmd.Flags().StringVar(&patient, "patient", "", "FHIR patient id in context")
	cmd.Flags().StringVar(&scope, "scope", "", "Space-delimited SMART scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to JWT_TTL)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func mintToken(cfg *config.Config, id, name, email, role, patient, scope string, ttl time.Duration) (string, error) {
	r, err := auth.ParseRole(role)
	if err != nil {
		return "", err
	}
	codec, err := auth.NewTokenCodec([]byte(cfg.JWTSecret), cfg.JWTTTL)
	if err != nil {
		return "", err
	}
	return codec.Issue(&auth.Principal{
		ID:            id,
		Name:          name,
		Email:         email,
		Role:          r,
		FHIRPatientID: patient,
		Scopes:        auth.ScopeSet(scope),
	}, ttl)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.Init()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
	}

	states, closeStates, err := openStateStore(ctx, cfg, pool)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.StateStore).Msg("failed to open state store")
	}
	defer closeStates()
	go auth.RunCleanup(ctx, states, stateCleanupInterval, func(err error) {
		logger.Warn().Err(err).Msg("state cleanup failed")
	})

	e, err := newServer(cfg, logger, serverDeps{states: states, pool: pool})
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// openStateStore picks the pending-grant backend. The returned func releases
// anything the store opened itself.
func openStateStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (auth.StateStore, func(), error) {
	switch cfg.StateStore {
	case config.StateStoreRedis:
		store, client, err := auth.NewRedisStateStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	case config.StateStorePostgres:
		if pool == nil {
			return nil, nil, errors.New("postgres state store requires DATABASE_URL")
		}
		return auth.NewPGStateStoreFromPool(pool), func() {}, nil
	default:
		return auth.NewMemoryStateStore(), func() {}, nil
	}
}
