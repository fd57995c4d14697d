package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwygoda/audioqueue/internal/adapter/postgres"
	"github.com/cwygoda/audioqueue/internal/adapter/sqlite"
	"github.com/cwygoda/audioqueue/internal/config"
	"github.com/cwygoda/audioqueue/internal/domain"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "audioqueue",
	Short:         "Durable audio download and conversion queue",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			c.LogLevel = logLevel
		}
		level, err := parseLevel(c.LogLevel)
		if err != nil {
			return err
		}
		cfg = c
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/audioqueue/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	pruneCmd.Flags().StringVar(&pruneOlderThan, "older-than", "168h", "minimum age of finished jobs, e.g. 72h or 7d")
	recoverCmd.Flags().BoolVar(&recoverAll, "all", false, "requeue every downloading job, including live claims (only when no server is running)")

	rootCmd.AddCommand(serveCmd, pruneCmd, recoverCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var pruneOlderThan string

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs and their files",
	Long:  "Delete completed, failed and cancelled jobs that finished before the cutoff, together with their audio files.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, err := parseAge(pruneOlderThan)
		if err != nil {
			return err
		}
		svc, closeStore, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		n, err := svc.Prune(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d jobs\n", n)
		return nil
	},
}

var recoverAll bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Requeue jobs left downloading by a stopped server",
	Long: `Requeue downloading jobs whose lease has expired, plus those claimed
under the configured queue.instance_id. With --all every downloading job is
requeued.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeStore, err := openService(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		requeue := svc.RecoverStale
		if recoverAll {
			requeue = svc.RecoverAll
		}
		n, err := requeue(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recovered %d jobs\n", n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "audioqueue", version)
	},
}

// store is a job repository holding a connection.
type store interface {
	domain.JobRepository
	Close() error
}

func openStore(ctx context.Context) (store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.Open(ctx, postgresConfig(cfg.Database), logger)
	default:
		return sqlite.New(cfg.Database.Path)
	}
}

func postgresConfig(db config.DatabaseConfig) postgres.Config {
	return postgres.Config{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
		MaxConnIdleTime: db.MaxConnIdleTime,
		DialTimeout:     db.DialTimeout,
	}
}

// openService opens the configured store and builds the job service on it.
func openService(ctx context.Context) (*domain.JobService, func(), error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	logger.Debug("store opened", "driver", cfg.Database.Driver)

	svc := domain.NewJobService(st,
		domain.WithLogger(logger),
		domain.WithMaxConcurrent(cfg.Queue.MaxConcurrent),
		domain.WithMaxRetries(cfg.Queue.MaxRetries),
		domain.WithIdempotencyTTL(cfg.Queue.IdempotencyTTL),
		domain.WithLeaseTTL(cfg.Queue.LeaseTTL),
		domain.WithInstanceID(cfg.Queue.InstanceID),
	)
	closeStore := func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}
	return svc, closeStore, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// parseAge accepts Go durations plus a whole-day suffix such as 7d.
func parseAge(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}
