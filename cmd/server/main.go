/*
main.go - Application entry point

PURPOSE:
  Command-line front end for the engagement engine. Every subcommand shares
  one configuration and logger, built before the subcommand runs.

COMMANDS:
  serve              HTTP API plus the optional audit scheduler
  audit              One audit from the shell (dry-run unless --apply)
  reminders sweep    Send every due follow-up reminder
  token              Mint a local HS256 token for testing the API

GLOBAL FLAGS:
  --config     YAML config file (optional)
  --env-file   dotenv file merged under the environment (default .env)
  --db         SQLite path, overrides config. ":memory:" for in-memory
  --log-level  overrides config

EXAMPLES:
  # Serve with a file database and the hourly audit scheduler
  ENGAGE_JWT_SECRET=dev ENGAGE_AUDIT_SCHEDULE=true ./server serve --db ./data/engage.db

  # Preview what an audit would backfill
  ./server audit --db ./data/engage.db

  # Apply it, enrolling directory users who never joined
  ./server audit --apply --enroll --workers 4

SEE ALSO:
  - serve.go: HTTP startup and graceful shutdown
  - commands.go: one-shot commands
  - config/config.go: configuration layers
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/engagement-engine/audit"
	"github.com/warp/engagement-engine/config"
	"github.com/warp/engagement-engine/delivery"
	"github.com/warp/engagement-engine/logging"
	"github.com/warp/engagement-engine/reminders"
	"github.com/warp/engagement-engine/rewards"
	"github.com/warp/engagement-engine/store/sqlite"
	"go.uber.org/zap"
)

var (
	configPath string
	envFile    string
	dbPath     string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Engagement reconciliation engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath, envFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, auditCmd, remindersCmd, tokenCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

// services is the object graph every command draws from.
type services struct {
	store     *sqlite.Store
	gate      *delivery.Gate
	reminders *reminders.Service
	runner    *audit.Runner
}

func openServices() (*services, error) {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	var transport delivery.Transport = delivery.LogTransport{Logger: logger}
	if cfg.Email.BaseURL != "" {
		transport = delivery.NewHTTPTransport(cfg.Email.BaseURL, cfg.Email.APIKey, cfg.Email.From)
	}
	gate := delivery.NewGate(store, transport, logger.Named("delivery"))
	gate.MaxPerWindow = cfg.Email.MaxPerWindow
	gate.Window = cfg.Email.Window.Std()

	runner := audit.NewRunner(store, rewards.NewBonusEvaluator(bonusChecker(store), cfg.Bonus.Timeout.Std(), logger.Named("bonus")), logger.Named("audit"))
	runner.CallTimeout = cfg.CallTimeout.Std()

	return &services{
		store:     store,
		gate:      gate,
		reminders: reminders.NewService(store, store, gate, logger.Named("reminders")),
		runner:    runner,
	}, nil
}

func bonusChecker(store *sqlite.Store) rewards.BonusChecker {
	if cfg.Bonus.ServiceURL != "" {
		return &rewards.HTTPBonusChecker{
			BaseURL: cfg.Bonus.ServiceURL,
			Token:   cfg.Bonus.Token,
			Client:  &http.Client{Timeout: cfg.Bonus.Timeout.Std()},
		}
	}
	if cfg.Bonus.PerfectDayPoints == 0 {
		return nil
	}
	return &rewards.StreakBonusChecker{
		Tasks:  store,
		Ledger: rewards.NewLedger(store),
		Points: decimal.NewFromInt(int64(cfg.Bonus.PerfectDayPoints)),
		Now:    time.Now,
	}
}

func (s *services) Close() error {
	return s.store.Close()
}
