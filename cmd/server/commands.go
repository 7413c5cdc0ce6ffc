package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/engagement-engine/api"
	"github.com/warp/engagement-engine/audit"
)

// =============================================================================
// AUDIT
// =============================================================================

var (
	auditApply   bool
	auditEnroll  bool
	auditWorkers int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Reconcile every participant once and print the report",
	Long: `Runs one audit against the configured database. Without --apply nothing
is written except the audit run record. Ctrl-C stops between participants;
the partial report is still printed. Exits non-zero when the report says
success=false.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		workers := auditWorkers
		if workers == 0 {
			workers = cfg.Audit.Workers
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		report := svc.runner.Run(ctx, audit.Options{
			DryRun:                    !auditApply,
			EnrollMissingParticipants: auditEnroll,
			Workers:                   workers,
		})
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.Success {
			return errors.New(report.Message)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().BoolVar(&auditApply, "apply", false, "write changes (default is a dry run)")
	auditCmd.Flags().BoolVar(&auditEnroll, "enroll", false, "enroll directory users who are not participants")
	auditCmd.Flags().IntVar(&auditWorkers, "workers", 0, "parallel participant passes, overrides config")
}

// =============================================================================
// REMINDERS
// =============================================================================

var remindersCmd = &cobra.Command{
	Use:   "reminders",
	Short: "Follow-up reminder operations",
}

var remindersSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Email owners of every contact whose follow-up is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.reminders.SendDue(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func init() {
	remindersCmd.AddCommand(remindersSweepCmd)
}

// =============================================================================
// TOKEN
// =============================================================================

var (
	tokenUser  string
	tokenRoles []string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a local API token signed with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.JWTSecret == "" {
			return errors.New("jwt secret is not configured")
		}
		if tokenUser == "" {
			return errors.New("--user is required")
		}
		tok, err := api.IssueToken(cfg.Server.JWTSecret, tokenUser, tokenRoles, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "subject user id")
	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", nil, "role to grant (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime, 0 for none")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

