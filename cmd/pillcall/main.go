package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"pillcall/internal/app"
	"pillcall/internal/recurrence"
	"pillcall/internal/registry"
	"pillcall/internal/schedule"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "pillcall",
		Short:         "Medication reminder scheduler and dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd(), nextCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reminder worker and the editing API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			envFile, _ := cmd.Flags().GetString("env")
			grace, _ := cmd.Flags().GetDuration("shutdown-timeout")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(cfgPath, envFile)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if ctx.Err() == nil {
					reason = app.StopFatalError
				}
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)

			if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("config", "./config.yaml", "Path to config (json or yaml)")
	cmd.Flags().String("env", ".env", "Optional dotenv file")
	cmd.Flags().Duration("shutdown-timeout", 2*time.Minute, "Upper bound for graceful shutdown")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending storage migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			envFile, _ := cmd.Flags().GetString("env")

			driver, err := app.Migrate(cmd.Context(), cfgPath, envFile)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Storage %s is up to date.\n", driver)
			return nil
		},
	}
	cmd.Flags().String("config", "./config.yaml", "Path to config (json or yaml)")
	cmd.Flags().String("env", ".env", "Optional dotenv file")
	return cmd
}

func nextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the next fire times of a rule",
		Example: `  pillcall next --time 08:30 --zone Asia/Kolkata
  pillcall next --repeat custom --days mon,thu --time 21:00 --count 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := schedule.RuleInput{Label: "preview"}
			in.Repeat, _ = cmd.Flags().GetString("repeat")
			in.Date, _ = cmd.Flags().GetString("date")
			in.At, _ = cmd.Flags().GetString("time")
			days, _ := cmd.Flags().GetString("days")
			for _, d := range strings.Split(days, ",") {
				if d = strings.TrimSpace(d); d != "" {
					in.Days = append(in.Days, d)
				}
			}
			zone, _ := cmd.Flags().GetString("zone")
			at, _ := cmd.Flags().GetString("at")
			count, _ := cmd.Flags().GetInt("count")
			fallback, _ := cmd.Flags().GetBool("empty-week-fallback")

			draft, err := in.Draft()
			if err != nil {
				return err
			}
			loc, err := registry.LoadZone(zone)
			if err != nil {
				return err
			}
			ref := time.Now()
			if at != "" {
				if ref, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			calc := recurrence.Calculator{EmptyWeekFallback: fallback}
			out := cmd.OutOrStdout()
			for i := 0; i < max(count, 1); i++ {
				next, ok := calc.Next(draft.LocalTime, loc, draft.Rule, ref)
				if !ok {
					if i == 0 {
						fmt.Fprintln(out, "no future occurrence")
					}
					return nil
				}
				fmt.Fprintf(out, "%s  (%s)\n", next.In(loc).Format("Mon 2006-01-02 15:04 MST"), next.UTC().Format(time.RFC3339))
				if draft.Rule.Mode() == recurrence.ModeOneOff {
					return nil
				}
				ref = next
			}
			return nil
		},
	}
	cmd.Flags().String("repeat", "everyday", "everyday | custom | one_off")
	cmd.Flags().String("days", "", "Comma-separated weekdays for custom (mon,tue,...)")
	cmd.Flags().String("date", "", "YYYY-MM-DD for one_off")
	cmd.Flags().String("time", "08:00", "Local time HH:MM")
	cmd.Flags().String("zone", registry.DefaultTimeZone, "IANA time zone")
	cmd.Flags().String("at", "", "Reference instant (RFC3339); defaults to now")
	cmd.Flags().Int("count", 1, "Number of occurrences to print")
	cmd.Flags().Bool("empty-week-fallback", false, "Treat a custom rule with no days as daily")
	return cmd
}
