package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"antigravity/internal/breaker"
	"antigravity/internal/budget"
	"antigravity/internal/errorlog"
	"antigravity/internal/preflight"
	jsonx "antigravity/internal/shared/json"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func lifecycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "lifecycle {activate|deactivate} {alpha|meta|all}",
		Short:     "Start or stop a workflow group",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"activate", "deactivate"},
		RunE: func(cmd *cobra.Command, args []string) error {
			verb, group := args[0], args[1]
			a, err := newApp("lifecycle")
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()

			var result interface{ Full() bool }
			switch verb {
			case "activate":
				res, err := a.groups.Startup(ctx, group)
				if err != nil {
					return err
				}
				printLifecycle(res.Matched, res.Succeeded, res.Failed)
				result = res
			case "deactivate":
				res := a.groups.Shutdown(ctx, group)
				printLifecycle(res.Matched, res.Succeeded, res.Failed)
				result = res
			default:
				return fmt.Errorf("unknown verb %q (want activate or deactivate)", verb)
			}
			if !result.Full() {
				return fmt.Errorf("%s %s: partial success", verb, group)
			}
			return nil
		},
	}
	return cmd
}

func printLifecycle(matched, succeeded, failed []string) {
	fmt.Printf("%s %d matched, %s %d, %s %d\n",
		bold("Workflows:"), len(matched), green("ok"), len(succeeded), red("failed"), len(failed))
	for _, name := range failed {
		fmt.Printf("  %s %s\n", red("x"), name)
	}
}

func breakerCmd() *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Show circuit breaker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("breaker")
			if err != nil {
				return err
			}
			if reset {
				a.breakers.ResetAll()
				fmt.Println(green("All breakers reset to closed"))
				return nil
			}

			states := a.breakers.Snapshots()
			if len(states) == 0 {
				fmt.Println("No circuit breakers recorded yet")
				return nil
			}
			fmt.Printf("%-24s %-10s %8s %8s %10s %10s\n",
				bold("NAME"), bold("STATE"), "FAILS", "OKS", "TOT_FAIL", "TOT_OK")
			for _, st := range states {
				fmt.Printf("%-24s %-10s %8d %8d %10d %10d\n",
					st.Name, colorState(st.State),
					st.ConsecutiveFailures, st.ConsecutiveSuccesses,
					st.TotalFailures, st.TotalSuccesses)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "force-close every breaker")
	return cmd
}

func colorState(state breaker.State) string {
	switch state {
	case breaker.StateOpen:
		return red(string(state))
	case breaker.StateHalfOpen:
		return yellow(string(state))
	default:
		return green(string(state))
	}
}

func errorsCmd() *cobra.Command {
	var (
		app      string
		severity string
		limit    int
		summary  bool
	)

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Query the shared error log",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("errors")
			if err != nil {
				return err
			}
			if summary {
				sum, err := a.errlog.Summarize()
				if err != nil {
					return err
				}
				fmt.Printf("%s %d\n", bold("Total:"), sum.Total)
				for name, count := range sum.ByApp {
					fmt.Printf("  app %-20s %d\n", name, count)
				}
				for name, count := range sum.BySeverity {
					fmt.Printf("  severity %-15s %d\n", name, count)
				}
				return nil
			}

			entries, err := a.errlog.Read(errorlog.Filter{App: app, Severity: severity, Limit: limit})
			if err != nil {
				return err
			}
			for _, entry := range entries {
				line := fmt.Sprintf("%s [%s] %s: %s", entry.Timestamp, entry.Severity, entry.App, entry.Message)
				switch entry.Severity {
				case errorlog.SeverityCritical, errorlog.SeverityError:
					fmt.Println(red(line))
				case errorlog.SeverityWarning:
					fmt.Println(yellow(line))
				default:
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&app, "app", "", "filter by app name")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max entries from the tail")
	cmd.Flags().BoolVar(&summary, "summary", false, "aggregate counts instead of entries")
	return cmd
}

func snapshotCmd() *cobra.Command {
	var (
		target  string
		list    bool
		restore string
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot, list, or restore a protected data file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("snapshot")
			if err != nil {
				return err
			}
			if target == "" {
				target = a.cfg.Supervisor.PortfolioPath
			}

			switch {
			case list:
				records, err := a.snaps.List(target)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Println("No snapshots for", target)
					return nil
				}
				for _, record := range records {
					fmt.Printf("%s  %8d bytes  %-12s %s\n",
						record.Timestamp, record.SizeBytes, record.Reason, record.SnapshotPath)
				}
				return nil

			case restore != "":
				if restore == "newest" {
					restore = ""
				}
				if err := a.snaps.Restore(target, restore); err != nil {
					return err
				}
				fmt.Println(green("Restored"), target)
				return nil

			default:
				record, err := a.snaps.Snapshot(target, "manual")
				if err != nil {
					return err
				}
				fmt.Println(green("Snapshot written:"), record.SnapshotPath)
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "file to operate on (default: portfolio)")
	cmd.Flags().BoolVar(&list, "list", false, "list snapshots for the target")
	cmd.Flags().StringVar(&restore, "restore", "", "snapshot file to restore (empty = newest)")
	cmd.Flags().Lookup("restore").NoOptDefVal = "newest"
	return cmd
}

func budgetCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Check execution usage against the monthly budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("budget")
			if err != nil {
				return err
			}
			ctx, cancel := opContext()
			defer cancel()

			guard := a.budget
			if limit > 0 {
				guard = budget.New(a.provider, budget.DefaultHistoryPath(a.cfg.AppRoot), limit, a.logger)
			}
			sample, classification, err := guard.Check(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%s %d/%d executions in 30d, %.1f%% failures\n",
				bold("Usage:"), sample.TotalExecutions, sample.MonthlyLimit, sample.FailureRate*100)
			switch classification {
			case "critical":
				fmt.Println(red("Status: critical"))
				return fmt.Errorf("budget critical: %d of %d", sample.TotalExecutions, sample.MonthlyLimit)
			case "warning":
				fmt.Println(yellow("Status: warning"))
			default:
				fmt.Println(green("Status: ok"))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "override the monthly execution limit")
	return cmd
}

func preflightCmd() *cobra.Command {
	var (
		profileName string
		dir         string
	)

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Validate secrets, dependencies, and connectivity before launch",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("preflight")
			if err != nil {
				return err
			}
			if dir == "" {
				dir = a.cfg.AppRoot
			}

			profiles := preflight.Profiles(dir)
			profile, ok := profiles[profileName]
			if !ok {
				return fmt.Errorf("unknown profile %q (want %s)", profileName, strings.Join(profileNames(profiles), ", "))
			}

			ctx, cancel := opContext()
			defer cancel()

			runner := preflight.New(func(key string) string {
				return a.secrets.GetSecret(key, "")
			}, a.provider, a.logger)
			report := runner.Run(ctx, profile)

			for _, result := range report.Results {
				marker := green("PASS")
				switch result.Status {
				case preflight.StatusWarn:
					marker = yellow("WARN")
				case preflight.StatusFail:
					marker = red("FAIL")
				}
				fmt.Printf("  [%s] %s", marker, result.Name)
				if result.Detail != "" {
					fmt.Printf(" (%s)", result.Detail)
				}
				fmt.Println()
			}
			fmt.Printf("%s %d passed, %d failed, %d warnings\n",
				bold("Preflight:"), report.Passed, report.Failed, report.Warnings)
			if !report.OK() {
				return fmt.Errorf("preflight failed: %d check(s)", report.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profileName, "app", "generic", "profile: alpha, meta, or generic")
	cmd.Flags().StringVar(&dir, "dir", "", "application root to validate")
	return cmd
}

func profileNames(profiles map[string]preflight.Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	return names
}

func telemetryCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Unified operational view: breakers, errors, budget, snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("telemetry")
			if err != nil {
				return err
			}

			breakers := a.breakers.Snapshots()
			summary, err := a.errlog.Summarize()
			if err != nil {
				return err
			}
			samples, _ := a.budget.History()
			records, _ := a.snaps.List(a.cfg.Supervisor.PortfolioPath)

			if asJSON {
				view := map[string]any{
					"breakers":  breakers,
					"errors":    summary,
					"snapshots": records,
				}
				if len(samples) > 0 {
					view["budget"] = samples[len(samples)-1]
				}
				data, err := jsonx.MarshalIndent(view, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Println(bold("Breakers"))
			openCount := 0
			for _, st := range breakers {
				if st.State != breaker.StateClosed {
					openCount++
				}
				fmt.Printf("  %-24s %s\n", st.Name, colorState(st.State))
			}
			if len(breakers) == 0 {
				fmt.Println("  none recorded")
			}

			fmt.Println(bold("Errors"))
			fmt.Printf("  total %d (critical %d, error %d, warning %d)\n",
				summary.Total,
				summary.BySeverity[errorlog.SeverityCritical],
				summary.BySeverity[errorlog.SeverityError],
				summary.BySeverity[errorlog.SeverityWarning])

			fmt.Println(bold("Budget"))
			if len(samples) > 0 {
				last := samples[len(samples)-1]
				fmt.Printf("  %d/%d executions, %s\n",
					last.TotalExecutions, last.MonthlyLimit,
					budget.Classify(last.TotalExecutions, last.MonthlyLimit))
			} else {
				fmt.Println("  no samples yet")
			}

			fmt.Println(bold("Snapshots"))
			fmt.Printf("  %d retained for portfolio\n", len(records))

			if openCount > 0 {
				fmt.Println(yellow("Attention: non-closed breakers present"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	return cmd
}
