package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/upb/llm-enforcement-gateway/app"
	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/repositories"
	"github.com/upb/llm-enforcement-gateway/services/audit"
)

// withLedger opens the configured ledger for the duration of fn
func withLedger(ctx context.Context, opts *options, fn func(*audit.Service) error) error {
	cfg, err := opts.config(ctx)
	if err != nil {
		return err
	}
	ledger, err := app.OpenLedger(ctx, cfg.Ledger, opts.logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	svc := audit.NewService(ledger, opts.logger, audit.DefaultConfig())
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop(10 * time.Second)

	return fn(svc)
}

func newStatsCommand(opts *options) *cobra.Command {
	var days, top int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize enforcement activity over recent days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), opts, func(svc *audit.Service) error {
				stats, err := svc.Aggregate(cmd.Context(), days, top)
				if err != nil {
					return err
				}
				return render(out(cmd), opts.outputFormat, stats, func(w *tabwriter.Writer) {
					fmt.Fprintf(w, "WINDOW\t%s .. %s\n", stats.Since.Format(time.RFC3339), stats.Until.Format(time.RFC3339))
					fmt.Fprintf(w, "TOTAL EVENTS\t%d\n", stats.TotalEvents)
					for _, a := range models.AllActions {
						fmt.Fprintf(w, "%s\t%d\n", a, stats.ActionCounts[a])
					}
					fmt.Fprintf(w, "OVERRIDE SUCCESS RATE\t%.2f%% (%d/%d)\n",
						stats.OverrideSuccessRate, stats.OverrideSuccesses, stats.OverrideAttempts)
					if stats.MostBlockedClient != nil {
						fmt.Fprintf(w, "MOST BLOCKED CLIENT\t%s (%d)\n", stats.MostBlockedClient.ClientIP, stats.MostBlockedClient.Blocks)
					}
					for _, p := range stats.TopPolicies {
						fmt.Fprintf(w, "POLICY %s\t%d blocks, %d clients\n", p.PolicyName, p.Blocks, p.AffectedClients)
					}
				})
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "trailing window in days")
	cmd.Flags().IntVar(&top, "top", repositories.DefaultTopN, "number of policies to rank")
	return cmd
}

func newEventsCommand(opts *options) *cobra.Command {
	var (
		filter repositories.EventFilter
		since  time.Duration
		admin  bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List ledger events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				start := time.Now().Add(-since)
				filter.Start = &start
			}
			return withLedger(cmd.Context(), opts, func(svc *audit.Service) error {
				if admin {
					events, err := svc.QueryAdmin(cmd.Context(), repositories.AdminEventFilter{
						EventType: filter.EventType,
						Start:     filter.Start,
						Limit:     filter.Limit,
					})
					if err != nil {
						return err
					}
					return render(out(cmd), opts.outputFormat, events, func(w *tabwriter.Writer) {
						fmt.Fprintln(w, "ID\tTIME\tTYPE\tACTOR\tCLIENT\tSUCCESS")
						for _, e := range events {
							fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\n",
								e.ID, e.Timestamp.Format(time.RFC3339), e.EventType, e.Actor, e.ClientIP, e.Success)
						}
					})
				}

				events, err := svc.Query(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return render(out(cmd), opts.outputFormat, events, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ID\tTIME\tTYPE\tACTION\tCLIENT\tENDPOINT\tPOLICY")
					for _, e := range events {
						fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
							e.ID, e.Timestamp.Format(time.RFC3339), e.EventType, e.EnforcementAction,
							e.ClientIP, e.Endpoint, deref(e.PolicyName))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&filter.Provider, "endpoint", "", "filter by provider endpoint")
	cmd.Flags().StringVar((*string)(&filter.Decision), "decision", "", "filter by enforcement action (block, override, allowlist_bypass, allow)")
	cmd.Flags().StringVar((*string)(&filter.EventType), "type", "", "filter by event type")
	cmd.Flags().StringVar(&filter.ClientIP, "client-ip", "", "filter by client address")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum events to list")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 24h")
	cmd.Flags().BoolVar(&admin, "admin", false, "list administrative events instead")
	return cmd
}

func newPruneCommand(opts *options) *cobra.Command {
	var maxAgeDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete ledger events older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), opts, func(svc *audit.Service) error {
				n, err := svc.Retention(cmd.Context(), maxAgeDays)
				if err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "deleted %d events older than %d days\n", n, maxAgeDays)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 365, "delete events older than this many days")
	return cmd
}
