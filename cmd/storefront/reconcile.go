package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zyndor1548/storefront-payments/internal/reconcile"
)

func reconcileCmd() *cobra.Command {
	var (
		from, to string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare ledger transactions with the providers and correct drift",
		Long: `Reconcile every transaction created in [from, to] against its provider
and print the report as JSON.

Examples:
  storefront reconcile
  storefront reconcile --from 2026-03-01T00:00:00Z --to 2026-03-02T00:00:00Z --limit 500`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := parseRange(from, to, limit, time.Now().UTC())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			notifier, err := a.notifier(ctx, nil)
			if err != nil {
				return err
			}
			svc := reconcile.New(a.store, a.registry, notifier, a.logger, reconcile.Options{
				Pause:      a.cfg.Reconcile.Pause,
				BatchLimit: a.cfg.Reconcile.BatchLimit,
			})
			report, runErr := svc.ReconcileRange(ctx, r)
			if report != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "range start, RFC 3339 (default 24h before --to)")
	cmd.Flags().StringVar(&to, "to", "", "range end, RFC 3339 (default now)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum transactions (default RECONCILE_BATCH_LIMIT)")
	return cmd
}

func parseRange(from, to string, limit int, now time.Time) (reconcile.Range, error) {
	r := reconcile.Range{To: now, Limit: limit}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return r, fmt.Errorf("--to: %w", err)
		}
		r.To = t
	}
	r.From = r.To.Add(-24 * time.Hour)
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return r, fmt.Errorf("--from: %w", err)
		}
		r.From = t
	}
	if r.From.After(r.To) {
		return r, fmt.Errorf("--from %s is after --to %s", r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	}
	if limit < 0 {
		return r, fmt.Errorf("--limit must not be negative")
	}
	return r, nil
}
