package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/ares/internal/governance"
	monitor "github.com/sawpanic/ares/internal/interfaces/http"
)

// runFunc matches the method expressions of the governance paths.
type runFunc func(e *governance.Engine, ctx context.Context) (*governance.Report, error)

// runReport wires the app, runs fn and prints the report as JSON.
func runReport(cmd *cobra.Command, flags *globalFlags, fn runFunc) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.writeMetrics(flags.metricsTextfile)

	rep, err := fn(a.engine, ctx)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newScheduledRebalanceCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduled-rebalance",
		Short: "Run the gated bi-weekly rebalance",
		Long: `Runs the scheduled rebalance. Skips at minute :00 and :30, requires the UTC
window unless ALLOW_MANUAL_REBALANCE=1, and takes the 14-day rebalance lock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, flags, (*governance.Engine).ScheduledRebalance)
		},
	}
}

func newEmergencyAdjustmentCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-adjustment",
		Short: "Rebuild the portfolio with the human blacklist applied",
		Long: `Runs an emergency adjustment from ares/exclusions/human_override.yaml.
Requires ALLOW_EMERGENCY_ADJUSTMENT=1 and refuses unchanged override content.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, flags, (*governance.Engine).EmergencyAdjustment)
		},
	}
}

func newValueCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "value",
		Short: "Price the committed portfolio and append an index point",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, flags, (*governance.Engine).Value)
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index state, locks and the last index point",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func newUnlockCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Delete the rebalance lock (manual override)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			held, err := a.engine.Unlock(cmd.Context())
			if err != nil {
				return err
			}
			if held == nil {
				fmt.Println("No rebalance lock was held")
				return nil
			}
			fmt.Printf("Removed rebalance lock of run %s (next allowed %s)\n",
				held.RunID, held.NextAllowedAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only index monitor",
		Long:  "Serves /health, /metrics, /api/index/history, /api/index/state and /api/portfolio.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := monitor.DefaultServerConfig()
			cfg.Host = host
			cfg.Port = port
			cfg.Symbol = a.cfg.Engine.Index.Symbol
			cfg.Version = version
			srv := monitor.NewServer(cfg, a.state, a.locker, a.metrics)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "HTTP server host")
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP server port")
	return cmd
}
