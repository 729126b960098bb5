package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/ares/internal/secrets"
)

const (
	appName = "ares"
	version = "v1.0.0"
)

type globalFlags struct {
	configDir       string
	dataDir         string
	logLevel        string
	metricsTextfile string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "ARES market-cap-weighted crypto index engine",
		Version: version,
		Long: `ARES builds and maintains a ten-constituent crypto index.

Scheduled rebalances run inside a UTC window and hold a 14-day cooldown lock.
Emergency adjustments apply the human blacklist with explicit approval.
Valuation runs publish index points between rebalances.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(flags.logLevel)
		},
	}

	bindGlobalFlags(rootCmd.PersistentFlags(), &flags)

	rootCmd.AddCommand(
		newScheduledRebalanceCmd(&flags),
		newEmergencyAdjustmentCmd(&flags),
		newValueCmd(&flags),
		newStatusCmd(&flags),
		newUnlockCmd(&flags),
		newServeCmd(&flags),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Str("error", secrets.NewRedactor().Redact(err.Error())).Msg("Command failed")
		stop()
		os.Exit(1)
	}
}

func bindGlobalFlags(fs *pflag.FlagSet, flags *globalFlags) {
	fs.StringVar(&flags.configDir, "config-dir", "config", "Directory holding engine.yaml and providers.yaml")
	fs.StringVar(&flags.dataDir, "data-dir", "", "Root for index_data, ares/exclusions and ares_eval (overrides storage.data_dir)")
	fs.StringVar(&flags.logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	fs.StringVar(&flags.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file after the run")
}

func setupLogging(level string) error {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}
