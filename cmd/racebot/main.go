// racebot races competing claim and transfer submissions against a ledger
// and keeps its own traffic inside rate, flood and connection limits.
//
// Layout:
//
//	main.go              entry point: cobra commands, logging, signal handling
//	engine/engine.go     wires the race coordinator to the ledger, fee feed and store
//	race/coordinator.go  fans a race out to workers; first success wins
//	fees/bidder.go       competitor-aware fee bidding with congestion scaling
//	retry, flood, pool   per-worker backoff, backpressure and connection leases
//	ratelimit            keyed token buckets for claim, transfer and api domains
//	api/server.go        HTTP control surface plus the /ws race log stream
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"racebot/internal/api"
	"racebot/internal/config"
	"racebot/internal/engine"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "racebot",
		Short:        "Race ledger claims and transfers against competitors",
		SilenceUsage: true,
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("RACEBOT_CONFIG"); p != "" {
		cfgPath = p
	}
	root.PersistentFlags().String("config", cfgPath, "path to the YAML config file (empty for defaults and env only)")

	root.AddCommand(newServeCommand(), newVersionCommand())
	return root
}

type serveOverrides struct {
	dryRun   bool
	live     bool
	port     int
	logLevel string
}

func (o *serveOverrides) register(fs *pflag.FlagSet) {
	fs.BoolVar(&o.dryRun, "dry-run", false, "use the in-memory ledger client")
	fs.BoolVar(&o.live, "live", false, "submit to the configured ledger API")
	fs.IntVar(&o.port, "port", 0, "override server.port")
	fs.StringVar(&o.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

func (o *serveOverrides) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if o.dryRun && o.live {
		return errors.New("--dry-run and --live are mutually exclusive")
	}
	if fs.Changed("dry-run") {
		cfg.DryRun = true
	}
	if fs.Changed("live") {
		cfg.DryRun = false
	}
	if fs.Changed("port") {
		cfg.Server.Port = o.port
	}
	if fs.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	return nil
}

func newServeCommand() *cobra.Command {
	var overrides serveOverrides
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the race engine and the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config %s: %w", cfgPath, err)
			}
			if err := overrides.apply(cmd.Flags(), cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return serve(cfg)
		},
	}
	overrides.register(cmd.Flags())
	return cmd
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var apiServer *api.Server
	if cfg.Server.Enabled {
		apiServer = api.NewServer(cfg.Server, eng, eng.Limiter(), eng.Metrics(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api started", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: races run against the in-memory ledger")
	}

	logger.Info("racebot started",
		"claim_workers", cfg.Race.Claim.Workers,
		"transfer_workers", cfg.Race.Transfer.Workers,
		"max_connections", cfg.Pool.MaxConnections,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	eng.Stop()
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the racebot version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "racebot %s\n", version())
			return err
		},
	}
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
