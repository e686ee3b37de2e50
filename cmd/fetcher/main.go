package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "fetcher",
		Short:        "BSC DEX buy-event fetcher",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringSlice("rpc", nil, "RPC endpoints in priority order (comma-separated)")
	root.PersistentFlags().String("pg-dsn", "", "Postgres DSN (empty keeps state in memory)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the chain and broadcast buys",
		RunE:  runFetcher,
	}

	runCmd.Flags().String("mode", "push", "event source (push, poll)")
	runCmd.Flags().Int("port", 2111, "websocket server port")
	runCmd.Flags().String("redis-addr", "", "Redis address for cross-instance dedup (empty disables)")
	runCmd.Flags().String("archive", "", "JSONL archive of emitted buys (empty disables)")
	runCmd.Flags().String("checkpoint", "./data/checkpoint.json", "poll checkpoint file path")
	runCmd.Flags().Bool("checkpoint-enabled", false, "persist the poll position")
	runCmd.Flags().Duration("poll-interval", 5*time.Second, "poll interval")
	runCmd.Flags().Duration("reconcile-interval", 60*time.Second, "watch reconcile interval")

	root.AddCommand(runCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query the health endpoint of a running fetcher",
		RunE:  runHealth,
	}

	healthCmd.Flags().String("url", "", "health URL (defaults to localhost on --port)")
	healthCmd.Flags().Int("port", 2111, "websocket server port")
	healthCmd.Flags().Duration("timeout", 5*time.Second, "request timeout")

	root.AddCommand(healthCmd)

	priceCmd := &cobra.Command{
		Use:   "price",
		Short: "Fetch and record the WBNB reference price once",
		RunE:  runPrice,
	}

	root.AddCommand(priceCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
