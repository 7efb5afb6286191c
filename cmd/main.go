package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kumarabd/gokit/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/internal/metrics"
	"github.com/LucienLassalle/SLE/pkg/supervisor"
)

const (
	exitConfigError  = 1
	exitRuntimeError = 2
)

var (
	debug     bool
	configDir string
	walDir    string
)

var rootCmd = &cobra.Command{
	Use:   "sle",
	Short: "SLE - Simple Log Exporter",
	Long:  "SLE tails local log files and the systemd journal and pushes the lines to remote log backends such as Grafana Loki.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run())
	},
}

func init() {
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable verbose logging")
	rootCmd.Flags().StringVar(&configDir, "config-dir", config.DefaultConfigDir, "configuration directory")
	rootCmd.Flags().StringVar(&walDir, "wal-dir", config.DefaultWALDir, "disk buffer directory")
}

func run() int {
	if !debug {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log, err := logger.New(config.ApplicationName, logger.Options{
		Format: logger.SyslogLogFormat,
	})
	if err != nil {
		fmt.Println(err)
		return exitRuntimeError
	}

	cfg, err := config.Load(configDir, log)
	if err != nil {
		log.Error().Err(err).Str("dir", configDir).Msg("configuration error")
		return exitConfigError
	}

	metricsHandler, err := metrics.New(config.ApplicationName)
	if err != nil {
		log.Error().Err(err).Msg("metrics initialization failed")
		return exitRuntimeError
	}

	sup, err := supervisor.New(cfg, walDir, log, metricsHandler)
	if err != nil {
		log.Error().Err(err).Msg("pipeline initialization failed")
		return exitRuntimeError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("pipeline failed")
		return exitRuntimeError
	}
	log.Info().Msg("stopped")
	return 0
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}
