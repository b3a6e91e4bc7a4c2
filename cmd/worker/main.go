package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"ember/internal/config"
	"ember/internal/logging"
	"ember/internal/worker"
	"ember/pkg/model"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	hostname, _ := os.Hostname()

	var (
		cfg      worker.Config
		hardware model.Hardware
		logLevel string
	)
	flagSet := pflag.NewFlagSet("ember-worker", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ID, "id", hostname, "node id")
	flagSet.StringVar(&cfg.MasterURL, "master", "http://127.0.0.1:8090", "control plane base URL")
	flagSet.StringVar(&cfg.Listen, "listen", "0.0.0.0:8080", "health server address")
	flagSet.StringVar(&cfg.Endpoint, "endpoint", "", "endpoint advertised to the master (default http://<listen>)")
	flagSet.StringSliceVar(&cfg.Models, "model", nil, "model served by this node (repeatable)")
	flagSet.DurationVar(&cfg.Heartbeat, "heartbeat", worker.DefaultHeartbeatInterval, "registration check interval")
	flagSet.StringVar(&hardware.Accelerator, "accelerator", "", "accelerator model, e.g. nvidia-h100")
	flagSet.Int64Var(&hardware.AcceleratorMemoryMB, "accelerator-memory", 0, "accelerator memory in MB")
	flagSet.StringVar(&hardware.Isolation, "isolation", "", "isolation technology, e.g. tdx")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg.Hardware = hardware

	logger, err := logging.New(config.LogConfig{Level: logLevel})
	if err != nil {
		return err
	}
	defer logger.Sync()

	agent, err := worker.NewAgent(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil {
		return err
	}
	logger.Info("worker stopped", zap.String("node", cfg.ID))
	return nil
}
