package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"ember/internal/config"
	"ember/internal/logging"
	"ember/internal/master"
	"ember/internal/master/api"
	"ember/internal/master/deploy"
	"ember/internal/master/events"
	"ember/pkg/store"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listen string
	var showVersion bool

	flagSet := pflag.NewFlagSet("ember-master", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "ember.yaml", "path to the YAML config file")
	flagSet.StringVar(&listen, "listen", "", "override server host:port")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("ember-master", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr := cfg.Server.Addr()
	if listen != "" {
		addr = listen
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Identity.RPCEndpoint != "" {
		logger.Info("identity collaborator configured",
			zap.String("rpc", cfg.Identity.RPCEndpoint),
			zap.String("registry", cfg.Identity.RegistryAddress),
		)
	}

	opts := master.Options{}

	docker, err := deploy.NewDockerRuntime(cfg.Docker.Host, cfg.Docker.APIVersion, logger)
	if err != nil {
		logger.Warn("docker unavailable, container deployments disabled", zap.Error(err))
	} else {
		defer docker.Close()
		opts.Containers = docker
	}

	opts.Store, err = openMirror(cfg.Mirror, logger)
	if err != nil {
		return fmt.Errorf("open mirror: %w", err)
	}

	if len(cfg.Events.Kafka.Brokers) > 0 {
		opts.Emitter = events.NewKafkaEmitter(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, logger)
		logger.Info("publishing fleet events", zap.Strings("brokers", cfg.Events.Kafka.Brokers), zap.String("topic", cfg.Events.Kafka.Topic))
	}

	m := master.New(cfg, opts, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m.Start(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		m.Stop()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	m.Stop()
	return nil
}

func openMirror(cfg config.MirrorConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "etcd":
		logger.Info("mirroring nodes to etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		etcd, err := store.NewEtcdManager(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Etcd.Prefix, logger)
		if err != nil {
			return nil, err
		}
		return etcd, nil
	case "redis":
		logger.Info("mirroring nodes to redis", zap.String("address", cfg.Redis.Address))
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return store.NewRedisStore(client, cfg.Redis.Prefix), nil
	default:
		return nil, nil
	}
}
