// Backlogd turns natural-language demands into typed backlog artifacts.
//
// The daemon runs three cooperating pieces in one process: the HTTP intake
// API, the queue-group job consumer and the orchestration engine that calls
// the configured LLM provider and persists the results.
//
// Usage:
//
//	# Start with defaults
//	backlogd serve
//
//	# Configure via file and environment
//	backlogd serve --config backlogd.yaml
//	BACKLOGD_SERVER_PORT=9090 backlogd serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/backlogd/internal/config"
	"github.com/fyrsmithlabs/backlogd/internal/dispatch"
	"github.com/fyrsmithlabs/backlogd/internal/gateway"
	"github.com/fyrsmithlabs/backlogd/internal/logging"
	"github.com/fyrsmithlabs/backlogd/internal/metrics"
	"github.com/fyrsmithlabs/backlogd/internal/notify"
	"github.com/fyrsmithlabs/backlogd/internal/orchestrator"
	"github.com/fyrsmithlabs/backlogd/internal/server"
	"github.com/fyrsmithlabs/backlogd/internal/store"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "backlogd",
	Short:   "Backlog artifact generation daemon",
	Long:    `backlogd accepts generation and reprocessing requests over HTTP, runs them through the configured LLM provider and persists the resulting backlog artifacts with versioning.`,
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		return run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info(ctx, "starting backlogd",
		zap.Int("port", cfg.Server.Port),
		zap.String("provider", cfg.Gateway.Provider),
		zap.String("model", cfg.Gateway.Model))

	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	nc, err := nats.Connect(cfg.Broker.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.Broker.ReconnectAttempts),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to broker at %s: %w", cfg.Broker.URL, err)
	}
	defer nc.Close()
	log.Info(ctx, "connected to broker", zap.String("url", cfg.Broker.URL))

	gw, err := gateway.New(ctx, cfg.Gateway, log)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}

	m := metrics.New()
	emitter := notify.NewEmitter(nc, cfg.Broker.NotifySubject, cfg.Broker.PublishMaxRetries, log)
	engine := orchestrator.New(st, gw, emitter, m, log)

	consumer := dispatch.NewConsumer(nc, cfg.Broker.JobSubject, cfg.Broker.QueueGroup, engine, st, emitter, log)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumer.Stop()

	enqueuer := dispatch.NewEnqueuer(nc, cfg.Broker.JobSubject, log)
	srv := server.New(st, enqueuer, m.Handler(), log, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "http shutdown", zap.Error(err))
	}
	log.Info(shutdownCtx, "shutdown complete")
	return nil
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	logCfg.Format = cfg.Logging.Format
	var level zapcore.Level
	if err := level.Set(cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	logCfg.Level = level
	return logging.New(logCfg)
}
