// Command taskq-worker consumes the configured queues and executes the
// builtin tasks until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/petrijr/taskq"
	"github.com/petrijr/taskq/internal/backend"
	"github.com/petrijr/taskq/internal/config"
	"github.com/petrijr/taskq/internal/logger"
	"github.com/petrijr/taskq/pkg/worker"
)

func main() {
	configFile := flag.String("config", "", "path to a config file (default: taskq.yaml in . or /etc/taskq)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "taskq-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log := logger.Setup(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, backends, err := backend.NewEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(context.Background()); err != nil {
			log.Error("backend_close_failed", "error", err)
		}
	}()

	queues := make(map[string]int, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues[q.Name] = q.Concurrency
	}

	bundle, err := taskq.NewBundle(eng, taskq.BundleConfig{
		Queues: queues,
		Worker: worker.Config{
			WorkerID:          cfg.Worker.ID,
			LeaseTTL:          cfg.Worker.LeaseTTL,
			PollTimeout:       cfg.Worker.PollTimeout,
			TimeLimit:         cfg.Worker.TimeLimit,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		},
		MaintenanceSchedule: cfg.Maintenance.Schedule,
		Logger:              log,
	})
	if err != nil {
		return err
	}

	log.Info("taskq_worker_starting",
		slog.String("broker", cfg.Broker.Backend),
		slog.String("results", cfg.Results.Backend),
		slog.Any("queues", cfg.QueueNames()),
	)
	err = bundle.Run(ctx)
	log.Info("taskq_worker_stopped")
	return err
}
