// Command ctsnode runs one node of a task cluster. Start several against the
// same database to share the work.
//
// Configuration comes from environment variables (see Config), optionally
// overridden by the YAML file named in CTS_CONFIG.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/dmitrymomot/clustertasks"
	"github.com/dmitrymomot/clustertasks/pkg/health"
	"github.com/dmitrymomot/clustertasks/pkg/id"
	"github.com/dmitrymomot/clustertasks/pkg/logger"
	"github.com/dmitrymomot/clustertasks/pkg/metrics"
)

func main() {
	cfg, err := loadConfig(os.Getenv("CTS_CONFIG"))
	if err != nil {
		logger.New().Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.NewWithSentry(cfg.Log, cfg.Sentry, logger.TaskExtractors()...).With("component", "ctsnode")

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("node stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}

	procs, err := newProcessors(cfg, log)
	if err != nil {
		return err
	}

	nodeID := id.NewULID()
	m := metrics.New(metrics.WithNodeID(nodeID), metrics.WithRuntimeMetrics())

	svc := clustertasks.New(
		clustertasks.WithInstanceID(nodeID),
		clustertasks.WithLogger(log),
		clustertasks.WithProvider(clustertasks.KindDB, b.store),
		clustertasks.WithProcessors(procs...),
		clustertasks.WithPollInterval(cfg.PollInterval),
		clustertasks.WithGCInterval(cfg.GCInterval),
		clustertasks.WithFailurePolicy(clustertasks.ParseFailurePolicy(cfg.FailurePolicy)),
		clustertasks.WithObserver(m),
	)

	ready := health.Checks{"clustertasks": svc.Healthcheck()}
	for name, check := range b.checks {
		ready[name] = check
	}

	return clustertasks.Run(svc,
		clustertasks.WithContext(ctx),
		clustertasks.Address(cfg.HTTPAddr),
		clustertasks.Handler(newRouter(svc, ready, m.Handler(),
			health.WithNodeID(nodeID),
			health.WithLogger(log),
		)),
		clustertasks.Logger(log),
		clustertasks.ShutdownTimeout(cfg.ShutdownTimeout),
		clustertasks.ShutdownHook(b.shutdown),
	)
}
