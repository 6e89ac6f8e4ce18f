package main

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/clustertasks/pkg/processor"
	"github.com/dmitrymomot/clustertasks/pkg/task"
)

const (
	echoType      = "echo"
	heartbeatType = "heartbeat"
)

// echoPayload is the body accepted by the echo processor.
type echoPayload struct {
	Message string `json:"message"`
}

// newProcessors builds the demo processors of a node.
func newProcessors(cfg Config, log *slog.Logger) ([]processor.Processor, error) {
	echo := processor.New(echoType,
		processor.JSON(func(ctx context.Context, p echoPayload) error {
			log.InfoContext(ctx, "echo", slog.String("message", p.Message))
			return nil
		}),
		processor.WithConcurrency(cfg.EchoConcurrency),
	)

	beat := func(ctx context.Context, t task.Task) error {
		log.InfoContext(ctx, "heartbeat", slog.Int64("task_id", t.ID))
		return nil
	}

	if cfg.HeartbeatCron != "" {
		c, err := processor.NewCron(heartbeatType, cfg.HeartbeatCron, beat)
		if err != nil {
			return nil, err
		}
		return []processor.Processor{echo, c}, nil
	}

	return []processor.Processor{
		echo,
		processor.NewScheduled(heartbeatType, cfg.HeartbeatInterval, beat),
	}, nil
}
