// Package logger provides structured logging with context extraction and Sentry integration.
//
// It extends log/slog with automatic context-based attribute injection and
// optional Sentry error reporting. The task service stores the node id, the
// processor type and the task id in the context handed to processors, and
// the extractors in this package copy them onto every record:
//
//	log := logger.New(logger.TaskExtractors()...)
//
//	ctx = logger.WithProcessorType(ctx, "send_email")
//	ctx = logger.WithTaskID(ctx, 42)
//	log.InfoContext(ctx, "processing")
//	// {"level":"INFO","msg":"processing","processor_type":"send_email","task_id":42}
//
// # Sentry Integration
//
// NewWithSentry sends errors to Sentry as issues and warnings as searchable
// logs. With an empty DSN it falls back to stdout only, so the same code path
// works in development:
//
//	log := logger.NewWithSentry(
//	    logger.Config{Level: slog.LevelInfo},
//	    logger.SentryConfig{DSN: os.Getenv("SENTRY_DSN")},
//	    logger.TaskExtractors()...,
//	)
//
// # Handler Decoration
//
// LogHandlerDecorator wraps any slog.Handler to add context extraction:
//
//	decorated := logger.NewLogHandlerDecorator(slog.NewTextHandler(os.Stderr, nil), extractors...)
//	log := slog.New(decorated)
package logger
