package internal

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Default server timeouts.
const (
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	defaultMaxHeaderBytes    = 1 << 20 // 1MB
	defaultShutdownTimeout   = 30 * time.Second
)

// Run starts svc, optionally serves an HTTP handler next to it, and blocks
// until SIGINT or SIGTERM. Shutdown stops the server first, then the
// service, then runs the shutdown hooks.
//
// Example:
//
//	err := clustertasks.Run(svc,
//	    clustertasks.Address(":8080"),
//	    clustertasks.Handler(router),
//	    clustertasks.ShutdownHook(db.Shutdown(pool)),
//	)
func Run(svc *Service, opts ...RunOption) error {
	cfg := buildRunConfig(opts...)

	log := cfg.logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	baseCtx := cfg.baseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(baseCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	var server *http.Server
	errCh := make(chan error, 1)
	if cfg.handler != nil {
		server = &http.Server{
			Addr:              cfg.address,
			Handler:           cfg.handler,
			ReadTimeout:       defaultReadTimeout,
			WriteTimeout:      defaultWriteTimeout,
			IdleTimeout:       defaultIdleTimeout,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
			MaxHeaderBytes:    defaultMaxHeaderBytes,
		}

		// Listen first to get actual address
		ln, err := net.Listen("tcp", server.Addr)
		if err != nil {
			return errors.Join(err, svc.Stop(context.Background()))
		}

		go func() {
			log.Info("server starting", slog.String("address", ln.Addr().String()))
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
	}

	var errs []error
	select {
	case err := <-errCh:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer shutdownCancel()

	// 1. Stop accepting requests
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	// 2. Stop claiming and drain in-flight tasks
	if err := svc.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	// 3. Run shutdown hooks (close DB, etc.)
	for _, hook := range cfg.shutdownHooks {
		if err := hook(shutdownCtx); err != nil {
			errs = append(errs, err)
			log.Error("shutdown hook failed", slog.Any("error", err))
		}
	}

	if len(errs) > 0 {
		log.Error("shutdown completed with errors")
		return errors.Join(errs...)
	}

	log.Info("shutdown completed")
	return nil
}
