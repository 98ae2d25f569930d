package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"chatsync/pkg/logger"
)

// Shutdown stops components in reverse start order and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.state = "shutting_down"
	logger.Info("shutdown_requested")

	if a.srvFast != nil {
		if err := a.srvFast.Shutdown(); err != nil {
			logger.Error("metrics_shutdown_failed", "error", err)
		}
	}
	if a.schedulerCancel != nil {
		a.schedulerCancel()
	}

	a.Coordinator.Close()
	a.Media.Dispose()

	// let in-flight sends and read confirmations finish
	drained := make(chan struct{})
	go func() {
		a.scope.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		logger.Warn("shutdown_timeout", "error", ctx.Err())
	}
	a.scope.Close()
	a.Threads.Close()
	a.surface.Close()

	if err := a.db.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
		return err
	}
	a.state = "stopped"
	logger.Info("shutdown_complete")
	return nil
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM. SIGPIPE
// dumps goroutine stacks before cancelling.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigc:
			logger.Info("signal_received", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigc)
	}()

	sigpipe := make(chan os.Signal, 1)
	signal.Notify(sigpipe, syscall.SIGPIPE)
	go func() {
		select {
		case s := <-sigpipe:
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			logger.Info("signal_received", "signal", s.String(), "dump", string(buf[:n]))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigpipe)
	}()

	return ctx, cancel
}
