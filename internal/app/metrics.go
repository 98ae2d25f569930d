package app

import (
	"chatsync/pkg/telemetry"
)

// startMetrics serves /metrics when an address is configured. The returned
// channel yields the server's terminal error.
func (a *App) startMetrics() <-chan error {
	errCh := make(chan error, 1)
	addr := a.eff.Config.Metrics.Address
	if addr == "" {
		return errCh
	}
	a.srvFast = telemetry.NewMetricsServer()
	srv := a.srvFast
	go func() {
		if err := telemetry.ServeMetrics(srv, addr); err != nil {
			errCh <- err
		}
	}()
	return errCh
}
