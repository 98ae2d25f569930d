package telemetry

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"chatsync/pkg/logger"
)

// NewMetricsServer returns a fasthttp server exposing Registry on /metrics.
func NewMetricsServer() *fasthttp.Server {
	prom := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	return &fasthttp.Server{
		Name: "chatsync-metrics",
		Handler: func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/metrics":
				prom(ctx)
			case "/healthz":
				ctx.SetStatusCode(fasthttp.StatusOK)
				ctx.SetBodyString("ok")
			default:
				ctx.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
	}
}

// ServeMetrics runs the metrics server on addr until it is shut down.
func ServeMetrics(srv *fasthttp.Server, addr string) error {
	logger.Info("metrics_listening", "addr", addr)
	return srv.ListenAndServe(addr)
}
