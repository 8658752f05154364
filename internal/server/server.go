// Package server assembles the udplinkd HTTP endpoint: Prometheus metrics
// and the gRPC health check, served over h2c on one listener.
package server

import (
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// EchoServiceName is the health check name of the echo service.
const EchoServiceName = "udplink.v1.Echo"

// Health reports daemon liveness through grpc.health.v1.
type Health struct {
	*grpchealth.StaticChecker
}

// NewHealth returns a Health reporting SERVING for the overall server and
// the echo service.
func NewHealth() *Health {
	return &Health{
		StaticChecker: grpchealth.NewStaticChecker(
			grpchealth.HealthV1ServiceName,
			EchoServiceName,
		),
	}
}

// SetServing flips the overall and echo service status. The daemon clears
// it at shutdown so load balancers stop routing before the socket closes.
func (h *Health) SetServing(serving bool) {
	status := grpchealth.StatusNotServing
	if serving {
		status = grpchealth.StatusServing
	}
	h.SetStatus(grpchealth.HealthV1ServiceName, status)
	h.SetStatus(EchoServiceName, status)
}

// NewHandler returns the HTTP handler for the daemon endpoint: metrics from
// gatherer at metricsPath and the health service backed by checker, with
// every check reported to obs (nil for none). The handler is wrapped with
// h2c so plaintext gRPC health probes work.
func NewHandler(
	metricsPath string,
	gatherer prometheus.Gatherer,
	checker grpchealth.Checker,
	obs CheckObserver,
	logger *slog.Logger,
) http.Handler {
	logger = logger.With(slog.String("component", "server.http"))

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle(grpchealth.NewHandler(checker,
		connect.WithInterceptors(
			CheckLogInterceptor(logger, obs),
			RecoveryInterceptor(logger),
		),
	))

	return h2c.NewHandler(mux, &http2.Server{})
}
