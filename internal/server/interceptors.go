package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
)

// ErrPanicRecovered indicates a health checker panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in health check")

// Health check outcome labels passed to a CheckObserver.
const (
	// CheckOK is the outcome of a check that returned a status.
	CheckOK = "ok"

	// ServiceServer is the label of the overall server check (empty name).
	ServiceServer = "server"

	// ServiceOther labels any service name the daemon does not register.
	ServiceOther = "other"
)

// CheckObserver receives one call per health check. service is one of
// ServiceServer, EchoServiceName or ServiceOther; code is CheckOK or a
// Connect error code.
type CheckObserver interface {
	ObserveHealthCheck(service, code string)
}

type noopObserver struct{}

func (noopObserver) ObserveHealthCheck(string, string) {}

// checkedService extracts the service name from a health check request and
// folds it into a bounded label set.
func checkedService(req connect.AnyRequest) string {
	named, ok := req.Any().(interface{ GetService() string })
	if !ok {
		return ServiceOther
	}

	switch name := named.GetService(); name {
	case "", grpchealth.HealthV1ServiceName:
		return ServiceServer
	case EchoServiceName:
		return EchoServiceName
	default:
		return ServiceOther
	}
}

// CheckLogInterceptor returns a unary interceptor that logs every health
// check with the checked service, the caller and the outcome, and reports
// it to obs.
//
// Served checks log at Debug since orchestrators probe every few seconds;
// failed checks log at Warn.
func CheckLogInterceptor(logger *slog.Logger, obs CheckObserver) connect.UnaryInterceptorFunc {
	if obs == nil {
		obs = noopObserver{}
	}

	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			service := checkedService(req)
			code := CheckOK
			if err != nil {
				code = connect.CodeOf(err).String()
			}
			obs.ObserveHealthCheck(service, code)

			attrs := []slog.Attr{
				slog.String("service", service),
				slog.String("peer", req.Peer().Addr),
				slog.String("code", code),
				slog.Duration("duration", time.Since(start)),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelWarn, "health check failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelDebug, "health check served", attrs...)
			}

			return resp, err
		}
	}
}

// RecoveryInterceptor returns a unary interceptor that turns a checker
// panic into a CodeInternal error, logging the panic value and stack at
// Error level.
func RecoveryInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, retErr error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}

				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)

				logger.ErrorContext(ctx, "health checker panicked",
					slog.String("service", checkedService(req)),
					slog.Any("panic", r),
					slog.String("stack", string(buf[:n])),
				)

				retErr = connect.NewError(connect.CodeInternal,
					fmt.Errorf("check %s: %w", checkedService(req), ErrPanicRecovered))
			}()

			return next(ctx, req)
		}
	}
}
