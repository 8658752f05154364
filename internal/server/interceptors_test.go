package server_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"connectrpc.com/grpchealth"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/udplink/internal/server"
)

// healthCheckPath is the Connect unary endpoint of grpc.health.v1.
const healthCheckPath = "/grpc.health.v1.Health/Check"

// panicChecker is a grpchealth.Checker that always panics.
type panicChecker struct{}

func (panicChecker) Check(context.Context, *grpchealth.CheckRequest) (*grpchealth.CheckResponse, error) {
	panic("intentional test panic")
}

// syncBuffer is a bytes.Buffer safe for the handler goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// recordingObserver is a CheckObserver that records every call.
type recordingObserver struct {
	mu     sync.Mutex
	checks []string
}

func (o *recordingObserver) ObserveHealthCheck(service, code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checks = append(o.checks, service+"/"+code)
}

func (o *recordingObserver) recorded() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.checks)
}

// newTestServer serves NewHandler over httptest and returns its URL.
func newTestServer(t *testing.T, checker grpchealth.Checker, obs server.CheckObserver, logger *slog.Logger) string {
	t.Helper()

	srv := httptest.NewServer(server.NewHandler("/metrics", prometheus.NewRegistry(), checker, obs, logger))
	t.Cleanup(srv.Close)

	return srv.URL
}

// checkHealth issues a Connect-protocol JSON health check and returns the
// HTTP status and body.
func checkHealth(t *testing.T, baseURL, service string) (int, string) {
	t.Helper()

	body := strings.NewReader(`{"service":"` + service + `"}`)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, baseURL+healthCheckPath, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	return resp.StatusCode, string(out)
}

// -------------------------------------------------------------------------
// TestCheckLogInterceptor
// -------------------------------------------------------------------------

func TestCheckLogInterceptorServed(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := &recordingObserver{}
	url := newTestServer(t, server.NewHealth(), obs, logger)

	for _, svc := range []string{"", server.EchoServiceName} {
		code, body := checkHealth(t, url, svc)
		if code != http.StatusOK {
			t.Fatalf("check %q: status = %d, body %s", svc, code, body)
		}
	}

	out := logs.String()
	if !strings.Contains(out, "health check served") ||
		!strings.Contains(out, "service="+server.ServiceServer) ||
		!strings.Contains(out, "service="+server.EchoServiceName) {
		t.Errorf("log output missing check records:\n%s", out)
	}

	want := []string{server.ServiceServer + "/ok", server.EchoServiceName + "/ok"}
	if got := obs.recorded(); !slices.Equal(got, want) {
		t.Errorf("observed = %v, want %v", got, want)
	}
}

// TestCheckLogInterceptorUnknownService verifies an unregistered name is
// reported under a single label.
func TestCheckLogInterceptorUnknownService(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	obs := &recordingObserver{}
	url := newTestServer(t, server.NewHealth(), obs, logger)

	code, body := checkHealth(t, url, "no.such.Service")
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404; body %s", code, body)
	}

	if !strings.Contains(logs.String(), "health check failed") {
		t.Errorf("log output missing failure record:\n%s", logs.String())
	}

	want := []string{server.ServiceOther + "/not_found"}
	if got := obs.recorded(); !slices.Equal(got, want) {
		t.Errorf("observed = %v, want %v", got, want)
	}
}

// -------------------------------------------------------------------------
// TestRecoveryInterceptor
// -------------------------------------------------------------------------

func TestRecoveryInterceptorPanic(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	obs := &recordingObserver{}
	url := newTestServer(t, panicChecker{}, obs, logger)

	code, body := checkHealth(t, url, "")
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500; body %s", code, body)
	}
	if !strings.Contains(body, "internal") {
		t.Errorf("body = %s, want internal error code", body)
	}
	if !strings.Contains(logs.String(), "health checker panicked") {
		t.Errorf("log output missing panic record:\n%s", logs.String())
	}

	want := []string{server.ServiceServer + "/internal"}
	if got := obs.recorded(); !slices.Equal(got, want) {
		t.Errorf("observed = %v, want %v", got, want)
	}
}
