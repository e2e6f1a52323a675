package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/onnwee/paycapture/internal/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitReady(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server at %s never became ready", addr)
}

func startServe(t *testing.T, ctx context.Context, handler http.Handler, logBuf *bytes.Buffer) (string, <-chan error) {
	t.Helper()
	addr := freeAddr(t)
	server := &http.Server{Addr: addr, Handler: handler, ReadTimeout: 5 * time.Second}
	logger := slog.New(slog.NewJSONHandler(logBuf, nil))

	done := make(chan error, 1)
	go func() { done <- serve(ctx, server, logger, 2*time.Second) }()
	waitReady(t, addr)
	return addr, done
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var logBuf bytes.Buffer
	addr, done := startServe(t, ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), &logBuf)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}

	if !strings.Contains(logBuf.String(), "shutting down server") {
		t.Errorf("expected shutdown log, got %s", logBuf.String())
	}
	if _, err := net.DialTimeout("tcp", addr, 100*time.Millisecond); err == nil {
		t.Error("server still accepting connections after shutdown")
	}
}

func TestServe_DrainsInFlightRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var logBuf bytes.Buffer
	addr, done := startServe(t, ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		_, _ = io.WriteString(w, `{"status":"completed"}`)
	}), &logBuf)

	type result struct {
		status int
		body   string
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := http.Post("http://"+addr+"/payments", "application/json", strings.NewReader(`{}`))
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		resCh <- result{status: resp.StatusCode, body: string(b)}
	}()

	<-started
	cancel()

	res := <-resCh
	if res.err != nil {
		t.Fatalf("in-flight request failed: %v", res.err)
	}
	if res.status != http.StatusOK || !strings.Contains(res.body, "completed") {
		t.Errorf("in-flight request got %d %q", res.status, res.body)
	}
	if err := <-done; err != nil {
		t.Errorf("serve returned %v", err)
	}
}

func TestServe_DrainTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	addr := freeAddr(t)
	started := make(chan struct{})
	server := &http.Server{Addr: addr, Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	})}
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, server, slog.New(slog.NewTextHandler(io.Discard, nil)), 50*time.Millisecond)
	}()
	waitReady(t, addr)

	go func() {
		resp, err := http.Get("http://" + addr + "/slow")
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "forced to shutdown") {
			t.Errorf("expected forced shutdown error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not give up on a stuck request")
	}
}

func TestServe_ListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	server := &http.Server{Addr: l.Addr().String(), Handler: http.NotFoundHandler()}
	err = serve(context.Background(), server, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)
	if err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestServe_StopsOnSignal(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGINT, syscall.SIGTERM} {
		t.Run(sig.String(), func(t *testing.T) {
			ctx, stop := signal.NotifyContext(context.Background(), sig)
			defer stop()

			var logBuf bytes.Buffer
			_, done := startServe(t, ctx, http.NotFoundHandler(), &logBuf)

			if err := syscall.Kill(syscall.Getpid(), sig); err != nil {
				t.Fatalf("failed to send %s: %v", sig, err)
			}

			select {
			case err := <-done:
				if err != nil {
					t.Errorf("serve returned %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("did not stop on %s", sig)
			}
		})
	}
}

func TestWriteTimeout(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want time.Duration
	}{
		{
			name: "defaults",
			cfg: config.Config{
				GatewayTimeout:     config.DefaultGatewayTimeout,
				PaymentMaxAttempts: config.DefaultPaymentMaxAttempts,
				PaymentBackoffBase: config.DefaultPaymentBackoffBase,
			},
			// 3 x 30s attempts, 1s + 2s backoff, 15s margin
			want: 108 * time.Second,
		},
		{
			name: "single attempt has no backoff",
			cfg:  config.Config{GatewayTimeout: 10 * time.Second, PaymentMaxAttempts: 1, PaymentBackoffBase: time.Second},
			want: 25 * time.Second,
		},
		{
			name: "five attempts",
			cfg:  config.Config{GatewayTimeout: 5 * time.Second, PaymentMaxAttempts: 5, PaymentBackoffBase: 500 * time.Millisecond},
			// 25s of attempts, 0.5+1+2+4s backoff, 15s margin
			want: 47500 * time.Millisecond,
		},
		{
			name: "unset retry settings fall back to coordinator defaults",
			cfg:  config.Config{GatewayTimeout: 30 * time.Second},
			want: 108 * time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := writeTimeout(&tt.cfg); got != tt.want {
				t.Errorf("writeTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

// The write deadline must outlast a payment that exhausts every retry.
func TestWriteTimeout_CoversRetryLoop(t *testing.T) {
	cfg := config.Config{
		GatewayTimeout:     config.DefaultGatewayTimeout,
		PaymentMaxAttempts: config.DefaultPaymentMaxAttempts,
		PaymentBackoffBase: config.DefaultPaymentBackoffBase,
	}
	worst := time.Duration(cfg.PaymentMaxAttempts) * cfg.GatewayTimeout
	for attempt := 1; attempt < cfg.PaymentMaxAttempts; attempt++ {
		worst += cfg.PaymentBackoffBase << (attempt - 1)
	}
	if got := writeTimeout(&cfg); got <= worst {
		t.Errorf("writeTimeout() = %v, does not outlast the %v retry loop", got, worst)
	}
}
