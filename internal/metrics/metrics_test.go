package metrics_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/divergedns/diverge/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestServer_ServesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	metrics.QueriesTotal.WithLabelValues("A", "NOERROR").Inc()
	metrics.UpstreamErrorsTotal.WithLabelValues("local", "A").Inc()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := metrics.NewServer(addr, registry)
	srv.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	var resp *http.Response
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), "diverge_queries_total")
	require.Contains(t, string(body), "diverge_upstream_errors_total")
}
