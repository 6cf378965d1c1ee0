// Package metrics declares the Prometheus collectors the divergence engine
// updates, following the registration pattern of
// internal/metrics in the teacher repo.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/AdguardTeam/golibs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueriesTotal counts every query that passed request validation and was
// dispatched by class, labeled by query type and the response code it
// produced.  Requests rejected during validation (not a standard query,
// question count other than one, pre-existing answers) are not counted.
var QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "diverge_queries_total",
	Help: "Total number of DNS queries answered, by qtype and rcode",
}, []string{"qtype", "rcode"})

// PathChosenTotal counts how a name was routed for A/AAAA lookups: by a
// domain map hit ("domain") or by racing the IP map ("race").
var PathChosenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "diverge_path_chosen_total",
	Help: "Total number of A/AAAA queries routed via the domain map versus the race path",
}, []string{"path"})

// PrunedEmptyTotal counts domain-map hits where every A/AAAA record in the
// upstream's answer was pruned, discarding the whole accumulator.
var PrunedEmptyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "diverge_pruned_empty_total",
	Help: "Total number of deterministic answers discarded entirely because pruning emptied them",
}, []string{"upstream"})

// UpstreamErrorsTotal counts resolver errors, labeled by upstream name and
// query type.
var UpstreamErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "diverge_upstream_errors_total",
	Help: "Total number of upstream resolution errors, by upstream and qtype",
}, []string{"upstream", "qtype"})

// Register adds every collector in this package to registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(QueriesTotal, PathChosenTotal, PrunedEmptyTotal, UpstreamErrorsTotal)
}

// Server serves registry's collectors over HTTP for scraping, the way the
// teacher's internal/prometheus.Server's Create/Start pair does.
type Server struct {
	httpSrv *http.Server
}

// NewServer returns a Server that will serve registry's metrics at
// "/metrics" once Start is called.
func NewServer(addr string, registry *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{httpSrv: &http.Server{Addr: addr, Handler: mux}}
}

// Start begins serving in the background. Bind or serve failures are
// logged, not returned, matching the teacher's fire-and-forget Start.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics: failed to serve: %s", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
