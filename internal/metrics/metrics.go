// Package metrics provides Prometheus instrumentation for the variantz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only variantz metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/variantz"
)

// Metrics holds all Prometheus collectors used by the variantz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	FeatureCount        prometheus.Gauge
	PayloadLoadsTotal   *prometheus.CounterVec
	StoreInvalidations  prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	AssignmentsTotal    *prometheus.CounterVec
	CallbackFailures    *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all variantz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "variantz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "variantz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		FeatureCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "variantz_features",
			Help: "Number of feature definitions in the installed payload.",
		}),

		PayloadLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_payload_loads_total",
			Help: "Total number of configuration payload loads by result.",
		}, []string{"result"}),

		StoreInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_store_invalidations_total",
			Help: "Total number of NOTIFY-triggered payload reloads.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_evaluations_total",
			Help: "Total number of feature evaluations by result source.",
		}, []string{"source"}),

		AssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_experiment_assignments_total",
			Help: "Total number of experiment assignments by feature key (\"adhoc\" for inline experiments) and inclusion.",
		}, []string{"experiment", "in_experiment"}),

		CallbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "variantz_callback_failures_total",
			Help: "Total number of user callbacks that returned an error or panicked.",
		}, []string{"callback"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "variantz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.FeatureCount,
		m.PayloadLoadsTotal,
		m.StoreInvalidations,
		m.EvaluationsTotal,
		m.AssignmentsTotal,
		m.CallbackFailures,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentHTTP wraps next and records request count and latency under the
// given route label.
func (m *Metrics) InstrumentHTTP(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// AdhocExperimentLabel is the experiment label for inline experiments. Their
// keys come from callers, so they never become label values.
const AdhocExperimentLabel = "adhoc"

// ObserveEvaluation counts a recorded evaluation. It has the signature of
// [variantz.Observer]. Assignments are counted per evaluation, before
// callback deduplication.
func (m *Metrics) ObserveEvaluation(e variantz.Evaluation) {
	switch e.Kind {
	case variantz.KindFeature:
		if e.Feature == nil {
			return
		}
		m.EvaluationsTotal.WithLabelValues(string(e.Feature.Source)).Inc()
		// Only installed features carry an experiment result, so e.Key is
		// bounded by the payload.
		if e.Feature.ExperimentResult != nil {
			m.countAssignment(e.Key, *e.Feature.ExperimentResult)
		}
	case variantz.KindExperiment:
		if e.Experiment != nil {
			m.countAssignment(AdhocExperimentLabel, *e.Experiment)
		}
	}
}

func (m *Metrics) countAssignment(label string, result variantz.ExperimentResult) {
	m.AssignmentsTotal.WithLabelValues(label, strconv.FormatBool(result.InExperiment)).Inc()
}

// RecordCallbackFailure counts a failed callback. It has the signature of
// [variantz.CallbackFailureHook].
func (m *Metrics) RecordCallbackFailure(callback string, _ error) {
	m.CallbackFailures.WithLabelValues(callback).Inc()
}

// RecordPayloadLoad counts a payload load attempt as "ok" or "error".
func (m *Metrics) RecordPayloadLoad(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PayloadLoadsTotal.WithLabelValues(result).Inc()
}

// SetFeatureCount updates the installed feature gauge.
func (m *Metrics) SetFeatureCount(n int) {
	m.FeatureCount.Set(float64(n))
}

// ObserveThrottledClients exports tracked as the number of clients holding a
// failed admin token budget. Call it once per registry.
func (m *Metrics) ObserveThrottledClients(tracked func() int) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "variantz_auth_failing_clients",
		Help: "Number of clients with recent failed admin token attempts.",
	}, func() float64 { return float64(tracked()) }))
}

// IncStoreInvalidations increments the store invalidation counter.
func (m *Metrics) IncStoreInvalidations() {
	m.StoreInvalidations.Inc()
}
