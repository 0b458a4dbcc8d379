package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hydroconsumer/internal/telemetry"
)

type Registry struct {
	reg          *prometheus.Registry
	Received     prometheus.Counter
	Filtered     prometheus.Counter
	DecodeErrors prometheus.Counter
	HardErrors   prometheus.Counter
	// Reconciled is labelled by event kind and outcome.
	Reconciled        *prometheus.CounterVec
	ReconcileLatency  prometheus.Histogram
	ChangelogAppended prometheus.Counter
	CommitErrors      prometheus.Counter

	partitionMaxOffset *prometheus.GaugeVec
	windowMaxSourceTs  prometheus.Gauge
	windowReceived     prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	received := prometheus.NewCounter(prometheus.CounterOpts{Name: "hydro_events_received_total"})
	filtered := prometheus.NewCounter(prometheus.CounterOpts{Name: "hydro_events_filtered_total"})
	decodeErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "hydro_events_decode_errors_total"})
	hardErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "hydro_events_hard_errors_total"})
	reconciled := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hydro_events_reconciled_total"}, []string{"kind", "outcome"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hydro_reconcile_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	changelogAppended := prometheus.NewCounter(prometheus.CounterOpts{Name: "hydro_changelog_appended_total"})
	commitErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "hydro_commit_errors_total"})
	maxOffset := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "hydro_partition_max_offset"}, []string{"partition"})
	maxSourceTs := prometheus.NewGauge(prometheus.GaugeOpts{Name: "hydro_window_max_source_timestamp_seconds"})
	windowReceived := prometheus.NewGauge(prometheus.GaugeOpts{Name: "hydro_window_received"})

	r.MustRegister(received, filtered, decodeErrors, hardErrors, reconciled, latency,
		changelogAppended, commitErrors, maxOffset, maxSourceTs, windowReceived)
	return &Registry{
		reg:                r,
		Received:           received,
		Filtered:           filtered,
		DecodeErrors:       decodeErrors,
		HardErrors:         hardErrors,
		Reconciled:         reconciled,
		ReconcileLatency:   latency,
		ChangelogAppended:  changelogAppended,
		CommitErrors:       commitErrors,
		partitionMaxOffset: maxOffset,
		windowMaxSourceTs:  maxSourceTs,
		windowReceived:     windowReceived,
	}
}

// Report publishes the flushed window as gauges.
func (r *Registry) Report(s telemetry.Summary) {
	r.windowReceived.Set(float64(s.Window.Received))
	if !s.MaxSourceTs.IsZero() {
		r.windowMaxSourceTs.Set(float64(s.MaxSourceTs.UnixMilli()) / 1000)
	}
	for p, o := range s.Offsets {
		r.partitionMaxOffset.WithLabelValues(strconv.Itoa(p)).Set(float64(o.Max))
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// Mux serves /metrics and the /healthz check.
func (r *Registry) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
