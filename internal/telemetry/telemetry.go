// Package telemetry records runtime metrics and a bounded trace ring,
// surfaced through the IPC MetricsRequest/SpansRequest messages (spec
// §6) and as JSON on the server's debug mux — never through Prometheus
// text exposition, so the
// Registry here is private to the Recorder rather than the global
// default one. Grounded on the teacher's internal/infra/metrics package
// (promauto-built counters/histograms/gauges under a namespace) adapted
// from a global var-per-metric style to an instance owned by a single
// Recorder, so flattening into a MetricsResponse never races against
// metric registration.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/tutu-network/corerun/internal/domain"
)

const namespace = "corerun"

// Recorder owns a private prometheus.Registry: metrics are gathered and
// flattened into a domain.MetricsResponse on demand, never exposed over
// HTTP in Prometheus's own exposition format.
type Recorder struct {
	registry *prometheus.Registry

	inferenceLatency *prometheus.HistogramVec
	inferenceTokens  *prometheus.CounterVec
	admissionReject  *prometheus.CounterVec
	swapOutcomes     *prometheus.CounterVec
	activeWorkers    prometheus.Gauge
	queueDepth       prometheus.Gauge

	spans spanRing
}

// New builds a Recorder with its own metric registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		inferenceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_seconds",
			Help:      "Inference request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model", "outcome"}),
		inferenceTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_tokens_total",
			Help:      "Total tokens generated.",
		}, []string{"model"}),
		admissionReject: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Total requests rejected at admission, by reason.",
		}, []string{"reason"}),
		swapOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swap_outcomes_total",
			Help:      "Total hot-swap attempts, by outcome.",
		}, []string{"outcome"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Number of worker loops currently running.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Combined main-heap and streaming-sidecar depth.",
		}),
		spans: newSpanRing(256),
	}
}

// RecordInference records one completed or failed inference.
func (r *Recorder) RecordInference(model, outcome string, durationSeconds float64, tokens int) {
	r.inferenceLatency.WithLabelValues(model, outcome).Observe(durationSeconds)
	if tokens > 0 {
		r.inferenceTokens.WithLabelValues(model).Add(float64(tokens))
	}
}

// RecordRejection records one admission-control rejection by reason
// (e.g. "memory_exceeded", "queue_full").
func (r *Recorder) RecordRejection(reason string) {
	r.admissionReject.WithLabelValues(reason).Inc()
}

// RecordSwap records one hot-swap outcome (the debug mux records
// "success" or "failed").
func (r *Recorder) RecordSwap(outcome string) {
	r.swapOutcomes.WithLabelValues(outcome).Inc()
}

// SetActiveWorkers reports the current worker count.
func (r *Recorder) SetActiveWorkers(n int) {
	r.activeWorkers.Set(float64(n))
}

// SetQueueDepth reports the current combined queue depth.
func (r *Recorder) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// RecordSpan appends a completed request trace to the bounded ring
// buffer SpansRequest reads from.
func (r *Recorder) RecordSpan(span domain.Span) {
	r.spans.push(span)
}

// Spans returns a snapshot of the bounded trace ring, oldest first.
func (r *Recorder) Spans() []domain.Span {
	return r.spans.snapshot()
}

// Snapshot gathers every registered metric and flattens it into a
// MetricsResponse: counters report their raw total; histograms report
// two synthetic series per label combination, "<name>_sum" and
// "<name>_count" — enough for a debug client to compute an average
// without reimplementing bucket math over the wire.
func (r *Recorder) Snapshot() (*domain.MetricsResponse, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, err
	}

	resp := &domain.MetricsResponse{
		Counters:   make(map[string]float64),
		Histograms: make(map[string]float64),
	}
	for _, fam := range families {
		name := fam.GetName()
		for _, m := range fam.GetMetric() {
			key := metricKey(name, m)
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				resp.Counters[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				resp.Counters[key] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				resp.Histograms[key+"_sum"] = h.GetSampleSum()
				resp.Histograms[key+"_count"] = float64(h.GetSampleCount())
			}
		}
	}
	return resp, nil
}

func metricKey(name string, m *dto.Metric) string {
	key := name
	for _, lp := range m.GetLabel() {
		key += "." + lp.GetValue()
	}
	return key
}

// spanRing is a fixed-capacity circular buffer of completed spans.
type spanRing struct {
	mu   sync.Mutex
	buf  []domain.Span
	next int
	full bool
}

func newSpanRing(capacity int) spanRing {
	return spanRing{buf: make([]domain.Span, capacity)}
}

func (r *spanRing) push(s domain.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *spanRing) snapshot() []domain.Span {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]domain.Span, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]domain.Span, len(r.buf))
	copy(out, r.buf[r.next:])
	copy(out[len(r.buf)-r.next:], r.buf[:r.next])
	return out
}
