package observability

import (
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Inbound outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeError     = "error"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	inbound           *prometheus.CounterVec
	decisions         *prometheus.CounterVec
	assistantCalls    *prometheus.CounterVec
	assistantLatency  prometheus.Histogram
	fallbacks         prometheus.Counter
	lowConfidence     prometheus.Counter
	transitions       *prometheus.CounterVec
	inactivity        *prometheus.CounterVec
	dedupFailOpen     prometheus.Counter
	dispatchQueued    prometheus.Gauge
	outboundDelivered *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// engine metrics in it. A private registry lets tests call NewMetrics more
// than once.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinic_request_duration_seconds",
				Help:    "Duration of engine operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		inbound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_inbound_messages_total",
				Help: "Inbound channel messages by outcome.",
			},
			[]string{"channel", "outcome"},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_routing_decisions_total",
				Help: "Routing decisions by type and target queue.",
			},
			[]string{"type", "queue"},
		),
		assistantCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_assistant_calls_total",
				Help: "Calls to the assistant service by status.",
			},
			[]string{"status"},
		),
		assistantLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clinic_assistant_latency_seconds",
				Help:    "Latency of assistant calls.",
				Buckets: []float64{.1, .25, .5, 1, 2, 4, 8, 16, 30},
			},
		),
		fallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clinic_fallback_decisions_total",
				Help: "Decisions produced by the technical-error fallback.",
			},
		),
		lowConfidence: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clinic_low_confidence_total",
				Help: "Assistant outputs below the confidence threshold.",
			},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_state_transitions_total",
				Help: "Conversation status transitions.",
			},
			[]string{"from", "to"},
		),
		inactivity: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_inactivity_sweep_total",
				Help: "Inactivity monitor results per conversation.",
			},
			[]string{"result"},
		),
		dedupFailOpen: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clinic_dedup_fail_open_total",
				Help: "Dedup lookups that failed and let the message through.",
			},
		),
		dispatchQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "clinic_dispatch_queued",
				Help: "Inbound messages waiting in per-sender queues.",
			},
		),
		outboundDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinic_outbound_messages_total",
				Help: "Outbound messages by channel and status.",
			},
			[]string{"channel", "status"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrInbound counts an inbound message outcome.
func (m *Metrics) IncrInbound(channel domain.Channel, outcome string) {
	m.inbound.WithLabelValues(string(channel), outcome).Inc()
}

// RecordDecision counts a routing decision.
func (m *Metrics) RecordDecision(d *domain.RouteDecision) {
	m.decisions.WithLabelValues(string(d.Type), string(d.Queue)).Inc()
	if d.LowConfidence {
		m.lowConfidence.Inc()
	}
}

// RecordAssistantCall records an assistant call and its latency.
func (m *Metrics) RecordAssistantCall(err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.assistantCalls.WithLabelValues(status).Inc()
	m.assistantLatency.Observe(d.Seconds())
}

// IncrFallback counts a technical-error fallback decision.
func (m *Metrics) IncrFallback() {
	m.fallbacks.Inc()
}

// RecordTransition counts a status change.
func (m *Metrics) RecordTransition(from, to domain.ConversationStatus) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// IncrInactivity counts one monitor result ("reverted" or "skipped").
func (m *Metrics) IncrInactivity(result string) {
	m.inactivity.WithLabelValues(result).Inc()
}

// IncrDedupFailOpen counts a dedup store failure.
func (m *Metrics) IncrDedupFailOpen() {
	m.dedupFailOpen.Inc()
}

// AddDispatchQueued moves the queued-messages gauge by delta.
func (m *Metrics) AddDispatchQueued(delta float64) {
	m.dispatchQueued.Add(delta)
}

// IncrOutbound counts an outbound delivery attempt.
func (m *Metrics) IncrOutbound(channel domain.Channel, status string) {
	m.outboundDelivered.WithLabelValues(string(channel), status).Inc()
}

// GetEngineSnapshot returns a snapshot of engine counters suitable for the
// GET /v1/metrics/engine endpoint. Prometheus counters are cumulative.
func (m *Metrics) GetEngineSnapshot() *domain.EngineMetrics {
	ok := getCounterValue(m.assistantCalls, "success")
	failed := getCounterValue(m.assistantCalls, "error")
	calls := ok + failed
	hits := getCounterValue(m.cacheHits, "rules")
	misses := getCounterValue(m.cacheMisses, "rules")

	snap := &domain.EngineMetrics{
		InboundProcessed:   sumByLabel(m.inbound, "outcome", OutcomeProcessed),
		InboundDuplicates:  sumByLabel(m.inbound, "outcome", OutcomeDuplicate),
		InboundMalformed:   sumByLabel(m.inbound, "outcome", OutcomeMalformed),
		InboundErrors:      sumByLabel(m.inbound, "outcome", OutcomeError),
		AssistantCalls:     int64(calls),
		TransfersByQueue:   map[string]int64{},
		InactivityReverted: int64(getCounterValue(m.inactivity, "reverted")),
		InactivitySkipped:  int64(getCounterValue(m.inactivity, "skipped")),
		DedupFailOpen:      int64(readCounter(m.dedupFailOpen)),
		Period:             "all_time",
	}
	if calls > 0 {
		snap.AssistantErrorRate = failed / calls
		snap.FallbackRate = readCounter(m.fallbacks) / calls
		snap.LowConfidenceRate = readCounter(m.lowConfidence) / calls
	}
	if hits+misses > 0 {
		snap.RuleCacheHitRate = hits / (hits + misses)
	}

	for _, mf := range gather(m.decisions) {
		var queue, typ string
		for _, lp := range mf.GetLabel() {
			switch lp.GetName() {
			case "queue":
				queue = lp.GetValue()
			case "type":
				typ = lp.GetValue()
			}
		}
		if typ == string(domain.DecisionTransferToHuman) && queue != "" {
			snap.TransfersByQueue[queue] += int64(mf.GetCounter().GetValue())
		}
	}
	return snap
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return readCounter(cv.WithLabelValues(label))
}

func readCounter(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// gather collects every child series of a vector.
func gather(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var out []*dto.Metric
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func sumByLabel(cv *prometheus.CounterVec, name, value string) int64 {
	var total float64
	for _, m := range gather(cv) {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return int64(total)
}
