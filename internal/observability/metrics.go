package observability

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "swbus"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total diagnostics HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Diagnostics HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

// RegisterMetrics registers the process-wide HTTP collectors with the
// default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// Drop reasons for BusMetrics.Dropped.
const (
	DropUnreachable   = "unreachable"
	DropHopLimit      = "hop_limit"
	DropQueueFull     = "queue_full"
	DropMailboxClosed = "mailbox_closed"
	DropOrphan        = "orphan_response"
	DropDuplicate     = "duplicate"
	DropMalformed     = "malformed"
	DropSessionLost   = "session_lost"
)

// BusMetrics are the collectors of one bus node. Each node owns its own
// registry so several nodes can share a process.
type BusMetrics struct {
	Registry *prometheus.Registry

	delivered      prometheus.Counter
	forwarded      prometheus.Counter
	dropped        *prometheus.CounterVec
	dedupHits      prometheus.Counter
	requests       *prometheus.CounterVec
	retries        prometheus.Counter
	sessionEvents  *prometheus.CounterVec
	sessions       prometheus.Gauge
	pending        prometheus.Gauge
	requestLatency prometheus.Histogram
	actorPanics    prometheus.Counter
}

func NewBusMetrics(node string) *BusMetrics {
	labels := prometheus.Labels{"node": node}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}
	m := &BusMetrics{
		Registry:  prometheus.NewRegistry(),
		delivered: counter("envelopes", "delivered_total", "Envelopes handed to a local mailbox."),
		forwarded: counter("envelopes", "forwarded_total", "Envelopes sent to a neighbor session."),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "envelopes", Name: "dropped_total",
			Help: "Envelopes dropped, by reason.", ConstLabels: labels,
		}, []string{"reason"}),
		dedupHits: counter("dedup", "hits_total", "Duplicate requests suppressed."),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "requests", Name: "completed_total",
			Help: "Requests originated here, by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		retries: counter("requests", "retries_total", "Request retransmissions."),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "events_total",
			Help: "Session lifecycle events.", ConstLabels: labels,
		}, []string{"event"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "active",
			Help: "Sessions currently attached.", ConstLabels: labels,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "requests", Name: "pending",
			Help: "Requests awaiting a response.", ConstLabels: labels,
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "requests", Name: "latency_seconds",
			Help: "Request round trip latency.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		actorPanics: counter("actors", "panics_total", "Actor handlers that panicked."),
	}
	m.Registry.MustRegister(
		m.delivered, m.forwarded, m.dropped, m.dedupHits, m.requests, m.retries,
		m.sessionEvents, m.sessions, m.pending, m.requestLatency, m.actorPanics,
	)
	return m
}

func (m *BusMetrics) Delivered()             { m.delivered.Inc() }
func (m *BusMetrics) Forwarded()             { m.forwarded.Inc() }
func (m *BusMetrics) Dropped(reason string)  { m.dropped.WithLabelValues(reason).Inc() }
func (m *BusMetrics) DedupHit()              { m.dedupHits.Inc() }
func (m *BusMetrics) Retry()                 { m.retries.Inc() }
func (m *BusMetrics) SessionEvent(ev string) { m.sessionEvents.WithLabelValues(ev).Inc() }
func (m *BusMetrics) SetSessions(n int)      { m.sessions.Set(float64(n)) }
func (m *BusMetrics) SetPending(n int)       { m.pending.Set(float64(n)) }
func (m *BusMetrics) ActorPanic()            { m.actorPanics.Inc() }

func (m *BusMetrics) DroppedN(reason string, n int) {
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

func (m *BusMetrics) RequestDone(outcome string, latency time.Duration) {
	m.requests.WithLabelValues(outcome).Inc()
	m.requestLatency.Observe(latency.Seconds())
}

// Counters flattens every counter and gauge in the registry into
// name{label=value} keys for the diagnostics snapshot.
func (m *BusMetrics) Counters() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.Registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName() + labelSuffix(metric.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key+"_count"] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func labelSuffix(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.GetName() == "node" {
			continue
		}
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	if len(parts) == 0 {
		return ""
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}
