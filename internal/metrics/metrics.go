package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for ingestion and correlation.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RecordsTotal     prometheus.Counter
	EventsByCategory *prometheus.CounterVec
	DetectionsTotal  prometheus.Counter
	DuplicateTotal   prometheus.Counter
	DroppedTotal     *prometheus.CounterVec
	IncidentsCreated prometheus.Counter
	IncidentsUpdated prometheus.Counter
	IncidentsClosed  *prometheus.CounterVec
	OpenIncidents    prometheus.Gauge
	PersistErrors    prometheus.Counter
	EnrichDropped    prometheus.Counter
	EnrichErrors     prometheus.Counter
	SubmitLatency    prometheus.Histogram
	EventWriteErrors prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "aisiem_raw_records_total",
			Help: "Total number of raw records consumed",
		}),
		EventsByCategory: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aisiem_events_total",
			Help: "Normalized events by category",
		}, []string{"category"}),
		DetectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "aisiem_detections_total",
			Help: "Detections submitted to the correlation engine",
		}),
		DuplicateTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "aisiem_detections_duplicate_total",
			Help: "Detections already incorporated into an incident",
		}),
		DroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aisiem_detections_dropped_total",
			Help: "Detections the correlator never accepted, by reason",
		}, []string{"reason"}),
		IncidentsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "aisiem_incidents_created_total",
			Help: "Incidents opened",
		}),
		IncidentsUpdated: f.NewCounter(prometheus.CounterOpts{
			Name: "aisiem_incidents_updated_total",
			Help: "Detections attached to an existing incident",
		}),
		IncidentsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aisiem_incidents_closed_total",
			Help: "Incidents closed, by reason",
		}, []string{"reason"}),
		OpenIncidents: f.NewGauge(prometheus.GaugeOpts{
			Name: "aisiem_open_incidents",
			Help: "Incidents currently open",
		}),
		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "aisiem_persist_errors_total",
			Help: "Incident store upsert failures",
		}),
		EnrichDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "aisiem_enrichment_dropped_total",
			Help: "Incident notifications dropped because the queue was full",
		}),
		EnrichErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "aisiem_enrichment_errors_total",
			Help: "Incident notification write failures",
		}),
		SubmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "aisiem_submit_seconds",
			Help:    "Time spent deciding incident membership",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		EventWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "aisiem_event_write_errors_total",
			Help: "Normalized event batch write failures",
		}),
	}
}

// IncRecords counts one consumed raw record.
func (m *Metrics) IncRecords() {
	if m != nil {
		m.RecordsTotal.Inc()
	}
}

// IncEvent counts one normalized event.
func (m *Metrics) IncEvent(category string) {
	if m != nil {
		m.EventsByCategory.WithLabelValues(category).Inc()
	}
}

// IncDetections counts one submitted detection.
func (m *Metrics) IncDetections() {
	if m != nil {
		m.DetectionsTotal.Inc()
	}
}

// IncDuplicate counts one absorbed duplicate detection.
func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.DuplicateTotal.Inc()
	}
}

// IncDropped counts one detection given up after submission failed.
func (m *Metrics) IncDropped(reason string) {
	if m != nil {
		m.DroppedTotal.WithLabelValues(reason).Inc()
	}
}

// IncCreated counts one new incident.
func (m *Metrics) IncCreated() {
	if m != nil {
		m.IncidentsCreated.Inc()
		m.OpenIncidents.Inc()
	}
}

// IncUpdated counts one incident mutation.
func (m *Metrics) IncUpdated() {
	if m != nil {
		m.IncidentsUpdated.Inc()
	}
}

// IncClosed counts one closed incident.
func (m *Metrics) IncClosed(reason string) {
	if m != nil {
		m.IncidentsClosed.WithLabelValues(reason).Inc()
		m.OpenIncidents.Dec()
	}
}

// SetOpen sets the open incident gauge.
func (m *Metrics) SetOpen(n int) {
	if m != nil {
		m.OpenIncidents.Set(float64(n))
	}
}

// IncPersistErrors counts one failed upsert.
func (m *Metrics) IncPersistErrors() {
	if m != nil {
		m.PersistErrors.Inc()
	}
}

// IncEnrichDropped counts one dropped notification.
func (m *Metrics) IncEnrichDropped() {
	if m != nil {
		m.EnrichDropped.Inc()
	}
}

// IncEnrichErrors counts one failed notification write.
func (m *Metrics) IncEnrichErrors() {
	if m != nil {
		m.EnrichErrors.Inc()
	}
}

// IncEventWriteErrors counts one failed event batch write.
func (m *Metrics) IncEventWriteErrors() {
	if m != nil {
		m.EventWriteErrors.Inc()
	}
}

// ObserveSubmit records the duration of one correlation decision.
func (m *Metrics) ObserveSubmit(seconds float64) {
	if m != nil {
		m.SubmitLatency.Observe(seconds)
	}
}
