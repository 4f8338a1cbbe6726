package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	submissions     *prom.CounterVec
	dataRequests    *prom.CounterVec
	exportDuration  *prom.HistogramVec
	syncDuration    *prom.HistogramVec
	syncOutcomes    *prom.CounterVec
	sheetRows       *prom.GaugeVec
	eventsPublished *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.submissions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "formsync",
			Name:      "submissions_total",
			Help:      "Submission intake counts by form and result",
		}, []string{"form", "result"})
		pr.dataRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "formsync",
			Name:      "data_requests_total",
			Help:      "Data API requests by form and export format",
		}, []string{"form", "format"})
		pr.exportDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "formsync",
			Name:      "export_duration_seconds",
			Help:      "Duration of export rendering by form and format",
			Buckets:   prom.DefBuckets,
		}, []string{"form", "format"})
		pr.syncDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "formsync",
			Name:      "sheet_sync_duration_seconds",
			Help:      "Duration of sheet sync runs by binding and result",
			Buckets:   prom.DefBuckets,
		}, []string{"binding", "result"})
		pr.syncOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "formsync",
			Name:      "sheet_sync_outcomes_total",
			Help:      "Sheet sync outcomes by binding",
		}, []string{"binding", "outcome"})
		pr.sheetRows = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "formsync",
			Name:      "sheet_rows",
			Help:      "Rows written in the last sheet sync per binding",
		}, []string{"binding"})
		pr.eventsPublished = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "formsync",
			Name:      "events_published_total",
			Help:      "Submission events published by kind",
		}, []string{"kind"})
		reg.MustRegister(pr.submissions, pr.dataRequests, pr.exportDuration,
			pr.syncDuration, pr.syncOutcomes, pr.sheetRows, pr.eventsPublished)
	})
	return pr
}

func (p *PrometheusRecorder) IncSubmission(formID, result string) {
	if p == nil || p.submissions == nil {
		return
	}
	p.submissions.WithLabelValues(formID, result).Inc()
}

func (p *PrometheusRecorder) IncDataRequest(formID, format string) {
	if p == nil || p.dataRequests == nil {
		return
	}
	p.dataRequests.WithLabelValues(formID, format).Inc()
}

func (p *PrometheusRecorder) ObserveExportDuration(formID, format string, d time.Duration) {
	if p == nil || p.exportDuration == nil {
		return
	}
	p.exportDuration.WithLabelValues(formID, format).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveSyncDuration(binding string, d time.Duration, success bool) {
	if p == nil || p.syncDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.syncDuration.WithLabelValues(binding, res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncSyncOutcome(binding, outcome string) {
	if p == nil || p.syncOutcomes == nil {
		return
	}
	p.syncOutcomes.WithLabelValues(binding, outcome).Inc()
}

func (p *PrometheusRecorder) SetSheetRows(binding string, rows int) {
	if p == nil || p.sheetRows == nil {
		return
	}
	p.sheetRows.WithLabelValues(binding).Set(float64(rows))
}

func (p *PrometheusRecorder) IncEventPublished(kind string) {
	if p == nil || p.eventsPublished == nil {
		return
	}
	p.eventsPublished.WithLabelValues(kind).Inc()
}

var _ Recorder = (*PrometheusRecorder)(nil)
var _ Recorder = NoopRecorder{}
