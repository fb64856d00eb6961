package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/logfields"
)

const metricNamespace = "prshepherd"

const (
	githubEventsMetricName   = "processed_github_events_total"
	stageRunsMetricName      = "stage_runs_total"
	trackedPRCountMetricName = "tracked_pull_requests_count"
)

const (
	repositoryLabel = "repository"
	stageLabel      = "stage"
	statusLabel     = "status"
)

type metricCollector struct {
	logger          *zap.Logger
	processedEvents prometheus.Counter
	stageRuns       *prometheus.CounterVec
	trackedPRs      prometheus.Gauge
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		processedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      githubEventsMetricName,
				Help:      "count of processed github webhook events",
			},
		),
		stageRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      stageRunsMetricName,
				Help:      "count of finished stage runs by stage and status",
			},
			[]string{repositoryLabel, stageLabel, statusLabel},
		),
		trackedPRs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      trackedPRCountMetricName,
				Help:      "count of pull requests with an active pipeline",
			},
		),
	}
}

func (m *metricCollector) ProcessedEventsInc() {
	m.processedEvents.Inc()
}

func (m *metricCollector) StageRunFinished(run *Run) {
	cnt, err := m.stageRuns.GetMetricWith(prometheus.Labels{
		repositoryLabel: run.Repository.String(),
		stageLabel:      string(run.Stage),
		statusLabel:     string(run.Status),
	})
	if err != nil {
		m.logger.Warn(
			"could not record metric",
			zap.String("metric", stageRunsMetricName),
			logfields.Event("recording_metric_failed"),
			zap.Error(err),
		)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) TrackedPRsInc() {
	m.trackedPRs.Inc()
}

func (m *metricCollector) TrackedPRsDec() {
	m.trackedPRs.Dec()
}
