// Package metrics exposes Prometheus collectors for the aggregation
// engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	observationsTotal  *prometheus.CounterVec
	matchDecisionTotal *prometheus.CounterVec
	mergeConflictTotal prometheus.Counter
	unificationsTotal  prometheus.Counter
	robotsDeniedTotal  *prometheus.CounterVec
	tasksBlockedTotal  *prometheus.CounterVec
	backoffSeconds     *prometheus.HistogramVec
	entitiesGauge      prometheus.Gauge

	once sync.Once
)

// Init registers all collectors exactly once. Safe to call from
// multiple entry points.
func Init() {
	once.Do(func() {
		observationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "placemerge_observations_total",
			Help: "Raw observations consumed by the pipeline, by source.",
		}, []string{"source"})
		matchDecisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "placemerge_match_decisions_total",
			Help: "Matcher verdicts, by action.",
		}, []string{"action"})
		mergeConflictTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "placemerge_merge_conflicts_total",
			Help: "Field writes rejected for violating monotonic completeness.",
		})
		unificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "placemerge_entity_unifications_total",
			Help: "Canonical entities folded into another entity.",
		})
		robotsDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "placemerge_robots_denied_total",
			Help: "Polls refused because the domain's robots policy disallows crawling.",
		}, []string{"domain"})
		tasksBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "placemerge_tasks_blocked_total",
			Help: "Crawl tasks transitioned to blocked.",
		}, []string{"source"})
		backoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "placemerge_backoff_delay_seconds",
			Help:    "Backoff delays applied after transient failures.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"source"})
		entitiesGauge = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "placemerge_canonical_entities",
			Help: "Live canonical entities in the directory store.",
		})
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservationConsumed counts one raw observation for source.
func ObservationConsumed(source string) {
	Init()
	observationsTotal.WithLabelValues(source).Inc()
}

// MatchDecision counts one matcher verdict.
func MatchDecision(action string) {
	Init()
	matchDecisionTotal.WithLabelValues(action).Inc()
}

// MergeConflict counts one rejected field write.
func MergeConflict() {
	Init()
	mergeConflictTotal.Inc()
}

// Unification counts one entity fold.
func Unification() {
	Init()
	unificationsTotal.Inc()
}

// RobotsDenied counts one robots-gated poll refusal.
func RobotsDenied(domain string) {
	Init()
	robotsDeniedTotal.WithLabelValues(domain).Inc()
}

// TaskBlocked counts one task transition to blocked.
func TaskBlocked(source string) {
	Init()
	tasksBlockedTotal.WithLabelValues(source).Inc()
}

// ObserveBackoff records a backoff delay for source.
func ObserveBackoff(source string, delay time.Duration) {
	Init()
	backoffSeconds.WithLabelValues(source).Observe(delay.Seconds())
}

// SetEntityCount updates the live entity gauge.
func SetEntityCount(n int) {
	Init()
	entitiesGauge.Set(float64(n))
}
