package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/asterisk-calltracker/internal/tracker"
)

// StatsProvider exposes tracker counters. *tracker.Controller satisfies it.
type StatsProvider interface {
	Stats() tracker.Stats
}

// DropCounter reports publish changes discarded under back-pressure.
type DropCounter interface {
	Dropped() uint64
}

// Collector is a prometheus.Collector that reads tracker state at scrape time.
type Collector struct {
	stats     StatsProvider
	drops     DropCounter
	connected func() bool
	startTime time.Time

	activeCallsDesc     *prometheus.Desc
	pendingDesc         *prometheus.Desc
	callsCreatedDesc    *prometheus.Desc
	uncorrelatedDesc    *prometheus.Desc
	callsClosedDesc     *prometheus.Desc
	evictedDesc         *prometheus.Desc
	livenessQueriesDesc *prometheus.Desc
	initiationsDesc     *prometheus.Desc
	publishDroppedDesc  *prometheus.Desc
	connectedDesc       *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a collector. drops and connected may be nil.
func NewCollector(stats StatsProvider, drops DropCounter, connected func() bool, startTime time.Time) *Collector {
	return &Collector{
		stats:     stats,
		drops:     drops,
		connected: connected,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"calltracker_active_calls",
			"Number of tracked calls not yet completed",
			nil, nil,
		),
		pendingDesc: prometheus.NewDesc(
			"calltracker_pending_initiations",
			"Originate requests accepted but not yet answered by an OriginateResponse",
			nil, nil,
		),
		callsCreatedDesc: prometheus.NewDesc(
			"calltracker_calls_created_total",
			"Call contexts created from OriginateResponse events",
			nil, nil,
		),
		uncorrelatedDesc: prometheus.NewDesc(
			"calltracker_originate_uncorrelated_total",
			"OriginateResponse events without a Uniqueid",
			nil, nil,
		),
		callsClosedDesc: prometheus.NewDesc(
			"calltracker_calls_closed_total",
			"Call contexts closed, by reason",
			[]string{"reason"}, nil,
		),
		evictedDesc: prometheus.NewDesc(
			"calltracker_calls_evicted_total",
			"Completed call contexts evicted after the retention window",
			nil, nil,
		),
		livenessQueriesDesc: prometheus.NewDesc(
			"calltracker_liveness_queries_total",
			"Status queries issued by the liveness poller",
			nil, nil,
		),
		initiationsDesc: prometheus.NewDesc(
			"calltracker_initiations_total",
			"Originate requests by result",
			[]string{"result"}, nil,
		),
		publishDroppedDesc: prometheus.NewDesc(
			"calltracker_publish_dropped_total",
			"Lifecycle changes dropped because the publish queue was full",
			nil, nil,
		),
		connectedDesc: prometheus.NewDesc(
			"calltracker_ami_connected",
			"Whether the AMI session is up (1) or not (0)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"calltracker_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.pendingDesc
	ch <- c.callsCreatedDesc
	ch <- c.uncorrelatedDesc
	ch <- c.callsClosedDesc
	ch <- c.evictedDesc
	ch <- c.livenessQueriesDesc
	ch <- c.initiationsDesc
	ch <- c.publishDroppedDesc
	ch <- c.connectedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Stats()

	ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(s.Active))
	ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(s.Pending))
	ch <- prometheus.MustNewConstMetric(c.callsCreatedDesc, prometheus.CounterValue, float64(s.Created))
	ch <- prometheus.MustNewConstMetric(c.uncorrelatedDesc, prometheus.CounterValue, float64(s.Uncorrelated))
	ch <- prometheus.MustNewConstMetric(c.callsClosedDesc, prometheus.CounterValue,
		float64(s.ClosedByHangup), string(tracker.ReasonHangup))
	ch <- prometheus.MustNewConstMetric(c.callsClosedDesc, prometheus.CounterValue,
		float64(s.ClosedByLiveness), string(tracker.ReasonLivenessFailed))
	ch <- prometheus.MustNewConstMetric(c.evictedDesc, prometheus.CounterValue, float64(s.Evicted))
	ch <- prometheus.MustNewConstMetric(c.livenessQueriesDesc, prometheus.CounterValue, float64(s.LivenessQueries))
	ch <- prometheus.MustNewConstMetric(c.initiationsDesc, prometheus.CounterValue,
		float64(s.InitiationsSucceeded), "accepted")
	ch <- prometheus.MustNewConstMetric(c.initiationsDesc, prometheus.CounterValue,
		float64(s.InitiationsFailed), "failed")

	if c.drops != nil {
		ch <- prometheus.MustNewConstMetric(c.publishDroppedDesc, prometheus.CounterValue, float64(c.drops.Dropped()))
	}

	if c.connected != nil {
		v := 0.0
		if c.connected() {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.connectedDesc, prometheus.GaugeValue, v)
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
