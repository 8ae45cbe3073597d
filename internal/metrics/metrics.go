// Package metrics exposes the Prometheus collectors the engine updates while running.
//
//   - lane_ticks_total{lane,result}          ticks by result (ok|skipped|error|panic)
//   - lane_tick_seconds{lane}                 tick duration
//   - lane_degraded{lane}                     1 while the lane refuses admissions after call failures
//   - admissions_total{lane,result,rule}      admission decisions; rule is empty when admitted
//   - positions_open{lane}                    positions tracked by the lane ledger
//   - global_positions_open                   positions counted against the global cap
//   - scale_events_total{stage}               partial and full closes by stage
//   - bracket_repairs_total{result}           bracket re-attach attempts (ok|failed|forced_close)
//   - adaptive_param{instrument,param}        current adaptive multipliers
//   - broker_calls_total{op,result}           gateway round-trips (ok|retry|failed)
//   - events_dropped_total                    notifications dropped by slow subscribers
//
// Collectors are registered in init() and served by promhttp from cmd/lane_trader.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	laneTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lane_ticks_total",
			Help: "Lane ticks by result",
		},
		[]string{"lane", "result"},
	)

	laneTickSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lane_tick_seconds",
			Help:    "Lane tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lane"},
	)

	laneDegraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lane_degraded",
			Help: "1 while the lane is degraded",
		},
		[]string{"lane"},
	)

	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admissions_total",
			Help: "Admission decisions by result and failing rule",
		},
		[]string{"lane", "result", "rule"},
	)

	positionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "positions_open",
			Help: "Open positions tracked per lane",
		},
		[]string{"lane"},
	)

	globalPositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "global_positions_open",
			Help: "Positions counted against the global cap",
		},
	)

	scaleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scale_events_total",
			Help: "Position closes by stage",
		},
		[]string{"stage"},
	)

	bracketRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracket_repairs_total",
			Help: "Bracket repair attempts by result",
		},
		[]string{"result"},
	)

	adaptiveParam = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adaptive_param",
			Help: "Current adaptive parameter value",
		},
		[]string{"instrument", "param"},
	)

	brokerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_calls_total",
			Help: "External calls by operation and result",
		},
		[]string{"op", "result"},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Notification events dropped because a subscriber was full",
		},
	)
)

func init() {
	prometheus.MustRegister(laneTicks, laneTickSeconds, laneDegraded)
	prometheus.MustRegister(admissions, positionsOpen, globalPositionsOpen)
	prometheus.MustRegister(scaleEvents, bracketRepairs, adaptiveParam)
	prometheus.MustRegister(brokerCalls, eventsDropped)
}

func Tick(lane, result string, seconds float64) {
	laneTicks.WithLabelValues(lane, result).Inc()
	if seconds > 0 {
		laneTickSeconds.WithLabelValues(lane).Observe(seconds)
	}
}

func SetDegraded(lane string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	laneDegraded.WithLabelValues(lane).Set(v)
}

// Admission records one decision. rule is empty for admitted signals.
func Admission(lane string, admitted bool, rule string) {
	result := "rejected"
	if admitted {
		result = "admitted"
	}
	admissions.WithLabelValues(lane, result, rule).Inc()
}

func SetPositionsOpen(lane string, n int) {
	positionsOpen.WithLabelValues(lane).Set(float64(n))
}

func SetGlobalPositions(n int) {
	globalPositionsOpen.Set(float64(n))
}

func ScaleEvent(stage string) {
	scaleEvents.WithLabelValues(stage).Inc()
}

func BracketRepair(result string) {
	bracketRepairs.WithLabelValues(result).Inc()
}

func SetAdaptiveParam(instrument, param string, v float64) {
	adaptiveParam.WithLabelValues(instrument, param).Set(v)
}

func BrokerCall(op, result string) {
	brokerCalls.WithLabelValues(op, result).Inc()
}

func EventDropped() {
	eventsDropped.Inc()
}
