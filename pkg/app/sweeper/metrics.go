package sweeper

import "github.com/prometheus/client_golang/prometheus"

var cycleCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "estatex_sweep_cycles_total",
	Help: "Completed sweep cycles",
})

var matchCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "estatex_sweep_matches_total",
	Help: "Matches proposed by sweep cycles",
})

var expiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "estatex_orders_expired_total",
	Help: "Orders moved to EXPIRED by the sweeper",
})

var instrumentErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "estatex_sweep_instrument_errors_total",
	Help: "Per-instrument sweep failures",
}, []string{"instrument"})

var lastCycleSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "estatex_sweep_last_cycle_seconds",
	Help: "Duration of the most recent sweep cycle",
})

func init() {
	prometheus.MustRegister(cycleCounter, matchCounter, expiredCounter, instrumentErrors, lastCycleSeconds)
}
