package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	NetEdgeBps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spreadwatch_net_edge_bps",
		Help: "Net edge of the last valid tick, per direction",
	}, []string{"direction"})

	FxRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spreadwatch_fx_usdt_zar",
		Help: "USDT/ZAR rate used for pricing, depeg included",
	})

	QuoteAge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spreadwatch_quote_age_seconds",
		Help: "Age of the cached quote at the last tick",
	}, []string{"exchange"})

	Checks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spreadwatch_checks_total",
		Help: "Loop iterations performed",
	})

	Skips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadwatch_skips_total",
		Help: "Ticks that did not trade, by reason",
	}, []string{"reason"})

	Trades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadwatch_paper_trades_total",
		Help: "Simulated trades executed, per direction",
	}, []string{"direction"})

	TickOverruns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spreadwatch_tick_overruns_total",
		Help: "Ticks that ran past the loop interval",
	})

	TickLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spreadwatch_tick_seconds",
		Help:    "Time spent in one loop iteration",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	PersistWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadwatch_persist_writes_total",
		Help: "Opportunity writes attempted by the background writer",
	}, []string{"result"})

	PersistDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spreadwatch_persist_dropped_total",
		Help: "Opportunities dropped because the write queue was full",
	})

	PersistDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spreadwatch_persist_deduped_total",
		Help: "Evicted ticks not persisted because their edges repeated",
	})

	FeedReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadwatch_feed_reconnects_total",
		Help: "Feed reconnect attempts",
	}, []string{"exchange"})

	FeedErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadwatch_feed_errors_total",
		Help: "Feed read or parse failures",
	}, []string{"exchange"})

	FxFetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spreadwatch_fx_fetch_errors_total",
		Help: "FX source failures",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		NetEdgeBps,
		FxRate,
		QuoteAge,
		Checks,
		Skips,
		Trades,
		TickOverruns,
		TickLatency,
		PersistWrites,
		PersistDropped,
		PersistDeduped,
		FeedReconnects,
		FeedErrors,
		FxFetchErrors,
	)
}
