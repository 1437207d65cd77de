package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a
// no-op.
type Metrics struct {
	OrdersProcessed *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	TradesExecuted  *prometheus.CounterVec
	MatchingLatency *prometheus.HistogramVec
	OrderbookDepth  *prometheus.GaugeVec
	OrderbookSpread *prometheus.GaugeVec
	Liquidations    *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrdersProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpex_orders_processed_total",
				Help: "Orders accepted by the venue.",
			},
			[]string{"market", "side", "kind"},
		),
		OrdersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpex_orders_rejected_total",
				Help: "Orders rejected, by error kind.",
			},
			[]string{"market", "reason"},
		),
		TradesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpex_trades_executed_total",
				Help: "Trade legs executed.",
			},
			[]string{"market"},
		),
		MatchingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perpex_matching_latency_seconds",
				Help:    "Time spent placing an order, including ledger checks.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"market"},
		),
		OrderbookDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perpex_orderbook_levels",
				Help: "Number of price levels per side.",
			},
			[]string{"market", "side"},
		),
		OrderbookSpread: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perpex_orderbook_spread",
				Help: "Best ask minus best bid in fixed-point units.",
			},
			[]string{"market"},
		),
		Liquidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpex_liquidations_total",
				Help: "Liquidation attempts by outcome.",
			},
			[]string{"market", "outcome"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perpex_events_published_total",
				Help: "Outbox deliveries by sink and result.",
			},
			[]string{"sink", "result"},
		),
	}

	registry.MustRegister(
		m.OrdersProcessed, m.OrdersRejected, m.TradesExecuted, m.MatchingLatency,
		m.OrderbookDepth, m.OrderbookSpread, m.Liquidations, m.EventsPublished,
	)
	return m
}

func (m *Metrics) ObserveOrder(market, side, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.OrdersProcessed.WithLabelValues(market, side, kind).Inc()
	m.MatchingLatency.WithLabelValues(market).Observe(d.Seconds())
}

func (m *Metrics) ObserveRejection(market, reason string) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(market, reason).Inc()
}

func (m *Metrics) ObserveTrades(market string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.TradesExecuted.WithLabelValues(market).Add(float64(n))
}

func (m *Metrics) SetBook(market string, bidLevels, askLevels int, spread int64, hasSpread bool) {
	if m == nil {
		return
	}
	m.OrderbookDepth.WithLabelValues(market, "bid").Set(float64(bidLevels))
	m.OrderbookDepth.WithLabelValues(market, "ask").Set(float64(askLevels))
	if hasSpread {
		m.OrderbookSpread.WithLabelValues(market).Set(float64(spread))
	}
}

func (m *Metrics) ObserveLiquidation(market, outcome string) {
	if m == nil {
		return
	}
	m.Liquidations.WithLabelValues(market, outcome).Inc()
}

func (m *Metrics) ObservePublish(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(sink, result).Inc()
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
