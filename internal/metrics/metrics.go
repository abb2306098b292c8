package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BusDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fusionbot_bus_deliveries_total", Help: "Bus deliveries by topic, group and outcome"},
		[]string{"topic", "group", "outcome"},
	)
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fusionbot_trade_intents_total", Help: "Trade intents emitted by fusion"},
		[]string{"instrument", "direction"},
	)
	RiskDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fusionbot_risk_decisions_total", Help: "Risk gate decisions"},
		[]string{"outcome"},
	)
	TradeRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fusionbot_trade_records_total", Help: "Trade records published"},
		[]string{"status", "mode"},
	)
	NotificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fusionbot_notification_failures_total", Help: "Notifications that could not be delivered"},
		[]string{"kind"},
	)
	PortfolioCash = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fusionbot_portfolio_cash", Help: "Portfolio cash balance"},
	)
	DailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fusionbot_daily_pnl", Help: "Realized PnL of the current UTC day"},
	)
)

func init() {
	prometheus.MustRegister(BusDeliveries, IntentsTotal, RiskDecisions, TradeRecords,
		NotificationFailures, PortfolioCash, DailyPnL)
}

// ObserveDelivery matches the bus observer signature
func ObserveDelivery(topic, group, outcome string) {
	BusDeliveries.WithLabelValues(topic, group, outcome).Inc()
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
