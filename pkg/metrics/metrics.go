package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sessions_total", Help: "Sessions finished, by outcome"},
		[]string{"outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders placed, by account, side and phase"},
		[]string{"account", "side", "phase"},
	)
	CancelFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cancel_failures_total", Help: "Orders that could not be cancelled during cleanup"},
		[]string{"account"},
	)
	RequestRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "request_retries_total", Help: "Transport failures that triggered a retry"},
		[]string{"account"},
	)
	APIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_errors_total", Help: "Non-success HTTP responses"},
		[]string{"account", "status"},
	)
	SessionPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "session_pnl", Help: "Approximate PnL of the last settled session"},
		[]string{"account"},
	)
	ActiveSession = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "active_session", Help: "1 while a session is in flight"},
	)
	LastPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "market_last_price", Help: "Last traded price from the ticker stream"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		OrdersTotal,
		CancelFailuresTotal,
		RequestRetriesTotal,
		APIErrorsTotal,
		SessionPnL,
		ActiveSession,
		LastPrice,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// AccountLabel maps an account index to its label value.
func AccountLabel(account int) string {
	if account == 0 {
		return "account1"
	}
	return "account2"
}
