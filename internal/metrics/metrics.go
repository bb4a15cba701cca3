// Package metrics exposes the trader's Prometheus metrics and health
// endpoints.
//
// Metrics served at /metrics (Prometheus text exposition format):
//   - trader_events_published_total{venue,channel} — bus publishes
//   - trader_events_dropped_total{venue,channel,policy} — bus overflow drops
//   - trader_stream_reconnects_total{venue} — websocket reconnects
//   - trader_ticker_regressions_total{venue} — out-of-order tickers dropped
//   - trader_orders_placed_total{venue,side} — orders sent to venues
//   - trader_orders_rejected_total{venue,reason} — rejected placements
//   - trader_fills_applied_total{venue,side} — fills applied to the portfolio
//   - trader_risk_rejections_total{rule} — intents stopped by the risk gate
//   - trader_signals_total{strategy,action} — strategy signal emissions
//   - trader_realized_pnl — realized P&L gauge (quote currency)
//   - trader_equity — current equity gauge (quote currency)
//
// /health/live answers 200 while the process runs; /health/ready answers
// 200 once every registered readiness probe reports true.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the trader's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished   *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	StreamReconnects  *prometheus.CounterVec
	TickerRegressions *prometheus.CounterVec
	OrdersPlaced      *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	FillsApplied      *prometheus.CounterVec
	RiskRejections    *prometheus.CounterVec
	Signals           *prometheus.CounterVec
	RealizedPnL       prometheus.Gauge
	Equity            prometheus.Gauge

	mu     sync.RWMutex
	probes map[string]func() bool
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probes:   make(map[string]func() bool),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_events_published_total",
			Help: "Events published to the market data bus",
		}, []string{"venue", "channel"}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_events_dropped_total",
			Help: "Events dropped by subscriber overflow policy",
		}, []string{"venue", "channel", "policy"}),

		StreamReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_stream_reconnects_total",
			Help: "Websocket reconnections",
		}, []string{"venue"}),

		TickerRegressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_ticker_regressions_total",
			Help: "Tickers dropped for timestamp regression",
		}, []string{"venue"}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_placed_total",
			Help: "Orders placed",
		}, []string{"venue", "side"}),

		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_rejected_total",
			Help: "Order placements rejected",
		}, []string{"venue", "reason"}),

		FillsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_fills_applied_total",
			Help: "Fills applied to the portfolio",
		}, []string{"venue", "side"}),

		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_risk_rejections_total",
			Help: "Trade intents rejected by the risk gate, by rule",
		}, []string{"rule"}),

		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Strategy signals emitted",
		}, []string{"strategy", "action"}),

		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_realized_pnl",
			Help: "Realized profit and loss in the base currency",
		}),

		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_equity",
			Help: "Current equity in the base currency",
		}),
	}

	m.registry.MustRegister(
		m.EventsPublished, m.EventsDropped,
		m.StreamReconnects, m.TickerRegressions,
		m.OrdersPlaced, m.OrdersRejected, m.FillsApplied,
		m.RiskRejections, m.Signals,
		m.RealizedPnL, m.Equity,
	)
	return m
}

// RegisterProbe adds a readiness probe. /health/ready reports 200 only
// when every probe returns true.
func (m *Metrics) RegisterProbe(name string, probe func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// Handler returns the HTTP mux serving /metrics and the health endpoints.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/health/ready", m.handleReady)
	return mux
}

func (m *Metrics) handleReady(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	status := make(map[string]bool, len(m.probes))
	ready := true
	for name, probe := range m.probes {
		ok := probe()
		status[name] = ok
		ready = ready && ok
	}
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Server wraps the listener lifecycle around Handler.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates the metrics HTTP server on addr.
func NewServer(addr string, m *Metrics, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "metrics"),
	}
}

// Start serves until Shutdown. Listen errors other than a clean close are
// logged, not fatal: a dead metrics port must not stop trading.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
