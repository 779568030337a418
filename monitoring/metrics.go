package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Monitor owns the booking metrics. Metrics register on the registerer
// given to NewMonitor so tests can use a private registry.
type Monitor struct {
	reservationOps   *prometheus.CounterVec
	ledgerConflicts  prometheus.Counter
	ledgerRetries    prometheus.Counter
	gatewayCalls     *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	sweptHolds       *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	rateLimited      prometheus.Counter
	goroutineCount   prometheus.Gauge
	reservationHolds *prometheus.HistogramVec
}

func NewMonitor(reg prometheus.Registerer) *Monitor {
	factory := promauto.With(reg)

	return &Monitor{
		reservationOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_operations_total",
				Help: "Reservation operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		ledgerConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_version_conflicts_total",
				Help: "Inventory writes rejected by a stale version",
			},
		),
		ledgerRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_retries_total",
				Help: "Retries after a version conflict",
			},
		),
		gatewayCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_gateway_calls_total",
				Help: "Payment provider calls by outcome",
			},
			[]string{"provider", "operation", "outcome"},
		),
		gatewayLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_gateway_call_duration_seconds",
				Help:    "Payment provider call latency",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider", "operation"},
		),
		sweptHolds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweeper_reservations_total",
				Help: "Reservations handled by the hold sweeper",
			},
			[]string{"status", "outcome"},
		),
		settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_settlements_total",
				Help: "Provider settlements applied",
			},
			[]string{"source", "outcome"},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limited_requests_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
		goroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_goroutines_total",
				Help: "Current number of active goroutines",
			},
		),
		reservationHolds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reservation_hold_duration_seconds",
				Help:    "Time from creation until a hold was released or confirmed",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"status"},
		),
	}
}

// Start samples runtime gauges until ctx is done.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.collectGoroutineMetrics()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) collectGoroutineMetrics() {
	m.goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// TrackReservation counts a coordinator operation. outcome is "ok" or an
// error kind.
func (m *Monitor) TrackReservation(operation, outcome string) {
	m.reservationOps.WithLabelValues(operation, outcome).Inc()
}

func (m *Monitor) TrackConflict() {
	m.ledgerConflicts.Inc()
}

func (m *Monitor) TrackRetry() {
	m.ledgerRetries.Inc()
}

// ObserveGatewayCall implements bank.Observer.
func (m *Monitor) ObserveGatewayCall(provider, operation string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gatewayCalls.WithLabelValues(provider, operation, outcome).Inc()
	m.gatewayLatency.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
}

func (m *Monitor) TrackSweep(status, outcome string) {
	m.sweptHolds.WithLabelValues(status, outcome).Inc()
}

func (m *Monitor) TrackSettlement(source, outcome string) {
	m.settlements.WithLabelValues(source, outcome).Inc()
}

func (m *Monitor) TrackRateLimited() {
	m.rateLimited.Inc()
}

// TrackHold records how long a reservation held inventory before reaching status.
func (m *Monitor) TrackHold(status string, held time.Duration) {
	m.reservationHolds.WithLabelValues(status).Observe(held.Seconds())
}
