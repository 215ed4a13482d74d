package obs

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement outcome labels.
const (
	SettlementResultOK       = "ok"
	SettlementResultConflict = "conflict"
	SettlementResultError    = "error"
)

// SettlementMetrics groups collectors describing shift settlements.
type SettlementMetrics struct {
	// Total counts close attempts by result.
	Total *prometheus.CounterVec
	// Topups counts settlements where the hourly guarantee exceeded the base share.
	Topups prometheus.Counter
	// TopupAmount records top-up sizes in currency units.
	TopupAmount prometheus.Histogram
	// FloorLoss counts settlements whose top-up exceeded the business share.
	FloorLoss prometheus.Counter
	// SlipTasks counts slip task enqueue outcomes.
	SlipTasks *prometheus.CounterVec
}

// NewSettlementMetrics registers and returns the settlement collectors. Collectors that
// are already registered on reg are reused.
func NewSettlementMetrics(namespace string, reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &SettlementMetrics{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Count of shift settlement attempts by outcome.",
		}, []string{"result"}),
		Topups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_topups_total",
			Help:      "Number of settlements paid out at the hourly guarantee.",
		}),
		TopupAmount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_topup_amount",
			Help:      "Distribution of top-up amounts in currency units.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}),
		FloorLoss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_floor_loss_total",
			Help:      "Number of settlements where the business share was floored at zero.",
		}),
		SlipTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_slip_tasks_total",
			Help:      "Count of settlement slip task enqueue outcomes.",
		}, []string{"result"}),
	}

	mustRegisterCollector(reg, m.Total, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.Total = v
		}
	})
	mustRegisterCollector(reg, m.Topups, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Counter); ok {
			m.Topups = v
		}
	})
	mustRegisterCollector(reg, m.TopupAmount, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Histogram); ok {
			m.TopupAmount = v
		}
	})
	mustRegisterCollector(reg, m.FloorLoss, func(existing prometheus.Collector) {
		if v, ok := existing.(prometheus.Counter); ok {
			m.FloorLoss = v
		}
	})
	mustRegisterCollector(reg, m.SlipTasks, func(existing prometheus.Collector) {
		if v, ok := existing.(*prometheus.CounterVec); ok {
			m.SlipTasks = v
		}
	})
	return m
}

// ObserveSettlement records a successful settlement. topup and floorLoss are zero
// when no guarantee was paid.
func (m *SettlementMetrics) ObserveSettlement(topup, floorLoss float64) {
	if m == nil {
		return
	}
	m.Total.WithLabelValues(SettlementResultOK).Inc()
	if topup <= 0 {
		return
	}
	m.Topups.Inc()
	m.TopupAmount.Observe(topup)
	if floorLoss > 0 {
		m.FloorLoss.Inc()
	}
}

// ObserveFailure records a settlement attempt that did not persist.
func (m *SettlementMetrics) ObserveFailure(result string) {
	if m == nil {
		return
	}
	m.Total.WithLabelValues(result).Inc()
}

// ObserveSlipTask records a slip enqueue outcome.
func (m *SettlementMetrics) ObserveSlipTask(result string) {
	if m == nil {
		return
	}
	m.SlipTasks.WithLabelValues(result).Inc()
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
