// Package metrics owns the Prometheus collectors of the service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector, registered in a private registry so tests
// can build as many instances as they need.
type Metrics struct {
	Registry *prometheus.Registry

	placements        *prometheus.CounterVec
	placementDuration *prometheus.HistogramVec
	placementRetries  *prometheus.CounterVec
	levelPayouts      *prometheus.CounterVec
	levelBlocked      *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	events            *prometheus.CounterVec
}

// New creates a dedicated registry and registers all collectors in it.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		placements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopool_placements_total",
				Help: "Placements by tree, rule and outcome.",
			},
			[]string{"tree", "rule", "outcome"},
		),
		placementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopool_placement_duration_seconds",
				Help:    "Duration of a placement unit of work, retries included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tree"},
		),
		placementRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopool_placement_retries_total",
				Help: "Placement attempts retried after a concurrency conflict.",
			},
			[]string{"tree"},
		),
		levelPayouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopool_level_payouts_total",
				Help: "Level bonuses paid.",
			},
			[]string{"tree", "level"},
		),
		levelBlocked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopool_level_blocked_total",
				Help: "Level bonuses withheld for missing direct referrals.",
			},
			[]string{"tree", "level"},
		),
		settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopool_settlements_total",
				Help: "External settlement attempts by outcome.",
			},
			[]string{"outcome"},
		),
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopool_events_published_total",
				Help: "Domain events handed to the publisher.",
			},
			[]string{"kind", "outcome"},
		),
	}
}

// ObservePlacement records the outcome of one placement.
func (m *Metrics) ObservePlacement(tree, rule, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(tree, rule, outcome).Inc()
	m.placementDuration.WithLabelValues(tree).Observe(d.Seconds())
}

// PlacementRetried counts one retried placement attempt.
func (m *Metrics) PlacementRetried(tree string) {
	if m == nil {
		return
	}
	m.placementRetries.WithLabelValues(tree).Inc()
}

// LevelPaid counts a paid level bonus.
func (m *Metrics) LevelPaid(tree string, level int) {
	if m == nil {
		return
	}
	m.levelPayouts.WithLabelValues(tree, strconv.Itoa(level)).Inc()
}

// LevelBlocked counts a withheld level bonus.
func (m *Metrics) LevelBlocked(tree string, level int) {
	if m == nil {
		return
	}
	m.levelBlocked.WithLabelValues(tree, strconv.Itoa(level)).Inc()
}

// Settlement counts a settlement attempt.
func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

// EventPublished counts a publish attempt.
func (m *Metrics) EventPublished(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}
