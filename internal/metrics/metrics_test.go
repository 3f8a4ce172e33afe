package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRecord(t *testing.T) {
	m := New()
	m.ObservePlacement("hybrid", "sequential", "ok", 20*time.Millisecond)
	m.ObservePlacement("hybrid", "sequential", "ok", 10*time.Millisecond)
	m.LevelPaid("hybrid", 3)
	m.LevelBlocked("hybrid", 5)
	m.Settlement("failed")
	m.EventPublished("placement.completed", errors.New("down"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.placements.WithLabelValues("hybrid", "sequential", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.levelPayouts.WithLabelValues("hybrid", "3")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.levelBlocked.WithLabelValues("hybrid", "5")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("placement.completed", "error")))

	// a second instance must not collide with the first
	require.NotPanics(t, func() { New() })
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObservePlacement("x", "root", "ok", time.Second)
		m.LevelPaid("x", 1)
		m.Settlement("ok")
	})
}
