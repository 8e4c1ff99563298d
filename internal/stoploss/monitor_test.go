package stoploss_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/terminal-bench/settledrain/internal/stoploss"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEvaluate(t *testing.T) {
	t.Run("should pass on healthy metrics", func(t *testing.T) {
		m := stoploss.NewMonitor()

		verdict := m.Evaluate(stoploss.Metrics{P95Ms: 400, ErrorRate1m: 0.1}, t0)

		assert.False(t, verdict.Triggered)
	})

	t.Run("should trigger immediately on DLQ depth", func(t *testing.T) {
		m := stoploss.NewMonitor()

		verdict := m.Evaluate(stoploss.Metrics{DLQDepth: 1}, t0)

		assert.True(t, verdict.Triggered)
		assert.Equal(t, stoploss.GateDLQ, verdict.Gate)
	})

	t.Run("should trigger immediately on provider backlog depth", func(t *testing.T) {
		m := stoploss.NewMonitor()

		verdict := m.Evaluate(stoploss.Metrics{ProviderBacklogDepth: 31}, t0)

		assert.True(t, verdict.Triggered)
		assert.Equal(t, stoploss.GateProviderBacklog, verdict.Gate)
	})

	t.Run("should require p95 to sustain 60 seconds", func(t *testing.T) {
		m := stoploss.NewMonitor()

		assert.False(t, m.Evaluate(stoploss.Metrics{P95Ms: 1300}, t0).Triggered)
		assert.False(t, m.Evaluate(stoploss.Metrics{P95Ms: 1300}, t0.Add(30*time.Second)).Triggered)

		verdict := m.Evaluate(stoploss.Metrics{P95Ms: 1300}, t0.Add(60*time.Second))
		assert.True(t, verdict.Triggered)
		assert.Equal(t, stoploss.GateP95, verdict.Gate)
	})

	t.Run("should reset the p95 dwell on a healthy sample", func(t *testing.T) {
		m := stoploss.NewMonitor()

		m.Evaluate(stoploss.Metrics{P95Ms: 1300}, t0)
		m.Evaluate(stoploss.Metrics{P95Ms: 900}, t0.Add(30*time.Second))
		m.Evaluate(stoploss.Metrics{P95Ms: 1300}, t0.Add(40*time.Second))

		verdict := m.Evaluate(stoploss.Metrics{P95Ms: 1300}, t0.Add(70*time.Second))
		assert.False(t, verdict.Triggered)
	})

	t.Run("should require the error rate to sustain 60 seconds", func(t *testing.T) {
		m := stoploss.NewMonitor()

		assert.False(t, m.Evaluate(stoploss.Metrics{ErrorRate1m: 0.8}, t0).Triggered)

		verdict := m.Evaluate(stoploss.Metrics{ErrorRate1m: 0.8}, t0.Add(time.Minute))
		assert.True(t, verdict.Triggered)
		assert.Equal(t, stoploss.GateErrorRate, verdict.Gate)
	})

	t.Run("should report the first gate when several are violated", func(t *testing.T) {
		m := stoploss.NewMonitor()
		metrics := stoploss.Metrics{DLQDepth: 2, ProviderBacklogDepth: 40, P95Ms: 2000, ErrorRate1m: 3}

		m.Evaluate(metrics, t0)
		verdict := m.Evaluate(metrics, t0.Add(2*time.Minute))

		assert.True(t, verdict.Triggered)
		assert.Equal(t, stoploss.GateDLQ, verdict.Gate)
	})

	t.Run("should keep dwell clocks running behind a higher gate", func(t *testing.T) {
		m := stoploss.NewMonitor()

		m.Evaluate(stoploss.Metrics{DLQDepth: 1, P95Ms: 1300}, t0)
		verdict := m.Evaluate(stoploss.Metrics{P95Ms: 1300}, t0.Add(90*time.Second))

		assert.True(t, verdict.Triggered)
		assert.Equal(t, stoploss.GateP95, verdict.Gate)
	})
}

func TestSuccessRateGate(t *testing.T) {
	t.Run("should stay silent below 50 recorded results", func(t *testing.T) {
		m := stoploss.NewMonitor()
		for i := 0; i < 49; i++ {
			m.RecordResult(false)
		}

		assert.False(t, m.Evaluate(stoploss.Metrics{}, t0).Triggered)
	})

	t.Run("should trigger below 99.5% over the trailing 50", func(t *testing.T) {
		m := stoploss.NewMonitor()
		for i := 0; i < 49; i++ {
			m.RecordResult(true)
		}
		m.RecordResult(false) // 49/50 = 98%

		verdict := m.Evaluate(stoploss.Metrics{}, t0)

		assert.True(t, verdict.Triggered)
		assert.Equal(t, stoploss.GateSuccessRate, verdict.Gate)
	})

	t.Run("should pass at a perfect trailing window", func(t *testing.T) {
		m := stoploss.NewMonitor()
		for i := 0; i < 60; i++ {
			m.RecordResult(true)
		}

		assert.False(t, m.Evaluate(stoploss.Metrics{}, t0).Triggered)
		assert.Equal(t, 50, m.ResultCount())
	})

	t.Run("should evict old failures as the ring advances", func(t *testing.T) {
		m := stoploss.NewMonitor()
		m.RecordResult(false)
		for i := 0; i < 50; i++ {
			m.RecordResult(true)
		}

		assert.Equal(t, 100.0, m.SuccessRatePct())
	})
}
