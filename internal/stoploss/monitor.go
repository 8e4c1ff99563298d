package stoploss

import "time"

// Gate identifiers in fixed priority order. When several gates are
// violated on the same tick, the first match wins.
const (
	GateDLQ             = "dlq_depth"
	GateProviderBacklog = "provider_backlog_depth"
	GateP95             = "p95_latency"
	GateErrorRate       = "error_rate_1m"
	GateSuccessRate     = "downstream_success_rate"
)

const (
	maxProviderBacklog = 30
	p95TriggerMs       = 1250.0
	p95Dwell           = 60 * time.Second
	errorRateTrigger   = 0.5 // percent over the trailing minute
	errorRateDwell     = 60 * time.Second
	successWindow      = 50
	successFloorPct    = 99.5
)

// Metrics is the caller-supplied health snapshot evaluated each tick.
type Metrics struct {
	DLQDepth             int     `json:"dlq_depth"`
	ProviderBacklogDepth int     `json:"provider_backlog_depth"`
	P95Ms                float64 `json:"p95_ms"`
	ErrorRate1m          float64 `json:"error_rate_1m"`
	BreakerState         string  `json:"breaker_state"`
	ReservesPct          float64 `json:"autoscaling_reserves_pct"`
	BudgetPct            float64 `json:"budget_pct"`
	ComputeRatio         float64 `json:"compute_ratio"`
}

// Verdict is the result of one evaluation.
type Verdict struct {
	Triggered bool   `json:"triggered"`
	Gate      string `json:"gate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Monitor evaluates the health gates. Dwell gates track when a metric
// first crossed its threshold; an in-band snapshot resets the clock, so
// a single healthy sample restarts the 60s requirement. Not safe for
// concurrent use; the controller serializes access.
type Monitor struct {
	p95Since   time.Time
	errSince   time.Time
	results    [successWindow]bool
	resultHead int
	resultLen  int
}

// NewMonitor creates a monitor with no history.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// RecordResult feeds one downstream outcome into the trailing-50 ring.
func (m *Monitor) RecordResult(success bool) {
	m.results[m.resultHead] = success
	m.resultHead = (m.resultHead + 1) % successWindow
	if m.resultLen < successWindow {
		m.resultLen++
	}
}

// ResultCount returns how many downstream outcomes are retained.
func (m *Monitor) ResultCount() int {
	return m.resultLen
}

// SuccessRatePct returns the success rate over the retained outcomes.
func (m *Monitor) SuccessRatePct() float64 {
	if m.resultLen == 0 {
		return 100
	}
	successes := 0
	for i := 0; i < m.resultLen; i++ {
		if m.results[i] {
			successes++
		}
	}
	return float64(successes) / float64(m.resultLen) * 100
}

// Evaluate checks the gates in priority order against one snapshot.
func (m *Monitor) Evaluate(metrics Metrics, now time.Time) Verdict {
	// Dwell clocks advance regardless of which gate fires first, so a
	// sustained breach is not forgotten while a higher gate is active.
	if metrics.P95Ms >= p95TriggerMs {
		if m.p95Since.IsZero() {
			m.p95Since = now
		}
	} else {
		m.p95Since = time.Time{}
	}

	if metrics.ErrorRate1m >= errorRateTrigger {
		if m.errSince.IsZero() {
			m.errSince = now
		}
	} else {
		m.errSince = time.Time{}
	}

	if metrics.DLQDepth > 0 {
		return Verdict{Triggered: true, Gate: GateDLQ, Reason: "DLQ>0"}
	}

	if metrics.ProviderBacklogDepth > maxProviderBacklog {
		return Verdict{Triggered: true, Gate: GateProviderBacklog, Reason: "provider_backlog>30"}
	}

	if !m.p95Since.IsZero() && now.Sub(m.p95Since) >= p95Dwell {
		return Verdict{Triggered: true, Gate: GateP95, Reason: "p95>=1250ms sustained 60s"}
	}

	if !m.errSince.IsZero() && now.Sub(m.errSince) >= errorRateDwell {
		return Verdict{Triggered: true, Gate: GateErrorRate, Reason: "error_rate>=0.5% sustained 60s"}
	}

	if m.resultLen >= successWindow && m.SuccessRatePct() < successFloorPct {
		return Verdict{Triggered: true, Gate: GateSuccessRate, Reason: "success<99.5% over last 50"}
	}

	return Verdict{}
}
