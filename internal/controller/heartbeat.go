package controller

import (
	"context"
	"strconv"
	"time"

	"github.com/terminal-bench/settledrain/internal/governor"
	"github.com/terminal-bench/settledrain/internal/ledger"
	"github.com/terminal-bench/settledrain/internal/stoploss"
	"github.com/terminal-bench/settledrain/pkg/messaging"
)

// HeartbeatResult is the heartbeat payload, or a quiet-period /
// stop-loss short-circuit payload.
type HeartbeatResult struct {
	ShortCircuit string                 `json:"short_circuit,omitempty"` // "quiet_period" or "stop_loss"
	Mode         string                 `json:"mode"`
	RatePerSec   float64                `json:"rate_per_sec"`
	StopLoss     *stoploss.Verdict      `json:"stop_loss,omitempty"`
	RateGuard    *governor.GuardAction  `json:"rate_guard,omitempty"`
	Window       *ledger.WindowSnapshot `json:"window,omitempty"`
	WindowReset  bool                   `json:"window_reset"`
	Cumulative   ledger.TotalsSnapshot  `json:"cumulative"`
	PageRaised   bool                   `json:"page_raised"`
	Receipt      Receipt                `json:"receipt"`
}

// Heartbeat runs one tick: quiet-period check, stop-loss evaluation,
// rate-guard adjustment, window snapshot and reset, evidence, emission.
// Any step may short-circuit the rest. The window reset is gated on
// wall-clock time since the last reset so over-frequent polling cannot
// tumble the window early.
func (c *Controller) Heartbeat(ctx context.Context, metrics stoploss.Metrics) HeartbeatResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lastReserves = metrics.ReservesPct

	if c.schedule != nil && c.schedule.QuietActive(now) {
		result := HeartbeatResult{
			ShortCircuit: "quiet_period",
			Cumulative:   c.recon.Cumulative(),
		}
		if c.governor.EnterQuiet() {
			window, _ := c.schedule.Window(now)
			payload := map[string]string{
				"window_start": window.Start.UTC().Format(time.RFC3339),
				"window_end":   window.End.UTC().Format(time.RFC3339),
			}
			result.Receipt = c.emit(ctx, messaging.SubjectQuietEntered, payload, payload)
			c.logger.Info().Time("until", window.End).Msg("quiet period entered")
		} else {
			// Re-entry while already quiet emits no duplicate event.
			result.Receipt = c.headReceipt()
		}
		result.Mode = c.governor.Mode().String()
		result.RatePerSec = c.governor.Rate()
		return result
	}

	verdict := c.stoploss.Evaluate(metrics, now)
	if verdict.Triggered {
		c.governor.Pause()

		receipt := c.emit(ctx, messaging.SubjectStopLossTriggered, map[string]string{
			"gate":                   verdict.Gate,
			"reason":                 verdict.Reason,
			"dlq_depth":              strconv.Itoa(metrics.DLQDepth),
			"provider_backlog_depth": strconv.Itoa(metrics.ProviderBacklogDepth),
			"p95_ms":                 strconv.FormatFloat(metrics.P95Ms, 'f', -1, 64),
			"error_rate_1m":          strconv.FormatFloat(metrics.ErrorRate1m, 'f', -1, 64),
			"breaker_state":          metrics.BreakerState,
		}, messaging.StopLossEvent{
			Gate:   verdict.Gate,
			Reason: verdict.Reason,
		})
		c.page(ctx, "critical", "stop-loss", verdict.Gate+": "+verdict.Reason)
		c.logger.Error().Str("gate", verdict.Gate).Msg("stop-loss triggered, drain paused")

		return HeartbeatResult{
			ShortCircuit: "stop_loss",
			Mode:         c.governor.Mode().String(),
			RatePerSec:   0,
			StopLoss:     &verdict,
			Cumulative:   c.recon.Cumulative(),
			PageRaised:   true,
			Receipt:      receipt,
		}
	}

	rateGuard := c.governor.ApplyRateGuard(metrics.ReservesPct, now)
	if rateGuard.Action != "none" {
		c.publishEvent(ctx, messaging.SubjectRateChanged, messaging.RateChangeEvent{
			ToMode: c.governor.Mode().String(),
			Rate:   c.governor.Rate(),
			Reason: "rate_guard_" + rateGuard.Action,
		})
		c.logger.Warn().Str("action", rateGuard.Action).Float64("reserves", metrics.ReservesPct).Msg("rate guard adjusted mode")
	}

	reset := now.Sub(c.recon.LastReset()) >= c.heartbeatMin
	var window ledger.WindowSnapshot
	if reset {
		window = c.recon.Reset(now)
	} else {
		window = c.recon.Snapshot(now)
	}

	result := HeartbeatResult{
		Mode:        c.governor.Mode().String(),
		RatePerSec:  c.governor.Rate(),
		RateGuard:   &rateGuard,
		Window:      &window,
		WindowReset: reset,
		Cumulative:  c.recon.Cumulative(),
	}

	result.Receipt = c.emit(ctx, "drain.heartbeat", map[string]string{
		"mode":           result.Mode,
		"rate":           formatRate(result.RatePerSec),
		"window_count":   strconv.Itoa(window.Count),
		"window_gmv":     window.GMV.String(),
		"window_fees":    window.Fees.String(),
		"window_reset":   strconv.FormatBool(reset),
		"cumulative_gmv": result.Cumulative.GMV.String(),
	}, result)

	if reset {
		providerGMV := make(map[string]string, len(window.ProviderGMV))
		for id, gmv := range window.ProviderGMV {
			providerGMV[id] = gmv.String()
		}
		c.publishEvent(ctx, messaging.SubjectWindowClosed, messaging.WindowEvent{
			WindowStart:       window.WindowStart,
			WindowEnd:         window.WindowEnd,
			Count:             window.Count,
			SuccessCount:      window.SuccessCount,
			GMV:               window.GMV.String(),
			Fees:              window.Fees.String(),
			DuplicatesBlocked: window.DuplicatesBlocked,
			ProviderGMV:       providerGMV,
		})
	}

	return result
}
