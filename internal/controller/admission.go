package controller

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/settledrain/internal/guard"
	"github.com/terminal-bench/settledrain/internal/ledger"
	"github.com/terminal-bench/settledrain/internal/spend"
	"github.com/terminal-bench/settledrain/pkg/messaging"
)

// Admission rejection reasons owned by the controller itself; the
// guard, limiter, and spend packages contribute the rest.
const (
	ReasonNotRunning  = "drain_not_running"
	ReasonRateLimited = "rate_limited"
)

// ValidationResult is the outcome of one admission attempt.
type ValidationResult struct {
	Accepted   bool    `json:"accepted"`
	Reason     string  `json:"reason,omitempty"`
	Throttled  bool    `json:"throttled"`
	Held       bool    `json:"held"`
	PageRaised bool    `json:"page_raised"`
	Receipt    Receipt `json:"receipt"`
}

// ValidateItem runs the full admission pipeline for one backlog item:
// mode gate, idempotency and settlement guard, spend caps, per-provider
// limiter, global rate limiter. Every rejection carries a structured
// reason and is sealed into the evidence chain.
func (c *Controller) ValidateItem(ctx context.Context, item guard.Item) ValidationResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if !c.governor.Mode().Running() {
		return c.reject(ctx, item, ReasonNotRunning, ValidationResult{})
	}

	decision := c.guard.Admit(item, now)
	if !decision.Accepted {
		switch decision.Reason {
		case guard.ReasonDuplicateKey:
			c.recon.RecordDuplicatePrevented()
		case guard.ReasonAlreadySettled:
			c.recon.RecordDuplicateBlocked()
		}
		return c.reject(ctx, item, decision.Reason, ValidationResult{})
	}

	result := ValidationResult{}
	verdict := c.spend.Check(item.ProviderID, item.Amount, now)

	if verdict.Throttled {
		result.Throttled = true
		if c.governor.ForceReduced() {
			c.emit(ctx, messaging.SubjectSpendThrottled, map[string]string{
				"window_gmv": verdict.WindowGMV.String(),
				"amount":     item.Amount.String(),
				"rate":       formatRate(c.governor.Rate()),
			}, messaging.SpendEvent{
				Amount:    item.Amount.String(),
				WindowGMV: verdict.WindowGMV.String(),
				Action:    spend.ActionThrottle.String(),
				Reason:    spend.ReasonGlobalCapPressure,
			})
			c.logger.Warn().Str("window_gmv", verdict.WindowGMV.String()).Msg("global cap pressure, governor throttled")
		}
	}

	if verdict.Action == spend.ActionHold {
		c.providers.Hold(item.ProviderID, verdict.Reason, now)
		c.emit(ctx, messaging.SubjectSpendHold, map[string]string{
			"provider_id": item.ProviderID,
			"amount":      item.Amount.String(),
			"reason":      verdict.Reason,
		}, messaging.SpendEvent{
			ProviderID: item.ProviderID,
			Amount:     item.Amount.String(),
			WindowGMV:  verdict.WindowGMV.String(),
			Action:     spend.ActionHold.String(),
			Reason:     verdict.Reason,
		})
		c.page(ctx, "critical", "spend-guard", "provider "+item.ProviderID+" held: "+verdict.Reason)
		result.Held = true
		result.PageRaised = true
		return c.reject(ctx, item, verdict.Reason, result)
	}

	if ok, reason := c.providers.Allow(item.ProviderID, now); !ok {
		return c.reject(ctx, item, reason, result)
	}

	if !c.governor.AllowGlobal(now) {
		return c.reject(ctx, item, ReasonRateLimited, result)
	}

	result.Accepted = true
	result.Receipt = c.emit(ctx, messaging.SubjectItemAdmitted, map[string]string{
		"charge_id":   item.ChargeID,
		"provider_id": item.ProviderID,
		"amount":      item.Amount.String(),
	}, messaging.ItemEvent{
		ChargeID:       item.ChargeID,
		ProviderID:     item.ProviderID,
		Amount:         item.Amount.String(),
		IdempotencyKey: item.IdempotencyKey,
		Decision:       "accepted",
	})
	return result
}

// reject seals a rejection into the chain. Must be called with the
// mutex held.
func (c *Controller) reject(ctx context.Context, item guard.Item, reason string, result ValidationResult) ValidationResult {
	result.Accepted = false
	result.Reason = reason
	result.Receipt = c.emit(ctx, messaging.SubjectItemRejected, map[string]string{
		"charge_id":   item.ChargeID,
		"provider_id": item.ProviderID,
		"reason":      reason,
	}, messaging.ItemEvent{
		ChargeID:       item.ChargeID,
		ProviderID:     item.ProviderID,
		Amount:         item.Amount.String(),
		IdempotencyKey: item.IdempotencyKey,
		Decision:       "rejected",
		Reason:         reason,
	})
	c.logger.Debug().Str("charge_id", item.ChargeID).Str("reason", reason).Msg("item rejected")
	return result
}

// ResultInput is one downstream settlement outcome.
type ResultInput struct {
	ChargeID       string          `json:"charge_id"`
	ProviderID     string          `json:"provider_id"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Amount         decimal.Decimal `json:"amount"`
	Success        bool            `json:"success"`
}

// ResultOutcome reports what the controller did with a result.
type ResultOutcome struct {
	Fee          decimal.Decimal `json:"fee"`
	LedgerTxID   string          `json:"ledger_tx_id,omitempty"`
	LedgerSealed bool            `json:"ledger_sealed,omitempty"`
	Receipt      Receipt         `json:"receipt"`
}

// RecordResult feeds a downstream outcome back under the lock: the
// settled set, reconciliation window, spend windows, and stop-loss ring
// all update here. A successful settlement also appends a ledger row;
// after sealing the append is skipped and surfaced, never silently lost.
func (c *Controller) RecordResult(ctx context.Context, in ResultInput) ResultOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	outcome := ResultOutcome{Fee: decimal.Zero}

	fee := c.recon.RecordResult(in.ProviderID, in.Amount, in.Success)
	c.stoploss.RecordResult(in.Success)

	if in.Success {
		outcome.Fee = fee
		c.guard.MarkSettled(in.TransactionID, now)
		c.spend.RecordSettlement(in.ProviderID, in.Amount, now)

		entry := ledger.Entry{
			LedgerTxID:     uuid.NewString(),
			ChargeID:       in.ChargeID,
			ProviderID:     in.ProviderID,
			Amount:         in.Amount,
			Fee:            fee,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now.UTC(),
		}
		if err := c.ledger.AddEntry(ctx, entry); err != nil {
			if errors.Is(err, ledger.ErrLedgerSealed) {
				outcome.LedgerSealed = true
				c.logger.Warn().Str("charge_id", in.ChargeID).Msg("result recorded after ledger seal, row skipped")
			}
		} else {
			outcome.LedgerTxID = entry.LedgerTxID
			c.publishEvent(ctx, messaging.SubjectLedgerEntryAdded, messaging.LedgerEntryEvent{
				LedgerTxID:     entry.LedgerTxID,
				ChargeID:       entry.ChargeID,
				ProviderID:     entry.ProviderID,
				Amount:         entry.Amount.String(),
				Fee:            entry.Fee.String(),
				IdempotencyKey: entry.IdempotencyKey,
			})
		}
	}

	outcome.Receipt = c.emit(ctx, messaging.SubjectResultRecorded, map[string]string{
		"charge_id":   in.ChargeID,
		"provider_id": in.ProviderID,
		"amount":      in.Amount.String(),
		"fee":         outcome.Fee.String(),
		"success":     strconv.FormatBool(in.Success),
	}, messaging.ResultEvent{
		ChargeID:   in.ChargeID,
		ProviderID: in.ProviderID,
		Amount:     in.Amount.String(),
		Fee:        outcome.Fee.String(),
		Success:    in.Success,
		LedgerTxID: outcome.LedgerTxID,
	})
	return outcome
}

// publishEvent sends a message without touching the evidence chain.
// Must be called with the mutex held.
func (c *Controller) publishEvent(ctx context.Context, subject string, data interface{}) {
	event, err := messaging.NewEvent(subject, c.chain.Head(), data)
	if err != nil {
		return
	}
	if err := c.publisher.Publish(ctx, subject, event); err != nil {
		c.logger.Debug().Err(err).Str("subject", subject).Msg("event publish failed")
	}
}

func formatRate(rate float64) string {
	return strconv.FormatFloat(rate, 'f', -1, 64)
}

func formatInt(n int) string {
	return strconv.Itoa(n)
}
