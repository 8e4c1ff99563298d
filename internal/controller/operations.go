package controller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/settledrain/internal/evidence"
	"github.com/terminal-bench/settledrain/internal/governor"
	"github.com/terminal-bench/settledrain/internal/ledger"
	"github.com/terminal-bench/settledrain/internal/report"
	"github.com/terminal-bench/settledrain/internal/spend"
	"github.com/terminal-bench/settledrain/pkg/messaging"
)

// CheckBurst attempts a burst upshift against the live p95 and reserves
// signals. A mode change is sealed into the chain.
func (c *Controller) CheckBurst(ctx context.Context, p95Ms, reservesPct float64) (governor.BurstDecision, Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.governor.Mode()
	decision := c.governor.CheckBurst(p95Ms, reservesPct, c.now())
	to := c.governor.Mode()

	if from == to {
		return decision, c.headReceipt()
	}

	reason := "burst_granted"
	if !decision.Granted {
		reason = "burst_reverted_" + decision.Reason
	}
	receipt := c.emit(ctx, messaging.SubjectRateChanged, map[string]string{
		"from_mode": from.String(),
		"to_mode":   to.String(),
		"rate":      formatRate(c.governor.Rate()),
		"reason":    reason,
	}, messaging.RateChangeEvent{
		FromMode: from.String(),
		ToMode:   to.String(),
		Rate:     c.governor.Rate(),
		Reason:   reason,
	})
	return decision, receipt
}

// CheckRateGuard feeds one reserves sample into the dwell clocks. A
// forced downshift or restore is sealed into the chain.
func (c *Controller) CheckRateGuard(ctx context.Context, reservesPct float64) (governor.GuardAction, Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastReserves = reservesPct
	from := c.governor.Mode()
	action := c.governor.ApplyRateGuard(reservesPct, c.now())

	if action.Action == "none" {
		return action, c.headReceipt()
	}

	receipt := c.emit(ctx, messaging.SubjectRateChanged, map[string]string{
		"from_mode": from.String(),
		"to_mode":   c.governor.Mode().String(),
		"rate":      formatRate(c.governor.Rate()),
		"reason":    "rate_guard_" + action.Action,
	}, messaging.RateChangeEvent{
		FromMode: from.String(),
		ToMode:   c.governor.Mode().String(),
		Rate:     c.governor.Rate(),
		Reason:   "rate_guard_" + action.Action,
	})
	return action, receipt
}

// TokenBucket reports the burst bucket.
func (c *Controller) TokenBucket() governor.BucketStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.governor.Bucket(c.now())
}

// ProviderCheck reserves one admission slot in the provider's 1-second
// window.
func (c *Controller) ProviderCheck(providerID string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providers.Allow(providerID, c.now())
}

// HoldProvider places a manual hold and raises a page.
func (c *Controller) HoldProvider(ctx context.Context, providerID, reason string) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.providers.Hold(providerID, reason, now) {
		return Receipt{}, ErrAlreadyHeld
	}

	receipt := c.emit(ctx, messaging.SubjectProviderHeld, map[string]string{
		"provider_id": providerID,
		"reason":      reason,
	}, messaging.ProviderHoldEvent{
		ProviderID: providerID,
		Reason:     reason,
		HeldSince:  now.UTC(),
	})
	c.page(ctx, "warning", "controller", "provider "+providerID+" held: "+reason)
	return receipt, nil
}

// ReleaseProvider clears a hold.
func (c *Controller) ReleaseProvider(ctx context.Context, providerID string) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.providers.Release(providerID) {
		return Receipt{}, ErrNotHeld
	}

	receipt := c.emit(ctx, messaging.SubjectProviderReleased, map[string]string{
		"provider_id": providerID,
	}, messaging.ProviderHoldEvent{
		ProviderID: providerID,
		Released:   true,
	})
	c.logger.Info().Str("provider_id", providerID).Msg("provider released")
	return receipt, nil
}

// HeldProviders lists current holds.
func (c *Controller) HeldProviders() []governor.Hold {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providers.Held()
}

// SpendCheck evaluates the caps for a prospective settlement without
// recording anything.
func (c *Controller) SpendCheck(providerID string, amount decimal.Decimal) spend.Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spend.Check(providerID, amount, c.now())
}

// SpendStatus reports cap utilization.
func (c *Controller) SpendStatus() spend.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spend.Status(c.now())
}

// TopShares reports provider concentration, largest first.
func (c *Controller) TopShares() []spend.Share {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spend.TopShares(c.now())
}

// LedgerEntryInput is a manually appended ledger row.
type LedgerEntryInput struct {
	ChargeID       string          `json:"charge_id"`
	ProviderID     string          `json:"provider_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// AddLedgerEntry appends a row with the fee derived from the amount.
func (c *Controller) AddLedgerEntry(ctx context.Context, in LedgerEntryInput) (ledger.Entry, Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := ledger.Entry{
		LedgerTxID:     uuid.NewString(),
		ChargeID:       in.ChargeID,
		ProviderID:     in.ProviderID,
		Amount:         in.Amount,
		Fee:            in.Amount.Mul(ledger.FeeRate),
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      c.now().UTC(),
	}
	if err := c.ledger.AddEntry(ctx, entry); err != nil {
		return ledger.Entry{}, Receipt{}, err
	}

	receipt := c.emit(ctx, messaging.SubjectLedgerEntryAdded, map[string]string{
		"ledger_tx_id": entry.LedgerTxID,
		"charge_id":    entry.ChargeID,
		"provider_id":  entry.ProviderID,
		"amount":       entry.Amount.String(),
		"fee":          entry.Fee.String(),
	}, messaging.LedgerEntryEvent{
		LedgerTxID:     entry.LedgerTxID,
		ChargeID:       entry.ChargeID,
		ProviderID:     entry.ProviderID,
		Amount:         entry.Amount.String(),
		Fee:            entry.Fee.String(),
		IdempotencyKey: entry.IdempotencyKey,
	})
	return entry, receipt, nil
}

// SealLedger freezes the ledger permanently.
func (c *Controller) SealLedger(ctx context.Context) (string, Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sealHash, err := c.ledger.Seal(ctx, c.now())
	if err != nil {
		return "", Receipt{}, err
	}

	receipt := c.emit(ctx, messaging.SubjectLedgerSealed, map[string]string{
		"seal_hash":   sealHash,
		"entry_count": formatInt(c.ledger.Len()),
	}, map[string]string{
		"seal_hash":   sealHash,
		"entry_count": formatInt(c.ledger.Len()),
	})
	c.logger.Info().Str("seal_hash", sealHash).Msg("ledger sealed")
	return sealHash, receipt, nil
}

// LedgerEntries returns every ledger row.
func (c *Controller) LedgerEntries() []ledger.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Entries()
}

// ExportLedger builds the audit export document.
func (c *Controller) ExportLedger() ledger.ExportDocument {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Export(c.now())
}

// LatestWindow returns the most recently closed reconciliation window.
func (c *Controller) LatestWindow() (ledger.WindowSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recon.Latest()
}

// WindowHistory returns every closed reconciliation window.
func (c *Controller) WindowHistory() []ledger.WindowSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recon.History()
}

// Forecast projects the live backlog against the quiet-period deadline.
func (c *Controller) Forecast() ledger.Forecast {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	quietStart := now.Add(24 * time.Hour)
	if c.schedule != nil {
		window, _ := c.schedule.Window(now)
		quietStart = window.Start
	}
	return ledger.ComputeForecast(c.backlogDepth(), c.governor.Rate(), c.backlogFloor, now, quietStart)
}

// EvidenceRecords returns the full chain from genesis.
func (c *Controller) EvidenceRecords() []evidence.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chain.Records()
}

// VerifyEvidence replays the chain and reports whether every hash
// reproduces.
func (c *Controller) VerifyEvidence() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chain.Verify()
}

// CheckpointSnapshot captures the state a scheduled checkpoint reports.
func (c *Controller) CheckpointSnapshot() report.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return report.Snapshot{
		Mode:         c.governor.Mode().String(),
		RatePerSec:   c.governor.Rate(),
		BacklogDepth: c.backlogDepth(),
		ReservesPct:  c.lastReserves,
		Cumulative:   c.recon.Cumulative(),
		EvidenceHead: c.chain.Head(),
		LedgerSealed: c.ledger.Sealed(),
	}
}

// RecordCheckpoint seals a checkpoint report into the evidence chain
// and publishes it.
func (c *Controller) RecordCheckpoint(ctx context.Context, r report.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.emit(ctx, messaging.SubjectCheckpointEmitted, map[string]string{
		"checkpoint_id":  r.CheckpointID,
		"mode":           r.Mode,
		"backlog_depth":  formatInt(r.BacklogDepth),
		"cumulative_gmv": r.Cumulative.GMV.String(),
	}, messaging.CheckpointEvent{
		CheckpointID:  r.CheckpointID,
		Mode:          r.Mode,
		BacklogDepth:  r.BacklogDepth,
		CumulativeGMV: r.Cumulative.GMV.String(),
		EvidenceHead:  r.EvidenceHead,
		LedgerSealed:  r.LedgerSealed,
	})
}
