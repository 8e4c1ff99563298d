package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeeRate is the fixed settlement fee: exactly 3% of the settled amount.
var FeeRate = decimal.New(3, -2)

// WindowSnapshot is one tumbling 10-minute reconciliation window as
// emitted in the heartbeat payload.
type WindowSnapshot struct {
	WindowStart         time.Time                  `json:"window_start"`
	WindowEnd           time.Time                  `json:"window_end"`
	Count               int                        `json:"count"`
	SuccessCount        int                        `json:"success_count"`
	GMV                 decimal.Decimal            `json:"gmv"`
	Fees                decimal.Decimal            `json:"fees"`
	DuplicatesPrevented int                        `json:"duplicates_prevented"`
	DuplicatesBlocked   int                        `json:"duplicates_blocked"`
	ProviderGMV         map[string]decimal.Decimal `json:"provider_gmv,omitempty"`
}

// TotalsSnapshot mirrors the window fields monotonically across the
// whole session.
type TotalsSnapshot struct {
	Count               int             `json:"count"`
	SuccessCount        int             `json:"success_count"`
	GMV                 decimal.Decimal `json:"gmv"`
	Fees                decimal.Decimal `json:"fees"`
	DuplicatesPrevented int             `json:"duplicates_prevented"`
	DuplicatesBlocked   int             `json:"duplicates_blocked"`
	ProvidersTouched    int             `json:"providers_touched"`
}

// Recon accumulates the current tumbling window plus cumulative totals
// and retains closed windows for the reconciliation endpoints. Not safe
// for concurrent use; the controller serializes access.
type Recon struct {
	windowStart time.Time
	count       int
	success     int
	gmv         decimal.Decimal
	fees        decimal.Decimal
	dupPrev     int
	dupBlocked  int
	providerGMV map[string]decimal.Decimal

	totals    TotalsSnapshot
	providers map[string]struct{}

	history   []WindowSnapshot
	lastReset time.Time
}

// NewRecon creates an empty accumulator with the window anchored at start.
func NewRecon(start time.Time) *Recon {
	return &Recon{
		windowStart: start,
		gmv:         decimal.Zero,
		fees:        decimal.Zero,
		providerGMV: make(map[string]decimal.Decimal),
		providers:   make(map[string]struct{}),
		lastReset:   start,
		totals:      TotalsSnapshot{GMV: decimal.Zero, Fees: decimal.Zero},
	}
}

// RecordResult feeds one downstream outcome. Successful settlements
// add GMV, the 3% fee, and the provider to the touched set; failures
// only count.
func (r *Recon) RecordResult(providerID string, amount decimal.Decimal, success bool) decimal.Decimal {
	r.count++
	r.totals.Count++

	if !success {
		return decimal.Zero
	}

	fee := amount.Mul(FeeRate)

	r.success++
	r.gmv = r.gmv.Add(amount)
	r.fees = r.fees.Add(fee)
	r.providerGMV[providerID] = r.providerGMV[providerID].Add(amount)

	r.totals.SuccessCount++
	r.totals.GMV = r.totals.GMV.Add(amount)
	r.totals.Fees = r.totals.Fees.Add(fee)
	if _, seen := r.providers[providerID]; !seen {
		r.providers[providerID] = struct{}{}
		r.totals.ProvidersTouched++
	}

	return fee
}

// RecordDuplicatePrevented counts an idempotency-key rejection.
func (r *Recon) RecordDuplicatePrevented() {
	r.dupPrev++
	r.totals.DuplicatesPrevented++
}

// RecordDuplicateBlocked counts an already-settled rejection.
func (r *Recon) RecordDuplicateBlocked() {
	r.dupBlocked++
	r.totals.DuplicatesBlocked++
}

// Snapshot returns the open window without closing it.
func (r *Recon) Snapshot(now time.Time) WindowSnapshot {
	providerGMV := make(map[string]decimal.Decimal, len(r.providerGMV))
	for id, gmv := range r.providerGMV {
		providerGMV[id] = gmv
	}
	return WindowSnapshot{
		WindowStart:         r.windowStart,
		WindowEnd:           now,
		Count:               r.count,
		SuccessCount:        r.success,
		GMV:                 r.gmv,
		Fees:                r.fees,
		DuplicatesPrevented: r.dupPrev,
		DuplicatesBlocked:   r.dupBlocked,
		ProviderGMV:         providerGMV,
	}
}

// Reset closes the window: the snapshot moves to history and a fresh
// window opens at now. Strictly tumbling, not sliding.
func (r *Recon) Reset(now time.Time) WindowSnapshot {
	closed := r.Snapshot(now)
	r.history = append(r.history, closed)

	r.windowStart = now
	r.count = 0
	r.success = 0
	r.gmv = decimal.Zero
	r.fees = decimal.Zero
	r.dupPrev = 0
	r.dupBlocked = 0
	r.providerGMV = make(map[string]decimal.Decimal)
	r.lastReset = now

	return closed
}

// Restart drops the open window and re-anchors it, keeping cumulative
// totals and history. Used when a new drain session starts.
func (r *Recon) Restart(now time.Time) {
	r.windowStart = now
	r.count = 0
	r.success = 0
	r.gmv = decimal.Zero
	r.fees = decimal.Zero
	r.dupPrev = 0
	r.dupBlocked = 0
	r.providerGMV = make(map[string]decimal.Decimal)
	r.lastReset = now
}

// LastReset returns when the window last tumbled.
func (r *Recon) LastReset() time.Time {
	return r.lastReset
}

// Cumulative returns the monotonic session totals.
func (r *Recon) Cumulative() TotalsSnapshot {
	return r.totals
}

// Latest returns the most recently closed window.
func (r *Recon) Latest() (WindowSnapshot, bool) {
	if len(r.history) == 0 {
		return WindowSnapshot{}, false
	}
	return r.history[len(r.history)-1], true
}

// History returns every closed window, oldest first.
func (r *Recon) History() []WindowSnapshot {
	out := make([]WindowSnapshot, len(r.history))
	copy(out, r.history)
	return out
}
