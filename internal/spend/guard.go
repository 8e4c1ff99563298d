package spend

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the spend-guard verdict for one item.
type Action int

const (
	ActionAllow Action = iota
	ActionThrottle
	ActionHold
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionThrottle:
		return "throttle"
	case ActionHold:
		return "hold"
	default:
		return "unknown"
	}
}

// Cap reasons. Hold reasons require a page and a manual release.
const (
	ReasonGlobalCapPressure = "global_cap_pressure"
	ReasonHourlyCap         = "provider_hourly_cap"
	ReasonConcentration     = "provider_concentration"
)

const (
	globalWindow = 10 * time.Minute
	hourlyWindow = time.Hour
)

type settlement struct {
	at       time.Time
	provider string
	amount   decimal.Decimal
}

// Config holds the spend caps.
type Config struct {
	GlobalCap          decimal.Decimal // 10-minute rolling GMV cap
	ProviderHourlyCap  decimal.Decimal // trailing-hour per-provider GMV cap
	ConcentrationPct   decimal.Decimal // max provider share of the 10-minute window
	ConcentrationFloor decimal.Decimal // window GMV below which concentration is not enforced
}

// Verdict is the outcome of a cap check. The throttle flag is carried
// even when a hold dominates the action, so the caller still slows the
// governor down.
type Verdict struct {
	Action          Action          `json:"-"`
	Reason          string          `json:"reason,omitempty"`
	Throttled       bool            `json:"throttled"`
	WindowGMV       decimal.Decimal `json:"window_gmv"`
	ProviderHourGMV decimal.Decimal `json:"provider_hour_gmv"`
	SharePct        decimal.Decimal `json:"share_pct"`
}

// Guard enforces the global 10-minute GMV cap, the per-provider hourly
// cap, and the per-provider concentration cap. Windows are fed from
// settled results, so a checked-but-unsettled item never consumes cap.
// Not safe for concurrent use; the controller serializes access.
type Guard struct {
	cfg    Config
	global []settlement
	hourly map[string][]settlement
}

// New creates a guard with the given caps.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg, hourly: make(map[string][]settlement)}
}

// Check evaluates one prospective settlement against every cap. The
// global pre-throttle fires first as a side-effect flag; the hourly cap
// is checked before concentration, and a hold dominates the verdict.
func (g *Guard) Check(providerID string, amount decimal.Decimal, now time.Time) Verdict {
	g.prune(now)

	verdict := Verdict{
		WindowGMV:       g.windowGMV(),
		ProviderHourGMV: sum(g.hourly[providerID]),
	}

	// Global cap: 80% pressure throttles the governor but never
	// rejects the item itself.
	threshold := g.cfg.GlobalCap.Mul(decimal.New(8, -1))
	if verdict.WindowGMV.Add(amount).GreaterThan(threshold) {
		verdict.Throttled = true
		verdict.Action = ActionThrottle
		verdict.Reason = ReasonGlobalCapPressure
	}

	if verdict.ProviderHourGMV.Add(amount).GreaterThan(g.cfg.ProviderHourlyCap) {
		verdict.Action = ActionHold
		verdict.Reason = ReasonHourlyCap
		return verdict
	}

	// Concentration is only meaningful once the window carries real
	// volume; otherwise the first item would always own 100%. The
	// floor is keyed on the window GMV before this item: an item that
	// would itself push the window past the floor is not checked, and
	// its share counts from the next check on.
	if verdict.WindowGMV.GreaterThanOrEqual(g.cfg.ConcentrationFloor) {
		providerWindow := g.providerWindowGMV(providerID)
		total := verdict.WindowGMV.Add(amount)
		if total.IsPositive() {
			verdict.SharePct = providerWindow.Add(amount).Div(total).Mul(decimal.NewFromInt(100))
			if verdict.SharePct.GreaterThan(g.cfg.ConcentrationPct) {
				verdict.Action = ActionHold
				verdict.Reason = ReasonConcentration
				return verdict
			}
		}
	}

	return verdict
}

// RecordSettlement feeds a settled amount into the rolling windows.
func (g *Guard) RecordSettlement(providerID string, amount decimal.Decimal, now time.Time) {
	entry := settlement{at: now, provider: providerID, amount: amount}
	g.global = append(g.global, entry)
	g.hourly[providerID] = append(g.hourly[providerID], entry)
}

func (g *Guard) providerWindowGMV(providerID string) decimal.Decimal {
	total := decimal.Zero
	for _, s := range g.global {
		if s.provider == providerID {
			total = total.Add(s.amount)
		}
	}
	return total
}

// Status reports the rolling windows for the API.
type Status struct {
	WindowGMV         decimal.Decimal            `json:"window_gmv"`
	GlobalCap         decimal.Decimal            `json:"global_cap"`
	ThrottleThreshold decimal.Decimal            `json:"throttle_threshold"`
	ProviderHourGMV   map[string]decimal.Decimal `json:"provider_hour_gmv"`
}

// Status returns the current cap utilization.
func (g *Guard) Status(now time.Time) Status {
	g.prune(now)

	perProvider := make(map[string]decimal.Decimal, len(g.hourly))
	for id, entries := range g.hourly {
		if total := sum(entries); total.IsPositive() {
			perProvider[id] = total
		}
	}

	return Status{
		WindowGMV:         g.windowGMV(),
		GlobalCap:         g.cfg.GlobalCap,
		ThrottleThreshold: g.cfg.GlobalCap.Mul(decimal.New(8, -1)),
		ProviderHourGMV:   perProvider,
	}
}

// Share is one provider's slice of the rolling 10-minute window.
type Share struct {
	ProviderID string          `json:"provider_id"`
	GMV        decimal.Decimal `json:"gmv"`
	SharePct   decimal.Decimal `json:"share_pct"`
}

// TopShares returns provider shares of the 10-minute window, largest
// first.
func (g *Guard) TopShares(now time.Time) []Share {
	g.prune(now)

	total := g.windowGMV()
	if !total.IsPositive() {
		return nil
	}

	byProvider := make(map[string]decimal.Decimal)
	for _, s := range g.global {
		byProvider[s.provider] = byProvider[s.provider].Add(s.amount)
	}

	shares := make([]Share, 0, len(byProvider))
	for id, gmv := range byProvider {
		shares = append(shares, Share{
			ProviderID: id,
			GMV:        gmv,
			SharePct:   gmv.Div(total).Mul(decimal.NewFromInt(100)),
		})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].GMV.Equal(shares[j].GMV) {
			return shares[i].ProviderID < shares[j].ProviderID
		}
		return shares[i].GMV.GreaterThan(shares[j].GMV)
	})
	return shares
}

func (g *Guard) windowGMV() decimal.Decimal {
	return sum(g.global)
}

func (g *Guard) prune(now time.Time) {
	g.global = pruneBefore(g.global, now.Add(-globalWindow))
	for id, entries := range g.hourly {
		kept := pruneBefore(entries, now.Add(-hourlyWindow))
		if len(kept) == 0 {
			delete(g.hourly, id)
			continue
		}
		g.hourly[id] = kept
	}
}

func pruneBefore(entries []settlement, cutoff time.Time) []settlement {
	kept := entries[:0]
	for _, s := range entries {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

func sum(entries []settlement) decimal.Decimal {
	total := decimal.Zero
	for _, s := range entries {
		total = total.Add(s.amount)
	}
	return total
}
