package governor

import (
	"errors"
	"time"
)

// Mode is the drain rate band.
type Mode int

const (
	ModeIdle Mode = iota
	ModeBand2
	ModeBurst
	ModeReduced
	ModePaused
	ModeQuietPeriod
	ModeComplete
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeBand2:
		return "band2"
	case ModeBurst:
		return "burst"
	case ModeReduced:
		return "reduced"
	case ModePaused:
		return "paused"
	case ModeQuietPeriod:
		return "quiet_period"
	case ModeComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Rate returns the admission rate for a mode in requests per second.
func (m Mode) Rate() float64 {
	switch m {
	case ModeBand2:
		return RateBand2
	case ModeBurst:
		return RateBurst
	case ModeReduced:
		return RateReduced
	default:
		return 0
	}
}

// Running reports whether items are being admitted in this mode.
func (m Mode) Running() bool {
	return m == ModeBand2 || m == ModeBurst || m == ModeReduced
}

var ErrQuietPeriod = errors.New("quiet period active")

const (
	RateBand2   = 3.0
	RateBurst   = 5.0
	RateReduced = 2.0

	// Burst admission gates.
	BurstP95CeilingMs   = 1000.0
	BurstReservesMinPct = 22.0

	// Reserves dwell thresholds. Both require continuous dwell; any
	// out-of-band sample resets the relevant clock.
	LowReservesMinPct  = 15.0
	LowReservesMaxPct  = 17.0
	LowReservesDwell   = 180 * time.Second
	HighReservesMinPct = 20.0
	HighReservesDwell  = 300 * time.Second

	reservesRetention = 6 * time.Minute
)

type reserveSample struct {
	at  time.Time
	pct float64
}

// Governor owns the drain mode, the burst token bucket, the reserves
// dwell clocks, and the global 1-second admission window. Not safe for
// concurrent use; the controller serializes access.
type Governor struct {
	quiet func(time.Time) bool

	mode        Mode
	startedAt   time.Time
	windowStart time.Time

	bucket    *TokenBucket
	reserves  []reserveSample
	lowSince  time.Time
	highSince time.Time

	admissions []time.Time
}

// New creates a governor in Idle. The quiet predicate reports whether a
// scheduled quiet window is active at a given instant; nil means never.
func New(quiet func(time.Time) bool) *Governor {
	if quiet == nil {
		quiet = func(time.Time) bool { return false }
	}
	return &Governor{
		quiet:  quiet,
		mode:   ModeIdle,
		bucket: NewTokenBucket(5, 1),
	}
}

// Mode returns the current mode.
func (g *Governor) Mode() Mode {
	return g.mode
}

// Rate returns the current admission rate in requests per second.
func (g *Governor) Rate() float64 {
	return g.mode.Rate()
}

// WindowStart returns the start of the current drain window.
func (g *Governor) WindowStart() time.Time {
	return g.windowStart
}

// StartedAt returns when the current session started.
func (g *Governor) StartedAt() time.Time {
	return g.startedAt
}

// Start begins or resumes a drain session at Band2. Refused inside the
// quiet window.
func (g *Governor) Start(now time.Time) error {
	if g.quiet(now) {
		return ErrQuietPeriod
	}

	g.mode = ModeBand2
	g.startedAt = now
	g.windowStart = now
	g.bucket.Fill(now)
	g.lowSince = time.Time{}
	g.highSince = time.Time{}
	return nil
}

// Pause forces the governor to Paused at rate zero. Only a manual Start
// resumes.
func (g *Governor) Pause() {
	g.mode = ModePaused
}

// EnterQuiet transitions to QuietPeriod. Re-entry while already quiet
// is a no-op and reports false so no duplicate event is emitted.
func (g *Governor) EnterQuiet() bool {
	if g.mode == ModeQuietPeriod {
		return false
	}
	g.mode = ModeQuietPeriod
	return true
}

// Complete marks the session finished.
func (g *Governor) Complete() {
	g.mode = ModeComplete
}

// BurstDecision is the outcome of a burst upshift attempt.
type BurstDecision struct {
	Granted bool    `json:"granted"`
	Tokens  float64 `json:"tokens"`
	Reason  string  `json:"reason,omitempty"`
}

// CheckBurst grants Burst at 5 rps iff p95 < 1000ms, reserves >= 22%
// and at least one token is available; the token is consumed on grant.
// Burst is only reachable from Band2: while Reduced, the 300s restore
// dwell owns the path back up, so upshift attempts are refused no
// matter how healthy the snapshot looks. If the conditions fail while
// already bursting, the mode reverts to Band2 at 3 rps. The bucket
// keeps refilling either way.
func (g *Governor) CheckBurst(p95Ms, reservesPct float64, now time.Time) BurstDecision {
	if !g.mode.Running() {
		return BurstDecision{Tokens: g.bucket.Tokens(now), Reason: "drain_not_running"}
	}
	if g.mode == ModeReduced {
		return BurstDecision{Tokens: g.bucket.Tokens(now), Reason: "reduced_active"}
	}

	g.bucket.refill(now)

	reason := ""
	switch {
	case p95Ms >= BurstP95CeilingMs:
		reason = "p95_above_ceiling"
	case reservesPct < BurstReservesMinPct:
		reason = "reserves_below_minimum"
	case !g.bucket.TryTake(now):
		reason = "no_tokens"
	}

	if reason == "" {
		g.mode = ModeBurst
		return BurstDecision{Granted: true, Tokens: g.bucket.Tokens(now)}
	}

	if g.mode == ModeBurst {
		g.mode = ModeBand2
	}
	return BurstDecision{Tokens: g.bucket.Tokens(now), Reason: reason}
}

// GuardAction describes what a rate-guard evaluation did.
type GuardAction struct {
	Action string        `json:"action"` // "none", "reduced", "restored"
	Dwell  time.Duration `json:"dwell"`
}

// ApplyRateGuard feeds one live reserves sample and applies the two
// dwell rules: reserves continuously in [15%,17%] for >= 180s forces
// Reduced at 2 rps; reserves continuously >= 20% for >= 300s while
// Reduced restores Band2 with the burst ceiling re-armed.
func (g *Governor) ApplyRateGuard(reservesPct float64, now time.Time) GuardAction {
	g.reserves = append(g.reserves, reserveSample{at: now, pct: reservesPct})
	g.pruneReserves(now)

	action := GuardAction{Action: "none"}

	if reservesPct >= LowReservesMinPct && reservesPct <= LowReservesMaxPct {
		if g.lowSince.IsZero() {
			g.lowSince = now
		}
		action.Dwell = now.Sub(g.lowSince)
		if action.Dwell >= LowReservesDwell && g.mode.Running() && g.mode != ModeReduced {
			g.mode = ModeReduced
			action.Action = "reduced"
		}
	} else {
		g.lowSince = time.Time{}
	}

	if reservesPct >= HighReservesMinPct {
		if g.highSince.IsZero() {
			g.highSince = now
		}
		if g.mode == ModeReduced && now.Sub(g.highSince) >= HighReservesDwell {
			g.mode = ModeBand2
			g.bucket.Fill(now)
			g.lowSince = time.Time{}
			action.Action = "restored"
			action.Dwell = now.Sub(g.highSince)
		}
	} else {
		g.highSince = time.Time{}
	}

	return action
}

// ForceReduced drops a running governor to Reduced at 2 rps. Used by
// the spend guard's global-cap pre-throttle. Reports whether the mode
// changed.
func (g *Governor) ForceReduced() bool {
	if !g.mode.Running() || g.mode == ModeReduced {
		return false
	}
	g.mode = ModeReduced
	return true
}

// AllowGlobal admits one request against the 1-second global window
// sized by the current rate.
func (g *Governor) AllowGlobal(now time.Time) bool {
	limit := int(g.mode.Rate())
	if limit == 0 {
		return false
	}

	cutoff := now.Add(-time.Second)
	kept := g.admissions[:0]
	for _, t := range g.admissions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.admissions = kept

	if len(g.admissions) >= limit {
		return false
	}
	g.admissions = append(g.admissions, now)
	return true
}

// BucketStatus reports the token bucket after a lazy refill.
type BucketStatus struct {
	Tokens     float64 `json:"tokens"`
	MaxTokens  float64 `json:"max_tokens"`
	RefillRate float64 `json:"refill_per_sec"`
}

// Bucket returns the current token bucket status.
func (g *Governor) Bucket(now time.Time) BucketStatus {
	return BucketStatus{
		Tokens:     g.bucket.Tokens(now),
		MaxTokens:  g.bucket.max,
		RefillRate: g.bucket.refillRate,
	}
}

// ReservesWindow returns the retained reserves samples, oldest first.
func (g *Governor) ReservesWindow(now time.Time) []float64 {
	g.pruneReserves(now)
	out := make([]float64, len(g.reserves))
	for i, s := range g.reserves {
		out[i] = s.pct
	}
	return out
}

func (g *Governor) pruneReserves(now time.Time) {
	cutoff := now.Add(-reservesRetention)
	kept := g.reserves[:0]
	for _, s := range g.reserves {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	g.reserves = kept
}
