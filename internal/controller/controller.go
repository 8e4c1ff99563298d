package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/terminal-bench/settledrain/internal/evidence"
	"github.com/terminal-bench/settledrain/internal/governor"
	"github.com/terminal-bench/settledrain/internal/guard"
	"github.com/terminal-bench/settledrain/internal/ledger"
	"github.com/terminal-bench/settledrain/internal/report"
	"github.com/terminal-bench/settledrain/internal/spend"
	"github.com/terminal-bench/settledrain/internal/stoploss"
	"github.com/terminal-bench/settledrain/pkg/messaging"
)

var (
	ErrQuietPeriod     = governor.ErrQuietPeriod
	ErrBacklogNotEmpty = errors.New("live backlog not empty")
	ErrNotHeld         = errors.New("provider is not held")
	ErrAlreadyHeld     = errors.New("provider is already held")
)

// Receipt is returned by every mutating operation. The evidence hash is
// the external audit contract.
type Receipt struct {
	EventID      string    `json:"event_id"`
	TimestampUTC time.Time `json:"timestamp_utc"`
	EvidenceHash string    `json:"evidence_hash"`
}

// Config wires a controller.
type Config struct {
	Logger    zerolog.Logger
	Publisher messaging.Publisher
	KeyStore  guard.KeyStore
	Spend     spend.Config
	Schedule  *report.Schedule

	HeartbeatMinInterval time.Duration
	BacklogFloor         int

	// BacklogDepth reports the live backlog; Complete requires zero.
	BacklogDepth func() int

	Now func() time.Time
}

// Controller owns the drain state machine and every shared mutable
// resource behind one mutex: admission checks, rate-guard timers, spend
// windows, and ledger appends are linearizable. The downstream call
// itself happens outside the lock; its outcome comes back through
// RecordResult.
type Controller struct {
	mu sync.Mutex

	logger    zerolog.Logger
	publisher messaging.Publisher
	now       func() time.Time
	schedule  *report.Schedule

	governor  *governor.Governor
	providers *governor.ProviderLimiter
	guard     *guard.Guard
	spend     *spend.Guard
	stoploss  *stoploss.Monitor
	recon     *ledger.Recon
	ledger    *ledger.Ledger
	chain     *evidence.Chain

	heartbeatMin time.Duration
	backlogFloor int
	backlogDepth func() int

	lastReserves float64
}

// New creates a controller in Idle.
func New(cfg Config) *Controller {
	if cfg.Publisher == nil {
		cfg.Publisher = messaging.NopPublisher{}
	}
	if cfg.KeyStore == nil {
		cfg.KeyStore = guard.NewMemoryStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HeartbeatMinInterval <= 0 {
		cfg.HeartbeatMinInterval = time.Minute
	}
	if cfg.BacklogFloor <= 0 {
		cfg.BacklogFloor = ledger.DefaultBacklogFloor
	}
	if cfg.BacklogDepth == nil {
		cfg.BacklogDepth = func() int { return 0 }
	}

	var quiet func(time.Time) bool
	if cfg.Schedule != nil {
		quiet = cfg.Schedule.QuietActive
	}

	logger := cfg.Logger.With().Str("component", "controller").Logger()

	return &Controller{
		logger:       logger,
		publisher:    cfg.Publisher,
		now:          cfg.Now,
		schedule:     cfg.Schedule,
		governor:     governor.New(quiet),
		providers:    governor.NewProviderLimiter(),
		guard:        guard.New(cfg.KeyStore),
		spend:        spend.New(cfg.Spend),
		stoploss:     stoploss.NewMonitor(),
		recon:        ledger.NewRecon(cfg.Now()),
		ledger:       ledger.NewLedger(cfg.Logger),
		chain:        evidence.NewChain(),
		heartbeatMin: cfg.HeartbeatMinInterval,
		backlogFloor: cfg.BacklogFloor,
		backlogDepth: cfg.BacklogDepth,
	}
}

// Ledger exposes the settlement ledger for archive wiring at startup.
func (c *Controller) Ledger() *ledger.Ledger {
	return c.ledger
}

// emit seals a payload into the evidence chain and publishes the event.
// Must be called with the mutex held.
func (c *Controller) emit(ctx context.Context, subject string, payload map[string]string, data interface{}) Receipt {
	now := c.now()
	record := c.chain.Append(subject, payload, now)

	receipt := Receipt{TimestampUTC: now.UTC(), EvidenceHash: record.Hash}

	event, err := messaging.NewEvent(subject, record.Hash, data)
	if err != nil {
		c.logger.Error().Err(err).Str("subject", subject).Msg("event marshal failed")
		return receipt
	}
	receipt.EventID = event.ID.String()

	if err := c.publisher.Publish(ctx, subject, event); err != nil {
		c.logger.Debug().Err(err).Str("subject", subject).Msg("event publish failed")
	}
	return receipt
}

// page raises an operator page. Paging itself is external; the
// controller only signals.
func (c *Controller) page(ctx context.Context, severity, source, message string) {
	event, err := messaging.NewEvent(messaging.SubjectPageRaised, c.chain.Head(), messaging.PageEvent{
		Severity: severity,
		Source:   source,
		Message:  message,
	})
	if err != nil {
		return
	}
	if err := c.publisher.Publish(ctx, messaging.SubjectPageRaised, event); err != nil {
		c.logger.Debug().Err(err).Msg("page publish failed")
	}
	c.logger.Warn().Str("severity", severity).Str("source", source).Msg(message)
}

// headReceipt builds a receipt for a read-style response without
// appending to the chain.
func (c *Controller) headReceipt() Receipt {
	return Receipt{TimestampUTC: c.now().UTC(), EvidenceHash: c.chain.Head()}
}

// Start begins or resumes a drain session at Band2, 3 rps. Refused
// inside a quiet window.
func (c *Controller) Start(ctx context.Context) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if err := c.governor.Start(now); err != nil {
		return Receipt{}, err
	}
	c.recon.Restart(now)

	c.logger.Info().Float64("rate", c.governor.Rate()).Msg("drain started")
	receipt := c.emit(ctx, messaging.SubjectDrainStarted, map[string]string{
		"mode": c.governor.Mode().String(),
		"rate": formatRate(c.governor.Rate()),
	}, messaging.RateChangeEvent{
		FromMode: governor.ModeIdle.String(),
		ToMode:   c.governor.Mode().String(),
		Rate:     c.governor.Rate(),
		Reason:   "manual_start",
	})
	return receipt, nil
}

// Pause forces the drain to Paused at rate zero.
func (c *Controller) Pause(ctx context.Context, reason string) Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.governor.Mode()
	c.governor.Pause()

	c.logger.Info().Str("reason", reason).Msg("drain paused")
	return c.emit(ctx, messaging.SubjectDrainPaused, map[string]string{
		"from_mode": from.String(),
		"reason":    reason,
	}, messaging.RateChangeEvent{
		FromMode: from.String(),
		ToMode:   governor.ModePaused.String(),
		Rate:     0,
		Reason:   reason,
	})
}

// Complete finishes the session once the live backlog is empty and
// emits a final paged evidence event.
func (c *Controller) Complete(ctx context.Context) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	depth := c.backlogDepth()
	if depth > 0 {
		return Receipt{}, ErrBacklogNotEmpty
	}

	from := c.governor.Mode()
	c.governor.Complete()
	totals := c.recon.Cumulative()

	receipt := c.emit(ctx, messaging.SubjectDrainCompleted, map[string]string{
		"from_mode":      from.String(),
		"cumulative_gmv": totals.GMV.String(),
		"total_fees":     totals.Fees.String(),
		"success_count":  formatInt(totals.SuccessCount),
	}, messaging.CheckpointEvent{
		Mode:          governor.ModeComplete.String(),
		BacklogDepth:  0,
		CumulativeGMV: totals.GMV.String(),
		EvidenceHead:  c.chain.Head(),
		LedgerSealed:  c.ledger.Sealed(),
	})
	c.page(ctx, "info", "controller", "drain complete")
	c.logger.Info().Str("cumulative_gmv", totals.GMV.String()).Msg("drain complete")
	return receipt, nil
}

// StatusReport is the controller's externally visible state.
type StatusReport struct {
	Mode          string                `json:"mode"`
	RatePerSec    float64               `json:"rate_per_sec"`
	StartedAt     time.Time             `json:"started_at"`
	WindowStart   time.Time             `json:"window_start"`
	QuietActive   bool                  `json:"quiet_active"`
	BacklogDepth  int                   `json:"backlog_depth"`
	Bucket        governor.BucketStatus `json:"token_bucket"`
	HeldProviders []governor.Hold       `json:"held_providers,omitempty"`
	Cumulative    ledger.TotalsSnapshot `json:"cumulative"`
	LedgerSealed  bool                  `json:"ledger_sealed"`
	LedgerEntries int                   `json:"ledger_entries"`
	EvidenceHead  string                `json:"evidence_head"`
	EvidenceCount int                   `json:"evidence_count"`
}

// Status reports the current state.
func (c *Controller) Status() StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	quiet := false
	if c.schedule != nil {
		quiet = c.schedule.QuietActive(now)
	}

	return StatusReport{
		Mode:          c.governor.Mode().String(),
		RatePerSec:    c.governor.Rate(),
		StartedAt:     c.governor.StartedAt(),
		WindowStart:   c.governor.WindowStart(),
		QuietActive:   quiet,
		BacklogDepth:  c.backlogDepth(),
		Bucket:        c.governor.Bucket(now),
		HeldProviders: c.providers.Held(),
		Cumulative:    c.recon.Cumulative(),
		LedgerSealed:  c.ledger.Sealed(),
		LedgerEntries: c.ledger.Len(),
		EvidenceHead:  c.chain.Head(),
		EvidenceCount: c.chain.Len(),
	}
}

// Mode returns the current drain mode.
func (c *Controller) Mode() governor.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.governor.Mode()
}

// Rate returns the current admission rate.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.governor.Rate()
}
