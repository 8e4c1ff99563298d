package report

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/settledrain/internal/ledger"
)

// Snapshot is the controller state captured for one checkpoint.
type Snapshot struct {
	Mode         string                `json:"mode"`
	RatePerSec   float64               `json:"rate_per_sec"`
	BacklogDepth int                   `json:"backlog_depth"`
	ReservesPct  float64               `json:"reserves_pct"`
	Cumulative   ledger.TotalsSnapshot `json:"cumulative"`
	EvidenceHead string                `json:"evidence_head"`
	LedgerSealed bool                  `json:"ledger_sealed"`
}

// Report is one emitted checkpoint.
type Report struct {
	CheckpointID string    `json:"checkpoint_id"`
	TimestampUTC time.Time `json:"timestamp_utc"`
	Snapshot
}

// Checkpointer emits scheduled checkpoint reports. The snapshot and
// record hooks belong to the controller; the optional sink mirrors each
// report into InfluxDB.
type Checkpointer struct {
	cronExpr string
	runner   *cron.Cron
	snapshot func() Snapshot
	record   func(ctx context.Context, r Report)
	sink     *InfluxSink
	logger   zerolog.Logger

	mu     sync.Mutex
	latest *Report
}

// NewCheckpointer wires a checkpointer; Start arms the cron runner.
func NewCheckpointer(cronExpr string, snapshot func() Snapshot, record func(context.Context, Report), sink *InfluxSink, logger zerolog.Logger) *Checkpointer {
	return &Checkpointer{
		cronExpr: cronExpr,
		snapshot: snapshot,
		record:   record,
		sink:     sink,
		logger:   logger.With().Str("component", "checkpointer").Logger(),
	}
}

// Start schedules checkpoint emission.
func (c *Checkpointer) Start() error {
	c.runner = cron.New()
	if _, err := c.runner.AddFunc(c.cronExpr, func() {
		c.Emit(context.Background(), time.Now())
	}); err != nil {
		return err
	}
	c.runner.Start()
	return nil
}

// Stop halts the cron runner.
func (c *Checkpointer) Stop() {
	if c.runner != nil {
		c.runner.Stop()
	}
}

// Emit captures a snapshot and publishes one checkpoint report. Also
// used directly for a manual checkpoint.
func (c *Checkpointer) Emit(ctx context.Context, now time.Time) Report {
	report := Report{
		CheckpointID: uuid.NewString(),
		TimestampUTC: now.UTC(),
		Snapshot:     c.snapshot(),
	}

	c.record(ctx, report)

	if c.sink != nil {
		if err := c.sink.Write(ctx, report); err != nil {
			c.logger.Warn().Err(err).Str("checkpoint_id", report.CheckpointID).Msg("influx checkpoint write failed")
		}
	}

	c.mu.Lock()
	c.latest = &report
	c.mu.Unlock()

	c.logger.Info().
		Str("checkpoint_id", report.CheckpointID).
		Str("mode", report.Mode).
		Str("cumulative_gmv", report.Cumulative.GMV.String()).
		Msg("checkpoint emitted")

	return report
}

// Latest returns the most recent report.
func (c *Checkpointer) Latest() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return Report{}, false
	}
	return *c.latest, true
}
