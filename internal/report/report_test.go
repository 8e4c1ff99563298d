package report_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/settledrain/internal/ledger"
	"github.com/terminal-bench/settledrain/internal/report"
)

func TestSchedule(t *testing.T) {
	// Hourly checkpoints with a 5-minute quiet lead.
	sched, err := report.NewSchedule("0 * * * *", 5*time.Minute)
	require.NoError(t, err)

	t.Run("should be quiet inside the lead window", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 57, 0, 0, time.UTC)

		window, active := sched.Window(now)

		assert.True(t, active)
		assert.Equal(t, time.Date(2024, 3, 1, 12, 55, 0, 0, time.UTC), window.Start)
		assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), window.End)
	})

	t.Run("should not be quiet before the lead window", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
		assert.False(t, sched.QuietActive(now))
	})

	t.Run("should leave the quiet window once the checkpoint passes", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 13, 0, 1, 0, time.UTC)
		assert.False(t, sched.QuietActive(now))
	})

	t.Run("should reject an invalid cron expression", func(t *testing.T) {
		_, err := report.NewSchedule("not a cron", time.Minute)
		assert.Error(t, err)
	})
}

func TestCheckpointer(t *testing.T) {
	t.Run("should capture a snapshot and record it", func(t *testing.T) {
		var recorded []report.Report
		cp := report.NewCheckpointer("0 * * * *",
			func() report.Snapshot {
				return report.Snapshot{
					Mode:         "band2",
					BacklogDepth: 42,
					Cumulative:   ledger.TotalsSnapshot{GMV: decimal.NewFromInt(1000), Fees: decimal.NewFromInt(30)},
					EvidenceHead: "deadbeef",
				}
			},
			func(ctx context.Context, r report.Report) { recorded = append(recorded, r) },
			nil, zerolog.Nop())

		now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
		out := cp.Emit(context.Background(), now)

		require.Len(t, recorded, 1)
		assert.Equal(t, out.CheckpointID, recorded[0].CheckpointID)
		assert.Equal(t, "band2", out.Mode)
		assert.Equal(t, 42, out.BacklogDepth)
		assert.Equal(t, now, out.TimestampUTC)

		latest, ok := cp.Latest()
		require.True(t, ok)
		assert.Equal(t, out.CheckpointID, latest.CheckpointID)
	})

	t.Run("should have no latest before the first emission", func(t *testing.T) {
		cp := report.NewCheckpointer("0 * * * *",
			func() report.Snapshot { return report.Snapshot{} },
			func(context.Context, report.Report) {},
			nil, zerolog.Nop())

		_, ok := cp.Latest()
		assert.False(t, ok)
	})
}
