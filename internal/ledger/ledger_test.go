package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/settledrain/internal/ledger"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(txID, provider string, amount int64) ledger.Entry {
	amt := decimal.NewFromInt(amount)
	return ledger.Entry{
		LedgerTxID:     txID,
		ChargeID:       "ch_" + txID,
		ProviderID:     provider,
		Amount:         amt,
		Fee:            amt.Mul(ledger.FeeRate),
		IdempotencyKey: "k_" + txID,
		CreatedAt:      t0,
	}
}

func TestLedgerSeal(t *testing.T) {
	ctx := context.Background()

	t.Run("should append entries while open", func(t *testing.T) {
		l := ledger.NewLedger(zerolog.Nop())

		require.NoError(t, l.AddEntry(ctx, entry("tx1", "prov_a", 100)))
		require.NoError(t, l.AddEntry(ctx, entry("tx2", "prov_b", 250)))

		assert.Equal(t, 2, l.Len())
		assert.False(t, l.Sealed())
	})

	t.Run("should reject entries after sealing", func(t *testing.T) {
		l := ledger.NewLedger(zerolog.Nop())
		require.NoError(t, l.AddEntry(ctx, entry("tx1", "prov_a", 100)))

		sealHash, err := l.Seal(ctx, t0)
		require.NoError(t, err)
		require.NotEmpty(t, sealHash)

		err = l.AddEntry(ctx, entry("tx2", "prov_a", 200))
		assert.ErrorIs(t, err, ledger.ErrLedgerSealed)
		assert.Equal(t, 1, l.Len(), "entry count unchanged")
	})

	t.Run("should refuse a second seal", func(t *testing.T) {
		l := ledger.NewLedger(zerolog.Nop())
		_, err := l.Seal(ctx, t0)
		require.NoError(t, err)

		_, err = l.Seal(ctx, t0.Add(time.Minute))
		assert.ErrorIs(t, err, ledger.ErrLedgerSealed)
	})

	t.Run("should compute the same seal hash for the same rows", func(t *testing.T) {
		a := ledger.NewLedger(zerolog.Nop())
		b := ledger.NewLedger(zerolog.Nop())
		for _, l := range []*ledger.Ledger{a, b} {
			require.NoError(t, l.AddEntry(ctx, entry("tx1", "prov_a", 100)))
			require.NoError(t, l.AddEntry(ctx, entry("tx2", "prov_b", 250)))
		}

		hashA, err := a.Seal(ctx, t0)
		require.NoError(t, err)
		hashB, err := b.Seal(ctx, t0.Add(time.Hour))
		require.NoError(t, err)

		assert.Equal(t, hashA, hashB, "seal hash depends only on the rows")
	})
}

func TestLedgerExport(t *testing.T) {
	ctx := context.Background()

	t.Run("should recompute totals from the rows", func(t *testing.T) {
		l := ledger.NewLedger(zerolog.Nop())
		require.NoError(t, l.AddEntry(ctx, entry("tx1", "prov_a", 100)))
		require.NoError(t, l.AddEntry(ctx, entry("tx2", "prov_b", 300)))

		doc := l.Export(t0.Add(time.Hour))

		assert.Equal(t, 2, doc.EntryCount)
		assert.True(t, doc.TotalGMV.Equal(decimal.NewFromInt(400)))
		assert.True(t, doc.TotalFees.Equal(decimal.NewFromInt(12)))
		assert.False(t, doc.Sealed)
	})

	t.Run("should carry the seal into the export", func(t *testing.T) {
		l := ledger.NewLedger(zerolog.Nop())
		require.NoError(t, l.AddEntry(ctx, entry("tx1", "prov_a", 100)))
		sealHash, err := l.Seal(ctx, t0)
		require.NoError(t, err)

		doc := l.Export(t0.Add(time.Minute))

		assert.True(t, doc.Sealed)
		assert.Equal(t, sealHash, doc.SealHash)
		require.NotNil(t, doc.SealedAt)
		assert.Equal(t, t0, *doc.SealedAt)
	})
}

func TestRecon(t *testing.T) {
	t.Run("should accumulate GMV and the 3% fee on success", func(t *testing.T) {
		r := ledger.NewRecon(t0)

		fee := r.RecordResult("prov_a", decimal.NewFromInt(100), true)

		assert.True(t, fee.Equal(decimal.NewFromInt(3)))
		snap := r.Snapshot(t0.Add(time.Minute))
		assert.Equal(t, 1, snap.Count)
		assert.Equal(t, 1, snap.SuccessCount)
		assert.True(t, snap.GMV.Equal(decimal.NewFromInt(100)))
		assert.True(t, snap.Fees.Equal(decimal.NewFromInt(3)))
		assert.True(t, snap.ProviderGMV["prov_a"].Equal(decimal.NewFromInt(100)))
	})

	t.Run("should count failures without GMV", func(t *testing.T) {
		r := ledger.NewRecon(t0)

		fee := r.RecordResult("prov_a", decimal.NewFromInt(100), false)

		assert.True(t, fee.IsZero())
		snap := r.Snapshot(t0.Add(time.Minute))
		assert.Equal(t, 1, snap.Count)
		assert.Equal(t, 0, snap.SuccessCount)
		assert.True(t, snap.GMV.IsZero())
	})

	t.Run("should tumble the window and keep cumulative totals", func(t *testing.T) {
		r := ledger.NewRecon(t0)
		r.RecordResult("prov_a", decimal.NewFromInt(100), true)
		r.RecordDuplicatePrevented()

		closed := r.Reset(t0.Add(10 * time.Minute))

		assert.Equal(t, 1, closed.SuccessCount)
		assert.Equal(t, 1, closed.DuplicatesPrevented)

		open := r.Snapshot(t0.Add(11 * time.Minute))
		assert.Equal(t, 0, open.Count)
		assert.True(t, open.GMV.IsZero())
		assert.Equal(t, t0.Add(10*time.Minute), open.WindowStart)

		totals := r.Cumulative()
		assert.Equal(t, 1, totals.SuccessCount)
		assert.True(t, totals.GMV.Equal(decimal.NewFromInt(100)))
		assert.Equal(t, 1, totals.DuplicatesPrevented)
	})

	t.Run("should retain closed windows in order", func(t *testing.T) {
		r := ledger.NewRecon(t0)
		r.RecordResult("prov_a", decimal.NewFromInt(100), true)
		r.Reset(t0.Add(10 * time.Minute))
		r.RecordResult("prov_b", decimal.NewFromInt(200), true)
		r.Reset(t0.Add(20 * time.Minute))

		history := r.History()
		require.Len(t, history, 2)
		assert.True(t, history[0].GMV.Equal(decimal.NewFromInt(100)))
		assert.True(t, history[1].GMV.Equal(decimal.NewFromInt(200)))

		latest, ok := r.Latest()
		require.True(t, ok)
		assert.True(t, latest.GMV.Equal(decimal.NewFromInt(200)))
	})

	t.Run("should count each provider once in cumulative totals", func(t *testing.T) {
		r := ledger.NewRecon(t0)
		r.RecordResult("prov_a", decimal.NewFromInt(100), true)
		r.RecordResult("prov_a", decimal.NewFromInt(50), true)
		r.RecordResult("prov_b", decimal.NewFromInt(10), true)

		assert.Equal(t, 2, r.Cumulative().ProvidersTouched)
	})
}

func TestComputeForecast(t *testing.T) {
	t.Run("should report on_track with slack", func(t *testing.T) {
		quiet := t0.Add(time.Hour)

		// 310 above a floor of 10 at 3/s: 300/180 per minute -> 100/60 min.
		f := ledger.ComputeForecast(310, 3, 10, t0, quiet)

		assert.Equal(t, ledger.StatusOnTrack, f.Status)
		assert.InDelta(t, 300.0/180.0, f.MinutesToFloor, 1e-9)
		assert.InDelta(t, 60.0, f.MinutesToQuiet, 1e-9)
		assert.Greater(t, f.BufferMinutes, 0.0)
	})

	t.Run("should demand action when the buffer is negative", func(t *testing.T) {
		quiet := t0.Add(5 * time.Minute)

		f := ledger.ComputeForecast(5000, 2, 10, t0, quiet)

		assert.Equal(t, ledger.StatusIncreaseDrain, f.Status)
		assert.Less(t, f.BufferMinutes, 0.0)
	})

	t.Run("should report unreachable at rate zero", func(t *testing.T) {
		f := ledger.ComputeForecast(100, 0, 10, t0, t0.Add(time.Hour))

		assert.False(t, f.FloorReachable)
		assert.Equal(t, ledger.StatusIncreaseDrain, f.Status)
	})

	t.Run("should be immediately on track at or below the floor", func(t *testing.T) {
		f := ledger.ComputeForecast(10, 0, 10, t0, t0.Add(time.Hour))

		assert.Equal(t, ledger.StatusOnTrack, f.Status)
		assert.Equal(t, 0.0, f.MinutesToFloor)
	})
}

func TestLedgerRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("should preload archived rows", func(t *testing.T) {
		l := ledger.NewLedger(zerolog.Nop())

		err := l.Restore([]ledger.Entry{entry("tx1", "prov_a", 100), entry("tx2", "prov_b", 250)})

		require.NoError(t, err)
		assert.Equal(t, 2, l.Len())
		doc := l.Export(t0)
		assert.True(t, doc.TotalGMV.Equal(decimal.NewFromInt(350)))
	})

	t.Run("should seal identically to directly-added rows", func(t *testing.T) {
		direct := ledger.NewLedger(zerolog.Nop())
		require.NoError(t, direct.AddEntry(ctx, entry("tx1", "prov_a", 100)))
		restored := ledger.NewLedger(zerolog.Nop())
		require.NoError(t, restored.Restore(direct.Entries()))

		hashA, err := direct.Seal(ctx, t0)
		require.NoError(t, err)
		hashB, err := restored.Seal(ctx, t0)
		require.NoError(t, err)

		assert.Equal(t, hashA, hashB)
	})

	t.Run("should refuse on a non-empty ledger", func(t *testing.T) {
		l := ledger.NewLedger(zerolog.Nop())
		require.NoError(t, l.AddEntry(ctx, entry("tx1", "prov_a", 100)))

		err := l.Restore([]ledger.Entry{entry("tx2", "prov_b", 250)})

		assert.ErrorIs(t, err, ledger.ErrLedgerNotEmpty)
		assert.Equal(t, 1, l.Len())
	})

	t.Run("should refuse after sealing", func(t *testing.T) {
		l := ledger.NewLedger(zerolog.Nop())
		_, err := l.Seal(ctx, t0)
		require.NoError(t, err)

		err = l.Restore([]ledger.Entry{entry("tx1", "prov_a", 100)})

		assert.ErrorIs(t, err, ledger.ErrLedgerSealed)
	})
}
