package evidence_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/settledrain/internal/evidence"
)

func TestChainAppend(t *testing.T) {
	t.Run("should anchor first record at genesis", func(t *testing.T) {
		chain := evidence.NewChain()
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		record := chain.Append("drain.started", map[string]string{"mode": "band2"}, now)

		assert.Equal(t, evidence.GenesisHash, record.PrevHash)
		assert.Equal(t, 1, record.Sequence)
		assert.Equal(t, record.Hash, chain.Head())
	})

	t.Run("should link each record to its predecessor", func(t *testing.T) {
		chain := evidence.NewChain()
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		first := chain.Append("drain.started", map[string]string{"mode": "band2"}, now)
		second := chain.Append("drain.paused", map[string]string{"reason": "manual"}, now.Add(time.Minute))

		assert.Equal(t, first.Hash, second.PrevHash)
		assert.Equal(t, 2, second.Sequence)
	})

	t.Run("should be deterministic for identical inputs", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		payload := map[string]string{"gmv": "100", "count": "2"}

		a := evidence.ComputeHash(evidence.GenesisHash, now, payload)
		b := evidence.ComputeHash(evidence.GenesisHash, now, payload)

		assert.Equal(t, a, b)
	})
}

func TestChainVerify(t *testing.T) {
	t.Run("should reproduce every hash on replay", func(t *testing.T) {
		chain := evidence.NewChain()
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		for i := 0; i < 20; i++ {
			chain.Append("heartbeat", map[string]string{"tick": strconv.Itoa(i)}, now.Add(time.Duration(i)*time.Minute))
		}

		require.Equal(t, 20, chain.Len())
		assert.True(t, chain.Verify())
	})

	t.Run("should produce a different hash for a tampered payload", func(t *testing.T) {
		chain := evidence.NewChain()
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		record := chain.Append("heartbeat", map[string]string{"gmv": "100"}, now)

		tampered := evidence.ComputeHash(record.PrevHash, record.TimestampUTC, map[string]string{"gmv": "999"})
		assert.NotEqual(t, record.Hash, tampered)
	})

	t.Run("should verify an empty chain", func(t *testing.T) {
		assert.True(t, evidence.NewChain().Verify())
	})
}
