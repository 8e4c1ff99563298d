package guard_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/terminal-bench/settledrain/internal/guard"
)

func eligibleItem(key string) guard.Item {
	return guard.Item{
		ChargeID:              "ch_001",
		IdempotencyKey:        key,
		TransactionID:         "tx_001",
		ProviderID:            "prov_a",
		ProviderAccountStatus: "active",
		ProviderCapabilities:  []string{"transfers", "payouts"},
		Amount:                decimal.NewFromInt(100),
	}
}

func TestAdmit(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should accept an eligible item", func(t *testing.T) {
		g := guard.New(guard.NewMemoryStore())

		decision := g.Admit(eligibleItem("k1"), now)

		assert.True(t, decision.Accepted)
		assert.Empty(t, decision.Reason)
	})

	t.Run("should reject a missing idempotency key", func(t *testing.T) {
		g := guard.New(guard.NewMemoryStore())
		item := eligibleItem("")

		decision := g.Admit(item, now)

		assert.False(t, decision.Accepted)
		assert.Equal(t, guard.ReasonMissingKey, decision.Reason)
	})

	t.Run("should reject a duplicate key within the window", func(t *testing.T) {
		g := guard.New(guard.NewMemoryStore())
		g.Admit(eligibleItem("k1"), now)

		decision := g.Admit(eligibleItem("k1"), now.Add(24*time.Hour))

		assert.False(t, decision.Accepted)
		assert.Equal(t, guard.ReasonDuplicateKey, decision.Reason)
	})

	t.Run("should readmit a key after the retention window", func(t *testing.T) {
		g := guard.New(guard.NewMemoryStore())
		g.Admit(eligibleItem("k1"), now)

		decision := g.Admit(eligibleItem("k1"), now.Add(guard.KeyRetention+time.Hour))

		assert.True(t, decision.Accepted)
	})

	t.Run("should reject an already-settled transaction", func(t *testing.T) {
		g := guard.New(guard.NewMemoryStore())
		g.MarkSettled("tx_001", now)

		item := eligibleItem("k2")
		decision := g.Admit(item, now)

		assert.False(t, decision.Accepted)
		assert.Equal(t, guard.ReasonAlreadySettled, decision.Reason)
	})

	t.Run("should reject an inactive provider account", func(t *testing.T) {
		g := guard.New(guard.NewMemoryStore())
		item := eligibleItem("k1")
		item.ProviderAccountStatus = "restricted"

		decision := g.Admit(item, now)

		assert.Equal(t, guard.ReasonProviderInactive, decision.Reason)
	})

	t.Run("should reject a provider without the transfers capability", func(t *testing.T) {
		g := guard.New(guard.NewMemoryStore())
		item := eligibleItem("k1")
		item.ProviderCapabilities = []string{"payouts"}

		decision := g.Admit(item, now)

		assert.Equal(t, guard.ReasonMissingCapability, decision.Reason)
	})

	t.Run("should not record the key on rejection", func(t *testing.T) {
		store := guard.NewMemoryStore()
		g := guard.New(store)
		item := eligibleItem("k1")
		item.ProviderAccountStatus = "restricted"

		g.Admit(item, now)

		assert.Equal(t, 0, store.Len())
	})

	t.Run("should reject settled transaction regardless of other fields", func(t *testing.T) {
		g := guard.New(guard.NewMemoryStore())
		g.MarkSettled("tx_001", now)

		item := eligibleItem("fresh-key")
		item.ProviderID = "prov_other"
		item.Amount = decimal.NewFromInt(1)

		decision := g.Admit(item, now)
		assert.Equal(t, guard.ReasonAlreadySettled, decision.Reason)
	})
}

func TestMemoryStore(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should keep the first-seen timestamp", func(t *testing.T) {
		store := guard.NewMemoryStore()
		store.Record("k1", now)
		store.Record("k1", now.Add(29*24*time.Hour))

		// Re-recording does not extend the window: the key expires
		// relative to first sight.
		assert.False(t, store.Seen("k1", now.Add(guard.KeyRetention+time.Minute)))
	})

	t.Run("should purge expired keys", func(t *testing.T) {
		store := guard.NewMemoryStore()
		store.Record("old", now)
		store.Record("fresh", now.Add(29*24*time.Hour))

		purged := store.PurgeExpired(now.Add(guard.KeyRetention + time.Hour))

		assert.Equal(t, 1, purged)
		assert.Equal(t, 1, store.Len())
	})
}
