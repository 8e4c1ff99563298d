package governor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/settledrain/internal/governor"
)

func TestProviderLimiter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("should admit exactly one request per second per provider", func(t *testing.T) {
		l := governor.NewProviderLimiter()

		admitted := 0
		for i := 0; i < 4; i++ {
			ok, reason := l.Allow("prov_a", now.Add(time.Duration(i)*200*time.Millisecond))
			if ok {
				admitted++
			} else {
				assert.Equal(t, governor.ReasonProviderRateLimited, reason)
			}
		}

		assert.Equal(t, 1, admitted)
	})

	t.Run("should admit again after the window slides", func(t *testing.T) {
		l := governor.NewProviderLimiter()
		ok, _ := l.Allow("prov_a", now)
		require.True(t, ok)

		ok, _ = l.Allow("prov_a", now.Add(1100*time.Millisecond))
		assert.True(t, ok)
	})

	t.Run("should limit providers independently", func(t *testing.T) {
		l := governor.NewProviderLimiter()
		ok, _ := l.Allow("prov_a", now)
		require.True(t, ok)

		ok, _ = l.Allow("prov_b", now)
		assert.True(t, ok)
	})

	t.Run("should reject a held provider", func(t *testing.T) {
		l := governor.NewProviderLimiter()
		require.True(t, l.Hold("prov_a", "hourly_cap", now))

		ok, reason := l.Allow("prov_a", now.Add(time.Minute))

		assert.False(t, ok)
		assert.Equal(t, governor.ReasonProviderHeld, reason)
	})

	t.Run("should keep the original hold when held twice", func(t *testing.T) {
		l := governor.NewProviderLimiter()
		require.True(t, l.Hold("prov_a", "hourly_cap", now))

		assert.False(t, l.Hold("prov_a", "concentration", now.Add(time.Minute)))

		holds := l.Held()
		require.Len(t, holds, 1)
		assert.Equal(t, "hourly_cap", holds[0].Reason)
		assert.Equal(t, now, holds[0].HeldSince)
	})

	t.Run("should release and admit again", func(t *testing.T) {
		l := governor.NewProviderLimiter()
		l.Hold("prov_a", "manual", now)

		assert.True(t, l.Release("prov_a"))
		assert.False(t, l.Release("prov_a"), "double release reports false")

		ok, _ := l.Allow("prov_a", now.Add(time.Minute))
		assert.True(t, ok)
	})

	t.Run("should list held providers sorted by id", func(t *testing.T) {
		l := governor.NewProviderLimiter()
		l.Hold("prov_b", "manual", now)
		l.Hold("prov_a", "manual", now)

		holds := l.Held()
		require.Len(t, holds, 2)
		assert.Equal(t, "prov_a", holds[0].ProviderID)
		assert.Equal(t, "prov_b", holds[1].ProviderID)
	})
}
