package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/settledrain/internal/controller"
	"github.com/terminal-bench/settledrain/internal/dispatch"
	"github.com/terminal-bench/settledrain/internal/guard"
	"github.com/terminal-bench/settledrain/pkg/circuit"
)

func backlogItem(key string) guard.Item {
	return guard.Item{
		ChargeID:              "ch_" + key,
		IdempotencyKey:        key,
		TransactionID:         "tx_" + key,
		ProviderID:            "prov_a",
		ProviderAccountStatus: "active",
		ProviderCapabilities:  []string{"transfers"},
		Amount:                decimal.NewFromInt(100),
	}
}

func TestBacklog(t *testing.T) {
	t.Run("should pop in push order", func(t *testing.T) {
		b := dispatch.NewBacklog()
		b.Push(backlogItem("a"))
		b.Push(backlogItem("b"))
		b.Push(backlogItem("c"))
		require.Equal(t, 3, b.Len())

		first, ok := b.Pop()
		require.True(t, ok)
		assert.Equal(t, "a", first.IdempotencyKey)

		second, ok := b.Pop()
		require.True(t, ok)
		assert.Equal(t, "b", second.IdempotencyKey)
		assert.Equal(t, 1, b.Len())
	})

	t.Run("should report empty", func(t *testing.T) {
		b := dispatch.NewBacklog()
		_, ok := b.Pop()
		assert.False(t, ok)
		assert.Empty(t, b.Items())
	})
}

// fakeEngine stands in for the controller: fixed rate, configurable
// admission, recorded results.
type fakeEngine struct {
	mu       sync.Mutex
	rate     float64
	admit    func(guard.Item) controller.ValidationResult
	results  []controller.ResultInput
	recorded chan struct{}
}

func newFakeEngine(rate float64) *fakeEngine {
	return &fakeEngine{
		rate:     rate,
		admit:    func(guard.Item) controller.ValidationResult { return controller.ValidationResult{Accepted: true} },
		recorded: make(chan struct{}, 64),
	}
}

func (f *fakeEngine) ValidateItem(ctx context.Context, item guard.Item) controller.ValidationResult {
	return f.admit(item)
}

func (f *fakeEngine) RecordResult(ctx context.Context, in controller.ResultInput) controller.ResultOutcome {
	f.mu.Lock()
	f.results = append(f.results, in)
	f.mu.Unlock()
	f.recorded <- struct{}{}
	return controller.ResultOutcome{}
}

func (f *fakeEngine) Rate() float64 { return f.rate }

func (f *fakeEngine) snapshot() []controller.ResultInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]controller.ResultInput, len(f.results))
	copy(out, f.results)
	return out
}

type fakeClient struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (c *fakeClient) Settle(ctx context.Context, item guard.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail {
		return errors.New("provider unavailable")
	}
	return nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func waitForResults(t *testing.T, engine *fakeEngine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-engine.recorded:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result %d of %d", i+1, n)
		}
	}
}

func TestPoolDrain(t *testing.T) {
	t.Run("should settle every admitted item and record outcomes", func(t *testing.T) {
		engine := newFakeEngine(100)
		client := &fakeClient{}
		backlog := dispatch.NewBacklog()
		for _, key := range []string{"a", "b", "c"} {
			backlog.Push(backlogItem(key))
		}

		pool := dispatch.NewPool(dispatch.PoolConfig{
			Logger:  zerolog.Nop(),
			Engine:  engine,
			Backlog: backlog,
			Client:  client,
			Workers: 2,
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- pool.Run(ctx) }()

		waitForResults(t, engine, 3)
		cancel()
		require.NoError(t, <-done)

		results := engine.snapshot()
		require.Len(t, results, 3)
		for _, r := range results {
			assert.True(t, r.Success)
		}
		assert.Equal(t, 3, client.callCount())
		assert.Equal(t, 0, backlog.Len())
	})

	t.Run("should idle at rate zero without popping", func(t *testing.T) {
		engine := newFakeEngine(0)
		backlog := dispatch.NewBacklog()
		backlog.Push(backlogItem("a"))

		pool := dispatch.NewPool(dispatch.PoolConfig{
			Logger:  zerolog.Nop(),
			Engine:  engine,
			Backlog: backlog,
			Client:  &fakeClient{},
			Workers: 1,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
		defer cancel()
		require.NoError(t, pool.Run(ctx))

		assert.Equal(t, 1, backlog.Len(), "paused drain leaves the backlog untouched")
		assert.Empty(t, engine.snapshot())
	})

	t.Run("should requeue items rejected before admission", func(t *testing.T) {
		engine := newFakeEngine(50)
		engine.admit = func(guard.Item) controller.ValidationResult {
			return controller.ValidationResult{Reason: controller.ReasonNotRunning}
		}
		backlog := dispatch.NewBacklog()
		backlog.Push(backlogItem("a"))

		pool := dispatch.NewPool(dispatch.PoolConfig{
			Logger:  zerolog.Nop(),
			Engine:  engine,
			Backlog: backlog,
			Client:  &fakeClient{},
			Workers: 1,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		require.NoError(t, pool.Run(ctx))

		assert.Equal(t, 1, backlog.Len())
		assert.Empty(t, engine.snapshot())
	})

	t.Run("should drop post-admission rejections", func(t *testing.T) {
		engine := newFakeEngine(100)
		engine.admit = func(guard.Item) controller.ValidationResult {
			return controller.ValidationResult{Reason: guard.ReasonDuplicateKey}
		}
		backlog := dispatch.NewBacklog()
		backlog.Push(backlogItem("a"))

		pool := dispatch.NewPool(dispatch.PoolConfig{
			Logger:  zerolog.Nop(),
			Engine:  engine,
			Backlog: backlog,
			Client:  &fakeClient{},
			Workers: 1,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		require.NoError(t, pool.Run(ctx))

		assert.Equal(t, 0, backlog.Len())
		assert.Empty(t, engine.snapshot())
	})
}

func TestPoolBreaker(t *testing.T) {
	// A run of provider failures opens the circuit; refused attempts
	// still land as failed results.
	engine := newFakeEngine(200)
	client := &fakeClient{fail: true}
	backlog := dispatch.NewBacklog()
	for _, key := range []string{"a", "b", "c", "d"} {
		backlog.Push(backlogItem(key))
	}

	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 2,
		Timeout:     time.Hour,
		HalfOpenMax: 1,
	})
	pool := dispatch.NewPool(dispatch.PoolConfig{
		Logger:   zerolog.Nop(),
		Engine:   engine,
		Backlog:  backlog,
		Client:   client,
		Breakers: breakers,
		Workers:  1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	waitForResults(t, engine, 4)
	cancel()
	require.NoError(t, <-done)

	results := engine.snapshot()
	require.Len(t, results, 4)
	for _, r := range results {
		assert.False(t, r.Success)
	}
	assert.Equal(t, 2, client.callCount(), "the open circuit blocks further provider calls")
	assert.Equal(t, circuit.StateOpen, pool.BreakerStates()["prov_a"])
}
