package dispatch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/settledrain/internal/controller"
	"github.com/terminal-bench/settledrain/internal/guard"
	"github.com/terminal-bench/settledrain/pkg/circuit"
)

// Engine is the slice of the controller the drain workers need.
type Engine interface {
	ValidateItem(ctx context.Context, item guard.Item) controller.ValidationResult
	RecordResult(ctx context.Context, in controller.ResultInput) controller.ResultOutcome
	Rate() float64
}

// idleInterval is how long the pacer sleeps when the drain is paused
// or the backlog is empty.
const idleInterval = 250 * time.Millisecond

// PoolConfig wires a drain worker pool.
type PoolConfig struct {
	Logger   zerolog.Logger
	Engine   Engine
	Backlog  *Backlog
	Client   ProviderClient
	Breakers *circuit.BreakerGroup
	Workers  int
}

// Pool drains the backlog. A single pacer pops items at the governor's
// current rate and runs admission; workers issue the downstream call
// outside the controller lock and feed the outcome back.
type Pool struct {
	logger   zerolog.Logger
	engine   Engine
	backlog  *Backlog
	client   ProviderClient
	breakers *circuit.BreakerGroup
	workers  int
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Breakers == nil {
		cfg.Breakers = circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 2,
		})
	}
	return &Pool{
		logger:   cfg.Logger.With().Str("component", "dispatch").Logger(),
		engine:   cfg.Engine,
		backlog:  cfg.Backlog,
		client:   cfg.Client,
		breakers: cfg.Breakers,
		workers:  cfg.Workers,
	}
}

// Run drains until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	work := make(chan guard.Item)

	g.Go(func() error {
		defer close(work)
		return p.pace(ctx, work)
	})

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for item := range work {
				p.settle(ctx, item)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// pace pops at the governor's current rate, runs admission, and hands
// admitted items to the workers. Post-admission rejections consume the
// idempotency key, so rejected items are dropped rather than requeued;
// the pacing keeps those rejections rare.
func (p *Pool) pace(ctx context.Context, work chan<- guard.Item) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rate := p.engine.Rate()
		if rate <= 0 {
			if err := sleep(ctx, idleInterval); err != nil {
				return err
			}
			continue
		}

		item, ok := p.backlog.Pop()
		if !ok {
			if err := sleep(ctx, idleInterval); err != nil {
				return err
			}
			continue
		}

		result := p.engine.ValidateItem(ctx, item)
		switch {
		case result.Accepted:
			select {
			case work <- item:
			case <-ctx.Done():
				return ctx.Err()
			}

		case result.Reason == controller.ReasonNotRunning:
			// The mode gate runs before the key is recorded, so the
			// item stays retryable.
			p.backlog.Push(item)

		default:
			p.logger.Debug().
				Str("charge_id", item.ChargeID).
				Str("reason", result.Reason).
				Msg("item dropped")
		}

		if err := sleep(ctx, time.Duration(float64(time.Second)/rate)); err != nil {
			return err
		}
	}
}

// settle runs the downstream call through the provider's breaker and
// records the outcome. A breaker refusal counts as a failed attempt:
// the item was admitted, so its result has to land in the ledger flow
// either way.
func (p *Pool) settle(ctx context.Context, item guard.Item) {
	err := p.breakers.Execute(ctx, item.ProviderID, func() error {
		return p.client.Settle(ctx, item)
	})
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("charge_id", item.ChargeID).
			Str("provider_id", item.ProviderID).
			Msg("settlement attempt failed")
	}

	p.engine.RecordResult(ctx, controller.ResultInput{
		ChargeID:       item.ChargeID,
		ProviderID:     item.ProviderID,
		TransactionID:  item.TransactionID,
		IdempotencyKey: item.IdempotencyKey,
		Amount:         item.Amount,
		Success:        err == nil,
	})
}

// BreakerStates reports the per-provider circuit states.
func (p *Pool) BreakerStates() map[string]circuit.State {
	return p.breakers.States()
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
