package bank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"festival-booking/internal/status"
	"festival-booking/models"
	"festival-booking/utils"
)

const DefaultTimeout = 5 * time.Second

// Observer receives one call per provider request.
type Observer interface {
	ObserveGatewayCall(provider, operation string, elapsed time.Duration, err error)
}

// Guarded wraps a Gateway with a per-call timeout and a circuit breaker.
// Every error it returns is classified as a payment gateway error.
type Guarded struct {
	next     Gateway
	breaker  *utils.CircuitBreaker
	timeout  time.Duration
	observer Observer
}

type GuardOption func(*Guarded)

func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guarded) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithBreaker(cb *utils.CircuitBreaker) GuardOption {
	return func(g *Guarded) {
		if cb != nil {
			g.breaker = cb
		}
	}
}

func WithObserver(o Observer) GuardOption {
	return func(g *Guarded) {
		g.observer = o
	}
}

func NewGuarded(next Gateway, opts ...GuardOption) *Guarded {
	g := &Guarded{
		next:    next,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = utils.NewCircuitBreaker(string(next.Provider()),
			utils.WithTrip(10, 0.5),
			utils.WithCoolDown(30*time.Second),
		)
	}
	return g
}

func (g *Guarded) Provider() Provider {
	return g.next.Provider()
}

// Unwrap returns the wrapped gateway.
func (g *Guarded) Unwrap() Gateway {
	return g.next
}

func (g *Guarded) CreateIntent(ctx context.Context, req *IntentRequest) (*Intent, error) {
	v, err := g.do(ctx, "create_intent", func(ctx context.Context) (any, error) {
		return g.next.CreateIntent(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Intent), nil
}

func (g *Guarded) GetStatus(ctx context.Context, reference string) (status.Outcome, error) {
	v, err := g.do(ctx, "get_status", func(ctx context.Context) (any, error) {
		return g.next.GetStatus(ctx, reference)
	})
	if err != nil {
		return "", err
	}
	return v.(status.Outcome), nil
}

func (g *Guarded) Refund(ctx context.Context, reference string, amount *models.Money) error {
	_, err := g.do(ctx, "refund", func(ctx context.Context) (any, error) {
		return nil, g.next.Refund(ctx, reference, amount)
	})
	return err
}

func (g *Guarded) Cancel(ctx context.Context, reference string) error {
	_, err := g.do(ctx, "cancel", func(ctx context.Context) (any, error) {
		return nil, g.next.Cancel(ctx, reference)
	})
	return err
}

func (g *Guarded) SetSettlementChannel(ch chan *status.Settlement) {
	g.next.SetSettlementChannel(ch)
}

func (g *Guarded) Close(ctx context.Context) error {
	return g.next.Close(ctx)
}

// rejection reports errors where the provider answered; they do not count
// against the breaker.
func rejection(err error) bool {
	return errors.Is(err, ErrRefundUnsupported) || errors.Is(err, status.ErrRefCodeNotFound)
}

type callResult struct {
	v   any
	err error
}

func (g *Guarded) do(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	var rejected error
	v, err := g.breaker.Execute(ctx, func() (any, error) {
		done := make(chan callResult, 1)
		go func() {
			v, err := fn(ctx)
			done <- callResult{v: v, err: err}
		}()

		select {
		case r := <-done:
			if r.err != nil && rejection(r.err) {
				rejected = r.err
				return nil, nil
			}
			return r.v, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err == nil {
		err = rejected
	}

	if g.observer != nil {
		g.observer.ObserveGatewayCall(string(g.next.Provider()), op, time.Since(start), err)
	}
	if err != nil {
		return nil, status.Wrap(status.KindPaymentGateway, err, fmt.Sprintf("payment provider %s failed", op))
	}
	return v, nil
}
