/*
Package gateway provides payment provider adapters for boxoffice.Gateway.

ADAPTERS:
  Simulated: in-memory provider for development and tests. Charges are
             deduplicated on the idempotency key like a real provider.
  HTTP:      JSON client for a provider API behind a circuit breaker.

SIMULATED BEHAVIOUR:
  Each method has a default outcome, overridable per request with the
  payload key "simulate":

    card          succeed
    mobile_money  pending (settled later by callback or poll)
    bank_qr       pending

    simulate=succeed|fail|pending   force the outcome
    simulate=timeout                record the charge but return an error
    simulate=unavailable            return an error without recording
*/
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/box-office/boxoffice"
)

type Behavior string

const (
	BehaviorSucceed     Behavior = "succeed"
	BehaviorFail        Behavior = "fail"
	BehaviorPending     Behavior = "pending"
	BehaviorTimeout     Behavior = "timeout"
	BehaviorUnavailable Behavior = "unavailable"

	simulateKey = "simulate"
)

// ErrSimulatedTimeout is returned for BehaviorTimeout. The charge exists at
// the provider even though the caller saw an error.
var ErrSimulatedTimeout = errors.New("simulated provider timeout")

// ErrSimulatedUnavailable is returned for BehaviorUnavailable.
var ErrSimulatedUnavailable = errors.New("simulated provider unavailable")

type charge struct {
	record boxoffice.ProviderRecord
	reason string
	calls  int
}

// Settler receives asynchronous settlements, like a provider webhook.
type Settler func(ctx context.Context, cb boxoffice.Callback)

// Simulated is an in-memory payment provider.
type Simulated struct {
	mu        sync.Mutex
	charges   map[string]*charge
	behaviors map[boxoffice.PaymentMethod]Behavior
	clock     boxoffice.Clock

	settleAfter time.Duration
	settler     Settler
}

var (
	_ boxoffice.Gateway         = (*Simulated)(nil)
	_ boxoffice.ProviderRecords = (*Simulated)(nil)
)

type SimulatedOption func(*Simulated)

func WithBehavior(method boxoffice.PaymentMethod, b Behavior) SimulatedOption {
	return func(s *Simulated) {
		s.behaviors[method] = b
	}
}

func WithClock(c boxoffice.Clock) SimulatedOption {
	return func(s *Simulated) {
		s.clock = c
	}
}

func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		charges: make(map[string]*charge),
		behaviors: map[boxoffice.PaymentMethod]Behavior{
			boxoffice.MethodCard:        BehaviorSucceed,
			boxoffice.MethodMobileMoney: BehaviorPending,
			boxoffice.MethodBankQR:      BehaviorPending,
		},
		clock: boxoffice.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AutoSettle makes pending charges succeed after delay and reports them
// to fn, the way a provider calls a webhook.
func (s *Simulated) AutoSettle(delay time.Duration, fn Settler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleAfter = delay
	s.settler = fn
}

func (s *Simulated) behaviorFor(req boxoffice.ChargeRequest) Behavior {
	if b, ok := req.Payload[simulateKey]; ok && b != "" {
		return Behavior(b)
	}
	if b, ok := s.behaviors[req.Method]; ok {
		return b
	}
	return BehaviorSucceed
}

func (s *Simulated) Charge(ctx context.Context, req boxoffice.ChargeRequest) (boxoffice.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return boxoffice.ChargeResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.charges[req.IdempotencyKey]; ok {
		c.calls++
		return c.result(), nil
	}

	behavior := s.behaviorFor(req)
	if behavior == BehaviorUnavailable {
		return boxoffice.ChargeResult{}, ErrSimulatedUnavailable
	}

	c := &charge{
		record: boxoffice.ProviderRecord{
			IdempotencyKey:    req.IdempotencyKey,
			ExternalReference: "sim_" + uuid.NewString(),
			Amount:            req.Amount,
			UpdatedAt:         s.clock.Now(),
		},
		calls: 1,
	}
	switch behavior {
	case BehaviorFail:
		c.record.Status = boxoffice.ChargeFailed
		c.reason = "declined by provider"
	case BehaviorPending, BehaviorTimeout:
		c.record.Status = boxoffice.ChargePending
	default:
		c.record.Status = boxoffice.ChargeSucceeded
	}
	s.charges[req.IdempotencyKey] = c

	if behavior == BehaviorTimeout {
		return boxoffice.ChargeResult{}, ErrSimulatedTimeout
	}
	if c.record.Status == boxoffice.ChargePending && s.settler != nil {
		s.scheduleSettle(req.IdempotencyKey)
	}
	return c.result(), nil
}

func (c *charge) result() boxoffice.ChargeResult {
	return boxoffice.ChargeResult{
		Status:            c.record.Status,
		ExternalReference: c.record.ExternalReference,
		FailureReason:     c.reason,
	}
}

func (s *Simulated) scheduleSettle(key string) {
	delay, fn := s.settleAfter, s.settler
	time.AfterFunc(delay, func() {
		cb, err := s.Complete(key, boxoffice.ChargeSucceeded)
		if err != nil {
			zap.L().Warn("Simulated settlement skipped", zap.String("idempotency_key", key), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx, cb)
	})
}

func (s *Simulated) Status(ctx context.Context, key string) (boxoffice.ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[key]
	if !ok {
		return boxoffice.ChargeResult{}, fmt.Errorf("charge %s: %w", key, boxoffice.ErrChargeNotFound)
	}
	return c.result(), nil
}

func (s *Simulated) Refund(ctx context.Context, key string, amount boxoffice.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[key]
	if !ok {
		return fmt.Errorf("charge %s: %w", key, boxoffice.ErrChargeNotFound)
	}
	switch c.record.Status {
	case boxoffice.ChargeRefunded:
		return nil
	case boxoffice.ChargeSucceeded:
	default:
		return fmt.Errorf("charge %s is %s and cannot be refunded", key, c.record.Status)
	}
	if !amount.Equal(c.record.Amount) {
		return fmt.Errorf("refund %s of charge %s for %s: partial refunds unsupported", amount, key, c.record.Amount)
	}
	c.record.Status = boxoffice.ChargeRefunded
	c.record.UpdatedAt = s.clock.Now()
	return nil
}

// Records returns charges updated at or after since, oldest first.
func (s *Simulated) Records(ctx context.Context, since time.Time) ([]boxoffice.ProviderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []boxoffice.ProviderRecord
	for _, c := range s.charges {
		if !c.record.UpdatedAt.Before(since) {
			out = append(out, c.record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].IdempotencyKey < out[j].IdempotencyKey
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

// =============================================================================
// PROVIDER-SIDE CONTROLS
// =============================================================================

// Complete settles a pending charge and returns the callback a provider
// would send for it.
func (s *Simulated) Complete(key string, status boxoffice.ChargeStatus) (boxoffice.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[key]
	if !ok {
		return boxoffice.Callback{}, fmt.Errorf("charge %s: %w", key, boxoffice.ErrChargeNotFound)
	}
	if c.record.Status != boxoffice.ChargePending {
		return boxoffice.Callback{}, fmt.Errorf("charge %s is already %s", key, c.record.Status)
	}
	c.record.Status = status
	c.record.UpdatedAt = s.clock.Now()
	if status == boxoffice.ChargeFailed {
		c.reason = "declined by provider"
	}
	amount := c.record.Amount
	return boxoffice.Callback{
		IdempotencyKey:    key,
		ExternalReference: c.record.ExternalReference,
		Status:            status,
		FailureReason:     c.reason,
		Amount:            &amount,
	}, nil
}

// SetStatus overwrites the provider's view without a callback.
func (s *Simulated) SetStatus(key string, status boxoffice.ChargeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.charges[key]; ok {
		c.record.Status = status
		c.record.UpdatedAt = s.clock.Now()
	}
}

// Forget drops a charge from the provider's records.
func (s *Simulated) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.charges, key)
}

// Calls returns how many Charge calls reached the provider for key.
func (s *Simulated) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.charges[key]; ok {
		return c.calls
	}
	return 0
}

// Charges returns the number of distinct charges.
func (s *Simulated) Charges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.charges)
}
