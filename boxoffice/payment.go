/*
payment.go - PaymentIdempotencyGuard: one charge per idempotency key

PURPOSE:
  Turns "the client may send this request many times, concurrently" into
  "the customer is charged at most once". The payments row keyed by the
  idempotency key is the lock: whoever inserts it owns the charge, everyone
  else reads it.

STATE MACHINE:
  pending -> processing -> succeeded | failed
  succeeded -> reversed

INITIATE:
  key unseen             insert pending, mark processing, charge
  key seen, terminal     return the stored outcome (Replayed)
  key seen, in flight    ErrPaymentInFlight, retry later
  key seen, other params ErrIdempotencyKeyReuse

  Once a payment is processing it only leaves that state on a definitive
  signal: a gateway result, a callback, or a poll. A timeout is not a
  failure.

WALLET PAYMENTS:
  Settle synchronously: the wallet debit and processing -> succeeded commit
  in the same transaction, so money moves if and only if the payment
  succeeds.

CALLBACKS:
  Applied once by a conditional update guarded by the non-terminal status.
  A callback contradicting a terminal payment raises a reconciliation flag
  and changes nothing.

SEE ALSO:
  - gateway.go: Provider port
  - checkout.go: What happens after a payment settles
*/
package boxoffice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/box-office/monitoring"
)

// DefaultUnknownChargeGrace is how long a processing charge may be unknown
// to the provider before a poll fails it.
const DefaultUnknownChargeGrace = time.Minute

type PaymentGuard struct {
	store        Store
	wallets      *WalletLedger
	gateway      Gateway
	clock        Clock
	notifier     Notifier
	unknownGrace time.Duration
}

type PaymentOption func(*PaymentGuard)

func WithPaymentNotifier(n Notifier) PaymentOption {
	return func(g *PaymentGuard) {
		g.notifier = n
	}
}

// WithUnknownChargeGrace sets how long Poll keeps a processing payment the
// provider does not know yet.
func WithUnknownChargeGrace(d time.Duration) PaymentOption {
	return func(g *PaymentGuard) {
		if d > 0 {
			g.unknownGrace = d
		}
	}
}

func NewPaymentGuard(store Store, wallets *WalletLedger, gateway Gateway, clock Clock, opts ...PaymentOption) *PaymentGuard {
	if clock == nil {
		clock = SystemClock{}
	}
	g := &PaymentGuard{
		store:        store,
		wallets:      wallets,
		gateway:      gateway,
		clock:        clock,
		unknownGrace: DefaultUnknownChargeGrace,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type PaymentRequest struct {
	IdempotencyKey   string
	Amount           Money
	Method           PaymentMethod
	UserID           string
	WalletID         string
	ReservationToken string
	Payload          map[string]string
}

type PaymentOutcome struct {
	Payment  Payment
	Replayed bool
}

func paymentReference(key string) string { return "payment:" + key }
func refundReference(key string) string  { return "refund:" + key }

func fingerprint(req PaymentRequest) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		req.Amount.Value.String(),
		string(req.Amount.Currency),
		string(req.Method),
		req.UserID,
		req.WalletID,
		req.ReservationToken,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func (g *PaymentGuard) validate(req *PaymentRequest) error {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.IdempotencyKey == "":
		return invalid("idempotency_key", "required")
	case !req.Amount.IsPositive():
		return invalid("amount", "must be positive")
	case req.Amount.Currency == "":
		return invalid("currency", "required")
	case !req.Method.Valid():
		return invalid("method", "unknown payment method %q", req.Method)
	case req.Method == MethodWallet && req.WalletID == "":
		return invalid("wallet_id", "required for wallet payments")
	case req.Method != MethodWallet && g.gateway == nil:
		return invalid("method", "no provider configured for %s", req.Method)
	}
	return nil
}

// Initiate charges once per idempotency key. See the file header for the
// replay rules.
func (g *PaymentGuard) Initiate(ctx context.Context, req PaymentRequest) (*PaymentOutcome, error) {
	if err := g.validate(&req); err != nil {
		return nil, err
	}

	now := g.clock.Now()
	p := Payment{
		ID:               uuid.NewString(),
		IdempotencyKey:   req.IdempotencyKey,
		Fingerprint:      fingerprint(req),
		Amount:           req.Amount,
		Method:           req.Method,
		Status:           PaymentPending,
		UserID:           req.UserID,
		WalletID:         req.WalletID,
		ReservationToken: req.ReservationToken,
		Payload:          req.Payload,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var existing *Payment
	err := g.store.WithTx(ctx, func(tx Tx) error {
		existing = nil
		inserted, err := tx.InsertPayment(ctx, p)
		if err != nil || inserted {
			return err
		}
		existing, err = tx.GetPayment(ctx, p.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return replayOutcome(*existing, p.Fingerprint)
	}

	var marked bool
	err = g.store.WithTx(ctx, func(tx Tx) error {
		var err error
		marked, err = tx.TransitionPayment(ctx, PaymentTransition{
			Key:  p.IdempotencyKey,
			From: []PaymentStatus{PaymentPending},
			To:   PaymentProcessing,
			At:   g.clock.Now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !marked {
		// Settled by someone else between the two transactions.
		current, err := g.Get(ctx, p.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		return &PaymentOutcome{Payment: *current}, nil
	}
	p.Status = PaymentProcessing

	var settled *Payment
	if p.Method == MethodWallet {
		settled, err = g.chargeWallet(ctx, p)
	} else {
		settled, err = g.chargeGateway(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	return &PaymentOutcome{Payment: *settled}, nil
}

func replayOutcome(p Payment, fp string) (*PaymentOutcome, error) {
	if p.Fingerprint != fp {
		return nil, fmt.Errorf("payment %s: %w", p.IdempotencyKey, ErrIdempotencyKeyReuse)
	}
	if !p.Status.IsTerminal() {
		return nil, fmt.Errorf("payment %s is %s: %w", p.IdempotencyKey, p.Status, ErrPaymentInFlight)
	}
	return &PaymentOutcome{Payment: p, Replayed: true}, nil
}

func (g *PaymentGuard) chargeWallet(ctx context.Context, p Payment) (*Payment, error) {
	var (
		out     *Payment
		posting *PostingResult
		applied bool
	)
	err := g.store.WithTx(ctx, func(tx Tx) error {
		var err error
		posting, err = g.wallets.postInTx(ctx, tx, TransactionRequest{
			WalletID:    p.WalletID,
			Type:        TxPayment,
			Amount:      p.Amount,
			Reference:   paymentReference(p.IdempotencyKey),
			Description: "payment " + p.IdempotencyKey,
		})
		to, reason := PaymentSucceeded, ""
		if err != nil {
			if !IsClientError(err) {
				return err
			}
			to, reason = PaymentFailed, err.Error()
		}
		out, applied, err = g.transitionInTx(ctx, tx, PaymentTransition{
			Key:           p.IdempotencyKey,
			From:          []PaymentStatus{PaymentProcessing},
			To:            to,
			At:            g.clock.Now(),
			FailureReason: reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	g.wallets.afterPost(posting)
	if applied {
		g.afterSettle(*out)
	}
	return out, nil
}

func (g *PaymentGuard) chargeGateway(ctx context.Context, p Payment) (*Payment, error) {
	res, err := g.gateway.Charge(ctx, ChargeRequest{
		IdempotencyKey: p.IdempotencyKey,
		Amount:         p.Amount,
		Method:         p.Method,
		UserID:         p.UserID,
		Payload:        p.Payload,
	})
	if err != nil {
		zap.L().Warn("Charge returned no definitive result, payment stays processing",
			zap.String("idempotency_key", p.IdempotencyKey),
			zap.Error(err))
		return g.Get(ctx, p.IdempotencyKey)
	}
	out, _, err := g.settle(ctx, p.IdempotencyKey, "", res)
	return out, err
}

// transitionInTx applies t and returns the stored row. A lost guard is not
// an error: the stored row is the outcome.
func (g *PaymentGuard) transitionInTx(ctx context.Context, tx Tx, t PaymentTransition) (*Payment, bool, error) {
	ok, err := tx.TransitionPayment(ctx, t)
	if err != nil {
		return nil, false, err
	}
	p, err := tx.GetPayment(ctx, t.Key)
	if err != nil {
		return nil, false, err
	}
	return p, ok, nil
}

// =============================================================================
// SETTLEMENT: gateway results, callbacks, polls
// =============================================================================

type Callback struct {
	IdempotencyKey    string
	ExternalReference string
	Status            ChargeStatus
	FailureReason     string
	Amount            *Money
}

// HandleCallback applies a provider callback once. It reports whether this
// call settled the payment.
func (g *PaymentGuard) HandleCallback(ctx context.Context, cb Callback) (*Payment, bool, error) {
	switch cb.Status {
	case ChargeSucceeded, ChargeFailed, ChargePending, ChargeRefunded:
	default:
		return nil, false, invalid("status", "unknown charge status %q", cb.Status)
	}
	if cb.IdempotencyKey == "" && cb.ExternalReference == "" {
		return nil, false, invalid("idempotency_key", "idempotency_key or external_reference required")
	}
	return g.settleWith(ctx, cb.IdempotencyKey, cb.ExternalReference, ChargeResult{
		Status:            cb.Status,
		ExternalReference: cb.ExternalReference,
		FailureReason:     cb.FailureReason,
	}, cb.Amount)
}

func (g *PaymentGuard) settle(ctx context.Context, key, externalRef string, res ChargeResult) (*Payment, bool, error) {
	return g.settleWith(ctx, key, externalRef, res, nil)
}

func (g *PaymentGuard) settleWith(ctx context.Context, key, externalRef string, res ChargeResult, amount *Money) (*Payment, bool, error) {
	var (
		out     *Payment
		applied bool
	)
	err := g.store.WithTx(ctx, func(tx Tx) error {
		p, err := g.lookup(ctx, tx, key, externalRef)
		if err != nil {
			return err
		}
		if p.Method == MethodWallet {
			return invalid("method", "wallet payments settle internally")
		}
		if amount != nil && !amount.Equal(p.Amount) {
			out = p
			_, err := raiseFlag(ctx, tx, g.clock, FlagAmountMismatch, p.IdempotencyKey,
				"provider reported a different amount", p.Amount.String(), amount.String())
			return err
		}
		out, applied, err = g.settleInTx(ctx, tx, p, res)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		g.afterSettle(*out)
	}
	return out, applied, nil
}

func (g *PaymentGuard) lookup(ctx context.Context, tx Tx, key, externalRef string) (*Payment, error) {
	if key != "" {
		return tx.GetPayment(ctx, key)
	}
	p, err := tx.FindPaymentByExternalReference(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("external reference %s: %w", externalRef, ErrPaymentNotFound)
	}
	return p, nil
}

func (g *PaymentGuard) settleInTx(ctx context.Context, tx Tx, p *Payment, res ChargeResult) (*Payment, bool, error) {
	if p.Status.IsTerminal() {
		if contradicts(p.Status, res.Status) {
			_, err := raiseFlag(ctx, tx, g.clock, FlagStatusMismatch, p.IdempotencyKey,
				"provider signal contradicts settled payment", string(p.Status), string(res.Status))
			return p, false, err
		}
		return p, false, nil
	}

	var to PaymentStatus
	switch res.Status {
	case ChargePending:
		if res.ExternalReference == "" || res.ExternalReference == p.ExternalReference {
			return p, false, nil
		}
		out, _, err := g.transitionInTx(ctx, tx, PaymentTransition{
			Key:               p.IdempotencyKey,
			From:              []PaymentStatus{PaymentProcessing},
			To:                PaymentProcessing,
			At:                g.clock.Now(),
			ExternalReference: res.ExternalReference,
		})
		return out, false, err
	case ChargeSucceeded:
		to = PaymentSucceeded
	case ChargeFailed:
		to = PaymentFailed
	default:
		_, err := raiseFlag(ctx, tx, g.clock, FlagStatusMismatch, p.IdempotencyKey,
			"provider reports a refund for an unsettled payment", string(p.Status), string(res.Status))
		return p, false, err
	}

	return g.transitionInTx(ctx, tx, PaymentTransition{
		Key:               p.IdempotencyKey,
		From:              []PaymentStatus{PaymentPending, PaymentProcessing},
		To:                to,
		At:                g.clock.Now(),
		ExternalReference: res.ExternalReference,
		FailureReason:     res.FailureReason,
	})
}

// contradicts reports whether an external signal disagrees with a settled
// payment. A pending signal is the provider lagging, not a disagreement.
func contradicts(internal PaymentStatus, external ChargeStatus) bool {
	if external == ChargePending {
		return false
	}
	switch internal {
	case PaymentSucceeded:
		return external != ChargeSucceeded
	case PaymentFailed:
		return external != ChargeFailed
	case PaymentReversed:
		return external != ChargeRefunded
	}
	return false
}

// Poll asks the provider about a processing payment. A charge the provider
// does not know fails only once it has been processing for the grace period.
func (g *PaymentGuard) Poll(ctx context.Context, key string) (*Payment, bool, error) {
	p, err := g.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if p.Status.IsTerminal() {
		return p, false, nil
	}
	if p.Method == MethodWallet {
		return g.resolveWallet(ctx, *p)
	}
	if p.Status == PaymentPending {
		return p, false, nil
	}

	res, err := g.gateway.Status(ctx, key)
	if errors.Is(err, ErrChargeNotFound) {
		if g.clock.Now().Sub(p.UpdatedAt) < g.unknownGrace {
			return p, false, nil
		}
		res = ChargeResult{Status: ChargeFailed, FailureReason: "unknown to provider"}
	} else if err != nil {
		return p, false, fmt.Errorf("poll %s: %w: %v", key, ErrGatewayUnavailable, err)
	}
	return g.settle(ctx, key, "", res)
}

// resolveWallet settles a wallet payment interrupted between marking it
// processing and posting the debit. The ledger row decides the outcome.
func (g *PaymentGuard) resolveWallet(ctx context.Context, p Payment) (*Payment, bool, error) {
	var (
		out     *Payment
		applied bool
	)
	err := g.store.WithTx(ctx, func(tx Tx) error {
		posting, err := tx.FindWalletTransactionByReference(ctx, paymentReference(p.IdempotencyKey))
		if err != nil {
			return err
		}
		to, reason := PaymentFailed, "interrupted before debit"
		if posting != nil && posting.Status == WalletTxCompleted {
			to, reason = PaymentSucceeded, ""
		} else if posting != nil {
			reason = "insufficient funds"
		}
		out, applied, err = g.transitionInTx(ctx, tx, PaymentTransition{
			Key:           p.IdempotencyKey,
			From:          []PaymentStatus{PaymentPending, PaymentProcessing},
			To:            to,
			At:            g.clock.Now(),
			FailureReason: reason,
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		g.afterSettle(*out)
	}
	return out, applied, nil
}

// SettleStale resolves payments that have not moved for longer than age.
// Pending rows were never charged and are failed; processing rows are
// polled. It returns the payments this call settled.
func (g *PaymentGuard) SettleStale(ctx context.Context, age time.Duration, limit int) ([]Payment, error) {
	cutoff := g.clock.Now().Add(-age)

	var stale []Payment
	err := g.store.WithTx(ctx, func(tx Tx) error {
		processing, err := tx.ListPayments(ctx, PaymentFilter{Statuses: []PaymentStatus{PaymentProcessing}})
		if err != nil {
			return err
		}
		monitoring.SetProcessingPayments(len(processing))

		stale, err = tx.ListPayments(ctx, PaymentFilter{
			Statuses:      []PaymentStatus{PaymentPending, PaymentProcessing},
			UpdatedBefore: &cutoff,
			Limit:         limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}

	var settled []Payment
	for _, p := range stale {
		if ctx.Err() != nil {
			break
		}
		var (
			out     *Payment
			applied bool
			err     error
		)
		switch {
		case p.Status == PaymentPending:
			out, applied, err = g.abandon(ctx, p)
		default:
			out, applied, err = g.Poll(ctx, p.IdempotencyKey)
		}
		if err != nil {
			zap.L().Warn("Stale payment not settled",
				zap.String("idempotency_key", p.IdempotencyKey), zap.Error(err))
			continue
		}
		if applied {
			settled = append(settled, *out)
		}
	}
	return settled, nil
}

// abandon fails a pending payment that never reached the charge step.
func (g *PaymentGuard) abandon(ctx context.Context, p Payment) (*Payment, bool, error) {
	var (
		out     *Payment
		applied bool
	)
	err := g.store.WithTx(ctx, func(tx Tx) error {
		now := g.clock.Now()
		ok, err := tx.TransitionPayment(ctx, PaymentTransition{
			Key: p.IdempotencyKey, From: []PaymentStatus{PaymentPending}, To: PaymentProcessing, At: now,
		})
		if err != nil {
			return err
		}
		if !ok {
			out, err = tx.GetPayment(ctx, p.IdempotencyKey)
			return err
		}
		out, applied, err = g.transitionInTx(ctx, tx, PaymentTransition{
			Key:           p.IdempotencyKey,
			From:          []PaymentStatus{PaymentProcessing},
			To:            PaymentFailed,
			At:            now,
			FailureReason: "abandoned before charge",
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		g.afterSettle(*out)
	}
	return out, applied, nil
}

// =============================================================================
// REVERSAL
// =============================================================================

// Reverse refunds a succeeded payment. Wallet payments are credited back in
// the same transaction as the status change. Reversing twice returns the
// reversed payment. External refunds are sent before the status change, so
// concurrent reversals may each reach the provider; Gateway.Refund is
// idempotent on the key.
func (g *PaymentGuard) Reverse(ctx context.Context, key, reason string) (*Payment, error) {
	p, err := g.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.Status == PaymentReversed {
		return p, nil
	}
	if p.Status != PaymentSucceeded {
		return nil, &IllegalTransitionError{Entity: "payment", ID: key, From: string(p.Status), To: string(PaymentReversed)}
	}

	if p.Method != MethodWallet {
		if err := g.gateway.Refund(ctx, key, p.Amount); err != nil {
			return nil, fmt.Errorf("refund %s: %w: %v", key, ErrGatewayUnavailable, err)
		}
	}

	var (
		out     *Payment
		posting *PostingResult
		applied bool
	)
	err = g.store.WithTx(ctx, func(tx Tx) error {
		var err error
		if p.Method == MethodWallet {
			posting, err = g.wallets.postInTx(ctx, tx, TransactionRequest{
				WalletID:    p.WalletID,
				Type:        TxRefund,
				Amount:      p.Amount,
				Reference:   refundReference(key),
				Description: "refund " + key,
			})
			if err != nil {
				return err
			}
		}
		out, applied, err = g.transitionInTx(ctx, tx, PaymentTransition{
			Key:           key,
			From:          []PaymentStatus{PaymentSucceeded},
			To:            PaymentReversed,
			At:            g.clock.Now(),
			FailureReason: reason,
		})
		if err != nil {
			return err
		}
		if out.Status != PaymentReversed {
			return &IllegalTransitionError{Entity: "payment", ID: key, From: string(out.Status), To: string(PaymentReversed)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.wallets.afterPost(posting)
	if applied {
		g.afterSettle(*out)
	}
	return out, nil
}

// ListProcessing returns processing payments that have not moved for
// longer than olderThan, oldest first.
func (g *PaymentGuard) ListProcessing(ctx context.Context, olderThan time.Duration) ([]Payment, error) {
	cutoff := g.clock.Now().Add(-olderThan)
	var out []Payment
	err := g.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListPayments(ctx, PaymentFilter{
			Statuses:      []PaymentStatus{PaymentProcessing},
			UpdatedBefore: &cutoff,
		})
		return err
	})
	return out, err
}

func (g *PaymentGuard) Get(ctx context.Context, key string) (*Payment, error) {
	var p *Payment
	err := g.store.WithTx(ctx, func(tx Tx) error {
		var err error
		p, err = tx.GetPayment(ctx, key)
		return err
	})
	return p, err
}

func (g *PaymentGuard) afterSettle(p Payment) {
	monitoring.RecordPayment(string(p.Method), string(p.Status))
	zap.L().Info("Payment settled",
		zap.String("idempotency_key", p.IdempotencyKey),
		zap.String("method", string(p.Method)),
		zap.String("status", string(p.Status)),
		zap.String("amount", p.Amount.String()),
		zap.String("failure_reason", p.FailureReason))

	at := p.UpdatedAt
	if p.SettledAt != nil {
		at = *p.SettledAt
	}
	dispatch(context.Background(), g.notifier, Notification{
		Kind:    NotifyPaymentSettled,
		Subject: p.IdempotencyKey,
		UserID:  p.UserID,
		Data: map[string]string{
			"status":            string(p.Status),
			"method":            string(p.Method),
			"amount":            p.Amount.String(),
			"reservation_token": p.ReservationToken,
		},
		OccurredAt: at,
	})
}
