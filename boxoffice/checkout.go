/*
checkout.go - The purchase flow: hold -> pay -> confirm -> issue

PURPOSE:
  Orchestrates the components into a purchase. Nothing here holds state;
  each step is idempotent, so the whole flow can be re-run for the same
  payment (a retried request, a repeated callback, the recovery poller)
  and converges on one confirmed reservation and one ticket.

FLOW:
  1. CreateHold                      (reservation.go)
  2. Initiate payment for the hold   (payment.go)
  3. succeeded -> ConfirmHold + Issue in ONE transaction
     failed    -> ReleaseHold, unless another payment for the hold is live
     pending   -> wait for callback or poll
  4. Notify ticket_issued after commit

PAID AFTER EXPIRY:
  If a payment succeeds for a hold that has expired or was resolved
  otherwise, the money is never kept: the payment is reversed and a
  paid_after_expiry flag is raised.

SEE ALSO:
  - api/handlers.go: HTTP entry points
  - api/scheduler.go: Recovery poller
*/
package boxoffice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Checkout struct {
	store        Store
	capacity     *CapacityLedger
	reservations *ReservationManager
	payments     *PaymentGuard
	tickets      *TicketIssuer
	clock        Clock
}

func NewCheckout(store Store, capacity *CapacityLedger, reservations *ReservationManager, payments *PaymentGuard, tickets *TicketIssuer, clock Clock) *Checkout {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Checkout{
		store:        store,
		capacity:     capacity,
		reservations: reservations,
		payments:     payments,
		tickets:      tickets,
		clock:        clock,
	}
}

type PayRequest struct {
	ReservationToken string
	IdempotencyKey   string
	Method           PaymentMethod
	UserID           string
	WalletID         string
	Payload          map[string]string
}

// Purchase is the state of a hold after a payment step.
// Ticket is nil until the payment has succeeded and the hold was confirmed.
type Purchase struct {
	Reservation Reservation
	Payment     Payment
	Ticket      *Ticket
	Replayed    bool
}

// Pay charges the price of a hold and completes the purchase if the charge
// settles synchronously.
func (c *Checkout) Pay(ctx context.Context, req PayRequest) (*Purchase, error) {
	res, err := c.reservations.Get(ctx, req.ReservationToken)
	if err != nil {
		return nil, err
	}

	// A known key is a replay; Initiate decides its outcome.
	if _, err := c.payments.Get(ctx, req.IdempotencyKey); errors.Is(err, ErrPaymentNotFound) {
		if res.Status != ReservationActive {
			return nil, fmt.Errorf("reservation %s is %s: %w", res.Token, res.Status, ErrReservationAlreadyResolved)
		}
		if res.ExpiredAt(c.clock.Now()) {
			return nil, fmt.Errorf("reservation %s: %w", res.Token, ErrReservationExpired)
		}
		// One live charge per hold.
		var live []Payment
		err := c.store.WithTx(ctx, func(tx Tx) error {
			var err error
			live, err = paymentsForHold(ctx, tx, res.Token, "", PaymentPending, PaymentProcessing)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(live) > 0 {
			return nil, fmt.Errorf("reservation %s is being paid by %s: %w", res.Token, live[0].IdempotencyKey, ErrPaymentInFlight)
		}
	} else if err != nil {
		return nil, err
	}

	tier, err := c.capacity.Tier(ctx, res.EventID, res.SeatClass)
	if err != nil {
		return nil, err
	}
	userID := req.UserID
	if userID == "" {
		userID = res.HolderID
	}

	outcome, err := c.payments.Initiate(ctx, PaymentRequest{
		IdempotencyKey:   req.IdempotencyKey,
		Amount:           tier.Price.MulInt(res.Quantity),
		Method:           req.Method,
		UserID:           userID,
		WalletID:         req.WalletID,
		ReservationToken: res.Token,
		Payload:          req.Payload,
	})
	if err != nil {
		return nil, err
	}

	purchase, err := c.Settle(ctx, outcome.Payment)
	if purchase != nil {
		purchase.Replayed = outcome.Replayed
	}
	return purchase, err
}

// HandleCallback applies a provider callback and settles the purchase.
func (c *Checkout) HandleCallback(ctx context.Context, cb Callback) (*Purchase, error) {
	p, _, err := c.payments.HandleCallback(ctx, cb)
	if err != nil {
		return nil, err
	}
	return c.Settle(ctx, *p)
}

// Settle moves the purchase forward according to the payment's status.
// It is safe to call any number of times.
func (c *Checkout) Settle(ctx context.Context, p Payment) (*Purchase, error) {
	if p.ReservationToken == "" {
		return &Purchase{Payment: p}, nil
	}

	switch p.Status {
	case PaymentSucceeded:
		return c.complete(ctx, p)
	case PaymentFailed:
		return c.releaseFailed(ctx, p)
	}

	res, err := c.reservations.Get(ctx, p.ReservationToken)
	if err != nil {
		return nil, err
	}
	purchase := &Purchase{Reservation: *res, Payment: p}
	if p.Status == PaymentReversed {
		t, err := c.ticketOf(ctx, p)
		if err != nil {
			return nil, err
		}
		purchase.Ticket = t
	}
	return purchase, nil
}

// releaseFailed releases the hold of a failed payment, unless another
// payment for the same hold is still in flight or has succeeded.
func (c *Checkout) releaseFailed(ctx context.Context, p Payment) (*Purchase, error) {
	var (
		res      *Reservation
		released bool
	)
	err := c.store.WithTx(ctx, func(tx Tx) error {
		others, err := paymentsForHold(ctx, tx, p.ReservationToken, p.ID,
			PaymentPending, PaymentProcessing, PaymentSucceeded)
		if err != nil {
			return err
		}
		if len(others) > 0 {
			res, err = tx.GetReservation(ctx, p.ReservationToken)
			return err
		}
		res, released, err = c.reservations.releaseInTx(ctx, tx, p.ReservationToken)
		if errors.Is(err, ErrReservationAlreadyResolved) {
			res, err = tx.GetReservation(ctx, p.ReservationToken)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if released {
		c.reservations.afterRelease(*res)
	}
	return &Purchase{Reservation: *res, Payment: p}, nil
}

// paymentsForHold lists the payments of a hold in one of statuses, leaving
// out the payment with id except.
func paymentsForHold(ctx context.Context, tx Tx, token, except string, statuses ...PaymentStatus) ([]Payment, error) {
	payments, err := tx.ListPayments(ctx, PaymentFilter{ReservationToken: token, Statuses: statuses})
	if err != nil {
		return nil, err
	}
	out := payments[:0]
	for _, p := range payments {
		if p.ID != except {
			out = append(out, p)
		}
	}
	return out, nil
}

// complete confirms the hold and issues the ticket atomically.
func (c *Checkout) complete(ctx context.Context, p Payment) (*Purchase, error) {
	var (
		purchase  *Purchase
		confirmed bool
		issued    bool
		orphaned  error
	)
	err := c.store.WithTx(ctx, func(tx Tx) error {
		purchase, confirmed, issued, orphaned = nil, false, false, nil

		res, didConfirm, err := c.reservations.confirmInTx(ctx, tx, p.ReservationToken, p.ID)
		if errors.Is(err, ErrReservationExpired) || errors.Is(err, ErrReservationAlreadyResolved) {
			// Commit any expiry; the payment is refunded below.
			orphaned = err
			return nil
		}
		if err != nil {
			return err
		}
		issue, err := c.tickets.issueInTx(ctx, tx, p.ReservationToken, p.IdempotencyKey)
		if err != nil {
			return err
		}
		confirmed, issued = didConfirm, !issue.Replayed
		ticket := issue.Ticket
		purchase = &Purchase{Reservation: *res, Payment: p, Ticket: &ticket}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if orphaned != nil {
		return c.refundOrphan(ctx, p, orphaned)
	}

	if confirmed {
		c.reservations.afterConfirm(purchase.Reservation)
	}
	if issued {
		c.tickets.afterIssue(ctx, *purchase.Ticket)
	}
	return purchase, nil
}

// refundOrphan reverses a payment that can no longer buy its hold.
func (c *Checkout) refundOrphan(ctx context.Context, p Payment, cause error) (*Purchase, error) {
	var res *Reservation
	err := c.store.WithTx(ctx, func(tx Tx) error {
		var err error
		res, err = tx.GetReservation(ctx, p.ReservationToken)
		if err != nil {
			return err
		}
		_, err = raiseFlag(ctx, tx, c.clock, FlagPaidAfterExpiry, p.IdempotencyKey,
			cause.Error(), string(res.Status), string(p.Status))
		return err
	})
	if err != nil {
		return nil, err
	}
	if res.Status == ReservationExpired {
		c.reservations.afterExpiry(ctx, []Reservation{*res}, c.clock.Now())
	}

	reversed, err := c.payments.Reverse(ctx, p.IdempotencyKey, "hold no longer valid: "+cause.Error())
	if err != nil {
		zap.L().Error("Failed to refund payment for lost hold",
			zap.String("idempotency_key", p.IdempotencyKey),
			zap.String("reservation_token", p.ReservationToken),
			zap.Error(err))
		return nil, err
	}
	return &Purchase{Reservation: *res, Payment: *reversed}, cause
}

// Refund reverses a purchase and cancels the ticket it bought. Used tickets
// cannot be refunded. A payment that bought no ticket is only reversed.
func (c *Checkout) Refund(ctx context.Context, key, reason string) (*Purchase, error) {
	p, err := c.payments.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.ReservationToken != "" {
		t, err := c.ticketOf(ctx, *p)
		if err != nil {
			return nil, err
		}
		if t != nil && t.Status == TicketUsed {
			return nil, &IllegalTransitionError{Entity: "ticket", ID: t.Code, From: string(t.Status), To: string(TicketCancelled)}
		}
	}

	reversed, err := c.payments.Reverse(ctx, key, reason)
	if err != nil {
		return nil, err
	}
	purchase := &Purchase{Payment: *reversed}
	if p.ReservationToken == "" {
		return purchase, nil
	}

	err = c.store.WithTx(ctx, func(tx Tx) error {
		res, err := tx.GetReservation(ctx, p.ReservationToken)
		if err != nil {
			return err
		}
		purchase.Reservation = *res

		t, err := tx.GetTicketByReservation(ctx, p.ReservationToken)
		if errors.Is(err, ErrTicketNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if t.PaymentID != p.ID {
			return nil
		}
		if t.Status == TicketCancelled {
			purchase.Ticket = t
			return nil
		}
		t, err = c.tickets.cancelInTx(ctx, tx, t.Code)
		if err != nil {
			return err
		}
		purchase.Ticket = t
		return c.capacity.Unsell(ctx, tx, res.Grant())
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("Purchase refunded",
		zap.String("idempotency_key", key),
		zap.String("reservation_token", p.ReservationToken))
	return purchase, nil
}

// ticketOf returns the ticket bought by p, or nil.
func (c *Checkout) ticketOf(ctx context.Context, p Payment) (*Ticket, error) {
	var t *Ticket
	err := c.store.WithTx(ctx, func(tx Tx) error {
		var err error
		t, err = tx.GetTicketByReservation(ctx, p.ReservationToken)
		if errors.Is(err, ErrTicketNotFound) || (err == nil && t.PaymentID != p.ID) {
			t, err = nil, nil
		}
		return err
	})
	return t, err
}

// SettleStale polls payments that have not moved for longer than age and
// settles the purchases they belong to.
func (c *Checkout) SettleStale(ctx context.Context, age time.Duration, limit int) (int, error) {
	settled, err := c.payments.SettleStale(ctx, age, limit)
	if err != nil {
		return 0, err
	}
	for _, p := range settled {
		if _, err := c.Settle(ctx, p); err != nil && !IsClientError(err) {
			zap.L().Error("Failed to settle purchase",
				zap.String("idempotency_key", p.IdempotencyKey), zap.Error(err))
		}
	}
	return len(settled), nil
}

// RecoverSucceeded re-runs completion for succeeded payments created after
// since whose hold was never confirmed by them, e.g. after a crash between
// the charge and the confirmation.
func (c *Checkout) RecoverSucceeded(ctx context.Context, since time.Time) (int, error) {
	var pending []Payment
	err := c.store.WithTx(ctx, func(tx Tx) error {
		payments, err := tx.ListPayments(ctx, PaymentFilter{
			Statuses:     []PaymentStatus{PaymentSucceeded},
			CreatedAfter: &since,
		})
		if err != nil {
			return err
		}
		for _, p := range payments {
			if p.ReservationToken == "" {
				continue
			}
			t, err := tx.GetTicketByReservation(ctx, p.ReservationToken)
			if err == nil && t.PaymentID == p.ID {
				continue
			}
			if err == nil {
				pending = append(pending, p)
				continue
			}
			if !errors.Is(err, ErrTicketNotFound) {
				return err
			}
			pending = append(pending, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, p := range pending {
		if _, err := c.Settle(ctx, p); err != nil && !IsClientError(err) {
			zap.L().Error("Failed to recover purchase",
				zap.String("idempotency_key", p.IdempotencyKey), zap.Error(err))
			continue
		}
		recovered++
	}
	return recovered, nil
}
