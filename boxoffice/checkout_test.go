package boxoffice_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/box-office/boxoffice"
	"github.com/warp/box-office/gateway"
)

func TestCheckout_VIPScenario(t *testing.T) {
	// GIVEN: A VIP tier of 2 seats at 40.00
	// WHEN: Two fans buy by card, a third tries to hold
	// THEN: Both get one ticket each, the tier is sold out, the third is refused,
	//       and a replayed checkout neither charges nor issues again

	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 2, "40.00")

	first := e.buy(t, "vip", 1, "pay-1")
	second := e.buy(t, "vip", 1, "pay-2")
	assert.NotEqual(t, first.Ticket.Code, second.Ticket.Code)
	assert.Equal(t, boxoffice.ReservationConfirmed, first.Reservation.Status)
	assert.True(t, first.Payment.Amount.Equal(usd("40")))

	_, err := e.reservations.CreateHold(ctx, boxoffice.HoldRequest{
		EventID: "concert", SeatClass: "vip", Quantity: 1, HolderID: "user-3",
	})
	require.ErrorIs(t, err, boxoffice.ErrCapacityExceeded)

	replay, err := e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: first.Reservation.Token,
		IdempotencyKey:   "pay-1",
		Method:           boxoffice.MethodCard,
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Ticket.Code, replay.Ticket.Code)

	tier := e.tier(t, "vip")
	assert.Equal(t, 2, tier.Sold)
	assert.Equal(t, 0, tier.Reserved)
	assert.Equal(t, 2, e.gateway.Charges())
	assert.Equal(t, 2, e.notes.count(boxoffice.NotifyTicketIssued))
}

func TestCheckout_FailedChargeReleasesHold(t *testing.T) {
	e := newEnv(t, gateway.WithBehavior(boxoffice.MethodCard, gateway.BehaviorFail))
	ctx := context.Background()
	e.seedTier(t, "vip", 1, "40")
	res := e.hold(t, "vip", "user-1", 1)

	purchase, err := e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: res.Token, IdempotencyKey: "pay-1", Method: boxoffice.MethodCard,
	})
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentFailed, purchase.Payment.Status)
	assert.Equal(t, boxoffice.ReservationCancelled, purchase.Reservation.Status)
	assert.Nil(t, purchase.Ticket)
	assert.Equal(t, 1, e.tier(t, "vip").Available())
}

func TestCheckout_ExpiredHoldIsNotCharged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 1, "40")
	res := e.hold(t, "vip", "user-1", 1)

	e.clock.Advance(boxoffice.DefaultHoldTTL + time.Second)
	_, err := e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: res.Token, IdempotencyKey: "pay-1", Method: boxoffice.MethodCard,
	})
	require.ErrorIs(t, err, boxoffice.ErrReservationExpired)
	assert.Zero(t, e.gateway.Charges())
}

func TestCheckout_MobileMoneyCompletesOnCallback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "general", 10, "12.50")
	res := e.hold(t, "general", "user-1", 2)

	pending, err := e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: res.Token, IdempotencyKey: "mm-1", Method: boxoffice.MethodMobileMoney,
		Payload: map[string]string{"phone": "+2348000000000"},
	})
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentProcessing, pending.Payment.Status)
	assert.Equal(t, boxoffice.ReservationActive, pending.Reservation.Status)
	assert.Nil(t, pending.Ticket)

	cb, err := e.gateway.Complete("mm-1", boxoffice.ChargeSucceeded)
	require.NoError(t, err)

	done, err := e.checkout.HandleCallback(ctx, cb)
	require.NoError(t, err)
	require.NotNil(t, done.Ticket)
	assert.Equal(t, 2, done.Ticket.Quantity)
	assert.True(t, done.Payment.Amount.Equal(usd("25")))

	again, err := e.checkout.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, done.Ticket.Code, again.Ticket.Code)
	assert.Equal(t, 2, e.tier(t, "general").Sold)
}

func TestCheckout_PaidAfterExpiryIsRefunded(t *testing.T) {
	// GIVEN: A one-minute hold paid by mobile money
	// WHEN: The provider confirms after the hold expired
	// THEN: The payment is refunded, the hold is expired, a paid_after_expiry flag
	//       is raised and no ticket exists

	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 1, "40")
	res, err := e.reservations.CreateHold(ctx, boxoffice.HoldRequest{
		EventID: "concert", SeatClass: "vip", Quantity: 1, HolderID: "user-1", TTL: time.Minute,
	})
	require.NoError(t, err)
	token := res.Reservation.Token

	_, err = e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: token, IdempotencyKey: "mm-1", Method: boxoffice.MethodMobileMoney,
	})
	require.NoError(t, err)

	e.clock.Advance(2 * time.Minute)
	cb, err := e.gateway.Complete("mm-1", boxoffice.ChargeSucceeded)
	require.NoError(t, err)

	purchase, err := e.checkout.HandleCallback(ctx, cb)
	require.ErrorIs(t, err, boxoffice.ErrReservationExpired)
	require.NotNil(t, purchase)
	assert.Equal(t, boxoffice.PaymentReversed, purchase.Payment.Status)
	assert.Equal(t, boxoffice.ReservationExpired, purchase.Reservation.Status)
	assert.Nil(t, purchase.Ticket)

	assert.Len(t, flagsOf(t, e, boxoffice.FlagPaidAfterExpiry), 1)
	tier := e.tier(t, "vip")
	assert.Equal(t, 0, tier.Sold)
	assert.Equal(t, 0, tier.Reserved)

	records, err := e.gateway.Records(ctx, t0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, boxoffice.ChargeRefunded, records[0].Status)
}

func TestCheckout_RefundCancelsTicketAndUnsells(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 1, "40")
	purchase := e.buy(t, "vip", 1, "pay-1")

	refunded, err := e.checkout.Refund(ctx, "pay-1", "show cancelled")
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentReversed, refunded.Payment.Status)
	require.NotNil(t, refunded.Ticket)
	assert.Equal(t, boxoffice.TicketCancelled, refunded.Ticket.Status)
	assert.Equal(t, 1, e.tier(t, "vip").Available())

	again, err := e.checkout.Refund(ctx, "pay-1", "show cancelled")
	require.NoError(t, err)
	assert.Equal(t, boxoffice.TicketCancelled, again.Ticket.Status)
	assert.Equal(t, 1, e.tier(t, "vip").Available(), "a second refund unsells nothing")

	_, err = e.tickets.Scan(ctx, purchase.Ticket.Code)
	assert.ErrorIs(t, err, boxoffice.ErrTicketCancelled)
}

func TestCheckout_RefundOfSecondPaymentKeepsTicket(t *testing.T) {
	// GIVEN: A sold-out seat bought by one payment and a second charge made
	//        for the same hold
	// WHEN: The second charge is refunded
	// THEN: Only that charge is reversed; the ticket and the seat stay with
	//       the payment that bought them

	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 1, "40")
	purchase := e.buy(t, "vip", 1, "good")
	cardPayment(t, e, purchase.Reservation, "duplicate")

	refunded, err := e.checkout.Refund(ctx, "duplicate", "charged twice")
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentReversed, refunded.Payment.Status)
	assert.Nil(t, refunded.Ticket)

	ticket, err := e.tickets.Get(ctx, purchase.Ticket.Code)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.TicketActive, ticket.Status)

	good, err := e.payments.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentSucceeded, good.Status)

	tier := e.tier(t, "vip")
	assert.Equal(t, 1, tier.Sold)
	assert.Equal(t, 0, tier.Reserved)

	settled, err := e.checkout.Settle(ctx, refunded.Payment)
	require.NoError(t, err)
	assert.Nil(t, settled.Ticket, "the reversed charge never owned the ticket")
}

func TestCheckout_SecondPaymentCannotCancelHoldInFlight(t *testing.T) {
	// GIVEN: A hold being paid by mobile money
	// WHEN: A checkout under another key is attempted, and a separate wallet
	//       charge for the same hold fails for funds
	// THEN: The checkout is refused as in flight, the hold stays active, and
	//       the mobile money callback still completes the purchase

	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 1, "40")
	e.wallet(t, "w1", "")
	res := e.hold(t, "vip", "user-1", 1)

	_, err := e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: res.Token, IdempotencyKey: "mm-1", Method: boxoffice.MethodMobileMoney,
	})
	require.NoError(t, err)

	_, err = e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: res.Token, IdempotencyKey: "w-1", Method: boxoffice.MethodWallet, WalletID: "w1",
	})
	require.ErrorIs(t, err, boxoffice.ErrPaymentInFlight)

	short, err := e.payments.Initiate(ctx, boxoffice.PaymentRequest{
		IdempotencyKey: "w-2", Amount: usd("40"), Method: boxoffice.MethodWallet,
		WalletID: "w1", UserID: "user-1", ReservationToken: res.Token,
	})
	require.NoError(t, err)
	require.Equal(t, boxoffice.PaymentFailed, short.Payment.Status)

	after, err := e.checkout.Settle(ctx, short.Payment)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.ReservationActive, after.Reservation.Status)

	cb, err := e.gateway.Complete("mm-1", boxoffice.ChargeSucceeded)
	require.NoError(t, err)
	done, err := e.checkout.HandleCallback(ctx, cb)
	require.NoError(t, err)
	require.NotNil(t, done.Ticket)
	assert.Equal(t, boxoffice.ReservationConfirmed, done.Reservation.Status)
	assert.Equal(t, boxoffice.PaymentSucceeded, done.Payment.Status)
}

func TestCheckout_UsedTicketIsNotRefundable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 1, "40")
	purchase := e.buy(t, "vip", 1, "pay-1")

	_, err := e.tickets.Scan(ctx, purchase.Ticket.Code)
	require.NoError(t, err)

	_, err = e.checkout.Refund(ctx, "pay-1", "too late")
	assert.ErrorIs(t, err, boxoffice.ErrIllegalTransition)

	p, err := e.payments.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentSucceeded, p.Status)
}

func TestCheckout_WalletPurchase(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "general", 10, "15")
	e.wallet(t, "w1", "40")

	res := e.hold(t, "general", "user-1", 2)
	purchase, err := e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: res.Token, IdempotencyKey: "w-1", Method: boxoffice.MethodWallet, WalletID: "w1",
	})
	require.NoError(t, err)
	require.NotNil(t, purchase.Ticket)

	balance, err := e.wallets.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(usd("10")), balance.String())

	res = e.hold(t, "general", "user-1", 1)
	short, err := e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: res.Token, IdempotencyKey: "w-2", Method: boxoffice.MethodWallet, WalletID: "w1",
	})
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentFailed, short.Payment.Status)
	assert.Equal(t, boxoffice.ReservationCancelled, short.Reservation.Status)
}

func TestCheckout_RecoverSucceeded(t *testing.T) {
	// GIVEN: A succeeded payment whose hold was never confirmed (crash after the charge)
	// WHEN: Running recovery
	// THEN: The hold is confirmed and the ticket issued, and a second run finds nothing

	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 5, "40")
	res := e.hold(t, "vip", "user-1", 1)
	cardPayment(t, e, res, "pay-1")

	n, err := e.checkout.RecoverSucceeded(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := e.reservations.Get(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.ReservationConfirmed, stored.Status)
	assert.Equal(t, 1, e.notes.count(boxoffice.NotifyTicketIssued))

	n, err = e.checkout.RecoverSucceeded(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckout_SettleStale(t *testing.T) {
	// GIVEN: A mobile money purchase whose callback never arrives
	// WHEN: The provider settles it and the stale poller runs
	// THEN: The purchase completes without a callback

	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 5, "40")
	res := e.hold(t, "vip", "user-1", 1)
	_, err := e.checkout.Pay(ctx, boxoffice.PayRequest{
		ReservationToken: res.Token, IdempotencyKey: "mm-1", Method: boxoffice.MethodMobileMoney,
	})
	require.NoError(t, err)

	e.gateway.SetStatus("mm-1", boxoffice.ChargeSucceeded)
	e.clock.Advance(2 * time.Minute)

	n, err := e.checkout.SettleStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := e.reservations.Get(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.ReservationConfirmed, stored.Status)
}

func TestSweeper_ExpiresHoldsAndTickets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	end := t0.Add(time.Hour)
	_, err := e.capacity.UpsertTier(ctx, boxoffice.CapacityTier{
		EventID: "concert", SeatClass: "vip", Total: 5, Price: usd("40"), ValidUntil: &end,
	})
	require.NoError(t, err)
	e.buy(t, "vip", 1, "pay-1")
	e.hold(t, "vip", "user-2", 2)

	e.clock.Set(end.Add(time.Minute))
	result, err := e.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.SweepResult{Reservations: 1, Tickets: 1}, result)
	assert.Equal(t, 0, e.tier(t, "vip").Reserved)
}
