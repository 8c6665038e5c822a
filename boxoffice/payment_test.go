package boxoffice_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/box-office/boxoffice"
	"github.com/warp/box-office/gateway"
)

func cardRequest(key, amount string) boxoffice.PaymentRequest {
	return boxoffice.PaymentRequest{
		IdempotencyKey: key,
		Amount:         usd(amount),
		Method:         boxoffice.MethodCard,
		UserID:         "user-1",
	}
}

func flagsOf(t *testing.T, e *env, kind boxoffice.FlagKind) []boxoffice.ReconciliationFlag {
	t.Helper()
	flags, err := e.reconciler.Flags(context.Background(), false)
	require.NoError(t, err)
	var out []boxoffice.ReconciliationFlag
	for _, f := range flags {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func TestInitiate_ConcurrentSameKeyChargesOnce(t *testing.T) {
	// GIVEN: Three clients sending the same idempotency key at once
	// WHEN: Each retries while the payment is in flight
	// THEN: The provider is charged once and every client sees the same payment

	e := newFileEnv(t)

	var fresh atomic.Int32
	ids := make([]string, 3)
	var g errgroup.Group
	for i := range ids {
		g.Go(func() error {
			out, err := retry(func() (*boxoffice.PaymentOutcome, error) {
				return e.payments.Initiate(context.Background(), cardRequest("pay-1", "40.00"))
			})
			if err != nil {
				return err
			}
			if !out.Replayed {
				fresh.Add(1)
			}
			if out.Payment.Status != boxoffice.PaymentSucceeded {
				return errors.New("unexpected status " + string(out.Payment.Status))
			}
			ids[i] = out.Payment.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, e.gateway.Calls("pay-1"))
	assert.Equal(t, int32(1), fresh.Load())
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
}

func TestInitiate_ReplayAndKeyReuse(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.payments.Initiate(ctx, cardRequest("pay-1", "40.00"))
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, boxoffice.PaymentSucceeded, first.Payment.Status)
	assert.NotEmpty(t, first.Payment.ExternalReference)

	again, err := e.payments.Initiate(ctx, cardRequest("pay-1", "40"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Payment.ID, again.Payment.ID)

	_, err = e.payments.Initiate(ctx, cardRequest("pay-1", "41.00"))
	assert.ErrorIs(t, err, boxoffice.ErrIdempotencyKeyReuse)
	assert.Equal(t, 1, e.gateway.Charges())
}

func TestInitiate_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   boxoffice.PaymentRequest
		field string
	}{
		{"no key", cardRequest("", "10"), "idempotency_key"},
		{"zero amount", cardRequest("k", "0"), "amount"},
		{"unknown method", boxoffice.PaymentRequest{IdempotencyKey: "k", Amount: usd("1"), Method: "cash"}, "method"},
		{"wallet without id", boxoffice.PaymentRequest{IdempotencyKey: "k", Amount: usd("1"), Method: boxoffice.MethodWallet}, "wallet_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.payments.Initiate(ctx, tc.req)
			var verr *boxoffice.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestInitiate_PendingIsInFlight(t *testing.T) {
	// GIVEN: A mobile money charge waiting for the customer
	// WHEN: The client repeats the request
	// THEN: ErrPaymentInFlight, which is retryable

	e := newEnv(t)
	ctx := context.Background()
	req := boxoffice.PaymentRequest{IdempotencyKey: "mm-1", Amount: usd("15"), Method: boxoffice.MethodMobileMoney, UserID: "u"}

	out, err := e.payments.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentProcessing, out.Payment.Status)

	_, err = e.payments.Initiate(ctx, req)
	require.ErrorIs(t, err, boxoffice.ErrPaymentInFlight)
	assert.True(t, boxoffice.IsRetryable(err))
}

func TestInitiate_TimeoutStaysProcessingUntilPolled(t *testing.T) {
	// GIVEN: A provider that times out after accepting the charge
	// WHEN: Initiating, then polling before and after the provider settles
	// THEN: The payment stays processing, then succeeds on the poll, and is never charged twice

	e := newEnv(t, gateway.WithBehavior(boxoffice.MethodCard, gateway.BehaviorTimeout))
	ctx := context.Background()

	out, err := e.payments.Initiate(ctx, cardRequest("pay-1", "40"))
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentProcessing, out.Payment.Status)

	p, applied, err := e.payments.Poll(ctx, "pay-1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, boxoffice.PaymentProcessing, p.Status)
	assert.NotEmpty(t, p.ExternalReference, "the poll learns the provider reference")

	_, err = e.gateway.Complete("pay-1", boxoffice.ChargeSucceeded)
	require.NoError(t, err)

	p, applied, err = e.payments.Poll(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, boxoffice.PaymentSucceeded, p.Status)
	assert.NotNil(t, p.SettledAt)
	assert.Equal(t, 1, e.gateway.Calls("pay-1"))
}

func TestPoll_UnknownChargeWaitsForGrace(t *testing.T) {
	// GIVEN: A processing charge the provider has no record of yet
	// WHEN: Polling at once, then after the grace period
	// THEN: The first poll leaves it processing, the second fails it

	e := newEnv(t)
	ctx := context.Background()
	_, err := e.payments.Initiate(ctx, boxoffice.PaymentRequest{
		IdempotencyKey: "mm-1", Amount: usd("15"), Method: boxoffice.MethodMobileMoney, UserID: "u",
	})
	require.NoError(t, err)
	e.gateway.Forget("mm-1")

	p, applied, err := e.payments.Poll(ctx, "mm-1")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, boxoffice.PaymentProcessing, p.Status)

	e.clock.Advance(boxoffice.DefaultUnknownChargeGrace)
	p, applied, err = e.payments.Poll(ctx, "mm-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, boxoffice.PaymentFailed, p.Status)
	assert.Equal(t, "unknown to provider", p.FailureReason)
}

func TestHandleCallback_AppliedOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.payments.Initiate(ctx, boxoffice.PaymentRequest{
		IdempotencyKey: "mm-1", Amount: usd("15"), Method: boxoffice.MethodMobileMoney, UserID: "u",
	})
	require.NoError(t, err)

	cb, err := e.gateway.Complete("mm-1", boxoffice.ChargeSucceeded)
	require.NoError(t, err)

	p, applied, err := e.payments.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, boxoffice.PaymentSucceeded, p.Status)

	p, applied, err = e.payments.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, boxoffice.PaymentSucceeded, p.Status)
	assert.Equal(t, 1, e.notes.count(boxoffice.NotifyPaymentSettled))

	// By external reference only
	p, applied, err = e.payments.HandleCallback(ctx, boxoffice.Callback{
		ExternalReference: cb.ExternalReference, Status: boxoffice.ChargeSucceeded,
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "mm-1", p.IdempotencyKey)
}

func TestHandleCallback_ContradictionIsFlagged(t *testing.T) {
	// GIVEN: A succeeded card payment
	// WHEN: A late callback reports failure
	// THEN: The payment is unchanged and a status_mismatch flag is raised once

	e := newEnv(t)
	ctx := context.Background()
	_, err := e.payments.Initiate(ctx, cardRequest("pay-1", "40"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		p, applied, err := e.payments.HandleCallback(ctx, boxoffice.Callback{IdempotencyKey: "pay-1", Status: boxoffice.ChargeFailed})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, boxoffice.PaymentSucceeded, p.Status)
	}
	assert.Len(t, flagsOf(t, e, boxoffice.FlagStatusMismatch), 1)
}

func TestHandleCallback_AmountMismatchAppliesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.payments.Initiate(ctx, boxoffice.PaymentRequest{
		IdempotencyKey: "mm-1", Amount: usd("15"), Method: boxoffice.MethodMobileMoney, UserID: "u",
	})
	require.NoError(t, err)

	wrong := usd("1.50")
	p, applied, err := e.payments.HandleCallback(ctx, boxoffice.Callback{
		IdempotencyKey: "mm-1", Status: boxoffice.ChargeSucceeded, Amount: &wrong,
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, boxoffice.PaymentProcessing, p.Status)

	flags := flagsOf(t, e, boxoffice.FlagAmountMismatch)
	require.Len(t, flags, 1)
	assert.Equal(t, "mm-1", flags[0].Subject)
}

func TestHandleCallback_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, _, err := e.payments.HandleCallback(ctx, boxoffice.Callback{IdempotencyKey: "k", Status: "settled"})
	assert.ErrorIs(t, err, boxoffice.ErrInvalidRequest)

	_, _, err = e.payments.HandleCallback(ctx, boxoffice.Callback{Status: boxoffice.ChargeSucceeded})
	assert.ErrorIs(t, err, boxoffice.ErrInvalidRequest)

	_, _, err = e.payments.HandleCallback(ctx, boxoffice.Callback{IdempotencyKey: "missing", Status: boxoffice.ChargeSucceeded})
	assert.ErrorIs(t, err, boxoffice.ErrPaymentNotFound)
}

func TestSettleStale_FailsAbandonedAndUnknownCharges(t *testing.T) {
	// GIVEN: A pending row that never reached the provider and a processing
	//        charge the provider has no record of
	// WHEN: Settling payments older than a minute
	// THEN: Both fail and nothing younger is touched

	e := newEnv(t, gateway.WithBehavior(boxoffice.MethodCard, gateway.BehaviorUnavailable))
	ctx := context.Background()

	err := e.store.WithTx(ctx, func(tx boxoffice.Tx) error {
		_, err := tx.InsertPayment(ctx, boxoffice.Payment{
			ID: "p-abandoned", IdempotencyKey: "abandoned", Fingerprint: "fp",
			Amount: usd("5"), Method: boxoffice.MethodCard, Status: boxoffice.PaymentPending,
			UserID: "u", CreatedAt: t0, UpdatedAt: t0,
		})
		return err
	})
	require.NoError(t, err)

	out, err := e.payments.Initiate(ctx, cardRequest("unknown", "5"))
	require.NoError(t, err)
	require.Equal(t, boxoffice.PaymentProcessing, out.Payment.Status)

	settled, err := e.payments.SettleStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, settled)

	e.clock.Advance(2 * time.Minute)
	processing, err := e.payments.ListProcessing(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, "unknown", processing[0].IdempotencyKey)

	settled, err = e.payments.SettleStale(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, settled, 2)
	for _, p := range settled {
		assert.Equal(t, boxoffice.PaymentFailed, p.Status)
	}

	abandoned, err := e.payments.Get(ctx, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, "abandoned before charge", abandoned.FailureReason)
}

func TestReverse_RefundsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.payments.Initiate(ctx, cardRequest("pay-1", "40"))
	require.NoError(t, err)

	p, err := e.payments.Reverse(ctx, "pay-1", "customer request")
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentReversed, p.Status)

	again, err := e.payments.Reverse(ctx, "pay-1", "customer request")
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentReversed, again.Status)

	records, err := e.gateway.Records(ctx, t0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, boxoffice.ChargeRefunded, records[0].Status)
}

func TestReverse_ConcurrentReversalsRefundOnce(t *testing.T) {
	// GIVEN: A succeeded card payment
	// WHEN: Five reversals run at once
	// THEN: All report the reversed payment and the provider holds one refund

	e := newFileEnv(t)
	ctx := context.Background()
	_, err := e.payments.Initiate(ctx, cardRequest("pay-1", "40"))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			p, err := retry(func() (*boxoffice.Payment, error) {
				return e.payments.Reverse(ctx, "pay-1", "customer request")
			})
			if err != nil {
				return err
			}
			if p.Status != boxoffice.PaymentReversed {
				return errors.New("unexpected status " + string(p.Status))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	records, err := e.gateway.Records(ctx, t0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, boxoffice.ChargeRefunded, records[0].Status)
}

func TestReverse_OnlySucceededPayments(t *testing.T) {
	e := newEnv(t, gateway.WithBehavior(boxoffice.MethodCard, gateway.BehaviorFail))
	ctx := context.Background()

	out, err := e.payments.Initiate(ctx, cardRequest("pay-1", "40"))
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentFailed, out.Payment.Status)

	_, err = e.payments.Reverse(ctx, "pay-1", "")
	var ierr *boxoffice.IllegalTransitionError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, string(boxoffice.PaymentFailed), ierr.From)
}

func TestWalletPayment_DebitsAndRefunds(t *testing.T) {
	// GIVEN: A wallet holding 50
	// WHEN: Paying 30, paying 30 again under a new key, then refunding the first
	// THEN: The second fails for funds and the refund restores 50

	e := newEnv(t)
	ctx := context.Background()
	e.wallet(t, "w1", "50")

	walletReq := func(key string) boxoffice.PaymentRequest {
		return boxoffice.PaymentRequest{IdempotencyKey: key, Amount: usd("30"), Method: boxoffice.MethodWallet, WalletID: "w1", UserID: "u"}
	}

	first, err := e.payments.Initiate(ctx, walletReq("w-pay-1"))
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentSucceeded, first.Payment.Status)

	second, err := e.payments.Initiate(ctx, walletReq("w-pay-2"))
	require.NoError(t, err)
	assert.Equal(t, boxoffice.PaymentFailed, second.Payment.Status)
	assert.Contains(t, second.Payment.FailureReason, "insufficient funds")

	_, err = e.payments.Reverse(ctx, "w-pay-1", "refund")
	require.NoError(t, err)

	balance, err := e.wallets.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(usd("50")), balance.String())
	assert.Zero(t, e.gateway.Charges(), "wallet payments never reach the provider")
}
