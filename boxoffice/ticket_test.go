package boxoffice_test

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/box-office/boxoffice"
)

// buy holds qty units of seatClass and pays for them by card.
func (e *env) buy(t *testing.T, seatClass string, qty int, key string) *boxoffice.Purchase {
	t.Helper()
	res := e.hold(t, seatClass, "user-1", qty)
	purchase, err := e.checkout.Pay(context.Background(), boxoffice.PayRequest{
		ReservationToken: res.Token,
		IdempotencyKey:   key,
		Method:           boxoffice.MethodCard,
	})
	require.NoError(t, err)
	require.NotNil(t, purchase.Ticket)
	return purchase
}

func TestIssue_OncePerReservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 5, "40")
	purchase := e.buy(t, "vip", 2, "pay-1")

	again, err := e.tickets.Issue(ctx, purchase.Reservation.Token, "pay-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, purchase.Ticket.Code, again.Ticket.Code)
	assert.Equal(t, 2, again.Ticket.Quantity)
	assert.True(t, again.Ticket.Price.Equal(usd("80")))
	assert.Equal(t, 1, e.notes.count(boxoffice.NotifyTicketIssued))
}

func TestIssue_ConcurrentCallsShareOneTicket(t *testing.T) {
	// GIVEN: A confirmed reservation
	// WHEN: Eight Issue calls run at once
	// THEN: One ticket is created and every call returns its code

	e := newFileEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 5, "40")
	res := e.hold(t, "vip", "user-1", 1)
	payment := cardPayment(t, e, res, "pay-1")
	_, err := e.reservations.ConfirmHold(ctx, res.Token, payment.ID)
	require.NoError(t, err)

	var fresh atomic.Int32
	codes := make([]string, 8)
	var g errgroup.Group
	for i := range codes {
		g.Go(func() error {
			out, err := retry(func() (*boxoffice.IssueResult, error) {
				return e.tickets.Issue(ctx, res.Token, "pay-1")
			})
			if err != nil {
				return err
			}
			if !out.Replayed {
				fresh.Add(1)
			}
			codes[i] = out.Ticket.Code
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), fresh.Load())
	for _, code := range codes[1:] {
		assert.Equal(t, codes[0], code)
	}
	assert.Equal(t, 1, e.notes.count(boxoffice.NotifyTicketIssued))
}

func TestIssue_RequiresConfirmedReservation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 5, "40")
	res := e.hold(t, "vip", "user-1", 1)
	cardPayment(t, e, res, "pay-1")

	_, err := e.tickets.Issue(ctx, res.Token, "pay-1")
	assert.ErrorIs(t, err, boxoffice.ErrReservationNotConfirmed)

	_, err = e.tickets.Issue(ctx, "missing", "pay-1")
	assert.ErrorIs(t, err, boxoffice.ErrReservationNotFound)
}

func TestScan_AdmitsOnce(t *testing.T) {
	// GIVEN: An issued ticket
	// WHEN: Scanning its code twice
	// THEN: The first scan admits, the second reports ErrTicketAlreadyUsed

	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 5, "40")
	code := e.buy(t, "vip", 1, "pay-1").Ticket.Code

	used, err := e.tickets.Scan(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.TicketUsed, used.Status)
	assert.NotNil(t, used.UsedAt)

	_, err = e.tickets.Scan(ctx, code)
	assert.ErrorIs(t, err, boxoffice.ErrTicketAlreadyUsed)

	_, err = e.tickets.Scan(ctx, "NOSUCHCODE")
	assert.ErrorIs(t, err, boxoffice.ErrTicketNotFound)
}

func TestScan_ByPayload(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 5, "40")
	ticket := e.buy(t, "vip", 1, "pay-1").Ticket

	claims, err := e.tickets.Verify(ticket.Payload)
	require.NoError(t, err)
	assert.Equal(t, ticket.Code, claims.Code)
	assert.Equal(t, "concert", claims.EventID)
	assert.Equal(t, "user-1", claims.Subject)

	used, err := e.tickets.Scan(ctx, ticket.Payload)
	require.NoError(t, err)
	assert.Equal(t, ticket.Code, used.Code)
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	e := newEnv(t)
	e.seedTier(t, "vip", 5, "40")
	ticket := e.buy(t, "vip", 1, "pay-1").Ticket

	parts := strings.Split(ticket.Payload, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err := e.tickets.Verify(tampered)
	assert.ErrorIs(t, err, boxoffice.ErrInvalidTicketPayload)

	_, err = e.tickets.Scan(context.Background(), tampered)
	assert.ErrorIs(t, err, boxoffice.ErrInvalidTicketPayload)

	forged := boxoffice.NewTicketIssuer(e.store, e.clock, []byte("another-key"))
	_, err = forged.Verify(ticket.Payload)
	assert.ErrorIs(t, err, boxoffice.ErrInvalidTicketPayload)
}

func TestCancel_BlocksAdmission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seedTier(t, "vip", 5, "40")
	code := e.buy(t, "vip", 1, "pay-1").Ticket.Code

	cancelled, err := e.tickets.Cancel(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.TicketCancelled, cancelled.Status)

	again, err := e.tickets.Cancel(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.TicketCancelled, again.Status)

	_, err = e.tickets.Scan(ctx, code)
	assert.ErrorIs(t, err, boxoffice.ErrTicketCancelled)
}

func TestTicket_ExpiresWithTier(t *testing.T) {
	// GIVEN: Tickets of a tier valid until the end of the show
	// WHEN: The show ends
	// THEN: Scanning refuses, Verify reports expiry, and the sweep expires the rest

	e := newEnv(t)
	ctx := context.Background()
	end := t0.Add(6 * time.Hour)
	_, err := e.capacity.UpsertTier(ctx, boxoffice.CapacityTier{
		EventID: "concert", SeatClass: "vip", Total: 5, Price: usd("40"), ValidUntil: &end,
	})
	require.NoError(t, err)

	scanned := e.buy(t, "vip", 1, "pay-1").Ticket
	swept := e.buy(t, "vip", 1, "pay-2").Ticket
	require.NotNil(t, scanned.ValidUntil)
	assert.True(t, scanned.ValidUntil.Equal(end))

	e.clock.Set(end.Add(time.Minute))

	_, err = e.tickets.Verify(scanned.Payload)
	assert.ErrorIs(t, err, boxoffice.ErrTicketExpired)

	_, err = e.tickets.Scan(ctx, scanned.Code)
	assert.ErrorIs(t, err, boxoffice.ErrTicketExpired)
	stored, err := e.tickets.Get(ctx, scanned.Code)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.TicketExpired, stored.Status)

	n, err := e.tickets.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stored, err = e.tickets.Get(ctx, swept.Code)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.TicketExpired, stored.Status)
}
