package boxoffice_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/box-office/boxoffice"
	"github.com/warp/box-office/store/sqlite"
)

type brokenNotifier struct{ calls int }

func (b *brokenNotifier) Notify(context.Context, boxoffice.Notification) error {
	b.calls++
	return errors.New("channel down")
}

func TestNotify_FailureNeverUndoesState(t *testing.T) {
	// GIVEN: A notifier that always fails
	// WHEN: A hold expires
	// THEN: The expiry is committed and the notifier was still called

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	clock := boxoffice.NewManualClock(t0)
	broken := &brokenNotifier{}
	capacity := boxoffice.NewCapacityLedger(store, clock)
	reservations := boxoffice.NewReservationManager(store, capacity, clock,
		boxoffice.WithReservationNotifier(broken),
		boxoffice.WithHoldTTL(time.Minute))

	_, err = capacity.UpsertTier(ctx, boxoffice.CapacityTier{EventID: "concert", SeatClass: "vip", Total: 1, Price: usd("40")})
	require.NoError(t, err)
	res, err := reservations.CreateHold(ctx, boxoffice.HoldRequest{EventID: "concert", SeatClass: "vip", Quantity: 1, HolderID: "u"})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, res.Reservation.ExpiresAt.Sub(res.Reservation.ReservedAt))

	clock.Advance(2 * time.Minute)
	n, err := reservations.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, broken.calls)

	stored, err := reservations.Get(ctx, res.Reservation.Token)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.ReservationExpired, stored.Status)
}

func TestNotify_PayloadNamesTheSubject(t *testing.T) {
	e := newEnv(t)
	e.seedTier(t, "vip", 5, "40")
	purchase := e.buy(t, "vip", 1, "pay-1")

	e.notes.mu.Lock()
	defer e.notes.mu.Unlock()
	var issued, settled *boxoffice.Notification
	for i := range e.notes.notes {
		n := &e.notes.notes[i]
		switch n.Kind {
		case boxoffice.NotifyTicketIssued:
			issued = n
		case boxoffice.NotifyPaymentSettled:
			settled = n
		}
	}
	require.NotNil(t, issued)
	assert.Equal(t, purchase.Ticket.Code, issued.Subject)
	assert.Equal(t, "concert", issued.EventID)
	assert.Equal(t, purchase.Reservation.Token, issued.Data["reservation_token"])

	require.NotNil(t, settled)
	assert.Equal(t, "pay-1", settled.Subject)
	assert.Equal(t, string(boxoffice.PaymentSucceeded), settled.Data["status"])
}
