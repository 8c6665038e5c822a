package boxoffice_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/box-office/boxoffice"
	"github.com/warp/box-office/gateway"
	"github.com/warp/box-office/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.June, 1, 18, 0, 0, 0, time.UTC)

var testSigningKey = []byte("box-office-test-signing-key")

// env wires every component on one store, one clock and one simulated provider.
type env struct {
	store        *sqlite.Store
	clock        *boxoffice.ManualClock
	gateway      *gateway.Simulated
	notes        *recorder
	capacity     *boxoffice.CapacityLedger
	reservations *boxoffice.ReservationManager
	wallets      *boxoffice.WalletLedger
	payments     *boxoffice.PaymentGuard
	tickets      *boxoffice.TicketIssuer
	checkout     *boxoffice.Checkout
	reconciler   *boxoffice.Reconciler
	sweeper      *boxoffice.Sweeper
}

// newEnv builds an environment on an in-memory database.
func newEnv(t *testing.T, opts ...gateway.SimulatedOption) *env {
	return buildEnv(t, ":memory:", opts...)
}

// newFileEnv builds an environment on a WAL database file so that
// transactions from several goroutines really contend.
func newFileEnv(t *testing.T, opts ...gateway.SimulatedOption) *env {
	return buildEnv(t, filepath.Join(t.TempDir(), "boxoffice.db"), opts...)
}

func buildEnv(t *testing.T, path string, opts ...gateway.SimulatedOption) *env {
	t.Helper()

	store, err := sqlite.Open(path, sqlite.Options{BusyTimeout: 10 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := boxoffice.NewManualClock(t0)
	notes := &recorder{}
	sim := gateway.NewSimulated(append([]gateway.SimulatedOption{gateway.WithClock(clock)}, opts...)...)

	e := &env{store: store, clock: clock, gateway: sim, notes: notes}
	e.capacity = boxoffice.NewCapacityLedger(store, clock)
	e.reservations = boxoffice.NewReservationManager(store, e.capacity, clock,
		boxoffice.WithReservationNotifier(notes))
	e.wallets = boxoffice.NewWalletLedger(store, clock)
	e.payments = boxoffice.NewPaymentGuard(store, e.wallets, sim, clock,
		boxoffice.WithPaymentNotifier(notes))
	e.tickets = boxoffice.NewTicketIssuer(store, clock, testSigningKey,
		boxoffice.WithTicketNotifier(notes))
	e.checkout = boxoffice.NewCheckout(store, e.capacity, e.reservations, e.payments, e.tickets, clock)
	e.reconciler = boxoffice.NewReconciler(store, sim, e.wallets, clock)
	e.sweeper = boxoffice.NewSweeper(e.reservations, e.tickets, 0)
	return e
}

func (e *env) seedTier(t *testing.T, seatClass string, total int, price string) *boxoffice.CapacityTier {
	t.Helper()
	tier, err := e.capacity.UpsertTier(context.Background(), boxoffice.CapacityTier{
		EventID:   "concert",
		SeatClass: seatClass,
		Total:     total,
		Price:     boxoffice.MustMoney(price, "USD"),
	})
	require.NoError(t, err)
	return tier
}

func (e *env) tier(t *testing.T, seatClass string) *boxoffice.CapacityTier {
	t.Helper()
	tier, err := e.capacity.Tier(context.Background(), "concert", seatClass)
	require.NoError(t, err)
	return tier
}

func (e *env) hold(t *testing.T, seatClass, holder string, qty int) boxoffice.Reservation {
	t.Helper()
	res, err := e.reservations.CreateHold(context.Background(), boxoffice.HoldRequest{
		EventID:   "concert",
		SeatClass: seatClass,
		Quantity:  qty,
		HolderID:  holder,
	})
	require.NoError(t, err)
	return res.Reservation
}

func (e *env) wallet(t *testing.T, id, topup string) *boxoffice.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := e.wallets.CreateWallet(ctx, boxoffice.WalletRequest{ID: id, UserID: "user-" + id, Currency: "USD"})
	require.NoError(t, err)
	if topup != "" {
		_, err = e.wallets.Apply(ctx, boxoffice.TransactionRequest{
			WalletID:  id,
			Type:      boxoffice.TxTopup,
			Amount:    boxoffice.MustMoney(topup, "USD"),
			Reference: "topup:" + id,
		})
		require.NoError(t, err)
	}
	return w
}

func usd(v string) boxoffice.Money {
	return boxoffice.MustMoney(v, "USD")
}

// retry repeats fn while it fails with a retryable error, the way a client
// honours Retry-After.
func retry[T any](fn func() (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil || !boxoffice.IsRetryable(err) || attempt >= 50 {
			return v, err
		}
		time.Sleep(time.Duration(attempt+1) * 2 * time.Millisecond)
	}
}

// recorder is a Notifier that keeps what it was sent.
type recorder struct {
	mu    sync.Mutex
	notes []boxoffice.Notification
}

func (r *recorder) Notify(_ context.Context, n boxoffice.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) kinds() []boxoffice.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]boxoffice.NotificationKind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

func (r *recorder) count(kind boxoffice.NotificationKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}
