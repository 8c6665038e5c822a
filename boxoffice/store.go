/*
store.go - Persistence port for the box office engine

PURPOSE:
  Defines what the engine needs from storage. Every shared counter and
  every state machine is advanced by a CONDITIONAL write: the store applies
  the change only if the guard still holds and reports whether it did.
  The engine never reads, decides in memory, and writes back unguarded.

TRANSACTIONS:
  All operations run inside WithTx. A hold, confirmation, wallet posting or
  issuance is one transaction: either every row changes or none does.
  Implementations must serialise conflicting transactions in the database
  (row locks, SERIALIZABLE or SQLite's write lock), never in process memory.

ARBITERS:
  - capacity_tiers guard:       sold + reserved <= total
  - active seat unique index:   one active hold per numbered seat
  - payments.idempotency_key:   one payment per key
  - wallet_transactions.reference and (wallet_id, seq)
  - tickets.reservation_token:  one ticket per reservation

NOT FOUND:
  Get* methods return the matching Err*NotFound sentinel. Latest* and
  Find* methods return (nil, nil) when nothing matches.

IMPLEMENTATIONS:
  - store/sqlite: SQLite with WAL and immediate write transactions

SEE ALSO:
  - capacity.go, reservation.go, payment.go, wallet.go, ticket.go
*/
package boxoffice

import (
	"context"
	"time"
)

// Store opens transactions against the backing database.
type Store interface {
	// WithTx runs fn in a transaction. A non-nil error from fn rolls back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	CapacityStore
	ReservationStore
	PaymentStore
	WalletStore
	TicketStore
	FlagStore
}

// =============================================================================
// CAPACITY
// =============================================================================

type CapacityStore interface {
	// UpsertTier creates a tier or updates total, price and validity.
	// Lowering total below sold + reserved returns ErrInvalidTier.
	UpsertTier(ctx context.Context, tier CapacityTier) error
	GetTier(ctx context.Context, eventID, seatClass string) (*CapacityTier, error)
	ListTiers(ctx context.Context, eventID string) ([]CapacityTier, error)

	// AdjustTier adds the deltas to reserved and sold if both stay
	// non-negative and sold + reserved stays within total. It reports
	// whether the row was changed.
	AdjustTier(ctx context.Context, eventID, seatClass string, reservedDelta, soldDelta int, at time.Time) (bool, error)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// ReservationTransition is a guarded status change.
type ReservationTransition struct {
	Token     string
	From      ReservationStatus
	To        ReservationStatus
	At        time.Time
	PaymentID string

	// Optional expiry guards.
	NotExpiredAt  *time.Time // expires_at >= value
	ExpiredBefore *time.Time // expires_at < value
}

// ExpiredFilter selects active holds whose expiry has passed.
type ExpiredFilter struct {
	Before    time.Time
	EventID   string
	SeatClass string
	Seat      *SeatRef // nil matches any seat of the tier
	Limit     int
}

type ReservationStore interface {
	// InsertReservation returns ErrSeatUnavailable when another active hold
	// owns the same numbered seat.
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, token string) (*Reservation, error)
	FindReservationByHoldKey(ctx context.Context, holdKey string) (*Reservation, error)
	TransitionReservation(ctx context.Context, t ReservationTransition) (bool, error)
	ListExpiredReservations(ctx context.Context, f ExpiredFilter) ([]Reservation, error)
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentTransition moves a payment from one of From to To.
// Empty ExternalReference and FailureReason leave the stored values.
type PaymentTransition struct {
	Key               string
	From              []PaymentStatus
	To                PaymentStatus
	At                time.Time
	ExternalReference string
	FailureReason     string
}

type PaymentFilter struct {
	Statuses         []PaymentStatus
	ReservationToken string
	UpdatedBefore    *time.Time
	CreatedAfter     *time.Time
	Limit            int
}

type PaymentStore interface {
	// InsertPayment inserts p unless its idempotency key already exists.
	// It reports whether the row was inserted.
	InsertPayment(ctx context.Context, p Payment) (bool, error)
	GetPayment(ctx context.Context, key string) (*Payment, error)
	GetPaymentByID(ctx context.Context, id string) (*Payment, error)
	FindPaymentByExternalReference(ctx context.Context, ref string) (*Payment, error)
	TransitionPayment(ctx context.Context, t PaymentTransition) (bool, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error)
}

// =============================================================================
// WALLETS
// =============================================================================

type WalletStore interface {
	// InsertWallet returns ErrDuplicateWallet if the id exists.
	InsertWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	ListWallets(ctx context.Context) ([]Wallet, error)

	// LatestWalletTransaction returns the row with the highest seq,
	// optionally restricted to completed rows.
	LatestWalletTransaction(ctx context.Context, walletID string, completedOnly bool) (*WalletTransaction, error)

	// InsertWalletTransaction returns ErrDuplicateReference when the
	// reference exists and ErrConcurrentModification when the seq is taken.
	InsertWalletTransaction(ctx context.Context, t WalletTransaction) error
	FindWalletTransactionByReference(ctx context.Context, ref string) (*WalletTransaction, error)

	// ListWalletTransactions returns rows in seq order. Limit 0 means all.
	ListWalletTransactions(ctx context.Context, walletID string, limit, offset int) ([]WalletTransaction, error)

	// UpdateWalletProjection writes the cached balance if the version still
	// matches, and increments it.
	UpdateWalletProjection(ctx context.Context, walletID string, balance Money, lastTxID string, expectedVersion int, at time.Time) (bool, error)
}

// =============================================================================
// TICKETS
// =============================================================================

// TicketTransition is a guarded ticket status change.
type TicketTransition struct {
	Code string
	From TicketStatus
	To   TicketStatus
	At   time.Time

	// ValidAt requires valid_until to be unset or not before the value.
	ValidAt *time.Time
}

type TicketStore interface {
	// InsertTicket returns ErrTicketExists when the reservation already has a
	// ticket and ErrDuplicateTicketCode when the code is taken.
	InsertTicket(ctx context.Context, t Ticket) error
	GetTicket(ctx context.Context, code string) (*Ticket, error)
	GetTicketByReservation(ctx context.Context, token string) (*Ticket, error)
	TransitionTicket(ctx context.Context, t TicketTransition) (bool, error)
	ListExpiredTickets(ctx context.Context, before time.Time, limit int) ([]Ticket, error)
}

// =============================================================================
// RECONCILIATION FLAGS
// =============================================================================

type FlagStore interface {
	InsertFlag(ctx context.Context, f ReconciliationFlag) error
	HasOpenFlag(ctx context.Context, kind FlagKind, subject string) (bool, error)
	ListFlags(ctx context.Context, includeResolved bool) ([]ReconciliationFlag, error)
}
