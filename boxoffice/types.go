/*
Package boxoffice provides the reservation, payment and wallet ledger engine.

PURPOSE:
  This package contains the rules for selling strictly limited seats under
  concurrent demand: capacity accounting, seat holds with a TTL, payment
  idempotency, wallet ledger integrity and exactly-once ticket issuance.
  Storage and providers are behind interfaces (store.go, gateway.go).

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A decimal value with a currency
  - CapacityTier: Per (event, seat class) counters of total/reserved/sold
  - Reservation: A time-limited hold on a seat or on quota units
  - Payment: One row per idempotency key, moving through a state machine
  - WalletTransaction: An immutable ledger entry with balance snapshots
  - Ticket: The admission credential issued once per confirmed reservation

DESIGN PRINCIPLES:
  1. The store is the arbiter: no in-process locks guard shared state
  2. Precision: decimal.Decimal for all money
  3. Every retriable write carries a key (hold key, idempotency key, reference)
  4. Ledger rows are authoritative, cached balances are projections

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence port
  - checkout.go: The hold -> pay -> confirm -> issue flow
*/
package boxoffice

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

type Currency string

type Money struct {
	Value    decimal.Decimal
	Currency Currency
}

func NewMoney(value string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return Money{Value: d, Currency: currency}, nil
}

func MustMoney(value string, currency Currency) Money {
	m, err := NewMoney(value, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func ZeroMoney(currency Currency) Money {
	return Money{Value: decimal.Zero, Currency: currency}
}

func (m Money) Add(o Money) Money             { return Money{Value: m.Value.Add(o.Value), Currency: m.Currency} }
func (m Money) Sub(o Money) Money             { return Money{Value: m.Value.Sub(o.Value), Currency: m.Currency} }
func (m Money) Neg() Money                    { return Money{Value: m.Value.Neg(), Currency: m.Currency} }
func (m Money) MulInt(n int) Money            { return Money{Value: m.Value.Mul(decimal.NewFromInt(int64(n))), Currency: m.Currency} }
func (m Money) IsZero() bool                  { return m.Value.IsZero() }
func (m Money) IsNegative() bool              { return m.Value.IsNegative() }
func (m Money) IsPositive() bool              { return m.Value.IsPositive() }
func (m Money) LessThan(o Money) bool         { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThan(o Money) bool      { return m.Value.GreaterThan(o.Value) }
func (m Money) Equal(o Money) bool            { return m.Currency == o.Currency && m.Value.Equal(o.Value) }
func (m Money) SameCurrency(o Money) bool     { return m.Currency == o.Currency }
func (m Money) String() string                { return m.Value.StringFixed(2) + " " + string(m.Currency) }

// =============================================================================
// CAPACITY
// =============================================================================

// CapacityTier tracks inventory for one seat class of one event.
// Invariant: Sold + Reserved <= Total.
type CapacityTier struct {
	EventID    string
	SeatClass  string
	Total      int
	Reserved   int
	Sold       int
	Price      Money
	ValidUntil *time.Time // tickets of this tier expire after it
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Available returns the number of units that can still be held.
func (t CapacityTier) Available() int {
	return t.Total - t.Sold - t.Reserved
}

// HoldGrant is the receipt of a successful capacity hold.
type HoldGrant struct {
	EventID   string
	SeatClass string
	Quantity  int
}

// =============================================================================
// RESERVATIONS
// =============================================================================

// SeatRef identifies a numbered seat. The zero value means class-level quota.
type SeatRef struct {
	Section string `json:"section"`
	Row     string `json:"row"`
	Number  string `json:"number"`
}

func (s SeatRef) IsZero() bool { return s.Number == "" }

func (s SeatRef) String() string {
	if s.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s/%s/%s", s.Section, s.Row, s.Number)
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

func (s ReservationStatus) IsTerminal() bool { return s != ReservationActive }

type HolderType string

const (
	HolderUser    HolderType = "user"
	HolderSession HolderType = "session"
)

// Reservation is a time-limited claim on a seat or on quota units.
type Reservation struct {
	ID         string
	Token      string
	HoldKey    string // optional caller idempotency key
	EventID    string
	SeatClass  string
	Seat       SeatRef
	Quantity   int
	HolderID   string
	HolderType HolderType
	Status     ReservationStatus
	ReservedAt time.Time
	ExpiresAt  time.Time
	ResolvedAt *time.Time
	PaymentID  string
}

func (r Reservation) Grant() HoldGrant {
	return HoldGrant{EventID: r.EventID, SeatClass: r.SeatClass, Quantity: r.Quantity}
}

// ExpiredAt reports whether the hold has passed its expiry at t.
func (r Reservation) ExpiredAt(t time.Time) bool {
	return t.After(r.ExpiresAt)
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentReversed   PaymentStatus = "reversed"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed || s == PaymentReversed
}

type PaymentMethod string

const (
	MethodWallet      PaymentMethod = "wallet"
	MethodMobileMoney PaymentMethod = "mobile_money"
	MethodCard        PaymentMethod = "card"
	MethodBankQR      PaymentMethod = "bank_qr"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodWallet, MethodMobileMoney, MethodCard, MethodBankQR:
		return true
	}
	return false
}

// Payment is the single row guarding one idempotency key.
type Payment struct {
	ID                string
	IdempotencyKey    string
	Fingerprint       string
	Amount            Money
	Method            PaymentMethod
	Status            PaymentStatus
	UserID            string
	WalletID          string
	ReservationToken  string
	ExternalReference string
	FailureReason     string
	Payload           map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SettledAt         *time.Time
}

// =============================================================================
// WALLETS
// =============================================================================

type Wallet struct {
	ID                string
	UserID            string
	Currency          Currency
	Balance           Money // projection of the ledger tip
	LastTransactionID string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type WalletTxType string

const (
	TxTopup       WalletTxType = "topup"
	TxPayment     WalletTxType = "payment"
	TxRefund      WalletTxType = "refund"
	TxTransferIn  WalletTxType = "transfer_in"
	TxTransferOut WalletTxType = "transfer_out"
	TxFee         WalletTxType = "fee"
	TxWithdrawal  WalletTxType = "withdrawal"
	TxAdjustment  WalletTxType = "adjustment"
)

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// DefaultDirection returns the direction a transaction type moves money.
// Adjustments have no default and must name one.
func (t WalletTxType) DefaultDirection() (Direction, bool) {
	switch t {
	case TxTopup, TxRefund, TxTransferIn:
		return Credit, true
	case TxPayment, TxTransferOut, TxFee, TxWithdrawal:
		return Debit, true
	}
	return "", false
}

func (t WalletTxType) Valid() bool {
	_, ok := t.DefaultDirection()
	return ok || t == TxAdjustment
}

type WalletTxStatus string

const (
	WalletTxCompleted WalletTxStatus = "completed"
	WalletTxFailed    WalletTxStatus = "failed"
)

// WalletTransaction is an immutable ledger entry.
// Completed rows satisfy BalanceAfter = BalanceBefore + Signed().
type WalletTransaction struct {
	ID            string
	WalletID      string
	Seq           int64
	Type          WalletTxType
	Direction     Direction
	Amount        Money
	Fee           Money
	NetAmount     Money
	BalanceBefore Money
	BalanceAfter  Money
	Reference     string
	Status        WalletTxStatus
	Description   string
	CreatedAt     time.Time
}

// Signed returns the net amount with the sign of its direction.
func (t WalletTransaction) Signed() Money {
	if t.Direction == Debit {
		return t.NetAmount.Neg()
	}
	return t.NetAmount
}

// =============================================================================
// TICKETS
// =============================================================================

type TicketStatus string

const (
	TicketActive    TicketStatus = "active"
	TicketUsed      TicketStatus = "used"
	TicketCancelled TicketStatus = "cancelled"
	TicketExpired   TicketStatus = "expired"
)

type Ticket struct {
	ID               string
	Code             string
	ReservationToken string
	PaymentID        string
	UserID           string
	EventID          string
	SeatClass        string
	Seat             SeatRef
	Quantity         int
	Price            Money
	Status           TicketStatus
	Payload          string
	IssuedAt         time.Time
	ValidUntil       *time.Time
	UsedAt           *time.Time
	CancelledAt      *time.Time
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type FlagKind string

const (
	FlagStatusMismatch    FlagKind = "status_mismatch"
	FlagAmountMismatch    FlagKind = "amount_mismatch"
	FlagMissingAtProvider FlagKind = "missing_at_provider"
	FlagMissingInternal   FlagKind = "missing_internal"
	FlagWalletDrift       FlagKind = "wallet_drift"
	FlagPaidAfterExpiry   FlagKind = "paid_after_expiry"
)

// ReconciliationFlag records a disagreement for a human to resolve.
type ReconciliationFlag struct {
	ID            string
	Kind          FlagKind
	Subject       string
	Detail        string
	InternalValue string
	ExternalValue string
	CreatedAt     time.Time
	Resolved      bool
}
