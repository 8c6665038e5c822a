/*
errors.go - Centralized error types for the box office engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Transport layers map these to status codes (api/errors.go).

ERROR CATEGORIES:
  1. Capacity and hold errors - the seat or quota is not obtainable
  2. Payment errors - in-flight attempts, key reuse
  3. Wallet errors - insufficient funds, reference conflicts
  4. Ticket errors - state violations at the gate
  5. Store errors - conflicts the caller may retry

REPLAYS ARE NOT ERRORS:
  Repeating a hold key, an idempotency key or a wallet reference with the
  same parameters returns the original outcome with a nil error.

SEE ALSO:
  - api/errors.go: HTTP mapping
  - store/sqlite: Translates constraint violations into these sentinels
*/
package boxoffice

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrSeatUnavailable is returned when another active hold owns the seat.
	ErrSeatUnavailable = errors.New("seat unavailable")

	ErrReservationExpired         = errors.New("reservation expired")
	ErrReservationAlreadyResolved = errors.New("reservation already resolved")
	ErrReservationNotFound        = errors.New("reservation not found")
	ErrReservationNotConfirmed    = errors.New("reservation not confirmed")

	ErrTierNotFound = errors.New("capacity tier not found")
	ErrInvalidTier  = errors.New("invalid capacity tier")

	// ErrPaymentInFlight is returned when a payment with the same key is still
	// pending or processing. The caller should retry later.
	ErrPaymentInFlight = errors.New("payment in flight, retry later")

	// ErrIdempotencyKeyReuse is returned when a key is replayed with different
	// parameters than the original request.
	ErrIdempotencyKeyReuse = errors.New("idempotency key reused with different parameters")

	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPaymentNotSucceeded = errors.New("payment has not succeeded")

	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateReference is returned when a wallet reference already names a
	// different transaction. Exact replays are not errors.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	ErrWalletNotFound   = errors.New("wallet not found")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrDuplicateWallet  = errors.New("wallet already exists")

	ErrTicketNotFound       = errors.New("ticket not found")
	ErrTicketAlreadyUsed    = errors.New("ticket already used")
	ErrTicketCancelled      = errors.New("ticket cancelled")
	ErrTicketExpired        = errors.New("ticket expired")
	ErrTicketExists         = errors.New("ticket already issued for reservation")
	ErrDuplicateTicketCode  = errors.New("ticket code already taken")
	ErrInvalidTicketPayload = errors.New("invalid ticket payload")

	ErrIllegalTransition = errors.New("illegal state transition")

	ErrInvalidRequest = errors.New("invalid request")

	// ErrConcurrentModification is returned when a conditional write loses a
	// race. Components never retry it themselves.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrGatewayUnavailable is returned when the provider cannot be reached.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapacityExceededError provides details about a quota shortage.
type CapacityExceededError struct {
	EventID   string
	SeatClass string
	Requested int
	Available int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded for %s/%s: requested %d, available %d",
		e.EventID, e.SeatClass, e.Requested, e.Available)
}

func (e *CapacityExceededError) Unwrap() error {
	return ErrCapacityExceeded
}

// InsufficientFundsError provides details about a wallet shortage.
type InsufficientFundsError struct {
	WalletID  string
	Balance   Money
	Requested Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in wallet %s: balance %s, requested %s",
		e.WalletID, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// IllegalTransitionError names a rejected state change.
type IllegalTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// ValidationError describes a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request may succeed when retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrPaymentInFlight) ||
		errors.Is(err, ErrGatewayUnavailable)
}

// IsNotFound returns true if the error names a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrTierNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrTicketNotFound)
}

// IsClientError returns true if the error is caused by the request itself
// or by the state it targets, rather than by the system.
func IsClientError(err error) bool {
	if IsNotFound(err) {
		return true
	}
	for _, target := range []error{
		ErrCapacityExceeded,
		ErrSeatUnavailable,
		ErrReservationExpired,
		ErrReservationAlreadyResolved,
		ErrReservationNotConfirmed,
		ErrInvalidTier,
		ErrIdempotencyKeyReuse,
		ErrPaymentNotSucceeded,
		ErrInsufficientFunds,
		ErrDuplicateReference,
		ErrCurrencyMismatch,
		ErrDuplicateWallet,
		ErrTicketAlreadyUsed,
		ErrTicketCancelled,
		ErrTicketExpired,
		ErrInvalidTicketPayload,
		ErrIllegalTransition,
		ErrInvalidRequest,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
