/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model in package boxoffice from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings ("40.00") next to a currency code,
  never as JSON numbers.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  validate.Struct before converting to domain requests; the domain still
  validates its own invariants.

SEE ALSO:
  - handlers.go: Uses these types
  - boxoffice/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/box-office/boxoffice"
)

const timeFormat = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// =============================================================================
// CAPACITY
// =============================================================================

type UpsertTierRequest struct {
	EventID    string  `json:"event_id" validate:"required"`
	SeatClass  string  `json:"seat_class" validate:"required"`
	Total      int     `json:"total" validate:"gte=0"`
	Price      string  `json:"price" validate:"required,numeric"`
	Currency   string  `json:"currency" validate:"required,len=3"`
	ValidUntil *string `json:"valid_until,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type TierDTO struct {
	EventID    string `json:"event_id"`
	SeatClass  string `json:"seat_class"`
	Total      int    `json:"total"`
	Reserved   int    `json:"reserved"`
	Sold       int    `json:"sold"`
	Available  int    `json:"available"`
	Price      string `json:"price"`
	Currency   string `json:"currency"`
	ValidUntil string `json:"valid_until,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

func toTierDTO(t boxoffice.CapacityTier) TierDTO {
	return TierDTO{
		EventID:    t.EventID,
		SeatClass:  t.SeatClass,
		Total:      t.Total,
		Reserved:   t.Reserved,
		Sold:       t.Sold,
		Available:  t.Available(),
		Price:      t.Price.Value.StringFixed(2),
		Currency:   string(t.Price.Currency),
		ValidUntil: formatTimePtr(t.ValidUntil),
		UpdatedAt:  formatTime(t.UpdatedAt),
	}
}

// =============================================================================
// HOLDS
// =============================================================================

type CreateHoldRequest struct {
	EventID    string             `json:"event_id" validate:"required"`
	SeatClass  string             `json:"seat_class" validate:"required"`
	Seat       *boxoffice.SeatRef `json:"seat,omitempty"`
	Quantity   int                `json:"quantity" validate:"gte=0"`
	HolderID   string             `json:"holder_id" validate:"required"`
	HolderType string             `json:"holder_type,omitempty" validate:"omitempty,oneof=user session"`
	TTLSeconds int                `json:"ttl_seconds,omitempty" validate:"gte=0"`
}

type ConfirmHoldRequest struct {
	PaymentID string `json:"payment_id" validate:"required"`
}

type ReservationDTO struct {
	Token      string             `json:"token"`
	EventID    string             `json:"event_id"`
	SeatClass  string             `json:"seat_class"`
	Seat       *boxoffice.SeatRef `json:"seat,omitempty"`
	Quantity   int                `json:"quantity"`
	HolderID   string             `json:"holder_id"`
	HolderType string             `json:"holder_type"`
	Status     string             `json:"status"`
	ReservedAt string             `json:"reserved_at"`
	ExpiresAt  string             `json:"expires_at"`
	ResolvedAt string             `json:"resolved_at,omitempty"`
	PaymentID  string             `json:"payment_id,omitempty"`
}

func toReservationDTO(r boxoffice.Reservation) ReservationDTO {
	dto := ReservationDTO{
		Token:      r.Token,
		EventID:    r.EventID,
		SeatClass:  r.SeatClass,
		Quantity:   r.Quantity,
		HolderID:   r.HolderID,
		HolderType: string(r.HolderType),
		Status:     string(r.Status),
		ReservedAt: formatTime(r.ReservedAt),
		ExpiresAt:  formatTime(r.ExpiresAt),
		ResolvedAt: formatTimePtr(r.ResolvedAt),
		PaymentID:  r.PaymentID,
	}
	if !r.Seat.IsZero() {
		seat := r.Seat
		dto.Seat = &seat
	}
	return dto
}

// =============================================================================
// PAYMENTS
// =============================================================================

type InitiatePaymentRequest struct {
	Amount           string            `json:"amount" validate:"required,numeric"`
	Currency         string            `json:"currency" validate:"required,len=3"`
	Method           string            `json:"method" validate:"required,oneof=wallet mobile_money card bank_qr"`
	UserID           string            `json:"user_id" validate:"required"`
	WalletID         string            `json:"wallet_id,omitempty" validate:"required_if=Method wallet"`
	ReservationToken string            `json:"reservation_token,omitempty"`
	Payload          map[string]string `json:"payload,omitempty"`
}

// CheckoutRequest pays for a hold; the amount comes from the tier price.
type CheckoutRequest struct {
	Method   string            `json:"method" validate:"required,oneof=wallet mobile_money card bank_qr"`
	UserID   string            `json:"user_id,omitempty"`
	WalletID string            `json:"wallet_id,omitempty" validate:"required_if=Method wallet"`
	Payload  map[string]string `json:"payload,omitempty"`
}

type CallbackRequest struct {
	IdempotencyKey    string `json:"idempotency_key" validate:"required_without=ExternalReference"`
	ExternalReference string `json:"external_reference,omitempty"`
	Status            string `json:"status" validate:"required,oneof=succeeded failed pending refunded"`
	FailureReason     string `json:"failure_reason,omitempty"`
	Amount            string `json:"amount,omitempty" validate:"omitempty,numeric"`
	Currency          string `json:"currency,omitempty" validate:"required_with=Amount"`
}

type ReverseRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type PaymentDTO struct {
	ID                string `json:"id"`
	IdempotencyKey    string `json:"idempotency_key"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Method            string `json:"method"`
	Status            string `json:"status"`
	UserID            string `json:"user_id"`
	WalletID          string `json:"wallet_id,omitempty"`
	ReservationToken  string `json:"reservation_token,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
	SettledAt         string `json:"settled_at,omitempty"`
}

func toPaymentDTO(p boxoffice.Payment) PaymentDTO {
	return PaymentDTO{
		ID:                p.ID,
		IdempotencyKey:    p.IdempotencyKey,
		Amount:            p.Amount.Value.StringFixed(2),
		Currency:          string(p.Amount.Currency),
		Method:            string(p.Method),
		Status:            string(p.Status),
		UserID:            p.UserID,
		WalletID:          p.WalletID,
		ReservationToken:  p.ReservationToken,
		ExternalReference: p.ExternalReference,
		FailureReason:     p.FailureReason,
		CreatedAt:         formatTime(p.CreatedAt),
		UpdatedAt:         formatTime(p.UpdatedAt),
		SettledAt:         formatTimePtr(p.SettledAt),
	}
}

// PurchaseResponse is returned by checkout, callbacks and refunds.
type PurchaseResponse struct {
	Reservation *ReservationDTO `json:"reservation,omitempty"`
	Payment     PaymentDTO      `json:"payment"`
	Ticket      *TicketDTO      `json:"ticket,omitempty"`
}

func toPurchaseResponse(p boxoffice.Purchase) PurchaseResponse {
	resp := PurchaseResponse{Payment: toPaymentDTO(p.Payment)}
	if p.Reservation.Token != "" {
		r := toReservationDTO(p.Reservation)
		resp.Reservation = &r
	}
	if p.Ticket != nil {
		t := toTicketDTO(*p.Ticket)
		resp.Ticket = &t
	}
	return resp
}

// =============================================================================
// WALLETS
// =============================================================================

type CreateWalletRequest struct {
	ID       string `json:"id,omitempty"`
	UserID   string `json:"user_id" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3"`
}

type WalletTransactionRequest struct {
	Type        string `json:"type" validate:"required,oneof=topup payment refund transfer_in transfer_out fee withdrawal adjustment"`
	Direction   string `json:"direction,omitempty" validate:"omitempty,oneof=credit debit"`
	Amount      string `json:"amount" validate:"required,numeric"`
	Fee         string `json:"fee,omitempty" validate:"omitempty,numeric"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Reference   string `json:"reference" validate:"required"`
	Description string `json:"description,omitempty"`
}

type TransferRequest struct {
	FromWalletID string `json:"from_wallet_id" validate:"required"`
	ToWalletID   string `json:"to_wallet_id" validate:"required,nefield=FromWalletID"`
	Amount       string `json:"amount" validate:"required,numeric"`
	Fee          string `json:"fee,omitempty" validate:"omitempty,numeric"`
	Currency     string `json:"currency" validate:"required,len=3"`
	Reference    string `json:"reference" validate:"required"`
	Description  string `json:"description,omitempty"`
}

type WalletDTO struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	Currency          string `json:"currency"`
	Balance           string `json:"balance"`
	LastTransactionID string `json:"last_transaction_id,omitempty"`
	Version           int    `json:"version"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func toWalletDTO(w boxoffice.Wallet) WalletDTO {
	return WalletDTO{
		ID:                w.ID,
		UserID:            w.UserID,
		Currency:          string(w.Currency),
		Balance:           w.Balance.Value.StringFixed(2),
		LastTransactionID: w.LastTransactionID,
		Version:           w.Version,
		CreatedAt:         formatTime(w.CreatedAt),
		UpdatedAt:         formatTime(w.UpdatedAt),
	}
}

type WalletTransactionDTO struct {
	ID            string `json:"id"`
	WalletID      string `json:"wallet_id"`
	Seq           int64  `json:"seq"`
	Type          string `json:"type"`
	Direction     string `json:"direction"`
	Amount        string `json:"amount"`
	Fee           string `json:"fee"`
	NetAmount     string `json:"net_amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	Currency      string `json:"currency"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toWalletTransactionDTO(t boxoffice.WalletTransaction) WalletTransactionDTO {
	return WalletTransactionDTO{
		ID:            t.ID,
		WalletID:      t.WalletID,
		Seq:           t.Seq,
		Type:          string(t.Type),
		Direction:     string(t.Direction),
		Amount:        t.Amount.Value.StringFixed(2),
		Fee:           t.Fee.Value.StringFixed(2),
		NetAmount:     t.NetAmount.Value.StringFixed(2),
		BalanceBefore: t.BalanceBefore.Value.StringFixed(2),
		BalanceAfter:  t.BalanceAfter.Value.StringFixed(2),
		Currency:      string(t.Amount.Currency),
		Reference:     t.Reference,
		Status:        string(t.Status),
		Description:   t.Description,
		CreatedAt:     formatTime(t.CreatedAt),
	}
}

type TransactionsResponse struct {
	WalletID     string                 `json:"wallet_id"`
	Transactions []WalletTransactionDTO `json:"transactions"`
	Limit        int                    `json:"limit"`
	Offset       int                    `json:"offset"`
}

type TransferResponse struct {
	Out WalletTransactionDTO `json:"out"`
	In  WalletTransactionDTO `json:"in"`
}

type LedgerReportDTO struct {
	WalletID     string   `json:"wallet_id"`
	Computed     string   `json:"computed"`
	Projection   string   `json:"projection"`
	Transactions int      `json:"transactions"`
	Consistent   bool     `json:"consistent"`
	Problems     []string `json:"problems,omitempty"`
}

func toLedgerReportDTO(r boxoffice.LedgerReport) LedgerReportDTO {
	return LedgerReportDTO{
		WalletID:     r.WalletID,
		Computed:     r.Computed.Value.StringFixed(2),
		Projection:   r.Projection.Value.StringFixed(2),
		Transactions: r.Transactions,
		Consistent:   r.Consistent,
		Problems:     r.Problems,
	}
}

// =============================================================================
// TICKETS
// =============================================================================

type IssueTicketRequest struct {
	ReservationToken string `json:"reservation_token" validate:"required"`
	PaymentKey       string `json:"payment_key" validate:"required"`
}

// ScanRequest accepts either the short code or the signed payload.
type ScanRequest struct {
	Code string `json:"code" validate:"required"`
}

type TicketDTO struct {
	Code             string             `json:"code"`
	ReservationToken string             `json:"reservation_token"`
	UserID           string             `json:"user_id"`
	EventID          string             `json:"event_id"`
	SeatClass        string             `json:"seat_class"`
	Seat             *boxoffice.SeatRef `json:"seat,omitempty"`
	Quantity         int                `json:"quantity"`
	Price            string             `json:"price"`
	Currency         string             `json:"currency"`
	Status           string             `json:"status"`
	Payload          string             `json:"payload"`
	IssuedAt         string             `json:"issued_at"`
	ValidUntil       string             `json:"valid_until,omitempty"`
	UsedAt           string             `json:"used_at,omitempty"`
	CancelledAt      string             `json:"cancelled_at,omitempty"`
}

func toTicketDTO(t boxoffice.Ticket) TicketDTO {
	dto := TicketDTO{
		Code:             t.Code,
		ReservationToken: t.ReservationToken,
		UserID:           t.UserID,
		EventID:          t.EventID,
		SeatClass:        t.SeatClass,
		Quantity:         t.Quantity,
		Price:            t.Price.Value.StringFixed(2),
		Currency:         string(t.Price.Currency),
		Status:           string(t.Status),
		Payload:          t.Payload,
		IssuedAt:         formatTime(t.IssuedAt),
		ValidUntil:       formatTimePtr(t.ValidUntil),
		UsedAt:           formatTimePtr(t.UsedAt),
		CancelledAt:      formatTimePtr(t.CancelledAt),
	}
	if !t.Seat.IsZero() {
		seat := t.Seat
		dto.Seat = &seat
	}
	return dto
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconcileRequest struct {
	Since string `json:"since,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

type FlagDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Subject       string `json:"subject"`
	Detail        string `json:"detail"`
	InternalValue string `json:"internal_value,omitempty"`
	ExternalValue string `json:"external_value,omitempty"`
	CreatedAt     string `json:"created_at"`
	Resolved      bool   `json:"resolved"`
}

func toFlagDTO(f boxoffice.ReconciliationFlag) FlagDTO {
	return FlagDTO{
		ID:            f.ID,
		Kind:          string(f.Kind),
		Subject:       f.Subject,
		Detail:        f.Detail,
		InternalValue: f.InternalValue,
		ExternalValue: f.ExternalValue,
		CreatedAt:     formatTime(f.CreatedAt),
		Resolved:      f.Resolved,
	}
}

type ReconciliationReportDTO struct {
	Since           string `json:"since"`
	ProviderRecords int    `json:"provider_records"`
	Payments        int    `json:"payments"`
	Wallets         int    `json:"wallets"`
	Flagged         int    `json:"flagged"`
}
