/*
handlers.go - HTTP API handlers for the box office

PURPOSE:
  Exposes the reservation, payment, wallet and ticket engine via REST API.
  Handles HTTP request/response, JSON serialization and validation, and
  delegates to package boxoffice.

ENDPOINTS:
  Capacity:
    POST   /api/tiers                       Create or resize a tier
    GET    /api/events/{eventID}/tiers      Tiers with availability

  Holds:
    POST   /api/holds                       Create hold (Idempotency-Key optional)
    GET    /api/holds/{token}               Get reservation
    POST   /api/holds/{token}/release       Release hold
    POST   /api/holds/{token}/confirm       Confirm with a succeeded payment
    POST   /api/holds/{token}/checkout      Pay -> confirm -> issue (Idempotency-Key)

  Payments:
    POST   /api/payments                    Initiate (Idempotency-Key required)
    POST   /api/payments/callback           Provider callback
    GET    /api/payments/{key}              Payment outcome
    POST   /api/payments/{key}/poll         Ask the provider
    POST   /api/payments/{key}/reverse      Refund a purchase

  Wallets:
    POST   /api/wallets                     Create wallet
    GET    /api/wallets/{id}                Wallet and balance
    GET    /api/wallets/{id}/transactions   Ledger page (?limit=&offset=)
    POST   /api/wallets/{id}/transactions   Post a transaction
    GET    /api/wallets/{id}/replay         Ledger verification
    POST   /api/transfers                   Wallet to wallet transfer

  Tickets:
    POST   /api/tickets                     Issue for a confirmed hold
    POST   /api/tickets/scan                Admit at the gate
    GET    /api/tickets/{code}              Get ticket
    POST   /api/tickets/{code}/cancel       Cancel ticket

  Reconciliation:
    GET    /api/reconciliation/flags        Open flags (?all=true for resolved)
    POST   /api/reconciliation/run          Run now

REPLAYS:
  A repeated hold key, idempotency key or wallet reference answers with the
  original body, status 200 and the header Idempotent-Replay: true.

ERROR HANDLING:
  See errors.go. Every error body is {"error", "message", "retryable"}.

SECURITY NOTE:
  There is NO authentication or authorization. Put the API behind a
  gateway that authenticates callers and signs provider callbacks.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error to status mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/box-office/boxoffice"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayHeader         = "Idempotent-Replay"

	defaultPageSize = 50
	maxPageSize     = 500

	defaultReconcileLookback = 48 * time.Hour
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Services are the engine components the API delegates to.
type Services struct {
	Capacity     *boxoffice.CapacityLedger
	Reservations *boxoffice.ReservationManager
	Payments     *boxoffice.PaymentGuard
	Wallets      *boxoffice.WalletLedger
	Tickets      *boxoffice.TicketIssuer
	Checkout     *boxoffice.Checkout
	Reconciler   *boxoffice.Reconciler
	Clock        boxoffice.Clock

	// Ping reports store health for /health. Optional.
	Ping func(context.Context) error

	// ReconcileLookback is the default window of a manual run.
	ReconcileLookback time.Duration
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Services
	validate *validator.Validate
}

func NewHandler(s Services) *Handler {
	if s.Clock == nil {
		s.Clock = boxoffice.SystemClock{}
	}
	if s.ReconcileLookback <= 0 {
		s.ReconcileLookback = defaultReconcileLookback
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation messages.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Services: s, validate: v}
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the error response and
// returns false when the body is unusable. An empty body is accepted when
// optional is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		err = nil
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			parts[i] = fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		} else {
			parts[i] = fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
		}
	}
	return strings.Join(parts, "; ")
}

func parseMoney(field, value, currency string) (boxoffice.Money, error) {
	if value == "" {
		value = "0"
	}
	m, err := boxoffice.NewMoney(value, boxoffice.Currency(strings.ToUpper(currency)))
	if err != nil {
		return boxoffice.Money{}, &boxoffice.ValidationError{Field: field, Message: err.Error()}
	}
	return m, nil
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
}

func requireIdempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := idempotencyKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing_idempotency_key", idempotencyKeyHeader+" header is required")
		return "", false
	}
	return key, true
}

func pageParams(r *http.Request) (int, int, error) {
	limit, offset := defaultPageSize, 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return 0, 0, &boxoffice.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		limit = min(n, maxPageSize)
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, 0, &boxoffice.ValidationError{Field: "offset", Message: "must not be negative"}
		}
		offset = n
	}
	return limit, offset, nil
}

// writeJSON writes data with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeResult answers 200 with the replay header for replays, else status.
func writeResult(w http.ResponseWriter, status int, replayed bool, data any) {
	if replayed {
		w.Header().Set(replayHeader, "true")
		status = http.StatusOK
	}
	writeJSON(w, status, data)
}

// =============================================================================
// CAPACITY HANDLERS
// =============================================================================

// UpsertTier creates a tier or changes its total and price.
func (h *Handler) UpsertTier(w http.ResponseWriter, r *http.Request) {
	var req UpsertTierRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	price, err := parseMoney("price", req.Price, req.Currency)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	tier := boxoffice.CapacityTier{
		EventID:   req.EventID,
		SeatClass: req.SeatClass,
		Total:     req.Total,
		Price:     price,
	}
	if req.ValidUntil != nil {
		until, err := time.Parse(time.RFC3339, *req.ValidUntil)
		if err != nil {
			writeDomainError(w, r, &boxoffice.ValidationError{Field: "valid_until", Message: err.Error()})
			return
		}
		tier.ValidUntil = &until
	}

	out, err := h.Capacity.UpsertTier(r.Context(), tier)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTierDTO(*out))
}

func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := h.Capacity.Tiers(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]TierDTO, len(tiers))
	for i, t := range tiers {
		dtos[i] = toTierDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HOLD HANDLERS
// =============================================================================

// CreateHold holds a seat or quota units. The Idempotency-Key header, when
// present, makes the request safely repeatable.
func (h *Handler) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req CreateHoldRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	hold := boxoffice.HoldRequest{
		EventID:    req.EventID,
		SeatClass:  req.SeatClass,
		Quantity:   req.Quantity,
		HolderID:   req.HolderID,
		HolderType: boxoffice.HolderType(req.HolderType),
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		HoldKey:    idempotencyKey(r),
	}
	if req.Seat != nil {
		hold.Seat = *req.Seat
	}

	result, err := h.Reservations.CreateHold(r.Context(), hold)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, result.Replayed, toReservationDTO(result.Reservation))
}

func (h *Handler) GetHold(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reservations.Get(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reservations.ReleaseHold(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

func (h *Handler) ConfirmHold(w http.ResponseWriter, r *http.Request) {
	var req ConfirmHoldRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	res, err := h.Reservations.ConfirmHold(r.Context(), chi.URLParam(r, "token"), req.PaymentID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

// PayHold pays for a hold. A synchronous success answers 201 with the
// ticket; a pending charge answers 202 and completes on callback or poll.
func (h *Handler) PayHold(w http.ResponseWriter, r *http.Request) {
	key, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}
	var req CheckoutRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	purchase, err := h.Checkout.Pay(r.Context(), boxoffice.PayRequest{
		ReservationToken: chi.URLParam(r, "token"),
		IdempotencyKey:   key,
		Method:           boxoffice.PaymentMethod(req.Method),
		UserID:           req.UserID,
		WalletID:         req.WalletID,
		Payload:          req.Payload,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeResult(w, purchaseStatus(purchase.Payment), purchase.Replayed, toPurchaseResponse(*purchase))
}

func purchaseStatus(p boxoffice.Payment) int {
	if p.Status.IsTerminal() {
		return http.StatusCreated
	}
	return http.StatusAccepted
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// InitiatePayment charges once per Idempotency-Key.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	key, ok := requireIdempotencyKey(w, r)
	if !ok {
		return
	}
	var req InitiatePaymentRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	amount, err := parseMoney("amount", req.Amount, req.Currency)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	outcome, err := h.Payments.Initiate(r.Context(), boxoffice.PaymentRequest{
		IdempotencyKey:   key,
		Amount:           amount,
		Method:           boxoffice.PaymentMethod(req.Method),
		UserID:           req.UserID,
		WalletID:         req.WalletID,
		ReservationToken: req.ReservationToken,
		Payload:          req.Payload,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeResult(w, purchaseStatus(outcome.Payment), outcome.Replayed, toPaymentDTO(outcome.Payment))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// PollPayment asks the provider and moves the purchase forward.
func (h *Handler) PollPayment(w http.ResponseWriter, r *http.Request) {
	p, _, err := h.Payments.Poll(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	purchase, err := h.Checkout.Settle(r.Context(), *p)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseResponse(*purchase))
}

// ReversePayment refunds a succeeded purchase and cancels its ticket.
func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	purchase, err := h.Checkout.Refund(r.Context(), chi.URLParam(r, "key"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseResponse(*purchase))
}

// PaymentCallback applies a provider notification. Repeats are harmless.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	cb := boxoffice.Callback{
		IdempotencyKey:    req.IdempotencyKey,
		ExternalReference: req.ExternalReference,
		Status:            boxoffice.ChargeStatus(req.Status),
		FailureReason:     req.FailureReason,
	}
	if req.Amount != "" {
		amount, err := parseMoney("amount", req.Amount, req.Currency)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		cb.Amount = &amount
	}

	purchase, err := h.Checkout.HandleCallback(r.Context(), cb)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseResponse(*purchase))
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

func (h *Handler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req CreateWalletRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	wallet, err := h.Wallets.CreateWallet(r.Context(), boxoffice.WalletRequest{
		ID:       req.ID,
		UserID:   req.UserID,
		Currency: boxoffice.Currency(strings.ToUpper(req.Currency)),
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWalletDTO(*wallet))
}

// GetWallet reports the balance from the ledger tip, not the projection.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wallet, err := h.Wallets.Wallet(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	balance, err := h.Wallets.Balance(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	wallet.Balance = balance
	writeJSON(w, http.StatusOK, toWalletDTO(*wallet))
}

func (h *Handler) ListWalletTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset, err := pageParams(r)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	txns, err := h.Wallets.Transactions(r.Context(), id, limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]WalletTransactionDTO, len(txns))
	for i, t := range txns {
		dtos[i] = toWalletTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{WalletID: id, Transactions: dtos, Limit: limit, Offset: offset})
}

// PostWalletTransaction applies one posting. A debit beyond the balance is
// recorded as failed and answered with 402, also on replay.
func (h *Handler) PostWalletTransaction(w http.ResponseWriter, r *http.Request) {
	var req WalletTransactionRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	amount, err := parseMoney("amount", req.Amount, req.Currency)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	fee, err := parseMoney("fee", req.Fee, req.Currency)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	result, err := h.Wallets.Apply(r.Context(), boxoffice.TransactionRequest{
		WalletID:    chi.URLParam(r, "id"),
		Type:        boxoffice.WalletTxType(req.Type),
		Direction:   boxoffice.Direction(req.Direction),
		Amount:      amount,
		Fee:         fee,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, result.Replayed, toWalletTransactionDTO(result.Transaction))
}

func (h *Handler) ReplayWallet(w http.ResponseWriter, r *http.Request) {
	report, err := h.Wallets.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerReportDTO(*report))
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	amount, err := parseMoney("amount", req.Amount, req.Currency)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	fee, err := parseMoney("fee", req.Fee, req.Currency)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	result, err := h.Wallets.Transfer(r.Context(), boxoffice.TransferRequest{
		FromWalletID: req.FromWalletID,
		ToWalletID:   req.ToWalletID,
		Amount:       amount,
		Fee:          fee,
		Reference:    req.Reference,
		Description:  req.Description,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, result.Replayed, TransferResponse{
		Out: toWalletTransactionDTO(result.Out),
		In:  toWalletTransactionDTO(result.In),
	})
}

// =============================================================================
// TICKET HANDLERS
// =============================================================================

func (h *Handler) IssueTicket(w http.ResponseWriter, r *http.Request) {
	var req IssueTicketRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	result, err := h.Tickets.Issue(r.Context(), req.ReservationToken, req.PaymentKey)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, result.Replayed, toTicketDTO(result.Ticket))
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tickets.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketDTO(*t))
}

// ScanTicket admits a ticket once. Later scans answer 409.
func (h *Handler) ScanTicket(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	t, err := h.Tickets.Scan(r.Context(), req.Code)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketDTO(*t))
}

func (h *Handler) CancelTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tickets.Cancel(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketDTO(*t))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

func (h *Handler) ListFlags(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	flags, err := h.Reconciler.Flags(r.Context(), all)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	dtos := make([]FlagDTO, len(flags))
	for i, f := range flags {
		dtos[i] = toFlagDTO(f)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunReconciliation checks provider records since the given time, by
// default the configured lookback.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	since := h.Clock.Now().Add(-h.ReconcileLookback)
	if req.Since != "" {
		t, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			writeDomainError(w, r, &boxoffice.ValidationError{Field: "since", Message: err.Error()})
			return
		}
		since = t
	}

	report, err := h.Reconciler.Run(r.Context(), since)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationReportDTO{
		Since:           formatTime(since),
		ProviderRecords: report.ProviderRecords,
		Payments:        report.Payments,
		Wallets:         report.Wallets,
		Flagged:         report.Flagged,
	})
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
