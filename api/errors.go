package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/box-office/boxoffice"
)

// retryAfterSeconds is advertised on in-flight and retryable responses.
const retryAfterSeconds = 2

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first matching target wins.
var errorMappings = []errorMapping{
	{boxoffice.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},

	{boxoffice.ErrReservationNotFound, http.StatusNotFound, "reservation_not_found"},
	{boxoffice.ErrTierNotFound, http.StatusNotFound, "tier_not_found"},
	{boxoffice.ErrPaymentNotFound, http.StatusNotFound, "payment_not_found"},
	{boxoffice.ErrWalletNotFound, http.StatusNotFound, "wallet_not_found"},
	{boxoffice.ErrTicketNotFound, http.StatusNotFound, "ticket_not_found"},

	{boxoffice.ErrCapacityExceeded, http.StatusConflict, "capacity_exceeded"},
	{boxoffice.ErrSeatUnavailable, http.StatusConflict, "seat_unavailable"},
	{boxoffice.ErrReservationAlreadyResolved, http.StatusConflict, "reservation_resolved"},
	{boxoffice.ErrReservationNotConfirmed, http.StatusConflict, "reservation_not_confirmed"},
	{boxoffice.ErrPaymentInFlight, http.StatusConflict, "payment_in_flight"},
	{boxoffice.ErrPaymentNotSucceeded, http.StatusConflict, "payment_not_succeeded"},
	{boxoffice.ErrDuplicateReference, http.StatusConflict, "duplicate_reference"},
	{boxoffice.ErrDuplicateWallet, http.StatusConflict, "duplicate_wallet"},
	{boxoffice.ErrTicketExists, http.StatusConflict, "ticket_exists"},
	{boxoffice.ErrTicketAlreadyUsed, http.StatusConflict, "ticket_already_used"},
	{boxoffice.ErrTicketCancelled, http.StatusConflict, "ticket_cancelled"},
	{boxoffice.ErrIllegalTransition, http.StatusConflict, "illegal_transition"},

	{boxoffice.ErrReservationExpired, http.StatusGone, "reservation_expired"},
	{boxoffice.ErrTicketExpired, http.StatusGone, "ticket_expired"},

	{boxoffice.ErrIdempotencyKeyReuse, http.StatusUnprocessableEntity, "idempotency_key_reuse"},

	{boxoffice.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{boxoffice.ErrInvalidTier, http.StatusBadRequest, "invalid_tier"},
	{boxoffice.ErrCurrencyMismatch, http.StatusBadRequest, "currency_mismatch"},
	{boxoffice.ErrInvalidTicketPayload, http.StatusBadRequest, "invalid_ticket_payload"},

	{boxoffice.ErrConcurrentModification, http.StatusServiceUnavailable, "concurrent_modification"},
	{boxoffice.ErrGatewayUnavailable, http.StatusServiceUnavailable, "gateway_unavailable"},
}

// classify returns the status and code for err.
func classify(err error) (int, string) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, "invalid_request"
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeDomainError maps err to a response. Server errors are logged and
// their text is not sent to the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	retryable := boxoffice.IsRetryable(err)
	if retryable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: message, Retryable: retryable})
}

// writeError writes a request-level failure that never reached the domain.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
