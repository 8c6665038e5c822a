/*
ticket.go - TicketIssuer: exactly-once issuance and single-use scanning

PURPOSE:
  Issues one ticket per confirmed reservation and validates it at the gate.
  The unique index on reservation_token makes issuance idempotent; the
  conditional active -> used update makes a scan succeed once.

PAYLOAD:
  Each ticket carries an HS256-signed token with its code, event, holder
  and issue time. A scanner can verify it offline with Verify; Scan always
  checks the stored status as well.

STATE MACHINE:
  active -> used       (first successful scan)
  active -> cancelled  (refund or admin)
  active -> expired    (past valid_until)
*/
package boxoffice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/box-office/monitoring"
)

const codeAttempts = 3

type TicketIssuer struct {
	store      Store
	clock      Clock
	signingKey []byte
	notifier   Notifier
}

type TicketOption func(*TicketIssuer)

func WithTicketNotifier(n Notifier) TicketOption {
	return func(i *TicketIssuer) {
		i.notifier = n
	}
}

func NewTicketIssuer(store Store, clock Clock, signingKey []byte, opts ...TicketOption) *TicketIssuer {
	if clock == nil {
		clock = SystemClock{}
	}
	i := &TicketIssuer{store: store, clock: clock, signingKey: signingKey, notifier: NopNotifier{}}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// TicketClaims is the signed content of a ticket payload.
type TicketClaims struct {
	Code    string `json:"tkt"`
	EventID string `json:"evt"`
	jwt.RegisteredClaims
}

type IssueResult struct {
	Ticket   Ticket
	Replayed bool
}

// Issue creates the ticket for a confirmed reservation paid by paymentKey.
// Issuing again for the same reservation returns the first ticket.
func (i *TicketIssuer) Issue(ctx context.Context, reservationToken, paymentKey string) (*IssueResult, error) {
	var result *IssueResult
	err := i.store.WithTx(ctx, func(tx Tx) error {
		var err error
		result, err = i.issueInTx(ctx, tx, reservationToken, paymentKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !result.Replayed {
		i.afterIssue(ctx, result.Ticket)
	}
	return result, nil
}

func (i *TicketIssuer) issueInTx(ctx context.Context, tx Tx, token, paymentKey string) (*IssueResult, error) {
	existing, err := tx.GetTicketByReservation(ctx, token)
	if err == nil {
		return &IssueResult{Ticket: *existing, Replayed: true}, nil
	}
	if !errors.Is(err, ErrTicketNotFound) {
		return nil, err
	}

	res, err := tx.GetReservation(ctx, token)
	if err != nil {
		return nil, err
	}
	if res.Status != ReservationConfirmed {
		return nil, fmt.Errorf("reservation %s is %s: %w", token, res.Status, ErrReservationNotConfirmed)
	}
	payment, err := tx.GetPayment(ctx, paymentKey)
	if err != nil {
		return nil, err
	}
	if payment.Status != PaymentSucceeded {
		return nil, fmt.Errorf("payment %s is %s: %w", paymentKey, payment.Status, ErrPaymentNotSucceeded)
	}
	if res.PaymentID != payment.ID {
		return nil, invalid("payment_key", "payment did not confirm this reservation")
	}
	tier, err := tx.GetTier(ctx, res.EventID, res.SeatClass)
	if err != nil {
		return nil, err
	}

	t := Ticket{
		ID:               uuid.NewString(),
		ReservationToken: token,
		PaymentID:        payment.ID,
		UserID:           res.HolderID,
		EventID:          res.EventID,
		SeatClass:        res.SeatClass,
		Seat:             res.Seat,
		Quantity:         res.Quantity,
		Price:            payment.Amount,
		Status:           TicketActive,
		IssuedAt:         i.clock.Now(),
		ValidUntil:       tier.ValidUntil,
	}

	for attempt := 0; ; attempt++ {
		t.Code = newTicketCode()
		if t.Payload, err = i.sign(t); err != nil {
			return nil, err
		}
		err = tx.InsertTicket(ctx, t)
		if errors.Is(err, ErrDuplicateTicketCode) && attempt+1 < codeAttempts {
			continue
		}
		break
	}
	if errors.Is(err, ErrTicketExists) {
		existing, gerr := tx.GetTicketByReservation(ctx, token)
		if gerr != nil {
			return nil, gerr
		}
		return &IssueResult{Ticket: *existing, Replayed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &IssueResult{Ticket: t}, nil
}

func newTicketCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}

func (i *TicketIssuer) sign(t Ticket) (string, error) {
	claims := TicketClaims{
		Code:    t.Code,
		EventID: t.EventID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       t.ID,
			Subject:  t.UserID,
			IssuedAt: jwt.NewNumericDate(t.IssuedAt),
		},
	}
	if t.ValidUntil != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*t.ValidUntil)
	}
	payload, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return payload, nil
}

// Verify checks a payload's signature and validity window offline.
func (i *TicketIssuer) Verify(payload string) (*TicketClaims, error) {
	claims, err := i.parse(payload, true)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTicketExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicketPayload, err)
	}
	return claims, nil
}

func (i *TicketIssuer) parse(payload string, validate bool) (*TicketClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
	}
	if !validate {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	claims := &TicketClaims{}
	_, err := jwt.ParseWithClaims(payload, claims, func(*jwt.Token) (any, error) {
		return i.signingKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func isPayload(s string) bool {
	return strings.Count(s, ".") == 2
}

// Scan admits a ticket by code or payload. It succeeds once.
func (i *TicketIssuer) Scan(ctx context.Context, codeOrPayload string) (*Ticket, error) {
	input := strings.TrimSpace(codeOrPayload)
	if input == "" {
		return nil, invalid("code", "required")
	}
	code := input
	if isPayload(input) {
		claims, err := i.parse(input, false)
		if err != nil {
			monitoring.RecordScan("invalid")
			return nil, fmt.Errorf("%w: %v", ErrInvalidTicketPayload, err)
		}
		code = claims.Code
	}

	var (
		out     *Ticket
		outcome error
	)
	err := i.store.WithTx(ctx, func(tx Tx) error {
		t, err := tx.GetTicket(ctx, code)
		if err != nil {
			return err
		}
		if isPayload(input) && t.Payload != input {
			return ErrInvalidTicketPayload
		}

		now := i.clock.Now()
		ok, err := tx.TransitionTicket(ctx, TicketTransition{
			Code: code, From: TicketActive, To: TicketUsed, At: now, ValidAt: &now,
		})
		if err != nil {
			return err
		}
		if ok {
			t.Status = TicketUsed
			t.UsedAt = timePtr(now)
			out = t
			return nil
		}

		switch t.Status {
		case TicketUsed:
			return fmt.Errorf("ticket %s: %w", code, ErrTicketAlreadyUsed)
		case TicketCancelled:
			return fmt.Errorf("ticket %s: %w", code, ErrTicketCancelled)
		case TicketExpired:
			return fmt.Errorf("ticket %s: %w", code, ErrTicketExpired)
		}
		// Still active, so past its validity window.
		if _, err := tx.TransitionTicket(ctx, TicketTransition{
			Code: code, From: TicketActive, To: TicketExpired, At: now,
		}); err != nil {
			return err
		}
		outcome = fmt.Errorf("ticket %s: %w", code, ErrTicketExpired)
		return nil
	})
	if err == nil {
		err = outcome
	}
	monitoring.RecordScan(scanResultLabel(err))
	if err != nil {
		return nil, err
	}
	zap.L().Info("Ticket scanned", zap.String("ticket_code", code), zap.String("event_id", out.EventID))
	return out, nil
}

func scanResultLabel(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, ErrTicketAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrTicketCancelled):
		return "cancelled"
	case errors.Is(err, ErrTicketExpired):
		return "expired"
	case errors.Is(err, ErrTicketNotFound):
		return "unknown"
	case errors.Is(err, ErrInvalidTicketPayload):
		return "invalid"
	}
	return "error"
}

// Cancel voids an active ticket. Cancelling twice returns the ticket.
func (i *TicketIssuer) Cancel(ctx context.Context, code string) (*Ticket, error) {
	var out *Ticket
	err := i.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = i.cancelInTx(ctx, tx, code)
		return err
	})
	return out, err
}

func (i *TicketIssuer) cancelInTx(ctx context.Context, tx Tx, code string) (*Ticket, error) {
	t, err := tx.GetTicket(ctx, code)
	if err != nil {
		return nil, err
	}
	if t.Status == TicketCancelled {
		return t, nil
	}
	now := i.clock.Now()
	ok, err := tx.TransitionTicket(ctx, TicketTransition{Code: code, From: TicketActive, To: TicketCancelled, At: now})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &IllegalTransitionError{Entity: "ticket", ID: code, From: string(t.Status), To: string(TicketCancelled)}
	}
	t.Status = TicketCancelled
	t.CancelledAt = timePtr(now)
	return t, nil
}

func (i *TicketIssuer) Get(ctx context.Context, code string) (*Ticket, error) {
	var t *Ticket
	err := i.store.WithTx(ctx, func(tx Tx) error {
		var err error
		t, err = tx.GetTicket(ctx, code)
		return err
	})
	return t, err
}

// SweepExpired moves active tickets past valid_until to expired.
func (i *TicketIssuer) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := i.clock.Now()
	expired := 0
	err := i.store.WithTx(ctx, func(tx Tx) error {
		tickets, err := tx.ListExpiredTickets(ctx, now, limit)
		if err != nil {
			return err
		}
		for _, t := range tickets {
			ok, err := tx.TransitionTicket(ctx, TicketTransition{
				Code: t.Code, From: TicketActive, To: TicketExpired, At: now,
			})
			if err != nil {
				return err
			}
			if ok {
				expired++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

func (i *TicketIssuer) afterIssue(ctx context.Context, t Ticket) {
	monitoring.RecordTicketIssued(t.EventID)
	zap.L().Info("Ticket issued",
		zap.String("ticket_code", t.Code),
		zap.String("reservation_token", t.ReservationToken),
		zap.String("event_id", t.EventID))
	dispatch(ctx, i.notifier, Notification{
		Kind:    NotifyTicketIssued,
		Subject: t.Code,
		UserID:  t.UserID,
		EventID: t.EventID,
		Data: map[string]string{
			"reservation_token": t.ReservationToken,
			"seat_class":        t.SeatClass,
			"seat":              t.Seat.String(),
		},
		OccurredAt: t.IssuedAt,
	})
}
