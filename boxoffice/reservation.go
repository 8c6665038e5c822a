/*
reservation.go - SeatReservationManager: TTL holds on seats and quota units

PURPOSE:
  Creates, confirms, releases and expires holds. A hold on a numbered seat
  is arbitrated by the store's unique index over ACTIVE rows; a hold on
  class-level inventory is arbitrated by CapacityLedger. Numbered seats
  also count one unit against their tier so sold + reserved <= total holds
  for every tier.

STATE MACHINE:
  active -> confirmed   (payment succeeded, before expiry)
  active -> cancelled   (released by the holder or a failed payment)
  active -> expired     (TTL passed, by the sweeper or lazily on contact)
  Everything else is rejected.

LAZY EXPIRY:
  CreateHold reclaims expired-but-still-active holds that block it, inside
  its own transaction, so a free seat never waits for the sweeper.

USAGE:
  mgr := NewReservationManager(store, capacity, clock, WithHoldTTL(10*time.Minute))
  res, err := mgr.CreateHold(ctx, HoldRequest{EventID: "e1", SeatClass: "vip", Quantity: 1, HolderID: "u1"})

SEE ALSO:
  - capacity.go: Counter updates committed with each transition
  - sweeper.go: Background expiry
*/
package boxoffice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/box-office/monitoring"
)

const (
	DefaultHoldTTL    = 10 * time.Minute
	DefaultMaxHoldTTL = 30 * time.Minute

	reclaimBatch = 50
)

type ReservationManager struct {
	store      Store
	capacity   *CapacityLedger
	clock      Clock
	notifier   Notifier
	defaultTTL time.Duration
	maxTTL     time.Duration
}

type ReservationOption func(*ReservationManager)

func WithHoldTTL(d time.Duration) ReservationOption {
	return func(m *ReservationManager) {
		if d > 0 {
			m.defaultTTL = d
		}
	}
}

func WithMaxHoldTTL(d time.Duration) ReservationOption {
	return func(m *ReservationManager) {
		if d > 0 {
			m.maxTTL = d
		}
	}
}

func WithReservationNotifier(n Notifier) ReservationOption {
	return func(m *ReservationManager) {
		m.notifier = n
	}
}

func NewReservationManager(store Store, capacity *CapacityLedger, clock Clock, opts ...ReservationOption) *ReservationManager {
	if clock == nil {
		clock = SystemClock{}
	}
	m := &ReservationManager{
		store:      store,
		capacity:   capacity,
		clock:      clock,
		notifier:   NopNotifier{},
		defaultTTL: DefaultHoldTTL,
		maxTTL:     DefaultMaxHoldTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HoldRequest asks for a seat (Seat set) or for Quantity quota units.
type HoldRequest struct {
	EventID    string
	SeatClass  string
	Seat       SeatRef
	Quantity   int
	HolderID   string
	HolderType HolderType
	TTL        time.Duration
	HoldKey    string
}

type HoldResult struct {
	Reservation Reservation
	Replayed    bool
}

func (m *ReservationManager) normalize(req *HoldRequest) error {
	req.EventID = strings.TrimSpace(req.EventID)
	req.SeatClass = strings.TrimSpace(req.SeatClass)
	req.HolderID = strings.TrimSpace(req.HolderID)

	if req.EventID == "" {
		return invalid("event_id", "required")
	}
	if req.SeatClass == "" {
		return invalid("seat_class", "required")
	}
	if req.HolderID == "" {
		return invalid("holder_id", "required")
	}
	if req.HolderType == "" {
		req.HolderType = HolderUser
	}
	if req.HolderType != HolderUser && req.HolderType != HolderSession {
		return invalid("holder_type", "must be user or session")
	}
	if !req.Seat.IsZero() {
		if req.Quantity == 0 {
			req.Quantity = 1
		}
		if req.Quantity != 1 {
			return invalid("quantity", "a numbered seat is held one at a time")
		}
	}
	if req.Quantity <= 0 {
		return invalid("quantity", "must be positive")
	}
	if req.TTL == 0 {
		req.TTL = m.defaultTTL
	}
	if req.TTL < 0 || req.TTL > m.maxTTL {
		return invalid("ttl", "must be between 0 and %s", m.maxTTL)
	}
	return nil
}

// CreateHold reserves a seat or quota units until now + TTL.
// Repeating a HoldKey returns the original reservation.
func (m *ReservationManager) CreateHold(ctx context.Context, req HoldRequest) (*HoldResult, error) {
	if err := m.normalize(&req); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	res := Reservation{
		ID:         uuid.NewString(),
		Token:      uuid.NewString(),
		HoldKey:    strings.TrimSpace(req.HoldKey),
		EventID:    req.EventID,
		SeatClass:  req.SeatClass,
		Seat:       req.Seat,
		Quantity:   req.Quantity,
		HolderID:   req.HolderID,
		HolderType: req.HolderType,
		Status:     ReservationActive,
		ReservedAt: now,
		ExpiresAt:  now.Add(req.TTL),
	}

	var (
		result    *HoldResult
		reclaimed []Reservation
	)
	err := m.store.WithTx(ctx, func(tx Tx) error {
		reclaimed = nil

		if res.HoldKey != "" {
			existing, err := tx.FindReservationByHoldKey(ctx, res.HoldKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if !sameHold(*existing, res) {
					return fmt.Errorf("hold key %q: %w", res.HoldKey, ErrIdempotencyKeyReuse)
				}
				result = &HoldResult{Reservation: *existing, Replayed: true}
				return nil
			}
		}

		if _, err := tx.GetTier(ctx, res.EventID, res.SeatClass); err != nil {
			return err
		}

		if !res.Seat.IsZero() {
			seat := res.Seat
			freed, err := m.reclaim(ctx, tx, ExpiredFilter{
				Before: now, EventID: res.EventID, SeatClass: res.SeatClass, Seat: &seat, Limit: reclaimBatch,
			})
			if err != nil {
				return err
			}
			reclaimed = append(reclaimed, freed...)
		}

		if err := tx.InsertReservation(ctx, res); err != nil {
			return err
		}

		_, err := m.capacity.TryHold(ctx, tx, res.EventID, res.SeatClass, res.Quantity)
		if errors.Is(err, ErrCapacityExceeded) {
			freed, rerr := m.reclaim(ctx, tx, ExpiredFilter{
				Before: now, EventID: res.EventID, SeatClass: res.SeatClass, Limit: reclaimBatch,
			})
			if rerr != nil {
				return rerr
			}
			if len(freed) == 0 {
				return err
			}
			reclaimed = append(reclaimed, freed...)
			_, err = m.capacity.TryHold(ctx, tx, res.EventID, res.SeatClass, res.Quantity)
		}
		if err != nil {
			return err
		}

		result = &HoldResult{Reservation: res}
		return nil
	})
	if err != nil {
		monitoring.RecordHold(req.EventID, holdResultLabel(err))
		return nil, err
	}

	m.afterExpiry(ctx, reclaimed, now)
	if result.Replayed {
		monitoring.RecordHold(req.EventID, "replayed")
	} else {
		monitoring.RecordHold(req.EventID, "created")
		zap.L().Info("Hold created",
			zap.String("reservation_token", result.Reservation.Token),
			zap.String("event_id", res.EventID),
			zap.String("seat_class", res.SeatClass),
			zap.String("seat", res.Seat.String()),
			zap.Int("quantity", res.Quantity),
			zap.Time("expires_at", res.ExpiresAt))
	}
	return result, nil
}

func sameHold(a, b Reservation) bool {
	return a.EventID == b.EventID &&
		a.SeatClass == b.SeatClass &&
		a.Seat == b.Seat &&
		a.Quantity == b.Quantity &&
		a.HolderID == b.HolderID
}

func holdResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrSeatUnavailable):
		return "seat_unavailable"
	case IsClientError(err):
		return "rejected"
	}
	return "error"
}

// ConfirmHold marks an unexpired active hold as sold to a succeeded payment.
// Confirming again with the same payment returns the confirmed hold.
func (m *ReservationManager) ConfirmHold(ctx context.Context, token, paymentID string) (*Reservation, error) {
	var (
		res       *Reservation
		outcome   error
		confirmed bool
	)
	err := m.store.WithTx(ctx, func(tx Tx) error {
		var err error
		res, confirmed, err = m.confirmInTx(ctx, tx, token, paymentID)
		if errors.Is(err, ErrReservationExpired) {
			// Commit the expiry, report the failure.
			outcome = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		m.afterExpiry(ctx, []Reservation{*res}, m.clock.Now())
		return nil, outcome
	}
	if confirmed {
		m.afterConfirm(*res)
	}
	return res, nil
}

// confirmInTx reports whether this call performed the transition.
// On expiry it expires the hold and returns it with ErrReservationExpired.
func (m *ReservationManager) confirmInTx(ctx context.Context, tx Tx, token, paymentID string) (*Reservation, bool, error) {
	res, err := tx.GetReservation(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if res.Status == ReservationConfirmed && res.PaymentID == paymentID {
		return res, false, nil
	}
	if res.Status != ReservationActive {
		return nil, false, fmt.Errorf("reservation %s is %s: %w", token, res.Status, ErrReservationAlreadyResolved)
	}

	payment, err := tx.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, false, err
	}
	if payment.Status != PaymentSucceeded {
		return nil, false, fmt.Errorf("payment %s is %s: %w", payment.IdempotencyKey, payment.Status, ErrPaymentNotSucceeded)
	}
	if payment.ReservationToken != "" && payment.ReservationToken != token {
		return nil, false, invalid("payment_id", "payment belongs to another reservation")
	}

	now := m.clock.Now()
	if res.ExpiredAt(now) {
		if _, err := m.expireInTx(ctx, tx, *res, now); err != nil {
			return nil, false, err
		}
		res.Status = ReservationExpired
		res.ResolvedAt = timePtr(now)
		return res, false, fmt.Errorf("reservation %s expired at %s: %w", token, res.ExpiresAt.Format(time.RFC3339), ErrReservationExpired)
	}

	ok, err := tx.TransitionReservation(ctx, ReservationTransition{
		Token:        token,
		From:         ReservationActive,
		To:           ReservationConfirmed,
		At:           now,
		PaymentID:    paymentID,
		NotExpiredAt: &now,
	})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("confirm reservation %s: %w", token, ErrConcurrentModification)
	}
	if err := m.capacity.Confirm(ctx, tx, res.Grant()); err != nil {
		return nil, false, err
	}

	res.Status = ReservationConfirmed
	res.PaymentID = paymentID
	res.ResolvedAt = timePtr(now)
	return res, true, nil
}

// ReleaseHold cancels an active hold and returns its units.
// Releasing an already-cancelled hold returns it unchanged.
func (m *ReservationManager) ReleaseHold(ctx context.Context, token string) (*Reservation, error) {
	var (
		res      *Reservation
		released bool
	)
	err := m.store.WithTx(ctx, func(tx Tx) error {
		var err error
		res, released, err = m.releaseInTx(ctx, tx, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	if released {
		m.afterRelease(*res)
	}
	return res, nil
}

func (m *ReservationManager) releaseInTx(ctx context.Context, tx Tx, token string) (*Reservation, bool, error) {
	res, err := tx.GetReservation(ctx, token)
	if err != nil {
		return nil, false, err
	}
	if res.Status == ReservationCancelled {
		return res, false, nil
	}
	if res.Status != ReservationActive {
		return nil, false, fmt.Errorf("reservation %s is %s: %w", token, res.Status, ErrReservationAlreadyResolved)
	}

	now := m.clock.Now()
	ok, err := tx.TransitionReservation(ctx, ReservationTransition{
		Token: token,
		From:  ReservationActive,
		To:    ReservationCancelled,
		At:    now,
	})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("release reservation %s: %w", token, ErrConcurrentModification)
	}
	if err := m.capacity.Release(ctx, tx, res.Grant()); err != nil {
		return nil, false, err
	}

	res.Status = ReservationCancelled
	res.ResolvedAt = timePtr(now)
	return res, true, nil
}

func (m *ReservationManager) Get(ctx context.Context, token string) (*Reservation, error) {
	var res *Reservation
	err := m.store.WithTx(ctx, func(tx Tx) error {
		var err error
		res, err = tx.GetReservation(ctx, token)
		return err
	})
	return res, err
}

// SweepExpired expires up to limit overdue holds, one transaction each.
func (m *ReservationManager) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := m.clock.Now()

	var overdue []Reservation
	err := m.store.WithTx(ctx, func(tx Tx) error {
		var err error
		overdue, err = tx.ListExpiredReservations(ctx, ExpiredFilter{Before: now, Limit: limit})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	var expired []Reservation
	for _, r := range overdue {
		if ctx.Err() != nil {
			break
		}
		var ok bool
		err := m.store.WithTx(ctx, func(tx Tx) error {
			var err error
			ok, err = m.expireInTx(ctx, tx, r, now)
			return err
		})
		if err != nil {
			zap.L().Error("Failed to expire reservation",
				zap.String("reservation_token", r.Token), zap.Error(err))
			continue
		}
		if ok {
			expired = append(expired, r)
		}
	}

	m.afterExpiry(ctx, expired, now)
	return len(expired), nil
}

// reclaim expires the stale holds matching f within tx.
func (m *ReservationManager) reclaim(ctx context.Context, tx Tx, f ExpiredFilter) ([]Reservation, error) {
	stale, err := tx.ListExpiredReservations(ctx, f)
	if err != nil {
		return nil, err
	}
	var freed []Reservation
	for _, r := range stale {
		ok, err := m.expireInTx(ctx, tx, r, f.Before)
		if err != nil {
			return nil, err
		}
		if ok {
			freed = append(freed, r)
		}
	}
	return freed, nil
}

// expireInTx moves r to expired if it is still active and overdue at now.
func (m *ReservationManager) expireInTx(ctx context.Context, tx Tx, r Reservation, now time.Time) (bool, error) {
	ok, err := tx.TransitionReservation(ctx, ReservationTransition{
		Token:         r.Token,
		From:          ReservationActive,
		To:            ReservationExpired,
		At:            now,
		ExpiredBefore: &now,
	})
	if err != nil || !ok {
		return false, err
	}
	if err := m.capacity.Release(ctx, tx, r.Grant()); err != nil {
		return false, err
	}
	return true, nil
}

func (m *ReservationManager) afterRelease(r Reservation) {
	monitoring.RecordReservationResolved(string(ReservationCancelled), r.ResolvedAt.Sub(r.ReservedAt))
	zap.L().Info("Hold released", zap.String("reservation_token", r.Token))
}

func (m *ReservationManager) afterConfirm(r Reservation) {
	monitoring.RecordReservationResolved(string(ReservationConfirmed), r.ResolvedAt.Sub(r.ReservedAt))
	zap.L().Info("Hold confirmed",
		zap.String("reservation_token", r.Token),
		zap.String("payment_id", r.PaymentID))
}

func (m *ReservationManager) afterExpiry(ctx context.Context, expired []Reservation, at time.Time) {
	for _, r := range expired {
		monitoring.RecordReservationResolved(string(ReservationExpired), at.Sub(r.ReservedAt))
		zap.L().Info("Hold expired",
			zap.String("reservation_token", r.Token),
			zap.String("event_id", r.EventID),
			zap.String("seat_class", r.SeatClass))
		dispatch(ctx, m.notifier, Notification{
			Kind:    NotifyReservationExpired,
			Subject: r.Token,
			UserID:  r.HolderID,
			EventID: r.EventID,
			Data: map[string]string{
				"seat_class": r.SeatClass,
				"seat":       r.Seat.String(),
			},
			OccurredAt: at,
		})
	}
}
