package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/box-office/boxoffice"
)

func (t *txStore) InsertReservation(ctx context.Context, r boxoffice.Reservation) error {
	_, err := t.tx.ExecContext(ctx, insertReservationSQL,
		r.ID, r.Token, nullString(r.HoldKey), r.EventID, r.SeatClass,
		r.Seat.Section, r.Seat.Row, r.Seat.Number,
		r.Quantity, r.HolderID, string(r.HolderType), string(r.Status),
		formatTime(r.ReservedAt), formatTime(r.ExpiresAt), nullTime(r.ResolvedAt), nullString(r.PaymentID),
	)
	switch {
	case err == nil:
		return nil
	case violates(err, "seat_reservations.seat_number"), violates(err, "idx_active_seat"):
		return fmt.Errorf("seat %s of %s/%s: %w", r.Seat, r.EventID, r.SeatClass, boxoffice.ErrSeatUnavailable)
	case violates(err, "seat_reservations.hold_key"):
		return fmt.Errorf("hold key %s: %w", r.HoldKey, boxoffice.ErrIdempotencyKeyReuse)
	case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return fmt.Errorf("tier %s/%s: %w", r.EventID, r.SeatClass, boxoffice.ErrTierNotFound)
	}
	return storeError("insert reservation", err)
}

func (t *txStore) GetReservation(ctx context.Context, token string) (*boxoffice.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx, selectReservationSQL, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", token, boxoffice.ErrReservationNotFound)
	}
	if err != nil {
		return nil, storeError("get reservation", err)
	}
	return r, nil
}

func (t *txStore) FindReservationByHoldKey(ctx context.Context, holdKey string) (*boxoffice.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx, selectReservationByHoldKeySQL, holdKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("find reservation", err)
	}
	return r, nil
}

func (t *txStore) TransitionReservation(ctx context.Context, tr boxoffice.ReservationTransition) (bool, error) {
	query := `UPDATE seat_reservations SET status = ?, resolved_at = ?`
	args := []any{string(tr.To), formatTime(tr.At)}
	if tr.PaymentID != "" {
		query += `, payment_id = ?`
		args = append(args, tr.PaymentID)
	}
	query += ` WHERE token = ? AND status = ?`
	args = append(args, tr.Token, string(tr.From))
	if tr.NotExpiredAt != nil {
		query += ` AND expires_at >= ?`
		args = append(args, formatTime(*tr.NotExpiredAt))
	}
	if tr.ExpiredBefore != nil {
		query += ` AND expires_at < ?`
		args = append(args, formatTime(*tr.ExpiredBefore))
	}

	n, err := t.exec(ctx, "transition reservation", query, args...)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *txStore) ListExpiredReservations(ctx context.Context, f boxoffice.ExpiredFilter) ([]boxoffice.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM seat_reservations
		WHERE status = 'active' AND expires_at < ?`
	args := []any{formatTime(f.Before)}
	if f.EventID != "" {
		query += ` AND event_id = ?`
		args = append(args, f.EventID)
	}
	if f.SeatClass != "" {
		query += ` AND seat_class = ?`
		args = append(args, f.SeatClass)
	}
	if f.Seat != nil {
		query += ` AND section = ? AND seat_row = ? AND seat_number = ?`
		args = append(args, f.Seat.Section, f.Seat.Row, f.Seat.Number)
	}
	query += ` ORDER BY expires_at`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list expired reservations", err)
	}
	defer rows.Close()

	var out []boxoffice.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, storeError("scan reservation", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanReservation(row scanner) (*boxoffice.Reservation, error) {
	var (
		r                     boxoffice.Reservation
		holdKey, paymentID    sql.NullString
		holderType, status    string
		reservedAt, expiresAt string
		resolvedAt            sql.NullString
	)
	err := row.Scan(&r.ID, &r.Token, &holdKey, &r.EventID, &r.SeatClass,
		&r.Seat.Section, &r.Seat.Row, &r.Seat.Number,
		&r.Quantity, &r.HolderID, &holderType, &status,
		&reservedAt, &expiresAt, &resolvedAt, &paymentID)
	if err != nil {
		return nil, err
	}
	r.HoldKey = holdKey.String
	r.PaymentID = paymentID.String
	r.HolderType = boxoffice.HolderType(holderType)
	r.Status = boxoffice.ReservationStatus(status)
	r.ReservedAt = parseTime(reservedAt)
	r.ExpiresAt = parseTime(expiresAt)
	r.ResolvedAt = parseNullTime(resolvedAt)
	return &r, nil
}
