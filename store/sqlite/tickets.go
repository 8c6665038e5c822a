package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/box-office/boxoffice"
)

func (t *txStore) InsertTicket(ctx context.Context, tk boxoffice.Ticket) error {
	_, err := t.tx.ExecContext(ctx, insertTicketSQL,
		tk.ID, tk.Code, tk.ReservationToken, tk.PaymentID, tk.UserID, tk.EventID, tk.SeatClass,
		tk.Seat.Section, tk.Seat.Row, tk.Seat.Number, tk.Quantity,
		tk.Price.Value.String(), string(tk.Price.Currency), string(tk.Status), tk.Payload,
		formatTime(tk.IssuedAt), nullTime(tk.ValidUntil), nullTime(tk.UsedAt), nullTime(tk.CancelledAt),
	)
	switch {
	case err == nil:
		return nil
	case violates(err, "tickets.reservation_token"):
		return fmt.Errorf("reservation %s: %w", tk.ReservationToken, boxoffice.ErrTicketExists)
	case violates(err, "tickets.ticket_code"):
		return fmt.Errorf("code %s: %w", tk.Code, boxoffice.ErrDuplicateTicketCode)
	}
	return storeError("insert ticket", err)
}

func (t *txStore) GetTicket(ctx context.Context, code string) (*boxoffice.Ticket, error) {
	tk, err := scanTicket(t.tx.QueryRowContext(ctx, selectTicketSQL, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", code, boxoffice.ErrTicketNotFound)
	}
	if err != nil {
		return nil, storeError("get ticket", err)
	}
	return tk, nil
}

func (t *txStore) GetTicketByReservation(ctx context.Context, token string) (*boxoffice.Ticket, error) {
	tk, err := scanTicket(t.tx.QueryRowContext(ctx, selectTicketByReservationSQL, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket for reservation %s: %w", token, boxoffice.ErrTicketNotFound)
	}
	if err != nil {
		return nil, storeError("get ticket", err)
	}
	return tk, nil
}

func (t *txStore) TransitionTicket(ctx context.Context, tr boxoffice.TicketTransition) (bool, error) {
	at := formatTime(tr.At)
	query := `UPDATE tickets SET status = ?`
	args := []any{string(tr.To)}
	switch tr.To {
	case boxoffice.TicketUsed:
		query += `, used_at = ?`
		args = append(args, at)
	case boxoffice.TicketCancelled:
		query += `, cancelled_at = ?`
		args = append(args, at)
	}
	query += ` WHERE ticket_code = ? AND status = ?`
	args = append(args, tr.Code, string(tr.From))
	if tr.ValidAt != nil {
		query += ` AND (valid_until IS NULL OR valid_until >= ?)`
		args = append(args, formatTime(*tr.ValidAt))
	}

	n, err := t.exec(ctx, "transition ticket", query, args...)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *txStore) ListExpiredTickets(ctx context.Context, before time.Time, limit int) ([]boxoffice.Ticket, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.tx.QueryContext(ctx, listExpiredTicketsSQL, formatTime(before), limit)
	if err != nil {
		return nil, storeError("list expired tickets", err)
	}
	defer rows.Close()

	var out []boxoffice.Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, storeError("scan ticket", err)
		}
		out = append(out, *tk)
	}
	return out, rows.Err()
}

func scanTicket(row scanner) (*boxoffice.Ticket, error) {
	var (
		tk                              boxoffice.Ticket
		price, currency, status         string
		issuedAt                        string
		validUntil, usedAt, cancelledAt sql.NullString
	)
	err := row.Scan(&tk.ID, &tk.Code, &tk.ReservationToken, &tk.PaymentID, &tk.UserID, &tk.EventID, &tk.SeatClass,
		&tk.Seat.Section, &tk.Seat.Row, &tk.Seat.Number, &tk.Quantity,
		&price, &currency, &status, &tk.Payload,
		&issuedAt, &validUntil, &usedAt, &cancelledAt)
	if err != nil {
		return nil, err
	}
	tk.Price = parseMoney(price, currency)
	tk.Status = boxoffice.TicketStatus(status)
	tk.IssuedAt = parseTime(issuedAt)
	tk.ValidUntil = parseNullTime(validUntil)
	tk.UsedAt = parseNullTime(usedAt)
	tk.CancelledAt = parseNullTime(cancelledAt)
	return &tk, nil
}
