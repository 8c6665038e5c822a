package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/box-office/boxoffice"
)

func (t *txStore) InsertPayment(ctx context.Context, p boxoffice.Payment) (bool, error) {
	payload, err := encodePayload(p.Payload)
	if err != nil {
		return false, err
	}
	n, err := t.exec(ctx, "insert payment", insertPaymentSQL,
		p.ID, p.IdempotencyKey, p.Fingerprint,
		p.Amount.Value.String(), string(p.Amount.Currency), string(p.Method), string(p.Status),
		p.UserID, nullString(p.WalletID), nullString(p.ReservationToken),
		nullString(p.ExternalReference), nullString(p.FailureReason), payload,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), nullTime(p.SettledAt),
	)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *txStore) GetPayment(ctx context.Context, key string) (*boxoffice.Payment, error) {
	p, err := scanPayment(t.tx.QueryRowContext(ctx, selectPaymentSQL, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", key, boxoffice.ErrPaymentNotFound)
	}
	if err != nil {
		return nil, storeError("get payment", err)
	}
	return p, nil
}

func (t *txStore) GetPaymentByID(ctx context.Context, id string) (*boxoffice.Payment, error) {
	p, err := scanPayment(t.tx.QueryRowContext(ctx, selectPaymentByIDSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment id %s: %w", id, boxoffice.ErrPaymentNotFound)
	}
	if err != nil {
		return nil, storeError("get payment", err)
	}
	return p, nil
}

func (t *txStore) FindPaymentByExternalReference(ctx context.Context, ref string) (*boxoffice.Payment, error) {
	p, err := scanPayment(t.tx.QueryRowContext(ctx, selectPaymentByExternalReferenceSQL, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("find payment", err)
	}
	return p, nil
}

// TransitionPayment applies the move only while the row is in one of
// tr.From. settled_at is stamped when the target status is terminal.
func (t *txStore) TransitionPayment(ctx context.Context, tr boxoffice.PaymentTransition) (bool, error) {
	if len(tr.From) == 0 {
		return false, fmt.Errorf("transition payment %s: no source status", tr.Key)
	}
	at := formatTime(tr.At)
	query := `UPDATE payments SET status = ?, updated_at = ?`
	args := []any{string(tr.To), at}
	if tr.ExternalReference != "" {
		query += `, external_reference = ?`
		args = append(args, tr.ExternalReference)
	}
	if tr.FailureReason != "" {
		query += `, failure_reason = ?`
		args = append(args, tr.FailureReason)
	}
	if tr.To.IsTerminal() {
		query += `, settled_at = ?`
		args = append(args, at)
	}
	query += ` WHERE idempotency_key = ? AND status IN (` + placeholders(len(tr.From)) + `)`
	args = append(args, tr.Key)
	for _, s := range tr.From {
		args = append(args, string(s))
	}

	n, err := t.exec(ctx, "transition payment", query, args...)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *txStore) ListPayments(ctx context.Context, f boxoffice.PaymentFilter) ([]boxoffice.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1 = 1`
	var args []any
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.ReservationToken != "" {
		query += ` AND reservation_token = ?`
		args = append(args, f.ReservationToken)
	}
	if f.UpdatedBefore != nil {
		query += ` AND updated_at < ?`
		args = append(args, formatTime(*f.UpdatedBefore))
	}
	if f.CreatedAfter != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*f.CreatedAfter))
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list payments", err)
	}
	defer rows.Close()

	var out []boxoffice.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, storeError("scan payment", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPayment(row scanner) (*boxoffice.Payment, error) {
	var (
		p                          boxoffice.Payment
		amount, currency           string
		method, status             string
		walletID, reservationToken sql.NullString
		externalRef, failureReason sql.NullString
		payload                    sql.NullString
		createdAt, updatedAt       string
		settledAt                  sql.NullString
	)
	err := row.Scan(&p.ID, &p.IdempotencyKey, &p.Fingerprint, &amount, &currency, &method, &status,
		&p.UserID, &walletID, &reservationToken, &externalRef, &failureReason, &payload,
		&createdAt, &updatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	p.Amount = parseMoney(amount, currency)
	p.Method = boxoffice.PaymentMethod(method)
	p.Status = boxoffice.PaymentStatus(status)
	p.WalletID = walletID.String
	p.ReservationToken = reservationToken.String
	p.ExternalReference = externalRef.String
	p.FailureReason = failureReason.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &p.Payload); err != nil {
			return nil, fmt.Errorf("decode payment payload: %w", err)
		}
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.SettledAt = parseNullTime(settledAt)
	return &p, nil
}

func encodePayload(payload map[string]string) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode payment payload: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
