package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/box-office/boxoffice"
)

func (t *txStore) UpsertTier(ctx context.Context, tier boxoffice.CapacityTier) error {
	n, err := t.exec(ctx, "upsert tier", insertTierSQL,
		tier.EventID, tier.SeatClass, tier.Total,
		tier.Price.Value.String(), string(tier.Price.Currency),
		nullTime(tier.ValidUntil), formatTime(tier.CreatedAt), formatTime(tier.UpdatedAt),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("tier %s/%s: total %d below sold and reserved: %w",
			tier.EventID, tier.SeatClass, tier.Total, boxoffice.ErrInvalidTier)
	}
	return nil
}

func (t *txStore) GetTier(ctx context.Context, eventID, seatClass string) (*boxoffice.CapacityTier, error) {
	tier, err := scanTier(t.tx.QueryRowContext(ctx, selectTierSQL, eventID, seatClass))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tier %s/%s: %w", eventID, seatClass, boxoffice.ErrTierNotFound)
	}
	if err != nil {
		return nil, storeError("get tier", err)
	}
	return tier, nil
}

func (t *txStore) ListTiers(ctx context.Context, eventID string) ([]boxoffice.CapacityTier, error) {
	rows, err := t.tx.QueryContext(ctx, listTiersSQL, eventID)
	if err != nil {
		return nil, storeError("list tiers", err)
	}
	defer rows.Close()

	var tiers []boxoffice.CapacityTier
	for rows.Next() {
		tier, err := scanTier(rows)
		if err != nil {
			return nil, storeError("scan tier", err)
		}
		tiers = append(tiers, *tier)
	}
	return tiers, rows.Err()
}

func (t *txStore) AdjustTier(ctx context.Context, eventID, seatClass string, reservedDelta, soldDelta int, at time.Time) (bool, error) {
	n, err := t.exec(ctx, "adjust tier", adjustTierSQL,
		reservedDelta, soldDelta, formatTime(at), eventID, seatClass)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func scanTier(row scanner) (*boxoffice.CapacityTier, error) {
	var (
		tier                 boxoffice.CapacityTier
		price, currency      string
		validUntil           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&tier.EventID, &tier.SeatClass, &tier.Total, &tier.Reserved, &tier.Sold,
		&price, &currency, &validUntil, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	tier.Price = parseMoney(price, currency)
	tier.ValidUntil = parseNullTime(validUntil)
	tier.CreatedAt = parseTime(createdAt)
	tier.UpdatedAt = parseTime(updatedAt)
	return &tier, nil
}
