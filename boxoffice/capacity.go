/*
capacity.go - CapacityLedger: per-tier counters of total, reserved and sold

PURPOSE:
  Guarantees sold + reserved <= total for every (event, seat class) under
  any concurrency. Each check-and-increment is a single conditional write
  in the store, so there is no window between reading availability and
  claiming it.

OPERATIONS:
  TryHold:  reserved += qty   if sold + reserved + qty <= total
  Confirm:  reserved -= qty, sold += qty
  Release:  reserved -= qty

  TryHold, Confirm and Release take the caller's Tx so they commit together
  with the reservation row that motivated them.

SEE ALSO:
  - reservation.go: Calls TryHold, Confirm and Release
  - checkout.go: Calls Unsell when a sold ticket is refunded
*/
package boxoffice

import (
	"context"
	"fmt"
	"strings"
)

type CapacityLedger struct {
	store Store
	clock Clock
}

func NewCapacityLedger(store Store, clock Clock) *CapacityLedger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &CapacityLedger{store: store, clock: clock}
}

// UpsertTier creates or resizes a tier.
func (c *CapacityLedger) UpsertTier(ctx context.Context, tier CapacityTier) (*CapacityTier, error) {
	tier.EventID = strings.TrimSpace(tier.EventID)
	tier.SeatClass = strings.TrimSpace(tier.SeatClass)
	switch {
	case tier.EventID == "":
		return nil, invalid("event_id", "required")
	case tier.SeatClass == "":
		return nil, invalid("seat_class", "required")
	case tier.Total < 0:
		return nil, invalid("total", "must not be negative")
	case tier.Price.IsNegative():
		return nil, invalid("price", "must not be negative")
	case tier.Price.Currency == "":
		return nil, invalid("currency", "required")
	}

	now := c.clock.Now()
	tier.CreatedAt = now
	tier.UpdatedAt = now

	var out *CapacityTier
	err := c.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.UpsertTier(ctx, tier); err != nil {
			return err
		}
		var err error
		out, err = tx.GetTier(ctx, tier.EventID, tier.SeatClass)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CapacityLedger) Tier(ctx context.Context, eventID, seatClass string) (*CapacityTier, error) {
	var out *CapacityTier
	err := c.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.GetTier(ctx, eventID, seatClass)
		return err
	})
	return out, err
}

func (c *CapacityLedger) Tiers(ctx context.Context, eventID string) ([]CapacityTier, error) {
	var out []CapacityTier
	err := c.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListTiers(ctx, eventID)
		return err
	})
	return out, err
}

// TryHold claims qty units. A false guard is reported as a
// CapacityExceededError carrying what was available at the time.
func (c *CapacityLedger) TryHold(ctx context.Context, tx Tx, eventID, seatClass string, qty int) (HoldGrant, error) {
	if qty <= 0 {
		return HoldGrant{}, invalid("quantity", "must be positive")
	}
	ok, err := tx.AdjustTier(ctx, eventID, seatClass, qty, 0, c.clock.Now())
	if err != nil {
		return HoldGrant{}, fmt.Errorf("hold capacity: %w", err)
	}
	if !ok {
		tier, err := tx.GetTier(ctx, eventID, seatClass)
		if err != nil {
			return HoldGrant{}, err
		}
		return HoldGrant{}, &CapacityExceededError{
			EventID:   eventID,
			SeatClass: seatClass,
			Requested: qty,
			Available: tier.Available(),
		}
	}
	return HoldGrant{EventID: eventID, SeatClass: seatClass, Quantity: qty}, nil
}

// Confirm converts held units into sold units.
func (c *CapacityLedger) Confirm(ctx context.Context, tx Tx, g HoldGrant) error {
	ok, err := tx.AdjustTier(ctx, g.EventID, g.SeatClass, -g.Quantity, g.Quantity, c.clock.Now())
	if err != nil {
		return fmt.Errorf("confirm capacity: %w", err)
	}
	if !ok {
		return fmt.Errorf("confirm %d units of %s/%s: %w", g.Quantity, g.EventID, g.SeatClass, ErrConcurrentModification)
	}
	return nil
}

// Release returns held units to the pool.
func (c *CapacityLedger) Release(ctx context.Context, tx Tx, g HoldGrant) error {
	ok, err := tx.AdjustTier(ctx, g.EventID, g.SeatClass, -g.Quantity, 0, c.clock.Now())
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	if !ok {
		return fmt.Errorf("release %d units of %s/%s: %w", g.Quantity, g.EventID, g.SeatClass, ErrConcurrentModification)
	}
	return nil
}

// Unsell returns sold units to the pool after a refund.
func (c *CapacityLedger) Unsell(ctx context.Context, tx Tx, g HoldGrant) error {
	ok, err := tx.AdjustTier(ctx, g.EventID, g.SeatClass, 0, -g.Quantity, c.clock.Now())
	if err != nil {
		return fmt.Errorf("unsell capacity: %w", err)
	}
	if !ok {
		return fmt.Errorf("unsell %d units of %s/%s: %w", g.Quantity, g.EventID, g.SeatClass, ErrConcurrentModification)
	}
	return nil
}
