package boxoffice

import (
	"context"
	"errors"
)

const DefaultSweepBatch = 200

// Sweeper expires overdue holds and tickets.
type Sweeper struct {
	reservations *ReservationManager
	tickets      *TicketIssuer
	batch        int
}

func NewSweeper(reservations *ReservationManager, tickets *TicketIssuer, batch int) *Sweeper {
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &Sweeper{reservations: reservations, tickets: tickets, batch: batch}
}

type SweepResult struct {
	Reservations int
	Tickets      int
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var errs []error

	n, err := s.reservations.SweepExpired(ctx, s.batch)
	result.Reservations = n
	if err != nil {
		errs = append(errs, err)
	}

	if s.tickets != nil {
		n, err = s.tickets.SweepExpired(ctx, s.batch)
		result.Tickets = n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}
