/*
reconcile.go - Reconciliation: compare, flag, never mutate

PURPOSE:
  Compares the provider's records with internal payments and replays every
  wallet ledger. Disagreements become ReconciliationFlag rows for a human
  to resolve. The reconciler does not change payments or ledgers.

CHECKS:
  status_mismatch      provider and payment disagree on the outcome
  amount_mismatch      provider settled a different amount
  missing_internal     provider knows a key we never recorded
  missing_at_provider  an external payment succeeded here, unknown there
  wallet_drift         a wallet's snapshots or projection disagree with replay

  Flags are deduplicated on (kind, subject) while open.
*/
package boxoffice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/box-office/monitoring"
)

// raiseFlag records a mismatch unless an open flag already covers it.
func raiseFlag(ctx context.Context, tx Tx, clock Clock, kind FlagKind, subject, detail, internal, external string) (bool, error) {
	open, err := tx.HasOpenFlag(ctx, kind, subject)
	if err != nil || open {
		return false, err
	}
	flag := ReconciliationFlag{
		ID:            uuid.NewString(),
		Kind:          kind,
		Subject:       subject,
		Detail:        detail,
		InternalValue: internal,
		ExternalValue: external,
		CreatedAt:     clock.Now(),
	}
	if err := tx.InsertFlag(ctx, flag); err != nil {
		return false, err
	}
	monitoring.RecordFlag(string(kind))
	zap.L().Warn("Reconciliation flag raised",
		zap.String("kind", string(kind)),
		zap.String("subject", subject),
		zap.String("detail", detail),
		zap.String("internal", internal),
		zap.String("external", external))
	return true, nil
}

type Reconciler struct {
	store    Store
	provider ProviderRecords
	wallets  *WalletLedger
	clock    Clock
}

func NewReconciler(store Store, provider ProviderRecords, wallets *WalletLedger, clock Clock) *Reconciler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Reconciler{store: store, provider: provider, wallets: wallets, clock: clock}
}

type ReconciliationReport struct {
	ProviderRecords int
	Payments        int
	Wallets         int
	Flagged         int
}

// Run checks records updated since the given time and every wallet.
func (r *Reconciler) Run(ctx context.Context, since time.Time) (*ReconciliationReport, error) {
	report := &ReconciliationReport{}

	if r.provider != nil {
		records, err := r.provider.Records(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("load provider records: %w", err)
		}
		report.ProviderRecords = len(records)

		err = r.store.WithTx(ctx, func(tx Tx) error {
			n, payments, err := r.comparePayments(ctx, tx, records, since)
			report.Flagged += n
			report.Payments = payments
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if r.wallets != nil {
		err := r.store.WithTx(ctx, func(tx Tx) error {
			wallets, err := tx.ListWallets(ctx)
			if err != nil {
				return err
			}
			report.Wallets = len(wallets)
			for _, w := range wallets {
				ledger, err := r.wallets.replayInTx(ctx, tx, w.ID)
				if err != nil {
					return err
				}
				if ledger.Consistent {
					continue
				}
				ok, err := raiseFlag(ctx, tx, r.clock, FlagWalletDrift, w.ID,
					strings.Join(ledger.Problems, "; "), ledger.Computed.String(), ledger.Projection.String())
				if err != nil {
					return err
				}
				if ok {
					report.Flagged++
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	zap.L().Info("Reconciliation completed",
		zap.Int("provider_records", report.ProviderRecords),
		zap.Int("payments", report.Payments),
		zap.Int("wallets", report.Wallets),
		zap.Int("flagged", report.Flagged))
	return report, nil
}

func (r *Reconciler) comparePayments(ctx context.Context, tx Tx, records []ProviderRecord, since time.Time) (int, int, error) {
	flagged := 0
	flag := func(kind FlagKind, subject, detail, internal, external string) error {
		ok, err := raiseFlag(ctx, tx, r.clock, kind, subject, detail, internal, external)
		if ok {
			flagged++
		}
		return err
	}

	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.IdempotencyKey] = true
		p, err := tx.GetPayment(ctx, rec.IdempotencyKey)
		if IsNotFound(err) {
			if err := flag(FlagMissingInternal, rec.IdempotencyKey, "provider record without payment", "", string(rec.Status)); err != nil {
				return flagged, 0, err
			}
			continue
		}
		if err != nil {
			return flagged, 0, err
		}
		if contradicts(p.Status, rec.Status) {
			if err := flag(FlagStatusMismatch, p.IdempotencyKey, "provider outcome differs", string(p.Status), string(rec.Status)); err != nil {
				return flagged, 0, err
			}
		}
		if !rec.Amount.Equal(p.Amount) {
			if err := flag(FlagAmountMismatch, p.IdempotencyKey, "provider amount differs", p.Amount.String(), rec.Amount.String()); err != nil {
				return flagged, 0, err
			}
		}
	}

	payments, err := tx.ListPayments(ctx, PaymentFilter{
		Statuses:     []PaymentStatus{PaymentSucceeded, PaymentReversed},
		CreatedAfter: &since,
	})
	if err != nil {
		return flagged, 0, err
	}
	for _, p := range payments {
		if p.Method == MethodWallet || seen[p.IdempotencyKey] {
			continue
		}
		if err := flag(FlagMissingAtProvider, p.IdempotencyKey, "settled payment unknown to provider", string(p.Status), ""); err != nil {
			return flagged, len(payments), err
		}
	}
	return flagged, len(payments), nil
}

func (r *Reconciler) Flags(ctx context.Context, includeResolved bool) ([]ReconciliationFlag, error) {
	var out []ReconciliationFlag
	err := r.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = tx.ListFlags(ctx, includeResolved)
		return err
	})
	return out, err
}
