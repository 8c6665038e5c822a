/*
wallet.go - WalletLedger: append-only wallet postings with balance snapshots

PURPOSE:
  Moves money in and out of wallets. Every posting is one immutable row in
  wallet_transactions carrying balance_before, balance_after, fee and
  net_amount. The balance of a wallet IS balance_after of its latest
  completed row; wallets.balance is a projection written in the same
  transaction and can always be rebuilt from the ledger.

INVARIANTS:
  - balance_after = balance_before + signed(net_amount) for completed rows
  - a balance is never negative
  - a reference is applied at most once; an exact replay returns the row
  - rows are totally ordered per wallet by seq, UNIQUE(wallet_id, seq)
    rejects a concurrent writer that read the same tip

NET AMOUNTS:
  credit: net = amount - fee    (the fee is kept from what is credited)
  debit:  net = amount + fee    (the fee is charged on top)

FAILED POSTINGS:
  A debit that would go negative is recorded as a failed row with
  balance_after = balance_before, so a retry of the same reference observes
  the same outcome.

SEE ALSO:
  - payment.go: Wallet payments post here inside the payment transaction
  - reconcile.go: Replays every wallet and flags drift
*/
package boxoffice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/box-office/monitoring"
)

type WalletLedger struct {
	store Store
	clock Clock
}

func NewWalletLedger(store Store, clock Clock) *WalletLedger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &WalletLedger{store: store, clock: clock}
}

type WalletRequest struct {
	ID       string
	UserID   string
	Currency Currency
}

func (l *WalletLedger) CreateWallet(ctx context.Context, req WalletRequest) (*Wallet, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("user_id", "required")
	}
	if req.Currency == "" {
		return nil, invalid("currency", "required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := l.clock.Now()
	w := Wallet{
		ID:        req.ID,
		UserID:    req.UserID,
		Currency:  req.Currency,
		Balance:   ZeroMoney(req.Currency),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := l.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertWallet(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (l *WalletLedger) Wallet(ctx context.Context, id string) (*Wallet, error) {
	var w *Wallet
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		w, err = tx.GetWallet(ctx, id)
		return err
	})
	return w, err
}

// Balance reads the ledger tip, not the projection.
func (l *WalletLedger) Balance(ctx context.Context, walletID string) (Money, error) {
	var bal Money
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		bal, err = l.balanceInTx(ctx, tx, walletID)
		return err
	})
	return bal, err
}

func (l *WalletLedger) balanceInTx(ctx context.Context, tx Tx, walletID string) (Money, error) {
	w, err := tx.GetWallet(ctx, walletID)
	if err != nil {
		return Money{}, err
	}
	tip, err := tx.LatestWalletTransaction(ctx, walletID, true)
	if err != nil {
		return Money{}, err
	}
	if tip == nil {
		return ZeroMoney(w.Currency), nil
	}
	return tip.BalanceAfter, nil
}

func (l *WalletLedger) Transactions(ctx context.Context, walletID string, limit, offset int) ([]WalletTransaction, error) {
	var out []WalletTransaction
	err := l.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetWallet(ctx, walletID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListWalletTransactions(ctx, walletID, limit, offset)
		return err
	})
	return out, err
}

// =============================================================================
// POSTINGS
// =============================================================================

type TransactionRequest struct {
	WalletID    string
	Type        WalletTxType
	Direction   Direction // required for adjustments only
	Amount      Money
	Fee         Money
	Reference   string
	Description string
}

type PostingResult struct {
	Transaction WalletTransaction
	Replayed    bool
}

// Apply posts one transaction. On insufficient funds the failed row is
// committed and an InsufficientFundsError is returned with it.
func (l *WalletLedger) Apply(ctx context.Context, req TransactionRequest) (*PostingResult, error) {
	var (
		result  *PostingResult
		outcome error
	)
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		result, err = l.postInTx(ctx, tx, req)
		if errors.Is(err, ErrInsufficientFunds) {
			outcome = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	l.afterPost(result)
	return result, outcome
}

func (l *WalletLedger) normalize(req *TransactionRequest) error {
	req.Reference = strings.TrimSpace(req.Reference)
	if req.WalletID == "" {
		return invalid("wallet_id", "required")
	}
	if !req.Type.Valid() {
		return invalid("type", "unknown transaction type %q", req.Type)
	}
	if dir, ok := req.Type.DefaultDirection(); ok {
		if req.Direction != "" && req.Direction != dir {
			return invalid("direction", "%s is always a %s", req.Type, dir)
		}
		req.Direction = dir
	} else if req.Direction != Credit && req.Direction != Debit {
		return invalid("direction", "adjustments must name credit or debit")
	}
	if !req.Amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if req.Fee.Currency == "" {
		req.Fee.Currency = req.Amount.Currency
	}
	if req.Fee.IsNegative() {
		return invalid("fee", "must not be negative")
	}
	if !req.Fee.SameCurrency(req.Amount) {
		return fmt.Errorf("fee in %s, amount in %s: %w", req.Fee.Currency, req.Amount.Currency, ErrCurrencyMismatch)
	}
	if req.Direction == Credit && req.Fee.GreaterThan(req.Amount) {
		return invalid("fee", "exceeds the credited amount")
	}
	if req.Reference == "" {
		return invalid("reference", "required")
	}
	return nil
}

// postInTx appends the posting inside tx. For a debit that would go
// negative it inserts a failed row and returns it with the error, leaving
// the commit to the caller.
func (l *WalletLedger) postInTx(ctx context.Context, tx Tx, req TransactionRequest) (*PostingResult, error) {
	if err := l.normalize(&req); err != nil {
		return nil, err
	}

	existing, err := tx.FindWalletTransactionByReference(ctx, req.Reference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return l.replay(*existing, req)
	}

	wallet, err := tx.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	if req.Amount.Currency != wallet.Currency {
		return nil, fmt.Errorf("wallet %s holds %s, posting in %s: %w",
			wallet.ID, wallet.Currency, req.Amount.Currency, ErrCurrencyMismatch)
	}

	before := ZeroMoney(wallet.Currency)
	tip, err := tx.LatestWalletTransaction(ctx, wallet.ID, true)
	if err != nil {
		return nil, err
	}
	if tip != nil {
		before = tip.BalanceAfter
	}
	seq := int64(1)
	last, err := tx.LatestWalletTransaction(ctx, wallet.ID, false)
	if err != nil {
		return nil, err
	}
	if last != nil {
		seq = last.Seq + 1
	}

	txn := WalletTransaction{
		ID:            uuid.NewString(),
		WalletID:      wallet.ID,
		Seq:           seq,
		Type:          req.Type,
		Direction:     req.Direction,
		Amount:        req.Amount,
		Fee:           req.Fee,
		BalanceBefore: before,
		Reference:     req.Reference,
		Status:        WalletTxCompleted,
		Description:   req.Description,
		CreatedAt:     l.clock.Now(),
	}
	if req.Direction == Credit {
		txn.NetAmount = req.Amount.Sub(req.Fee)
	} else {
		txn.NetAmount = req.Amount.Add(req.Fee)
	}
	txn.BalanceAfter = before.Add(txn.Signed())

	if txn.BalanceAfter.IsNegative() {
		txn.Status = WalletTxFailed
		txn.BalanceAfter = before
		if err := tx.InsertWalletTransaction(ctx, txn); err != nil {
			return nil, err
		}
		return &PostingResult{Transaction: txn}, &InsufficientFundsError{
			WalletID:  wallet.ID,
			Balance:   before,
			Requested: txn.NetAmount,
		}
	}

	if err := tx.InsertWalletTransaction(ctx, txn); err != nil {
		return nil, err
	}
	ok, err := tx.UpdateWalletProjection(ctx, wallet.ID, txn.BalanceAfter, txn.ID, wallet.Version, txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("wallet %s projection: %w", wallet.ID, ErrConcurrentModification)
	}
	return &PostingResult{Transaction: txn}, nil
}

// replay returns the stored outcome for a repeated reference.
func (l *WalletLedger) replay(existing WalletTransaction, req TransactionRequest) (*PostingResult, error) {
	if existing.WalletID != req.WalletID ||
		existing.Type != req.Type ||
		!existing.Amount.Equal(req.Amount) ||
		!existing.Fee.Equal(req.Fee) {
		return nil, fmt.Errorf("reference %q: %w", req.Reference, ErrDuplicateReference)
	}
	result := &PostingResult{Transaction: existing, Replayed: true}
	if existing.Status == WalletTxFailed {
		return result, &InsufficientFundsError{
			WalletID:  existing.WalletID,
			Balance:   existing.BalanceBefore,
			Requested: existing.NetAmount,
		}
	}
	return result, nil
}

func (l *WalletLedger) afterPost(r *PostingResult) {
	if r == nil || r.Replayed {
		return
	}
	t := r.Transaction
	monitoring.RecordWalletTransaction(string(t.Type), string(t.Status))
	zap.L().Info("Wallet transaction posted",
		zap.String("wallet_id", t.WalletID),
		zap.String("type", string(t.Type)),
		zap.String("status", string(t.Status)),
		zap.String("reference", t.Reference),
		zap.String("net_amount", t.NetAmount.String()),
		zap.String("balance_after", t.BalanceAfter.String()))
}

// =============================================================================
// TRANSFERS
// =============================================================================

type TransferRequest struct {
	FromWalletID string
	ToWalletID   string
	Amount       Money
	Fee          Money
	Reference    string
	Description  string
}

type TransferResult struct {
	Out      WalletTransaction
	In       WalletTransaction
	Replayed bool
}

// Transfer debits one wallet and credits another in one transaction.
// The fee is charged to the sender.
func (l *WalletLedger) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.FromWalletID == req.ToWalletID {
		return nil, invalid("to_wallet_id", "must differ from the source wallet")
	}
	ref := strings.TrimSpace(req.Reference)
	if ref == "" {
		return nil, invalid("reference", "required")
	}

	var (
		result  *TransferResult
		out     *PostingResult
		in      *PostingResult
		outcome error
	)
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		out, err = l.postInTx(ctx, tx, TransactionRequest{
			WalletID:    req.FromWalletID,
			Type:        TxTransferOut,
			Amount:      req.Amount,
			Fee:         req.Fee,
			Reference:   ref + ":out",
			Description: req.Description,
		})
		if errors.Is(err, ErrInsufficientFunds) {
			outcome = err
			return nil
		}
		if err != nil {
			return err
		}
		in, err = l.postInTx(ctx, tx, TransactionRequest{
			WalletID:    req.ToWalletID,
			Type:        TxTransferIn,
			Amount:      req.Amount,
			Reference:   ref + ":in",
			Description: req.Description,
		})
		if err != nil {
			return err
		}
		result = &TransferResult{
			Out:      out.Transaction,
			In:       in.Transaction,
			Replayed: out.Replayed && in.Replayed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.afterPost(out)
	if outcome != nil {
		return nil, outcome
	}
	l.afterPost(in)
	return result, nil
}

// =============================================================================
// REPLAY
// =============================================================================

// LedgerReport is the outcome of recomputing a wallet from its ledger.
type LedgerReport struct {
	WalletID     string
	Computed     Money
	Projection   Money
	Transactions int
	Consistent   bool
	Problems     []string
}

// Replay recomputes the balance from every completed row and checks each
// snapshot against the running total.
func (l *WalletLedger) Replay(ctx context.Context, walletID string) (*LedgerReport, error) {
	var report *LedgerReport
	err := l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		report, err = l.replayInTx(ctx, tx, walletID)
		return err
	})
	return report, err
}

func (l *WalletLedger) replayInTx(ctx context.Context, tx Tx, walletID string) (*LedgerReport, error) {
	w, err := tx.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	txns, err := tx.ListWalletTransactions(ctx, walletID, 0, 0)
	if err != nil {
		return nil, err
	}

	report := &LedgerReport{WalletID: walletID, Projection: w.Balance, Transactions: len(txns)}
	running := ZeroMoney(w.Currency)
	for _, t := range txns {
		if t.Status != WalletTxCompleted {
			continue
		}
		if !t.BalanceBefore.Equal(running) {
			report.Problems = append(report.Problems,
				fmt.Sprintf("seq %d: balance_before %s, expected %s", t.Seq, t.BalanceBefore, running))
		}
		running = running.Add(t.Signed())
		if !t.BalanceAfter.Equal(running) {
			report.Problems = append(report.Problems,
				fmt.Sprintf("seq %d: balance_after %s, expected %s", t.Seq, t.BalanceAfter, running))
		}
		if running.IsNegative() {
			report.Problems = append(report.Problems,
				fmt.Sprintf("seq %d: balance negative (%s)", t.Seq, running))
		}
	}
	report.Computed = running
	if !w.Balance.Equal(running) {
		report.Problems = append(report.Problems,
			fmt.Sprintf("projection %s, ledger %s", w.Balance, running))
	}
	report.Consistent = len(report.Problems) == 0
	return report, nil
}

// RebuildProjection overwrites the cached balance with the ledger tip.
func (l *WalletLedger) RebuildProjection(ctx context.Context, walletID string) (*Wallet, error) {
	var out *Wallet
	err := l.store.WithTx(ctx, func(tx Tx) error {
		w, err := tx.GetWallet(ctx, walletID)
		if err != nil {
			return err
		}
		tip, err := tx.LatestWalletTransaction(ctx, walletID, true)
		if err != nil {
			return err
		}
		bal, lastID := ZeroMoney(w.Currency), ""
		if tip != nil {
			bal, lastID = tip.BalanceAfter, tip.ID
		}
		ok, err := tx.UpdateWalletProjection(ctx, walletID, bal, lastID, w.Version, l.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("wallet %s projection: %w", walletID, ErrConcurrentModification)
		}
		out, err = tx.GetWallet(ctx, walletID)
		return err
	})
	return out, err
}
