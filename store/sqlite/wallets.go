package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/box-office/boxoffice"
)

func (t *txStore) InsertWallet(ctx context.Context, w boxoffice.Wallet) error {
	_, err := t.tx.ExecContext(ctx, insertWalletSQL,
		w.ID, w.UserID, string(w.Currency), w.Balance.Value.String(),
		nullString(w.LastTransactionID), w.Version,
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("wallet %s: %w", w.ID, boxoffice.ErrDuplicateWallet)
	}
	if err != nil {
		return storeError("insert wallet", err)
	}
	return nil
}

func (t *txStore) GetWallet(ctx context.Context, id string) (*boxoffice.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRowContext(ctx, selectWalletSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %s: %w", id, boxoffice.ErrWalletNotFound)
	}
	if err != nil {
		return nil, storeError("get wallet", err)
	}
	return w, nil
}

func (t *txStore) ListWallets(ctx context.Context) ([]boxoffice.Wallet, error) {
	rows, err := t.tx.QueryContext(ctx, listWalletsSQL)
	if err != nil {
		return nil, storeError("list wallets", err)
	}
	defer rows.Close()

	var out []boxoffice.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, storeError("scan wallet", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (t *txStore) UpdateWalletProjection(ctx context.Context, walletID string, balance boxoffice.Money, lastTxID string, expectedVersion int, at time.Time) (bool, error) {
	n, err := t.exec(ctx, "update wallet projection", updateWalletProjectionSQL,
		balance.Value.String(), nullString(lastTxID), formatTime(at), walletID, expectedVersion)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *txStore) LatestWalletTransaction(ctx context.Context, walletID string, completedOnly bool) (*boxoffice.WalletTransaction, error) {
	query := latestWalletTxSQL
	if completedOnly {
		query = latestCompletedWalletTxSQL
	}
	tx, err := scanWalletTx(t.tx.QueryRowContext(ctx, query, walletID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("latest wallet transaction", err)
	}
	return tx, nil
}

func (t *txStore) InsertWalletTransaction(ctx context.Context, wt boxoffice.WalletTransaction) error {
	_, err := t.tx.ExecContext(ctx, insertWalletTxSQL,
		wt.ID, wt.WalletID, wt.Seq, string(wt.Type), string(wt.Direction),
		wt.Amount.Value.String(), wt.Fee.Value.String(), wt.NetAmount.Value.String(),
		wt.BalanceBefore.Value.String(), wt.BalanceAfter.Value.String(), string(wt.Amount.Currency),
		wt.Reference, string(wt.Status), nullString(wt.Description), formatTime(wt.CreatedAt),
	)
	switch {
	case err == nil:
		return nil
	case violates(err, "wallet_transactions.reference"):
		return fmt.Errorf("reference %s: %w", wt.Reference, boxoffice.ErrDuplicateReference)
	case violates(err, "wallet_transactions.seq"):
		return fmt.Errorf("wallet %s seq %d: %w", wt.WalletID, wt.Seq, boxoffice.ErrConcurrentModification)
	}
	return storeError("insert wallet transaction", err)
}

func (t *txStore) FindWalletTransactionByReference(ctx context.Context, ref string) (*boxoffice.WalletTransaction, error) {
	wt, err := scanWalletTx(t.tx.QueryRowContext(ctx, selectWalletTxByReferenceSQL, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("find wallet transaction", err)
	}
	return wt, nil
}

func (t *txStore) ListWalletTransactions(ctx context.Context, walletID string, limit, offset int) ([]boxoffice.WalletTransaction, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := t.tx.QueryContext(ctx, listWalletTxSQL, walletID, limit, offset)
	if err != nil {
		return nil, storeError("list wallet transactions", err)
	}
	defer rows.Close()

	var out []boxoffice.WalletTransaction
	for rows.Next() {
		wt, err := scanWalletTx(rows)
		if err != nil {
			return nil, storeError("scan wallet transaction", err)
		}
		out = append(out, *wt)
	}
	return out, rows.Err()
}

func scanWallet(row scanner) (*boxoffice.Wallet, error) {
	var (
		w                    boxoffice.Wallet
		currency, balance    string
		lastTxID             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&w.ID, &w.UserID, &currency, &balance, &lastTxID, &w.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.Currency = boxoffice.Currency(currency)
	w.Balance = parseMoney(balance, currency)
	w.LastTransactionID = lastTxID.String
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func scanWalletTx(row scanner) (*boxoffice.WalletTransaction, error) {
	var (
		wt                        boxoffice.WalletTransaction
		txType, direction, status string
		amount, fee, net          string
		before, after, currency   string
		description               sql.NullString
		createdAt                 string
	)
	err := row.Scan(&wt.ID, &wt.WalletID, &wt.Seq, &txType, &direction,
		&amount, &fee, &net, &before, &after, &currency,
		&wt.Reference, &status, &description, &createdAt)
	if err != nil {
		return nil, err
	}
	wt.Type = boxoffice.WalletTxType(txType)
	wt.Direction = boxoffice.Direction(direction)
	wt.Status = boxoffice.WalletTxStatus(status)
	wt.Amount = parseMoney(amount, currency)
	wt.Fee = parseMoney(fee, currency)
	wt.NetAmount = parseMoney(net, currency)
	wt.BalanceBefore = parseMoney(before, currency)
	wt.BalanceAfter = parseMoney(after, currency)
	wt.Description = description.String
	wt.CreatedAt = parseTime(createdAt)
	return &wt, nil
}
