package boxoffice_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/box-office/boxoffice"
)

func debit(walletID, amount, ref string) boxoffice.TransactionRequest {
	return boxoffice.TransactionRequest{
		WalletID:  walletID,
		Type:      boxoffice.TxWithdrawal,
		Amount:    usd(amount),
		Reference: ref,
	}
}

func TestCreateWallet_DuplicateAndValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.wallet(t, "w1", "")

	_, err := e.wallets.CreateWallet(ctx, boxoffice.WalletRequest{ID: "w1", UserID: "someone", Currency: "USD"})
	assert.ErrorIs(t, err, boxoffice.ErrDuplicateWallet)

	_, err = e.wallets.CreateWallet(ctx, boxoffice.WalletRequest{UserID: "u"})
	assert.ErrorIs(t, err, boxoffice.ErrInvalidRequest)

	_, err = e.wallets.Wallet(ctx, "missing")
	assert.ErrorIs(t, err, boxoffice.ErrWalletNotFound)
}

func TestApply_SnapshotsChain(t *testing.T) {
	// GIVEN: An empty wallet
	// WHEN: Topping up 100 with a 2.50 fee, then withdrawing 30 with a 1 fee
	// THEN: Each row's balance_before is the previous balance_after and the nets carry the fees

	e := newEnv(t)
	ctx := context.Background()
	e.wallet(t, "w1", "")

	top, err := e.wallets.Apply(ctx, boxoffice.TransactionRequest{
		WalletID: "w1", Type: boxoffice.TxTopup, Amount: usd("100"), Fee: usd("2.50"), Reference: "top-1",
	})
	require.NoError(t, err)
	assert.Equal(t, boxoffice.Credit, top.Transaction.Direction)
	assert.True(t, top.Transaction.NetAmount.Equal(usd("97.50")))
	assert.True(t, top.Transaction.BalanceAfter.Equal(usd("97.50")))

	req := debit("w1", "30", "wd-1")
	req.Fee = usd("1")
	wd, err := e.wallets.Apply(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.Debit, wd.Transaction.Direction)
	assert.True(t, wd.Transaction.NetAmount.Equal(usd("31")))
	assert.True(t, wd.Transaction.BalanceBefore.Equal(top.Transaction.BalanceAfter))
	assert.True(t, wd.Transaction.BalanceAfter.Equal(usd("66.50")))
	assert.Equal(t, int64(2), wd.Transaction.Seq)

	balance, err := e.wallets.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(usd("66.50")), balance.String())

	report, err := e.wallets.Replay(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problems)
	assert.Equal(t, 2, report.Transactions)
}

func TestApply_ReferenceAppliedOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.wallet(t, "w1", "50")

	first, err := e.wallets.Apply(ctx, debit("w1", "20", "wd-1"))
	require.NoError(t, err)
	again, err := e.wallets.Apply(ctx, debit("w1", "20", "wd-1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Transaction.ID, again.Transaction.ID)

	_, err = e.wallets.Apply(ctx, debit("w1", "25", "wd-1"))
	assert.ErrorIs(t, err, boxoffice.ErrDuplicateReference)

	balance, err := e.wallets.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(usd("30")))
}

func TestApply_InsufficientFundsIsRecorded(t *testing.T) {
	// GIVEN: A wallet holding 10
	// WHEN: Withdrawing 25 twice under the same reference
	// THEN: Both calls fail the same way, one failed row exists and the balance is untouched

	e := newEnv(t)
	ctx := context.Background()
	e.wallet(t, "w1", "10")

	for i := 0; i < 2; i++ {
		res, err := e.wallets.Apply(ctx, debit("w1", "25", "wd-1"))
		var ferr *boxoffice.InsufficientFundsError
		require.ErrorAs(t, err, &ferr)
		assert.True(t, ferr.Balance.Equal(usd("10")))
		require.NotNil(t, res)
		assert.Equal(t, boxoffice.WalletTxFailed, res.Transaction.Status)
		assert.True(t, res.Transaction.BalanceAfter.Equal(res.Transaction.BalanceBefore))
	}

	txns, err := e.wallets.Transactions(ctx, "w1", 0, 0)
	require.NoError(t, err)
	require.Len(t, txns, 2)

	balance, err := e.wallets.Balance(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, balance.Equal(usd("10")))

	report, err := e.wallets.Replay(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problems)
}

func TestApply_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.wallet(t, "w1", "10")

	_, err := e.wallets.Apply(ctx, boxoffice.TransactionRequest{WalletID: "w1", Type: boxoffice.TxAdjustment, Amount: usd("1"), Reference: "adj"})
	assert.ErrorIs(t, err, boxoffice.ErrInvalidRequest, "adjustments need a direction")

	_, err = e.wallets.Apply(ctx, boxoffice.TransactionRequest{WalletID: "w1", Type: boxoffice.TxTopup, Amount: boxoffice.MustMoney("1", "EUR"), Reference: "eur"})
	assert.ErrorIs(t, err, boxoffice.ErrCurrencyMismatch)

	_, err = e.wallets.Apply(ctx, boxoffice.TransactionRequest{WalletID: "w1", Type: boxoffice.TxTopup, Amount: usd("1"), Fee: usd("2"), Reference: "fee"})
	assert.ErrorIs(t, err, boxoffice.ErrInvalidRequest, "fee above a credit")

	_, err = e.wallets.Apply(ctx, boxoffice.TransactionRequest{WalletID: "w1", Type: boxoffice.TxTopup, Amount: usd("1")})
	assert.ErrorIs(t, err, boxoffice.ErrInvalidRequest, "reference required")

	adj, err := e.wallets.Apply(ctx, boxoffice.TransactionRequest{
		WalletID: "w1", Type: boxoffice.TxAdjustment, Direction: boxoffice.Debit, Amount: usd("4"), Reference: "adj-1",
	})
	require.NoError(t, err)
	assert.True(t, adj.Transaction.BalanceAfter.Equal(usd("6")))
}

func TestApply_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	// GIVEN: A wallet holding 100
	// WHEN: 25 concurrent withdrawals of 10 each
	// THEN: Exactly 10 complete, 15 fail for funds and the ledger replays to 0

	e := newFileEnv(t)
	e.wallet(t, "w1", "100")

	var done, short atomic.Int32
	var g errgroup.Group
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			_, err := retry(func() (*boxoffice.PostingResult, error) {
				return e.wallets.Apply(context.Background(), debit("w1", "10", fmt.Sprintf("wd-%d", i)))
			})
			switch {
			case err == nil:
				done.Add(1)
			case errors.Is(err, boxoffice.ErrInsufficientFunds):
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(10), done.Load())
	assert.Equal(t, int32(15), short.Load())

	report, err := e.wallets.Replay(context.Background(), "w1")
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problems)
	assert.True(t, report.Computed.IsZero(), report.Computed.String())
}

func TestTransfer_MovesMoneyWithFee(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.wallet(t, "from", "30")
	e.wallet(t, "to", "")

	req := boxoffice.TransferRequest{FromWalletID: "from", ToWalletID: "to", Amount: usd("10"), Fee: usd("1"), Reference: "tr-1"}
	res, err := e.wallets.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, boxoffice.TxTransferOut, res.Out.Type)
	assert.True(t, res.Out.NetAmount.Equal(usd("11")))
	assert.True(t, res.In.NetAmount.Equal(usd("10")))

	again, err := e.wallets.Transfer(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)

	from, err := e.wallets.Balance(ctx, "from")
	require.NoError(t, err)
	to, err := e.wallets.Balance(ctx, "to")
	require.NoError(t, err)
	assert.True(t, from.Equal(usd("19")), from.String())
	assert.True(t, to.Equal(usd("10")), to.String())

	_, err = e.wallets.Transfer(ctx, boxoffice.TransferRequest{FromWalletID: "from", ToWalletID: "to", Amount: usd("50"), Reference: "tr-2"})
	require.ErrorIs(t, err, boxoffice.ErrInsufficientFunds)
	to, err = e.wallets.Balance(ctx, "to")
	require.NoError(t, err)
	assert.True(t, to.Equal(usd("10")), "a failed transfer credits nothing")

	_, err = e.wallets.Transfer(ctx, boxoffice.TransferRequest{FromWalletID: "from", ToWalletID: "from", Amount: usd("1"), Reference: "tr-3"})
	assert.ErrorIs(t, err, boxoffice.ErrInvalidRequest)
}

func TestReplay_DetectsDriftAndRebuilds(t *testing.T) {
	// GIVEN: A wallet whose cached balance was overwritten outside the ledger
	// WHEN: Replaying, reconciling and rebuilding the projection
	// THEN: Replay reports the drift, reconciliation flags it, the rebuild restores the ledger tip

	e := newEnv(t)
	ctx := context.Background()
	e.wallet(t, "w1", "40")

	_, err := e.store.DB().ExecContext(ctx, `UPDATE wallets SET balance = '1000' WHERE id = ?`, "w1")
	require.NoError(t, err)

	report, err := e.wallets.Replay(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.True(t, report.Computed.Equal(usd("40")))
	assert.True(t, report.Projection.Equal(usd("1000")))

	run, err := e.reconciler.Run(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Flagged)
	assert.Len(t, flagsOf(t, e, boxoffice.FlagWalletDrift), 1)

	w, err := e.wallets.RebuildProjection(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(usd("40")))

	report, err = e.wallets.Replay(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Problems)
}

func TestLedger_RowsAreAppendOnly(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.wallet(t, "w1", "40")

	_, err := e.store.DB().ExecContext(ctx, `UPDATE wallet_transactions SET amount = '1' WHERE wallet_id = ?`, "w1")
	assert.Error(t, err)

	_, err = e.store.DB().ExecContext(ctx, `DELETE FROM wallet_transactions WHERE wallet_id = ?`, "w1")
	assert.Error(t, err)
}
