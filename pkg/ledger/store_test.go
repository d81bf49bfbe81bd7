package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	enginetesting "github.com/fortune-city/engine/utils/pkg/testing"
)

var testDB *enginetesting.DB

func TestMain(m *testing.M) {
	log := enginetesting.NewLogger()

	db, err := enginetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to start test database", "error", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	os.Exit(code)
}

func newTestStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := enginetesting.NewTestPool(t, testDB)
	store, err := NewStore(StoreConfig{Logger: enginetesting.NewLogger(), Pool: pool})
	require.NoError(t, err)
	return store, pool
}

func TestStore_CreateUser(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := t.Context()

	user, err := store.CreateUser(ctx, "WalletAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, user.ReferralCode)
	require.Zero(t, user.FortuneBalance)
	require.Zero(t, user.MaxTierReached)
	require.Nil(t, user.ReferredBy)

	t.Run("duplicate wallet rejected", func(t *testing.T) {
		_, err := store.CreateUser(ctx, user.WalletAddress, nil)
		require.ErrorIs(t, err, ErrDuplicateWallet)
	})

	t.Run("lookup by referral code", func(t *testing.T) {
		found, err := store.GetUserByReferralCode(ctx, user.ReferralCode)
		require.NoError(t, err)
		require.Equal(t, user.ID, found.ID)
	})

	t.Run("referred user carries the link", func(t *testing.T) {
		referred, err := store.CreateUser(ctx, "WalletAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA2", &user.ID)
		require.NoError(t, err)
		require.NotNil(t, referred.ReferredBy)
		require.Equal(t, user.ID, *referred.ReferredBy)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := store.GetUser(ctx, uuid.New())
		require.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestStore_CreditDeposit(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := t.Context()

	user, err := store.CreateUser(ctx, "WalletBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB1", nil)
	require.NoError(t, err)

	updated, err := store.CreditDeposit(ctx, user.ID, 100, nil)
	require.NoError(t, err)
	require.InDelta(t, 100, updated.FortuneBalance, 1e-9)
	require.InDelta(t, 100, updated.FreshDeposit, 1e-9)
	require.InDelta(t, 100, updated.TotalDeposited, 1e-9)
	require.Zero(t, updated.ProfitEarned)

	entries, err := store.Entries(ctx, user.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, KindDeposit, entries[0].Kind)
	require.Equal(t, AccountFortune, entries[0].Account)
	require.InDelta(t, 100, entries[0].Amount, 1e-9)
	require.InDelta(t, 100, entries[0].BalanceAfter, 1e-9)

	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := store.CreditDeposit(ctx, user.ID, 0, nil)
		require.Error(t, err)
		_, err = store.CreditDeposit(ctx, user.ID, -5, nil)
		require.Error(t, err)
	})
}

func TestStore_Adjust(t *testing.T) {
	t.Parallel()
	store, pool := newTestStore(t)
	ctx := t.Context()

	user, err := store.CreateUser(ctx, "WalletCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC1", nil)
	require.NoError(t, err)
	_, err = store.CreditDeposit(ctx, user.ID, 50, nil)
	require.NoError(t, err)

	inTx := func(t *testing.T, fn func(tx pgx.Tx) error) error {
		t.Helper()
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	t.Run("overdraft rejected atomically", func(t *testing.T) {
		err := inTx(t, func(tx pgx.Tx) error {
			if _, err := store.LockUser(ctx, tx, user.ID); err != nil {
				return err
			}
			_, err := store.Adjust(ctx, tx, user.ID, AccountFortune, KindPurchase, -80, "", nil)
			return err
		})
		require.ErrorIs(t, err, ErrInsufficientBalance)

		after, err := store.GetUser(ctx, user.ID)
		require.NoError(t, err)
		require.InDelta(t, 50, after.FortuneBalance, 1e-9)
	})

	t.Run("debit and credit append entries", func(t *testing.T) {
		err := inTx(t, func(tx pgx.Tx) error {
			if _, err := store.LockUser(ctx, tx, user.ID); err != nil {
				return err
			}
			if _, err := store.Adjust(ctx, tx, user.ID, AccountFortune, KindPurchase, -30, "machine", nil); err != nil {
				return err
			}
			_, err := store.Adjust(ctx, tx, user.ID, AccountBonus, KindAdminAdjustment, 10, "", nil)
			return err
		})
		require.NoError(t, err)

		after, err := store.GetUser(ctx, user.ID)
		require.NoError(t, err)
		require.InDelta(t, 20, after.FortuneBalance, 1e-9)
		require.InDelta(t, 10, after.BonusBalance, 1e-9)

		entries, err := store.Entries(ctx, user.ID, 10)
		require.NoError(t, err)
		require.Len(t, entries, 3) // deposit + purchase + adjustment
		// Most recent first.
		require.Equal(t, KindAdminAdjustment, entries[0].Kind)
		require.Equal(t, KindPurchase, entries[1].Kind)
	})

	t.Run("unknown account rejected", func(t *testing.T) {
		err := inTx(t, func(tx pgx.Tx) error {
			_, err := store.Adjust(ctx, tx, user.ID, Account("gold"), KindDeposit, 1, "", nil)
			return err
		})
		require.Error(t, err)
	})
}

func TestStore_WithdrawalSplitTrackers(t *testing.T) {
	t.Parallel()
	store, pool := newTestStore(t)
	ctx := t.Context()

	user, err := store.CreateUser(ctx, "WalletDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD1", nil)
	require.NoError(t, err)
	_, err = store.CreditDeposit(ctx, user.ID, 40, nil)
	require.NoError(t, err)

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = store.LockUser(ctx, tx, user.ID)
	require.NoError(t, err)
	require.NoError(t, store.RecordProfit(ctx, tx, user.ID, 60))

	// Withdraw $100: $40 from fresh, $60 from profit, $70 net after tax.
	require.NoError(t, store.ConsumeWithdrawalSplit(ctx, tx, user.ID, 40, 60, 70))
	require.NoError(t, tx.Commit(ctx))

	after, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Zero(t, after.FreshDeposit)
	require.Zero(t, after.ProfitEarned)
	require.InDelta(t, 70, after.TotalWithdrawn, 1e-9)

	t.Run("restore reverses consumption", func(t *testing.T) {
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = store.LockUser(ctx, tx, user.ID)
		require.NoError(t, err)
		require.NoError(t, store.RestoreWithdrawalSplit(ctx, tx, user.ID, 40, 60, 70))
		require.NoError(t, tx.Commit(ctx))

		restored, err := store.GetUser(ctx, user.ID)
		require.NoError(t, err)
		require.InDelta(t, 40, restored.FreshDeposit, 1e-9)
		require.InDelta(t, 60, restored.ProfitEarned, 1e-9)
		require.Zero(t, restored.TotalWithdrawn)
	})
}

func TestStore_RecordTierReached(t *testing.T) {
	t.Parallel()
	store, pool := newTestStore(t)
	ctx := t.Context()

	user, err := store.CreateUser(ctx, "WalletEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE1", nil)
	require.NoError(t, err)

	record := func(tierNum int) {
		t.Helper()
		tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()
		require.NoError(t, store.RecordTierReached(ctx, tx, user.ID, tierNum))
		require.NoError(t, tx.Commit(ctx))
	}

	record(3)
	after, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 3, after.MaxTierReached)

	// The watermark never drops.
	record(2)
	after, err = store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, 3, after.MaxTierReached)
}
