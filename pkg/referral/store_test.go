package referral

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/machine"
	"github.com/fortune-city/engine/pkg/tier"
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

type env struct {
	clock     *clockwork.FakeClock
	ledger    *ledger.Store
	tiers     *tier.Store
	machines  *machine.Store
	referrals *Store
}

func newEnv(t *testing.T) *env {
	t.Helper()

	pool := enginetesting.NewTestPool(t, testDB)
	log := enginetesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))

	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Pool: pool, Clock: clock})
	require.NoError(t, err)
	tierStore, err := tier.NewStore(tier.StoreConfig{Logger: log, Pool: pool, Clock: clock})
	require.NoError(t, err)
	machineStore, err := machine.NewStore(machine.StoreConfig{
		Logger: log, Pool: pool, Clock: clock, Ledger: ledgerStore, Tiers: tierStore,
	})
	require.NoError(t, err)
	referralStore, err := NewStore(StoreConfig{
		Logger: log, Pool: pool, Clock: clock, Ledger: ledgerStore,
		HasActiveMachine: machineStore.HasActive,
	})
	require.NoError(t, err)

	return &env{clock: clock, ledger: ledgerStore, tiers: tierStore, machines: machineStore, referrals: referralStore}
}

func (e *env) createUser(t *testing.T, referredBy *uuid.UUID) *ledger.User {
	t.Helper()
	user, err := e.ledger.CreateUser(t.Context(), fmt.Sprintf("ReferralTestWallet-%s", uuid.NewString()), referredBy)
	require.NoError(t, err)
	return user
}

func (e *env) createMachine(t *testing.T, userID uuid.UUID, tierNum int) *machine.Machine {
	t.Helper()
	ctx := t.Context()

	tr, err := e.tiers.Get(ctx, tierNum)
	require.NoError(t, err)
	settings, err := e.tiers.Settings(ctx)
	require.NoError(t, err)

	m := machine.Build(tr, settings, userID, 1, tr.Price, 0, e.clock.Now().UTC())

	tx, err := e.ledger.Pool().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, e.machines.CreateTx(ctx, tx, m))
	require.NoError(t, tx.Commit(ctx))
	return m
}

func TestStore_Link(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	referrer := e.createUser(t, nil)
	user := e.createUser(t, nil)

	require.NoError(t, e.referrals.Link(t.Context(), user.ID, referrer.ReferralCode))

	linked, err := e.ledger.GetUser(t.Context(), user.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.ReferredBy)
	require.Equal(t, referrer.ID, *linked.ReferredBy)

	t.Run("second link rejected", func(t *testing.T) {
		other := e.createUser(t, nil)
		err := e.referrals.Link(t.Context(), user.ID, other.ReferralCode)
		require.ErrorIs(t, err, ErrAlreadyReferred)
	})

	t.Run("self referral rejected", func(t *testing.T) {
		solo := e.createUser(t, nil)
		err := e.referrals.Link(t.Context(), solo.ID, solo.ReferralCode)
		require.ErrorIs(t, err, ErrSelfReferral)
	})

	t.Run("cycle rejected", func(t *testing.T) {
		// user already points at referrer; the reverse link would close a
		// two-node loop.
		err := e.referrals.Link(t.Context(), referrer.ID, linked.ReferralCode)
		require.ErrorIs(t, err, ErrReferralCycle)
	})

	t.Run("deep cycle rejected", func(t *testing.T) {
		tail := e.createUser(t, &user.ID)
		err := e.referrals.Link(t.Context(), referrer.ID, tail.ReferralCode)
		require.ErrorIs(t, err, ErrReferralCycle)
	})

	t.Run("unknown code", func(t *testing.T) {
		err := e.referrals.Link(t.Context(), referrer.ID, "NOSUCHCODE")
		require.ErrorIs(t, err, ledger.ErrUserNotFound)
	})
}

func TestStore_Ancestors(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	a := e.createUser(t, nil)
	b := e.createUser(t, &a.ID)
	c := e.createUser(t, &b.ID)
	d := e.createUser(t, &c.ID)
	leaf := e.createUser(t, &d.ID)

	got, err := e.referrals.Ancestors(t.Context(), leaf.ID)
	require.NoError(t, err)
	require.Equal(t, []Ancestor{
		{UserID: d.ID, Level: 1},
		{UserID: c.ID, Level: 2},
		{UserID: b.ID, Level: 3},
	}, got)

	t.Run("root has none", func(t *testing.T) {
		got, err := e.referrals.Ancestors(t.Context(), a.ID)
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestStore_CreditPurchase(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := t.Context()

	a := e.createUser(t, nil)
	b := e.createUser(t, &a.ID)
	payer := e.createUser(t, &b.ID)

	settings, err := e.tiers.Settings(ctx)
	require.NoError(t, err)
	machineID := uuid.New()

	tx, err := e.ledger.Pool().Begin(ctx)
	require.NoError(t, err)
	credits, err := e.referrals.CreditPurchase(ctx, tx, payer.ID, machineID, 200, settings)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, credits, 2)
	require.Equal(t, 1, credits[0].Level)
	require.InDelta(t, 10, credits[0].Amount, 1e-9) // 5% of 200
	require.Equal(t, 2, credits[1].Level)
	require.InDelta(t, 6, credits[1].Amount, 1e-9) // 3% of 200

	// Referrers earn without running machines of their own.
	for _, c := range []struct {
		id   uuid.UUID
		want float64
	}{{b.ID, 10}, {a.ID, 6}} {
		u, err := e.ledger.GetUser(ctx, c.id)
		require.NoError(t, err)
		require.InDelta(t, c.want, u.ReferralBalance, 1e-9)
	}

	t.Run("zero base is a no-op", func(t *testing.T) {
		tx, err := e.ledger.Pool().Begin(ctx)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback(ctx) }()
		credits, err := e.referrals.CreditPurchase(ctx, tx, payer.ID, machineID, 0, settings)
		require.NoError(t, err)
		require.Empty(t, credits)
	})
}

func TestStore_TransferToFortune(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := t.Context()

	a := e.createUser(t, nil)
	payer := e.createUser(t, &a.ID)

	settings, err := e.tiers.Settings(ctx)
	require.NoError(t, err)
	tx, err := e.ledger.Pool().Begin(ctx)
	require.NoError(t, err)
	_, err = e.referrals.CreditPurchase(ctx, tx, payer.ID, uuid.New(), 100, settings)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	t.Run("requires an active machine", func(t *testing.T) {
		_, err := e.referrals.TransferToFortune(ctx, a.ID, 5)
		require.ErrorIs(t, err, ErrNoActiveMachine)
	})

	e.createMachine(t, a.ID, 1)

	t.Run("insufficient referral balance", func(t *testing.T) {
		_, err := e.referrals.TransferToFortune(ctx, a.ID, 50)
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})

	after, err := e.referrals.TransferToFortune(ctx, a.ID, 3)
	require.NoError(t, err)
	require.InDelta(t, 2, after.ReferralBalance, 1e-9) // 5% of 100, minus 3
	require.InDelta(t, 3, after.FortuneBalance, 1e-9)

	// The transfer never counts as a fresh deposit.
	require.Zero(t, after.FreshDeposit)
}

func TestStore_Stats(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := t.Context()

	root := e.createUser(t, nil)
	mid := e.createUser(t, &root.ID)
	leaf1 := e.createUser(t, &mid.ID)
	leaf2 := e.createUser(t, &mid.ID)

	settings, err := e.tiers.Settings(ctx)
	require.NoError(t, err)
	for _, payer := range []uuid.UUID{leaf1.ID, leaf2.ID} {
		tx, err := e.ledger.Pool().Begin(ctx)
		require.NoError(t, err)
		_, err = e.referrals.CreditPurchase(ctx, tx, payer, uuid.New(), 100, settings)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
	}

	stats, err := e.referrals.Stats(ctx, mid.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stats.DirectReferrals)
	require.InDelta(t, 10, stats.CreditsByLevel[1], 1e-9) // two level-1 credits at $5
	require.InDelta(t, 10, stats.TotalEarned, 1e-9)
	require.NotEmpty(t, stats.ReferralCode)

	rootStats, err := e.referrals.Stats(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rootStats.DirectReferrals)
	require.InDelta(t, 6, rootStats.CreditsByLevel[2], 1e-9)
}
