package machine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortune-city/engine/pkg/ledger"
)

func TestStore_Overclock(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	user := e.createUser(t)
	m := e.createMachine(t, user.ID, 1)
	_, err := e.ledger.CreditDeposit(t.Context(), user.ID, 10, nil)
	require.NoError(t, err)

	t.Run("unknown multiplier rejected", func(t *testing.T) {
		_, _, err := e.machines.Overclock(t.Context(), m.ID, user.ID, 3.0)
		require.ErrorIs(t, err, ErrUnknownOverclock)
	})

	// x1.5 costs 12% of the $10 price.
	boosted, cost, err := e.machines.Overclock(t.Context(), m.ID, user.ID, 1.5)
	require.NoError(t, err)
	require.InDelta(t, 1.5, boosted.OverclockMultiplier, 1e-9)
	require.InDelta(t, 1.20, cost, 1e-9)

	t.Run("one unspent overclock at a time", func(t *testing.T) {
		_, _, err := e.machines.Overclock(t.Context(), m.ID, user.ID, 1.2)
		require.ErrorIs(t, err, ErrOverclockActive)
	})

	// The boost applies to the next full box and counts as profit.
	e.clock.Advance(13 * time.Hour)
	box := m.CoinBoxCapacity
	res, err := e.machines.SafeCollect(t.Context(), m.ID, user.ID)
	require.NoError(t, err)
	require.InDelta(t, box*1.5, res.Collected, 1e-9)
	require.InDelta(t, box*0.5, res.OverclockBonus, 1e-9)
	require.InDelta(t, box*1.5, res.ProfitPortion, 1e-9)
	require.Zero(t, res.Machine.OverclockMultiplier)

	t.Run("spent overclock does not boost the next box", func(t *testing.T) {
		e.clock.Advance(13 * time.Hour)
		res, err := e.machines.SafeCollect(t.Context(), m.ID, user.ID)
		require.NoError(t, err)
		require.InDelta(t, box, res.Collected, 1e-9)
		require.Zero(t, res.OverclockBonus)
	})

	after, err := e.ledger.GetUser(t.Context(), user.ID)
	require.NoError(t, err)
	require.InDelta(t, 10-1.20+box*1.5+box, after.FortuneBalance, 1e-9)
}

func TestStore_ListForSale(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	user := e.createUser(t)
	m := e.createMachine(t, user.ID, 1)

	e.clock.Advance(2 * time.Hour)

	// Fresh machine: under 20% wear pays the 10% commission band.
	res, err := e.machines.ListForSale(t.Context(), m.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, StatusListed, res.Machine.Status)
	require.InDelta(t, 100.0*2/72, res.WearPercent, 1e-9)
	require.InDelta(t, 0.10, res.CommissionRate, 1e-9)
	require.InDelta(t, 9.0, res.ExpectedPayout, 1e-9)

	frozen := m.RatePerSecond * 7200

	t.Run("listed machine cannot collect", func(t *testing.T) {
		_, err := e.machines.SafeCollect(t.Context(), m.ID, user.ID)
		require.ErrorIs(t, err, ErrMachineNotActive)
	})

	t.Run("listed box is frozen", func(t *testing.T) {
		e.clock.Advance(4 * time.Hour)
		got, err := e.machines.Get(t.Context(), m.ID)
		require.NoError(t, err)
		require.InDelta(t, frozen, got.CoinBoxCurrent, 1e-9)
	})

	t.Run("double listing rejected", func(t *testing.T) {
		_, err := e.machines.ListForSale(t.Context(), m.ID, user.ID)
		require.ErrorIs(t, err, ErrMachineNotActive)
	})

	// Cancelling resumes accrual from now; the listed time earned nothing.
	cancelled, err := e.machines.CancelListing(t.Context(), m.ID, user.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, cancelled.Status)
	require.Nil(t, cancelled.ListedAt)

	e.clock.Advance(time.Hour)
	got, err := e.machines.Get(t.Context(), m.ID)
	require.NoError(t, err)
	require.InDelta(t, frozen+m.RatePerSecond*3600, got.CoinBoxCurrent, 1e-9)

	t.Run("cancel without listing rejected", func(t *testing.T) {
		_, err := e.machines.CancelListing(t.Context(), m.ID, user.ID)
		require.ErrorIs(t, err, ErrNotListed)
	})

	t.Run("expired machine cannot list", func(t *testing.T) {
		e.clock.Advance(70 * time.Hour) // past the 3-day lifespan
		_, err := e.machines.ListForSale(t.Context(), m.ID, user.ID)
		require.ErrorIs(t, err, ErrMachineNotActive)
	})
}

func TestStore_BuyListed(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	seller := e.createUser(t)
	buyer := e.createUser(t)
	m := e.createMachine(t, seller.ID, 1)
	_, err := e.ledger.CreditDeposit(t.Context(), buyer.ID, 100, nil)
	require.NoError(t, err)

	t.Run("unlisted machine cannot be bought", func(t *testing.T) {
		_, err := e.machines.BuyListed(t.Context(), m.ID, buyer.ID)
		require.ErrorIs(t, err, ErrNotListed)
	})

	// 30h of the 72h lifespan puts the wear in the 35% commission band.
	e.clock.Advance(30 * time.Hour)
	listed, err := e.machines.ListForSale(t.Context(), m.ID, seller.ID)
	require.NoError(t, err)
	require.InDelta(t, 0.35, listed.CommissionRate, 1e-9)

	t.Run("seller cannot buy own listing", func(t *testing.T) {
		_, err := e.machines.BuyListed(t.Context(), m.ID, seller.ID)
		require.ErrorIs(t, err, ErrOwnListing)
	})

	t.Run("occupied tier slot blocks the purchase", func(t *testing.T) {
		own := e.createMachine(t, buyer.ID, 1)
		_, err := e.machines.BuyListed(t.Context(), m.ID, buyer.ID)
		require.ErrorIs(t, err, ErrTierOccupied)
		_, err = e.machines.EarlySell(t.Context(), own.ID, buyer.ID)
		require.NoError(t, err)
	})

	buyerBefore, err := e.ledger.GetUser(t.Context(), buyer.ID)
	require.NoError(t, err)

	sale, err := e.machines.BuyListed(t.Context(), m.ID, buyer.ID)
	require.NoError(t, err)
	require.Equal(t, buyer.ID, sale.Machine.UserID)
	require.Equal(t, StatusActive, sale.Machine.Status)
	require.InDelta(t, 10.0, sale.Price, 1e-9)
	require.InDelta(t, 6.50, sale.SellerPayout, 1e-9)
	require.InDelta(t, 3.50, sale.Commission, 1e-9)

	buyerAfter, err := e.ledger.GetUser(t.Context(), buyer.ID)
	require.NoError(t, err)
	require.InDelta(t, buyerBefore.FortuneBalance-10, buyerAfter.FortuneBalance, 1e-9)
	sellerAfter, err := e.ledger.GetUser(t.Context(), seller.ID)
	require.NoError(t, err)
	require.InDelta(t, 6.50, sellerAfter.FortuneBalance, 1e-9)

	// The box froze full at listing and transfers with the machine.
	res, err := e.machines.SafeCollect(t.Context(), m.ID, buyer.ID)
	require.NoError(t, err)
	require.InDelta(t, m.CoinBoxCapacity, res.Collected, 1e-9)

	t.Run("seller lost access with the sale", func(t *testing.T) {
		_, err := e.machines.SafeCollect(t.Context(), m.ID, seller.ID)
		require.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("insufficient buyer balance rejected", func(t *testing.T) {
		broke := e.createUser(t)
		other := e.createMachine(t, seller.ID, 2)
		e.clock.Advance(time.Hour)
		_, err := e.machines.ListForSale(t.Context(), other.ID, seller.ID)
		require.NoError(t, err)
		_, err = e.machines.BuyListed(t.Context(), other.ID, broke.ID)
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})
}

func TestStore_OpenListings(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	user := e.createUser(t)
	first := e.createMachine(t, user.ID, 1)
	second := e.createMachine(t, user.ID, 2)

	e.clock.Advance(time.Hour)
	_, err := e.machines.ListForSale(t.Context(), first.ID, user.ID)
	require.NoError(t, err)
	e.clock.Advance(time.Hour)
	_, err = e.machines.ListForSale(t.Context(), second.ID, user.ID)
	require.NoError(t, err)

	all, err := e.machines.OpenListings(t.Context(), 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Oldest listing first.
	require.Equal(t, first.ID, all[0].ID)

	tier2, err := e.machines.OpenListings(t.Context(), 2, 0)
	require.NoError(t, err)
	require.Len(t, tier2, 1)
	require.Equal(t, second.ID, tier2[0].ID)
}
