package economy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortune-city/engine/pkg/ledger"
)

func TestComputeWithdrawalSplit(t *testing.T) {
	t.Parallel()

	t.Run("fresh covers first, profit is taxed", func(t *testing.T) {
		t.Parallel()
		// $100 with $40 of fresh deposits at a 50% tax rate.
		split := ComputeWithdrawalSplit(100, 40, 0.50)
		require.InDelta(t, 40, split.FromFreshDeposit, 1e-9)
		require.InDelta(t, 60, split.FromProfit, 1e-9)
		require.InDelta(t, 30, split.TaxAmount, 1e-9)
		require.InDelta(t, 70, split.NetAmount, 1e-9)
	})

	t.Run("fully backed by fresh deposits is untaxed", func(t *testing.T) {
		t.Parallel()
		split := ComputeWithdrawalSplit(100, 250, 0.50)
		require.InDelta(t, 100, split.FromFreshDeposit, 1e-9)
		require.Zero(t, split.FromProfit)
		require.Zero(t, split.TaxAmount)
		require.InDelta(t, 100, split.NetAmount, 1e-9)
	})

	t.Run("no fresh deposits taxes everything", func(t *testing.T) {
		t.Parallel()
		split := ComputeWithdrawalSplit(100, 0, 0.05)
		require.InDelta(t, 100, split.FromProfit, 1e-9)
		require.InDelta(t, 5, split.TaxAmount, 1e-9)
		require.InDelta(t, 95, split.NetAmount, 1e-9)
	})

	t.Run("negative fresh tracker treated as empty", func(t *testing.T) {
		t.Parallel()
		split := ComputeWithdrawalSplit(10, -3, 0.50)
		require.Zero(t, split.FromFreshDeposit)
		require.InDelta(t, 10, split.FromProfit, 1e-9)
	})

	t.Run("tax grows with the profit portion", func(t *testing.T) {
		t.Parallel()
		prev := -1.0
		for fresh := 100.0; fresh >= 0; fresh -= 10 {
			tax := ComputeWithdrawalSplit(100, fresh, 0.30).TaxAmount
			require.Greater(t, tax, prev)
			prev = tax
		}
	})
}

func TestComputeSourceBreakdown(t *testing.T) {
	t.Parallel()

	t.Run("pure fresh balance", func(t *testing.T) {
		t.Parallel()
		b := ComputeSourceBreakdown(100, 100, 30)
		require.InDelta(t, 30, b.FreshDeposit, 1e-9)
		require.Zero(t, b.ProfitDerived)
	})

	t.Run("mixed balance splits proportionally", func(t *testing.T) {
		t.Parallel()
		// Balance $200 of which $50 fresh: a $40 spend is 25% fresh.
		b := ComputeSourceBreakdown(200, 50, 40)
		require.InDelta(t, 10, b.FreshDeposit, 1e-9)
		require.InDelta(t, 30, b.ProfitDerived, 1e-9)
		require.InDelta(t, 40, b.Total, 1e-9)
	})

	t.Run("fresh tracker above balance clamps to all-fresh", func(t *testing.T) {
		t.Parallel()
		b := ComputeSourceBreakdown(50, 120, 20)
		require.InDelta(t, 20, b.FreshDeposit, 1e-9)
		require.Zero(t, b.ProfitDerived)
	})

	t.Run("zero balance or spend yields zeros", func(t *testing.T) {
		t.Parallel()
		require.Zero(t, ComputeSourceBreakdown(0, 50, 20).FreshDeposit)
		require.Zero(t, ComputeSourceBreakdown(100, 50, 0).FreshDeposit)
	})
}

func TestPlanPayment(t *testing.T) {
	t.Parallel()

	user := func(bonus, fortune, referralBal float64) *ledger.User {
		return &ledger.User{BonusBalance: bonus, FortuneBalance: fortune, ReferralBalance: referralBal}
	}

	t.Run("bonus spends before fortune before referral", func(t *testing.T) {
		t.Parallel()
		plan, err := PlanPayment(user(5, 20, 50), 30)
		require.NoError(t, err)
		require.InDelta(t, 5, plan.FromBonus, 1e-9)
		require.InDelta(t, 20, plan.FromFortune, 1e-9)
		require.InDelta(t, 5, plan.FromReferral, 1e-9)
		require.InDelta(t, 30, plan.Total(), 1e-9)
	})

	t.Run("bonus alone can cover", func(t *testing.T) {
		t.Parallel()
		plan, err := PlanPayment(user(50, 10, 0), 30)
		require.NoError(t, err)
		require.InDelta(t, 30, plan.FromBonus, 1e-9)
		require.Zero(t, plan.FromFortune)
		require.Zero(t, plan.FromReferral)
	})

	t.Run("insufficient combined balance", func(t *testing.T) {
		t.Parallel()
		_, err := PlanPayment(user(5, 10, 5), 30)
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})
}
