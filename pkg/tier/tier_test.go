package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTier_ComputeRates(t *testing.T) {
	t.Parallel()

	window := 12 * time.Hour

	t.Run("first purchase pays full yield over lifespan", func(t *testing.T) {
		t.Parallel()

		tr := Tier{Tier: 1, Name: "RUSTY LEVER", Price: 10, LifespanDays: 3, YieldPercent: 145}
		rates := tr.ComputeRates(0, window)

		require.InDelta(t, 4.5, rates.ProfitAmount, 1e-9)
		require.InDelta(t, 14.5/(3*86400), rates.RatePerSecond, 1e-12)
		require.InDelta(t, rates.RatePerSecond*43200, rates.CoinBoxCapacity, 1e-12)
	})

	t.Run("reinvest reduction scales profit but never principal", func(t *testing.T) {
		t.Parallel()

		tr := Tier{Tier: 5, Name: "DIAMOND DASH", Price: 500, LifespanDays: 7, YieldPercent: 156}
		full := tr.ComputeRates(0, window)
		reduced := tr.ComputeRates(0.35, window)

		require.InDelta(t, full.ProfitAmount*0.65, reduced.ProfitAmount, 1e-9)
		require.Less(t, reduced.RatePerSecond, full.RatePerSecond)

		// Total payout over the lifespan still covers the principal.
		lifetime := reduced.RatePerSecond * tr.Lifespan().Seconds()
		require.InDelta(t, tr.Price+reduced.ProfitAmount, lifetime, 1e-6)
		require.Greater(t, lifetime, tr.Price)
	})

	t.Run("full reduction degrades to principal-only payback", func(t *testing.T) {
		t.Parallel()

		tr := Tier{Tier: 1, Name: "RUSTY LEVER", Price: 10, LifespanDays: 3, YieldPercent: 145}
		rates := tr.ComputeRates(1, window)

		require.InDelta(t, 0, rates.ProfitAmount, 1e-9)
		require.InDelta(t, tr.Price, rates.RatePerSecond*tr.Lifespan().Seconds(), 1e-6)
	})

	t.Run("capacity scales with the configured window", func(t *testing.T) {
		t.Parallel()

		tr := Tier{Tier: 2, Name: "LUCKY CHERRY", Price: 30, LifespanDays: 4, YieldPercent: 152}
		narrow := tr.ComputeRates(0, 2*time.Hour)
		wide := tr.ComputeRates(0, 24*time.Hour)

		require.InDelta(t, narrow.RatePerSecond, wide.RatePerSecond, 1e-12)
		require.InDelta(t, narrow.CoinBoxCapacity*12, wide.CoinBoxCapacity, 1e-9)
	})
}

func TestTier_Validate(t *testing.T) {
	t.Parallel()

	valid := Tier{Tier: 3, Name: "GOLDEN 7s", Price: 75, LifespanDays: 5, YieldPercent: 155}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Tier){
		"zero tier":      func(t *Tier) { t.Tier = 0 },
		"empty name":     func(t *Tier) { t.Name = "" },
		"zero price":     func(t *Tier) { t.Price = 0 },
		"zero lifespan":  func(t *Tier) { t.LifespanDays = 0 },
		"yield at break": func(t *Tier) { t.YieldPercent = 100 },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tr := valid
			mutate(&tr)
			require.Error(t, tr.Validate())
		})
	}
}

func TestSettings_TaxRate(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()

	require.Equal(t, 0.50, s.TaxRate(1))
	require.Equal(t, 0.05, s.TaxRate(10))

	// No machine yet pays the entry rate.
	require.Equal(t, 0.50, s.TaxRate(0))

	// The rate never increases with a higher max tier.
	prev := s.TaxRate(1)
	for tierNum := 2; tierNum <= 10; tierNum++ {
		rate := s.TaxRate(tierNum)
		require.LessOrEqual(t, rate, prev, "tax rate must be non-increasing at tier %d", tierNum)
		prev = rate
	}

	// Beyond the table the last configured rate sticks.
	require.Equal(t, 0.05, s.TaxRate(15))
}

func TestSettings_CapacityWindow(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	require.Equal(t, 12*time.Hour, s.CapacityWindow())

	// Broken settings rows clamp instead of producing a box that fills
	// instantly or never.
	s.CoinBoxCapacityHours = 0.001
	require.Equal(t, time.Hour, s.CapacityWindow())
	s.CoinBoxCapacityHours = 0
	require.Equal(t, time.Hour, s.CapacityWindow())
	s.CoinBoxCapacityHours = 10000
	require.Equal(t, 168*time.Hour, s.CapacityWindow())

	s.CoinBoxCapacityHours = 24
	require.Equal(t, 24*time.Hour, s.CapacityWindow())
}

func TestSettings_ReductionRate(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()

	require.Equal(t, 0.0, s.ReductionRate(1))
	require.Equal(t, 0.35, s.ReductionRate(2))
	require.Equal(t, 0.90, s.ReductionRate(7))
	require.Equal(t, 0.85, s.ReductionRate(8))
	require.Equal(t, 0.85, s.ReductionRate(100))
}

func TestSettings_GambleLevel(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()

	require.Equal(t, 0.1333, s.GambleLevel(0).WinChance)
	require.Equal(t, 0.1867, s.GambleLevel(3).WinChance)

	// Out-of-range levels clamp.
	require.Equal(t, s.GambleLevel(3), s.GambleLevel(7))
	require.Equal(t, s.GambleLevel(0), s.GambleLevel(-1))

	require.Equal(t, 3, s.MaxGambleLevel())
}

func TestSettings_OverclockLevel(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()

	l, ok := s.OverclockLevel(1.5)
	require.True(t, ok)
	require.Equal(t, 12.0, l.CostPercent)

	_, ok = s.OverclockLevel(3.0)
	require.False(t, ok)
}

func TestSettings_CollectorHireCost(t *testing.T) {
	t.Parallel()

	s := DefaultSettings()
	tr := Tier{Tier: 1, Name: "RUSTY LEVER", Price: 10, LifespanDays: 3, YieldPercent: 145}

	// 10% of the gross profit of $4.50.
	require.InDelta(t, 0.45, s.CollectorHireCost(tr), 1e-9)
}
