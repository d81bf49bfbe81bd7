// Package tier holds the machine catalog and the yield rate model.
//
// Every machine is an instance of a catalog tier. A tier fixes the purchase
// price, lifespan and gross yield percent; the effective per-second accrual
// rate additionally depends on the buyer's reinvest round, which scales down
// the profit portion of the yield.
package tier

import (
	"fmt"
	"time"
)

// Tier is one row of the machine catalog.
type Tier struct {
	Tier         int     `json:"tier"`
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	LifespanDays int     `json:"lifespanDays"`
	YieldPercent float64 `json:"yieldPercent"`
	Active       bool    `json:"active"`
}

// Lifespan returns the machine lifetime as a duration.
func (t Tier) Lifespan() time.Duration {
	return time.Duration(t.LifespanDays) * 24 * time.Hour
}

// TotalYield returns the gross lifetime payout before any reinvest
// reduction: price * yieldPercent / 100.
func (t Tier) TotalYield() float64 {
	return t.Price * t.YieldPercent / 100
}

// Profit returns the gross lifetime profit before any reinvest reduction.
func (t Tier) Profit() float64 {
	return t.TotalYield() - t.Price
}

// Rates describes the derived economics of a machine at purchase time.
type Rates struct {
	// ProfitAmount is the lifetime profit after the reinvest reduction.
	ProfitAmount float64
	// ReductionRate is the applied reinvest reduction (0..1).
	ReductionRate float64
	// RatePerSecond is the accrual rate into the coin box.
	RatePerSecond float64
	// CoinBoxCapacity is the maximum coin box content, rate * window.
	CoinBoxCapacity float64
}

// ComputeRates derives the accrual economics for a machine of this tier
// purchased at the given reinvest round. The principal always pays back in
// full over the lifespan; only the profit portion is scaled down.
func (t Tier) ComputeRates(reductionRate float64, capacityWindow time.Duration) Rates {
	profitAmount := t.Profit() * (1 - reductionRate)
	ratePerSecond := (t.Price + profitAmount) / t.Lifespan().Seconds()
	return Rates{
		ProfitAmount:    profitAmount,
		ReductionRate:   reductionRate,
		RatePerSecond:   ratePerSecond,
		CoinBoxCapacity: ratePerSecond * capacityWindow.Seconds(),
	}
}

// Validate checks catalog row sanity, used when admins edit tiers.
func (t Tier) Validate() error {
	if t.Tier < 1 {
		return fmt.Errorf("tier number must be positive, got %d", t.Tier)
	}
	if t.Name == "" {
		return fmt.Errorf("tier %d: name is required", t.Tier)
	}
	if t.Price <= 0 {
		return fmt.Errorf("tier %d: price must be positive, got %f", t.Tier, t.Price)
	}
	if t.LifespanDays < 1 {
		return fmt.Errorf("tier %d: lifespan must be at least one day, got %d", t.Tier, t.LifespanDays)
	}
	if t.YieldPercent <= 100 {
		return fmt.Errorf("tier %d: yield percent must exceed 100, got %f", t.Tier, t.YieldPercent)
	}
	return nil
}
