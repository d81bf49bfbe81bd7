// Package machine implements per-machine income accrual and collection: the
// coin box fills lazily from wall-clock time at the machine's rate, capped at
// capacity and stopping at expiry, and drains into the owner's ledger through
// the safe or risky collection path.
package machine

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMachineNotFound  = errors.New("machine not found")
	ErrNotOwner         = errors.New("machine does not belong to user")
	ErrNothingToCollect = errors.New("nothing to collect")
	ErrBoxNotFull       = errors.New("coin box is not full yet")
	ErrMachineNotActive = errors.New("machine is not active")
	ErrMaxGambleLevel   = errors.New("maximum gamble level reached")
	ErrCollectorHired   = errors.New("collector already hired")
	ErrOverclockActive  = errors.New("machine already has an active overclock")
	ErrUnknownOverclock = errors.New("no such overclock level")
	ErrNotListed        = errors.New("machine is not listed for sale")
	ErrOwnListing       = errors.New("cannot buy your own listing")
	ErrTierOccupied     = errors.New("buyer already runs a machine of this tier")
)

// Status is the machine lifecycle state. Transitions only move forward:
// active machines expire or sell, terminal machines never reactivate.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusListed  Status = "listed_for_sale"
	StatusSold    Status = "sold"
)

// Machine is one purchased income unit.
type Machine struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Tier   int
	Status Status

	Price           float64
	RatePerSecond   float64
	CoinBoxCapacity float64
	CoinBoxCurrent  float64
	LastAccruedAt   time.Time

	// ProfitAmount is the lifetime profit schedule after reinvest reduction.
	// Collections pay profit first, then principal.
	ProfitAmount     float64
	ProfitPaidOut    float64
	PrincipalPaidOut float64

	ReinvestRound int
	// Fund source of the purchase, used to apportion sale returns.
	FundFreshAmount  float64
	FundProfitAmount float64

	GambleLevel int
	AutoCollect bool

	// OverclockMultiplier boosts the next collection when > 0 and resets
	// to zero once the box drains.
	OverclockMultiplier float64

	// Listing snapshot, set while the machine sits on the marketplace.
	ListedAt              *time.Time
	ListingCommissionRate float64

	StartedAt time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Advance accrues income for the wall-clock time elapsed since the last
// accrual, capped at capacity. Accrual stops at the expiry timestamp.
// Calling with a now at or before the last accrual is a no-op, so repeated
// advancement with the same clock reading is idempotent.
func (m *Machine) Advance(now time.Time) {
	// A listed or finished machine's box is frozen at its last drain or
	// listing time.
	if m.Status == StatusListed || m.Status == StatusSold {
		return
	}
	cutoff := now
	if cutoff.After(m.ExpiresAt) {
		cutoff = m.ExpiresAt
	}
	if elapsed := cutoff.Sub(m.LastAccruedAt).Seconds(); elapsed > 0 {
		m.CoinBoxCurrent = math.Min(m.CoinBoxCapacity, m.CoinBoxCurrent+elapsed*m.RatePerSecond)
	}
	if now.After(m.LastAccruedAt) {
		m.LastAccruedAt = now
	}
}

// IsFull reports whether the coin box reached capacity.
func (m *Machine) IsFull() bool {
	return m.CoinBoxCurrent >= m.CoinBoxCapacity
}

// IsExpired reports whether the machine stopped accruing for good.
func (m *Machine) IsExpired(now time.Time) bool {
	return m.Status == StatusExpired || !now.Before(m.ExpiresAt)
}

// SecondsUntilFull returns how long until the coin box reaches capacity at
// the current rate, assuming the box was just advanced to now. Zero when
// already full or expired.
func (m *Machine) SecondsUntilFull(now time.Time) float64 {
	if m.IsFull() || m.IsExpired(now) || m.RatePerSecond <= 0 {
		return 0
	}
	return math.Ceil((m.CoinBoxCapacity - m.CoinBoxCurrent) / m.RatePerSecond)
}

// ProfitRemaining is the unpaid portion of the profit schedule.
func (m *Machine) ProfitRemaining() float64 {
	return math.Max(0, m.ProfitAmount-m.ProfitPaidOut)
}

// PrincipalRemaining is the unpaid portion of the purchase price.
func (m *Machine) PrincipalRemaining() float64 {
	return math.Max(0, m.Price-m.PrincipalPaidOut)
}

// BreakevenReached reports whether the machine has paid out its full profit
// schedule; everything after that returns principal only.
func (m *Machine) BreakevenReached() bool {
	return m.ProfitPaidOut >= m.ProfitAmount
}

// SplitPayout apportions a coin-box amount between the profit and principal
// schedules. Profit pays first.
func (m *Machine) SplitPayout(amount float64) (profit, principal float64) {
	profit = math.Min(amount, m.ProfitRemaining())
	principal = math.Max(0, amount-profit)
	return profit, principal
}

// WearPercent is how far the machine has run through its lifespan, 0..100.
func (m *Machine) WearPercent(now time.Time) float64 {
	lifespan := m.ExpiresAt.Sub(m.StartedAt).Seconds()
	if lifespan <= 0 {
		return 100
	}
	elapsed := now.Sub(m.StartedAt).Seconds()
	return math.Max(0, math.Min(100, elapsed/lifespan*100))
}

// SaleCommissionRate returns the marketplace commission on a secondhand
// sale, stepped by wear at listing time.
func (m *Machine) SaleCommissionRate(now time.Time) float64 {
	wear := m.WearPercent(now)
	switch {
	case wear < 20:
		return 0.10
	case wear < 40:
		return 0.20
	case wear < 60:
		return 0.35
	case wear < 80:
		return 0.55
	default:
		return 0.75
	}
}

// EarlySellCommissionRate returns the commission on an early sale, stepped
// by how far the machine has progressed toward breakeven. Past breakeven the
// remaining principal is no longer recoverable.
func (m *Machine) EarlySellCommissionRate() float64 {
	if m.ProfitAmount <= 0 {
		return 1.0
	}
	progress := m.ProfitPaidOut / m.ProfitAmount * 100
	switch {
	case progress < 20:
		return 0.20
	case progress < 40:
		return 0.35
	case progress < 60:
		return 0.55
	case progress < 80:
		return 0.75
	case progress < 100:
		return 0.90
	default:
		return 1.0
	}
}
