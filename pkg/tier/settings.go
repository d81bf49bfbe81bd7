package tier

import (
	"time"
)

// GambleLevel is one step of the risky-collect upgrade ladder. Cost is a
// percent of the machine purchase price, paid once per upgrade.
type GambleLevel struct {
	Level       int     `json:"level"`
	WinChance   float64 `json:"winChance"`
	CostPercent float64 `json:"costPercent"`
}

// OverclockLevel is one purchasable collection multiplier. Cost is a percent
// of the machine purchase price; the boost applies to a single collection.
type OverclockLevel struct {
	Multiplier  float64 `json:"multiplier"`
	CostPercent float64 `json:"costPercent"`
}

// Settings is the tunable economy configuration. A single snapshot is loaded
// per request so that one operation never sees two different knob values.
type Settings struct {
	CoinBoxCapacityHours   float64          `json:"coinBoxCapacityHours"`
	CollectorHirePercent   float64          `json:"collectorHirePercent"`
	CollectorSalaryPercent float64          `json:"collectorSalaryPercent"`
	MinWithdrawal          float64          `json:"minWithdrawal"`
	MaxWithdrawal          float64          `json:"maxWithdrawal"`
	TaxRates               map[int]float64  `json:"taxRates"`
	ReinvestReduction      map[int]float64  `json:"reinvestReduction"`
	ReferralRates          map[int]float64  `json:"referralRates"`
	GambleLevels           []GambleLevel    `json:"gambleLevels"`
	OverclockLevels        []OverclockLevel `json:"overclockLevels"`
}

// DefaultSettings returns the shipped economy configuration. The database
// seed matches these values; they are also used as the fallback when the
// settings row cannot be loaded.
func DefaultSettings() Settings {
	return Settings{
		CoinBoxCapacityHours:   12,
		CollectorHirePercent:   10,
		CollectorSalaryPercent: 5,
		MinWithdrawal:          1,
		MaxWithdrawal:          10000,
		TaxRates: map[int]float64{
			1: 0.50, 2: 0.45, 3: 0.40, 4: 0.35, 5: 0.30,
			6: 0.25, 7: 0.20, 8: 0.15, 9: 0.10, 10: 0.05,
		},
		ReinvestReduction: map[int]float64{
			1: 0, 2: 0.35, 3: 0.50, 4: 0.60, 5: 0.70, 6: 0.80, 7: 0.90,
		},
		ReferralRates: map[int]float64{
			1: 0.05, 2: 0.03, 3: 0.01,
		},
		GambleLevels: []GambleLevel{
			{Level: 0, WinChance: 0.1333, CostPercent: 0},
			{Level: 1, WinChance: 0.1533, CostPercent: 3},
			{Level: 2, WinChance: 0.1733, CostPercent: 6},
			{Level: 3, WinChance: 0.1867, CostPercent: 10},
		},
		OverclockLevels: []OverclockLevel{
			{Multiplier: 1.2, CostPercent: 5},
			{Multiplier: 1.5, CostPercent: 12},
			{Multiplier: 2.0, CostPercent: 25},
		},
	}
}

// Bounds for the coin box fill window. An operator typo in the settings row
// must not produce a box that fills instantly or never.
const (
	minCapacityWindow = time.Hour
	maxCapacityWindow = 168 * time.Hour
)

// CapacityWindow returns the coin box fill window as a duration, clamped to
// [1h, 168h].
func (s Settings) CapacityWindow() time.Duration {
	window := time.Duration(s.CoinBoxCapacityHours * float64(time.Hour))
	if window < minCapacityWindow {
		return minCapacityWindow
	}
	if window > maxCapacityWindow {
		return maxCapacityWindow
	}
	return window
}

// TaxRate returns the withdrawal tax rate for a user whose highest tier ever
// owned is maxTier. Users who never owned a machine pay the tier-1 rate.
func (s Settings) TaxRate(maxTier int) float64 {
	if maxTier < 1 {
		maxTier = 1
	}
	if rate, ok := s.TaxRates[maxTier]; ok {
		return rate
	}
	// Above the table the rate keeps the last configured value.
	best, bestTier := 0.50, 0
	for t, rate := range s.TaxRates {
		if t <= maxTier && t > bestTier {
			best, bestTier = rate, t
		}
	}
	return best
}

// ReductionRate returns the reinvest profit reduction for the given round.
// Round 1 is the first purchase of a tier.
func (s Settings) ReductionRate(reinvestRound int) float64 {
	if rate, ok := s.ReinvestReduction[reinvestRound]; ok {
		return rate
	}
	return 0.85
}

// GambleLevel returns the risky-collect parameters for a level, clamping to
// the highest configured level.
func (s Settings) GambleLevel(level int) GambleLevel {
	if len(s.GambleLevels) == 0 {
		return GambleLevel{}
	}
	if level < 0 {
		level = 0
	}
	if level >= len(s.GambleLevels) {
		level = len(s.GambleLevels) - 1
	}
	return s.GambleLevels[level]
}

// OverclockLevel returns the configured overclock level matching the
// multiplier, or false when no such level is offered.
func (s Settings) OverclockLevel(multiplier float64) (OverclockLevel, bool) {
	for _, l := range s.OverclockLevels {
		if l.Multiplier == multiplier {
			return l, true
		}
	}
	return OverclockLevel{}, false
}

// MaxGambleLevel returns the highest configured gamble level.
func (s Settings) MaxGambleLevel() int {
	if len(s.GambleLevels) == 0 {
		return 0
	}
	return s.GambleLevels[len(s.GambleLevels)-1].Level
}

// CollectorHireCost returns the one-time FORTUNE cost of hiring the auto
// collector for a machine of tier t: a percentage of the tier's gross
// profit.
func (s Settings) CollectorHireCost(t Tier) float64 {
	return t.Profit() * s.CollectorHirePercent / 100
}
