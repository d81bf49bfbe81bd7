// Package gamble implements the risky-collect outcome draw. A draw pulls a
// uniform integer from [0, 1e6) and wins when it falls below
// winChance * 1e6; a win doubles the collected amount, a loss halves it.
package gamble

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	WinMultiplier  = 2.0
	LoseMultiplier = 0.5

	rollSpace = 1_000_000
)

// Outcome is the result of one risky-collect draw.
type Outcome struct {
	Won        bool
	Multiplier float64
	Roll       int64
}

// Roller draws risky-collect outcomes. The production implementation uses
// crypto/rand; tests substitute a deterministic one.
type Roller interface {
	Roll(winChance float64) (Outcome, error)
}

// CryptoRoller draws outcomes from crypto/rand.
type CryptoRoller struct{}

func (CryptoRoller) Roll(winChance float64) (Outcome, error) {
	if winChance < 0 || winChance > 1 {
		return Outcome{}, fmt.Errorf("win chance out of range: %f", winChance)
	}

	n, err := rand.Int(rand.Reader, big.NewInt(rollSpace))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to draw random roll: %w", err)
	}

	return outcomeForRoll(n.Int64(), winChance), nil
}

// FixedRoller returns a predetermined sequence of rolls. Test use only.
type FixedRoller struct {
	Rolls []int64
	next  int
}

func (r *FixedRoller) Roll(winChance float64) (Outcome, error) {
	if r.next >= len(r.Rolls) {
		return Outcome{}, fmt.Errorf("fixed roller exhausted after %d rolls", len(r.Rolls))
	}
	roll := r.Rolls[r.next]
	r.next++
	return outcomeForRoll(roll, winChance), nil
}

func outcomeForRoll(roll int64, winChance float64) Outcome {
	won := roll < int64(winChance*rollSpace)
	multiplier := LoseMultiplier
	if won {
		multiplier = WinMultiplier
	}
	return Outcome{Won: won, Multiplier: multiplier, Roll: roll}
}

// ExpectedValue returns the expected payout multiplier for a win chance.
func ExpectedValue(winChance float64) float64 {
	return winChance*WinMultiplier + (1-winChance)*LoseMultiplier
}
