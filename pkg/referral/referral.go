// Package referral implements the three-level referral program: an explicit
// bounded ancestor chain resolved from the referrer links, commission
// credits on the fresh-deposit portion of downline purchases, and the gated
// transfer of referral earnings into the fortune balance.
package referral

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSelfReferral    = errors.New("cannot refer yourself")
	ErrReferralCycle   = errors.New("referral link would create a cycle")
	ErrAlreadyReferred = errors.New("user already has a referrer")
	ErrNoActiveMachine = errors.New("an active machine is required to transfer referral earnings")
)

// MaxLevels bounds the ancestor walk. Commissions never reach further up.
const MaxLevels = 3

// Credit is one awarded commission.
type Credit struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	SourceUserID uuid.UUID
	MachineID    uuid.UUID
	Level        int
	Rate         float64
	BaseAmount   float64
	Amount       float64
	CreatedAt    time.Time
}

// Ancestor is one upline referrer.
type Ancestor struct {
	UserID uuid.UUID
	Level  int
}

// Stats summarizes a user's referral program standing.
type Stats struct {
	ReferralCode    string
	ReferralBalance float64
	TotalEarned     float64
	DirectReferrals int
	CreditsByLevel  map[int]float64
}
