// Package ledger is the authoritative per-user monetary state: the three
// spendable balances, the fund-source trackers used for withdrawal taxation,
// and an append-only entry log for every balance mutation.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateWallet     = errors.New("wallet address already registered")
)

// Account identifies one of the user's balances.
type Account string

const (
	// AccountFortune is the main balance: deposits and machine income land
	// here and withdrawals draw from here.
	AccountFortune Account = "fortune"
	// AccountBonus is promotional credit, spendable on purchases but never
	// withdrawable.
	AccountBonus Account = "bonus"
	// AccountReferral collects referral commissions. Withdrawable only by
	// first moving it to the fortune balance, which requires an active
	// machine.
	AccountReferral Account = "referral"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindDeposit            Kind = "deposit"
	KindCollection         Kind = "collection"
	KindCollectorSalary    Kind = "collector_salary"
	KindPurchase           Kind = "purchase"
	KindGambleUpgrade      Kind = "gamble_upgrade"
	KindCollectorHire      Kind = "collector_hire"
	KindOverclock          Kind = "overclock_purchase"
	KindEarlySell          Kind = "early_sell"
	KindMarketPurchase     Kind = "market_purchase"
	KindMarketSale         Kind = "market_sale"
	KindReferralBonus      Kind = "referral_bonus"
	KindReferralTransfer   Kind = "referral_transfer"
	KindWithdrawal         Kind = "withdrawal"
	KindWithdrawalRollback Kind = "withdrawal_rollback"
	KindAdminAdjustment    Kind = "admin_adjustment"
)

// User is one ledger account holder.
type User struct {
	ID              uuid.UUID
	WalletAddress   string
	FortuneBalance  float64
	BonusBalance    float64
	ReferralBalance float64
	// FreshDeposit tracks the cumulative deposited funds not yet consumed
	// by withdrawals. The withdrawable-tax split draws on it.
	FreshDeposit float64
	// ProfitEarned tracks cumulative machine income not yet consumed by
	// withdrawals.
	ProfitEarned   float64
	TotalDeposited float64
	TotalWithdrawn float64
	MaxTierReached int
	ReferralCode   string
	ReferredBy     *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SpendableBalance is what a purchase can draw on across all three
// accounts.
func (u *User) SpendableBalance() float64 {
	return u.FortuneBalance + u.BonusBalance + u.ReferralBalance
}

// Entry is one immutable row of the balance audit log.
type Entry struct {
	ID            int64
	UserID        uuid.UUID
	Account       Account
	Kind          Kind
	Amount        float64
	BalanceAfter  float64
	ReferenceType string
	ReferenceID   *uuid.UUID
	CreatedAt     time.Time
}
