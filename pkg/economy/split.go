// Package economy holds the money-splitting calculators and the purchase
// orchestration. The calculators are pure: every withdrawal, purchase and
// referral credit is computed here and applied to the ledger elsewhere,
// inside one transaction per triggering action.
package economy

import (
	"math"

	"github.com/fortune-city/engine/pkg/ledger"
)

// WithdrawalSplit is the tax decomposition of a withdrawal amount.
type WithdrawalSplit struct {
	Amount           float64
	FromFreshDeposit float64
	FromProfit       float64
	TaxRate          float64
	TaxAmount        float64
	NetAmount        float64
}

// ComputeWithdrawalSplit decomposes a withdrawal into its untaxed
// fresh-deposit portion and its taxed profit portion. Fresh deposits cover
// the amount first; only the remainder counts as profit and is taxed at the
// user's tier rate. If fresh deposits cover everything, the tax is zero.
func ComputeWithdrawalSplit(amount, remainingFreshDeposit, taxRate float64) WithdrawalSplit {
	fromFresh := math.Min(amount, math.Max(remainingFreshDeposit, 0))
	fromProfit := amount - fromFresh
	taxAmount := fromProfit * taxRate
	return WithdrawalSplit{
		Amount:           amount,
		FromFreshDeposit: fromFresh,
		FromProfit:       fromProfit,
		TaxRate:          taxRate,
		TaxAmount:        taxAmount,
		NetAmount:        amount - taxAmount,
	}
}

// SourceBreakdown apportions spent fortune balance between fresh deposits
// and accumulated profit.
type SourceBreakdown struct {
	FreshDeposit  float64
	ProfitDerived float64
	Total         float64
}

// ComputeSourceBreakdown estimates how much of a spend is backed by fresh
// deposits, using the fresh share of the current fortune balance. Referral
// commissions are paid on the fresh portion only, so profit recycling earns
// the upline nothing.
func ComputeSourceBreakdown(fortuneBalance, freshDeposits, amountToSpend float64) SourceBreakdown {
	if fortuneBalance <= 0 || amountToSpend <= 0 {
		return SourceBreakdown{Total: amountToSpend}
	}
	freshRatio := math.Min(math.Max(freshDeposits/fortuneBalance, 0), 1)
	fresh := amountToSpend * freshRatio
	return SourceBreakdown{
		FreshDeposit:  fresh,
		ProfitDerived: amountToSpend - fresh,
		Total:         amountToSpend,
	}
}

// PaymentPlan is how a purchase draws on the three balances. Bonus credit
// spends first, then the fortune balance, then referral earnings.
type PaymentPlan struct {
	FromBonus    float64
	FromFortune  float64
	FromReferral float64
}

// Total returns the planned spend.
func (p PaymentPlan) Total() float64 {
	return p.FromBonus + p.FromFortune + p.FromReferral
}

// PlanPayment allocates a price across the user's balances in spend order.
// Returns ErrInsufficientBalance when the three balances together cannot
// cover it.
func PlanPayment(u *ledger.User, price float64) (PaymentPlan, error) {
	if u.SpendableBalance() < price {
		return PaymentPlan{}, ledger.ErrInsufficientBalance
	}
	fromBonus := math.Min(u.BonusBalance, price)
	remaining := price - fromBonus
	fromFortune := math.Min(u.FortuneBalance, remaining)
	fromReferral := remaining - fromFortune
	return PaymentPlan{
		FromBonus:    fromBonus,
		FromFortune:  fromFortune,
		FromReferral: fromReferral,
	}, nil
}
