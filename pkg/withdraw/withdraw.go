// Package withdraw implements the two withdrawal settlement flows against
// the Solana treasury: atomic (user signs a prepared transaction carrying
// both the fee and the payout) and instant (the payout wallet sends
// directly). Balances are reserved up front and either settle on chain or
// roll back in full.
package withdraw

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/fortune-city/engine/pkg/economy"
)

var (
	ErrWithdrawalNotFound  = errors.New("withdrawal not found")
	ErrNotOwner            = errors.New("withdrawal does not belong to user")
	ErrWithdrawalInFlight  = errors.New("another withdrawal is already in flight")
	ErrAlreadyProcessed    = errors.New("withdrawal already processed")
	ErrSignatureConflict   = errors.New("withdrawal already confirmed with a different signature")
	ErrAmountOutOfRange    = errors.New("withdrawal amount out of range")
	ErrInvalidWallet       = errors.New("invalid destination wallet address")
	ErrInvalidSignature    = errors.New("invalid transaction signature")
	ErrTreasuryUnavailable = errors.New("treasury cannot cover the withdrawal right now")
)

// Method is how the payout reaches the user.
type Method string

const (
	// MethodAtomic prepares a partially signed transaction the user
	// countersigns; the fee leg and payout leg land together.
	MethodAtomic Method = "atomic"
	// MethodInstant sends from the payout wallet directly to an address.
	MethodInstant Method = "instant"
)

// Status is the settlement state. It only moves forward: pending and
// processing end in exactly one of completed, cancelled or failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Withdrawal is one settlement request.
type Withdrawal struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Method Method
	Status Status

	Amount           float64
	FromFreshDeposit float64
	FromProfit       float64
	TaxRate          float64
	TaxAmount        float64
	NetAmount        float64
	USDTRaw          uint64

	DestinationWallet string
	TxSignature       *string
	FailureReason     *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InFlight reports whether the request still reserves the user's balance.
func (w *Withdrawal) InFlight() bool {
	return w.Status == StatusPending || w.Status == StatusProcessing
}

// Preview is the settlement quote for a withdrawal amount.
type Preview struct {
	Split   economy.WithdrawalSplit
	USDTRaw uint64
	FeeSOL  float64
}

// PreparedAtomic is a reserved atomic withdrawal with its transaction,
// base64-serialized and signed by the payout wallet, awaiting the user's
// countersignature.
type PreparedAtomic struct {
	Withdrawal            *Withdrawal
	SerializedTransaction string
	FeeSOL                float64
}

// ChainClient is the treasury surface the settlement service needs. The
// production implementation is vault.Client.
type ChainClient interface {
	PayoutBalance(ctx context.Context) (uint64, error)
	BuildAtomicWithdrawal(ctx context.Context, userWallet solana.PublicKey, rawAmount uint64, reference string) (string, error)
	PayoutInstant(ctx context.Context, recipient solana.PublicKey, rawAmount uint64, reference string) (solana.Signature, error)
	ConfirmSignature(ctx context.Context, sig solana.Signature) (bool, error)
	FindSignatureByReference(ctx context.Context, reference string) (solana.Signature, bool, error)
}
