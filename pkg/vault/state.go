// Package vault talks to the treasury vault on Solana: a program-derived
// account that custodies the game's USDT float. The pure State mirror tracks
// the same invariants the on-chain program enforces, so settlement logic and
// the admin read model can be exercised without a validator.
package vault

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrZeroAmount          = errors.New("amount must be greater than zero")
	ErrVaultPaused         = errors.New("vault is paused")
	ErrInsufficientBalance = errors.New("insufficient vault balance")
	ErrInvalidPayoutWallet = errors.New("recipient is not the configured payout wallet")
	ErrAlreadyInitialized  = errors.New("vault already initialized")
	ErrNotInitialized      = errors.New("vault not initialized")
)

// USDTDecimals is the decimal count of the USDT SPL mint. All on-chain
// amounts are raw integer units at this scale.
const USDTDecimals = 6

const rawPerUSD = 1_000_000

// ToRaw converts a USD amount to raw USDT units, truncating sub-unit dust.
func ToRaw(usd float64) uint64 {
	if usd <= 0 {
		return 0
	}
	return uint64(math.Floor(usd * rawPerUSD))
}

// FromRaw converts raw USDT units back to USD.
func FromRaw(raw uint64) float64 {
	return float64(raw) / rawPerUSD
}

// pdaSeed is the vault account seed; the PDA is derived per authority.
var pdaSeed = []byte("treasury_vault")

// DerivePDA returns the vault address for an authority under a program.
func DerivePDA(programID, authority solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{pdaSeed, authority.Bytes()}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive vault address: %w", err)
	}
	return addr, bump, nil
}

// State mirrors the on-chain treasury vault account.
type State struct {
	Authority        solana.PublicKey
	PayoutWallet     solana.PublicKey
	Mint             solana.PublicKey
	TokenAccount     solana.PublicKey
	TotalDeposited   uint64
	TotalPaidOut     uint64
	DepositCount     uint64
	PayoutCount      uint64
	LastDepositAt    int64
	LastPayoutAt     int64
	Bump             uint8
	Paused           bool

	initialized bool
}

// Initialize sets the vault's immutable configuration. Callable once.
func (s *State) Initialize(authority, payoutWallet, mint, tokenAccount solana.PublicKey, bump uint8) error {
	if s.initialized {
		return ErrAlreadyInitialized
	}
	s.Authority = authority
	s.PayoutWallet = payoutWallet
	s.Mint = mint
	s.TokenAccount = tokenAccount
	s.Bump = bump
	s.initialized = true
	return nil
}

// Initialized reports whether Initialize has run.
func (s *State) Initialized() bool {
	return s.initialized
}

// Custody is the USDT the vault currently holds: everything deposited that
// has not been paid out.
func (s *State) Custody() uint64 {
	return s.TotalDeposited - s.TotalPaidOut
}

// Deposit records a USDT deposit into the vault.
func (s *State) Deposit(amount uint64, now time.Time) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.Paused {
		return ErrVaultPaused
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	s.TotalDeposited += amount
	s.DepositCount++
	s.LastDepositAt = now.Unix()
	return nil
}

// Payout records a USDT payout. The recipient must be the configured payout
// wallet; the vault never sends anywhere else.
func (s *State) Payout(amount uint64, recipient solana.PublicKey, now time.Time) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	if s.Paused {
		return ErrVaultPaused
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	if !recipient.Equals(s.PayoutWallet) {
		return ErrInvalidPayoutWallet
	}
	if s.Custody() < amount {
		return ErrInsufficientBalance
	}
	s.TotalPaidOut += amount
	s.PayoutCount++
	s.LastPayoutAt = now.Unix()
	return nil
}

// SetPaused flips the emergency pause flag.
func (s *State) SetPaused(paused bool) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	s.Paused = paused
	return nil
}

// accountDiscriminatorLen is the anchor account tag preceding the payload.
const accountDiscriminatorLen = 8

const stateDataLen = accountDiscriminatorLen + 4*solana.PublicKeyLength + 6*8 + 1 + 1

// DecodeState parses a raw vault account fetched from chain.
func DecodeState(data []byte) (*State, error) {
	if len(data) < stateDataLen {
		return nil, fmt.Errorf("vault account too short: %d bytes", len(data))
	}
	data = data[accountDiscriminatorLen:]

	s := &State{initialized: true}
	for _, dst := range []*solana.PublicKey{&s.Authority, &s.PayoutWallet, &s.Mint, &s.TokenAccount} {
		*dst = solana.PublicKeyFromBytes(data[:solana.PublicKeyLength])
		data = data[solana.PublicKeyLength:]
	}
	for _, dst := range []*uint64{&s.TotalDeposited, &s.TotalPaidOut, &s.DepositCount, &s.PayoutCount} {
		*dst = binary.LittleEndian.Uint64(data[:8])
		data = data[8:]
	}
	s.LastDepositAt = int64(binary.LittleEndian.Uint64(data[:8]))
	s.LastPayoutAt = int64(binary.LittleEndian.Uint64(data[8:16]))
	s.Bump = data[16]
	s.Paused = data[17] != 0
	return s, nil
}
