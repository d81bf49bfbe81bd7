package vault

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/fortune-city/engine/pkg/metrics"
	"github.com/fortune-city/engine/utils/pkg/retry"
)

// WithdrawalFeeSOL is the flat fee a user pays inside an atomic withdrawal
// transaction, covering the treasury's operational cost.
const WithdrawalFeeSOL = 0.001

// ClientConfig holds the treasury client configuration. The authority key is
// the vault authority and hot wallet; the payout key signs outgoing USDT
// transfers.
type ClientConfig struct {
	Logger       *slog.Logger
	RPCURL       string
	ProgramID    solana.PublicKey
	Mint         solana.PublicKey
	Authority    solana.PrivateKey
	PayoutWallet solana.PrivateKey
	Clock        clockwork.Clock

	// RequestsPerSecond bounds outgoing RPC traffic. Public Solana RPC
	// nodes throttle aggressively.
	RequestsPerSecond float64
	Retry             retry.Config
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("usdt mint is required")
	}
	if cfg.Authority == nil {
		return errors.New("authority key is required")
	}
	if cfg.PayoutWallet == nil {
		return errors.New("payout wallet key is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Client submits treasury vault and withdrawal transactions over Solana RPC.
type Client struct {
	log     *slog.Logger
	rpc     *solanarpc.Client
	clock   clockwork.Clock
	limiter *rate.Limiter
	retry   retry.Config

	programID  solana.PublicKey
	mint       solana.PublicKey
	authority  solana.PrivateKey
	payout     solana.PrivateKey
	vaultPDA   solana.PublicKey
	vaultBump  uint8
	vaultToken solana.PublicKey
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pda, bump, err := DerivePDA(cfg.ProgramID, cfg.Authority.PublicKey())
	if err != nil {
		return nil, err
	}
	vaultToken, _, err := solana.FindAssociatedTokenAddress(pda, cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive vault token account: %w", err)
	}

	c := &Client{
		log:        cfg.Logger,
		rpc:        solanarpc.New(cfg.RPCURL),
		clock:      cfg.Clock,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		retry:      cfg.Retry,
		programID:  cfg.ProgramID,
		mint:       cfg.Mint,
		authority:  cfg.Authority,
		payout:     cfg.PayoutWallet,
		vaultPDA:   pda,
		vaultBump:  bump,
		vaultToken: vaultToken,
	}
	c.log.Info("vault: client ready",
		"vault", pda, "program", cfg.ProgramID, "payoutWallet", cfg.PayoutWallet.PublicKey())
	return c, nil
}

// VaultAddress returns the derived vault PDA.
func (c *Client) VaultAddress() solana.PublicKey {
	return c.vaultPDA
}

// call wraps one RPC round trip with rate limiting, retries and metrics.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	return retry.Do(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		err := fn()
		metrics.RecordSolanaRequest(method, time.Since(start), err)
		return err
	})
}

// FetchState fetches and decodes the on-chain vault account.
func (c *Client) FetchState(ctx context.Context) (*State, error) {
	var out *solanarpc.GetAccountInfoResult
	err := c.call(ctx, "getAccountInfo", func() error {
		var err error
		out, err = c.rpc.GetAccountInfo(ctx, c.vaultPDA)
		return err
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to fetch vault account: %w", err)
	}
	return DecodeState(out.Value.Data.GetBinary())
}

// TokenBalance returns the raw USDT balance of a wallet's associated token
// account. A missing account reads as zero.
func (c *Client) TokenBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, c.mint)
	if err != nil {
		return 0, fmt.Errorf("failed to derive token account: %w", err)
	}

	var out *solanarpc.GetTokenAccountBalanceResult
	err = c.call(ctx, "getTokenAccountBalance", func() error {
		var err error
		out, err = c.rpc.GetTokenAccountBalance(ctx, ata, solanarpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to fetch token balance: %w", err)
	}
	return strconv.ParseUint(out.Value.Amount, 10, 64)
}

// PayoutBalance returns the payout wallet's raw USDT balance, checked before
// every withdrawal so requests never reserve money the treasury cannot send.
func (c *Client) PayoutBalance(ctx context.Context) (uint64, error) {
	return c.TokenBalance(ctx, c.payout.PublicKey())
}

// BuildAtomicWithdrawal builds the two-legged withdrawal transaction: the
// user pays the flat SOL fee to the payout wallet, the payout wallet sends
// the USDT, and the user's token account is created when absent. The
// returned transaction is signed by the payout wallet only; the user signs
// and submits it, so both legs land or neither does. The memo reference
// lets the reconciliation sweep find the transaction even when the client
// never reports the signature back.
func (c *Client) BuildAtomicWithdrawal(ctx context.Context, userWallet solana.PublicKey, rawAmount uint64, reference string) (string, error) {
	if rawAmount == 0 {
		return "", ErrZeroAmount
	}

	payoutPub := c.payout.PublicKey()
	payoutATA, _, err := solana.FindAssociatedTokenAddress(payoutPub, c.mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive payout token account: %w", err)
	}
	userATA, _, err := solana.FindAssociatedTokenAddress(userWallet, c.mint)
	if err != nil {
		return "", fmt.Errorf("failed to derive user token account: %w", err)
	}

	instructions := []solana.Instruction{
		system.NewTransferInstruction(
			uint64(WithdrawalFeeSOL*float64(solana.LAMPORTS_PER_SOL)),
			userWallet,
			payoutPub,
		).Build(),
	}

	hasATA, err := c.accountExists(ctx, userATA)
	if err != nil {
		return "", err
	}
	if !hasATA {
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(
			payoutPub, // payout wallet funds the account creation
			userWallet,
			c.mint,
		).Build())
	}

	instructions = append(instructions,
		token.NewTransferInstruction(rawAmount, payoutATA, userATA, payoutPub, nil).Build(),
		memoInstruction(reference, payoutPub),
	)

	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return "", err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(userWallet))
	if err != nil {
		return "", fmt.Errorf("failed to build withdrawal transaction: %w", err)
	}
	if _, err := tx.PartialSign(c.signerFor(c.payout)); err != nil {
		return "", fmt.Errorf("failed to sign withdrawal transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize withdrawal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// PayoutInstant sends USDT from the payout wallet straight to a recipient,
// tagging the transaction with a memo reference so it can be found again.
func (c *Client) PayoutInstant(ctx context.Context, recipient solana.PublicKey, rawAmount uint64, reference string) (solana.Signature, error) {
	if rawAmount == 0 {
		return solana.Signature{}, ErrZeroAmount
	}

	payoutPub := c.payout.PublicKey()
	payoutATA, _, err := solana.FindAssociatedTokenAddress(payoutPub, c.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive payout token account: %w", err)
	}
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient, c.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive recipient token account: %w", err)
	}

	var instructions []solana.Instruction
	hasATA, err := c.accountExists(ctx, recipientATA)
	if err != nil {
		return solana.Signature{}, err
	}
	if !hasATA {
		instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(
			payoutPub,
			recipient,
			c.mint,
		).Build())
	}
	instructions = append(instructions,
		token.NewTransferInstruction(rawAmount, payoutATA, recipientATA, payoutPub, nil).Build(),
		memoInstruction(reference, payoutPub),
	)

	sig, err := c.sendSigned(ctx, instructions, payoutPub, c.payout)
	if err != nil {
		return solana.Signature{}, err
	}

	c.log.Info("vault: instant payout sent",
		"recipient", recipient, "raw", rawAmount, "reference", reference, "signature", sig)
	return sig, nil
}

// Initialize creates the vault state account and its token account. The
// program rejects a second initialization for the same authority.
func (c *Client) Initialize(ctx context.Context) (solana.Signature, error) {
	authorityPub := c.authority.PublicKey()

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.Meta(authorityPub).WRITE().SIGNER(),
		solana.Meta(c.vaultPDA).WRITE(),
		solana.Meta(c.mint),
		solana.Meta(c.vaultToken).WRITE(),
		solana.Meta(c.payout.PublicKey()),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
		solana.Meta(solana.SystemProgramID),
	}, anchorDiscriminator("initialize"))

	sig, err := c.sendSigned(ctx, []solana.Instruction{ix}, authorityPub, c.authority)
	if err != nil {
		return solana.Signature{}, err
	}
	c.log.Info("vault: initialized", "vault", c.vaultPDA, "signature", sig)
	return sig, nil
}

// Deposit moves USDT from the authority's wallet into the vault.
func (c *Client) Deposit(ctx context.Context, rawAmount uint64) (solana.Signature, error) {
	if rawAmount == 0 {
		return solana.Signature{}, ErrZeroAmount
	}
	authorityPub := c.authority.PublicKey()
	authorityATA, _, err := solana.FindAssociatedTokenAddress(authorityPub, c.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive authority token account: %w", err)
	}

	data := make([]byte, 16)
	copy(data, anchorDiscriminator("deposit"))
	binary.LittleEndian.PutUint64(data[8:], rawAmount)

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.Meta(authorityPub).WRITE().SIGNER(),
		solana.Meta(c.vaultPDA).WRITE(),
		solana.Meta(c.mint),
		solana.Meta(authorityATA).WRITE(),
		solana.Meta(c.vaultToken).WRITE(),
		solana.Meta(solana.TokenProgramID),
	}, data)

	sig, err := c.sendSigned(ctx, []solana.Instruction{ix}, authorityPub, c.authority)
	if err != nil {
		return solana.Signature{}, err
	}
	c.log.Info("vault: deposit sent", "raw", rawAmount, "signature", sig)
	return sig, nil
}

// Payout moves USDT from the vault to the payout wallet.
func (c *Client) Payout(ctx context.Context, rawAmount uint64) (solana.Signature, error) {
	if rawAmount == 0 {
		return solana.Signature{}, ErrZeroAmount
	}
	authorityPub := c.authority.PublicKey()
	payoutPub := c.payout.PublicKey()
	payoutATA, _, err := solana.FindAssociatedTokenAddress(payoutPub, c.mint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to derive payout token account: %w", err)
	}

	data := make([]byte, 16)
	copy(data, anchorDiscriminator("payout"))
	binary.LittleEndian.PutUint64(data[8:], rawAmount)

	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.Meta(authorityPub).WRITE().SIGNER(),
		solana.Meta(c.vaultPDA).WRITE(),
		solana.Meta(c.mint),
		solana.Meta(c.vaultToken).WRITE(),
		solana.Meta(payoutATA).WRITE(),
		solana.Meta(payoutPub),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SPLAssociatedTokenAccountProgramID),
		solana.Meta(solana.SystemProgramID),
	}, data)

	sig, err := c.sendSigned(ctx, []solana.Instruction{ix}, authorityPub, c.authority)
	if err != nil {
		return solana.Signature{}, err
	}
	metrics.VaultPayoutsTotal.WithLabelValues("success").Inc()
	c.log.Info("vault: payout sent", "raw", rawAmount, "signature", sig)
	return sig, nil
}

// SetPaused flips the on-chain emergency pause flag.
func (c *Client) SetPaused(ctx context.Context, paused bool) (solana.Signature, error) {
	data := make([]byte, 9)
	copy(data, anchorDiscriminator("set_paused"))
	if paused {
		data[8] = 1
	}

	authorityPub := c.authority.PublicKey()
	ix := solana.NewInstruction(c.programID, solana.AccountMetaSlice{
		solana.Meta(authorityPub).WRITE().SIGNER(),
		solana.Meta(c.vaultPDA).WRITE(),
	}, data)

	sig, err := c.sendSigned(ctx, []solana.Instruction{ix}, authorityPub, c.authority)
	if err != nil {
		return solana.Signature{}, err
	}
	c.log.Info("vault: pause flag set", "paused", paused, "signature", sig)
	return sig, nil
}

// ConfirmSignature reports whether a transaction landed without error at
// confirmed commitment or better.
func (c *Client) ConfirmSignature(ctx context.Context, sig solana.Signature) (bool, error) {
	var out *solanarpc.GetSignatureStatusesResult
	err := c.call(ctx, "getSignatureStatuses", func() error {
		var err error
		out, err = c.rpc.GetSignatureStatuses(ctx, true, sig)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to fetch signature status: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return false, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return false, nil
	}
	switch status.ConfirmationStatus {
	case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
		return true, nil
	}
	return false, nil
}

// FindSignatureByReference scans the payout wallet's recent transactions for
// one whose memo carries the reference. Used before resubmitting a payout,
// so an RPC timeout after a successful send never pays twice.
func (c *Client) FindSignatureByReference(ctx context.Context, reference string) (solana.Signature, bool, error) {
	limit := 200
	var sigs []*solanarpc.TransactionSignature
	err := c.call(ctx, "getSignaturesForAddress", func() error {
		var err error
		sigs, err = c.rpc.GetSignaturesForAddressWithOpts(ctx, c.payout.PublicKey(), &solanarpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: solanarpc.CommitmentConfirmed,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, false, fmt.Errorf("failed to list payout signatures: %w", err)
	}

	for _, s := range sigs {
		if s.Err != nil || s.Memo == nil {
			continue
		}
		// RPC memos come back as "[len] text".
		if strings.Contains(*s.Memo, reference) {
			return s.Signature, true, nil
		}
	}
	return solana.Signature{}, false, nil
}

func (c *Client) latestBlockhash(ctx context.Context) (solana.Hash, error) {
	var out *solanarpc.GetLatestBlockhashResult
	err := c.call(ctx, "getLatestBlockhash", func() error {
		var err error
		out, err = c.rpc.GetLatestBlockhash(ctx, solanarpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to fetch blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

func (c *Client) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	err := c.call(ctx, "getAccountInfo", func() error {
		_, err := c.rpc.GetAccountInfo(ctx, account)
		return err
	})
	if errors.Is(err, solanarpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check account %s: %w", account, err)
	}
	return true, nil
}

func (c *Client) sendSigned(ctx context.Context, instructions []solana.Instruction, payer solana.PublicKey, key solana.PrivateKey) (solana.Signature, error) {
	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(c.signerFor(key)); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	var sig solana.Signature
	err = c.call(ctx, "sendTransaction", func() error {
		var err error
		sig, err = c.rpc.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
			PreflightCommitment: solanarpc.CommitmentConfirmed,
		})
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

func (c *Client) signerFor(key solana.PrivateKey) func(solana.PublicKey) *solana.PrivateKey {
	pub := key.PublicKey()
	return func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(pub) {
			return &key
		}
		return nil
	}
}

// anchorDiscriminator is the 8-byte instruction tag of an anchor method.
func anchorDiscriminator(method string) []byte {
	sum := sha256.Sum256([]byte("global:" + method))
	return sum[:8]
}

func memoInstruction(text string, signer solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
		solana.Meta(signer).SIGNER(),
	}, []byte(text))
}
