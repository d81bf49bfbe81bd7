package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/fortune-city/engine/pkg/economy"
	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/metrics"
	"github.com/fortune-city/engine/pkg/notify"
	"github.com/fortune-city/engine/pkg/tier"
	"github.com/fortune-city/engine/pkg/vault"
)

const withdrawalColumns = `id, user_id, method, status, amount, from_fresh_deposit, from_profit,
	tax_rate, tax_amount, net_amount, usdt_raw_amount, destination_wallet,
	tx_signature, failure_reason, created_at, updated_at`

// ServiceConfig holds the settlement service configuration.
type ServiceConfig struct {
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Clock    clockwork.Clock
	Ledger   *ledger.Store
	Tiers    *tier.Store
	Chain    ChainClient
	Notifier notify.Notifier

	// PendingTimeout is how long a prepared atomic withdrawal may sit
	// unconfirmed before the reconciliation sweep releases it.
	PendingTimeout time.Duration
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if cfg.Ledger == nil {
		return fmt.Errorf("ledger store is required")
	}
	if cfg.Tiers == nil {
		return fmt.Errorf("tier store is required")
	}
	if cfg.Chain == nil {
		return fmt.Errorf("chain client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Minute
	}
	return nil
}

// Service settles withdrawals against the treasury.
type Service struct {
	log            *slog.Logger
	pool           *pgxpool.Pool
	clock          clockwork.Clock
	ledger         *ledger.Store
	tiers          *tier.Store
	chain          ChainClient
	notifier       notify.Notifier
	pendingTimeout time.Duration
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log:            cfg.Logger,
		pool:           cfg.Pool,
		clock:          cfg.Clock,
		ledger:         cfg.Ledger,
		tiers:          cfg.Tiers,
		chain:          cfg.Chain,
		notifier:       cfg.Notifier,
		pendingTimeout: cfg.PendingTimeout,
	}, nil
}

// Preview quotes a withdrawal without side effects.
func (s *Service) Preview(ctx context.Context, userID uuid.UUID, amount float64) (*Preview, error) {
	user, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	settings, err := s.tiers.Settings(ctx)
	if err != nil {
		return nil, err
	}
	split, err := s.quote(user, amount, settings)
	if err != nil {
		return nil, err
	}
	return &Preview{
		Split:   split,
		USDTRaw: vault.ToRaw(split.NetAmount),
		FeeSOL:  vault.WithdrawalFeeSOL,
	}, nil
}

func (s *Service) quote(user *ledger.User, amount float64, settings tier.Settings) (economy.WithdrawalSplit, error) {
	if amount < settings.MinWithdrawal || amount > settings.MaxWithdrawal {
		return economy.WithdrawalSplit{}, fmt.Errorf("%w: $%.2f allowed $%.2f..$%.2f",
			ErrAmountOutOfRange, amount, settings.MinWithdrawal, settings.MaxWithdrawal)
	}
	if amount > user.FortuneBalance {
		return economy.WithdrawalSplit{}, ledger.ErrInsufficientBalance
	}
	taxRate := settings.TaxRate(user.MaxTierReached)
	return economy.ComputeWithdrawalSplit(amount, user.FreshDeposit, taxRate), nil
}

// PrepareAtomic reserves the balance and returns the partially signed
// settlement transaction for the user to countersign. The reservation holds
// until Confirm, Cancel or the reconciliation sweep resolves it.
func (s *Service) PrepareAtomic(ctx context.Context, userID uuid.UUID, amount float64, destination string) (*PreparedAtomic, error) {
	destWallet, err := solana.PublicKeyFromBase58(destination)
	if err != nil {
		return nil, ErrInvalidWallet
	}

	w, err := s.reserve(ctx, userID, amount, MethodAtomic, StatusPending, destination)
	if err != nil {
		return nil, err
	}

	serialized, err := s.chain.BuildAtomicWithdrawal(ctx, destWallet, w.USDTRaw, w.ID.String())
	if err != nil {
		// Release the reservation so the user is not stuck waiting for
		// the sweep.
		s.rollback(ctx, w, StatusFailed, "failed to build settlement transaction")
		return nil, fmt.Errorf("%w: %v", ErrTreasuryUnavailable, err)
	}

	metrics.RecordWithdrawal(string(MethodAtomic), string(StatusPending), w.Amount, w.TaxAmount)
	s.log.Info("withdraw: prepared atomic",
		"withdrawal", w.ID, "user", userID, "amount", amount, "net", w.NetAmount)
	return &PreparedAtomic{
		Withdrawal:            w,
		SerializedTransaction: serialized,
		FeeSOL:                vault.WithdrawalFeeSOL,
	}, nil
}

// ConfirmAtomic records the signature of the user-submitted settlement
// transaction. Confirming the same withdrawal with the same signature twice
// is a no-op; a different signature on a completed withdrawal is a conflict.
// An unconfirmed transaction fails the withdrawal and releases the
// reservation.
func (s *Service) ConfirmAtomic(ctx context.Context, userID, withdrawalID uuid.UUID, signature string) (*Withdrawal, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	w, err := s.Get(ctx, userID, withdrawalID)
	if err != nil {
		return nil, err
	}
	if w.Method != MethodAtomic {
		return nil, ErrAlreadyProcessed
	}
	if w.Status == StatusCompleted {
		if w.TxSignature != nil && *w.TxSignature == signature {
			return w, nil
		}
		return nil, ErrSignatureConflict
	}
	if w.Status != StatusPending {
		return nil, ErrAlreadyProcessed
	}

	confirmed, err := s.chain.ConfirmSignature(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to verify settlement transaction: %w", err)
	}
	if !confirmed {
		if err := s.rollbackPending(ctx, withdrawalID, StatusFailed, "transaction not confirmed on chain"); err != nil {
			return nil, err
		}
		metrics.RecordWithdrawal(string(MethodAtomic), string(StatusFailed), w.Amount, w.TaxAmount)
		return s.Get(ctx, userID, withdrawalID)
	}

	updated, err := s.complete(ctx, withdrawalID, signature)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			// Lost a race against a concurrent confirm; re-enter so the
			// same-signature case stays idempotent.
			return s.ConfirmAtomic(ctx, userID, withdrawalID, signature)
		}
		return nil, err
	}

	metrics.RecordWithdrawal(string(MethodAtomic), string(StatusCompleted), updated.Amount, updated.TaxAmount)
	s.notifier.Notify(ctx, notify.Event{
		Type: notify.EventWithdrawalCompleted, UserID: userID,
		Amount: updated.NetAmount, Reference: updated.ID.String(),
	})
	s.log.Info("withdraw: atomic completed", "withdrawal", withdrawalID, "signature", signature)
	return updated, nil
}

// CancelAtomic releases a pending reservation the user decided not to sign.
func (s *Service) CancelAtomic(ctx context.Context, userID, withdrawalID uuid.UUID) (*Withdrawal, error) {
	w, err := s.Get(ctx, userID, withdrawalID)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return nil, ErrAlreadyProcessed
	}
	if err := s.rollbackPending(ctx, withdrawalID, StatusCancelled, ""); err != nil {
		return nil, err
	}

	metrics.RecordWithdrawal(string(w.Method), string(StatusCancelled), w.Amount, w.TaxAmount)
	s.notifier.Notify(ctx, notify.Event{
		Type: notify.EventWithdrawalCancelled, UserID: userID,
		Amount: w.Amount, Reference: w.ID.String(),
	})
	s.log.Info("withdraw: cancelled", "withdrawal", withdrawalID, "user", userID)
	return s.Get(ctx, userID, withdrawalID)
}

// CreateInstant reserves the balance and pays out immediately from the
// payout wallet. A send failure is reconciled against the chain by memo
// before any refund, because an errored send may still have landed.
func (s *Service) CreateInstant(ctx context.Context, userID uuid.UUID, amount float64, destination string) (*Withdrawal, error) {
	destWallet, err := solana.PublicKeyFromBase58(destination)
	if err != nil {
		return nil, ErrInvalidWallet
	}

	w, err := s.reserve(ctx, userID, amount, MethodInstant, StatusProcessing, destination)
	if err != nil {
		return nil, err
	}

	sig, err := s.chain.PayoutInstant(ctx, destWallet, w.USDTRaw, w.ID.String())
	if err != nil {
		return s.recoverInstant(ctx, w, err)
	}

	updated, err := s.complete(ctx, w.ID, sig.String())
	if err != nil {
		return nil, err
	}

	metrics.RecordWithdrawal(string(MethodInstant), string(StatusCompleted), updated.Amount, updated.TaxAmount)
	s.notifier.Notify(ctx, notify.Event{
		Type: notify.EventWithdrawalCompleted, UserID: userID,
		Amount: updated.NetAmount, Reference: updated.ID.String(),
	})
	s.log.Info("withdraw: instant completed",
		"withdrawal", updated.ID, "user", userID, "signature", sig)
	return updated, nil
}

// recoverInstant resolves an instant payout whose send call errored. The
// transaction may still have landed, so the chain is checked by memo before
// any refund: a landed payout completes as usual, an unresolvable lookup
// leaves the row processing for the sweep, and only a definitively absent
// transaction rolls the reservation back.
func (s *Service) recoverInstant(ctx context.Context, w *Withdrawal, payoutErr error) (*Withdrawal, error) {
	sig, found, lookupErr := s.chain.FindSignatureByReference(ctx, w.ID.String())
	if lookupErr == nil && found {
		confirmed, confirmErr := s.chain.ConfirmSignature(ctx, sig)
		if confirmErr == nil && confirmed {
			updated, err := s.complete(ctx, w.ID, sig.String())
			if err != nil {
				return nil, err
			}
			metrics.RecordWithdrawal(string(MethodInstant), string(StatusCompleted), updated.Amount, updated.TaxAmount)
			s.notifier.Notify(ctx, notify.Event{
				Type: notify.EventWithdrawalCompleted, UserID: w.UserID,
				Amount: updated.NetAmount, Reference: updated.ID.String(),
			})
			s.log.Warn("withdraw: instant payout landed despite send error",
				"withdrawal", w.ID, "signature", sig, "error", payoutErr)
			return updated, nil
		}
		lookupErr = confirmErr
	}
	if lookupErr != nil {
		// Chain state unknown. The funds stay reserved and the row stays
		// processing; the sweep settles or refunds it once the memo lookup
		// succeeds.
		s.log.Warn("withdraw: instant payout unresolved, leaving for sweep",
			"withdrawal", w.ID, "payout_error", payoutErr, "lookup_error", lookupErr)
		return nil, fmt.Errorf("%w: %v", ErrTreasuryUnavailable, payoutErr)
	}

	s.rollback(ctx, w, StatusFailed, payoutErr.Error())
	metrics.RecordWithdrawal(string(MethodInstant), string(StatusFailed), w.Amount, w.TaxAmount)
	s.notifier.Notify(ctx, notify.Event{
		Type: notify.EventWithdrawalFailed, UserID: w.UserID,
		Amount: w.Amount, Reference: w.ID.String(),
	})
	return nil, fmt.Errorf("%w: %v", ErrTreasuryUnavailable, payoutErr)
}

// Get returns one withdrawal, owner-checked.
func (s *Service) Get(ctx context.Context, userID, withdrawalID uuid.UUID) (*Withdrawal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, withdrawalID)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal: %w", err)
	}
	if w.UserID != userID {
		return nil, ErrNotOwner
	}
	return w, nil
}

// List returns the user's withdrawals, newest first.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Withdrawal, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ReconcileStale resolves in-flight withdrawals older than the timeout:
// pending atomic reservations the user never signed, and processing instant
// payouts whose send call errored with unknown chain state. Each is checked
// on chain by its memo reference first: a request whose transaction actually
// landed completes instead of refunding, so a lost confirm call or a flaky
// RPC send never double-pays or double-credits.
func (s *Service) ReconcileStale(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-s.pendingTimeout)
	rows, err := s.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale withdrawals: %w", err)
	}
	stale := make([]*Withdrawal, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	resolved := 0
	for _, w := range stale {
		sig, found, err := s.chain.FindSignatureByReference(ctx, w.ID.String())
		if err != nil {
			s.log.Warn("withdraw: sweep chain lookup failed", "withdrawal", w.ID, "error", err)
			continue
		}
		if found {
			confirmed, err := s.chain.ConfirmSignature(ctx, sig)
			if err != nil {
				s.log.Warn("withdraw: sweep confirm failed", "withdrawal", w.ID, "error", err)
				continue
			}
			if confirmed {
				if _, err := s.complete(ctx, w.ID, sig.String()); err != nil && !errors.Is(err, ErrAlreadyProcessed) {
					s.log.Error("withdraw: sweep completion failed", "withdrawal", w.ID, "error", err)
					continue
				}
				metrics.RecordWithdrawal(string(w.Method), string(StatusCompleted), w.Amount, w.TaxAmount)
				s.log.Info("withdraw: sweep completed on-chain settled request",
					"withdrawal", w.ID, "signature", sig)
				resolved++
				continue
			}
		}

		terminal, reason := StatusCancelled, "expired unconfirmed"
		if w.Status == StatusProcessing {
			terminal, reason = StatusFailed, "payout never landed"
		}
		if err := s.rollbackPending(ctx, w.ID, terminal, reason); err != nil {
			if errors.Is(err, ErrAlreadyProcessed) {
				continue
			}
			s.log.Error("withdraw: sweep cancel failed", "withdrawal", w.ID, "error", err)
			continue
		}
		metrics.RecordWithdrawal(string(w.Method), string(terminal), w.Amount, w.TaxAmount)
		s.log.Info("withdraw: sweep rolled back stale request", "withdrawal", w.ID, "status", terminal)
		resolved++
	}
	return resolved, nil
}

// reserve debits the balance, burns the split trackers and inserts the
// withdrawal row, all in one transaction. The partial unique index on
// in-flight withdrawals makes double reservation impossible even across
// racing requests.
func (s *Service) reserve(ctx context.Context, userID uuid.UUID, amount float64, method Method, status Status, destination string) (*Withdrawal, error) {
	settings, err := s.tiers.Settings(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := s.requiredTreasuryBalance(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	user, err := s.ledger.LockUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	split, err := s.quote(user, amount, settings)
	if err != nil {
		return nil, err
	}
	if vault.ToRaw(split.NetAmount) > raw {
		return nil, ErrTreasuryUnavailable
	}

	now := s.clock.Now().UTC()
	w := &Withdrawal{
		ID:                uuid.New(),
		UserID:            userID,
		Method:            method,
		Status:            status,
		Amount:            split.Amount,
		FromFreshDeposit:  split.FromFreshDeposit,
		FromProfit:        split.FromProfit,
		TaxRate:           split.TaxRate,
		TaxAmount:         split.TaxAmount,
		NetAmount:         split.NetAmount,
		USDTRaw:           vault.ToRaw(split.NetAmount),
		DestinationWallet: destination,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO withdrawals (id, user_id, method, status, amount, from_fresh_deposit, from_profit,
			tax_rate, tax_amount, net_amount, usdt_raw_amount, destination_wallet, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, w.ID, w.UserID, w.Method, w.Status, w.Amount, w.FromFreshDeposit, w.FromProfit,
		w.TaxRate, w.TaxAmount, w.NetAmount, int64(w.USDTRaw), w.DestinationWallet, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrWithdrawalInFlight
		}
		return nil, fmt.Errorf("failed to insert withdrawal: %w", err)
	}

	if _, err := s.ledger.Adjust(ctx, tx, userID, ledger.AccountFortune, ledger.KindWithdrawal, -amount, "withdrawal", &w.ID); err != nil {
		return nil, err
	}
	if err := s.ledger.ConsumeWithdrawalSplit(ctx, tx, userID, w.FromFreshDeposit, w.FromProfit, w.NetAmount); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit withdrawal reservation: %w", err)
	}
	return w, nil
}

func (s *Service) requiredTreasuryBalance(ctx context.Context) (uint64, error) {
	raw, err := s.chain.PayoutBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTreasuryUnavailable, err)
	}
	return raw, nil
}

// complete marks an in-flight withdrawal settled with its signature. Guarded
// on the in-flight statuses so a terminal row is never overwritten.
func (s *Service) complete(ctx context.Context, withdrawalID uuid.UUID, signature string) (*Withdrawal, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE withdrawals
		SET status = 'completed', tx_signature = $1, updated_at = $2
		WHERE id = $3 AND status IN ('pending', 'processing')
		RETURNING `+withdrawalColumns+`
	`, signature, s.clock.Now().UTC(), withdrawalID)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyProcessed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete withdrawal: %w", err)
	}
	return w, nil
}

// rollbackPending releases a pending reservation: balance and fund trackers
// come back, the row moves to a terminal status.
func (s *Service) rollbackPending(ctx context.Context, withdrawalID uuid.UUID, status Status, reason string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE withdrawals
		SET status = $1, failure_reason = NULLIF($2, ''), updated_at = $3
		WHERE id = $4 AND status IN ('pending', 'processing')
		RETURNING `+withdrawalColumns+`
	`, status, reason, s.clock.Now().UTC(), withdrawalID)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAlreadyProcessed
	}
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}

	if _, err := s.ledger.LockUser(ctx, tx, w.UserID); err != nil {
		return err
	}
	if _, err := s.ledger.Adjust(ctx, tx, w.UserID, ledger.AccountFortune, ledger.KindWithdrawalRollback, w.Amount, "withdrawal", &w.ID); err != nil {
		return err
	}
	if err := s.ledger.RestoreWithdrawalSplit(ctx, tx, w.UserID, w.FromFreshDeposit, w.FromProfit, w.NetAmount); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit withdrawal rollback: %w", err)
	}
	return nil
}

// rollback is rollbackPending for paths that already hold the withdrawal and
// only log on failure; the sweep picks up anything it misses.
func (s *Service) rollback(ctx context.Context, w *Withdrawal, status Status, reason string) {
	if err := s.rollbackPending(ctx, w.ID, status, reason); err != nil {
		s.log.Error("withdraw: rollback failed", "withdrawal", w.ID, "error", err)
	}
}

func scanWithdrawal(row pgx.Row) (*Withdrawal, error) {
	var w Withdrawal
	var raw int64
	err := row.Scan(&w.ID, &w.UserID, &w.Method, &w.Status, &w.Amount, &w.FromFreshDeposit, &w.FromProfit,
		&w.TaxRate, &w.TaxAmount, &w.NetAmount, &raw, &w.DestinationWallet,
		&w.TxSignature, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.USDTRaw = uint64(raw)
	return &w, nil
}
