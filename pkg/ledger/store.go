package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"
)

const userColumns = `
	id, wallet_address, fortune_balance, bonus_balance, referral_balance,
	fresh_deposit, profit_earned, total_deposited, total_withdrawn,
	max_tier_reached, referral_code, referred_by, created_at, updated_at
`

// StoreConfig holds the ledger store configuration.
type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store persists users, balances and the entry log. Balance mutations are
// transaction-scoped: callers open a pgx transaction, lock the user row, and
// apply adjustments so that a multi-step settlement commits or rolls back as
// one unit.
type Store struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool, clock: cfg.Clock}, nil
}

// Pool exposes the underlying pool so collaborating stores can share
// transactions.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// CreateUser registers a wallet and assigns a fresh referral code.
func (s *Store) CreateUser(ctx context.Context, walletAddress string, referredBy *uuid.UUID) (*User, error) {
	for attempt := 0; attempt < 3; attempt++ {
		code, err := newReferralCode()
		if err != nil {
			return nil, err
		}

		row := s.pool.QueryRow(ctx, `
			INSERT INTO users (id, wallet_address, referral_code, referred_by)
			VALUES ($1, $2, $3, $4)
			RETURNING `+userColumns,
			uuid.New(), walletAddress, code, referredBy)

		user, err := scanUser(row)
		if err == nil {
			s.log.Info("ledger: created user", "user", user.ID, "wallet", walletAddress)
			return user, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "users_wallet_address_key" {
				return nil, ErrDuplicateWallet
			}
			// Referral code collision, draw again.
			continue
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return nil, fmt.Errorf("failed to allocate a unique referral code")
}

// GetUser loads a user by ID.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.getUser(ctx, s.pool, "id", id)
}

// GetUserByWallet loads a user by wallet address.
func (s *Store) GetUserByWallet(ctx context.Context, walletAddress string) (*User, error) {
	return s.getUser(ctx, s.pool, "wallet_address", walletAddress)
}

// GetUserByReferralCode loads a user by referral code.
func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (*User, error) {
	return s.getUser(ctx, s.pool, "referral_code", code)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getUser(ctx context.Context, q queryRower, column string, value any) (*User, error) {
	row := q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user by %s: %w", column, err)
	}
	return user, nil
}

// LockUser loads a user row under FOR UPDATE within the given transaction.
// Every settlement that touches balances starts here so that concurrent
// mutations of the same user serialize.
func (s *Store) LockUser(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*User, error) {
	row := tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}
	return user, nil
}

// Adjust applies a signed delta to one of the user's balances and appends an
// entry to the audit log. A debit that would drive the balance negative
// fails with ErrInsufficientBalance and leaves the row untouched. Must be
// called with the user row locked.
func (s *Store) Adjust(ctx context.Context, tx pgx.Tx, userID uuid.UUID, account Account, kind Kind, amount float64, refType string, refID *uuid.UUID) (float64, error) {
	column, err := balanceColumn(account)
	if err != nil {
		return 0, err
	}

	var balanceAfter float64
	err = tx.QueryRow(ctx, `
		UPDATE users
		SET `+column+` = `+column+` + $1, updated_at = now()
		WHERE id = $2 AND `+column+` + $1 >= -1e-9
		RETURNING `+column,
		amount, userID).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row exists (the caller holds its lock), so the guard failed.
		return 0, fmt.Errorf("%w: %s debit of %f", ErrInsufficientBalance, account, -amount)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust %s balance: %w", account, err)
	}
	if balanceAfter < 0 {
		// Float noise from the guard epsilon, clamp the stored value.
		if _, err := tx.Exec(ctx, `UPDATE users SET `+column+` = 0 WHERE id = $1`, userID); err != nil {
			return 0, fmt.Errorf("failed to clamp %s balance: %w", account, err)
		}
		balanceAfter = 0
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (user_id, account, kind, amount, balance_after, reference_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, userID, account, kind, amount, balanceAfter, refType, refID)
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return balanceAfter, nil
}

// CreditDeposit credits a confirmed stablecoin deposit to the fortune
// balance and grows the fresh-deposit tracker.
func (s *Store) CreditDeposit(ctx context.Context, userID uuid.UUID, amount float64, refID *uuid.UUID) (*User, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %f", amount)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := s.LockUser(ctx, tx, userID); err != nil {
		return nil, err
	}
	if _, err := s.Adjust(ctx, tx, userID, AccountFortune, KindDeposit, amount, "deposit", refID); err != nil {
		return nil, err
	}
	if err := s.RecordFreshDeposit(ctx, tx, userID, amount); err != nil {
		return nil, err
	}

	user, err := s.getUser(ctx, tx, "id", userID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit deposit: %w", err)
	}

	s.log.Info("ledger: credited deposit", "user", userID, "amount", amount)
	return user, nil
}

// RecordFreshDeposit grows the fresh-deposit and lifetime-deposit trackers.
func (s *Store) RecordFreshDeposit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount float64) error {
	if amount <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE users
		SET fresh_deposit = fresh_deposit + $1,
		    total_deposited = total_deposited + $1,
		    updated_at = now()
		WHERE id = $2
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to record fresh deposit: %w", err)
	}
	return nil
}

// RecordProfit grows the profit tracker after a machine income credit.
func (s *Store) RecordProfit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount float64) error {
	if amount <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE users SET profit_earned = profit_earned + $1, updated_at = now()
		WHERE id = $2
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to record profit: %w", err)
	}
	return nil
}

// RecordFundReturn grows both trackers when a machine sale returns its fund
// source to the balance.
func (s *Store) RecordFundReturn(ctx context.Context, tx pgx.Tx, userID uuid.UUID, fresh, profit float64) error {
	_, err := tx.Exec(ctx, `
		UPDATE users
		SET fresh_deposit = fresh_deposit + GREATEST($1, 0),
		    profit_earned = profit_earned + GREATEST($2, 0),
		    updated_at = now()
		WHERE id = $3
	`, fresh, profit, userID)
	if err != nil {
		return fmt.Errorf("failed to record fund return: %w", err)
	}
	return nil
}

// ConsumeWithdrawalSplit burns the withdrawal split out of the trackers and
// grows the lifetime-withdrawn counter. Tracker decrements clamp at zero.
func (s *Store) ConsumeWithdrawalSplit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, fromFresh, fromProfit, netAmount float64) error {
	_, err := tx.Exec(ctx, `
		UPDATE users
		SET fresh_deposit = GREATEST(fresh_deposit - $1, 0),
		    profit_earned = GREATEST(profit_earned - $2, 0),
		    total_withdrawn = total_withdrawn + $3,
		    updated_at = now()
		WHERE id = $4
	`, fromFresh, fromProfit, netAmount, userID)
	if err != nil {
		return fmt.Errorf("failed to consume withdrawal split: %w", err)
	}
	return nil
}

// RestoreWithdrawalSplit reverses ConsumeWithdrawalSplit when a withdrawal
// is cancelled or fails before funds left the treasury.
func (s *Store) RestoreWithdrawalSplit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, fromFresh, fromProfit, netAmount float64) error {
	_, err := tx.Exec(ctx, `
		UPDATE users
		SET fresh_deposit = fresh_deposit + $1,
		    profit_earned = profit_earned + $2,
		    total_withdrawn = GREATEST(total_withdrawn - $3, 0),
		    updated_at = now()
		WHERE id = $4
	`, fromFresh, fromProfit, netAmount, userID)
	if err != nil {
		return fmt.Errorf("failed to restore withdrawal split: %w", err)
	}
	return nil
}

// RecordTierReached raises the user's max-tier watermark. Never lowers it.
func (s *Store) RecordTierReached(ctx context.Context, tx pgx.Tx, userID uuid.UUID, tierNum int) error {
	_, err := tx.Exec(ctx, `
		UPDATE users SET max_tier_reached = GREATEST(max_tier_reached, $1), updated_at = now()
		WHERE id = $2
	`, tierNum, userID)
	if err != nil {
		return fmt.Errorf("failed to record tier reached: %w", err)
	}
	return nil
}

// Entries returns the most recent audit-log entries for a user.
func (s *Store) Entries(ctx context.Context, userID uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, account, kind, amount, balance_after,
		       COALESCE(reference_type, ''), reference_id, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Account, &e.Kind, &e.Amount, &e.BalanceAfter, &e.ReferenceType, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func balanceColumn(account Account) (string, error) {
	switch account {
	case AccountFortune:
		return "fortune_balance", nil
	case AccountBonus:
		return "bonus_balance", nil
	case AccountReferral:
		return "referral_balance", nil
	default:
		return "", fmt.Errorf("unknown account %q", account)
	}
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.WalletAddress, &u.FortuneBalance, &u.BonusBalance, &u.ReferralBalance,
		&u.FreshDeposit, &u.ProfitEarned, &u.TotalDeposited, &u.TotalWithdrawn,
		&u.MaxTierReached, &u.ReferralCode, &u.ReferredBy, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Referral codes are 8 characters of base58, drawn from crypto/rand.
func newReferralCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to draw referral code: %w", err)
	}
	code := base58.Encode(buf)
	if len(code) > 8 {
		code = code[:8]
	}
	return code, nil
}
