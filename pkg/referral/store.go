package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/metrics"
	"github.com/fortune-city/engine/pkg/tier"
)

// HasActiveMachineFunc reports whether a user runs at least one active
// machine. Supplied by the machine store; gates referral transfers.
type HasActiveMachineFunc func(ctx context.Context, userID uuid.UUID) (bool, error)

// StoreConfig holds the referral store configuration.
type StoreConfig struct {
	Logger           *slog.Logger
	Pool             *pgxpool.Pool
	Clock            clockwork.Clock
	Ledger           *ledger.Store
	HasActiveMachine HasActiveMachineFunc
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if cfg.Ledger == nil {
		return fmt.Errorf("ledger store is required")
	}
	if cfg.HasActiveMachine == nil {
		return fmt.Errorf("active machine check is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store resolves referral chains and awards commissions.
type Store struct {
	log              *slog.Logger
	pool             *pgxpool.Pool
	clock            clockwork.Clock
	ledger           *ledger.Store
	hasActiveMachine HasActiveMachineFunc
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:              cfg.Logger,
		pool:             cfg.Pool,
		clock:            cfg.Clock,
		ledger:           cfg.Ledger,
		hasActiveMachine: cfg.HasActiveMachine,
	}, nil
}

// Link attaches a referrer to a user by referral code. Self-referral and
// cycles are rejected here, at link time, so the credit-time ancestor walk
// never has to worry about loops.
func (s *Store) Link(ctx context.Context, userID uuid.UUID, referralCode string) error {
	referrer, err := s.ledger.GetUserByReferralCode(ctx, referralCode)
	if err != nil {
		return err
	}
	if referrer.ID == userID {
		return ErrSelfReferral
	}

	user, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.ReferredBy != nil {
		return ErrAlreadyReferred
	}

	// Walk the referrer's upline; if the user appears there, linking would
	// close a cycle.
	ancestors, err := s.ancestors(ctx, s.pool, referrer.ID, 100)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a.UserID == userID {
			return ErrReferralCycle
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET referred_by = $1, updated_at = now()
		WHERE id = $2 AND referred_by IS NULL
	`, referrer.ID, userID)
	if err != nil {
		return fmt.Errorf("failed to link referrer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReferred
	}

	s.log.Info("referral: linked", "user", userID, "referrer", referrer.ID)
	return nil
}

// Ancestors returns the user's upline, nearest first, bounded at MaxLevels.
func (s *Store) Ancestors(ctx context.Context, userID uuid.UUID) ([]Ancestor, error) {
	return s.ancestors(ctx, s.pool, userID, MaxLevels)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) ancestors(ctx context.Context, q querier, userID uuid.UUID, maxDepth int) ([]Ancestor, error) {
	var out []Ancestor
	current := userID
	for level := 1; level <= maxDepth; level++ {
		var referredBy *uuid.UUID
		err := q.QueryRow(ctx, `SELECT referred_by FROM users WHERE id = $1`, current).Scan(&referredBy)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrUserNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to walk referral chain: %w", err)
		}
		if referredBy == nil {
			break
		}
		out = append(out, Ancestor{UserID: *referredBy, Level: level})
		current = *referredBy
	}
	return out, nil
}

// CreditPurchase awards commissions on the fresh-deposit portion of a
// purchase, inside the purchase transaction. Each ancestor earns its level
// rate on the base amount regardless of its own activity.
func (s *Store) CreditPurchase(ctx context.Context, tx pgx.Tx, payerID, machineID uuid.UUID, baseAmount float64, settings tier.Settings) ([]Credit, error) {
	if baseAmount <= 0 {
		return nil, nil
	}

	ancestors, err := s.ancestors(ctx, tx, payerID, MaxLevels)
	if err != nil {
		return nil, err
	}

	var credits []Credit
	for _, a := range ancestors {
		rate, ok := settings.ReferralRates[a.Level]
		if !ok || rate <= 0 {
			continue
		}
		amount := baseAmount * rate

		credit := Credit{
			ID:           uuid.New(),
			UserID:       a.UserID,
			SourceUserID: payerID,
			MachineID:    machineID,
			Level:        a.Level,
			Rate:         rate,
			BaseAmount:   baseAmount,
			Amount:       amount,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO referral_credits (id, user_id, source_user_id, machine_id, level, rate, base_amount, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, credit.ID, credit.UserID, credit.SourceUserID, credit.MachineID, credit.Level, credit.Rate, credit.BaseAmount, credit.Amount); err != nil {
			return nil, fmt.Errorf("failed to insert referral credit: %w", err)
		}

		if _, err := s.ledger.Adjust(ctx, tx, a.UserID, ledger.AccountReferral, ledger.KindReferralBonus, amount, "referral_credit", &credit.ID); err != nil {
			return nil, err
		}

		metrics.ReferralCreditsTotal.WithLabelValues(fmt.Sprintf("%d", a.Level)).Inc()
		metrics.ReferralCreditAmount.Add(amount)
		credits = append(credits, credit)
	}

	if len(credits) > 0 {
		s.log.Info("referral: credited purchase",
			"payer", payerID, "machine", machineID, "base", baseAmount, "levels", len(credits))
	}
	return credits, nil
}

// TransferToFortune moves referral earnings into the fortune balance. Only
// users with an active machine may transfer; this is the withdrawal gate
// for referral money.
func (s *Store) TransferToFortune(ctx context.Context, userID uuid.UUID, amount float64) (*ledger.User, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %f", amount)
	}

	active, err := s.hasActiveMachine(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrNoActiveMachine
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := s.ledger.LockUser(ctx, tx, userID); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Adjust(ctx, tx, userID, ledger.AccountReferral, ledger.KindReferralTransfer, -amount, "", nil); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Adjust(ctx, tx, userID, ledger.AccountFortune, ledger.KindReferralTransfer, amount, "", nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit referral transfer: %w", err)
	}

	s.log.Info("referral: transferred to fortune", "user", userID, "amount", amount)
	return s.ledger.GetUser(ctx, userID)
}

// Stats summarizes a user's referral standing.
func (s *Store) Stats(ctx context.Context, userID uuid.UUID) (*Stats, error) {
	user, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ReferralCode:    user.ReferralCode,
		ReferralBalance: user.ReferralBalance,
		CreditsByLevel:  make(map[int]float64),
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM users WHERE referred_by = $1
	`, userID).Scan(&stats.DirectReferrals)
	if err != nil {
		return nil, fmt.Errorf("failed to count referrals: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT level, COALESCE(SUM(amount), 0)
		FROM referral_credits
		WHERE user_id = $1
		GROUP BY level
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum referral credits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var level int
		var sum float64
		if err := rows.Scan(&level, &sum); err != nil {
			return nil, err
		}
		stats.CreditsByLevel[level] = sum
		stats.TotalEarned += sum
	}
	return stats, rows.Err()
}
