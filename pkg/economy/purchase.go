package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/machine"
	"github.com/fortune-city/engine/pkg/metrics"
	"github.com/fortune-city/engine/pkg/referral"
	"github.com/fortune-city/engine/pkg/tier"
)

// ErrTierOccupied rejects a purchase while an active machine of the same
// tier exists. It must expire or sell first.
var ErrTierOccupied = errors.New("an active machine of this tier already exists")

// ServiceConfig holds the purchase service configuration.
type ServiceConfig struct {
	Logger    *slog.Logger
	Pool      *pgxpool.Pool
	Clock     clockwork.Clock
	Ledger    *ledger.Store
	Machines  *machine.Store
	Tiers     *tier.Store
	Referrals *referral.Store
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
	if cfg.Machines == nil {
		return fmt.Errorf("machine store is required")
	}
	if cfg.Tiers == nil {
		return fmt.Errorf("tier store is required")
	}
	if cfg.Referrals == nil {
		return fmt.Errorf("referral store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service orchestrates machine purchases: balance deduction in spend order,
// reinvest-round derivation, fund-source tagging, and upline referral
// credits, all in one transaction.
type Service struct {
	log       *slog.Logger
	pool      *pgxpool.Pool
	clock     clockwork.Clock
	ledger    *ledger.Store
	machines  *machine.Store
	tiers     *tier.Store
	referrals *referral.Store
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log:       cfg.Logger,
		pool:      cfg.Pool,
		clock:     cfg.Clock,
		ledger:    cfg.Ledger,
		machines:  cfg.Machines,
		tiers:     cfg.Tiers,
		referrals: cfg.Referrals,
	}, nil
}

// PurchaseResult describes a completed machine purchase.
type PurchaseResult struct {
	Machine       *machine.Machine
	Plan          PaymentPlan
	Breakdown     SourceBreakdown
	ReinvestRound int
	ReductionRate float64
	Credits       []referral.Credit
	User          *ledger.User
}

// Purchase buys one machine of the given tier for the user.
func (s *Service) Purchase(ctx context.Context, userID uuid.UUID, tierNum int) (*PurchaseResult, error) {
	t, err := s.tiers.Get(ctx, tierNum)
	if err != nil {
		return nil, err
	}
	settings, err := s.tiers.Settings(ctx)
	if err != nil {
		return nil, err
	}

	occupied, err := s.machines.HasActiveOfTier(ctx, userID, tierNum)
	if err != nil {
		return nil, err
	}
	if occupied {
		return nil, ErrTierOccupied
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locked, err := s.ledger.LockUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	// An upgrade to a new highest tier restarts the reinvest penalty;
	// repeating a tier counts every finished machine of that tier. Both
	// reads sit under the user lock so concurrent purchases derive the
	// round from settled state.
	reinvestRound := 1
	isUpgrade := tierNum > locked.MaxTierReached
	if !isUpgrade {
		completed, err := s.machines.CountCompletedTx(ctx, tx, userID, tierNum)
		if err != nil {
			return nil, err
		}
		reinvestRound = completed + 1
	}

	plan, err := PlanPayment(locked, t.Price)
	if err != nil {
		return nil, err
	}
	// Only the fortune-balance portion can carry fresh deposits; bonus and
	// referral money never do.
	breakdown := ComputeSourceBreakdown(locked.FortuneBalance, locked.FreshDeposit, plan.FromFortune)

	m := machine.Build(t, settings, userID, reinvestRound, breakdown.FreshDeposit, breakdown.ProfitDerived, s.clock.Now().UTC())
	if err := s.machines.CreateTx(ctx, tx, m); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrTierOccupied
		}
		return nil, err
	}

	for _, debit := range []struct {
		account ledger.Account
		amount  float64
	}{
		{ledger.AccountBonus, plan.FromBonus},
		{ledger.AccountFortune, plan.FromFortune},
		{ledger.AccountReferral, plan.FromReferral},
	} {
		if debit.amount <= 0 {
			continue
		}
		if _, err := s.ledger.Adjust(ctx, tx, userID, debit.account, ledger.KindPurchase, -debit.amount, "machine", &m.ID); err != nil {
			return nil, err
		}
	}

	if isUpgrade {
		if err := s.ledger.RecordTierReached(ctx, tx, userID, tierNum); err != nil {
			return nil, err
		}
	}

	credits, err := s.referrals.CreditPurchase(ctx, tx, userID, m.ID, breakdown.FreshDeposit, settings)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit purchase: %w", err)
	}

	metrics.MachinePurchasesTotal.WithLabelValues(strconv.Itoa(tierNum)).Inc()
	s.log.Info("economy: purchased machine",
		"user", userID, "tier", tierNum, "price", t.Price, "round", reinvestRound)

	after, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{
		Machine:       m,
		Plan:          plan,
		Breakdown:     breakdown,
		ReinvestRound: reinvestRound,
		ReductionRate: settings.ReductionRate(reinvestRound),
		Credits:       credits,
		User:          after,
	}, nil
}
