package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/fortune-city/engine/pkg/gamble"
	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/metrics"
	"github.com/fortune-city/engine/pkg/tier"
)

const machineColumns = `
	id, user_id, tier, status, price, rate_per_second,
	coin_box_capacity, coin_box_current, last_accrued_at,
	profit_amount, profit_paid_out, principal_paid_out,
	reinvest_round, fund_fresh_amount, fund_profit_amount,
	gamble_level, auto_collect, overclock_multiplier, listed_at, listing_commission_rate,
	started_at, expires_at, created_at, updated_at
`

// StoreConfig holds the machine store configuration.
type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
	Ledger *ledger.Store
	Tiers  *tier.Store
	Roller gamble.Roller
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
	if cfg.Tiers == nil {
		return fmt.Errorf("tier store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Roller == nil {
		cfg.Roller = gamble.CryptoRoller{}
	}
	return nil
}

// Store persists machines and runs the collection state machine. Every
// mutation locks the machine row first so concurrent operations on the same
// machine serialize: the loser of a collection race finds an empty coin box.
type Store struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	clock  clockwork.Clock
	ledger *ledger.Store
	tiers  *tier.Store
	roller gamble.Roller
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:    cfg.Logger,
		pool:   cfg.Pool,
		clock:  cfg.Clock,
		ledger: cfg.Ledger,
		tiers:  cfg.Tiers,
		roller: cfg.Roller,
	}, nil
}

// Build derives a new machine from the catalog entry and the buyer's
// reinvest round. The caller persists it with CreateTx inside the purchase
// transaction.
func Build(t tier.Tier, settings tier.Settings, userID uuid.UUID, reinvestRound int, fundFresh, fundProfit float64, now time.Time) *Machine {
	rates := t.ComputeRates(settings.ReductionRate(reinvestRound), settings.CapacityWindow())
	return &Machine{
		ID:               uuid.New(),
		UserID:           userID,
		Tier:             t.Tier,
		Status:           StatusActive,
		Price:            t.Price,
		RatePerSecond:    rates.RatePerSecond,
		CoinBoxCapacity:  rates.CoinBoxCapacity,
		CoinBoxCurrent:   0,
		LastAccruedAt:    now,
		ProfitAmount:     rates.ProfitAmount,
		ReinvestRound:    reinvestRound,
		FundFreshAmount:  fundFresh,
		FundProfitAmount: fundProfit,
		StartedAt:        now,
		ExpiresAt:        now.Add(t.Lifespan()),
	}
}

// CreateTx inserts a machine within an existing transaction.
func (s *Store) CreateTx(ctx context.Context, tx pgx.Tx, m *Machine) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO machines (
			id, user_id, tier, status, price, rate_per_second,
			coin_box_capacity, coin_box_current, last_accrued_at,
			profit_amount, profit_paid_out, principal_paid_out,
			reinvest_round, fund_fresh_amount, fund_profit_amount,
			gamble_level, auto_collect, started_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		m.ID, m.UserID, m.Tier, m.Status, m.Price, m.RatePerSecond,
		m.CoinBoxCapacity, m.CoinBoxCurrent, m.LastAccruedAt,
		m.ProfitAmount, m.ProfitPaidOut, m.PrincipalPaidOut,
		m.ReinvestRound, m.FundFreshAmount, m.FundProfitAmount,
		m.GambleLevel, m.AutoCollect, m.StartedAt, m.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert machine: %w", err)
	}
	return nil
}

// Get loads a machine and advances its coin box view to now in memory. The
// advanced values are a read projection; they are persisted only by
// mutating operations.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Machine, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = $1`, id)
	m, err := scanMachine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMachineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load machine: %w", err)
	}
	m.Advance(s.clock.Now().UTC())
	return m, nil
}

// ListByUser returns a user's machines, newest first, with coin boxes
// advanced to now in memory.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Machine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+machineColumns+` FROM machines
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	now := s.clock.Now().UTC()
	var machines []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		m.Advance(now)
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// CountCompletedTx returns how many paid machines of a tier the user has
// finished (expired or sold). Drives the reinvest round, so it runs inside
// the purchase transaction under the user lock.
func (s *Store) CountCompletedTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, tierNum int) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM machines
		WHERE user_id = $1 AND tier = $2 AND status IN ('expired', 'sold')
	`, userID, tierNum).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed machines: %w", err)
	}
	return n, nil
}

// HasActiveOfTier reports whether the user already runs a machine of this
// tier. Only one active machine per tier is allowed.
func (s *Store) HasActiveOfTier(ctx context.Context, userID uuid.UUID, tierNum int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM machines WHERE user_id = $1 AND tier = $2 AND status = 'active'
		)
	`, userID, tierNum).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active machines: %w", err)
	}
	return exists, nil
}

// HasActive reports whether the user has any active machine. Gates the
// referral-to-fortune transfer.
func (s *Store) HasActive(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM machines WHERE user_id = $1 AND status = 'active')
	`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active machines: %w", err)
	}
	return exists, nil
}

// SweepExpired accrues every overdue machine up to its expiry timestamp and
// flips it to expired. The coin box stays collectible once after the sweep.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE machines
		SET status = 'expired',
		    coin_box_current = LEAST(
		        coin_box_capacity,
		        coin_box_current + GREATEST(EXTRACT(EPOCH FROM (expires_at - last_accrued_at)), 0) * rate_per_second
		    ),
		    last_accrued_at = $1,
		    updated_at = now()
		WHERE status = 'active' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired machines: %w", err)
	}
	swept := int(tag.RowsAffected())
	if swept > 0 {
		metrics.MachinesExpiredTotal.Add(float64(swept))
		s.log.Info("machine: swept expired machines", "count", swept)
	}
	return swept, nil
}

// lockMachine loads a machine row under FOR UPDATE.
func (s *Store) lockMachine(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Machine, error) {
	row := tx.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMachine(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMachineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock machine: %w", err)
	}
	return m, nil
}

// Collection races rely on FOR UPDATE under read committed: the loser's
// lock acquisition re-reads the drained row instead of failing with a
// serialization error.
func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

func scanMachine(row pgx.Row) (*Machine, error) {
	var m Machine
	err := row.Scan(
		&m.ID, &m.UserID, &m.Tier, &m.Status, &m.Price, &m.RatePerSecond,
		&m.CoinBoxCapacity, &m.CoinBoxCurrent, &m.LastAccruedAt,
		&m.ProfitAmount, &m.ProfitPaidOut, &m.PrincipalPaidOut,
		&m.ReinvestRound, &m.FundFreshAmount, &m.FundProfitAmount,
		&m.GambleLevel, &m.AutoCollect, &m.OverclockMultiplier, &m.ListedAt, &m.ListingCommissionRate,
		&m.StartedAt, &m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
