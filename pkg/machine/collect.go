package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/metrics"
)

// CollectResult describes one drained coin box.
type CollectResult struct {
	Machine *Machine
	// Collected is the amount credited to the fortune balance, after any
	// collector salary.
	Collected float64
	// ProfitPortion and PrincipalPortion split the drained box along the
	// machine's payout schedule.
	ProfitPortion    float64
	PrincipalPortion float64
	// Salary is the fee retained from an auto-collect.
	Salary float64
	// OverclockBonus is the extra credit from a spent overclock.
	OverclockBonus float64
	NewBalance     float64
}

// GambleResult is a risky collection outcome.
type GambleResult struct {
	CollectResult
	Won            bool
	WinChance      float64
	Multiplier     float64
	OriginalAmount float64
}

// SellResult describes an early sale.
type SellResult struct {
	Machine           *Machine
	ProfitReturned    float64
	PrincipalReturned float64
	TotalReturned     float64
	Commission        float64
	CommissionRate    float64
	NewBalance        float64
}

// SafeCollect drains the coin box into the owner's fortune balance. The
// loser of a concurrent race on the same machine observes an empty box.
func (s *Store) SafeCollect(ctx context.Context, machineID, userID uuid.UUID) (*CollectResult, error) {
	res, err := s.collect(ctx, machineID, userID, 0, "safe")
	if err != nil {
		return nil, err
	}
	s.log.Info("machine: safe collect",
		"machine", machineID, "user", userID, "amount", res.Collected)
	return res, nil
}

// RiskyCollect drains the coin box through a gamble draw: the credited
// amount is the box content doubled on a win or halved on a loss. The box
// resets either way. Expired machines cannot gamble.
func (s *Store) RiskyCollect(ctx context.Context, machineID, userID uuid.UUID) (*GambleResult, error) {
	settings, err := s.tiers.Settings(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := s.lockMachine(ctx, tx, machineID)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, ErrNotOwner
	}

	now := s.clock.Now().UTC()
	if m.Status != StatusActive || m.IsExpired(now) {
		return nil, ErrMachineNotActive
	}

	m.Advance(now)
	amount := m.CoinBoxCurrent
	if amount <= 0 {
		return nil, ErrNothingToCollect
	}
	if !m.IsFull() {
		return nil, ErrBoxNotFull
	}

	level := settings.GambleLevel(m.GambleLevel)
	outcome, err := s.roller.Roll(level.WinChance)
	if err != nil {
		return nil, fmt.Errorf("failed to roll gamble: %w", err)
	}
	payout := amount * outcome.Multiplier

	// The machine's payout schedule advances by the box content regardless
	// of the draw; the gamble only changes what the user receives.
	profit, principal := m.SplitPayout(amount)
	if err := s.persistDrain(ctx, tx, m, profit, principal, m.Status, now); err != nil {
		return nil, err
	}

	if _, err := s.ledger.LockUser(ctx, tx, userID); err != nil {
		return nil, err
	}
	newBalance, err := s.ledger.Adjust(ctx, tx, userID, ledger.AccountFortune, ledger.KindCollection, payout, "machine", &m.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit risky collect: %w", err)
	}

	mode := "gamble_lose"
	if outcome.Won {
		mode = "gamble_win"
	}
	metrics.RecordCollection(mode, payout)
	s.log.Info("machine: risky collect",
		"machine", machineID, "user", userID, "won", outcome.Won, "amount", amount, "payout", payout)

	return &GambleResult{
		CollectResult: CollectResult{
			Machine:          m,
			Collected:        payout,
			ProfitPortion:    profit,
			PrincipalPortion: principal,
			NewBalance:       newBalance,
		},
		Won:            outcome.Won,
		WinChance:      level.WinChance,
		Multiplier:     outcome.Multiplier,
		OriginalAmount: amount,
	}, nil
}

// AutoCollectPass safe-collects every full coin box whose machine has the
// collector hired, retaining the collector salary from each credit. Invoked
// by the external scheduler.
func (s *Store) AutoCollectPass(ctx context.Context, limit int) (int, error) {
	settings, err := s.tiers.Settings(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}

	now := s.clock.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id FROM machines
		WHERE status = 'active'
		  AND auto_collect
		  AND coin_box_current
		      + GREATEST(EXTRACT(EPOCH FROM (LEAST($1::timestamptz, expires_at) - last_accrued_at)), 0) * rate_per_second
		      >= coin_box_capacity
		LIMIT $2
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to find full coin boxes: %w", err)
	}

	type target struct{ machineID, userID uuid.UUID }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.machineID, &t.userID); err != nil {
			rows.Close()
			return 0, err
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	collected := 0
	for _, t := range targets {
		res, err := s.collect(ctx, t.machineID, t.userID, settings.CollectorSalaryPercent/100, "auto")
		if err != nil {
			// A race with a manual collect empties the box first; skip.
			s.log.Warn("machine: auto collect skipped", "machine", t.machineID, "error", err)
			continue
		}
		collected++
		s.log.Debug("machine: auto collected",
			"machine", t.machineID, "amount", res.Collected, "salary", res.Salary)
	}
	return collected, nil
}

func (s *Store) collect(ctx context.Context, machineID, userID uuid.UUID, salaryRate float64, mode string) (*CollectResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := s.lockMachine(ctx, tx, machineID)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, ErrNotOwner
	}
	if m.Status == StatusSold || m.Status == StatusListed {
		return nil, ErrMachineNotActive
	}

	now := s.clock.Now().UTC()
	m.Advance(now)
	amount := m.CoinBoxCurrent
	if amount <= 0 {
		return nil, ErrNothingToCollect
	}
	// A running machine collects only a full box; expiry makes whatever
	// accrued collectible once.
	if m.Status == StatusActive && !m.IsExpired(now) && !m.IsFull() {
		return nil, ErrBoxNotFull
	}

	status := m.Status
	if status == StatusActive && m.IsExpired(now) {
		status = StatusExpired
	}

	profit, principal := m.SplitPayout(amount)

	// A spent overclock boosts this one collection; the bonus counts
	// entirely as profit and the multiplier resets with the drain.
	bonus := 0.0
	if m.OverclockMultiplier > 0 {
		bonus = amount * (m.OverclockMultiplier - 1)
		profit += bonus
	}

	if err := s.persistDrain(ctx, tx, m, profit, principal, status, now); err != nil {
		return nil, err
	}

	gross := amount + bonus
	salary := gross * salaryRate
	credit := gross - salary

	if _, err := s.ledger.LockUser(ctx, tx, userID); err != nil {
		return nil, err
	}
	newBalance, err := s.ledger.Adjust(ctx, tx, userID, ledger.AccountFortune, ledger.KindCollection, gross, "machine", &m.ID)
	if err != nil {
		return nil, err
	}
	if salary > 0 {
		// The collector fee leaves an explicit audit entry.
		newBalance, err = s.ledger.Adjust(ctx, tx, userID, ledger.AccountFortune, ledger.KindCollectorSalary, -salary, "machine", &m.ID)
		if err != nil {
			return nil, err
		}
	}
	if err := s.ledger.RecordProfit(ctx, tx, userID, profit); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit collect: %w", err)
	}

	metrics.RecordCollection(mode, credit)
	return &CollectResult{
		Machine:          m,
		Collected:        credit,
		ProfitPortion:    profit,
		PrincipalPortion: principal,
		Salary:           salary,
		OverclockBonus:   bonus,
		NewBalance:       newBalance,
	}, nil
}

// UpgradeGamble buys the next gamble level for a machine, priced as a
// percentage of the purchase price.
func (s *Store) UpgradeGamble(ctx context.Context, machineID, userID uuid.UUID) (*Machine, float64, error) {
	settings, err := s.tiers.Settings(ctx)
	if err != nil {
		return nil, 0, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := s.lockMachine(ctx, tx, machineID)
	if err != nil {
		return nil, 0, err
	}
	if m.UserID != userID {
		return nil, 0, ErrNotOwner
	}
	if m.Status != StatusActive {
		return nil, 0, ErrMachineNotActive
	}

	nextLevel := m.GambleLevel + 1
	if nextLevel > settings.MaxGambleLevel() {
		return nil, 0, ErrMaxGambleLevel
	}
	cost := m.Price * settings.GambleLevel(nextLevel).CostPercent / 100

	if _, err := s.ledger.LockUser(ctx, tx, userID); err != nil {
		return nil, 0, err
	}
	if _, err := s.ledger.Adjust(ctx, tx, userID, ledger.AccountFortune, ledger.KindGambleUpgrade, -cost, "machine", &m.ID); err != nil {
		return nil, 0, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE machines SET gamble_level = $1, updated_at = now() WHERE id = $2
	`, nextLevel, m.ID); err != nil {
		return nil, 0, fmt.Errorf("failed to upgrade gamble level: %w", err)
	}
	m.GambleLevel = nextLevel

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("failed to commit gamble upgrade: %w", err)
	}

	s.log.Info("machine: upgraded gamble level",
		"machine", machineID, "level", nextLevel, "cost", cost)
	return m, cost, nil
}

// HireCollector enables auto-collect on a machine for a one-time fee based
// on the tier's gross profit.
func (s *Store) HireCollector(ctx context.Context, machineID, userID uuid.UUID) (*Machine, float64, error) {
	settings, err := s.tiers.Settings(ctx)
	if err != nil {
		return nil, 0, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := s.lockMachine(ctx, tx, machineID)
	if err != nil {
		return nil, 0, err
	}
	if m.UserID != userID {
		return nil, 0, ErrNotOwner
	}
	if m.Status != StatusActive {
		return nil, 0, ErrMachineNotActive
	}
	if m.AutoCollect {
		return nil, 0, ErrCollectorHired
	}

	t, err := s.tiers.Get(ctx, m.Tier)
	if err != nil {
		return nil, 0, err
	}
	cost := settings.CollectorHireCost(t)

	if _, err := s.ledger.LockUser(ctx, tx, userID); err != nil {
		return nil, 0, err
	}
	if _, err := s.ledger.Adjust(ctx, tx, userID, ledger.AccountFortune, ledger.KindCollectorHire, -cost, "machine", &m.ID); err != nil {
		return nil, 0, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE machines SET auto_collect = TRUE, updated_at = now() WHERE id = $1
	`, m.ID); err != nil {
		return nil, 0, fmt.Errorf("failed to hire collector: %w", err)
	}
	m.AutoCollect = true

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("failed to commit collector hire: %w", err)
	}

	s.log.Info("machine: hired collector", "machine", machineID, "cost", cost)
	return m, cost, nil
}

// EarlySell liquidates an active machine. The coin box content pays out in
// full; the not-yet-paid principal returns minus a commission stepped by
// breakeven progress. Past breakeven nothing but the box comes back.
func (s *Store) EarlySell(ctx context.Context, machineID, userID uuid.UUID) (*SellResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := s.lockMachine(ctx, tx, machineID)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, ErrNotOwner
	}
	if m.Status != StatusActive {
		return nil, ErrMachineNotActive
	}

	now := s.clock.Now().UTC()
	m.Advance(now)

	box := m.CoinBoxCurrent
	profitInBox, principalInBox := m.SplitPayout(box)
	commissionRate := m.EarlySellCommissionRate()

	principalHeld := m.PrincipalRemaining() - principalInBox
	principalReturned := principalHeld * (1 - commissionRate)
	commission := principalHeld * commissionRate
	totalReturned := box + principalReturned

	if err := s.persistDrain(ctx, tx, m, profitInBox, principalInBox+principalReturned, StatusSold, now); err != nil {
		return nil, err
	}

	if _, err := s.ledger.LockUser(ctx, tx, userID); err != nil {
		return nil, err
	}
	newBalance, err := s.ledger.Adjust(ctx, tx, userID, ledger.AccountFortune, ledger.KindEarlySell, totalReturned, "machine", &m.ID)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.RecordProfit(ctx, tx, userID, profitInBox); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit early sell: %w", err)
	}

	s.log.Info("machine: early sell",
		"machine", machineID, "returned", totalReturned, "commission", commission)
	return &SellResult{
		Machine:           m,
		ProfitReturned:    profitInBox,
		PrincipalReturned: principalInBox + principalReturned,
		TotalReturned:     totalReturned,
		Commission:        commission,
		CommissionRate:    commissionRate,
		NewBalance:        newBalance,
	}, nil
}

// persistDrain writes back a drained coin box, advancing the payout
// schedule and optionally the lifecycle status, and mirrors the update into
// the in-memory machine.
func (s *Store) persistDrain(ctx context.Context, tx pgx.Tx, m *Machine, profitInc, principalInc float64, status Status, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE machines
		SET coin_box_current = 0,
		    last_accrued_at = $1,
		    profit_paid_out = profit_paid_out + $2,
		    principal_paid_out = principal_paid_out + $3,
		    status = $4,
		    overclock_multiplier = 0,
		    updated_at = now()
		WHERE id = $5
	`, now, profitInc, principalInc, status, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update machine after drain: %w", err)
	}
	m.CoinBoxCurrent = 0
	m.LastAccruedAt = now
	m.ProfitPaidOut += profitInc
	m.PrincipalPaidOut += principalInc
	m.Status = status
	m.OverclockMultiplier = 0
	return nil
}
