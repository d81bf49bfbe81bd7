package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fortune-city/engine/pkg/ledger"
)

// ListingResult describes a machine placed on the secondhand market.
type ListingResult struct {
	Machine        *Machine
	WearPercent    float64
	CommissionRate float64
	// ExpectedPayout is what the seller receives when the listing sells:
	// the tier price minus the wear commission.
	ExpectedPayout float64
}

// MarketSaleResult describes a completed secondhand sale.
type MarketSaleResult struct {
	Machine      *Machine
	Price        float64
	SellerPayout float64
	Commission   float64
}

// Overclock buys a one-shot collection multiplier for an active machine.
// The boost applies to the next collection and resets with the drain; a
// machine carries at most one unspent overclock at a time.
func (s *Store) Overclock(ctx context.Context, machineID, userID uuid.UUID, multiplier float64) (*Machine, float64, error) {
	settings, err := s.tiers.Settings(ctx)
	if err != nil {
		return nil, 0, err
	}
	level, ok := settings.OverclockLevel(multiplier)
	if !ok {
		return nil, 0, ErrUnknownOverclock
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
	now := s.clock.Now().UTC()
	if m.Status != StatusActive || m.IsExpired(now) {
		return nil, 0, ErrMachineNotActive
	}
	if m.OverclockMultiplier > 0 {
		return nil, 0, ErrOverclockActive
	}

	cost := m.Price * level.CostPercent / 100

	if _, err := s.ledger.LockUser(ctx, tx, userID); err != nil {
		return nil, 0, err
	}
	if _, err := s.ledger.Adjust(ctx, tx, userID, ledger.AccountFortune, ledger.KindOverclock, -cost, "machine", &m.ID); err != nil {
		return nil, 0, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE machines SET overclock_multiplier = $1, updated_at = now() WHERE id = $2
	`, level.Multiplier, m.ID); err != nil {
		return nil, 0, fmt.Errorf("failed to set overclock: %w", err)
	}
	m.OverclockMultiplier = level.Multiplier

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("failed to commit overclock purchase: %w", err)
	}

	s.log.Info("machine: overclock purchased",
		"machine", machineID, "multiplier", level.Multiplier, "cost", cost)
	return m, cost, nil
}

// ListForSale puts an active machine on the secondhand market. The coin box
// freezes at its listing-time content and the sale commission locks in from
// the machine's wear.
func (s *Store) ListForSale(ctx context.Context, machineID, userID uuid.UUID) (*ListingResult, error) {
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
	wear := m.WearPercent(now)
	rate := m.SaleCommissionRate(now)
	payout := m.Price * (1 - rate)

	if _, err := tx.Exec(ctx, `
		UPDATE machines
		SET status = 'listed_for_sale',
		    coin_box_current = $1,
		    last_accrued_at = $2,
		    listed_at = $2,
		    listing_commission_rate = $3,
		    updated_at = now()
		WHERE id = $4
	`, m.CoinBoxCurrent, now, rate, m.ID); err != nil {
		return nil, fmt.Errorf("failed to list machine: %w", err)
	}
	m.Status = StatusListed
	m.ListedAt = &now
	m.ListingCommissionRate = rate

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit listing: %w", err)
	}

	s.log.Info("machine: listed for sale",
		"machine", machineID, "wear", wear, "commission", rate, "payout", payout)
	return &ListingResult{
		Machine:        m,
		WearPercent:    wear,
		CommissionRate: rate,
		ExpectedPayout: payout,
	}, nil
}

// CancelListing takes a machine off the market and resumes its accrual from
// now; the time spent listed earns nothing.
func (s *Store) CancelListing(ctx context.Context, machineID, userID uuid.UUID) (*Machine, error) {
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
	if m.Status != StatusListed {
		return nil, ErrNotListed
	}

	now := s.clock.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE machines
		SET status = 'active',
		    last_accrued_at = $1,
		    listed_at = NULL,
		    listing_commission_rate = 0,
		    updated_at = now()
		WHERE id = $2
	`, now, m.ID); err != nil {
		return nil, fmt.Errorf("failed to cancel listing: %w", err)
	}
	m.Status = StatusActive
	m.LastAccruedAt = now
	m.ListedAt = nil
	m.ListingCommissionRate = 0

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit listing cancel: %w", err)
	}

	s.log.Info("machine: listing cancelled", "machine", machineID)
	return m, nil
}

// BuyListed transfers a listed machine to the buyer at the tier price. The
// seller receives the price minus the commission locked at listing time;
// the machine keeps its box, upgrades and schedule and resumes accruing for
// its new owner.
func (s *Store) BuyListed(ctx context.Context, machineID, buyerID uuid.UUID) (*MarketSaleResult, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := s.lockMachine(ctx, tx, machineID)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusListed {
		return nil, ErrNotListed
	}
	sellerID := m.UserID
	if sellerID == buyerID {
		return nil, ErrOwnListing
	}

	price := m.Price
	payout := price * (1 - m.ListingCommissionRate)
	commission := price - payout

	// Lock both ledgers in a fixed order so crossing sales cannot
	// deadlock.
	first, second := buyerID, sellerID
	if bytes.Compare(second[:], first[:]) < 0 {
		first, second = second, first
	}
	if _, err := s.ledger.LockUser(ctx, tx, first); err != nil {
		return nil, err
	}
	if _, err := s.ledger.LockUser(ctx, tx, second); err != nil {
		return nil, err
	}

	if _, err := s.ledger.Adjust(ctx, tx, buyerID, ledger.AccountFortune, ledger.KindMarketPurchase, -price, "machine", &m.ID); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Adjust(ctx, tx, sellerID, ledger.AccountFortune, ledger.KindMarketSale, payout, "machine", &m.ID); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE machines
		SET user_id = $1,
		    status = 'active',
		    last_accrued_at = $2,
		    listed_at = NULL,
		    listing_commission_rate = 0,
		    updated_at = now()
		WHERE id = $3
	`, buyerID, now, m.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrTierOccupied
		}
		return nil, fmt.Errorf("failed to transfer machine: %w", err)
	}
	m.UserID = buyerID
	m.Status = StatusActive
	m.LastAccruedAt = now
	m.ListedAt = nil
	m.ListingCommissionRate = 0

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit market sale: %w", err)
	}

	s.log.Info("machine: sold on market",
		"machine", machineID, "seller", sellerID, "buyer", buyerID,
		"price", price, "payout", payout)
	return &MarketSaleResult{
		Machine:      m,
		Price:        price,
		SellerPayout: payout,
		Commission:   commission,
	}, nil
}

// OpenListings returns machines currently on the market, oldest listing
// first. A zero tier returns every tier.
func (s *Store) OpenListings(ctx context.Context, tierNum, limit int) ([]*Machine, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+machineColumns+` FROM machines
		WHERE status = 'listed_for_sale' AND ($1 = 0 OR tier = $1)
		ORDER BY listed_at
		LIMIT $2
	`, tierNum, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open listings: %w", err)
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
