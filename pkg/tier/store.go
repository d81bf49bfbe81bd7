package tier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// ErrUnknownTier is returned when a tier number is not in the catalog.
type ErrUnknownTier struct {
	Tier int
}

func (e ErrUnknownTier) Error() string {
	return fmt.Sprintf("unknown tier %d", e.Tier)
}

// StoreConfig holds the catalog store configuration.
type StoreConfig struct {
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Clock    clockwork.Clock
	CacheTTL time.Duration
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
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}
	return nil
}

// Store serves the tier catalog and economy settings out of PostgreSQL with
// a short-lived in-memory cache. The catalog changes only through admin
// edits, so a stale read of up to CacheTTL is acceptable everywhere.
type Store struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	clock clockwork.Clock
	ttl   time.Duration

	mu        sync.RWMutex
	tiers     map[int]Tier
	settings  Settings
	loadedAt  time.Time
	hasLoaded bool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:   cfg.Logger,
		pool:  cfg.Pool,
		clock: cfg.Clock,
		ttl:   cfg.CacheTTL,
	}, nil
}

// Get returns the catalog entry for a tier number.
func (s *Store) Get(ctx context.Context, tierNum int) (Tier, error) {
	tiers, err := s.all(ctx)
	if err != nil {
		return Tier{}, err
	}
	t, ok := tiers[tierNum]
	if !ok || !t.Active {
		return Tier{}, ErrUnknownTier{Tier: tierNum}
	}
	return t, nil
}

// All returns the active catalog sorted by tier number.
func (s *Store) All(ctx context.Context) ([]Tier, error) {
	tiers, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out, nil
}

// Settings returns the current economy settings snapshot.
func (s *Store) Settings(ctx context.Context) (Settings, error) {
	if err := s.refreshIfStale(ctx); err != nil {
		return Settings{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

// Invalidate drops the cache so the next read hits the database. Called
// after admin edits.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasLoaded = false
}

func (s *Store) all(ctx context.Context) (map[int]Tier, error) {
	if err := s.refreshIfStale(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tiers, nil
}

func (s *Store) refreshIfStale(ctx context.Context) error {
	s.mu.RLock()
	fresh := s.hasLoaded && s.clock.Since(s.loadedAt) < s.ttl
	s.mu.RUnlock()
	if fresh {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasLoaded && s.clock.Since(s.loadedAt) < s.ttl {
		return nil
	}

	tiers, err := s.loadTiers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tier catalog: %w", err)
	}
	settings, err := s.loadSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load engine settings: %w", err)
	}

	s.tiers = tiers
	s.settings = settings
	s.loadedAt = s.clock.Now()
	s.hasLoaded = true
	s.log.Debug("tier: refreshed catalog cache", "tiers", len(tiers))
	return nil
}

func (s *Store) loadTiers(ctx context.Context) (map[int]Tier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tier, name, price, lifespan_days, yield_percent, active
		FROM tiers
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tiers := make(map[int]Tier)
	for rows.Next() {
		var t Tier
		if err := rows.Scan(&t.Tier, &t.Name, &t.Price, &t.LifespanDays, &t.YieldPercent, &t.Active); err != nil {
			return nil, err
		}
		tiers[t.Tier] = t
	}
	return tiers, rows.Err()
}

func (s *Store) loadSettings(ctx context.Context) (Settings, error) {
	settings := DefaultSettings()
	var taxRates, reinvestReduction, referralRates, gambleLevels, overclockLevels []byte
	err := s.pool.QueryRow(ctx, `
		SELECT coin_box_capacity_hours, collector_hire_percent, collector_salary_percent,
		       min_withdrawal, max_withdrawal,
		       tax_rates, reinvest_reduction, referral_rates, gamble_levels, overclock_levels
		FROM engine_settings
		WHERE id = 1
	`).Scan(
		&settings.CoinBoxCapacityHours,
		&settings.CollectorHirePercent,
		&settings.CollectorSalaryPercent,
		&settings.MinWithdrawal,
		&settings.MaxWithdrawal,
		&taxRates,
		&reinvestReduction,
		&referralRates,
		&gambleLevels,
		&overclockLevels,
	)
	if err != nil {
		return Settings{}, err
	}

	if settings.TaxRates, err = decodeIntRateTable(taxRates); err != nil {
		return Settings{}, fmt.Errorf("invalid tax_rates: %w", err)
	}
	if settings.ReinvestReduction, err = decodeIntRateTable(reinvestReduction); err != nil {
		return Settings{}, fmt.Errorf("invalid reinvest_reduction: %w", err)
	}
	if settings.ReferralRates, err = decodeIntRateTable(referralRates); err != nil {
		return Settings{}, fmt.Errorf("invalid referral_rates: %w", err)
	}
	if err = json.Unmarshal(gambleLevels, &settings.GambleLevels); err != nil {
		return Settings{}, fmt.Errorf("invalid gamble_levels: %w", err)
	}
	sort.Slice(settings.GambleLevels, func(i, j int) bool {
		return settings.GambleLevels[i].Level < settings.GambleLevels[j].Level
	})
	if err = json.Unmarshal(overclockLevels, &settings.OverclockLevels); err != nil {
		return Settings{}, fmt.Errorf("invalid overclock_levels: %w", err)
	}
	sort.Slice(settings.OverclockLevels, func(i, j int) bool {
		return settings.OverclockLevels[i].Multiplier < settings.OverclockLevels[j].Multiplier
	})
	return settings, nil
}

// UpdateTier upserts a catalog row and drops the cache.
func (s *Store) UpdateTier(ctx context.Context, t Tier) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tiers (tier, name, price, lifespan_days, yield_percent, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (tier) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			lifespan_days = EXCLUDED.lifespan_days,
			yield_percent = EXCLUDED.yield_percent,
			active = EXCLUDED.active,
			updated_at = now()
	`, t.Tier, t.Name, t.Price, t.LifespanDays, t.YieldPercent, t.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert tier %d: %w", t.Tier, err)
	}
	s.Invalidate()
	s.log.Info("tier: updated catalog entry", "tier", t.Tier, "price", t.Price)
	return nil
}

// UpdateSettings replaces the economy settings row and drops the cache.
func (s *Store) UpdateSettings(ctx context.Context, settings Settings) error {
	taxRates, err := encodeIntRateTable(settings.TaxRates)
	if err != nil {
		return err
	}
	reinvestReduction, err := encodeIntRateTable(settings.ReinvestReduction)
	if err != nil {
		return err
	}
	referralRates, err := encodeIntRateTable(settings.ReferralRates)
	if err != nil {
		return err
	}
	gambleLevels, err := json.Marshal(settings.GambleLevels)
	if err != nil {
		return err
	}
	overclockLevels, err := json.Marshal(settings.OverclockLevels)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE engine_settings SET
			coin_box_capacity_hours = $1,
			collector_hire_percent = $2,
			collector_salary_percent = $3,
			min_withdrawal = $4,
			max_withdrawal = $5,
			tax_rates = $6,
			reinvest_reduction = $7,
			referral_rates = $8,
			gamble_levels = $9,
			overclock_levels = $10,
			updated_at = now()
		WHERE id = 1
	`,
		settings.CoinBoxCapacityHours,
		settings.CollectorHirePercent,
		settings.CollectorSalaryPercent,
		settings.MinWithdrawal,
		settings.MaxWithdrawal,
		taxRates,
		reinvestReduction,
		referralRates,
		gambleLevels,
		overclockLevels,
	)
	if err != nil {
		return fmt.Errorf("failed to update engine settings: %w", err)
	}
	s.Invalidate()
	s.log.Info("tier: updated engine settings")
	return nil
}

// JSONB tables key rates by tier/round/level number as strings.
func decodeIntRateTable(raw []byte) (map[int]float64, error) {
	var byKey map[string]float64
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, err
	}
	out := make(map[int]float64, len(byKey))
	for k, v := range byKey {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("non-integer key %q", k)
		}
		out[n] = v
	}
	return out, nil
}

func encodeIntRateTable(table map[int]float64) ([]byte, error) {
	byKey := make(map[string]float64, len(table))
	for k, v := range table {
		byKey[strconv.Itoa(k)] = v
	}
	return json.Marshal(byKey)
}
