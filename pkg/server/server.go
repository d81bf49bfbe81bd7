// Package server exposes the engine over HTTP: machine operations,
// purchases, referrals and withdrawal settlement, plus the operational
// endpoints (health, readiness, metrics).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortune-city/engine/pkg/economy"
	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/machine"
	"github.com/fortune-city/engine/pkg/metrics"
	"github.com/fortune-city/engine/pkg/notify"
	"github.com/fortune-city/engine/pkg/referral"
	"github.com/fortune-city/engine/pkg/tier"
	"github.com/fortune-city/engine/pkg/vault"
	"github.com/fortune-city/engine/pkg/withdraw"
)

// VaultReader is the read-only treasury surface the public vault endpoint
// uses. Nil when the deployment runs without a chain connection.
type VaultReader interface {
	VaultAddress() solana.PublicKey
	FetchState(ctx context.Context) (*vault.State, error)
	PayoutBalance(ctx context.Context) (uint64, error)
}

// Config holds the HTTP server configuration.
type Config struct {
	Logger *slog.Logger
	Addr   string
	Pool   *pgxpool.Pool

	Ledger      *ledger.Store
	Tiers       *tier.Store
	Machines    *machine.Store
	Referrals   *referral.Store
	Purchases   *economy.Service
	Withdrawals *withdraw.Service
	Vault       VaultReader
	Notifier    notify.Notifier

	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

func (cfg *Config) Validate() error {
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
	if cfg.Machines == nil {
		return fmt.Errorf("machine store is required")
	}
	if cfg.Referrals == nil {
		return fmt.Errorf("referral store is required")
	}
	if cfg.Purchases == nil {
		return fmt.Errorf("purchase service is required")
	}
	if cfg.Withdrawals == nil {
		return fmt.Errorf("withdrawal service is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	return nil
}

// Server is the engine HTTP server.
type Server struct {
	log     *slog.Logger
	cfg     Config
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{log: cfg.Logger, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", s.handleCreateUser)
		r.Get("/users/{userID}", s.handleGetUser)
		r.Get("/users/{userID}/ledger", s.handleListLedger)
		r.Get("/users/{userID}/machines", s.handleListMachines)
		r.Get("/users/{userID}/referrals", s.handleReferralStats)
		r.Get("/users/{userID}/withdrawals", s.handleListWithdrawals)

		r.Post("/deposits", s.handleCreditDeposit)

		r.Get("/tiers", s.handleListTiers)

		r.Post("/machines", s.handlePurchase)
		r.Get("/machines/{machineID}", s.handleGetMachine)
		r.Post("/machines/{machineID}/collect", s.handleSafeCollect)
		r.Post("/machines/{machineID}/collect/risky", s.handleRiskyCollect)
		r.Post("/machines/{machineID}/gamble-upgrade", s.handleUpgradeGamble)
		r.Post("/machines/{machineID}/collector", s.handleHireCollector)
		r.Post("/machines/{machineID}/overclock", s.handleOverclock)
		r.Post("/machines/{machineID}/sell", s.handleEarlySell)
		r.Post("/machines/{machineID}/list", s.handleListForSale)
		r.Post("/machines/{machineID}/unlist", s.handleCancelListing)
		r.Post("/machines/{machineID}/buy", s.handleBuyListed)

		r.Get("/market", s.handleOpenListings)

		r.Post("/referrals/link", s.handleReferralLink)
		r.Post("/referrals/transfer", s.handleReferralTransfer)

		r.Post("/withdrawals/preview", s.handleWithdrawPreview)
		r.Post("/withdrawals/atomic", s.handleWithdrawPrepareAtomic)
		r.Post("/withdrawals/{withdrawalID}/confirm", s.handleWithdrawConfirm)
		r.Post("/withdrawals/{withdrawalID}/cancel", s.handleWithdrawCancel)
		r.Post("/withdrawals/instant", s.handleWithdrawInstant)

		r.Get("/vault", s.handleVaultStats)
	})

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.Addr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Pool.Ping(ctx); err != nil {
		s.log.Debug("server: readyz database ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database not ready\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
