package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/fortune-city/engine/pkg/economy"
	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/machine"
	"github.com/fortune-city/engine/pkg/pg"
	"github.com/fortune-city/engine/pkg/referral"
	"github.com/fortune-city/engine/pkg/server"
	"github.com/fortune-city/engine/pkg/tier"
	"github.com/fortune-city/engine/pkg/vault"
	"github.com/fortune-city/engine/pkg/withdraw"
	"github.com/fortune-city/engine/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development keeps its settings in a .env file; absence is fine.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	addrFlag := flag.String("addr", ":8080", "HTTP listen address (or set ENGINE_ADDR env var)")
	allowedOriginsFlag := flag.String("allowed-origins", "*", "comma-separated CORS origins (or set ENGINE_ALLOWED_ORIGINS env var)")

	postgresURLFlag := flag.String("postgres-url", "", "PostgreSQL connection URL (or set POSTGRES_URL env var)")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "run database migrations on startup")

	solanaRPCURLFlag := flag.String("solana-rpc-url", "", "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	vaultProgramIDFlag := flag.String("vault-program-id", "", "treasury vault program id (or set VAULT_PROGRAM_ID env var)")
	usdtMintFlag := flag.String("usdt-mint", "", "USDT mint address (or set USDT_MINT env var)")

	expireSweepIntervalFlag := flag.Duration("expire-sweep-interval", time.Minute, "how often to expire machines past their lifespan")
	autoCollectIntervalFlag := flag.Duration("auto-collect-interval", time.Minute, "how often to run the hired-collector pass")
	autoCollectBatchFlag := flag.Int("auto-collect-batch", 500, "maximum machines per hired-collector pass")
	withdrawalSweepIntervalFlag := flag.Duration("withdrawal-sweep-interval", 5*time.Minute, "how often to reconcile stale pending withdrawals")
	pendingTimeoutFlag := flag.Duration("pending-timeout", 30*time.Minute, "how long a prepared withdrawal may sit unconfirmed")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("ENGINE_ADDR"); env != "" {
		*addrFlag = env
	}
	if env := os.Getenv("ENGINE_ALLOWED_ORIGINS"); env != "" {
		*allowedOriginsFlag = env
	}
	if env := os.Getenv("POSTGRES_URL"); env != "" {
		*postgresURLFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*solanaRPCURLFlag = env
	}
	if env := os.Getenv("VAULT_PROGRAM_ID"); env != "" {
		*vaultProgramIDFlag = env
	}
	if env := os.Getenv("USDT_MINT"); env != "" {
		*usdtMintFlag = env
	}

	if *postgresURLFlag == "" {
		return fmt.Errorf("--postgres-url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, pg.Config{
		Logger:        log,
		URL:           *postgresURLFlag,
		RunMigrations: *migrationsEnableFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	tierStore, err := tier.NewStore(tier.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	machineStore, err := machine.NewStore(machine.StoreConfig{
		Logger: log, Pool: pool, Ledger: ledgerStore, Tiers: tierStore,
	})
	if err != nil {
		return err
	}
	referralStore, err := referral.NewStore(referral.StoreConfig{
		Logger: log, Pool: pool, Ledger: ledgerStore,
		HasActiveMachine: machineStore.HasActive,
	})
	if err != nil {
		return err
	}
	purchaseSvc, err := economy.NewService(economy.ServiceConfig{
		Logger: log, Pool: pool,
		Ledger: ledgerStore, Machines: machineStore, Tiers: tierStore, Referrals: referralStore,
	})
	if err != nil {
		return err
	}

	chain, err := newVaultClient(log, *solanaRPCURLFlag, *vaultProgramIDFlag, *usdtMintFlag)
	if err != nil {
		return err
	}

	withdrawSvc, err := withdraw.NewService(withdraw.ServiceConfig{
		Logger: log, Pool: pool,
		Ledger: ledgerStore, Tiers: tierStore, Chain: chain,
		PendingTimeout: *pendingTimeoutFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		Addr:           *addrFlag,
		Pool:           pool,
		Ledger:         ledgerStore,
		Tiers:          tierStore,
		Machines:       machineStore,
		Referrals:      referralStore,
		Purchases:      purchaseSvc,
		Withdrawals:    withdrawSvc,
		Vault:          chain,
		AllowedOrigins: strings.Split(*allowedOriginsFlag, ","),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		return runEvery(ctx, *expireSweepIntervalFlag, func() {
			if n, err := machineStore.SweepExpired(ctx); err != nil {
				log.Error("engine: expire sweep failed", "error", err)
			} else if n > 0 {
				log.Info("engine: expired machines", "count", n)
			}
		})
	})

	g.Go(func() error {
		return runEvery(ctx, *autoCollectIntervalFlag, func() {
			if n, err := machineStore.AutoCollectPass(ctx, *autoCollectBatchFlag); err != nil {
				log.Error("engine: auto-collect pass failed", "error", err)
			} else if n > 0 {
				log.Debug("engine: auto-collected machines", "count", n)
			}
		})
	})

	g.Go(func() error {
		return runEvery(ctx, *withdrawalSweepIntervalFlag, func() {
			if n, err := withdrawSvc.ReconcileStale(ctx); err != nil {
				log.Error("engine: withdrawal sweep failed", "error", err)
			} else if n > 0 {
				log.Info("engine: reconciled stale withdrawals", "count", n)
			}
		})
	})

	log.Info("engine: started", "address", *addrFlag)
	return g.Wait()
}

// newVaultClient builds the treasury client from flags plus the two signing
// keys, which are only ever read from the environment.
func newVaultClient(log *slog.Logger, rpcURL, programID, mint string) (*vault.Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("--solana-rpc-url is required")
	}
	program, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("invalid --vault-program-id: %w", err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid --usdt-mint: %w", err)
	}
	authority, err := solana.PrivateKeyFromBase58(os.Getenv("TREASURY_AUTHORITY_KEY"))
	if err != nil {
		return nil, fmt.Errorf("invalid TREASURY_AUTHORITY_KEY: %w", err)
	}
	payout, err := solana.PrivateKeyFromBase58(os.Getenv("TREASURY_PAYOUT_KEY"))
	if err != nil {
		return nil, fmt.Errorf("invalid TREASURY_PAYOUT_KEY: %w", err)
	}
	return vault.NewClient(vault.ClientConfig{
		Logger:       log,
		RPCURL:       rpcURL,
		ProgramID:    program,
		Mint:         mintKey,
		Authority:    authority,
		PayoutWallet: payout,
	})
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}
