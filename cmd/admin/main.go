package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/machine"
	"github.com/fortune-city/engine/pkg/pg"
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
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	postgresURLFlag := flag.String("postgres-url", "", "PostgreSQL connection URL (or set POSTGRES_URL env var)")

	// Treasury configuration, needed by the vault and withdrawal commands
	solanaRPCURLFlag := flag.String("solana-rpc-url", "", "Solana RPC endpoint (or set SOLANA_RPC_URL env var)")
	vaultProgramIDFlag := flag.String("vault-program-id", "", "treasury vault program id (or set VAULT_PROGRAM_ID env var)")
	usdtMintFlag := flag.String("usdt-mint", "", "USDT mint address (or set USDT_MINT env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run database migrations using goose")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show database migration status")
	expireSweepFlag := flag.Bool("expire-sweep", false, "Expire machines past their lifespan")
	autoCollectFlag := flag.Bool("auto-collect", false, "Run one hired-collector collection pass")
	withdrawalSweepFlag := flag.Bool("withdrawal-sweep", false, "Reconcile stale pending withdrawals against the chain")
	vaultInitFlag := flag.Bool("vault-init", false, "Initialize the on-chain treasury vault (one-time)")
	vaultStatsFlag := flag.Bool("vault-stats", false, "Print on-chain treasury vault state")
	vaultDepositFlag := flag.Float64("vault-deposit", 0, "Deposit the given USD amount into the treasury vault")
	vaultPayoutFlag := flag.Float64("vault-payout", 0, "Move the given USD amount from the vault to the payout wallet")
	vaultPauseFlag := flag.Bool("vault-pause", false, "Pause treasury vault deposits and payouts")
	vaultResumeFlag := flag.Bool("vault-resume", false, "Resume a paused treasury vault")

	// Command options
	autoCollectBatchFlag := flag.Int("auto-collect-batch", 500, "Maximum machines per hired-collector pass")
	pendingTimeoutFlag := flag.Duration("pending-timeout", 30*time.Minute, "How long a prepared withdrawal may sit unconfirmed")
	flag.Parse()

	log := logger.New(*verboseFlag)

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

	ctx := context.Background()

	if *migrateFlag {
		if *postgresURLFlag == "" {
			return fmt.Errorf("--postgres-url is required for --migrate")
		}
		return pg.RunMigrations(log, *postgresURLFlag)
	}

	if *migrateStatusFlag {
		if *postgresURLFlag == "" {
			return fmt.Errorf("--postgres-url is required for --migrate-status")
		}
		return pg.MigrationStatus(log, *postgresURLFlag)
	}

	if *expireSweepFlag {
		pool, machines, _, _, err := openStores(ctx, log, *postgresURLFlag)
		if err != nil {
			return err
		}
		defer pool.Close()
		n, err := machines.SweepExpired(ctx)
		if err != nil {
			return err
		}
		log.Info("admin: expired machines", "count", n)
		return nil
	}

	if *autoCollectFlag {
		pool, machines, _, _, err := openStores(ctx, log, *postgresURLFlag)
		if err != nil {
			return err
		}
		defer pool.Close()
		n, err := machines.AutoCollectPass(ctx, *autoCollectBatchFlag)
		if err != nil {
			return err
		}
		log.Info("admin: auto-collected machines", "count", n)
		return nil
	}

	if *withdrawalSweepFlag {
		pool, _, ledgerStore, tierStore, err := openStores(ctx, log, *postgresURLFlag)
		if err != nil {
			return err
		}
		defer pool.Close()
		chain, err := newVaultClient(log, *solanaRPCURLFlag, *vaultProgramIDFlag, *usdtMintFlag)
		if err != nil {
			return err
		}
		svc, err := withdraw.NewService(withdraw.ServiceConfig{
			Logger: log, Pool: pool,
			Ledger: ledgerStore, Tiers: tierStore, Chain: chain,
			PendingTimeout: *pendingTimeoutFlag,
		})
		if err != nil {
			return err
		}
		n, err := svc.ReconcileStale(ctx)
		if err != nil {
			return err
		}
		log.Info("admin: reconciled stale withdrawals", "count", n)
		return nil
	}

	if *vaultInitFlag || *vaultStatsFlag || *vaultDepositFlag > 0 || *vaultPayoutFlag > 0 || *vaultPauseFlag || *vaultResumeFlag {
		chain, err := newVaultClient(log, *solanaRPCURLFlag, *vaultProgramIDFlag, *usdtMintFlag)
		if err != nil {
			return err
		}
		return runVaultCommand(ctx, log, chain, vaultCommand{
			init:    *vaultInitFlag,
			stats:   *vaultStatsFlag,
			deposit: *vaultDepositFlag,
			payout:  *vaultPayoutFlag,
			pause:   *vaultPauseFlag,
			resume:  *vaultResumeFlag,
		})
	}

	flag.Usage()
	return fmt.Errorf("no command specified")
}

func openStores(ctx context.Context, log *slog.Logger, postgresURL string) (*pgxpool.Pool, *machine.Store, *ledger.Store, *tier.Store, error) {
	if postgresURL == "" {
		return nil, nil, nil, nil, fmt.Errorf("--postgres-url is required")
	}
	pool, err := pg.Connect(ctx, pg.Config{Logger: log, URL: postgresURL})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}
	tierStore, err := tier.NewStore(tier.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}
	machineStore, err := machine.NewStore(machine.StoreConfig{
		Logger: log, Pool: pool, Ledger: ledgerStore, Tiers: tierStore,
	})
	if err != nil {
		pool.Close()
		return nil, nil, nil, nil, err
	}
	return pool, machineStore, ledgerStore, tierStore, nil
}

type vaultCommand struct {
	init    bool
	stats   bool
	deposit float64
	payout  float64
	pause   bool
	resume  bool
}

func runVaultCommand(ctx context.Context, log *slog.Logger, chain *vault.Client, cmd vaultCommand) error {
	switch {
	case cmd.init:
		sig, err := chain.Initialize(ctx)
		if err != nil {
			return err
		}
		log.Info("admin: vault initialized", "address", chain.VaultAddress(), "signature", sig)
		return nil
	case cmd.deposit > 0:
		sig, err := chain.Deposit(ctx, vault.ToRaw(cmd.deposit))
		if err != nil {
			return err
		}
		log.Info("admin: vault deposit submitted", "amount", cmd.deposit, "signature", sig)
		return nil
	case cmd.payout > 0:
		sig, err := chain.Payout(ctx, vault.ToRaw(cmd.payout))
		if err != nil {
			return err
		}
		log.Info("admin: vault payout submitted", "amount", cmd.payout, "signature", sig)
		return nil
	case cmd.pause:
		sig, err := chain.SetPaused(ctx, true)
		if err != nil {
			return err
		}
		log.Info("admin: vault paused", "signature", sig)
		return nil
	case cmd.resume:
		sig, err := chain.SetPaused(ctx, false)
		if err != nil {
			return err
		}
		log.Info("admin: vault resumed", "signature", sig)
		return nil
	default:
		state, err := chain.FetchState(ctx)
		if err != nil {
			return err
		}
		payoutBalance, err := chain.PayoutBalance(ctx)
		if err != nil {
			return err
		}
		log.Info("admin: treasury vault",
			"address", chain.VaultAddress(),
			"totalDeposited", vault.FromRaw(state.TotalDeposited),
			"totalPaidOut", vault.FromRaw(state.TotalPaidOut),
			"custody", vault.FromRaw(state.Custody()),
			"payoutBalance", vault.FromRaw(payoutBalance),
			"depositCount", state.DepositCount,
			"payoutCount", state.PayoutCount,
			"paused", state.Paused,
		)
		return nil
	}
}

// newVaultClient builds the treasury client; signing keys come from the
// environment only.
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
