package withdraw

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fortune-city/engine/pkg/ledger"
	"github.com/fortune-city/engine/pkg/tier"
	enginetesting "github.com/fortune-city/engine/utils/pkg/testing"
)

var testDB *enginetesting.DB

func TestMain(m *testing.M) {
	log := enginetesting.NewLogger()

	db, err := enginetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to start test database", "error", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	db.Close()
	os.Exit(code)
}

// fakeChain is an in-memory ChainClient. Signatures are derived from the
// payout reference so tests can predict them.
type fakeChain struct {
	mu sync.Mutex

	payoutBalance uint64
	buildErr      error
	payoutErr     error
	landBeforeErr bool
	findErr       error

	confirmed map[solana.Signature]bool
	byRef     map[string]solana.Signature
	payouts   int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		payoutBalance: 1_000_000_000_000,
		confirmed:     make(map[solana.Signature]bool),
		byRef:         make(map[string]solana.Signature),
	}
}

func sigFor(reference string) solana.Signature {
	var sig solana.Signature
	copy(sig[:], reference)
	return sig
}

func (f *fakeChain) PayoutBalance(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payoutBalance, nil
}

func (f *fakeChain) BuildAtomicWithdrawal(ctx context.Context, userWallet solana.PublicKey, rawAmount uint64, reference string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return "", f.buildErr
	}
	return "tx-" + reference, nil
}

func (f *fakeChain) PayoutInstant(ctx context.Context, recipient solana.PublicKey, rawAmount uint64, reference string) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payoutErr != nil {
		if f.landBeforeErr {
			// The transaction reached the cluster even though the send
			// call reported an error.
			sig := sigFor(reference)
			f.confirmed[sig] = true
			f.byRef[reference] = sig
			f.payouts++
		}
		return solana.Signature{}, f.payoutErr
	}
	sig := sigFor(reference)
	f.confirmed[sig] = true
	f.byRef[reference] = sig
	f.payouts++
	return sig, nil
}

func (f *fakeChain) ConfirmSignature(ctx context.Context, sig solana.Signature) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed[sig], nil
}

func (f *fakeChain) FindSignatureByReference(ctx context.Context, reference string) (solana.Signature, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return solana.Signature{}, false, f.findErr
	}
	sig, ok := f.byRef[reference]
	return sig, ok, nil
}

// settle marks a signature confirmed, as if the user submitted the prepared
// transaction themselves.
func (f *fakeChain) settle(reference string) solana.Signature {
	f.mu.Lock()
	defer f.mu.Unlock()
	sig := sigFor(reference)
	f.confirmed[sig] = true
	f.byRef[reference] = sig
	return sig
}

type env struct {
	clock  *clockwork.FakeClock
	ledger *ledger.Store
	tiers  *tier.Store
	chain  *fakeChain
	svc    *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	pool := enginetesting.NewTestPool(t, testDB)
	log := enginetesting.NewLogger()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	chain := newFakeChain()

	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: log, Pool: pool, Clock: clock})
	require.NoError(t, err)
	tierStore, err := tier.NewStore(tier.StoreConfig{Logger: log, Pool: pool, Clock: clock})
	require.NoError(t, err)
	svc, err := NewService(ServiceConfig{
		Logger: log, Pool: pool, Clock: clock,
		Ledger: ledgerStore, Tiers: tierStore, Chain: chain,
	})
	require.NoError(t, err)

	return &env{clock: clock, ledger: ledgerStore, tiers: tierStore, chain: chain, svc: svc}
}

// createUser funds a user with $40 of fresh deposits and $60 of collected
// profit, the Scenario-B shape.
func (e *env) createUser(t *testing.T) *ledger.User {
	t.Helper()
	ctx := t.Context()

	user, err := e.ledger.CreateUser(ctx, fmt.Sprintf("WithdrawTestWallet-%s", uuid.NewString()), nil)
	require.NoError(t, err)
	_, err = e.ledger.CreditDeposit(ctx, user.ID, 40, nil)
	require.NoError(t, err)

	tx, err := e.ledger.Pool().Begin(ctx)
	require.NoError(t, err)
	_, err = e.ledger.LockUser(ctx, tx, user.ID)
	require.NoError(t, err)
	_, err = e.ledger.Adjust(ctx, tx, user.ID, ledger.AccountFortune, ledger.KindCollection, 60, "", nil)
	require.NoError(t, err)
	require.NoError(t, e.ledger.RecordProfit(ctx, tx, user.ID, 60))
	require.NoError(t, tx.Commit(ctx))

	out, err := e.ledger.GetUser(ctx, user.ID)
	require.NoError(t, err)
	return out
}

func destination() string {
	return solana.NewWallet().PublicKey().String()
}

func TestService_Preview(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	user := e.createUser(t)

	// $100 against $40 of fresh deposits at the base 50% rate.
	p, err := e.svc.Preview(t.Context(), user.ID, 100)
	require.NoError(t, err)
	require.InDelta(t, 40, p.Split.FromFreshDeposit, 1e-9)
	require.InDelta(t, 60, p.Split.FromProfit, 1e-9)
	require.InDelta(t, 30, p.Split.TaxAmount, 1e-9)
	require.InDelta(t, 70, p.Split.NetAmount, 1e-9)
	require.Equal(t, uint64(70_000_000), p.USDTRaw)
	require.Equal(t, 0.001, p.FeeSOL)

	t.Run("below minimum", func(t *testing.T) {
		_, err := e.svc.Preview(t.Context(), user.ID, 0.50)
		require.ErrorIs(t, err, ErrAmountOutOfRange)
	})
	t.Run("above maximum", func(t *testing.T) {
		_, err := e.svc.Preview(t.Context(), user.ID, 20_000)
		require.ErrorIs(t, err, ErrAmountOutOfRange)
	})
	t.Run("over balance", func(t *testing.T) {
		_, err := e.svc.Preview(t.Context(), user.ID, 101)
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})
}

func TestService_AtomicFlow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	user := e.createUser(t)

	prepared, err := e.svc.PrepareAtomic(t.Context(), user.ID, 100, destination())
	require.NoError(t, err)
	w := prepared.Withdrawal
	require.Equal(t, StatusPending, w.Status)
	require.Equal(t, "tx-"+w.ID.String(), prepared.SerializedTransaction)
	require.Equal(t, uint64(70_000_000), w.USDTRaw)

	// The reservation debits balance and burns the fund trackers.
	reserved, err := e.ledger.GetUser(t.Context(), user.ID)
	require.NoError(t, err)
	require.Zero(t, reserved.FortuneBalance)
	require.Zero(t, reserved.FreshDeposit)
	require.Zero(t, reserved.ProfitEarned)

	t.Run("one in flight per user", func(t *testing.T) {
		_, err := e.svc.PrepareAtomic(t.Context(), user.ID, 1, destination())
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

		other := e.createUser(t)
		_, err = e.svc.PrepareAtomic(t.Context(), other.ID, 10, destination())
		require.NoError(t, err)
		_, err = e.svc.PrepareAtomic(t.Context(), other.ID, 10, destination())
		require.ErrorIs(t, err, ErrWithdrawalInFlight)
	})

	sig := e.chain.settle(w.ID.String())

	confirmed, err := e.svc.ConfirmAtomic(t.Context(), user.ID, w.ID, sig.String())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, confirmed.Status)
	require.NotNil(t, confirmed.TxSignature)
	require.Equal(t, sig.String(), *confirmed.TxSignature)

	t.Run("confirm is idempotent on the same signature", func(t *testing.T) {
		again, err := e.svc.ConfirmAtomic(t.Context(), user.ID, w.ID, sig.String())
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, again.Status)

		// The debit happened exactly once.
		after, err := e.ledger.GetUser(t.Context(), user.ID)
		require.NoError(t, err)
		require.Zero(t, after.FortuneBalance)
	})

	t.Run("different signature conflicts", func(t *testing.T) {
		other := sigFor("some-other-transaction")
		_, err := e.svc.ConfirmAtomic(t.Context(), user.ID, w.ID, other.String())
		require.ErrorIs(t, err, ErrSignatureConflict)
	})

	t.Run("cancel after completion rejected", func(t *testing.T) {
		_, err := e.svc.CancelAtomic(t.Context(), user.ID, w.ID)
		require.ErrorIs(t, err, ErrAlreadyProcessed)
	})
}

func TestService_AtomicConfirm_Unconfirmed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	user := e.createUser(t)

	prepared, err := e.svc.PrepareAtomic(t.Context(), user.ID, 100, destination())
	require.NoError(t, err)
	w := prepared.Withdrawal

	// Signature never landed on chain.
	ghost := sigFor("never-submitted")
	failed, err := e.svc.ConfirmAtomic(t.Context(), user.ID, w.ID, ghost.String())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)

	// The reservation came back in full.
	after, err := e.ledger.GetUser(t.Context(), user.ID)
	require.NoError(t, err)
	require.InDelta(t, 100, after.FortuneBalance, 1e-9)
	require.InDelta(t, 40, after.FreshDeposit, 1e-9)
	require.InDelta(t, 60, after.ProfitEarned, 1e-9)
}

func TestService_CancelAtomic(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	user := e.createUser(t)

	prepared, err := e.svc.PrepareAtomic(t.Context(), user.ID, 50, destination())
	require.NoError(t, err)

	cancelled, err := e.svc.CancelAtomic(t.Context(), user.ID, prepared.Withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	after, err := e.ledger.GetUser(t.Context(), user.ID)
	require.NoError(t, err)
	require.InDelta(t, 100, after.FortuneBalance, 1e-9)
	require.InDelta(t, 40, after.FreshDeposit, 1e-9)

	t.Run("double cancel rejected", func(t *testing.T) {
		_, err := e.svc.CancelAtomic(t.Context(), user.ID, prepared.Withdrawal.ID)
		require.ErrorIs(t, err, ErrAlreadyProcessed)
	})

	t.Run("a new withdrawal is allowed again", func(t *testing.T) {
		_, err := e.svc.PrepareAtomic(t.Context(), user.ID, 50, destination())
		require.NoError(t, err)
	})

	t.Run("foreign withdrawal rejected", func(t *testing.T) {
		other := e.createUser(t)
		_, err := e.svc.CancelAtomic(t.Context(), other.ID, prepared.Withdrawal.ID)
		require.ErrorIs(t, err, ErrNotOwner)
	})
}

func TestService_CreateInstant(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	user := e.createUser(t)

	w, err := e.svc.CreateInstant(t.Context(), user.ID, 100, destination())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, w.Status)
	require.NotNil(t, w.TxSignature)
	require.Equal(t, sigFor(w.ID.String()).String(), *w.TxSignature)
	require.Equal(t, 1, e.chain.payouts)

	after, err := e.ledger.GetUser(t.Context(), user.ID)
	require.NoError(t, err)
	require.Zero(t, after.FortuneBalance)
	require.InDelta(t, 70, after.TotalWithdrawn, 1e-9)

	t.Run("invalid destination rejected", func(t *testing.T) {
		_, err := e.svc.CreateInstant(t.Context(), user.ID, 1, "not-a-wallet")
		require.ErrorIs(t, err, ErrInvalidWallet)
	})
}

func TestService_CreateInstant_ChainFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	user := e.createUser(t)
	e.chain.payoutErr = errors.New("blockhash not found")

	_, err := e.svc.CreateInstant(t.Context(), user.ID, 100, destination())
	require.ErrorIs(t, err, ErrTreasuryUnavailable)

	// The debit rolled back and the request is terminally failed.
	after, err := e.ledger.GetUser(t.Context(), user.ID)
	require.NoError(t, err)
	require.InDelta(t, 100, after.FortuneBalance, 1e-9)
	require.InDelta(t, 40, after.FreshDeposit, 1e-9)

	list, err := e.svc.List(t.Context(), user.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, StatusFailed, list[0].Status)
	require.NotNil(t, list[0].FailureReason)

	t.Run("failed request does not block new ones", func(t *testing.T) {
		e.chain.payoutErr = nil
		_, err := e.svc.CreateInstant(t.Context(), user.ID, 100, destination())
		require.NoError(t, err)
	})
}

func TestService_CreateInstant_SendErrorAfterLanding(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	user := e.createUser(t)
	e.chain.payoutErr = errors.New("rpc timeout")
	e.chain.landBeforeErr = true

	w, err := e.svc.CreateInstant(t.Context(), user.ID, 100, destination())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, w.Status)
	require.NotNil(t, w.TxSignature)
	require.Equal(t, sigFor(w.ID.String()).String(), *w.TxSignature)
	require.Equal(t, 1, e.chain.payouts)

	// The payout went out, so no refund.
	after, err := e.ledger.GetUser(t.Context(), user.ID)
	require.NoError(t, err)
	require.Zero(t, after.FortuneBalance)
	require.InDelta(t, 70, after.TotalWithdrawn, 1e-9)
}

func TestService_CreateInstant_UnknownOutcome(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	lost := e.createUser(t)
	paid := e.createUser(t)

	e.chain.payoutErr = errors.New("rpc timeout")
	e.chain.findErr = errors.New("rpc unavailable")

	_, err := e.svc.CreateInstant(t.Context(), lost.ID, 100, destination())
	require.ErrorIs(t, err, ErrTreasuryUnavailable)
	_, err = e.svc.CreateInstant(t.Context(), paid.ID, 100, destination())
	require.ErrorIs(t, err, ErrTreasuryUnavailable)

	// While the chain state is unknown the rows stay processing and the
	// funds stay reserved.
	lostList, err := e.svc.List(t.Context(), lost.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, lostList, 1)
	require.Equal(t, StatusProcessing, lostList[0].Status)
	u, err := e.ledger.GetUser(t.Context(), lost.ID)
	require.NoError(t, err)
	require.Zero(t, u.FortuneBalance)

	paidList, err := e.svc.List(t.Context(), paid.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, paidList, 1)
	require.Equal(t, StatusProcessing, paidList[0].Status)

	// The RPC comes back: one payout turns out to have landed, the other
	// never made it.
	e.chain.findErr = nil
	e.chain.settle(paidList[0].ID.String())
	e.clock.Advance(31 * time.Minute)

	n, err := e.svc.ReconcileStale(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Landed payout completes, money stays gone.
	got, err := e.svc.Get(t.Context(), paid.ID, paidList[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.TxSignature)
	u, err = e.ledger.GetUser(t.Context(), paid.ID)
	require.NoError(t, err)
	require.Zero(t, u.FortuneBalance)

	// Vanished payout fails and refunds.
	got, err = e.svc.Get(t.Context(), lost.ID, lostList[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)
	u, err = e.ledger.GetUser(t.Context(), lost.ID)
	require.NoError(t, err)
	require.InDelta(t, 100, u.FortuneBalance, 1e-9)
	require.InDelta(t, 40, u.FreshDeposit, 1e-9)
}

func TestService_TreasuryShortfall(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	user := e.createUser(t)
	e.chain.payoutBalance = 1_000_000 // $1 in the payout wallet

	_, err := e.svc.PrepareAtomic(t.Context(), user.ID, 100, destination())
	require.ErrorIs(t, err, ErrTreasuryUnavailable)

	// Nothing was reserved.
	after, err := e.ledger.GetUser(t.Context(), user.ID)
	require.NoError(t, err)
	require.InDelta(t, 100, after.FortuneBalance, 1e-9)
}

func TestService_ReconcileStale(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	abandoned := e.createUser(t)
	settled := e.createUser(t)

	wAbandoned, err := e.svc.PrepareAtomic(t.Context(), abandoned.ID, 100, destination())
	require.NoError(t, err)
	wSettled, err := e.svc.PrepareAtomic(t.Context(), settled.ID, 100, destination())
	require.NoError(t, err)

	// The second user submitted the transaction but never called confirm.
	e.chain.settle(wSettled.Withdrawal.ID.String())

	t.Run("fresh requests are left alone", func(t *testing.T) {
		n, err := e.svc.ReconcileStale(t.Context())
		require.NoError(t, err)
		require.Zero(t, n)
	})

	e.clock.Advance(31 * time.Minute)

	n, err := e.svc.ReconcileStale(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// Unsubmitted request: cancelled, reservation restored.
	got, err := e.svc.Get(t.Context(), abandoned.ID, wAbandoned.Withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	u, err := e.ledger.GetUser(t.Context(), abandoned.ID)
	require.NoError(t, err)
	require.InDelta(t, 100, u.FortuneBalance, 1e-9)

	// Settled-on-chain request: completed with the found signature, money
	// stays gone.
	got, err = e.svc.Get(t.Context(), settled.ID, wSettled.Withdrawal.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.TxSignature)
	u, err = e.ledger.GetUser(t.Context(), settled.ID)
	require.NoError(t, err)
	require.Zero(t, u.FortuneBalance)

	t.Run("sweep is idempotent", func(t *testing.T) {
		n, err := e.svc.ReconcileStale(t.Context())
		require.NoError(t, err)
		require.Zero(t, n)
	})
}
