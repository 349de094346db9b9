package sweep_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rentsweep/pkg/ledger"
	"github.com/malbeclabs/rentsweep/pkg/logger"
	"github.com/malbeclabs/rentsweep/pkg/store/memory"
	"github.com/malbeclabs/rentsweep/pkg/sweep"
)

type mockGateway struct {
	recentSignaturesFunc  func(context.Context, solana.PublicKey, int) ([]ledger.SignatureInfo, error)
	createAccountOpsFunc  func(context.Context, solana.Signature) ([]ledger.CreateAccountOp, error)
	accountStateFunc      func(context.Context, solana.PublicKey) (*ledger.AccountState, error)
	rentExemptMinimumFunc func(context.Context, uint64) (uint64, error)
	submitTransferFunc    func(context.Context, solana.PublicKey, solana.PublicKey, uint64, solana.PrivateKey) (solana.Signature, error)

	accountStateCalls   atomic.Int64
	submitTransferCalls atomic.Int64
}

func (m *mockGateway) RecentSignatures(ctx context.Context, address solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
	if m.recentSignaturesFunc != nil {
		return m.recentSignaturesFunc(ctx, address, limit)
	}
	return nil, nil
}

func (m *mockGateway) CreateAccountOps(ctx context.Context, signature solana.Signature) ([]ledger.CreateAccountOp, error) {
	if m.createAccountOpsFunc != nil {
		return m.createAccountOpsFunc(ctx, signature)
	}
	return nil, nil
}

func (m *mockGateway) AccountState(ctx context.Context, address solana.PublicKey) (*ledger.AccountState, error) {
	m.accountStateCalls.Add(1)
	if m.accountStateFunc != nil {
		return m.accountStateFunc(ctx, address)
	}
	return &ledger.AccountState{Lamports: 2_039_280, DataSize: 0}, nil
}

func (m *mockGateway) RentExemptMinimum(ctx context.Context, dataSize uint64) (uint64, error) {
	if m.rentExemptMinimumFunc != nil {
		return m.rentExemptMinimumFunc(ctx, dataSize)
	}
	return 2_039_280, nil
}

func (m *mockGateway) SubmitTransfer(ctx context.Context, from, to solana.PublicKey, lamports uint64, signer solana.PrivateKey) (solana.Signature, error) {
	m.submitTransferCalls.Add(1)
	if m.submitTransferFunc != nil {
		return m.submitTransferFunc(ctx, from, to, lamports, signer)
	}
	return solana.Signature{1}, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestScanner(t *testing.T, gateway sweep.Gateway, store sweep.Store) *sweep.Scanner {
	t.Helper()
	scanner, err := sweep.NewScanner(sweep.ScannerConfig{
		Logger:  logger.NewTest(),
		Clock:   clockwork.NewFakeClockAt(testNow),
		Gateway: gateway,
		Store:   store,
	})
	require.NoError(t, err)
	return scanner
}

func sigAt(n byte) solana.Signature {
	return solana.Signature{n}
}

func TestRentsweep_Scanner_Discover(t *testing.T) {
	t.Parallel()

	sponsor := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()

	t.Run("discovers accounts funded by the sponsor", func(t *testing.T) {
		t.Parallel()

		created := solana.NewWallet().PublicKey()
		notOurs := solana.NewWallet().PublicKey()
		gateway := &mockGateway{
			recentSignaturesFunc: func(ctx context.Context, addr solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
				return []ledger.SignatureInfo{
					{Signature: sigAt(1)},
					{Signature: sigAt(2)},
				}, nil
			},
			createAccountOpsFunc: func(ctx context.Context, sig solana.Signature) ([]ledger.CreateAccountOp, error) {
				if sig == sigAt(1) {
					return []ledger.CreateAccountOp{
						{Payer: sponsor, NewAccount: created, Lamports: 2_039_280, Space: 165},
					}, nil
				}
				return []ledger.CreateAccountOp{
					{Payer: other, NewAccount: notOurs, Lamports: 2_039_280, Space: 165},
				}, nil
			},
		}
		store := memory.New()
		scanner := newTestScanner(t, gateway, store)

		result, err := scanner.Discover(context.Background(), sponsor)
		require.NoError(t, err)
		require.Equal(t, 1, result.New)
		require.Equal(t, 0, result.Updated)
		require.Equal(t, 1, result.Total)

		account, err := store.Account(context.Background(), created.String())
		require.NoError(t, err)
		require.NotNil(t, account)
		require.Equal(t, sweep.StatusActive, account.Status)
		require.InDelta(t, 0.00203928, account.Balance, 1e-12)
		require.InDelta(t, 0.00203928, account.RentExemptMin, 1e-12)
		require.Equal(t, testNow, account.DetectedAt)

		entries, err := store.Activity(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, sweep.ActionScan, entries[0].Action)
		require.Equal(t, "-", entries[0].Account)
		require.Contains(t, entries[0].Reason, "1 new accounts")
	})

	t.Run("skips signatures the ledger marked failed", func(t *testing.T) {
		t.Parallel()

		var fetches atomic.Int64
		gateway := &mockGateway{
			recentSignaturesFunc: func(ctx context.Context, addr solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
				return []ledger.SignatureInfo{
					{Signature: sigAt(1), Failed: true},
					{Signature: sigAt(2), Failed: true},
				}, nil
			},
			createAccountOpsFunc: func(ctx context.Context, sig solana.Signature) ([]ledger.CreateAccountOp, error) {
				fetches.Add(1)
				return nil, nil
			},
		}
		store := memory.New()
		scanner := newTestScanner(t, gateway, store)

		result, err := scanner.Discover(context.Background(), sponsor)
		require.NoError(t, err)
		require.Equal(t, 0, result.New)
		require.Zero(t, fetches.Load(), "failed signatures must not be fetched")
	})

	t.Run("per-transaction fetch failure never aborts the scan", func(t *testing.T) {
		t.Parallel()

		created := solana.NewWallet().PublicKey()
		gateway := &mockGateway{
			recentSignaturesFunc: func(ctx context.Context, addr solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
				return []ledger.SignatureInfo{
					{Signature: sigAt(1)},
					{Signature: sigAt(2)},
				}, nil
			},
			createAccountOpsFunc: func(ctx context.Context, sig solana.Signature) ([]ledger.CreateAccountOp, error) {
				if sig == sigAt(1) {
					return nil, fmt.Errorf("rate limited")
				}
				return []ledger.CreateAccountOp{
					{Payer: sponsor, NewAccount: created, Lamports: 2_039_280, Space: 165},
				}, nil
			},
		}
		store := memory.New()
		scanner := newTestScanner(t, gateway, store)

		result, err := scanner.Discover(context.Background(), sponsor)
		require.NoError(t, err)
		require.Equal(t, 1, result.New)

		entries, err := store.Activity(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Contains(t, entries[0].Reason, "1 skipped")
	})

	t.Run("history fetch failure aborts with no store mutation", func(t *testing.T) {
		t.Parallel()

		gateway := &mockGateway{
			recentSignaturesFunc: func(ctx context.Context, addr solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
				return nil, fmt.Errorf("rpc unavailable")
			},
		}
		store := memory.New()
		scanner := newTestScanner(t, gateway, store)

		_, err := scanner.Discover(context.Background(), sponsor)
		require.Error(t, err)
		require.Contains(t, err.Error(), "sponsor history")

		accounts, err := store.Accounts(context.Background())
		require.NoError(t, err)
		require.Empty(t, accounts)
		entries, err := store.Activity(context.Background(), 10)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("balance change updates the row and stamps activity", func(t *testing.T) {
		t.Parallel()

		created := solana.NewWallet().PublicKey()
		gateway := &mockGateway{
			recentSignaturesFunc: func(ctx context.Context, addr solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
				return []ledger.SignatureInfo{{Signature: sigAt(1)}}, nil
			},
			createAccountOpsFunc: func(ctx context.Context, sig solana.Signature) ([]ledger.CreateAccountOp, error) {
				return []ledger.CreateAccountOp{
					{Payer: sponsor, NewAccount: created, Lamports: 2_039_280, Space: 165},
				}, nil
			},
			accountStateFunc: func(ctx context.Context, addr solana.PublicKey) (*ledger.AccountState, error) {
				return &ledger.AccountState{Lamports: 2_100_000}, nil
			},
		}
		store := memory.New()
		require.NoError(t, store.PutAccount(context.Background(), sweep.SponsoredAccount{
			Address:       created.String(),
			Balance:       0.00203928,
			RentExemptMin: 0.00203928,
			LastActivity:  testNow.Add(-90 * 24 * time.Hour),
			Status:        sweep.StatusEligible,
			DetectedAt:    testNow.Add(-90 * 24 * time.Hour),
		}))
		scanner := newTestScanner(t, gateway, store)

		result, err := scanner.Discover(context.Background(), sponsor)
		require.NoError(t, err)
		require.Equal(t, 0, result.New)
		require.Equal(t, 1, result.Updated)

		account, err := store.Account(context.Background(), created.String())
		require.NoError(t, err)
		require.Equal(t, sweep.StatusEligible, account.Status, "scanner must not re-judge existing rows")
		require.InDelta(t, 0.0021, account.Balance, 1e-12)
		require.Equal(t, testNow, account.LastActivity)
	})

	t.Run("unchanged balance keeps the idle clock running", func(t *testing.T) {
		t.Parallel()

		created := solana.NewWallet().PublicKey()
		gateway := &mockGateway{
			recentSignaturesFunc: func(ctx context.Context, addr solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
				return []ledger.SignatureInfo{{Signature: sigAt(1)}}, nil
			},
			createAccountOpsFunc: func(ctx context.Context, sig solana.Signature) ([]ledger.CreateAccountOp, error) {
				return []ledger.CreateAccountOp{
					{Payer: sponsor, NewAccount: created, Lamports: 2_039_280, Space: 165},
				}, nil
			},
		}
		idleSince := testNow.Add(-92 * 24 * time.Hour)
		store := memory.New()
		require.NoError(t, store.PutAccount(context.Background(), sweep.SponsoredAccount{
			Address:       created.String(),
			Balance:       0.00203928,
			RentExemptMin: 0.00203928,
			LastActivity:  idleSince,
			Status:        sweep.StatusActive,
			DetectedAt:    idleSince,
		}))
		scanner := newTestScanner(t, gateway, store)

		result, err := scanner.Discover(context.Background(), sponsor)
		require.NoError(t, err)
		require.Equal(t, 1, result.Updated)

		account, err := store.Account(context.Background(), created.String())
		require.NoError(t, err)
		require.Equal(t, idleSince, account.LastActivity,
			"a no-change observation must not reset the idle clock")

		verdict := sweep.JudgeAccount(*account, sweep.Settings{MinAgeDays: 30}, nil, testNow)
		require.Equal(t, sweep.StatusEligible, verdict.Status,
			"account idle past the threshold stays eligible across scans")
	})

	t.Run("promotes existing row to RECLAIMED when ledger closed it", func(t *testing.T) {
		t.Parallel()

		created := solana.NewWallet().PublicKey()
		gateway := &mockGateway{
			recentSignaturesFunc: func(ctx context.Context, addr solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
				return []ledger.SignatureInfo{{Signature: sigAt(1)}}, nil
			},
			createAccountOpsFunc: func(ctx context.Context, sig solana.Signature) ([]ledger.CreateAccountOp, error) {
				return []ledger.CreateAccountOp{
					{Payer: sponsor, NewAccount: created, Lamports: 2_039_280, Space: 165},
				}, nil
			},
			accountStateFunc: func(ctx context.Context, addr solana.PublicKey) (*ledger.AccountState, error) {
				return nil, nil // account no longer exists
			},
		}
		store := memory.New()
		require.NoError(t, store.PutAccount(context.Background(), sweep.SponsoredAccount{
			Address:      created.String(),
			Balance:      0.00203928,
			Status:       sweep.StatusEligible,
			LastActivity: testNow.Add(-90 * 24 * time.Hour),
			DetectedAt:   testNow.Add(-90 * 24 * time.Hour),
		}))
		scanner := newTestScanner(t, gateway, store)

		_, err := scanner.Discover(context.Background(), sponsor)
		require.NoError(t, err)

		account, err := store.Account(context.Background(), created.String())
		require.NoError(t, err)
		require.Equal(t, sweep.StatusReclaimed, account.Status)
		require.Zero(t, account.Balance)
	})

	t.Run("classifies new rows conservatively", func(t *testing.T) {
		t.Parallel()

		rich := solana.NewWallet().PublicKey()
		closed := solana.NewWallet().PublicKey()
		gateway := &mockGateway{
			recentSignaturesFunc: func(ctx context.Context, addr solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
				return []ledger.SignatureInfo{{Signature: sigAt(1)}, {Signature: sigAt(2)}}, nil
			},
			createAccountOpsFunc: func(ctx context.Context, sig solana.Signature) ([]ledger.CreateAccountOp, error) {
				if sig == sigAt(1) {
					return []ledger.CreateAccountOp{{Payer: sponsor, NewAccount: rich, Lamports: 2_039_280, Space: 0}}, nil
				}
				return []ledger.CreateAccountOp{{Payer: sponsor, NewAccount: closed, Lamports: 2_039_280, Space: 0}}, nil
			},
			accountStateFunc: func(ctx context.Context, addr solana.PublicKey) (*ledger.AccountState, error) {
				if addr.Equals(rich) {
					return &ledger.AccountState{Lamports: 500_000_000}, nil
				}
				return nil, nil
			},
		}
		store := memory.New()
		scanner := newTestScanner(t, gateway, store)

		result, err := scanner.Discover(context.Background(), sponsor)
		require.NoError(t, err)
		require.Equal(t, 2, result.New)

		richAccount, err := store.Account(context.Background(), rich.String())
		require.NoError(t, err)
		require.Equal(t, sweep.StatusProtected, richAccount.Status)

		closedAccount, err := store.Account(context.Background(), closed.String())
		require.NoError(t, err)
		require.Equal(t, sweep.StatusReclaimed, closedAccount.Status)
	})
}
