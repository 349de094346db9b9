package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

var serverNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stubGateway satisfies sweep.Gateway without ever reaching a ledger.
type stubGateway struct{}

func (stubGateway) RecentSignatures(ctx context.Context, address solana.PublicKey, limit int) ([]ledger.SignatureInfo, error) {
	return nil, nil
}

func (stubGateway) CreateAccountOps(ctx context.Context, signature solana.Signature) ([]ledger.CreateAccountOp, error) {
	return nil, nil
}

func (stubGateway) AccountState(ctx context.Context, address solana.PublicKey) (*ledger.AccountState, error) {
	return &ledger.AccountState{Lamports: 2_039_280}, nil
}

func (stubGateway) RentExemptMinimum(ctx context.Context, dataSize uint64) (uint64, error) {
	return 2_039_280, nil
}

func (stubGateway) SubmitTransfer(ctx context.Context, from, to solana.PublicKey, lamports uint64, signer solana.PrivateKey) (solana.Signature, error) {
	return solana.Signature{1}, nil
}

func newTestServer(t *testing.T, store sweep.Store) http.Handler {
	t.Helper()
	log := logger.NewTest()
	svc, err := sweep.NewService(sweep.ServiceConfig{
		Logger:  log,
		Clock:   clockwork.NewFakeClockAt(serverNow),
		Gateway: stubGateway{},
		Store:   store,
		Sponsor: solana.NewWallet().PublicKey(),
		Signer:  solana.NewWallet().PrivateKey,
	})
	require.NoError(t, err)

	srv, err := New(Config{Logger: log, Service: svc})
	require.NoError(t, err)
	return srv.Handler()
}

func doRequest(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func putEligible(t *testing.T, store sweep.Store, address string) {
	t.Helper()
	require.NoError(t, store.PutAccount(context.Background(), sweep.SponsoredAccount{
		Address:       address,
		Balance:       0.00203928,
		RentExemptMin: 0.00203928,
		LastActivity:  serverNow.Add(-92 * 24 * time.Hour),
		Status:        sweep.StatusEligible,
		DetectedAt:    serverNow.Add(-92 * 24 * time.Hour),
	}))
}

func TestRentsweep_Server_Health(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, memory.New())
	rec := doRequest(t, handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestRentsweep_Server_Scan(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, memory.New())
	rec := doRequest(t, handler, http.MethodPost, "/scan", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result sweep.DiscoveryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Zero(t, result.New)
}

func TestRentsweep_Server_Reclaim(t *testing.T) {
	t.Parallel()

	t.Run("malformed address is a 400 before the pipeline", func(t *testing.T) {
		t.Parallel()

		handler := newTestServer(t, memory.New())
		rec := doRequest(t, handler, http.MethodPost, "/reclaim/not-base58!", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown account is a 404 with its code", func(t *testing.T) {
		t.Parallel()

		handler := newTestServer(t, memory.New())
		address := solana.NewWallet().PublicKey().String()
		rec := doRequest(t, handler, http.MethodPost, "/reclaim/"+address, nil)
		require.Equal(t, http.StatusNotFound, rec.Code)

		var resp struct {
			Code string `json:"code"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, sweep.CodeAccountNotFound, resp.Code)
	})

	t.Run("default mode is the stored dry-run setting", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		address := solana.NewWallet().PublicKey().String()
		putEligible(t, store, address)
		handler := newTestServer(t, store)

		rec := doRequest(t, handler, http.MethodPost, "/reclaim/"+address, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var result sweep.ReclaimResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		require.Equal(t, sweep.ModeSimulation, result.Mode, "dry run defaults on")
		require.Empty(t, result.TxSignature)
	})

	t.Run("explicit dry_run=false executes for real", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		address := solana.NewWallet().PublicKey().String()
		putEligible(t, store, address)
		handler := newTestServer(t, store)

		rec := doRequest(t, handler, http.MethodPost, "/reclaim/"+address+"?dry_run=false", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var result sweep.ReclaimResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		require.Equal(t, sweep.ModeReal, result.Mode)
		require.NotEmpty(t, result.TxSignature)

		account, err := store.Account(context.Background(), address)
		require.NoError(t, err)
		require.Equal(t, sweep.StatusReclaimed, account.Status)
	})

	t.Run("skipped account is a 409", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		address := solana.NewWallet().PublicKey().String()
		putEligible(t, store, address)
		require.NoError(t, store.WhitelistAdd(context.Background(), address))
		handler := newTestServer(t, store)

		rec := doRequest(t, handler, http.MethodPost, "/reclaim/"+address, nil)
		require.Equal(t, http.StatusConflict, rec.Code)

		var resp struct {
			Code string `json:"code"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, string(sweep.StatusWhitelisted), resp.Code)
	})

	t.Run("batch reclaim reports counts", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		putEligible(t, store, solana.NewWallet().PublicKey().String())
		putEligible(t, store, solana.NewWallet().PublicKey().String())
		handler := newTestServer(t, store)

		rec := doRequest(t, handler, http.MethodPost, "/reclaim", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var result sweep.BatchResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		require.Equal(t, 2, result.Successful)
		require.Zero(t, result.Failed)
	})
}

func TestRentsweep_Server_Eligible(t *testing.T) {
	t.Parallel()

	handler := newTestServer(t, memory.New())
	rec := doRequest(t, handler, http.MethodGet, "/eligible", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "[]\n", rec.Body.String(), "empty list, never null")
}

func TestRentsweep_Server_Settings(t *testing.T) {
	t.Parallel()

	t.Run("roundtrip", func(t *testing.T) {
		t.Parallel()

		handler := newTestServer(t, memory.New())

		rec := doRequest(t, handler, http.MethodGet, "/settings", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var settings sweep.Settings
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
		require.Equal(t, sweep.DefaultMinAgeDays, settings.MinAgeDays)
		require.True(t, settings.DryRun)

		rec = doRequest(t, handler, http.MethodPut, "/settings", sweep.Settings{MinAgeDays: 45, DryRun: false})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(t, handler, http.MethodGet, "/settings", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
		require.Equal(t, 45, settings.MinAgeDays)
		require.False(t, settings.DryRun)
	})

	t.Run("invalid body is a 400", func(t *testing.T) {
		t.Parallel()

		handler := newTestServer(t, memory.New())
		req := httptest.NewRequest(http.MethodPut, "/settings", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRentsweep_Server_Whitelist(t *testing.T) {
	t.Parallel()

	store := memory.New()
	handler := newTestServer(t, store)
	address := solana.NewWallet().PublicKey().String()

	rec := doRequest(t, handler, http.MethodPost, "/whitelist", map[string]string{"address": address})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, handler, http.MethodPost, "/whitelist", map[string]string{"address": "junk"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/whitelist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var addrs []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &addrs))
	require.Equal(t, []string{address}, addrs)

	rec = doRequest(t, handler, http.MethodDelete, "/whitelist/"+address, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, handler, http.MethodGet, "/whitelist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "[]\n", rec.Body.String())
}

func TestRentsweep_Server_Activity(t *testing.T) {
	t.Parallel()

	t.Run("invalid limit is a 400", func(t *testing.T) {
		t.Parallel()

		handler := newTestServer(t, memory.New())
		rec := doRequest(t, handler, http.MethodGet, "/activity?limit=zero", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns newest entries first", func(t *testing.T) {
		t.Parallel()

		store := memory.New()
		require.NoError(t, store.AppendActivity(context.Background(), sweep.ActivityEntry{
			Action: sweep.ActionScan, Account: "-", Mode: sweep.ModeReal, Timestamp: serverNow,
		}))
		require.NoError(t, store.AppendActivity(context.Background(), sweep.ActivityEntry{
			Action: sweep.ActionReclaim, Account: "a", Mode: sweep.ModeReal, Timestamp: serverNow,
		}))
		handler := newTestServer(t, store)

		rec := doRequest(t, handler, http.MethodGet, "/activity?limit=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var entries []sweep.ActivityEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		require.Len(t, entries, 1)
		require.Equal(t, sweep.ActionReclaim, entries[0].Action)
	})
}

func TestRentsweep_Server_Stats(t *testing.T) {
	t.Parallel()

	store := memory.New()
	putEligible(t, store, solana.NewWallet().PublicKey().String())
	handler := newTestServer(t, store)

	rec := doRequest(t, handler, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats sweep.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.EligibleCount)
	require.InDelta(t, 0.00203928-sweep.TransactionFeeSOL, stats.PotentialRecovery, 1e-12)
}
