package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rentsweep/pkg/ledger"
	"github.com/malbeclabs/rentsweep/pkg/metrics"
)

const (
	// transactionFeeLamports mirrors TransactionFeeSOL on the wire side.
	transactionFeeLamports = 5_000

	defaultBatchDelay = 500 * time.Millisecond
)

type ExecutionerConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Gateway Gateway
	Store   Store

	// Sponsor receives reclaimed deposits.
	Sponsor solana.PublicKey
	// Signer is the real-mode signing credential. May be empty: real-mode
	// requests are then refused (never silently executed) while simulation
	// keeps working. Never logged or exposed in results.
	Signer solana.PrivateKey
	// BatchDelay spaces real-mode attempts to respect ledger rate limits.
	BatchDelay time.Duration
}

func (cfg *ExecutionerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Sponsor.IsZero() {
		return errors.New("sponsor address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaultBatchDelay
	}
	return nil
}

// Executioner closes out eligible accounts. Every attempt revalidates with a
// fresh judge verdict immediately before any ledger-mutating action; that
// re-check, together with per-address mutual exclusion and the store's
// conditional terminal transition, is what prevents acting on stale state.
type Executioner struct {
	log *slog.Logger
	cfg ExecutionerConfig

	mu sync.Mutex
	// locks holds one mutex per address ever attempted and is never evicted.
	// Growth is bounded by the discovery horizon times process lifetime.
	locks map[string]*sync.Mutex
}

func NewExecutioner(cfg ExecutionerConfig) (*Executioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executioner{
		log:   cfg.Logger,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// lockAddress serializes reclaim attempts per address. Two concurrent
// attempts for the same address is the one race this component must prevent.
func (e *Executioner) lockAddress(address string) func() {
	e.mu.Lock()
	l, ok := e.locks[address]
	if !ok {
		l = &sync.Mutex{}
		e.locks[address] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Executioner) mode(dryRun bool) Mode {
	if dryRun {
		return ModeSimulation
	}
	return ModeReal
}

// skip appends the mandatory SKIP audit entry and returns the typed failure.
func (e *Executioner) skip(ctx context.Context, address string, mode Mode, code, reason string) (ReclaimResult, error) {
	entry := ActivityEntry{
		Action:    ActionSkip,
		Account:   address,
		Mode:      mode,
		Reason:    reason,
		Timestamp: e.cfg.Clock.Now(),
	}
	if err := e.cfg.Store.AppendActivity(ctx, entry); err != nil {
		e.log.Error("executioner: failed to append skip log entry", "account", address, "error", err)
	}
	metrics.ReclaimAttemptsTotal.WithLabelValues(string(mode), "skipped").Inc()
	return ReclaimResult{Address: address, Mode: mode}, &ReclaimError{Code: code, Reason: reason}
}

// ReclaimOne attempts to reclaim a single account's deposit. In dry-run mode
// the ledger write path is never touched; in real mode a missing signing
// credential forces failure rather than silent execution.
func (e *Executioner) ReclaimOne(ctx context.Context, address string, dryRun bool) (ReclaimResult, error) {
	unlock := e.lockAddress(address)
	defer unlock()

	mode := e.mode(dryRun)

	account, err := e.cfg.Store.Account(ctx, address)
	if err != nil {
		return ReclaimResult{Address: address, Mode: mode}, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return ReclaimResult{Address: address, Mode: mode},
			&ReclaimError{Code: CodeAccountNotFound, Reason: fmt.Sprintf("no tracked account for %s", address)}
	}
	if account.Status == StatusReclaimed {
		// Terminal: never re-judged, never re-reclaimed.
		return e.skip(ctx, address, mode, string(StatusReclaimed), "account already reclaimed")
	}

	// Mandatory revalidation with current settings and whitelist. The stored
	// status may be stale relative to this moment.
	settings, err := LoadSettings(ctx, e.cfg.Store)
	if err != nil {
		return ReclaimResult{Address: address, Mode: mode}, err
	}
	whitelist, err := LoadWhitelist(ctx, e.cfg.Store)
	if err != nil {
		return ReclaimResult{Address: address, Mode: mode}, err
	}
	verdict := JudgeAccount(*account, settings, whitelist, e.cfg.Clock.Now())

	if verdict.Status != account.Status && verdict.Status != StatusReclaimed {
		if err := e.cfg.Store.SetAccountStatus(ctx, address, verdict.Status); err != nil {
			e.log.Warn("executioner: failed to persist revalidated status",
				"account", address, "status", string(verdict.Status), "error", err)
		}
	}

	if verdict.Status != StatusEligible {
		return e.skip(ctx, address, mode, string(verdict.Status), verdict.Reason)
	}

	if dryRun {
		now := e.cfg.Clock.Now()
		if err := e.cfg.Store.AppendActivity(ctx, ActivityEntry{
			Action:    ActionReclaim,
			Account:   address,
			Amount:    verdict.PotentialRecovery,
			Mode:      ModeSimulation,
			Reason:    fmt.Sprintf("simulation: would reclaim %.9f SOL to sponsor", verdict.PotentialRecovery),
			Timestamp: now,
		}); err != nil {
			return ReclaimResult{Address: address, Mode: mode}, fmt.Errorf("failed to append simulation log entry: %w", err)
		}
		metrics.ReclaimAttemptsTotal.WithLabelValues(string(ModeSimulation), "ok").Inc()
		return ReclaimResult{Address: address, Amount: verdict.PotentialRecovery, Mode: ModeSimulation}, nil
	}

	if len(e.cfg.Signer) == 0 {
		return e.skip(ctx, address, mode, CodeNoPrivateKey,
			"no signing credential configured; real-mode reclaim refused")
	}

	return e.execute(ctx, address, account)
}

// execute performs the real-mode ledger write. Either the status transition
// and the log entry both happen, or the attempt fails before mutating.
func (e *Executioner) execute(ctx context.Context, address string, account *SponsoredAccount) (ReclaimResult, error) {
	accountPK, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return e.skip(ctx, address, ModeReal, CodeRPCError, fmt.Sprintf("invalid account address: %v", err))
	}

	state, err := e.cfg.Gateway.AccountState(ctx, accountPK)
	if err != nil {
		return e.skip(ctx, address, ModeReal, CodeRPCError, fmt.Sprintf("failed to fetch current balance: %v", err))
	}
	now := e.cfg.Clock.Now()

	if state == nil || state.Lamports == 0 {
		// Already closed by some other actor; record the terminal state.
		if _, err := e.cfg.Store.MarkReclaimed(ctx, address, now); err != nil {
			return ReclaimResult{Address: address, Mode: ModeReal}, fmt.Errorf("failed to mark closed account reclaimed: %w", err)
		}
		if err := e.cfg.Store.AppendActivity(ctx, ActivityEntry{
			Action:    ActionReclaim,
			Account:   address,
			Amount:    0,
			Mode:      ModeReal,
			Reason:    "account already closed on ledger; nothing to transfer",
			Timestamp: now,
		}); err != nil {
			return ReclaimResult{Address: address, Mode: ModeReal}, fmt.Errorf("failed to append reclaim log entry: %w", err)
		}
		metrics.ReclaimAttemptsTotal.WithLabelValues(string(ModeReal), "ok").Inc()
		return ReclaimResult{Address: address, Amount: 0, Mode: ModeReal}, nil
	}

	if state.Lamports <= transactionFeeLamports {
		return e.skip(ctx, address, ModeReal, CodeInsufficientBalance,
			fmt.Sprintf("current balance %.9f SOL does not cover transaction fee %.9f SOL",
				ledger.LamportsToSOL(state.Lamports), TransactionFeeSOL))
	}
	transferLamports := state.Lamports - transactionFeeLamports

	sig, err := e.cfg.Gateway.SubmitTransfer(ctx, accountPK, e.cfg.Sponsor, transferLamports, e.cfg.Signer)
	if err != nil {
		return e.skip(ctx, address, ModeReal, CodeRPCError, fmt.Sprintf("transfer failed: %v", err))
	}

	now = e.cfg.Clock.Now()
	if _, err := e.cfg.Store.MarkReclaimed(ctx, address, now); err != nil {
		// The transfer confirmed; surface the store failure loudly rather
		// than leaving the row eligible.
		e.log.Error("executioner: transfer confirmed but terminal transition failed",
			"account", address, "signature", sig.String(), "error", err)
		return ReclaimResult{Address: address, Mode: ModeReal}, fmt.Errorf("failed to mark account reclaimed after transfer %s: %w", sig, err)
	}

	amount := ledger.LamportsToSOL(transferLamports)
	if err := e.cfg.Store.AppendActivity(ctx, ActivityEntry{
		Action:      ActionReclaim,
		Account:     address,
		Amount:      amount,
		Mode:        ModeReal,
		Reason:      fmt.Sprintf("reclaimed %.9f SOL to sponsor (balance %.9f SOL minus fee)", amount, ledger.LamportsToSOL(state.Lamports)),
		TxSignature: sig.String(),
		Timestamp:   now,
	}); err != nil {
		return ReclaimResult{Address: address, Mode: ModeReal}, fmt.Errorf("failed to append reclaim log entry: %w", err)
	}

	metrics.ReclaimAttemptsTotal.WithLabelValues(string(ModeReal), "ok").Inc()
	metrics.ReclaimedSolTotal.Add(amount)
	e.log.Info("executioner: reclaimed account",
		"account", address, "amount", amount, "signature", sig.String())
	return ReclaimResult{Address: address, Amount: amount, TxSignature: sig.String(), Mode: ModeReal}, nil
}

// ReclaimBatch reclaims every currently-ELIGIBLE account sequentially. One
// account's failure never aborts the batch; real-mode attempts are spaced by
// the configured delay to respect ledger-side rate limits.
func (e *Executioner) ReclaimBatch(ctx context.Context, dryRun bool) (BatchResult, error) {
	eligible, err := e.cfg.Store.AccountsByStatus(ctx, StatusEligible)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to list eligible accounts: %w", err)
	}

	result := BatchResult{}
	for i, account := range eligible {
		if !dryRun && i > 0 {
			select {
			case <-ctx.Done():
				return result, fmt.Errorf("batch reclaim cancelled: %w", ctx.Err())
			case <-e.cfg.Clock.After(e.cfg.BatchDelay):
			}
		}

		res, err := e.ReclaimOne(ctx, account.Address, dryRun)
		if err != nil {
			e.log.Warn("executioner: batch element failed",
				"account", account.Address, "error", err)
			result.Failed++
			continue
		}
		result.Successful++
		result.TotalReclaimed += res.Amount
	}

	e.log.Info("executioner: batch reclaim completed",
		"dry_run", dryRun,
		"successful", result.Successful, "failed", result.Failed,
		"total_reclaimed", result.TotalReclaimed)
	return result, nil
}
