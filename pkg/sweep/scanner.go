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
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/rentsweep/pkg/ledger"
	"github.com/malbeclabs/rentsweep/pkg/metrics"
)

const (
	defaultSignaturePageSize = ledger.MaxSignaturePage
	defaultMaxConcurrency    = 8
)

type ScannerConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Gateway Gateway
	Store   Store

	// SignaturePageSize bounds the discovery horizon (one page per scan).
	SignaturePageSize int
	// MaxConcurrency bounds parallel per-transaction fetches. Store writes
	// stay serialized in the reconciliation pass.
	MaxConcurrency int
}

func (cfg *ScannerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Gateway == nil {
		return errors.New("gateway is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SignaturePageSize <= 0 || cfg.SignaturePageSize > ledger.MaxSignaturePage {
		cfg.SignaturePageSize = defaultSignaturePageSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	return nil
}

// Scanner finds accounts the sponsor has funded and reconciles their current
// on-ledger state into the store. It is the only writer of new account rows.
type Scanner struct {
	log *slog.Logger
	cfg ScannerConfig
}

func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scanner{log: cfg.Logger, cfg: cfg}, nil
}

type discoveredCreation struct {
	op        ledger.CreateAccountOp
	blockTime *time.Time
}

// Discover fetches one bounded page of sponsor history, extracts the
// create-account operations the sponsor paid for, and reconciles each into
// the store. Per-transaction failures are logged and skipped; only the
// history fetch itself is fatal, and it fails before any store mutation.
func (s *Scanner) Discover(ctx context.Context, sponsor solana.PublicKey) (DiscoveryResult, error) {
	start := time.Now()
	s.log.Debug("scanner: discovery started", "sponsor", sponsor.String())

	sigs, err := s.cfg.Gateway.RecentSignatures(ctx, sponsor, s.cfg.SignaturePageSize)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return DiscoveryResult{}, fmt.Errorf("failed to fetch sponsor history: %w", err)
	}

	creations, skipped := s.collectCreations(ctx, sponsor, sigs)

	result := DiscoveryResult{}
	for _, c := range creations {
		outcome, err := s.reconcile(ctx, c)
		if err != nil {
			s.log.Warn("scanner: failed to reconcile account, skipping",
				"account", c.op.NewAccount.String(), "error", err)
			skipped++
			continue
		}
		switch outcome {
		case reconcileCreated:
			result.New++
		case reconcileUpdated:
			result.Updated++
		}
	}

	all, err := s.cfg.Store.Accounts(ctx)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return result, fmt.Errorf("failed to count tracked accounts: %w", err)
	}
	result.Total = len(all)

	now := s.cfg.Clock.Now()
	reason := fmt.Sprintf("scanned %d transactions: %d new accounts, %d updated, %d skipped, %d tracked",
		len(sigs), result.New, result.Updated, skipped, result.Total)
	if err := s.cfg.Store.AppendActivity(ctx, ActivityEntry{
		Action:    ActionScan,
		Account:   "-",
		Mode:      ModeReal,
		Reason:    reason,
		Timestamp: now,
	}); err != nil {
		return result, fmt.Errorf("failed to append scan log entry: %w", err)
	}

	metrics.ScansTotal.WithLabelValues("ok").Inc()
	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	s.log.Info("scanner: discovery completed",
		"sponsor", sponsor.String(),
		"new", result.New, "updated", result.Updated, "total", result.Total,
		"duration", time.Since(start).String())
	return result, nil
}

// collectCreations fans out parsed-transaction fetches under a concurrency
// bound and returns the sponsor's create-account operations, deduplicated by
// new-account address (most recent first wins).
func (s *Scanner) collectCreations(ctx context.Context, sponsor solana.PublicKey, sigs []ledger.SignatureInfo) ([]discoveredCreation, int) {
	type indexed struct {
		idx       int
		creations []discoveredCreation
	}

	var (
		mu      sync.Mutex
		results []indexed
		skipped int
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, si := range sigs {
		if si.Failed {
			continue
		}
		i, si := i, si
		g.Go(func() error {
			ops, err := s.cfg.Gateway.CreateAccountOps(ctx, si.Signature)
			if err != nil {
				s.log.Warn("scanner: failed to fetch transaction, skipping",
					"signature", si.Signature.String(), "error", err)
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			var found []discoveredCreation
			for _, op := range ops {
				if !op.Payer.Equals(sponsor) {
					continue
				}
				found = append(found, discoveredCreation{op: op, blockTime: si.BlockTime})
			}
			if len(found) > 0 {
				mu.Lock()
				results = append(results, indexed{idx: i, creations: found})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // per-transaction errors are absorbed above

	// Restore page order (most recent first) before deduplicating.
	ordered := make([]discoveredCreation, 0, len(results))
	for i := 0; i < len(sigs); i++ {
		for _, r := range results {
			if r.idx == i {
				ordered = append(ordered, r.creations...)
			}
		}
	}

	seen := make(map[string]bool, len(ordered))
	deduped := ordered[:0]
	for _, c := range ordered {
		addr := c.op.NewAccount.String()
		if seen[addr] {
			continue
		}
		seen[addr] = true
		deduped = append(deduped, c)
	}
	return deduped, skipped
}

type reconcileOutcome int

const (
	reconcileCreated reconcileOutcome = iota
	reconcileUpdated
)

// reconcile queries the account's current on-ledger state (not its
// creation-time state) and upserts the store row. Existing rows keep their
// status except for promotion to RECLAIMED on zero balance; the fine-grained
// disposition of new rows is deferred to the judge.
func (s *Scanner) reconcile(ctx context.Context, c discoveredCreation) (reconcileOutcome, error) {
	address := c.op.NewAccount.String()
	now := s.cfg.Clock.Now()

	state, err := s.cfg.Gateway.AccountState(ctx, c.op.NewAccount)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch current state: %w", err)
	}
	var balance float64
	if state != nil {
		balance = ledger.LamportsToSOL(state.Lamports)
	}

	existing, err := s.cfg.Store.Account(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to load account row: %w", err)
	}

	if existing != nil {
		// lastActivity tracks observed change. A no-change observation must
		// not reset the idle clock, or recurring scans would keep every
		// tracked account perpetually short of the age threshold.
		lastActivity := existing.LastActivity
		if balance != existing.Balance {
			lastActivity = now
		}
		if err := s.cfg.Store.UpdateAccountObservation(ctx, address, balance, lastActivity); err != nil {
			return 0, fmt.Errorf("failed to update account row: %w", err)
		}
		if balance == 0 && existing.Status != StatusReclaimed {
			// The ledger closed the account out from under us.
			if _, err := s.cfg.Store.MarkReclaimed(ctx, address, now); err != nil {
				return 0, fmt.Errorf("failed to mark closed account reclaimed: %w", err)
			}
		}
		return reconcileUpdated, nil
	}

	rentLamports, err := s.cfg.Gateway.RentExemptMinimum(ctx, c.op.Space)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch rent-exempt minimum: %w", err)
	}
	rentExemptMin := ledger.LamportsToSOL(rentLamports)

	lastActivity := now
	if c.blockTime != nil {
		lastActivity = *c.blockTime
	}

	account := SponsoredAccount{
		Address:       address,
		Balance:       balance,
		RentExemptMin: rentExemptMin,
		LastActivity:  lastActivity,
		Status:        initialStatus(balance, rentExemptMin),
		DetectedAt:    now,
	}
	if err := s.cfg.Store.PutAccount(ctx, account); err != nil {
		return 0, fmt.Errorf("failed to insert account row: %w", err)
	}
	s.log.Debug("scanner: discovered account",
		"account", address, "balance", balance, "status", string(account.Status))
	return reconcileCreated, nil
}
