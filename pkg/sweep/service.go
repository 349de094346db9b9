package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

type ServiceConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Gateway Gateway
	Store   Store

	Sponsor solana.PublicKey
	Signer  solana.PrivateKey

	SignaturePageSize int
	MaxConcurrency    int
	BatchDelay        time.Duration

	// ScanInterval enables the built-in periodic scan loop when positive.
	// Zero disables it; deployments with an external scheduler trigger scans
	// over the control surface instead.
	ScanInterval time.Duration
}

func (cfg *ServiceConfig) Validate() error {
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
	return nil
}

// Service is the pipeline facade exposed to the control surface: discovery,
// batch judgment, reclamation, and derived stats over one shared store.
type Service struct {
	log *slog.Logger
	cfg ServiceConfig

	scanner     *Scanner
	executioner *Executioner
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	scanner, err := NewScanner(ScannerConfig{
		Logger:            cfg.Logger,
		Clock:             cfg.Clock,
		Gateway:           cfg.Gateway,
		Store:             cfg.Store,
		SignaturePageSize: cfg.SignaturePageSize,
		MaxConcurrency:    cfg.MaxConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner: %w", err)
	}

	executioner, err := NewExecutioner(ExecutionerConfig{
		Logger:     cfg.Logger,
		Clock:      cfg.Clock,
		Gateway:    cfg.Gateway,
		Store:      cfg.Store,
		Sponsor:    cfg.Sponsor,
		Signer:     cfg.Signer,
		BatchDelay: cfg.BatchDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executioner: %w", err)
	}

	return &Service{
		log:         cfg.Logger,
		cfg:         cfg,
		scanner:     scanner,
		executioner: executioner,
	}, nil
}

// Start runs the optional periodic scan loop. No-op when ScanInterval is 0.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.ScanInterval <= 0 {
		return
	}
	go func() {
		s.log.Info("service: starting scan loop", "interval", s.cfg.ScanInterval)
		s.safeScan(ctx)

		ticker := s.cfg.Clock.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeScan(ctx)
			}
		}
	}()
}

func (s *Service) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("service: scan panicked", "panic", r)
		}
	}()

	if _, err := s.Scan(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("service: scheduled scan failed", "error", err)
	}
}

func (s *Service) Scan(ctx context.Context) (DiscoveryResult, error) {
	return s.scanner.Discover(ctx, s.cfg.Sponsor)
}

// JudgeAll re-evaluates every non-RECLAIMED account with current settings and
// whitelist, persisting changed statuses, and returns the disposition counts.
func (s *Service) JudgeAll(ctx context.Context) (JudgeSummary, error) {
	settings, err := LoadSettings(ctx, s.cfg.Store)
	if err != nil {
		return JudgeSummary{}, err
	}
	whitelist, err := LoadWhitelist(ctx, s.cfg.Store)
	if err != nil {
		return JudgeSummary{}, err
	}
	accounts, err := s.cfg.Store.Accounts(ctx)
	if err != nil {
		return JudgeSummary{}, fmt.Errorf("failed to list accounts: %w", err)
	}

	now := s.cfg.Clock.Now()
	summary := JudgeSummary{}
	for _, account := range accounts {
		if account.Status == StatusReclaimed {
			continue
		}
		summary.Total++

		verdict := JudgeAccount(account, settings, whitelist, now)
		if verdict.Status != account.Status {
			if err := s.cfg.Store.SetAccountStatus(ctx, account.Address, verdict.Status); err != nil {
				s.log.Warn("service: failed to persist verdict",
					"account", account.Address, "status", string(verdict.Status), "error", err)
				continue
			}
		}

		switch verdict.Status {
		case StatusEligible:
			summary.Eligible++
		case StatusProtected:
			summary.Protected++
		case StatusActive:
			summary.Active++
		case StatusSkip:
			summary.Skipped++
		case StatusWhitelisted:
			summary.Whitelisted++
		}
	}

	s.log.Info("service: batch judgment completed",
		"total", summary.Total, "eligible", summary.Eligible,
		"protected", summary.Protected, "active", summary.Active,
		"skipped", summary.Skipped, "whitelisted", summary.Whitelisted)
	return summary, nil
}

// Eligible returns fresh verdicts for every account currently marked
// ELIGIBLE, with reasons and recovery amounts recomputed against current
// settings.
func (s *Service) Eligible(ctx context.Context) ([]Verdict, error) {
	settings, err := LoadSettings(ctx, s.cfg.Store)
	if err != nil {
		return nil, err
	}
	whitelist, err := LoadWhitelist(ctx, s.cfg.Store)
	if err != nil {
		return nil, err
	}
	accounts, err := s.cfg.Store.AccountsByStatus(ctx, StatusEligible)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible accounts: %w", err)
	}

	now := s.cfg.Clock.Now()
	verdicts := make([]Verdict, 0, len(accounts))
	for _, account := range accounts {
		verdicts = append(verdicts, JudgeAccount(account, settings, whitelist, now))
	}
	return verdicts, nil
}

func (s *Service) ReclaimOne(ctx context.Context, address string, dryRun bool) (ReclaimResult, error) {
	return s.executioner.ReclaimOne(ctx, address, dryRun)
}

func (s *Service) ReclaimBatch(ctx context.Context, dryRun bool) (BatchResult, error) {
	return s.executioner.ReclaimBatch(ctx, dryRun)
}

// Stats derives the dashboard numbers: total ever recovered from the
// REAL-mode reclaim log, potential recovery from current ELIGIBLE rows, and
// live status counts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	totalRecovered, err := s.cfg.Store.TotalReclaimed(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to sum reclaimed amounts: %w", err)
	}
	accounts, err := s.cfg.Store.Accounts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list accounts: %w", err)
	}

	stats := Stats{TotalRecovered: totalRecovered}
	for _, account := range accounts {
		switch account.Status {
		case StatusEligible:
			stats.EligibleCount++
			if account.Balance > TransactionFeeSOL {
				stats.PotentialRecovery += account.Balance - TransactionFeeSOL
			}
		case StatusProtected:
			stats.ProtectedCount++
		case StatusActive:
			stats.ActiveCount++
		}
	}
	return stats, nil
}

// Settings returns the current operator settings.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	return LoadSettings(ctx, s.cfg.Store)
}

// UpdateSettings persists the operator settings; they take effect on the
// next evaluation.
func (s *Service) UpdateSettings(ctx context.Context, settings Settings) error {
	if settings.MinAgeDays < 0 {
		return fmt.Errorf("min_age_days must be non-negative, got %d", settings.MinAgeDays)
	}
	if err := s.cfg.Store.PutSetting(ctx, SettingMinAgeDays, fmt.Sprintf("%d", settings.MinAgeDays)); err != nil {
		return fmt.Errorf("failed to store %s: %w", SettingMinAgeDays, err)
	}
	if err := s.cfg.Store.PutSetting(ctx, SettingDryRun, fmt.Sprintf("%t", settings.DryRun)); err != nil {
		return fmt.Errorf("failed to store %s: %w", SettingDryRun, err)
	}
	return nil
}

func (s *Service) Activity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	return s.cfg.Store.Activity(ctx, limit)
}

func (s *Service) WhitelistAddresses(ctx context.Context) ([]string, error) {
	return s.cfg.Store.Whitelist(ctx)
}

func (s *Service) WhitelistAdd(ctx context.Context, address string) error {
	return s.cfg.Store.WhitelistAdd(ctx, address)
}

func (s *Service) WhitelistRemove(ctx context.Context, address string) error {
	return s.cfg.Store.WhitelistRemove(ctx, address)
}
