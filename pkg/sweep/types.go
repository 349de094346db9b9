// Package sweep implements the rent reclamation pipeline: discovery of
// sponsor-funded accounts, pure eligibility judgment, and revalidated
// reclamation execution over a durable store.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Status is the closed set of account dispositions. RECLAIMED is terminal:
// once set, no component reverts it or re-includes the account in judgment
// or batch reclamation.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusProtected   Status = "PROTECTED"
	StatusEligible    Status = "ELIGIBLE"
	StatusSkip        Status = "SKIP"
	StatusWhitelisted Status = "WHITELISTED"
	StatusReclaimed   Status = "RECLAIMED"
)

// SponsoredAccount is one row per discovered account. Balances are native SOL.
type SponsoredAccount struct {
	Address       string    `json:"address"`
	Balance       float64   `json:"balance"`
	RentExemptMin float64   `json:"rentExemptMin"`
	LastActivity  time.Time `json:"lastActivity"`
	Status        Status    `json:"status"`
	DetectedAt    time.Time `json:"detectedAt"`
}

type Action string

const (
	ActionScan    Action = "SCAN"
	ActionReclaim Action = "RECLAIM"
	ActionSkip    Action = "SKIP"
)

type Mode string

const (
	ModeReal       Mode = "REAL"
	ModeSimulation Mode = "SIMULATION"
)

// ActivityEntry is one append-only audit trail row. Account is "-" for
// account-less actions such as scan summaries.
type ActivityEntry struct {
	Action      Action    `json:"action"`
	Account     string    `json:"account"`
	Amount      float64   `json:"amount"`
	Mode        Mode      `json:"mode"`
	Reason      string    `json:"reason"`
	TxSignature string    `json:"txSignature,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Verdict is the judge's output: a disposition plus its numeric
// justification. The reason string embeds the actual numbers compared, since
// the activity log's audit value depends on it.
type Verdict struct {
	Address           string  `json:"address"`
	Status            Status  `json:"status"`
	Reason            string  `json:"reason"`
	PotentialRecovery float64 `json:"potentialRecovery"`
}

type DiscoveryResult struct {
	New     int `json:"new"`
	Updated int `json:"updated"`
	Total   int `json:"total"`
}

type ReclaimResult struct {
	Address     string  `json:"address"`
	Amount      float64 `json:"amount"`
	TxSignature string  `json:"txSignature,omitempty"`
	Mode        Mode    `json:"mode"`
}

type BatchResult struct {
	Successful     int     `json:"successful"`
	Failed         int     `json:"failed"`
	TotalReclaimed float64 `json:"totalReclaimed"`
}

type JudgeSummary struct {
	Total       int `json:"total"`
	Eligible    int `json:"eligible"`
	Protected   int `json:"protected"`
	Active      int `json:"active"`
	Skipped     int `json:"skipped"`
	Whitelisted int `json:"whitelisted"`
}

type Stats struct {
	TotalRecovered    float64 `json:"totalRecovered"`
	PotentialRecovery float64 `json:"potentialRecovery"`
	EligibleCount     int     `json:"eligibleCount"`
	ProtectedCount    int     `json:"protectedCount"`
	ActiveCount       int     `json:"activeCount"`
}

// Settings are the operator-tunable knobs read by the judge and executioner.
// Safe-by-default: dry-run on, 30-day idle threshold.
type Settings struct {
	MinAgeDays int  `json:"min_age_days"`
	DryRun     bool `json:"dry_run_mode"`
}

const (
	SettingMinAgeDays = "min_age_days"
	SettingDryRun     = "dry_run_mode"

	DefaultMinAgeDays = 30
)

// ErrAccountNotFound is returned by store mutations targeting an unknown row.
var ErrAccountNotFound = errors.New("account not found")

// Reclaim failure codes surfaced as machine-readable ReclaimError.Code. A
// stale verdict at revalidation time carries the verdict's status as its code.
const (
	CodeAccountNotFound     = "ACCOUNT_NOT_FOUND"
	CodeNoPrivateKey        = "NO_PRIVATE_KEY"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeRPCError            = "RPC_ERROR"
)

// ReclaimError is a typed validation failure: machine code plus human reason,
// never a crash.
type ReclaimError struct {
	Code   string
	Reason string
}

func (e *ReclaimError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Store is the durable persistence boundary. Implementations must keep the
// activity log append-only and enforce that RECLAIMED is only ever written
// through MarkReclaimed, and never overwritten once set.
type Store interface {
	// Account returns nil, nil when no row exists for the address.
	Account(ctx context.Context, address string) (*SponsoredAccount, error)
	Accounts(ctx context.Context) ([]SponsoredAccount, error)
	AccountsByStatus(ctx context.Context, status Status) ([]SponsoredAccount, error)
	// PutAccount inserts a newly discovered row.
	PutAccount(ctx context.Context, account SponsoredAccount) error
	// UpdateAccountObservation refreshes balance and lastActivity, preserving
	// status.
	UpdateAccountObservation(ctx context.Context, address string, balance float64, lastActivity time.Time) error
	// SetAccountStatus persists a judge re-evaluation. It rejects
	// StatusReclaimed and leaves already-reclaimed rows untouched.
	SetAccountStatus(ctx context.Context, address string, status Status) error
	// MarkReclaimed is the single write site for the terminal transition:
	// status RECLAIMED, balance 0, lastActivity = at. Returns false when the
	// row was already reclaimed (conditional update, no overwrite).
	MarkReclaimed(ctx context.Context, address string, at time.Time) (bool, error)

	AppendActivity(ctx context.Context, entry ActivityEntry) error
	// Activity returns the newest entries first.
	Activity(ctx context.Context, limit int) ([]ActivityEntry, error)
	// TotalReclaimed sums REAL-mode RECLAIM amounts from the activity log.
	TotalReclaimed(ctx context.Context) (float64, error)

	// Setting returns "" when the key is unset.
	Setting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	Whitelist(ctx context.Context) ([]string, error)
	WhitelistAdd(ctx context.Context, address string) error
	WhitelistRemove(ctx context.Context, address string) error
}

// LoadSettings reads Settings from the store, applying safe defaults for
// unset or malformed values.
func LoadSettings(ctx context.Context, store Store) (Settings, error) {
	settings := Settings{MinAgeDays: DefaultMinAgeDays, DryRun: true}

	raw, err := store.Setting(ctx, SettingMinAgeDays)
	if err != nil {
		return settings, fmt.Errorf("failed to read %s: %w", SettingMinAgeDays, err)
	}
	if raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			settings.MinAgeDays = v
		}
	}

	raw, err = store.Setting(ctx, SettingDryRun)
	if err != nil {
		return settings, fmt.Errorf("failed to read %s: %w", SettingDryRun, err)
	}
	if raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			settings.DryRun = v
		}
	}

	return settings, nil
}

// LoadWhitelist reads the whitelist into a membership set for the judge.
func LoadWhitelist(ctx context.Context, store Store) (map[string]bool, error) {
	addrs, err := store.Whitelist(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read whitelist: %w", err)
	}
	set := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		set[a] = true
	}
	return set, nil
}
