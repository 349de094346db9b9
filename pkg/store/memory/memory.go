// Package memory is an in-process Store used by tests and keyless dev runs.
// It upholds the same invariants as the Postgres store: append-only activity
// log, RECLAIMED written only through MarkReclaimed and never overwritten.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"time"

	"github.com/malbeclabs/rentsweep/pkg/sweep"
)

var _ sweep.Store = (*Store)(nil)

type Store struct {
	mu        sync.RWMutex
	accounts  map[string]sweep.SponsoredAccount
	activity  []sweep.ActivityEntry
	settings  map[string]string
	whitelist map[string]bool
}

func New() *Store {
	return &Store{
		accounts:  make(map[string]sweep.SponsoredAccount),
		settings:  make(map[string]string),
		whitelist: make(map[string]bool),
	}
}

func (s *Store) Account(ctx context.Context, address string) (*sweep.SponsoredAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[address]
	if !ok {
		return nil, nil
	}
	return &account, nil
}

func (s *Store) Accounts(ctx context.Context) ([]sweep.SponsoredAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sweep.SponsoredAccount, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, account)
	}
	sortAccounts(out)
	return out, nil
}

func (s *Store) AccountsByStatus(ctx context.Context, status sweep.Status) ([]sweep.SponsoredAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []sweep.SponsoredAccount
	for _, account := range s.accounts {
		if account.Status == status {
			out = append(out, account)
		}
	}
	sortAccounts(out)
	return out, nil
}

func sortAccounts(accounts []sweep.SponsoredAccount) {
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].DetectedAt.Equal(accounts[j].DetectedAt) {
			return accounts[i].DetectedAt.Before(accounts[j].DetectedAt)
		}
		return accounts[i].Address < accounts[j].Address
	})
}

func (s *Store) PutAccount(ctx context.Context, account sweep.SponsoredAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.Address]; exists {
		return fmt.Errorf("account %s already exists", account.Address)
	}
	s.accounts[account.Address] = account
	return nil
}

func (s *Store) UpdateAccountObservation(ctx context.Context, address string, balance float64, lastActivity time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[address]
	if !ok {
		return sweep.ErrAccountNotFound
	}
	account.Balance = balance
	account.LastActivity = lastActivity
	s.accounts[address] = account
	return nil
}

func (s *Store) SetAccountStatus(ctx context.Context, address string, status sweep.Status) error {
	if status == sweep.StatusReclaimed {
		return fmt.Errorf("RECLAIMED must be set through MarkReclaimed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[address]
	if !ok {
		return sweep.ErrAccountNotFound
	}
	if account.Status == sweep.StatusReclaimed {
		return fmt.Errorf("account %s is already reclaimed", address)
	}
	account.Status = status
	s.accounts[address] = account
	return nil
}

func (s *Store) MarkReclaimed(ctx context.Context, address string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[address]
	if !ok {
		return false, sweep.ErrAccountNotFound
	}
	if account.Status == sweep.StatusReclaimed {
		return false, nil
	}
	account.Status = sweep.StatusReclaimed
	account.Balance = 0
	account.LastActivity = at
	s.accounts[address] = account
	return true, nil
}

func (s *Store) AppendActivity(ctx context.Context, entry sweep.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, entry)
	return nil
}

func (s *Store) Activity(ctx context.Context, limit int) ([]sweep.ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.activity)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]sweep.ActivityEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.activity[i])
	}
	return out, nil
}

func (s *Store) TotalReclaimed(ctx context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, entry := range s.activity {
		if entry.Action == sweep.ActionReclaim && entry.Mode == sweep.ModeReal {
			total += entry.Amount
		}
	}
	return total, nil
}

func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[key], nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *Store) Whitelist(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.whitelist))
	for addr := range s.whitelist {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) WhitelistAdd(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whitelist[address] = true
	return nil
}

func (s *Store) WhitelistRemove(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.whitelist, address)
	return nil
}
