// Package postgres is the durable Store implementation. The terminal
// RECLAIMED transition is a conditional UPDATE, so concurrent writers cannot
// overwrite a reclaimed row even without application-level locking.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/rentsweep/pkg/sweep"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

var _ sweep.Store = (*Store)(nil)

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

// Open connects a pool and pings it.
func Open(ctx context.Context, log *slog.Logger, dsn string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return New(Config{Logger: log, Pool: pool})
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate runs the embedded goose migrations.
func Migrate(log *slog.Logger, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("running postgres migrations")
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("postgres migrations completed")
	return nil
}

const accountColumns = "address, balance, rent_exempt_min, last_activity, status, detected_at"

func scanAccount(row pgx.Row) (*sweep.SponsoredAccount, error) {
	var account sweep.SponsoredAccount
	var status string
	err := row.Scan(&account.Address, &account.Balance, &account.RentExemptMin,
		&account.LastActivity, &status, &account.DetectedAt)
	if err != nil {
		return nil, err
	}
	account.Status = sweep.Status(status)
	return &account, nil
}

func (s *Store) Account(ctx context.Context, address string) (*sweep.SponsoredAccount, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM sponsored_accounts WHERE address = $1", address)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query account %s: %w", address, err)
	}
	return account, nil
}

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]sweep.SponsoredAccount, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []sweep.SponsoredAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		out = append(out, *account)
	}
	return out, rows.Err()
}

func (s *Store) Accounts(ctx context.Context) ([]sweep.SponsoredAccount, error) {
	return s.queryAccounts(ctx,
		"SELECT "+accountColumns+" FROM sponsored_accounts ORDER BY detected_at, address")
}

func (s *Store) AccountsByStatus(ctx context.Context, status sweep.Status) ([]sweep.SponsoredAccount, error) {
	return s.queryAccounts(ctx,
		"SELECT "+accountColumns+" FROM sponsored_accounts WHERE status = $1 ORDER BY detected_at, address",
		string(status))
}

func (s *Store) PutAccount(ctx context.Context, account sweep.SponsoredAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sponsored_accounts (address, balance, rent_exempt_min, last_activity, status, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		account.Address, account.Balance, account.RentExemptMin,
		account.LastActivity, string(account.Status), account.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to insert account %s: %w", account.Address, err)
	}
	return nil
}

func (s *Store) UpdateAccountObservation(ctx context.Context, address string, balance float64, lastActivity time.Time) error {
	ct, err := s.pool.Exec(ctx,
		"UPDATE sponsored_accounts SET balance = $2, last_activity = $3 WHERE address = $1",
		address, balance, lastActivity)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", address, err)
	}
	if ct.RowsAffected() == 0 {
		return sweep.ErrAccountNotFound
	}
	return nil
}

func (s *Store) SetAccountStatus(ctx context.Context, address string, status sweep.Status) error {
	if status == sweep.StatusReclaimed {
		return fmt.Errorf("RECLAIMED must be set through MarkReclaimed")
	}
	ct, err := s.pool.Exec(ctx,
		"UPDATE sponsored_accounts SET status = $2 WHERE address = $1 AND status <> 'RECLAIMED'",
		address, string(status))
	if err != nil {
		return fmt.Errorf("failed to set status for account %s: %w", address, err)
	}
	if ct.RowsAffected() == 0 {
		existing, err := s.Account(ctx, address)
		if err != nil {
			return err
		}
		if existing == nil {
			return sweep.ErrAccountNotFound
		}
		return fmt.Errorf("account %s is already reclaimed", address)
	}
	return nil
}

func (s *Store) MarkReclaimed(ctx context.Context, address string, at time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx,
		`UPDATE sponsored_accounts
		 SET status = 'RECLAIMED', balance = 0, last_activity = $2
		 WHERE address = $1 AND status <> 'RECLAIMED'`,
		address, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark account %s reclaimed: %w", address, err)
	}
	if ct.RowsAffected() == 0 {
		existing, err := s.Account(ctx, address)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, sweep.ErrAccountNotFound
		}
		// Already reclaimed: the conditional update leaves it untouched.
		return false, nil
	}
	return true, nil
}

func (s *Store) AppendActivity(ctx context.Context, entry sweep.ActivityEntry) error {
	var txSig *string
	if entry.TxSignature != "" {
		txSig = &entry.TxSignature
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_log (action, account, amount, mode, reason, tx_signature, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(entry.Action), entry.Account, entry.Amount, string(entry.Mode),
		entry.Reason, txSig, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append activity entry: %w", err)
	}
	return nil
}

func (s *Store) Activity(ctx context.Context, limit int) ([]sweep.ActivityEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT action, account, amount, mode, reason, tx_signature, created_at
		 FROM activity_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity log: %w", err)
	}
	defer rows.Close()

	var out []sweep.ActivityEntry
	for rows.Next() {
		var entry sweep.ActivityEntry
		var action, mode string
		var txSig *string
		if err := rows.Scan(&action, &entry.Account, &entry.Amount, &mode,
			&entry.Reason, &txSig, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		entry.Action = sweep.Action(action)
		entry.Mode = sweep.Mode(mode)
		if txSig != nil {
			entry.TxSignature = *txSig
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) TotalReclaimed(ctx context.Context) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM activity_log WHERE action = 'RECLAIM' AND mode = 'REAL'").
		Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum reclaimed amounts: %w", err)
	}
	return total, nil
}

func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, "SELECT value FROM settings WHERE key = $1", key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to query setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) Whitelist(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT address FROM whitelist ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("failed to query whitelist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist row: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

func (s *Store) WhitelistAdd(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO whitelist (address) VALUES ($1) ON CONFLICT (address) DO NOTHING", address)
	if err != nil {
		return fmt.Errorf("failed to add %s to whitelist: %w", address, err)
	}
	return nil
}

func (s *Store) WhitelistRemove(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM whitelist WHERE address = $1", address)
	if err != nil {
		return fmt.Errorf("failed to remove %s from whitelist: %w", address, err)
	}
	return nil
}
