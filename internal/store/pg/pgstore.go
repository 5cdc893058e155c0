package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bankcore.io/internal/ledger"
)

// DefaultChannel is the LISTEN/NOTIFY channel notifications are announced on.
const DefaultChannel = "ledger_notifications"

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	accountColumns     = `id, owner_id, account_number, type, balance, currency, status, created_at, updated_at`
	transactionColumns = `id, reference_number, coalesce(from_account_id, ''), coalesce(to_account_id, ''),
		coalesce(biller_id, ''), initiator_id, amount, currency, type, status, category, description,
		coalesce(idempotency_key, ''), created_at`
)

// Store implements ledger.Store on Postgres. Units run at READ COMMITTED and
// rely on row locks taken with select ... for update.
type Store struct {
	db      *sql.DB
	channel string
}

var _ ledger.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithChannel overrides DefaultChannel.
func WithChannel(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.channel = name
		}
	}
}

// Open creates a pool for dsn. The caller owns the pool and must Close it.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, channel: DefaultChannel}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return ledger.Infrastructure("begin", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	t := &pgTx{tx: sqlTx, channel: s.channel, locked: make(map[string]struct{})}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr("commit", err)
	}
	return nil
}

func (s *Store) Account(ctx context.Context, id string) (ledger.Account, error) {
	acc, err := scanAccount(s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapErr("get account", err)
	}
	return acc, nil
}

func (s *Store) AccountsByOwner(ctx context.Context, ownerID string) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+accountColumns+`
		from accounts
		where owner_id = $1
		order by created_at, id
	`, ownerID)
	if err != nil {
		return nil, mapErr("list accounts", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, mapErr("scan account", err)
		}
		out = append(out, acc)
	}
	return out, mapErr("list accounts", rows.Err())
}

func (s *Store) History(ctx context.Context, accountID string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+transactionColumns+`
		from transactions
		where from_account_id = $1 or to_account_id = $1
		order by created_at desc, id desc
		limit $2
	`, accountID, limit)
	if err != nil {
		return nil, mapErr("history", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, mapErr("scan transaction", err)
		}
		out = append(out, t)
	}
	return out, mapErr("history", rows.Err())
}

func (s *Store) Statistics(ctx context.Context, userID string, year int) ([]ledger.MonthlyStatistic, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, type, month, year, amount
		from monthly_statistics
		where user_id = $1 and year = $2
		order by month, type
	`, userID, year)
	if err != nil {
		return nil, mapErr("statistics", err)
	}
	defer rows.Close()

	var out []ledger.MonthlyStatistic
	for rows.Next() {
		var st ledger.MonthlyStatistic
		var typ string
		var month int
		if err := rows.Scan(&st.UserID, &typ, &month, &st.Year, &st.Amount); err != nil {
			return nil, mapErr("scan statistic", err)
		}
		st.Type = ledger.StatType(typ)
		st.Month = time.Month(month)
		out = append(out, st)
	}
	return out, mapErr("statistics", rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var acc ledger.Account
	var typ, status string
	if err := row.Scan(&acc.ID, &acc.OwnerID, &acc.AccountNumber, &typ, &acc.Balance, &acc.Currency, &status, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return ledger.Account{}, err
	}
	acc.Type = ledger.AccountType(typ)
	acc.Status = ledger.AccountStatus(status)
	return acc, nil
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var t ledger.Transaction
	var typ, status string
	if err := row.Scan(&t.ID, &t.ReferenceNumber, &t.FromAccountID, &t.ToAccountID, &t.BillerID, &t.InitiatorID,
		&t.Amount, &t.Currency, &typ, &status, &t.Category, &t.Description, &t.IdempotencyKey, &t.CreatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	t.Type = ledger.TxType(typ)
	t.Status = ledger.TxStatus(status)
	return t, nil
}
