package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"

	"bankcore.io/internal/ledger"
)

// pgTx is one ledger unit backed by a *sql.Tx.
type pgTx struct {
	tx      *sql.Tx
	channel string
	locked  map[string]struct{}
}

func (t *pgTx) Accounts() ledger.AccountStore       { return accounts{t} }
func (t *pgTx) Transactions() ledger.TransactionLog { return transactions{t} }
func (t *pgTx) Statistics() ledger.StatisticsRollup { return statistics{t} }
func (t *pgTx) Notifications() ledger.Notifier      { return notifier{t} }
func (t *pgTx) Billers() ledger.BillerDirectory     { return billers{t} }

type accounts struct{ t *pgTx }

func (a accounts) GetForUpdate(ctx context.Context, id string, filter ledger.LockFilter) (ledger.Account, error) {
	acc, err := scanAccount(a.t.tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapErr("lock account", err)
	}
	a.t.locked[id] = struct{}{}
	if err := filter.Check(acc); err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

func (a accounts) Get(ctx context.Context, id string) (ledger.Account, error) {
	acc, err := scanAccount(a.t.tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapErr("get account", err)
	}
	return acc, nil
}

// AdjustBalance is a single atomic increment; the balance guard in the
// where clause keeps it from ever going negative.
func (a accounts) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error) {
	if delta.IsNegative() {
		if _, ok := a.t.locked[id]; !ok {
			return decimal.Zero, ledger.Infrastructure("adjust balance", errors.New("debit of "+id+" without row lock"))
		}
	}
	var balance decimal.Decimal
	err := a.t.tx.QueryRowContext(ctx, `
		update accounts
		set balance = balance + $2, updated_at = now()
		where id = $1 and balance + $2 >= 0
		returning balance
	`, id, delta).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := a.t.tx.QueryRowContext(ctx, `select exists(select 1 from accounts where id = $1)`, id).Scan(&exists); err != nil {
			return decimal.Zero, mapErr("adjust balance", err)
		}
		if !exists {
			return decimal.Zero, ledger.ErrAccountNotFound
		}
		return decimal.Zero, ledger.ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, mapErr("adjust balance", err)
	}
	return balance, nil
}

func (a accounts) FindDefaultForUser(ctx context.Context, user string, requiredType ledger.AccountType) (ledger.Account, error) {
	acc, err := scanAccount(a.t.tx.QueryRowContext(ctx, `
		select a.id, a.owner_id, a.account_number, a.type, a.balance, a.currency, a.status, a.created_at, a.updated_at
		from accounts a
		join users u on u.id = a.owner_id
		where (u.id = $1 or lower(u.username) = lower($1))
		  and a.status = 'active'
		  and ($2 = '' or a.type = $2)
		order by a.created_at, a.id
		limit 1
	`, user, string(requiredType)))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapErr("find default account", err)
	}
	return acc, nil
}

func (a accounts) Holder(ctx context.Context, userID string) (ledger.Holder, error) {
	var h ledger.Holder
	err := a.t.tx.QueryRowContext(ctx, `
		select id, username, first_name, last_name from users where id = $1
	`, userID).Scan(&h.ID, &h.Username, &h.FirstName, &h.LastName)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Holder{}, ledger.ErrHolderNotFound
	}
	if err != nil {
		return ledger.Holder{}, mapErr("get holder", err)
	}
	return h, nil
}

func (a accounts) NumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	err := a.t.tx.QueryRowContext(ctx, `select exists(select 1 from accounts where account_number = $1)`, number).Scan(&exists)
	if err != nil {
		return false, mapErr("check account number", err)
	}
	return exists, nil
}

func (a accounts) Create(ctx context.Context, acc ledger.Account) error {
	_, err := a.t.tx.ExecContext(ctx, `
		insert into accounts (id, owner_id, account_number, type, balance, currency, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, acc.ID, acc.OwnerID, acc.AccountNumber, string(acc.Type), acc.Balance, acc.Currency, string(acc.Status), acc.CreatedAt, acc.UpdatedAt)
	return mapErr("create account", err)
}

type transactions struct{ t *pgTx }

func (l transactions) Insert(ctx context.Context, t ledger.Transaction) error {
	_, err := l.t.tx.ExecContext(ctx, `
		insert into transactions (id, reference_number, from_account_id, to_account_id, biller_id, initiator_id,
			amount, currency, type, status, category, description, idempotency_key, created_at)
		values ($1, $2, nullif($3, ''), nullif($4, ''), nullif($5, ''), $6, $7, $8, $9, $10, $11, $12, nullif($13, ''), $14)
	`, t.ID, t.ReferenceNumber, t.FromAccountID, t.ToAccountID, t.BillerID, t.InitiatorID,
		t.Amount, t.Currency, string(t.Type), string(t.Status), t.Category, t.Description, t.IdempotencyKey, t.CreatedAt)
	return mapErr("insert transaction", err)
}

func (l transactions) FindByIdempotencyKey(ctx context.Context, initiatorID, key string) (ledger.Transaction, error) {
	t, err := scanTransaction(l.t.tx.QueryRowContext(ctx, `
		select `+transactionColumns+`
		from transactions
		where initiator_id = $1 and idempotency_key = $2
	`, initiatorID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.Transaction{}, mapErr("find idempotent transaction", err)
	}
	return t, nil
}

type statistics struct{ t *pgTx }

func (s statistics) Add(ctx context.Context, key ledger.StatKey, amount decimal.Decimal) error {
	_, err := s.t.tx.ExecContext(ctx, `
		insert into monthly_statistics (user_id, type, month, year, amount)
		values ($1, $2, $3, $4, $5)
		on conflict (user_id, type, month, year)
		do update set amount = monthly_statistics.amount + excluded.amount
	`, key.UserID, string(key.Type), int(key.Month), key.Year, amount)
	return mapErr("upsert statistic", err)
}

type notifier struct{ t *pgTx }

// Notify stores the notification and queues a NOTIFY that Postgres delivers
// only if the unit commits.
func (n notifier) Notify(ctx context.Context, note ledger.Notification) error {
	if _, err := n.t.tx.ExecContext(ctx, `
		insert into notifications (id, user_id, title, message, severity, created_at)
		values ($1, $2, $3, $4, $5, $6)
	`, note.ID, note.UserID, note.Title, note.Message, string(note.Severity), note.CreatedAt); err != nil {
		return mapErr("insert notification", err)
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return ledger.Infrastructure("encode notification", err)
	}
	if _, err := n.t.tx.ExecContext(ctx, `select pg_notify($1, $2)`, n.t.channel, string(payload)); err != nil {
		return mapErr("notify", err)
	}
	return nil
}

type billers struct{ t *pgTx }

func (b billers) Find(ctx context.Context, id string) (ledger.Biller, error) {
	var out ledger.Biller
	err := b.t.tx.QueryRowContext(ctx, `
		select id, name, category, active from billers where id = $1
	`, id).Scan(&out.ID, &out.Name, &out.Category, &out.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Biller{}, ledger.ErrBillerNotFound
	}
	if err != nil {
		return ledger.Biller{}, mapErr("find biller", err)
	}
	return out, nil
}
