package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence boundary of the engine. Every mutation happens
// inside WithinTx; reads outside a unit only see committed state.
type Store interface {
	// WithinTx runs fn inside one atomic unit. The unit commits when fn
	// returns nil and rolls back on an error, a panic or a done context.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Reader
}

// Reader exposes committed state for the read side of the API.
type Reader interface {
	Account(ctx context.Context, id string) (Account, error)
	AccountsByOwner(ctx context.Context, ownerID string) ([]Account, error)
	History(ctx context.Context, accountID string, limit int) ([]Transaction, error)
	Statistics(ctx context.Context, userID string, year int) ([]MonthlyStatistic, error)
}

// Tx groups the collaborators available inside one atomic unit.
type Tx interface {
	Accounts() AccountStore
	Transactions() TransactionLog
	Statistics() StatisticsRollup
	Notifications() Notifier
	Billers() BillerDirectory
}

// LockFilter constrains GetForUpdate. Empty fields are not checked.
type LockFilter struct {
	OwnerID string
	Status  AccountStatus
}

// Check reports why acc does not satisfy the filter.
func (f LockFilter) Check(acc Account) error {
	if f.OwnerID != "" && acc.OwnerID != f.OwnerID {
		return ErrNotAccountOwner
	}
	if f.Status != "" && acc.Status != f.Status {
		return ErrAccountInactive.With("status " + string(acc.Status))
	}
	return nil
}

// AccountStore holds account balances and their row locks.
type AccountStore interface {
	// GetForUpdate locks the account until the unit ends.
	GetForUpdate(ctx context.Context, id string, filter LockFilter) (Account, error)
	Get(ctx context.Context, id string) (Account, error)
	// AdjustBalance applies delta and returns the new balance. Negative
	// deltas require the lock taken by GetForUpdate in the same unit.
	AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (decimal.Decimal, error)
	// FindDefaultForUser returns the oldest active account of the user
	// named by username or id, optionally restricted to one type.
	FindDefaultForUser(ctx context.Context, user string, requiredType AccountType) (Account, error)
	Holder(ctx context.Context, userID string) (Holder, error)
	NumberExists(ctx context.Context, number string) (bool, error)
	Create(ctx context.Context, acc Account) error
}

// TransactionLog is the append-only movement record.
type TransactionLog interface {
	Insert(ctx context.Context, t Transaction) error
	FindByIdempotencyKey(ctx context.Context, initiatorID, key string) (Transaction, error)
}

// StatisticsRollup maintains per-user monthly aggregates.
type StatisticsRollup interface {
	// Add creates the row for key or increments it by amount.
	Add(ctx context.Context, key StatKey, amount decimal.Decimal) error
}

// Notifier records user-facing events. Implementations deliver them only
// after the enclosing unit commits.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// BillerDirectory resolves payment payees.
type BillerDirectory interface {
	Find(ctx context.Context, id string) (Biller, error)
}

func statKey(userID string, typ StatType, at time.Time) StatKey {
	at = at.UTC()
	return StatKey{UserID: userID, Type: typ, Month: at.Month(), Year: at.Year()}
}
