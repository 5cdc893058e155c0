package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits money amounts may carry.
const AmountScale = 2

// MaxAmount is the largest value a numeric(18,2) column holds. It bounds both
// single amounts and balances.
var MaxAmount = decimal.RequireFromString("9999999999999999.99")

// Exponent bounds checked before any arithmetic. Values outside them cannot
// be valid amounts, and rescaling them costs time proportional to the exponent.
const (
	maxAmountExponent = 16
	minAmountExponent = -32
)

// AccountType is the product an account was opened as.
type AccountType string

const (
	AccountSavings  AccountType = "savings"
	AccountChecking AccountType = "checking"
	AccountBusiness AccountType = "business"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountSavings, AccountChecking, AccountBusiness:
		return true
	}
	return false
}

// AccountStatus gates whether an account can send money.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusInactive AccountStatus = "inactive"
	StatusFrozen   AccountStatus = "frozen"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusFrozen:
		return true
	}
	return false
}

// Account is one balance-holding record owned by a single user.
// Balance never goes below zero and changes only inside an atomic unit.
type Account struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	AccountNumber string          `json:"account_number"`
	Type          AccountType     `json:"type"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	Status        AccountStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewAccount validates the fields of an account record.
func NewAccount(id, ownerID, number string, typ AccountType, currency string, balance decimal.Decimal, status AccountStatus, createdAt time.Time) (Account, error) {
	switch {
	case strings.TrimSpace(id) == "":
		return Account{}, Invalid("account id is required")
	case strings.TrimSpace(ownerID) == "":
		return Account{}, Invalid("account owner is required")
	case strings.TrimSpace(number) == "":
		return Account{}, Invalid("account number is required")
	case !typ.Valid():
		return Account{}, Invalid("unknown account type " + string(typ))
	case !status.Valid():
		return Account{}, Invalid("unknown account status " + string(status))
	case balance.IsNegative():
		return Account{}, Invalid("balance must not be negative")
	}
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return Account{}, err
	}
	return Account{
		ID:            id,
		OwnerID:       ownerID,
		AccountNumber: number,
		Type:          typ,
		Balance:       balance,
		Currency:      cur,
		Status:        status,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}, nil
}

// TxType is the kind of money movement a transaction records.
type TxType string

const (
	TxTransfer   TxType = "transfer"
	TxPayment    TxType = "payment"
	TxDeposit    TxType = "deposit"
	TxWithdrawal TxType = "withdrawal"
)

func (t TxType) Valid() bool {
	switch t {
	case TxTransfer, TxPayment, TxDeposit, TxWithdrawal:
		return true
	}
	return false
}

// TxStatus of a recorded transaction. Only completed rows are written today.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Transaction is one append-only audit record of a movement.
type Transaction struct {
	ID              string          `json:"id"`
	ReferenceNumber string          `json:"reference_number"`
	FromAccountID   string          `json:"from_account_id,omitempty"`
	ToAccountID     string          `json:"to_account_id,omitempty"`
	BillerID        string          `json:"biller_id,omitempty"`
	InitiatorID     string          `json:"initiator_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Type            TxType          `json:"type"`
	Status          TxStatus        `json:"status"`
	Category        string          `json:"category"`
	Description     string          `json:"description"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Validate checks the record invariants before it is persisted.
func (t Transaction) Validate() error {
	switch {
	case t.ID == "" || t.ReferenceNumber == "":
		return Invalid("transaction id and reference number are required")
	case t.FromAccountID == "" && t.ToAccountID == "":
		return Invalid("transaction needs a source or a destination account")
	case !t.Type.Valid():
		return Invalid("unknown transaction type " + string(t.Type))
	case t.Status != TxPending && t.Status != TxCompleted && t.Status != TxFailed:
		return Invalid("unknown transaction status " + string(t.Status))
	}
	if err := ValidateAmount(t.Amount); err != nil {
		return err
	}
	_, err := NormalizeCurrency(t.Currency)
	return err
}

// StatType separates money coming in from money going out.
type StatType string

const (
	StatIncome   StatType = "income"
	StatSpending StatType = "spending"
)

// MonthlyStatistic is the running total for one user, type and calendar month.
type MonthlyStatistic struct {
	UserID string          `json:"user_id"`
	Type   StatType        `json:"type"`
	Month  time.Month      `json:"month"`
	Year   int             `json:"year"`
	Amount decimal.Decimal `json:"amount"`
}

// StatKey identifies a MonthlyStatistic row.
type StatKey struct {
	UserID string
	Type   StatType
	Month  time.Month
	Year   int
}

// Severity of a user notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is the fact that a user should be told something.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Holder is the display projection of the user owning an account.
type Holder struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// DisplayName prefers the full name and falls back to the username.
func (h Holder) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(h.FirstName) + " " + strings.TrimSpace(h.LastName))
	if name != "" {
		return name
	}
	return h.Username
}

// Biller is a payee that receives payments outside the bank's accounts.
type Biller struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Active   bool   `json:"active"`
}

// Caller is the authenticated user on whose behalf a movement runs.
type Caller = Holder

// ValidateAmount enforces 0 < amount <= MaxAmount with at most AmountScale
// fractional digits. It must run before anything formats or rescales amt.
func ValidateAmount(amt decimal.Decimal) error {
	if !amt.IsPositive() {
		return ErrInvalidAmount
	}
	switch exp := amt.Exponent(); {
	case exp > maxAmountExponent:
		return ErrAmountTooLarge
	case exp < minAmountExponent:
		return ErrAmountPrecision
	}
	if !amt.Equal(amt.Truncate(AmountScale)) {
		return ErrAmountPrecision
	}
	if amt.GreaterThan(MaxAmount) {
		return ErrAmountTooLarge
	}
	return nil
}

// NormalizeCurrency upper-cases and checks a 3-letter ISO 4217 code.
func NormalizeCurrency(cur string) (string, error) {
	cur = strings.ToUpper(strings.TrimSpace(cur))
	if len(cur) != 3 {
		return "", ErrInvalidCurrency
	}
	for _, r := range cur {
		if r < 'A' || r > 'Z' {
			return "", ErrInvalidCurrency
		}
	}
	return cur, nil
}

// FormatMoney renders an amount the way notifications show it, e.g. "USD 40.00".
func FormatMoney(currency string, amt decimal.Decimal) string {
	return currency + " " + amt.StringFixed(AmountScale)
}
