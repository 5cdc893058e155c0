package pg

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"bankcore.io/internal/ledger"
)

// Constraint names from ops/migrations/sql.
const (
	constraintReference   = "transactions_reference_number_key"
	constraintIdempotency = "transactions_idempotency_idx"
	constraintAccountNo   = "accounts_account_number_key"
	constraintBalance     = "accounts_balance_check"
)

// mapErr converts driver errors into ledger errors. Known constraint
// violations become domain conflicts; everything else is infrastructure.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			switch pgErr.ConstraintName {
			case constraintReference:
				return ledger.ErrDuplicateReference
			case constraintIdempotency:
				return ledger.ErrDuplicateRequest
			case constraintAccountNo:
				return ledger.ErrAccountNumberTaken
			}
		case "22003":
			return ledger.ErrBalanceLimit
		case "23514":
			if pgErr.ConstraintName == constraintBalance {
				return ledger.ErrInsufficientFunds
			}
		}
	}
	return ledger.Infrastructure(op, err)
}
