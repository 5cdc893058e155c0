package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies ledger failures for callers that map them to transport codes.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnauthenticated
	KindUnauthorized
	KindNotFound
	KindConflict
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the engine and the stores.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind != KindInfrastructure {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e carrying detail in its message.
func (e *Error) With(detail string) *Error {
	cp := *e
	cp.Err = errors.New(detail)
	return &cp
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidAmount    = &Error{Kind: KindValidation, Code: "invalid_amount", Message: "amount must be a positive value"}
	ErrAmountPrecision  = &Error{Kind: KindValidation, Code: "invalid_amount", Message: "amount must have at most 2 decimal places"}
	ErrAmountTooLarge   = &Error{Kind: KindValidation, Code: "invalid_amount", Message: "amount exceeds the maximum of 9999999999999999.99"}
	ErrInvalidCurrency  = &Error{Kind: KindValidation, Code: "invalid_currency", Message: "currency must be a 3-letter ISO code"}
	ErrMissingSource    = &Error{Kind: KindValidation, Code: "invalid_request", Message: "source account is required"}
	ErrMissingRecipient = &Error{Kind: KindValidation, Code: "invalid_request", Message: "recipient is required"}
	ErrInvalidRequest   = &Error{Kind: KindValidation, Code: "invalid_request", Message: "invalid request"}

	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Code: "unauthenticated", Message: "authentication required"}
	ErrNotAccountOwner = &Error{Kind: KindUnauthorized, Code: "not_account_owner", Message: "source account unavailable: not owned by caller"}
	ErrForbidden       = &Error{Kind: KindUnauthorized, Code: "forbidden", Message: "operation not permitted"}

	ErrAccountNotFound      = &Error{Kind: KindNotFound, Code: "account_not_found", Message: "account not found"}
	ErrSourceUnavailable    = &Error{Kind: KindNotFound, Code: "source_unavailable", Message: "source account unavailable"}
	ErrRecipientUnavailable = &Error{Kind: KindNotFound, Code: "recipient_unavailable", Message: "recipient unavailable"}
	ErrBillerNotFound       = &Error{Kind: KindNotFound, Code: "recipient_unavailable", Message: "biller unavailable"}
	ErrHolderNotFound       = &Error{Kind: KindNotFound, Code: "holder_not_found", Message: "account holder not found"}
	ErrTransactionNotFound  = &Error{Kind: KindNotFound, Code: "transaction_not_found", Message: "transaction not found"}

	ErrInsufficientFunds   = &Error{Kind: KindConflict, Code: "insufficient_funds", Message: "insufficient funds"}
	ErrSameAccount         = &Error{Kind: KindConflict, Code: "same_account", Message: "cannot transfer to the same account"}
	ErrAccountInactive     = &Error{Kind: KindConflict, Code: "account_inactive", Message: "source account unavailable: account is not active"}
	ErrCurrencyMismatch    = &Error{Kind: KindConflict, Code: "currency_mismatch", Message: "accounts use different currencies"}
	ErrIdempotencyMismatch = &Error{Kind: KindConflict, Code: "idempotency_mismatch", Message: "idempotency key was already used for a different request"}
	ErrDuplicateRequest    = &Error{Kind: KindConflict, Code: "duplicate_request", Message: "a request with this idempotency key is already being processed"}
	ErrDuplicateReference  = &Error{Kind: KindConflict, Code: "duplicate_reference", Message: "reference number already recorded"}
	ErrAccountNumberTaken  = &Error{Kind: KindConflict, Code: "account_number_taken", Message: "account number already exists"}
	ErrBalanceLimit        = &Error{Kind: KindConflict, Code: "balance_limit", Message: "balance would exceed the account limit"}
)

// Infrastructure wraps a storage or transport failure. The wrapped error stays
// available to logs through Unwrap but is never part of Error().
func Infrastructure(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Kind: KindInfrastructure, Code: "internal", Message: "internal error", Err: fmt.Errorf("%s: %w", op, err)}
}

// Invalid returns a validation error with a caller-facing message.
func Invalid(msg string) error {
	return &Error{Kind: KindValidation, Code: ErrInvalidRequest.Code, Message: msg}
}

// KindOf reports the kind of err; unknown errors count as infrastructure.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInfrastructure
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return "internal"
}

// PublicMessage returns the text safe to show an end user.
func PublicMessage(err error) string {
	var le *Error
	if !errors.As(err, &le) || le.Kind == KindInfrastructure {
		return "internal error"
	}
	return le.Error()
}
